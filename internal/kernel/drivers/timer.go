package drivers

import (
	"github.com/tinyrange/pikernel/internal/kernel/sched"
	"github.com/tinyrange/pikernel/internal/kernel/thread"
)

// BCM system timer register offsets (Raspberry Pi 3/4's local timer, the
// source of the periodic IRQ the scheduler's preemption policy rides on).
// Grounded on the same MapDevice/RegisterISR shape as UART; there is no
// teacher analogue for a timer device specifically (the pack's timeslice
// package profiles wall-clock time on the host side, not a device), so this
// driver follows spec.md §6's generic "drivers call register_isr" contract
// directly.
const (
	timerCS      = 0x00   // control/status
	timerCLO     = 0x04   // free-running counter, low 32 bits
	timerC1      = 0x10   // compare register 1
	timerCSMatch = 1 << 1 // C1 match bit in CS
)

// Timer is a periodic tick source: each IRQ moves the C1 compare value
// period ticks past its previous value and schedules the supplied callback as a closure event, so the
// callback runs with the same "ordinary scheduled work" semantics as any
// other schedule()'d closure rather than directly in interrupt context.
type Timer struct {
	bus    Bus
	va     uint64
	period uint64
	onTick func()
}

// NewTimer maps the system timer at pa, arms irq 1 (C1 match) to fire every
// period counter ticks, and installs the ISR that reschedules onTick.
func NewTimer(env *Env, pa uint64, irq uint32, period uint64, onTick func()) (*Timer, error) {
	va, err := env.MapDevice(pa, 0x1000)
	if err != nil {
		return nil, err
	}
	t := &Timer{bus: env.Bus, va: va, period: period, onTick: onTick}
	t.arm()
	env.RegisterISR(irq, t.handleIRQ)
	return t, nil
}

func (t *Timer) arm() {
	now := t.bus.Read64(t.va + timerCLO)
	t.bus.Write64(t.va+timerC1, now+t.period)
}

func (t *Timer) handleIRQ(ctx *thread.Context) {
	t.bus.Write64(t.va+timerCS, timerCSMatch) // ack C1 match
	t.bus.Write64(t.va+timerC1, t.bus.Read64(t.va+timerC1)+t.period)
	if t.onTick != nil {
		sched.Schedule(t.onTick)
	}
}
