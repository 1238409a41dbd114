// Package archhooks is the seam between the architecture-independent kernel
// core and the three primitives only assembly/MMIO can provide: which core
// is currently executing, and how to mask/restore its interrupts. They are
// function variables so a target build can replace them with the MRS
// MPIDR_EL1 / MSR DAIFSet,#0xf sequences; nothing in this repository
// (including internal/kernel/boot) replaces them, so the simulated host
// implementation below is the one in use, letting the core run off-target, the
// same way the teacher's hv.CpuArchitecture lets device code run under KVM,
// HVF, or WHP without caring which.
package archhooks

import "sync/atomic"

// CoreID returns the architectural id of the currently executing core
// (0..kconfig.NumCores-1). Defaults to core 0 so single-core host tests
// work without setup.
var CoreID func() uint32 = func() uint32 { return 0 }

// InterruptState is an opaque saved interrupt-mask snapshot, returned by
// DisableInterrupts and consumed by RestoreInterrupts. Locks that must be
// IRQ-safe stack these per acquisition, never sharing one across two holders.
type InterruptState uint64

// DisableInterrupts masks interrupts on the current core and returns the
// previous mask so it can be restored later. Safe to call while interrupts
// are already disabled (returns a state that, when restored, leaves them
// disabled).
var DisableInterrupts func() InterruptState = hostDisableInterrupts

// RestoreInterrupts restores a mask previously returned by
// DisableInterrupts. Restoring out of order (not LIFO with respect to the
// corresponding Disable call) is a programming bug.
var RestoreInterrupts func(InterruptState) = hostRestoreInterrupts

// hostInterruptsEnabled simulates a single global interrupt-mask bit for
// host-side tests and tools that never touch real hardware. It does not
// model per-core masking (the host test harness drives all "cores" from
// goroutines sharing one address space), which is sufficient to exercise
// lock-ordering and mutual-exclusion logic, not real asynchronous preemption.
var hostInterruptsEnabled atomic.Bool

func init() {
	hostInterruptsEnabled.Store(true)
}

func hostDisableInterrupts() InterruptState {
	was := hostInterruptsEnabled.Swap(false)
	if was {
		return InterruptState(1)
	}
	return InterruptState(0)
}

func hostRestoreInterrupts(state InterruptState) {
	if state == 1 {
		hostInterruptsEnabled.Store(true)
	}
}
