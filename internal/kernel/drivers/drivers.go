// Package drivers implements the device-driver interface boundary of
// spec.md §6: map_device, register_isr, and the schedule/spawn_async
// entry points a driver uses to hand work back to the core, plus the
// minimal UART and timer drivers the end-to-end boot scenarios drive.
//
// Grounded on the teacher's internal/chipset (ChipsetDevice, MmioIntercept,
// LineInterrupt) for the driver-registration shape, and
// internal/devices/serial/mmio.go for the UART's register layout —
// reworked from a host-side device a hypervisor serves on behalf of a
// guest into a guest-side driver consuming a real (simulated) MMIO window.
package drivers

import (
	"github.com/tinyrange/pikernel/internal/kernel/aspace"
	"github.com/tinyrange/pikernel/internal/kernel/async"
	"github.com/tinyrange/pikernel/internal/kernel/kconfig"
	"github.com/tinyrange/pikernel/internal/kernel/ksync"
	"github.com/tinyrange/pikernel/internal/kernel/pte"
	"github.com/tinyrange/pikernel/internal/kernel/sched"
	"github.com/tinyrange/pikernel/internal/kernel/thread"
	"github.com/tinyrange/pikernel/internal/kernel/trap"
)

// Bus is the MMIO bus a driver's mappings eventually read and write
// through; it is the same pte.Bus the page-table engine already uses, so a
// mapped device window and a mapped page table share one memory model.
type Bus = pte.Bus

// Env is everything the device-driver layer is handed at boot: a place to
// install mappings, a place to register ISRs, and the scheduling entry
// points a driver may call from an ISR or a poll (spec.md §6: "They may
// call schedule(closure) or spawn_async(future) to run work").
type Env struct {
	Kernel *aspace.KernelAS
	Bus    Bus
	Vector *trap.Table

	// nextDeviceVA hands out the next free address in the kernel's device
	// window; devices are mapped once, at boot, and never unmapped.
	nextDeviceVA uint64
}

// NewEnv creates a driver environment whose device window starts at base
// (conventionally just above the kernel image and direct-map region).
func NewEnv(kernel *aspace.KernelAS, bus Bus, vector *trap.Table, deviceWindowBase uint64) *Env {
	return &Env{Kernel: kernel, Bus: bus, Vector: vector, nextDeviceVA: deviceWindowBase}
}

// MapDevice obtains a non-cacheable kernel mapping for a physical MMIO
// region (spec.md §6: "map_device(pa, len) -> VA"). len is rounded up to a
// whole number of 4K pages.
func (e *Env) MapDevice(pa, length uint64) (uint64, error) {
	pages := (length + uint64(pfa4K) - 1) / uint64(pfa4K)
	if pages == 0 {
		pages = 1
	}
	va := e.nextDeviceVA
	attrs := pte.Attrs{Cacheable: pte.DeviceNC, Shareable: pte.ShareOuter, Read: true, WriteEL1: true}
	for i := uint64(0); i < pages; i++ {
		off := i * uint64(pfa4K)
		if err := e.Kernel.MapGlobal(va+off, pa+off, pte.Size4K, attrs); err != nil {
			return 0, err
		}
	}
	e.nextDeviceVA += pages * uint64(pfa4K)
	return va, nil
}

const pfa4K = kconfig.PageSize4K

// RegisterISR installs an interrupt service routine (spec.md §6:
// "register_isr(irq, fn(&mut Context))").
func (e *Env) RegisterISR(irq uint32, fn func(ctx *thread.Context)) {
	e.Vector.RegisterISR(irq, fn)
}

// Schedule runs f as a closure event on the unified ready queue (spec.md
// §6: "schedule(closure)").
func (e *Env) Schedule(f func()) { sched.Schedule(f) }

// SpawnAsync hands f to the cooperative task table (spec.md §6:
// "spawn_async(future)").
func (e *Env) SpawnAsync(f ksync.Future) async.TaskID { return async.Spawn(f) }
