// Package trap implements the vector-table dispatch of spec.md §4.10: one
// entry point per exception class, keyed dispatch to a fixed-size syscall
// handler table or a per-IRQ ISR table, and the fault/panic fallbacks for
// everything else.
//
// The asm vector stubs that actually save a Context onto the current stack
// and tail-call into Go have no portable expression here; this package
// starts at the point a real build's asm epilogue would call into, taking
// an already-populated *thread.Context. Grounded on the teacher's
// internal/hv/kvm (kvm_arm64.go's `switch reason` over kvmExitReason, and
// kvm_irq_arm64.go's GIC INTID encode/decode) — the same "read a small
// integer that names why control returned to us, dispatch on it" shape,
// turned around from a host dispatching on a guest's vmexit to a kernel
// dispatching on a hardware exception class.
package trap

import (
	"fmt"
	"sync"

	"github.com/tinyrange/pikernel/internal/kernel/aspace"
	"github.com/tinyrange/pikernel/internal/kernel/kconfig"
	"github.com/tinyrange/pikernel/internal/kernel/thread"
)

// Class is the exception class the vector stub dispatches on.
type Class int

const (
	ClassSyncEL0 Class = iota
	ClassSyncEL1
	ClassIRQ
	ClassSError
	ClassFIQ
)

// SyscallHandler is a registered syscall entry: it may reassign the context
// pointer (spec.md §4.10: "allowing the handler to reassign the pointer —
// used to swap stacks / threads").
type SyscallHandler func(ctx *thread.Context) *thread.Context

// ISRHandler services one IRQ.
type ISRHandler func(ctx *thread.Context)

// FaultHandler resolves a data/instruction abort. Wired at boot by
// whichever package can locate the faulting thread's address space
// (internal/kernel/proc, once built) — trap itself only knows how to route
// to it, not how to find it, keeping this package independent of the
// process layer.
type FaultHandler func(va uint64, kind aspace.FaultKind, origin aspace.Origin) aspace.FaultOutcome

// SignalHandler delivers a signal to the process owning ctx's thread; like
// FaultHandler, it is supplied by the process layer.
type SignalHandler func(ctx *thread.Context, signum int)

// Table is the kernel's vector table: the fixed syscall handler table
// registered at boot (spec.md: "fixed size, registered at boot") plus a
// dynamic ISR map.
type Table struct {
	mu       sync.Mutex
	syscalls [kconfig.MaxSyscalls]SyscallHandler
	isrs     map[uint32]ISRHandler

	Fault  FaultHandler
	Signal SignalHandler

	// Preempt is consulted after every IRQ and fault return to decide
	// whether the current thread should yield (spec.md §4.8's preemption
	// policy lives above this package, in thread/sched; trap just calls the
	// hook after dispatch).
	Preempt func(ctx *thread.Context)
}

// Global is the kernel's single vector table.
var Global = &Table{isrs: make(map[uint32]ISRHandler)}

// RegisterSyscall installs a handler at a fixed syscall number
// (syscall.Install does this at boot for the ABI's 17 numbers, 1..19).
func (t *Table) RegisterSyscall(num int, h SyscallHandler) {
	if num < 0 || num >= kconfig.MaxSyscalls {
		panic(fmt.Sprintf("trap: syscall number %d out of range", num))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syscalls[num] = h
}

// RegisterISR installs an interrupt service routine (spec.md §6:
// "register_isr(irq, fn(&mut Context))").
func (t *Table) RegisterISR(irq uint32, h ISRHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isrs == nil {
		t.isrs = make(map[uint32]ISRHandler)
	}
	t.isrs[irq] = h
}

// Dispatch routes one trapped context by exception class. extra carries
// the syscall immediate for ClassSyncEL0, or the GIC interrupt ID for
// ClassIRQ; it is ignored for the other classes.
func (t *Table) Dispatch(class Class, ctx *thread.Context, extra uint32) *thread.Context {
	switch class {
	case ClassSyncEL0:
		return t.dispatchSyncEL0(ctx, extra)
	case ClassSyncEL1:
		return t.dispatchFault(ctx, aspace.OriginEL1)
	case ClassIRQ:
		return t.dispatchIRQ(ctx, extra)
	case ClassSError, ClassFIQ:
		panic(fmt.Sprintf("trap: unrecoverable exception class %v", class))
	default:
		panic(fmt.Sprintf("trap: unknown exception class %d", class))
	}
}

func (t *Table) dispatchSyncEL0(ctx *thread.Context, syscallNum uint32) *thread.Context {
	t.mu.Lock()
	var h SyscallHandler
	if int(syscallNum) < kconfig.MaxSyscalls {
		h = t.syscalls[syscallNum]
	}
	t.mu.Unlock()

	if h == nil {
		// Not a syscall (or an unregistered number): treat as a fault
		// (spec.md §4.10: "If not a syscall, treat as fault").
		return t.dispatchFault(ctx, aspace.OriginEL0)
	}
	next := h(ctx)
	if t.Preempt != nil {
		t.Preempt(next)
	}
	return next
}

func (t *Table) dispatchFault(ctx *thread.Context, origin aspace.Origin) *thread.Context {
	if t.Fault == nil {
		panic("trap: no fault handler registered")
	}
	// The abort's faulting VA and access kind are architecturally carried
	// in FAR_EL1/ESR_EL1; this hosted build threads them through ctx's
	// general-purpose register slots instead of real fault registers,
	// since there is nothing to fault against outside tests.
	va := ctx.Regs[0]
	kind := aspace.FaultKind(ctx.Regs[1])

	outcome := t.Fault(va, kind, origin)
	switch {
	case outcome.Resolved:
		return ctx
	case outcome.Fatal:
		panic(fmt.Sprintf("trap: fatal fault class=%s va=%#x elr=%#x", outcome.FatalClass, va, ctx.PC))
	default:
		if t.Signal != nil {
			t.Signal(ctx, outcome.Signal)
		}
		return ctx
	}
}

func (t *Table) dispatchIRQ(ctx *thread.Context, irq uint32) *thread.Context {
	t.mu.Lock()
	h := t.isrs[irq]
	t.mu.Unlock()

	if h != nil {
		h(ctx)
	}
	if t.Preempt != nil {
		t.Preempt(ctx)
	}
	return ctx
}
