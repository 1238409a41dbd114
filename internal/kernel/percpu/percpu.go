// Package percpu implements the fixed per-core state array of spec.md §4.5:
// one slot per core, accessed only with interrupts disabled, never shared
// between cores. Ported from the original kernel's sync/per_core.rs
// (ConstInit + a const-sized array of RefCells), adapted to Go's lack of a
// const-generic "default value" trait by taking an explicit zero-value
// constructor.
package percpu

import (
	"github.com/tinyrange/pikernel/internal/kernel/archhooks"
	"github.com/tinyrange/pikernel/internal/kernel/kconfig"
)

// Slot is the state a single core owns: its currently running thread (if
// any — threadHandle is an opaque handle so this package has no dependency
// on internal/kernel/thread, which is a layer above it), the base of its
// helper/interrupt stack, and its interrupt-mask nesting depth.
type Slot struct {
	Thread      any // *thread.Thread, stored as any to avoid an import cycle
	HelperStack uintptr
	MaskDepth   int
}

// Array is the const-initialised, fixed-size per-core state table.
type Array struct {
	slots [kconfig.NumCores]Slot
}

var Global Array

// WithCurrent disables interrupts, hands f a pointer to the current core's
// slot, and restores interrupts on return. f must not retain the pointer or
// suspend while holding it (spec.md §4.5) — there is no way to enforce that
// in Go the way a borrow checker would, so callers must keep f's body free
// of channel receives, goroutine spawns it waits on, or anything else that
// yields.
func (a *Array) WithCurrent(f func(*Slot)) {
	state := archhooks.DisableInterrupts()
	defer archhooks.RestoreInterrupts(state)

	id := archhooks.CoreID() % kconfig.NumCores
	f(&a.slots[id])
}

// CoreCount reports the compile-time number of cores.
func CoreCount() int { return kconfig.NumCores }
