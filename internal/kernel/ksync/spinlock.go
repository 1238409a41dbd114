// Package ksync implements the kernel's synchronization primitives:
// interrupt-aware and plain spinlocks, blocking and async condition
// variables, a barrier, a semaphore, and a blocking once-cell (spec.md
// §4.6). The CAS-then-spin shape and the interrupt-mask-stacking behavior of
// the two spinlock flavors are ported directly from the original kernel's
// sync/lock.rs; the blocking/async duality of Condvar, Barrier, and
// Semaphore follows sync/barrier.rs and sync/semaphore.rs.
package ksync

import (
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/pikernel/internal/kernel/archhooks"
)

type rawSpin struct {
	flag atomic.Bool
}

func (s *rawSpin) tryAcquire() bool {
	return s.flag.CompareAndSwap(false, true)
}

func (s *rawSpin) lock() {
	for !s.tryAcquire() {
		for s.flag.Load() {
			runtime.Gosched()
		}
	}
}

func (s *rawSpin) unlock() {
	s.flag.Store(false)
}

// SpinLock guards a value of type T with a plain spinlock: used only from
// contexts that cannot themselves be interrupted by a handler that takes the
// same lock (spec.md §4.6, "Plain spinlock"). Acquiring it never blocks the
// caller on anything but the lock itself.
type SpinLock[T any] struct {
	raw   rawSpin
	value T
}

func NewSpinLock[T any](v T) *SpinLock[T] {
	return &SpinLock[T]{value: v}
}

// SpinLockGuard is held while the lock is acquired; Value gives access to
// the protected data and Unlock releases it. Guards are not safe to retain
// past an await point (spec.md §5).
type SpinLockGuard[T any] struct {
	lock *SpinLock[T]
}

func (s *SpinLock[T]) Lock() *SpinLockGuard[T] {
	s.raw.lock()
	return &SpinLockGuard[T]{lock: s}
}

func (g *SpinLockGuard[T]) Value() *T { return &g.lock.value }
func (g *SpinLockGuard[T]) Unlock()   { g.lock.raw.unlock() }

func (g *SpinLockGuard[T]) unlockRaw()  { g.lock.raw.unlock() }
func (g *SpinLockGuard[T]) relockRaw()  { g.lock.raw.lock() }

// InterruptSpinLock is the interrupt-masking spinlock used from both thread
// and interrupt context (spec.md §4.6). Acquire disables interrupts on the
// current core before spinning for the flag; release restores whatever
// interrupt mask was active before this particular acquisition, so nested
// acquisitions (permitted) unwind correctly when released in LIFO order.
type InterruptSpinLock[T any] struct {
	raw   rawSpin
	state atomic.Uint64 // archhooks.InterruptState of the current holder
	value T
}

func NewInterruptSpinLock[T any](v T) *InterruptSpinLock[T] {
	return &InterruptSpinLock[T]{value: v}
}

type InterruptSpinLockGuard[T any] struct {
	lock *InterruptSpinLock[T]
}

func (s *InterruptSpinLock[T]) Lock() *InterruptSpinLockGuard[T] {
	state := archhooks.DisableInterrupts()
	for !s.raw.tryAcquire() {
		archhooks.RestoreInterrupts(state)
		for s.raw.flag.Load() {
			runtime.Gosched()
		}
		state = archhooks.DisableInterrupts()
	}
	s.state.Store(uint64(state))
	return &InterruptSpinLockGuard[T]{lock: s}
}

func (g *InterruptSpinLockGuard[T]) Value() *T { return &g.lock.value }

func (g *InterruptSpinLockGuard[T]) Unlock() {
	state := archhooks.InterruptState(g.lock.state.Load())
	g.lock.raw.unlock()
	archhooks.RestoreInterrupts(state)
}
