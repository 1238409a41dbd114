package ksync

import "sync/atomic"

// BlockingOnceCell is initialised exactly once; GetBlocking before Set
// blocks until Set happens (spec.md §4.6, ported from sync/once_cell.rs).
// There is no async Get: GetBlocking is the only waiting accessor, and
// TryGet never waits. readySkip lets a Get that arrives after
// initialisation skip locking entirely, mirroring the Rust version's
// acquire-ordered atomic fast path.
type BlockingOnceCell[T any] struct {
	cond      *Condvar
	ready     *SpinLock[bool]
	readySkip atomic.Bool
	value     T
}

func NewBlockingOnceCell[T any]() *BlockingOnceCell[T] {
	return &BlockingOnceCell[T]{cond: NewCondvar(), ready: NewSpinLock(false)}
}

// Set stores the value and wakes every waiter. Calling Set twice is a
// programming bug (spec.md §7: "calling init twice on an UnsafeInit" — the
// same rule applies here to the blocking cell's Set).
func (c *BlockingOnceCell[T]) Set(v T) {
	g := c.ready.Lock()
	if *g.Value() {
		g.Unlock()
		panic("ksync: BlockingOnceCell.Set called twice")
	}
	c.value = v
	*g.Value() = true
	g.Unlock()
	c.readySkip.Store(true)
	c.cond.NotifyAll()
}

// TrySet stores the value unless it is already set, returning false instead
// of panicking.
func (c *BlockingOnceCell[T]) TrySet(v T) bool {
	g := c.ready.Lock()
	if *g.Value() {
		g.Unlock()
		return false
	}
	c.value = v
	*g.Value() = true
	g.Unlock()
	c.readySkip.Store(true)
	c.cond.NotifyAll()
	return true
}

// GetBlocking returns the stored value, blocking the caller until Set runs.
func (c *BlockingOnceCell[T]) GetBlocking() *T {
	if c.readySkip.Load() {
		return &c.value
	}
	g := c.ready.Lock()
	g = CondWaitWhileBlocking(c.cond, g, func(ready *bool) bool { return !*ready })
	g.Unlock()
	return &c.value
}

// TryGet returns the value if already set, without blocking.
func (c *BlockingOnceCell[T]) TryGet() (*T, bool) {
	if c.readySkip.Load() {
		return &c.value, true
	}
	return nil, false
}
