package ksync

import "sync"

// Waker is a cheap handle that, when invoked, arranges for a specific async
// task to be polled again (spec.md's Waker, GLOSSARY). Defined here rather
// than in the async package because Condvar needs to hold onto one without
// creating an import cycle (sync primitives sit below the scheduler and
// async executor in the component order, spec.md §2).
type Waker interface {
	Wake()
}

// Future is the minimal cooperative-poll contract an async task implements:
// Poll is called at most once per scheduler dequeue and must not block.
type Future interface {
	// Poll returns true once the future has completed.
	Poll(w Waker) bool
}

// Condvar is a FIFO wait list associated (by convention, not by the type
// system) with one lock. The two flavors described in spec.md §4.6 each
// keep their own FIFO list: a blocking waiter parks a goroutine on a
// channel, an async waiter registers a Waker to invoke when notified.
// notify_one/notify_all wake from the front of those lists.
type Condvar struct {
	mu          sync.Mutex
	blocking    []chan struct{}
	asyncWakers []Waker
}

func NewCondvar() *Condvar { return &Condvar{} }

func (c *Condvar) enqueueBlocking() chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.blocking = append(c.blocking, ch)
	c.mu.Unlock()
	return ch
}

func (c *Condvar) registerAsync(w Waker) {
	c.mu.Lock()
	c.asyncWakers = append(c.asyncWakers, w)
	c.mu.Unlock()
}

// NotifyOne wakes a single waiter: the oldest blocking waiter if there is
// one, otherwise the oldest async waker (blocking waiters and async wakers
// are each FIFO within their own list; across lists blocking is drained
// first since a parked goroutine is strictly "further along" than a task
// merely registered for a future wake).
func (c *Condvar) NotifyOne() {
	c.mu.Lock()
	if len(c.blocking) > 0 {
		ch := c.blocking[0]
		c.blocking = c.blocking[1:]
		c.mu.Unlock()
		close(ch)
		return
	}
	if len(c.asyncWakers) > 0 {
		w := c.asyncWakers[0]
		c.asyncWakers = c.asyncWakers[1:]
		c.mu.Unlock()
		w.Wake()
		return
	}
	c.mu.Unlock()
}

// NotifyAll wakes every waiter, blocking and async alike.
func (c *Condvar) NotifyAll() {
	c.mu.Lock()
	blocking := c.blocking
	wakers := c.asyncWakers
	c.blocking = nil
	c.asyncWakers = nil
	c.mu.Unlock()

	for _, ch := range blocking {
		close(ch)
	}
	for _, w := range wakers {
		w.Wake()
	}
}

// CondWaitWhileBlocking parks the calling kernel thread (modeled, in this
// hosted implementation, as the calling goroutine — see DESIGN.md for why a
// real register-context-switch substrate has no portable Go analogue) until
// pred(value) is false, releasing and reacquiring g's lock around each
// sleep exactly as spec.md's blocking condvar contract requires.
func CondWaitWhileBlocking[T any](c *Condvar, g *SpinLockGuard[T], pred func(*T) bool) *SpinLockGuard[T] {
	for pred(g.Value()) {
		ch := c.enqueueBlocking()
		g.unlockRaw()
		<-ch
		g.relockRaw()
	}
	return g
}

// condWaitFuture implements Future for the async condvar flavor: each Poll
// takes the lock, checks the predicate, and either completes or registers
// the waker and yields Pending, per spec.md §4.6's "Async" condvar.
type condWaitFuture[T any] struct {
	c    *Condvar
	lock *SpinLock[T]
	pred func(*T) bool
}

// CondWaitWhileAsync returns a Future that completes once pred(value) no
// longer holds under lock. Never holds the lock across a Poll return, so a
// task using it never violates the "no lock across an await point" rule.
func CondWaitWhileAsync[T any](c *Condvar, lock *SpinLock[T], pred func(*T) bool) Future {
	return &condWaitFuture[T]{c: c, lock: lock, pred: pred}
}

func (f *condWaitFuture[T]) Poll(w Waker) bool {
	g := f.lock.Lock()
	defer g.Unlock()

	if !f.pred(g.Value()) {
		return true
	}
	// A prior Pending's registration, if any, was already consumed by
	// whichever Notify fired to get us re-polled here: register fresh
	// every time, never just once, or a waker lost between a notify and
	// this re-poll parks the task forever.
	f.c.registerAsync(w)
	return false
}
