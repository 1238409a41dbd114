package ksync

// Semaphore is a counting semaphore: Down waits until the count is positive
// then decrements it, Up increments and wakes one waiter (spec.md §4.6,
// ported from sync/semaphore.rs).
type Semaphore struct {
	count *SpinLock[int]
	cond  *Condvar
}

func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{count: NewSpinLock(initial), cond: NewCondvar()}
}

func (s *Semaphore) DownBlocking() {
	g := s.count.Lock()
	g = CondWaitWhileBlocking(s.cond, g, func(n *int) bool { return *n <= 0 })
	*g.Value()--
	g.Unlock()
}

func (s *Semaphore) Down() Future {
	return &semaphoreDownFuture{s: s}
}

type semaphoreDownFuture struct {
	s *Semaphore
}

// Poll re-takes the lock on every call: CondWaitWhileAsync cannot hold the
// lock across a Pending return (no lock may be held across an await point,
// spec.md §5), so a waiter that is signalled ready must recheck the count
// itself before decrementing — another waiter may have raced in between.
func (f *semaphoreDownFuture) Poll(w Waker) bool {
	g := f.s.count.Lock()
	if *g.Value() > 0 {
		*g.Value()--
		g.Unlock()
		return true
	}
	// Up's NotifyOne already consumed whatever registration got us
	// re-polled here: register fresh every time, or a waker lost between
	// a notify and this re-poll parks the waiter forever.
	f.s.cond.registerAsync(w)
	g.Unlock()
	return false
}

func (s *Semaphore) Up() {
	g := s.count.Lock()
	*g.Value()++
	g.Unlock()
	s.cond.NotifyOne()
}
