package ksync

// Barrier makes count participants rendezvous before any of them continues,
// ported from sync/barrier.rs: each call decrements the counter; the caller
// whose decrement reaches zero notifies everyone else, the rest wait.
// Reusing a barrier is not required; syncing one whose count is already
// zero is a programming bug (spec.md §4.6).
type Barrier struct {
	count *SpinLock[int]
	cond  *Condvar
}

func NewBarrier(count int) *Barrier {
	return &Barrier{count: NewSpinLock(count), cond: NewCondvar()}
}

// SyncBlocking decrements the barrier and blocks the calling thread until
// every participant has arrived.
func (b *Barrier) SyncBlocking() {
	g := b.count.Lock()
	if *g.Value() <= 0 {
		g.Unlock()
		panic("ksync: Barrier.SyncBlocking on a barrier whose count is already zero")
	}
	*g.Value()--
	if *g.Value() == 0 {
		b.cond.NotifyAll()
		g.Unlock()
		return
	}
	g = CondWaitWhileBlocking(b.cond, g, func(n *int) bool { return *n > 0 })
	g.Unlock()
}

// Sync returns a Future with the async equivalent of SyncBlocking.
func (b *Barrier) Sync() Future {
	return &barrierSyncFuture{b: b}
}

type barrierSyncFuture struct {
	b        *Barrier
	entered  bool
	waitFuture Future
}

func (f *barrierSyncFuture) Poll(w Waker) bool {
	if !f.entered {
		f.entered = true
		g := f.b.count.Lock()
		if *g.Value() <= 0 {
			g.Unlock()
			panic("ksync: Barrier.Sync on a barrier whose count is already zero")
		}
		*g.Value()--
		done := *g.Value() == 0
		if done {
			f.b.cond.NotifyAll()
		}
		g.Unlock()
		if done {
			return true
		}
		f.waitFuture = CondWaitWhileAsync(f.b.cond, f.b.count, func(n *int) bool { return *n > 0 })
	}
	return f.waitFuture.Poll(w)
}
