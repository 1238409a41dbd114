package sched

import (
	"sync"
	"testing"
	"time"
)

func TestScheduleRunsClosureInOrder(t *testing.T) {
	q := New(8)
	var order []int
	var mu sync.Mutex
	done := make(chan struct{})

	go func() {
		for i := 0; i < 3; i++ {
			ev := q.WaitForTask()
			ev.Closure()
		}
		close(done)
	}()

	for i := 0; i < 3; i++ {
		i := i
		q.AddTask(Event{Kind: EventClosure, Closure: func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued closures to run")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("closures ran out of FIFO order: %v", order)
	}
}

type fakeRunnable struct{ entered chan struct{} }

func (f *fakeRunnable) Enter() { close(f.entered) }

func TestScheduleThreadDispatchesToEnter(t *testing.T) {
	q := New(4)
	r := &fakeRunnable{entered: make(chan struct{})}
	q.AddTask(Event{Kind: EventScheduleThread, Thread: r})

	ev := q.WaitForTask()
	if ev.Kind != EventScheduleThread {
		t.Fatalf("got kind %v, want EventScheduleThread", ev.Kind)
	}
	ev.Thread.Enter()

	select {
	case <-r.entered:
	case <-time.After(time.Second):
		t.Fatal("Enter was not invoked")
	}
}

func TestRunEventLoopDispatchesAsyncPoll(t *testing.T) {
	q := New(4)
	polled := make(chan struct{})
	q.AddTask(Event{Kind: EventAsyncTask, Poll: func() { close(polled) }})

	go RunEventLoop(q)

	select {
	case <-polled:
	case <-time.After(time.Second):
		t.Fatal("RunEventLoop never invoked Poll")
	}
}

func TestQueueLenReflectsPendingEvents(t *testing.T) {
	q := New(4)
	if q.Len() != 0 {
		t.Fatalf("new queue Len() = %d, want 0", q.Len())
	}
	q.AddTask(Event{Kind: EventClosure, Closure: func() {}})
	q.AddTask(Event{Kind: EventClosure, Closure: func() {}})
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	q.WaitForTask()
	if q.Len() != 1 {
		t.Fatalf("Len() after one WaitForTask = %d, want 1", q.Len())
	}
}

func TestGlobalScheduleHelper(t *testing.T) {
	done := make(chan struct{})
	Schedule(func() { close(done) })
	ev := Global.WaitForTask()
	ev.Closure()

	select {
	case <-done:
	default:
		t.Fatal("expected closure to have run")
	}
}
