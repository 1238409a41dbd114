// Package async implements spec.md §4.9's cooperative task layer: a
// kernel-global task table holding boxed futures, a waker that enqueues an
// AsyncTask event when invoked, and the present/taken/gone state machine
// that keeps a wake arriving during a poll from being lost.
//
// Grounded on the original kernel's task-table idiom referenced from
// event/mod.rs's AsyncTask branch (take_task/poll/return_task, with
// return_task reporting whether a wake arrived while the task was taken)
// and the teacher's virtio descriptor-ring polling (queue.go) for the
// "drain, process, only re-arm if something changed while processing" shape
// that the woken-flag coalescing reproduces here.
package async

import (
	"sync"
	"sync/atomic"

	"github.com/tinyrange/pikernel/internal/kernel/ksync"
	"github.com/tinyrange/pikernel/internal/kernel/sched"
)

// TaskID is a dense identifier into the task table (spec.md §3).
type TaskID uint64

type taskEntry struct {
	future    ksync.Future
	taken     bool
	woken     bool
	cancelled bool
}

// Table is the kernel-global task table. Each live task is idle (present,
// not currently being polled), taken (a poller holds its future), or gone
// (removed, the zero state once a task completes or is cancelled).
type Table struct {
	mu    sync.Mutex
	tasks map[TaskID]*taskEntry
	next  atomic.Uint64
}

// Global is the kernel's single task table.
var Global = &Table{tasks: make(map[TaskID]*taskEntry)}

// Spawn adds f to the table as a new task and schedules its first poll
// (spec.md §4.9: "spawn_async").
func (t *Table) Spawn(f ksync.Future) TaskID {
	id := TaskID(t.next.Add(1))

	t.mu.Lock()
	t.tasks[id] = &taskEntry{future: f}
	t.mu.Unlock()

	t.enqueuePoll(id)
	return id
}

// Cancel removes a task explicitly, per spec.md §9(b)'s "the only
// cancellation is cancel(id), for a task that owns its own future": if the
// task is currently being polled, it is marked cancelled so the poll in
// flight discards it on return instead of re-idling it; otherwise it is
// removed immediately.
func (t *Table) Cancel(id TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.tasks[id]
	if !ok {
		return
	}
	if e.taken {
		e.cancelled = true
		return
	}
	delete(t.tasks, id)
}

func (t *Table) takeTask(id TaskID) (ksync.Future, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.tasks[id]
	if !ok {
		return nil, false
	}
	if e.cancelled {
		delete(t.tasks, id)
		return nil, false
	}
	e.taken = true
	return e.future, true
}

// returnTask puts a pending future back as idle and reports whether a wake
// arrived while it was taken — the caller must re-enqueue a poll if so, or
// the wake would otherwise be lost (spec.md §3, "Task (async)").
func (t *Table) returnTask(id TaskID, f ksync.Future) (woken bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.tasks[id]
	if !ok {
		return false
	}
	if e.cancelled {
		delete(t.tasks, id)
		return false
	}
	e.future = f
	e.taken = false
	woken = e.woken
	e.woken = false
	return woken
}

func (t *Table) removeTask(id TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, id)
}

// wake is called by a task's waker. If the task is currently taken (a
// poller is running it right now), it records the wake so the poller
// re-enqueues on return; otherwise it schedules a poll immediately.
func (t *Table) wake(id TaskID) {
	t.mu.Lock()
	e, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	if e.taken {
		e.woken = true
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.enqueuePoll(id)
}

func (t *Table) enqueuePoll(id TaskID) {
	sched.Global.AddTask(sched.Event{
		Kind: sched.EventAsyncTask,
		Poll: func() { t.pollOnce(id) },
	})
}

// pollOnce is exactly the original run_event_loop's AsyncTask branch: take
// the future, poll it, and either remove it (Ready) or return it and
// possibly re-enqueue (Pending, woken during the poll).
func (t *Table) pollOnce(id TaskID) {
	f, ok := t.takeTask(id)
	if !ok {
		return
	}

	w := &taskWaker{table: t, id: id}
	if f.Poll(w) {
		t.removeTask(id)
		return
	}
	if t.returnTask(id, f) {
		t.enqueuePoll(id)
	}
}

type taskWaker struct {
	table *Table
	id    TaskID
}

func (w *taskWaker) Wake() { w.table.wake(w.id) }

// Spawn, Cancel are convenience wrappers around the global table.
func Spawn(f ksync.Future) TaskID { return Global.Spawn(f) }
func Cancel(id TaskID)            { Global.Cancel(id) }

// yieldOnce is Ready on its second poll, having woken itself on the first:
// a task that calls YieldOnce() gives every other ready event a chance to
// run before it continues, without actually parking on anything.
type yieldOnce struct{ polled bool }

func (y *yieldOnce) Poll(w ksync.Waker) bool {
	if y.polled {
		return true
	}
	y.polled = true
	w.Wake()
	return false
}

// YieldOnce returns a future that completes after one extra trip through
// the ready queue (spec.md §4.9: "yield_once").
func YieldOnce() ksync.Future { return &yieldOnce{} }
