// Package sched implements the unified, FIFO ready queue of spec.md §4.7:
// a single queue of Events shared by every core, fed by schedule(),
// ScheduleThread handoffs, and woken async tasks, drained by each core's
// run_event_loop.
//
// Grounded on the original kernel's event/mod.rs (the Event enum and the
// add_task/wait_for_task/run_event_loop shape) and the teacher's virtio
// queue notification idiom (internal/devices/virtio's buffered
// NotifyEvent channel, queue.go) for the underlying FIFO: a channel here
// plays the role the original's intrusive ring plus a futex-style wait
// plays there.
package sched

import (
	"fmt"

	"github.com/tinyrange/pikernel/internal/kernel/kconfig"
)

// Kind tags which payload an Event carries (spec.md §3, "Event").
type Kind int

const (
	EventClosure Kind = iota
	EventScheduleThread
	EventAsyncTask
)

func (k Kind) String() string {
	switch k {
	case EventClosure:
		return "closure"
	case EventScheduleThread:
		return "schedule-thread"
	case EventAsyncTask:
		return "async-task"
	default:
		return fmt.Sprintf("sched.Kind(%d)", k)
	}
}

// Runnable is the subset of internal/kernel/thread.Thread the scheduler
// needs: the ability to be entered on the current core. Defined here,
// rather than importing the thread package, so thread can depend on sched
// without a cycle.
type Runnable interface {
	Enter()
}

// Event is the unit of work carried by the ready queue. Exactly one of
// Closure, Thread, or Poll is meaningful, selected by Kind.
type Event struct {
	Kind    Kind
	Closure func()
	Thread  Runnable

	// Poll runs one poll of an async task, including re-enqueuing it if it
	// is still pending and was woken again — built by internal/kernel/async,
	// which owns the task table's take/poll/return sequence; sched only
	// needs to invoke it, not know about tasks.
	Poll func()
}

// Queue is the kernel-global ready queue: multiple producers (any core,
// any interrupt handler), multiple consumers (one per core's event loop).
type Queue struct {
	ch chan Event
}

// New creates a ready queue with the given capacity; spec.md ties its
// capacity to kconfig.ReadyQueueCapacity for the kernel-global instance.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan Event, capacity)}
}

// Global is the kernel's single ready queue (spec.md §4.7: "a unified
// event queue, shared by all cores").
var Global = New(kconfig.ReadyQueueCapacity)

// AddTask enqueues an event. Schedule, ScheduleThread's handoff, and a
// task's waker all funnel through this.
func (q *Queue) AddTask(ev Event) {
	q.ch <- ev
}

// WaitForTask blocks until an event is available and returns it. This is
// what each core's run_event_loop calls in a loop (spec.md §4.7).
func (q *Queue) WaitForTask() Event {
	return <-q.ch
}

// Len reports the number of events currently queued, for diagnostics and
// tests; it is not part of the scheduling contract.
func (q *Queue) Len() int { return len(q.ch) }

// Schedule is the spec.md §4.7 convenience wrapper around AddTask for a
// plain closure (the original's free-standing `schedule(f)`).
func Schedule(f func()) {
	Global.AddTask(Event{Kind: EventClosure, Closure: f})
}

// ScheduleThread hands a ready thread to the ready queue so some core's
// event loop will enter it.
func ScheduleThread(t Runnable) {
	Global.AddTask(Event{Kind: EventScheduleThread, Thread: t})
}

// RunEventLoop is the body every core's boot sequence calls into after
// setup and never returns from: pull an event, dispatch it by kind,
// repeat (spec.md §4.7, "run_event_loop").
func RunEventLoop(q *Queue) {
	for {
		ev := q.WaitForTask()
		switch ev.Kind {
		case EventClosure:
			ev.Closure()
		case EventScheduleThread:
			ev.Thread.Enter()
		case EventAsyncTask:
			ev.Poll()
		default:
			panic(fmt.Sprintf("sched: unknown event kind %v", ev.Kind))
		}
	}
}
