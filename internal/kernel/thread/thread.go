// Package thread implements spec.md §4.8's kernel thread: a saved
// Context, an optional UserRegs, and enter/deschedule operations that hand
// control between a thread and its core's event loop.
//
// A real build saves and restores the full ARM64 integer register file and
// swaps kernel stacks in assembly (the original's context::{Context,
// restore_context, deschedule_thread}); neither operation has a portable Go
// expression, so this hosted implementation backs each Thread with one
// goroutine and uses a pair of handshake channels to model "enter" (resume
// the saved context, run until the next deschedule) and "deschedule"
// (suspend and hand control back to the event loop) — the same external
// contract as the original's timer_handler / enter_thread / deschedule_thread
// trio, reached by a different mechanism. Grounded on the teacher's
// internal/hv/kvm vCPU run loop (kvm_arm64.go: Run() resumes a vCPU and
// blocks until it exits back to the host for one reason or another) for the
// "resume, block until control returns, dispatch on why" shape.
package thread

import (
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/pikernel/internal/kernel/kconfig"
	"github.com/tinyrange/pikernel/internal/kernel/percpu"
	"github.com/tinyrange/pikernel/internal/kernel/sched"
)

// State is one of the four states spec.md §3 assigns a thread.
type State int32

const (
	StateRunning State = iota
	StateReady
	StateParked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateParked:
		return "parked"
	case StateTerminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// Context stands in for the saved integer register file, program counter,
// stack pointer, and processor state a real build would restore in
// assembly. Kept as a plain struct so call sites that thread it through
// (trap handlers, syscall returns) have something concrete to name. This
// hosted build never restores it to a CPU; trap and syscall read arguments
// from Regs and write results to Regs[0], and exec sets PC and SP.
type Context struct {
	Regs [31]uint64
	PC   uint64
	SP   uint64
	PSTATE uint64
}

// UserRegs is present only for threads that can return to EL0 (spec.md §3).
type UserRegs struct {
	UserSP      uint64
	TTBR0       uint64
	EnteredUser bool
}

// Action is what a thread asks for when it calls Deschedule.
type Action int

const (
	// ActionYield suspends the thread and immediately re-enqueues it as
	// ready, to be entered again whenever the scheduler gets to it.
	ActionYield Action = iota
	// ActionPark suspends the thread without re-enqueuing it; some other
	// party (a condvar, a semaphore, an IRQ handler) is responsible for
	// calling Unpark later.
	ActionPark
	// ActionFreeThread and ActionExit both terminate the thread; the
	// distinction (spec.md §3: "after ... the thread has returned from
	// deschedule(FreeThread) or deschedule(Exit)") is which caller is
	// responsible for tearing the thread down — a process's last thread
	// exiting (Exit) vs. a kernel-only helper thread being retired
	// (FreeThread). Neither ever returns to its caller.
	ActionFreeThread
	ActionExit
)

// Thread owns a (simulated) kernel stack, a saved Context, and an optional
// UserRegs, and carries a reference to its owning process when it is a user
// thread (spec.md §3).
type Thread struct {
	ID      uint64
	Stack   []byte
	Ctx     Context
	User    *UserRegs
	Process any // *proc.Process; stored as any to avoid an import cycle

	state   atomic.Int32
	entry   func(*Thread)
	started atomic.Bool
	turn    chan struct{}
	yielded chan struct{}
}

var nextThreadID atomic.Uint64

// New allocates a thread with its own kernel stack and entry point. The
// thread does not start running until its first Enter.
func New(process any, entry func(*Thread)) *Thread {
	t := &Thread{
		ID:      nextThreadID.Add(1),
		Stack:   make([]byte, kconfig.KernelStackSize),
		Process: process,
		entry:   entry,
		turn:    make(chan struct{}),
		yielded: make(chan struct{}),
	}
	t.state.Store(int32(StateReady))
	return t
}

// State reports the thread's current state.
func (t *Thread) State() State { return State(t.state.Load()) }

func (t *Thread) setState(s State) { t.state.Store(int32(s)) }

// Enter resumes the thread's saved context and runs until it next
// deschedules or terminates, mirroring the original's enter_thread: the
// calling core blocks here for the duration of the thread's time slice
// (spec.md §4.7's run_event_loop calls this for EventScheduleThread).
func (t *Thread) Enter() {
	t.setState(StateRunning)
	if t.started.CompareAndSwap(false, true) {
		go t.run()
	}
	percpu.Global.WithCurrent(func(s *percpu.Slot) { s.Thread = t })
	t.turn <- struct{}{}
	<-t.yielded
	percpu.Global.WithCurrent(func(s *percpu.Slot) { s.Thread = nil })
}

// Current returns the thread presently running on the calling core, or nil
// if none is (the idle/boot path). Syscall and trap dispatch use this to
// recover a *Thread from nothing but the trapped Context (spec.md §4.10).
func Current() *Thread {
	var cur *Thread
	percpu.Global.WithCurrent(func(s *percpu.Slot) {
		if t, ok := s.Thread.(*Thread); ok {
			cur = t
		}
	})
	return cur
}

func (t *Thread) run() {
	<-t.turn
	t.entry(t)
	// entry returned normally without calling Deschedule(Exit/FreeThread):
	// treat that as an implicit exit, the Go-idiomatic equivalent of a
	// kernel thread function simply returning.
	t.setState(StateTerminated)
	t.yielded <- struct{}{}
}

// Deschedule suspends the calling thread (it must be called from within the
// thread's own entry function, on its own goroutine) and hands control back
// to whichever core entered it. For ActionYield it re-enqueues itself on
// the ready queue; for ActionPark the caller is responsible for a later
// Unpark; ActionFreeThread and ActionExit terminate the thread and never
// return (spec.md §3).
func Deschedule(t *Thread, action Action) {
	switch action {
	case ActionYield:
		t.setState(StateReady)
		sched.ScheduleThread(t)
		t.yielded <- struct{}{}
		<-t.turn
		return
	case ActionPark:
		t.setState(StateParked)
		t.yielded <- struct{}{}
		<-t.turn
		return
	case ActionFreeThread, ActionExit:
		t.setState(StateTerminated)
		t.yielded <- struct{}{}
		// This goroutine must not resume: no kernel code runs after a
		// thread has been freed or exited.
		runtime.Goexit()
	default:
		panic("thread: unknown deschedule action")
	}
}

// Unpark moves a parked thread back to ready and hands it to the scheduler,
// for a waiter (condvar, semaphore, IRQ completion) to wake it.
func Unpark(t *Thread) {
	t.setState(StateReady)
	sched.ScheduleThread(t)
}

// Yield is the common case of a thread voluntarily giving up its slice.
func Yield(t *Thread) {
	Deschedule(t, ActionYield)
}
