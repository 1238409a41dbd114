package trap

import (
	"testing"

	"github.com/tinyrange/pikernel/internal/kernel/aspace"
	"github.com/tinyrange/pikernel/internal/kernel/thread"
)

func newTable() *Table { return &Table{isrs: make(map[uint32]ISRHandler)} }

func TestDispatchSyncEL0RoutesToRegisteredSyscall(t *testing.T) {
	tbl := newTable()
	called := false
	tbl.RegisterSyscall(3, func(ctx *thread.Context) *thread.Context {
		called = true
		return ctx
	})

	ctx := &thread.Context{}
	tbl.Dispatch(ClassSyncEL0, ctx, 3)
	if !called {
		t.Fatal("registered syscall handler was not invoked")
	}
}

func TestDispatchSyncEL0UnregisteredTreatedAsFault(t *testing.T) {
	tbl := newTable()
	faultCalled := false
	tbl.Fault = func(va uint64, kind aspace.FaultKind, origin aspace.Origin) aspace.FaultOutcome {
		faultCalled = true
		if origin != aspace.OriginEL0 {
			t.Fatalf("expected EL0 origin, got %v", origin)
		}
		return aspace.FaultOutcome{Resolved: true}
	}

	tbl.Dispatch(ClassSyncEL0, &thread.Context{}, 99)
	if !faultCalled {
		t.Fatal("unregistered syscall number did not fall through to the fault handler")
	}
}

func TestDispatchSyncEL1AlwaysFault(t *testing.T) {
	tbl := newTable()
	gotOrigin := aspace.Origin(-1)
	tbl.Fault = func(va uint64, kind aspace.FaultKind, origin aspace.Origin) aspace.FaultOutcome {
		gotOrigin = origin
		return aspace.FaultOutcome{Resolved: true}
	}
	tbl.Dispatch(ClassSyncEL1, &thread.Context{}, 0)
	if gotOrigin != aspace.OriginEL1 {
		t.Fatalf("got origin %v, want EL1", gotOrigin)
	}
}

func TestDispatchIRQRoutesToISR(t *testing.T) {
	tbl := newTable()
	var gotIRQ uint32 = 1234
	tbl.RegisterISR(42, func(ctx *thread.Context) { gotIRQ = 42 })
	tbl.Dispatch(ClassIRQ, &thread.Context{}, 42)
	if gotIRQ != 42 {
		t.Fatalf("ISR for irq 42 was not invoked")
	}
}

func TestDispatchIRQUnregisteredIsNoop(t *testing.T) {
	tbl := newTable()
	// Must not panic even though no ISR is registered for this IRQ.
	tbl.Dispatch(ClassIRQ, &thread.Context{}, 7)
}

func TestDispatchPreemptCalledAfterSyscall(t *testing.T) {
	tbl := newTable()
	tbl.RegisterSyscall(0, func(ctx *thread.Context) *thread.Context { return ctx })
	preempted := false
	tbl.Preempt = func(ctx *thread.Context) { preempted = true }
	tbl.Dispatch(ClassSyncEL0, &thread.Context{}, 0)
	if !preempted {
		t.Fatal("Preempt hook was not invoked after syscall dispatch")
	}
}

func TestDispatchFatalFaultPanics(t *testing.T) {
	tbl := newTable()
	tbl.Fault = func(va uint64, kind aspace.FaultKind, origin aspace.Origin) aspace.FaultOutcome {
		return aspace.FaultOutcome{Fatal: true, FatalClass: "test fatal fault"}
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on a fatal fault")
		}
	}()
	tbl.Dispatch(ClassSyncEL1, &thread.Context{}, 0)
}

func TestDispatchSErrorPanics(t *testing.T) {
	tbl := newTable()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on SError")
		}
	}()
	tbl.Dispatch(ClassSError, &thread.Context{}, 0)
}

func TestRegisterSyscallOutOfRangePanics(t *testing.T) {
	tbl := newTable()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering an out-of-range syscall number")
		}
	}()
	tbl.RegisterSyscall(1000, func(ctx *thread.Context) *thread.Context { return ctx })
}
