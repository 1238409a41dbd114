package proc

import (
	"errors"

	"github.com/tinyrange/pikernel/internal/kernel/ksync"
)

type exitState struct {
	done   bool
	status int
}

// ExitStatusFD is the FD a process's spawner blocks on via the WAIT
// syscall (spec.md §6: "WAIT(fd) — Wait on a child's exit-status FD"): it
// carries no bytes, only a one-shot status delivery.
type ExitStatusFD struct {
	state *ksync.SpinLock[exitState]
	cond  *ksync.Condvar
}

func NewExitStatusFD() *ExitStatusFD {
	return &ExitStatusFD{state: ksync.NewSpinLock(exitState{}), cond: ksync.NewCondvar()}
}

func (e *ExitStatusFD) Kind() Kind { return KindOther }

func (e *ExitStatusFD) Read(int64, []byte) (int64, error) {
	return 0, errors.New("proc: read is not supported on an exit-status FD")
}
func (e *ExitStatusFD) Write(int64, []byte) (int64, error) {
	return 0, errors.New("proc: write is not supported on an exit-status FD")
}
func (e *ExitStatusFD) Size() (int64, error)          { return 0, nil }
func (e *ExitStatusFD) MmapPage(uint64) (uint64, bool) { return 0, false }

// Deliver records the terminating process's exit status and wakes anyone
// blocked in Wait. Safe to call at most meaningfully once; later calls are
// ignored since a process exits only once.
func (e *ExitStatusFD) Deliver(status int) {
	g := e.state.Lock()
	if g.Value().done {
		g.Unlock()
		return
	}
	g.Value().done = true
	g.Value().status = status
	g.Unlock()
	e.cond.NotifyAll()
}

// Wait blocks the calling kernel thread until Deliver has been called, then
// returns the delivered status.
func (e *ExitStatusFD) Wait() int {
	g := e.state.Lock()
	defer g.Unlock()
	g = ksync.CondWaitWhileBlocking(e.cond, g, func(s *exitState) bool { return !s.done })
	return g.Value().status
}

var _ FD = (*ExitStatusFD)(nil)
