package proc

import (
	"errors"

	"github.com/tinyrange/pikernel/internal/kernel/kconfig"
	"github.com/tinyrange/pikernel/internal/kernel/ksync"
)

var ErrPipeClosed = errors.New("proc: pipe peer is closed")

type pipeState struct {
	buf    []byte
	closed bool
}

// pipeCore is the shared ring both ends of a PIPE see; the read end drains
// it, the write end appends to it (spec.md §6: "PIPE(flags) — Create a pipe
// pair"). Unlike ChannelEndpoint, a pipe carries an undifferentiated byte
// stream rather than framed messages, so one shared buffer (not two
// cross-wired queues) is the natural shape.
type pipeCore struct {
	state *ksync.SpinLock[pipeState]
	cond  *ksync.Condvar
}

func newPipeCore() *pipeCore {
	return &pipeCore{state: ksync.NewSpinLock(pipeState{}), cond: ksync.NewCondvar()}
}

// PipeReadEnd is the read-only half of a pipe.
type PipeReadEnd struct{ core *pipeCore }

// PipeWriteEnd is the write-only half of a pipe.
type PipeWriteEnd struct{ core *pipeCore }

// NewPipe creates a connected read/write pair over a shared buffer bounded
// by kconfig.ChannelCapacity pages worth of bytes.
func NewPipe() (*PipeReadEnd, *PipeWriteEnd) {
	core := newPipeCore()
	return &PipeReadEnd{core: core}, &PipeWriteEnd{core: core}
}

func (r *PipeReadEnd) Kind() Kind { return KindOther }
func (r *PipeReadEnd) Size() (int64, error) {
	g := r.core.state.Lock()
	defer g.Unlock()
	return int64(len(g.Value().buf)), nil
}
func (r *PipeReadEnd) MmapPage(uint64) (uint64, bool) { return 0, false }
func (r *PipeReadEnd) Write(int64, []byte) (int64, error) {
	return 0, errors.New("proc: pipe read end does not support write")
}

// Read drains up to len(buf) bytes, blocking until at least one byte is
// available or the write end closes. offset is ignored: a pipe has no
// seekable position, only a consumption order.
func (r *PipeReadEnd) Read(_ int64, buf []byte) (int64, error) {
	g := r.core.state.Lock()
	defer g.Unlock()
	g = ksync.CondWaitWhileBlocking(r.core.cond, g, func(s *pipeState) bool {
		return len(s.buf) == 0 && !s.closed
	})
	if len(g.Value().buf) == 0 {
		return 0, nil // closed with nothing left: EOF, not an error
	}
	n := copy(buf, g.Value().buf)
	g.Value().buf = g.Value().buf[n:]
	return int64(n), nil
}

func (r *PipeReadEnd) Close() error {
	g := r.core.state.Lock()
	g.Value().closed = true
	g.Unlock()
	r.core.cond.NotifyAll()
	return nil
}

func (w *PipeWriteEnd) Kind() Kind                    { return KindOther }
func (w *PipeWriteEnd) Size() (int64, error)          { return 0, nil }
func (w *PipeWriteEnd) MmapPage(uint64) (uint64, bool) { return 0, false }
func (w *PipeWriteEnd) Read(int64, []byte) (int64, error) {
	return 0, errors.New("proc: pipe write end does not support read")
}

// Write appends buf to the shared ring, rejecting once it would exceed
// kconfig.ChannelCapacity pages, and wakes a blocked reader.
func (w *PipeWriteEnd) Write(_ int64, buf []byte) (int64, error) {
	const maxPipeBytes = kconfig.ChannelCapacity * kconfig.PageSize4K
	g := w.core.state.Lock()
	defer g.Unlock()
	if g.Value().closed {
		return 0, ErrPipeClosed
	}
	if len(g.Value().buf)+len(buf) > maxPipeBytes {
		return 0, ErrChannelFull
	}
	g.Value().buf = append(g.Value().buf, buf...)
	w.core.cond.NotifyOne()
	return int64(len(buf)), nil
}

func (w *PipeWriteEnd) Close() error {
	g := w.core.state.Lock()
	g.Value().closed = true
	g.Unlock()
	w.core.cond.NotifyAll()
	return nil
}

var (
	_ FD = (*PipeReadEnd)(nil)
	_ FD = (*PipeWriteEnd)(nil)
)
