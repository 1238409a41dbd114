package proc

import (
	"errors"

	"github.com/tinyrange/pikernel/internal/kernel/kconfig"
	"github.com/tinyrange/pikernel/internal/kernel/ksync"
)

// Message is the unit exchanged over a channel (spec.md §3, Message / §6
// wire format): a caller-chosen tag, up to kconfig.MaxChannelObjects FD
// slots (0xFFFFFFFF marking "no object" in each), and an opaque payload.
type Message struct {
	Tag     uint64
	Objects [kconfig.MaxChannelObjects]uint32
	Payload []byte

	// Handles carries the actual *Handle for each non-NoObject slot across
	// a Send/Recv pair. It has no wire representation of its own: the
	// syscall layer populates it from the sender's FD table (via Take) and
	// drains it back into the receiver's FD table (via InsertHandle),
	// rewriting Objects to the receiver's indices before the header is
	// copied out to user memory.
	Handles [kconfig.MaxChannelObjects]*Handle
}

// NoObject is the sentinel Objects slot value meaning "nothing transferred
// in this slot" (spec.md §6).
const NoObject uint32 = 0xFFFFFFFF

var (
	ErrChannelClosed = errors.New("proc: channel peer is closed")
	ErrChannelFull   = errors.New("proc: channel queue is full")
	ErrChannelEmpty  = errors.New("proc: channel has no pending message")
)

type chanState struct {
	queue  []Message
	closed bool
}

// ChannelEndpoint is one end of a bidirectional channel pair (spec.md §4.11,
// CHANNEL syscall): Send enqueues onto the peer's receive queue, Recv drains
// this endpoint's own queue. Grounded on ksync.Condvar's blocking/async dual
// mode, the same primitive spec.md's SEND/RECV use to park a caller.
type ChannelEndpoint struct {
	peer  *ChannelEndpoint
	state *ksync.SpinLock[chanState]
	cond  *ksync.Condvar
}

// NewChannelPair creates two connected endpoints, each backed by its own
// bounded receive queue (spec.md §3: "a pair of message queues").
func NewChannelPair() (*ChannelEndpoint, *ChannelEndpoint) {
	a := &ChannelEndpoint{state: ksync.NewSpinLock(chanState{}), cond: ksync.NewCondvar()}
	b := &ChannelEndpoint{state: ksync.NewSpinLock(chanState{}), cond: ksync.NewCondvar()}
	a.peer, b.peer = b, a
	return a, b
}

// Kind satisfies the FD interface; a channel endpoint is neither a regular
// file nor a directory.
func (c *ChannelEndpoint) Kind() Kind { return KindOther }

// Read, Write, and MmapPage are unsupported on channel endpoints: messages
// move only through Send/Recv, which carry the tag/objects/payload
// structure a byte stream cannot express.
func (c *ChannelEndpoint) Read(int64, []byte) (int64, error) {
	return 0, errors.New("proc: channel endpoints do not support read; use Recv")
}
func (c *ChannelEndpoint) Write(int64, []byte) (int64, error) {
	return 0, errors.New("proc: channel endpoints do not support write; use Send")
}
func (c *ChannelEndpoint) Size() (int64, error)          { return 0, nil }
func (c *ChannelEndpoint) MmapPage(uint64) (uint64, bool) { return 0, false }

// Close marks this endpoint closed, so the peer's later Sends fail with
// ErrChannelClosed, and marks the peer's receive side closed too, waking any
// receiver blocked on the peer: once the peer's queue is drained, its Recv
// returns ErrChannelClosed instead of waiting forever.
func (c *ChannelEndpoint) Close() error {
	g := c.state.Lock()
	g.Value().closed = true
	g.Unlock()
	c.cond.NotifyAll()

	pg := c.peer.state.Lock()
	pg.Value().closed = true
	pg.Unlock()
	c.peer.cond.NotifyAll()
	return nil
}

// Send delivers msg to the peer's receive queue (spec.md §4.11's SEND
// syscall), failing if the peer already closed or its queue is full.
func (c *ChannelEndpoint) Send(msg Message) error {
	g := c.peer.state.Lock()
	defer g.Unlock()
	if g.Value().closed {
		return ErrChannelClosed
	}
	if len(g.Value().queue) >= kconfig.ChannelCapacity {
		return ErrChannelFull
	}
	g.Value().queue = append(g.Value().queue, msg)
	c.peer.cond.NotifyOne()
	return nil
}

// Recv dequeues the next message addressed to this endpoint. When block is
// true it parks the calling kernel thread via Condvar until one arrives or
// the endpoint is closed with an empty queue; otherwise it returns
// ErrChannelEmpty immediately (spec.md §4.11's RECV syscall, non-blocking
// variant).
func (c *ChannelEndpoint) Recv(block bool) (Message, error) {
	g := c.state.Lock()
	defer g.Unlock()

	if block {
		g = ksync.CondWaitWhileBlocking(c.cond, g, func(s *chanState) bool {
			return len(s.queue) == 0 && !s.closed
		})
	}
	if len(g.Value().queue) == 0 {
		if g.Value().closed {
			return Message{}, ErrChannelClosed
		}
		return Message{}, ErrChannelEmpty
	}
	msg := g.Value().queue[0]
	g.Value().queue = g.Value().queue[1:]
	return msg, nil
}

var _ FD = (*ChannelEndpoint)(nil)
