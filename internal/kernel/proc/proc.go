// Package proc implements the process and FD-table layer of spec.md
// §4.11–4.12: an address space plus a dense FD table, credentials, and a
// signal-handler table, shared by Arc-style refcounting across the threads
// that run inside it.
//
// Grounded on internal/vfs/backend.go's fsNode (permission-bit handling,
// reference-holding ownership of an underlying object) for the FD handle's
// shape, and internal/chipset/device.go's lifecycle-hook idiom for signal
// delivery points. ELF parsing is an external collaborator per spec.md §1's
// explicit non-goals; Exec here does everything around that boundary
// (replacing the address space, setting up the initial stack, pointing the
// registers at the entry) and takes the parsed program as an already-loaded
// Program value.
package proc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/pikernel/internal/kernel/aspace"
	"github.com/tinyrange/pikernel/internal/kernel/kconfig"
	"github.com/tinyrange/pikernel/internal/kernel/pfa"
	"github.com/tinyrange/pikernel/internal/kernel/pte"
	"github.com/tinyrange/pikernel/internal/kernel/thread"
)

// Kind is an FD's object kind (spec.md §6, FD object interface).
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymbolicLink
	KindOther
)

// FD is the object interface every file descriptor implements (spec.md
// §6). The "async" qualifier on read/write/size/mmap_page in the original
// design describes how FD implementations that can actually block (disk,
// network, a pipe with no data) are expected to be written — as async
// tasks that park rather than block a whole core. This hosted build's
// collaborators (UART loopback, pipes, channels) never need to suspend a
// whole core thread to answer these calls, so the interface here is
// synchronous; a collaborator that does need to suspend spawns an async
// task internally and blocks this call on it rather than pushing that
// complexity into every caller.
type FD interface {
	Kind() Kind
	Read(offset int64, buf []byte) (int64, error)
	Write(offset int64, buf []byte) (int64, error)
	Size() (int64, error)
	MmapPage(offset uint64) (pa uint64, ok bool)
}

// Openable is implemented by directory-like FDs (spec.md §6, "optional
// open(name)").
type Openable interface {
	Open(name string) (FD, error)
}

// Handle wraps an FD with the reference count spec.md's "shared handle"
// (§3, File descriptor) requires: the FD table and any file-backed VMA can
// each hold a Handle, and the underlying FD is only released once both have
// let go.
type Handle struct {
	FD   FD
	refs atomic.Int32
}

func newHandle(fd FD) *Handle {
	h := &Handle{FD: fd}
	h.refs.Store(1)
	return h
}

// Ref and Unref satisfy aspace.FileBacking, so a *Handle can be used
// directly as a file-backed VMA's backing object.
func (h *Handle) Ref() { h.refs.Add(1) }

func (h *Handle) Unref() {
	if h.refs.Add(-1) == 0 {
		if c, ok := h.FD.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

func (h *Handle) MmapPage(offset uint64) (uint64, bool) { return h.FD.MmapPage(offset) }

// RefCount reports the handle's current reference count, for tests and
// diagnostics.
func (h *Handle) RefCount() int32 { return h.refs.Load() }

var _ aspace.FileBacking = (*Handle)(nil)

// ErrOutOfFDs is returned by Insert/InsertHandle when a process has reached
// kconfig.MaxFDs open descriptors (spec.md §7's distinct OutOfFds kind).
var ErrOutOfFDs = fmt.Errorf("proc: FD table full (max %d)", kconfig.MaxFDs)

// FDTable is the per-process dense, nullable-slot FD table (spec.md §4.11).
type FDTable struct {
	mu    sync.Mutex
	slots []*Handle
}

func NewFDTable() *FDTable { return &FDTable{} }

// Insert finds (or appends) a free slot and returns its index.
func (t *FDTable) Insert(fd FD) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = newHandle(fd)
			return i, nil
		}
	}
	if len(t.slots) >= kconfig.MaxFDs {
		return 0, ErrOutOfFDs
	}
	t.slots = append(t.slots, newHandle(fd))
	return len(t.slots) - 1, nil
}

// Get returns the handle at idx, if any.
func (t *FDTable) Get(idx int) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) || t.slots[idx] == nil {
		return nil, false
	}
	return t.slots[idx], true
}

// Set installs h at idx (growing the table if needed) and returns whatever
// was previously there.
func (t *FDTable) Set(idx int, h *Handle) (*Handle, error) {
	if idx < 0 || idx >= kconfig.MaxFDs {
		return nil, fmt.Errorf("proc: FD index %d out of range", idx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.slots) <= idx {
		t.slots = append(t.slots, nil)
	}
	prev := t.slots[idx]
	t.slots[idx] = h
	return prev, nil
}

// Close removes and unrefs the handle at idx.
func (t *FDTable) Close(idx int) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) || t.slots[idx] == nil {
		return nil, false
	}
	h := t.slots[idx]
	t.slots[idx] = nil
	h.Unref()
	return h, true
}

// Dup3 copies the handle at old into new, bumping its refcount, closing
// whatever new previously held (spec.md §4.11: "dup3(old, new) = set(new,
// get(old)?)").
func (t *FDTable) Dup3(old, newIdx int) error {
	h, ok := t.Get(old)
	if !ok {
		return fmt.Errorf("proc: dup3: fd %d is not open", old)
	}
	h.Ref()
	prev, err := t.Set(newIdx, h)
	if err != nil {
		h.Unref()
		return err
	}
	if prev != nil {
		prev.Unref()
	}
	return nil
}

// Take removes and returns the handle at idx without unrefing it, for
// ownership transfer rather than closure (spec.md §6's channel wire format:
// "the sender's table entry is consumed" — consumed by the receiver, not
// dropped).
func (t *FDTable) Take(idx int) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) || t.slots[idx] == nil {
		return nil, false
	}
	h := t.slots[idx]
	t.slots[idx] = nil
	return h, true
}

// InsertHandle installs an already-owned handle (e.g. one transferred by
// Take) at a free slot without bumping its refcount.
func (t *FDTable) InsertHandle(h *Handle) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = h
			return i, nil
		}
	}
	if len(t.slots) >= kconfig.MaxFDs {
		return 0, ErrOutOfFDs
	}
	t.slots = append(t.slots, h)
	return len(t.slots) - 1, nil
}

// clone duplicates the table for fork, bumping every live handle's refcount
// (spec.md §4.11: "clone FD table (bump refcounts)").
func (t *FDTable) clone() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := &FDTable{slots: make([]*Handle, len(t.slots))}
	for i, h := range t.slots {
		if h == nil {
			continue
		}
		h.Ref()
		out.slots[i] = h
	}
	return out
}

// Credentials holds the real/effective/saved UID triple (spec.md §3).
type Credentials struct {
	UID  uint32
	EUID uint32
	SUID uint32
}

// SignalTable is a process's atomic pending-signal flag set plus its
// handler table, keyed by signal number (spec.md §4.12).
type SignalTable struct {
	mu       sync.Mutex
	handlers [kconfig.MaxSignals]uint64 // 0 = no handler registered
	pending  atomic.Uint64              // bitmask, one bit per signal number
}

func NewSignalTable() *SignalTable { return &SignalTable{} }

func (s *SignalTable) SetHandler(signum int, userVA uint64) error {
	if signum < 0 || signum >= kconfig.MaxSignals {
		return fmt.Errorf("proc: signal number %d out of range", signum)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[signum] = userVA
	return nil
}

func (s *SignalTable) Handler(signum int) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	va := s.handlers[signum]
	return va, va != 0
}

// Raise sets a signal's pending flag (spec.md §4.12: "an atomic flag set").
func (s *SignalTable) Raise(signum int) {
	s.pending.Or(1 << uint(signum))
}

// TakePending clears and returns the lowest-numbered pending signal, for
// the return-to-user delivery point to act on.
func (s *SignalTable) TakePending() (int, bool) {
	for {
		bits := s.pending.Load()
		if bits == 0 {
			return 0, false
		}
		signum := trailingZeros64(bits)
		if s.pending.CompareAndSwap(bits, bits&^(1<<uint(signum))) {
			return signum, true
		}
	}
}

func (s *SignalTable) clone() *SignalTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &SignalTable{handlers: s.handlers}
	return out
}

func trailingZeros64(v uint64) int {
	n := 0
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}

// Program is what an external ELF loader hands back: the entry point and
// the segments to map into the new address space (spec.md §4.11's exec).
type Program struct {
	Entry    uint64
	Segments []Segment
}

// Segment is one loadable program segment.
type Segment struct {
	VA    uint64
	Len   uint64
	Perms aspace.Perms
	// Source, if non-nil, supplies the segment's initial bytes (copied in
	// page by page); nil means zero-filled (e.g. .bss).
	Source []byte
}

var ErrNoThreads = errors.New("proc: process has no live threads")

// Process owns an address space, an FD table, credentials, a signal
// table, and the set of threads running inside it (spec.md §3, §4.11).
type Process struct {
	mu      sync.Mutex
	PID     uint64
	AS      *aspace.UserAS
	FDs     *FDTable
	Creds   Credentials
	Signals *SignalTable
	Threads []*thread.Thread

	// ExitFD is populated by whoever spawns this process as a distinct
	// process (rather than a sibling thread) so the spawner's WAIT syscall
	// has something to block on (spec.md §6, WAIT(fd)). Left nil for
	// processes that are never waited on this way (e.g. the boot process).
	ExitFD *ExitStatusFD

	refs   atomic.Int32
	frames *pfa.Allocator
	engine *pte.Engine
}

var nextPID atomic.Uint64

// New creates a process with an empty AS, FD table, and signal table, and
// credentials inherited from the caller (spec.md §4.11).
func New(frames *pfa.Allocator, engine *pte.Engine, creds Credentials) (*Process, error) {
	as, err := aspace.New(frames, engine)
	if err != nil {
		return nil, err
	}
	p := &Process{
		PID:     nextPID.Add(1),
		AS:      as,
		FDs:     NewFDTable(),
		Creds:   creds,
		Signals: NewSignalTable(),
		frames:  frames,
		engine:  engine,
	}
	p.refs.Store(1)
	return p, nil
}

// Ref and Unref implement the Arc<Process> sharing model: threads hold a
// reference, so does whatever created the process; the process's
// resources are torn down once both kinds of holder have let go.
func (p *Process) Ref() { p.refs.Add(1) }

func (p *Process) Unref() {
	if p.refs.Add(-1) == 0 {
		p.teardown()
	}
}

func (p *Process) teardown() { p.CloseAllFDs() }

// CloseAllFDs unrefs every open descriptor (spec.md §6, EXIT: "if last in
// process, close FDs"). Safe to call more than once; already-closed slots
// are skipped.
func (p *Process) CloseAllFDs() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.FDs.slots {
		if p.FDs.slots[i] != nil {
			p.FDs.slots[i].Unref()
			p.FDs.slots[i] = nil
		}
	}
}

// ThreadCount reports how many live threads this process has registered.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Threads)
}

// AddThread registers a child thread for wait() and bumps the process's
// refcount on its behalf.
func (p *Process) AddThread(t *thread.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Threads = append(p.Threads, t)
	p.Ref()
}

// RemoveThread drops a terminated thread from the wait list and releases
// the reference AddThread took.
func (p *Process) RemoveThread(t *thread.Thread) {
	p.mu.Lock()
	for i, th := range p.Threads {
		if th == t {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.Unref()
}

// Fork clones the address space, FD table, credentials, and signal
// handlers into a new process (spec.md §4.11).
func (p *Process) Fork() (*Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	childAS, err := p.AS.Fork()
	if err != nil {
		return nil, err
	}
	child := &Process{
		PID:     nextPID.Add(1),
		AS:      childAS,
		FDs:     p.FDs.clone(),
		Creds:   p.Creds,
		Signals: p.Signals.clone(),
		frames:  p.frames,
		engine:  p.engine,
	}
	child.refs.Store(1)
	return child, nil
}

// Exec replaces the process's address space with one built from prog,
// mapping every segment and updating ctx to resume at the new entry point
// with a freshly mapped user stack (spec.md §4.11).
func (p *Process) Exec(prog Program, ctx *thread.Context, userStackSize uint64) error {
	newAS, err := aspace.New(p.frames, p.engine)
	if err != nil {
		return err
	}

	for _, seg := range prog.Segments {
		hint := seg.VA
		if _, err := newAS.Mmap(&hint, seg.Len, aspace.Anonymous, seg.Perms, true, nil, 0); err != nil {
			return fmt.Errorf("proc: exec: mapping segment at %#x: %w", seg.VA, err)
		}
		if seg.Source != nil {
			if err := copySegmentBytes(newAS, p.engine, seg); err != nil {
				return err
			}
		}
	}

	stackTop := uint64(kconfig.UserVAMax) - uint64(pfa.Size4K)
	stackBase := stackTop - userStackSize
	stackVA, err := newAS.Mmap(&stackBase, userStackSize, aspace.Anonymous,
		aspace.Perms{Read: true, WriteEL0: true, WriteEL1: true}, true, nil, 0)
	if err != nil {
		return fmt.Errorf("proc: exec: mapping user stack: %w", err)
	}
	p.mu.Lock()
	p.AS = newAS
	p.mu.Unlock()

	ctx.PC = prog.Entry
	ctx.SP = stackVA + userStackSize
	return nil
}

// ReadUser copies len(buf) bytes from the process's current address space
// starting at va into buf. Callers must validate the range with
// p.AS.CheckRange first; ReadUser itself only fails if a page the range
// spans turns out to be unmapped (spec.md §7, BadPointer).
func (p *Process) ReadUser(va uint64, buf []byte) error {
	p.mu.Lock()
	root := p.AS.GetTTBR0()
	p.mu.Unlock()

	for i := range buf {
		pa, ok := translateByte(p.engine, root, va+uint64(i))
		if !ok {
			return fmt.Errorf("proc: read_user: %#x not mapped", va+uint64(i))
		}
		buf[i] = readByte(p.engine, pa)
	}
	return nil
}

// WriteUser is ReadUser's write counterpart.
func (p *Process) WriteUser(va uint64, buf []byte) error {
	p.mu.Lock()
	root := p.AS.GetTTBR0()
	p.mu.Unlock()

	for i, b := range buf {
		pa, ok := translateByte(p.engine, root, va+uint64(i))
		if !ok {
			return fmt.Errorf("proc: write_user: %#x not mapped", va+uint64(i))
		}
		writeByte(p.engine, pa, b)
	}
	return nil
}

func translateByte(engine *pte.Engine, root, va uint64) (uint64, bool) {
	pageVA := va &^ (uint64(pfa.Size4K) - 1)
	tr, ok := engine.Walk(root, pageVA)
	if !ok {
		return 0, false
	}
	return tr.PA + (va - pageVA), true
}

func readByte(engine *pte.Engine, pa uint64) byte {
	aligned := pa &^ 7
	shift := uint((pa - aligned) * 8)
	return byte(engine.Bus.Read64(aligned) >> shift)
}

func copySegmentBytes(as *aspace.UserAS, engine *pte.Engine, seg Segment) error {
	for off := 0; off < len(seg.Source); off += int(pfa.Size4K) {
		pageVA := seg.VA + uint64(off)
		tr, ok := engine.Walk(as.GetTTBR0(), pageVA)
		if !ok {
			return fmt.Errorf("proc: exec: segment page at %#x not populated", pageVA)
		}
		end := off + int(pfa.Size4K)
		if end > len(seg.Source) {
			end = len(seg.Source)
		}
		for i, b := range seg.Source[off:end] {
			writeByte(engine, tr.PA+uint64(i), b)
		}
	}
	return nil
}

func writeByte(engine *pte.Engine, pa uint64, b byte) {
	aligned := pa &^ 7
	shift := uint((pa - aligned) * 8)
	word := engine.Bus.Read64(aligned)
	word = (word &^ (0xff << shift)) | uint64(b)<<shift
	engine.Bus.Write64(aligned, word)
}
