package proc

import (
	"testing"

	"github.com/tinyrange/pikernel/internal/kernel/aspace"
	"github.com/tinyrange/pikernel/internal/kernel/pfa"
	"github.com/tinyrange/pikernel/internal/kernel/pte"
	"github.com/tinyrange/pikernel/internal/kernel/thread"
)

type flatBus struct{ mem []byte }

func (b *flatBus) Read64(pa uint64) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b.mem[pa+uint64(i)]) << (8 * i)
	}
	return v
}
func (b *flatBus) Write64(pa uint64, v uint64) {
	for i := 0; i < 8; i++ {
		b.mem[pa+uint64(i)] = byte(v >> (8 * i))
	}
}
func (b *flatBus) Zero(pa uint64) {
	for i := uint64(0); i < 4096; i++ {
		b.mem[pa+i] = 0
	}
}

type pfaFrameSource struct{ a *pfa.Allocator }

func (s pfaFrameSource) AllocTableFrame() (uint64, bool) {
	p, ok := s.a.Alloc(pfa.Size4K)
	return p.Base, ok
}
func (s pfaFrameSource) FreeTableFrame(pa uint64) { s.a.Free(pfa.Page{Base: pa, Size: pfa.Size4K}) }

func newTestProcess(t *testing.T) *Process {
	t.Helper()
	bus := &flatBus{mem: make([]byte, 128*1024*1024)}
	frames := &pfa.Allocator{}
	frames.MarkRegionUsable(0, 128*1024*1024)
	engine := pte.New(pfaFrameSource{frames}, bus, pte.NoopTLB{})

	p, err := New(frames, engine, Credentials{UID: 1000, EUID: 1000, SUID: 1000})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

type memFD struct {
	data []byte
	kind Kind
}

func (f *memFD) Kind() Kind { return f.kind }
func (f *memFD) Read(offset int64, buf []byte) (int64, error) {
	if offset >= int64(len(f.data)) {
		return 0, nil
	}
	n := copy(buf, f.data[offset:])
	return int64(n), nil
}
func (f *memFD) Write(offset int64, buf []byte) (int64, error) {
	need := offset + int64(len(buf))
	if need > int64(len(f.data)) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[offset:], buf)
	return int64(len(buf)), nil
}
func (f *memFD) Size() (int64, error)                { return int64(len(f.data)), nil }
func (f *memFD) MmapPage(uint64) (uint64, bool)       { return 0, false }

func TestFDTableInsertGetClose(t *testing.T) {
	tbl := NewFDTable()
	idx, err := tbl.Insert(&memFD{kind: KindRegular})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	h, ok := tbl.Get(idx)
	if !ok || h.FD.(*memFD).kind != KindRegular {
		t.Fatal("Get returned wrong handle")
	}
	if _, ok := tbl.Close(idx); !ok {
		t.Fatal("Close failed")
	}
	if _, ok := tbl.Get(idx); ok {
		t.Fatal("expected Get to fail after Close")
	}
}

func TestFDTableReusesFreedSlots(t *testing.T) {
	tbl := NewFDTable()
	idx1, _ := tbl.Insert(&memFD{})
	tbl.Close(idx1)
	idx2, _ := tbl.Insert(&memFD{})
	if idx1 != idx2 {
		t.Fatalf("expected freed slot %d to be reused, got %d", idx1, idx2)
	}
}

func TestDup3SharesHandleAndBumpsRefcount(t *testing.T) {
	tbl := NewFDTable()
	idx, _ := tbl.Insert(&memFD{kind: KindRegular})
	h1, _ := tbl.Get(idx)

	if err := tbl.Dup3(idx, idx+5); err != nil {
		t.Fatalf("Dup3 failed: %v", err)
	}
	h2, ok := tbl.Get(idx + 5)
	if !ok {
		t.Fatal("expected dup3 target to be populated")
	}
	if h1 != h2 {
		t.Fatal("dup3 should share the same Handle, not create a new one")
	}
}

func TestSignalTableRaiseAndTakePending(t *testing.T) {
	st := NewSignalTable()
	if _, ok := st.TakePending(); ok {
		t.Fatal("expected no pending signal initially")
	}
	st.Raise(11)
	st.Raise(2)
	first, ok := st.TakePending()
	if !ok || first != 2 {
		t.Fatalf("expected lowest-numbered pending signal 2, got %d ok=%v", first, ok)
	}
	second, ok := st.TakePending()
	if !ok || second != 11 {
		t.Fatalf("expected signal 11 next, got %d ok=%v", second, ok)
	}
	if _, ok := st.TakePending(); ok {
		t.Fatal("expected no more pending signals")
	}
}

func TestSignalHandlerRegistration(t *testing.T) {
	st := NewSignalTable()
	if err := st.SetHandler(11, 0x1000); err != nil {
		t.Fatalf("SetHandler failed: %v", err)
	}
	va, ok := st.Handler(11)
	if !ok || va != 0x1000 {
		t.Fatalf("Handler(11) = %#x, %v; want 0x1000, true", va, ok)
	}
	if err := st.SetHandler(1000, 0x1000); err == nil {
		t.Fatal("expected error for out-of-range signal number")
	}
}

func TestForkClonesASAndFDTable(t *testing.T) {
	p := newTestProcess(t)
	idx, _ := p.FDs.Insert(&memFD{kind: KindRegular})

	if _, err := p.AS.Mmap(nil, 4096, aspace.Anonymous, aspace.Perms{Read: true, WriteEL0: true}, true, nil, 0); err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}

	child, err := p.Fork()
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if child.AS == p.AS {
		t.Fatal("fork must produce a distinct address space")
	}
	if _, ok := child.FDs.Get(idx); !ok {
		t.Fatal("expected forked FD table to carry over open descriptors")
	}
}

func TestAddRemoveThreadUpdatesRefcount(t *testing.T) {
	p := newTestProcess(t)
	before := p.refs.Load()

	th := thread.New(p, func(t *thread.Thread) {})
	p.AddThread(th)
	if p.refs.Load() != before+1 {
		t.Fatalf("AddThread did not bump refcount: got %d, want %d", p.refs.Load(), before+1)
	}

	p.RemoveThread(th)
	if p.refs.Load() != before {
		t.Fatalf("RemoveThread did not release the reference: got %d, want %d", p.refs.Load(), before)
	}
	if len(p.Threads) != 0 {
		t.Fatal("expected thread list to be empty after RemoveThread")
	}
}

func TestExecReplacesASAndSetsEntry(t *testing.T) {
	p := newTestProcess(t)
	prog := Program{
		Entry: 0x20_0000,
		Segments: []Segment{
			{VA: 0x20_0000, Len: 4096, Perms: aspace.Perms{Read: true, ExecEL0: true}, Source: []byte("hello")},
		},
	}
	ctx := &thread.Context{}
	if err := p.Exec(prog, ctx, 16*1024); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if ctx.PC != prog.Entry {
		t.Fatalf("ctx.PC = %#x, want %#x", ctx.PC, prog.Entry)
	}
	if ctx.SP == 0 {
		t.Fatal("expected a non-zero user stack pointer after exec")
	}
}

func TestUnrefTornDownAtZero(t *testing.T) {
	p := newTestProcess(t)
	idx, _ := p.FDs.Insert(&memFD{kind: KindRegular})
	h, _ := p.FDs.Get(idx)

	p.Unref()
	if h.refs.Load() != 0 {
		t.Fatal("expected FD handle to be released when the process refcount reaches zero")
	}
}
