package boot

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/tinyrange/pikernel/internal/kernel/pfa"
	"github.com/tinyrange/pikernel/internal/kernel/pte"
	"github.com/tinyrange/pikernel/internal/kernel/sched"
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

// buildTestDTB writes a minimal big-endian flattened device tree directly
// into mem at off, mirroring the on-wire layout the teacher's fdt.Builder
// produces, and returns its total size.
func buildTestDTB(mem []byte, off uint64) uint32 {
	const headerSize = 40
	const rsvmapSize = 16
	structOff := uint32(headerSize) + rsvmapSize

	var structure []byte
	appendU32 := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		structure = append(structure, b[:]...)
	}
	appendStr := func(s string) {
		structure = append(structure, append([]byte(s), 0)...)
		for len(structure)%4 != 0 {
			structure = append(structure, 0)
		}
	}
	appendU32(1) // FDT_BEGIN_NODE
	appendStr("")
	appendU32(2) // FDT_END_NODE
	appendU32(9) // FDT_END

	stringsOff := structOff + uint32(len(structure))
	total := stringsOff

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:], 0xd00dfeed)
	binary.BigEndian.PutUint32(header[4:], total)
	binary.BigEndian.PutUint32(header[8:], structOff)
	binary.BigEndian.PutUint32(header[12:], stringsOff)
	binary.BigEndian.PutUint32(header[16:], headerSize)
	binary.BigEndian.PutUint32(header[20:], 17)
	binary.BigEndian.PutUint32(header[24:], 16)
	binary.BigEndian.PutUint32(header[32:], 0)
	binary.BigEndian.PutUint32(header[36:], uint32(len(structure)))

	copy(mem[off:], header)
	copy(mem[off+uint64(structOff):], structure)
	return total
}

func TestEntryBootsToIdleWithPendingDTB(t *testing.T) {
	bus := &flatBus{mem: make([]byte, 64*1024*1024)}
	frames := &pfa.Allocator{}
	frames.MarkRegionUsable(0, 64*1024*1024)
	engine := pte.New(pfaFrameSource{frames}, bus, pte.NoopTLB{})

	const dtbPA = 0x2000
	size := buildTestDTB(bus.mem, dtbPA)
	frames.MarkRegionUnusable(dtbPA, uint64(size))

	var sizeBE [4]byte
	binary.BigEndian.PutUint32(sizeBE[:], size)

	k, err := Entry(frames, engine, dtbPA, sizeBE)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if k.DTB.Root == nil {
		t.Fatal("expected a parsed root node")
	}

	// "the core enters the low-power wait state within 10 ms": with no
	// events queued, WaitForTask must park rather than return early.
	q := sched.New(4)
	woke := make(chan struct{})
	go func() {
		q.WaitForTask()
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("WaitForTask returned with an empty queue instead of parking")
	case <-time.After(10 * time.Millisecond):
	}

	q.AddTask(sched.Event{Kind: sched.EventClosure, Closure: func() {}})
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("WaitForTask never woke once an event was queued")
	}
}

func TestEntryRejectsDTBCrossingBootstrapWindow(t *testing.T) {
	bus := &flatBus{mem: make([]byte, 64*1024*1024)}
	frames := &pfa.Allocator{}
	frames.MarkRegionUsable(0, 64*1024*1024)
	engine := pte.New(pfaFrameSource{frames}, bus, pte.NoopTLB{})

	var sizeBE [4]byte
	binary.BigEndian.PutUint32(sizeBE[:], 0xFFFF_FFFF)

	if _, err := Entry(frames, engine, 0x2000, sizeBE); err == nil {
		t.Fatal("expected an error for a DTB size crossing the bootstrap window")
	}
}
