package pfa

import "testing"

func newTestAllocator() *Allocator {
	a := &Allocator{}
	a.MarkRegionUsable(0, 64*1024*1024) // 64 MiB
	return a
}

func TestAllocIsLowestAddressFirst(t *testing.T) {
	a := newTestAllocator()
	p1, ok := a.Alloc(Size4K)
	if !ok {
		t.Fatal("alloc failed")
	}
	p2, ok := a.Alloc(Size4K)
	if !ok {
		t.Fatal("alloc failed")
	}
	if p1.Base >= p2.Base {
		t.Fatalf("expected ascending allocation order, got %#x then %#x", p1.Base, p2.Base)
	}
	if p1.Base != 0 {
		t.Fatalf("expected first allocation at 0, got %#x", p1.Base)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator()

	var allocated []Page
	for i := 0; i < 100; i++ {
		p, ok := a.Alloc(Size4K)
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		allocated = append(allocated, p)
	}
	for _, p := range allocated {
		a.Free(p)
	}

	// The free set should be back to its initial state: we can allocate the
	// same 100 frames again starting from the same base address.
	p, ok := a.Alloc(Size4K)
	if !ok || p.Base != 0 {
		t.Fatalf("expected to reallocate frame 0, got %#x ok=%v", p.Base, ok)
	}
}

func TestAllocLargeSizesAligned(t *testing.T) {
	a := newTestAllocator()
	p, ok := a.Alloc(Size2M)
	if !ok {
		t.Fatal("2M alloc failed")
	}
	if p.Base%uint64(Size2M) != 0 {
		t.Fatalf("2M allocation not aligned: %#x", p.Base)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := &Allocator{}
	a.MarkRegionUsable(0, 4096)
	if _, ok := a.Alloc(Size4K); !ok {
		t.Fatal("expected first alloc to succeed")
	}
	if _, ok := a.Alloc(Size4K); ok {
		t.Fatal("expected second alloc to fail: region exhausted")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := newTestAllocator()
	p, _ := a.Alloc(Size4K)
	a.Free(p)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	a.Free(p)
}

func TestMarkRegionUnusableCarvesOutReservedSpace(t *testing.T) {
	a := &Allocator{}
	a.MarkRegionUsable(0, 3*4096)
	a.MarkRegionUnusable(0, 4096) // e.g. the kernel image at frame 0

	p, ok := a.Alloc(Size4K)
	if !ok {
		t.Fatal("alloc failed")
	}
	if p.Base == 0 {
		t.Fatal("allocator handed out a reserved frame")
	}
}

func TestMarkRegionAfterAllocIsFatal(t *testing.T) {
	a := newTestAllocator()
	a.Alloc(Size4K)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic marking a region usable after allocation has started")
		}
	}()
	a.MarkRegionUsable(100*1024*1024, 4096)
}
