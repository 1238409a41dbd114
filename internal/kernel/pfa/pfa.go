// Package pfa implements the physical frame allocator of spec.md §4.1: it
// tracks usable physical memory handed to the kernel at boot and hands out
// aligned frames of 4 KiB, 2 MiB, or 1 GiB.
//
// Grounded on the teacher's internal/hv.AddressSpace (bump allocation with
// alignment and fixed-region-overlap checking, internal/hv/address_space.go)
// and the original kernel's memory/vmm.rs for the idea of a frozen,
// boot-time-only region list. The implementation here is one 4 KiB-granular
// bitmap per usable region; a larger frame is an aligned run of free 4 KiB
// entries. Regions are scanned lowest-address-first so allocation order is
// deterministic.
package pfa

import (
	"fmt"
	"sync"
)

// Size is a supported frame size class.
type Size uint64

const (
	Size4K Size = 4 * 1024
	Size2M Size = 2 * 1024 * 1024
	Size1G Size = 1024 * 1024 * 1024
)

func (s Size) frames4K() uint64 { return uint64(s) / uint64(Size4K) }

func (s Size) valid() bool {
	return s == Size4K || s == Size2M || s == Size1G
}

// Page identifies an allocated physical frame.
type Page struct {
	Base uint64
	Size Size
}

type memRange struct {
	base, end uint64 // [base, end)
}

func (r memRange) overlaps(o memRange) bool {
	return r.base < o.end && o.base < r.end
}

type region struct {
	base, end uint64 // 4K-aligned span
	// allocated[i] is true when the i'th 4K frame (base+i*4K) is in use.
	allocated []bool
}

func (r *region) frameCount() uint64 { return (r.end - r.base) / uint64(Size4K) }

// Allocator is the kernel-global physical frame allocator. The zero value is
// ready to use; mark_region_* calls must all happen before the first Alloc
// (spec.md §4.1: "after boot the set of usable regions is frozen").
type Allocator struct {
	mu sync.Mutex

	usable   []memRange
	reserved []memRange

	frozen  bool
	regions []*region

	// DirectMapBase is the kernel virtual address that corresponds to
	// physical address 0, used by GetMappedFrame. Set once during boot
	// init; the zero value is only valid for host-side tests that never
	// dereference the returned address.
	DirectMapBase uint64
}

// MarkRegionUsable records [base, base+len) as usable physical memory. May
// be called any number of times, in any order, only before the first Alloc.
func (a *Allocator) MarkRegionUsable(base, length uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		panic("pfa: mark_region_usable after the allocator has started handing out frames")
	}
	a.usable = append(a.usable, memRange{base: alignDown(base, uint64(Size4K)), end: alignUp(base+length, uint64(Size4K))})
}

// MarkRegionUnusable records [base, base+len) as reserved: it will never be
// handed out even if it falls inside a usable region (device tree blob,
// kernel image, initial stacks — spec.md §4.1).
func (a *Allocator) MarkRegionUnusable(base, length uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		panic("pfa: mark_region_unusable after the allocator has started handing out frames")
	}
	a.reserved = append(a.reserved, memRange{base: alignDown(base, uint64(Size4K)), end: alignUp(base+length, uint64(Size4K))})
}

func (a *Allocator) freezeLocked() {
	if a.frozen {
		return
	}
	a.frozen = true

	merged := mergeRanges(a.usable)
	for _, m := range merged {
		r := &region{base: m.base, end: m.end, allocated: make([]bool, (m.end-m.base)/uint64(Size4K))}
		for _, res := range a.reserved {
			if !res.overlaps(m) {
				continue
			}
			lo := max64(res.base, m.base)
			hi := min64(res.end, m.end)
			for f := (lo - m.base) / uint64(Size4K); f < (hi-m.base)/uint64(Size4K); f++ {
				r.allocated[f] = true
			}
		}
		a.regions = append(a.regions, r)
	}
}

// Alloc returns a frame of the requested size, aligned to that size, chosen
// by lowest-address-first tie-break (spec.md §4.1). Returns false if no
// frame is available.
func (a *Allocator) Alloc(size Size) (Page, bool) {
	if !size.valid() {
		panic(fmt.Sprintf("pfa: unsupported size %d", size))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freezeLocked()

	framesNeeded := size.frames4K()

	for _, r := range a.regions {
		total := r.frameCount()
		// The first candidate frame in this region aligned to `size`.
		start := alignUp(r.base, uint64(size))
		for addr := start; addr+uint64(size) <= r.end; addr += uint64(size) {
			startFrame := (addr - r.base) / uint64(Size4K)
			if startFrame+framesNeeded > total {
				break
			}
			if allFree(r.allocated, startFrame, framesNeeded) {
				markRange(r.allocated, startFrame, framesNeeded, true)
				return Page{Base: addr, Size: size}, true
			}
		}
	}
	return Page{}, false
}

// Free returns a previously allocated frame to the pool. Freeing a frame
// that is not currently allocated is a bug and panics (spec.md §4.1:
// "double-free is a bug and must be detected in debug builds").
func (a *Allocator) Free(p Page) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.regionForLocked(p.Base)
	if r == nil {
		panic(fmt.Sprintf("pfa: freeing frame %#x outside any usable region", p.Base))
	}
	startFrame := (p.Base - r.base) / uint64(Size4K)
	framesNeeded := p.Size.frames4K()
	if !allAllocated(r.allocated, startFrame, framesNeeded) {
		panic(fmt.Sprintf("pfa: double free of frame %#x", p.Base))
	}
	markRange(r.allocated, startFrame, framesNeeded, false)
}

// GetMappedFrame returns the kernel virtual address at which p is
// accessible during kernel execution, via the direct-map window.
func (a *Allocator) GetMappedFrame(p Page) uintptr {
	return uintptr(a.DirectMapBase + p.Base)
}

func (a *Allocator) regionForLocked(addr uint64) *region {
	for _, r := range a.regions {
		if addr >= r.base && addr < r.end {
			return r
		}
	}
	return nil
}

func allFree(allocated []bool, start, count uint64) bool {
	for i := start; i < start+count; i++ {
		if allocated[i] {
			return false
		}
	}
	return true
}

func allAllocated(allocated []bool, start, count uint64) bool {
	for i := start; i < start+count; i++ {
		if !allocated[i] {
			return false
		}
	}
	return true
}

func markRange(allocated []bool, start, count uint64, v bool) {
	for i := start; i < start+count; i++ {
		allocated[i] = v
	}
}

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func mergeRanges(rs []memRange) []memRange {
	if len(rs) == 0 {
		return nil
	}
	sorted := append([]memRange(nil), rs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].base > sorted[j].base; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	out := []memRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.base <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
