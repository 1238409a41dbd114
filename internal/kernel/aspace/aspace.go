// Package aspace implements the address-space objects of spec.md §4.3–4.4:
// the kernel's single, process-wide address space, and one UserAS per
// process holding a sorted, non-overlapping list of VMAs over the page
// tables built by internal/kernel/pte.
//
// Grounded on the teacher's internal/hv.AddressSpace (address_space.go):
// the same mutex-guarded "list of regions, allocate by bumping a next-free
// cursor, register fixed regions up front, reject overlap" shape, here
// applied to user virtual addresses instead of guest-physical MMIO space.
// File-backed VMA ownership follows internal/vfs/backend.go's fsNode
// reference-holding idiom.
package aspace

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/pikernel/internal/kernel/kconfig"
	"github.com/tinyrange/pikernel/internal/kernel/pfa"
	"github.com/tinyrange/pikernel/internal/kernel/pte"
)

// Kind is a VMA's backing model (spec.md §3, "VMA").
type Kind int

const (
	Anonymous Kind = iota
	FileBacked
	Physical
)

// Perms are the VMA's permissions. No leaf descriptor within the VMA's
// range grants more than these: every leaf this package installs for a VMA
// carries exactly these permissions, and an unpopulated page has no leaf.
type Perms struct {
	Read     bool
	WriteEL0 bool
	WriteEL1 bool
	ExecEL0  bool
	ExecEL1  bool
}

func (p Perms) toAttrs() pte.Attrs {
	return pte.Attrs{
		Cacheable: pte.Normal,
		Shareable: pte.ShareInner,
		Read:      p.Read,
		WriteEL0:  p.WriteEL0,
		WriteEL1:  p.WriteEL1,
		ExecEL0:   p.ExecEL0,
		ExecEL1:   p.ExecEL1,
	}
}

// FileBacking is the subset of the FD interface (spec.md §6) a file-backed
// VMA needs. Defined here rather than imported from internal/kernel/proc to
// avoid a dependency from this lower layer up onto the process layer.
type FileBacking interface {
	MmapPage(offset uint64) (pa uint64, ok bool)
	Ref()
	Unref()
}

// FaultKind is the kind of access that faulted (spec.md §4.4).
type FaultKind int

const (
	FaultRead FaultKind = iota
	FaultWrite
	FaultExec
)

// Origin is where a fault originated (spec.md §4.4).
type Origin int

const (
	OriginEL0 Origin = iota
	OriginEL1
)

// FaultOutcome is the result of resolving a page fault.
type FaultOutcome struct {
	Resolved   bool
	Signal     int    // valid when !Resolved && !Fatal
	Fatal      bool   // EL1 fault with no resolution: kernel must panic
	FatalClass string // populated when Fatal
}

// VMA is an interval [Start, Start+Len) with a backing kind, permissions,
// and population policy (spec.md §3).
type VMA struct {
	Start    uint64
	Len      uint64
	Kind     Kind
	Perms    Perms
	Populate bool

	// StackGrowth marks a VMA that is allowed to extend downward on a fault
	// within a small window below its current Start (spec.md §4.4).
	StackGrowth bool

	Backing FileBacking
	Offset  uint64

	PhysBase uint64

	// frames tracks the page-aligned frames this VMA owns, keyed by VA, for
	// anonymous mappings: needed so munmap/fork know exactly what to free or
	// copy rather than re-deriving it from the page tables.
	frames map[uint64]pfa.Page
}

func (v *VMA) end() uint64 { return v.Start + v.Len }
func (v *VMA) contains(va uint64) bool { return va >= v.Start && va < v.end() }

var (
	ErrCollision = errors.New("aspace: requested region overlaps an existing mapping")
	ErrNotFound  = errors.New("aspace: no VMA begins at that address")
	ErrNoSpace   = errors.New("aspace: no free region of the requested size")
	ErrOOM       = errors.New("aspace: out of physical memory")
)

// UserAS is a per-process address space: a root translation table plus the
// VMA list that governs it (spec.md §4.3).
type UserAS struct {
	mu     sync.Mutex
	vmas   []*VMA
	root   uint64
	frames *pfa.Allocator
	engine *pte.Engine
}

// New creates an address space with an empty VMA list and a freshly
// allocated, zeroed root table (spec.md §4.3, "new() -> UserAS").
func New(frames *pfa.Allocator, engine *pte.Engine) (*UserAS, error) {
	page, ok := frames.Alloc(pfa.Size4K)
	if !ok {
		return nil, ErrOOM
	}
	engine.Bus.Zero(page.Base)
	return &UserAS{root: page.Base, frames: frames, engine: engine}, nil
}

// GetTTBR0 returns the physical address to load into TTBR0 for this
// address space (spec.md §4.3).
func (a *UserAS) GetTTBR0() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.root
}

func pageAlign(v uint64) uint64 { return (v + uint64(pfa.Size4K) - 1) &^ (uint64(pfa.Size4K) - 1) }

// findFreeLocked returns the lowest address ≥ kconfig.UserVAMin at which a
// region of `length` fits without overlapping any existing VMA.
func (a *UserAS) findFreeLocked(length uint64) (uint64, bool) {
	candidate := uint64(kconfig.UserVAMin)
	for _, v := range a.vmas {
		if candidate+length <= v.Start {
			return candidate, true
		}
		if v.end() > candidate {
			candidate = v.end()
		}
	}
	if candidate+length <= kconfig.UserVAMax {
		return candidate, true
	}
	return 0, false
}

func (a *UserAS) overlapsLocked(start, length uint64) bool {
	end := start + length
	for _, v := range a.vmas {
		if start < v.end() && v.Start < end {
			return true
		}
	}
	return false
}

func (a *UserAS) insertSortedLocked(v *VMA) {
	i := sort.Search(len(a.vmas), func(i int) bool { return a.vmas[i].Start >= v.Start })
	a.vmas = append(a.vmas, nil)
	copy(a.vmas[i+1:], a.vmas[i:])
	a.vmas[i] = v
}

// Mmap reserves an interval and optionally populates it (spec.md §4.3).
// hint == nil asks for any free region; a non-nil hint fails with
// ErrCollision on overlap rather than falling back to a search.
func (a *UserAS) Mmap(hint *uint64, length uint64, kind Kind, perms Perms, populate bool, backing FileBacking, offset uint64) (uint64, error) {
	length = pageAlign(length)
	if length == 0 {
		return 0, fmt.Errorf("aspace: zero-length mmap")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var start uint64
	if hint != nil {
		if a.overlapsLocked(*hint, length) {
			return 0, ErrCollision
		}
		start = *hint
	} else {
		s, ok := a.findFreeLocked(length)
		if !ok {
			return 0, ErrNoSpace
		}
		start = s
	}

	v := &VMA{Start: start, Len: length, Kind: kind, Perms: perms, Populate: populate, Backing: backing, Offset: offset}
	if kind == Anonymous {
		v.frames = make(map[uint64]pfa.Page)
	}
	if kind == FileBacked && backing != nil {
		backing.Ref()
	}

	if populate {
		if err := a.populateLocked(v); err != nil {
			if kind == FileBacked && backing != nil {
				backing.Unref()
			}
			return 0, err
		}
	}

	a.insertSortedLocked(v)
	return start, nil
}

func (a *UserAS) populateLocked(v *VMA) error {
	for off := uint64(0); off < v.Len; off += uint64(pfa.Size4K) {
		va := v.Start + off
		switch v.Kind {
		case Anonymous:
			page, ok := a.frames.Alloc(pfa.Size4K)
			if !ok {
				a.teardownPartialLocked(v, off)
				return ErrOOM
			}
			a.engine.Bus.Zero(page.Base)
			if err := a.engine.Map(a.root, va, page.Base, pte.Size4K, v.Perms.toAttrs()); err != nil {
				a.frames.Free(page)
				a.teardownPartialLocked(v, off)
				return err
			}
			v.frames[va] = page
		case FileBacked:
			pa, ok := v.Backing.MmapPage(v.Offset + off)
			if !ok {
				a.teardownPartialLocked(v, off)
				return fmt.Errorf("aspace: backing FD refused mmap_page at offset %#x", v.Offset+off)
			}
			if err := a.engine.Map(a.root, va, pa, pte.Size4K, v.Perms.toAttrs()); err != nil {
				a.teardownPartialLocked(v, off)
				return err
			}
		case Physical:
			if err := a.engine.Map(a.root, va, v.PhysBase+off, pte.Size4K, v.Perms.toAttrs()); err != nil {
				a.teardownPartialLocked(v, off)
				return err
			}
		}
	}
	return nil
}

// teardownPartialLocked unwinds a populate that failed partway through.
func (a *UserAS) teardownPartialLocked(v *VMA, upTo uint64) {
	for off := uint64(0); off < upTo; off += uint64(pfa.Size4K) {
		va := v.Start + off
		a.engine.Unmap(a.root, va, pte.Size4K)
		if page, ok := v.frames[va]; ok {
			a.frames.Free(page)
			delete(v.frames, va)
		}
	}
}

// Munmap removes the VMA beginning at va, tearing down its leaves and
// freeing or releasing whatever it owned (spec.md §4.3).
func (a *UserAS) Munmap(va uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := -1
	for i, v := range a.vmas {
		if v.Start == va {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}
	v := a.vmas[idx]

	for off := uint64(0); off < v.Len; off += uint64(pfa.Size4K) {
		pageVA := v.Start + off
		a.engine.Unmap(a.root, pageVA, pte.Size4K)
		if page, ok := v.frames[pageVA]; ok {
			a.frames.Free(page)
		}
	}
	if v.Kind == FileBacked && v.Backing != nil {
		v.Backing.Unref()
	}

	a.vmas = append(a.vmas[:idx], a.vmas[idx+1:]...)
	return nil
}

// vmaForLocked returns the VMA covering va, if any.
func (a *UserAS) vmaForLocked(va uint64) *VMA {
	// a.vmas is sorted by Start; a linear scan is fine at the VMA counts a
	// single process realistically holds, and keeps the invariant check
	// (§4.3: "no leaf outside any VMA exists") easy to read.
	for _, v := range a.vmas {
		if v.contains(va) {
			return v
		}
	}
	return nil
}

// CheckRange reports whether [va, va+length) lies entirely within a single
// VMA with at least the requested permission, for the syscall layer's user
// pointer validation (spec.md §7: "no wrap, in-bounds of a readable/
// writable VMA"). A zero-length range is always valid.
func (a *UserAS) CheckRange(va, length uint64, write bool) bool {
	if length == 0 {
		return true
	}
	end := va + length
	if end < va {
		return false // pointer arithmetic wrapped
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	v := a.vmaForLocked(va)
	if v == nil || end > v.end() {
		return false
	}
	if write {
		return v.Perms.WriteEL0
	}
	return v.Perms.Read
}

const stackGrowthWindow = 16 * uint64(pfa.Size4K)

// ResolveFault implements spec.md §4.4's fault policy.
func (a *UserAS) ResolveFault(va uint64, kind FaultKind, origin Origin) FaultOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	v := a.vmaForLocked(va)
	if v == nil {
		// Stack-growth VMAs extend downward if va is just below Start.
		for _, cand := range a.vmas {
			if cand.StackGrowth && va < cand.Start && cand.Start-va <= stackGrowthWindow {
				grow := pageAlign(cand.Start - va)
				newStart := cand.Start - grow
				if a.overlapsLocked(newStart, grow) {
					break
				}
				cand.Start = newStart
				cand.Len += grow
				v = cand
				break
			}
		}
	}

	if v == nil {
		if origin == OriginEL0 {
			return FaultOutcome{Resolved: false, Signal: 11} // delivered by caller if no handler registered
		}
		return FaultOutcome{Fatal: true, FatalClass: "EL1 fault at unmapped user VA"}
	}

	if !permits(v.Perms, kind) {
		if origin == OriginEL0 {
			return FaultOutcome{Resolved: false, Signal: 11}
		}
		return FaultOutcome{Fatal: true, FatalClass: "EL1 access exceeds VMA permissions"}
	}

	pageVA := va &^ (uint64(pfa.Size4K) - 1)
	if tr, ok := a.engine.Walk(a.root, pageVA); ok {
		_ = tr
		return FaultOutcome{Resolved: true}
	}

	if err := a.populateOneLocked(v, pageVA); err != nil {
		return FaultOutcome{Fatal: true, FatalClass: err.Error()}
	}
	return FaultOutcome{Resolved: true}
}

func (a *UserAS) populateOneLocked(v *VMA, pageVA uint64) error {
	switch v.Kind {
	case Anonymous:
		page, ok := a.frames.Alloc(pfa.Size4K)
		if !ok {
			return ErrOOM
		}
		a.engine.Bus.Zero(page.Base)
		if err := a.engine.Map(a.root, pageVA, page.Base, pte.Size4K, v.Perms.toAttrs()); err != nil {
			a.frames.Free(page)
			return err
		}
		v.frames[pageVA] = page
		return nil
	case FileBacked:
		fileOffset := v.Offset + (pageVA - v.Start)
		pa, ok := v.Backing.MmapPage(fileOffset)
		if !ok {
			return fmt.Errorf("aspace: backing FD refused mmap_page at offset %#x", fileOffset)
		}
		return a.engine.Map(a.root, pageVA, pa, pte.Size4K, v.Perms.toAttrs())
	case Physical:
		return a.engine.Map(a.root, pageVA, v.PhysBase+(pageVA-v.Start), pte.Size4K, v.Perms.toAttrs())
	}
	return fmt.Errorf("aspace: unknown VMA kind")
}

func permits(p Perms, kind FaultKind) bool {
	switch kind {
	case FaultRead:
		return p.Read
	case FaultWrite:
		return p.WriteEL0 || p.WriteEL1
	case FaultExec:
		return p.ExecEL0 || p.ExecEL1
	default:
		return false
	}
}

// Fork deep-copies anonymous VMAs by eager frame copy, duplicates physical
// (shared) mappings, and bumps refcounts on file-backed VMAs (spec.md §4.3;
// see DESIGN.md for the eager-copy-vs-COW decision).
func (a *UserAS) Fork() (*UserAS, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	child, err := New(a.frames, a.engine)
	if err != nil {
		return nil, err
	}

	for _, v := range a.vmas {
		cv := &VMA{Start: v.Start, Len: v.Len, Kind: v.Kind, Perms: v.Perms, Populate: v.Populate, StackGrowth: v.StackGrowth, Offset: v.Offset, PhysBase: v.PhysBase}
		switch v.Kind {
		case Anonymous:
			cv.frames = make(map[uint64]pfa.Page)
			for va, page := range v.frames {
				np, ok := a.frames.Alloc(pfa.Size4K)
				if !ok {
					return nil, ErrOOM
				}
				copyFrame(a.engine.Bus, np.Base, page.Base)
				if err := a.engine.Map(child.root, va, np.Base, pte.Size4K, v.Perms.toAttrs()); err != nil {
					return nil, err
				}
				cv.frames[va] = np
			}
		case FileBacked:
			cv.Backing = v.Backing
			if cv.Backing != nil {
				cv.Backing.Ref()
			}
			for off := uint64(0); off < v.Len; off += uint64(pfa.Size4K) {
				va := v.Start + off
				if tr, ok := a.engine.Walk(a.root, va); ok {
					if err := a.engine.Map(child.root, va, tr.PA, pte.Size4K, v.Perms.toAttrs()); err != nil {
						return nil, err
					}
				}
			}
		case Physical:
			for off := uint64(0); off < v.Len; off += uint64(pfa.Size4K) {
				va := v.Start + off
				if err := a.engine.Map(child.root, va, v.PhysBase+off, pte.Size4K, v.Perms.toAttrs()); err != nil {
					return nil, err
				}
			}
		}
		child.vmas = append(child.vmas, cv)
	}
	return child, nil
}

func copyFrame(bus pte.Bus, dst, src uint64) {
	for off := uint64(0); off < uint64(pfa.Size4K); off += 8 {
		bus.Write64(dst+off, bus.Read64(src+off))
	}
}

// KernelAS is the single, process-wide kernel address space (spec.md §4.3):
// constructed once at boot, holds the kernel image, heap, per-core stacks,
// device windows, and the direct-map window the PFA uses. Unlike a UserAS
// it has no VMA list — kernel mappings are installed directly and never
// torn down except at reboot.
type KernelAS struct {
	mu     sync.Mutex
	root   uint64
	engine *pte.Engine
}

func NewKernelAS(root uint64, engine *pte.Engine) *KernelAS {
	return &KernelAS{root: root, engine: engine}
}

// MapGlobal installs a global kernel mapping (spec.md §4.3: "all kernel
// mappings are global, not flushed on TTBR0 swap").
func (k *KernelAS) MapGlobal(va, pa uint64, size pte.Size, attrs pte.Attrs) error {
	attrs.Global = true
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.engine.Map(k.root, va, pa, size, attrs)
}

func (k *KernelAS) Root() uint64 { return k.root }
