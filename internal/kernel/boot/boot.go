// Package boot implements the fixed entry label spec.md §6 describes: the
// firmware hands control to the core with a device-tree blob pointer in the
// first argument register and the blob's size as a 32-bit big-endian word,
// and the core's job is to install a bootstrap translation and reach
// run_event_loop with no further involvement from firmware.
//
// There is no portable way to express the actual reset vector or the asm
// that seeds those two registers in a hosted Go build; Entry starts at the
// point a real build's boot assembly would call into, taking the register
// values as plain parameters. Grounded on the teacher's internal/fdt
// builder (the big-endian field layout the blob itself uses) and
// internal/hv's VM boot memory layout (low "RAM-identity" window plus a
// high kernel alias, the same two-region shape a real boot's bootstrap
// page tables install).
package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/pikernel/internal/kernel/aspace"
	"github.com/tinyrange/pikernel/internal/kernel/fdt"
	"github.com/tinyrange/pikernel/internal/kernel/pfa"
	"github.com/tinyrange/pikernel/internal/kernel/pte"
)

// KernelVAOffset is the fixed displacement between a physical address in
// the low-memory identity window and its high-virtual kernel alias (spec.md
// §4.3: "Holds the kernel image ... All kernel mappings are global"). Chosen
// high enough that it never collides with a UserAS's low-half range
// (kconfig.UserVAMax is well below this).
const KernelVAOffset = 0xFFFF_0000_0000_0000

// bootstrapWindowSize is the size of the 1GB window mapped at boot (as two
// 1GB block mappings: the identity one and the high alias), covering the kernel image, early heap, and the DTB itself
// (spec.md §6: "maps the blob"). Anything beyond this window is mapped
// later by the PFA/VMM once they are initialised.
const bootstrapWindowSize = uint64(pfa.Size1G)

// Kernel is everything boot produces: the address space drivers and the
// scheduler run under, the page-table engine backing it, and the parsed
// device tree.
type Kernel struct {
	AS     *aspace.KernelAS
	Engine *pte.Engine
	DTB    *fdt.Blob
}

// Entry runs the boot sequence: decode the DTB size word, install the
// bootstrap identity-plus-high mapping over the window containing both the
// kernel image and the DTB, then parse the blob (spec.md §6: "The core does
// not parse the DTB; it maps the blob and passes it to the device-driver
// layer" — Entry does the mapping half of that sentence; drivers consumes
// the parsed result).
//
// dtbPtrReg and dtbSizeBERegBytes are exactly the two register-shaped
// inputs spec.md §6 names: the blob's physical address, and its size
// encoded as a big-endian 32-bit word (as it would arrive in a register
// read byte-wise off the wire rather than already host-endian).
func Entry(frames *pfa.Allocator, engine *pte.Engine, dtbPtrReg uint64, dtbSizeBERegBytes [4]byte) (*Kernel, error) {
	dtbSize := binary.BigEndian.Uint32(dtbSizeBERegBytes[:])

	rootPA, ok := frames.Alloc(pfa.Size4K)
	if !ok {
		return nil, fmt.Errorf("boot: could not allocate the kernel root table frame")
	}
	engine.Bus.Zero(rootPA.Base)
	kernelAS := aspace.NewKernelAS(rootPA.Base, engine)

	windowBase := alignDown(dtbPtrReg, bootstrapWindowSize)
	attrs := pte.Attrs{Cacheable: pte.Normal, Shareable: pte.ShareInner, ExecEL1: true, Read: true, WriteEL1: true}
	if err := kernelAS.MapGlobal(windowBase, windowBase, pte.Size1G, attrs); err != nil {
		return nil, fmt.Errorf("boot: identity-mapping bootstrap window: %w", err)
	}
	if err := kernelAS.MapGlobal(windowBase+KernelVAOffset, windowBase, pte.Size1G, attrs); err != nil {
		return nil, fmt.Errorf("boot: high-mapping bootstrap window: %w", err)
	}

	if dtbPtrReg+uint64(dtbSize) > windowBase+bootstrapWindowSize {
		return nil, fmt.Errorf("boot: DTB at %#x size %#x crosses the bootstrap window", dtbPtrReg, dtbSize)
	}
	blobBytes := make([]byte, dtbSize)
	for i := range blobBytes {
		blobBytes[i] = readByteVia(engine.Bus, dtbPtrReg+uint64(i))
	}
	blob, err := fdt.Parse(blobBytes)
	if err != nil {
		return nil, fmt.Errorf("boot: parsing device tree: %w", err)
	}

	return &Kernel{AS: kernelAS, Engine: engine, DTB: blob}, nil
}

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }

func readByteVia(bus pte.Bus, pa uint64) byte {
	aligned := pa &^ 7
	shift := uint((pa - aligned) * 8)
	return byte(bus.Read64(aligned) >> shift)
}
