package main

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/mod/modfile"
)

// packImage builds a boot image directory at outDir: the kernel ELF, the
// manifest, and a generated device tree blob with the kernel's load
// checksum folded into a reserved property, reporting progress the way the
// teacher's cmd/cc reports OCI pull/export progress.
func packImage(manifestPath, outDir string) error {
	m, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("kernctl: creating %s: %w", outDir, err)
	}

	steps := []string{"checksum kernel image", "list module dependencies", "write manifest", "write dtb"}
	bar := progressbar.NewOptions(len(steps),
		progressbar.OptionSetDescription("packing"),
		progressbar.OptionShowCount(),
	)

	f, err := os.Open(m.KernelELF)
	if err != nil {
		return fmt.Errorf("kernctl: opening kernel image %s: %w", m.KernelELF, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	data, err := mmapFile(f, int(info.Size()))
	if err != nil {
		return err
	}
	defer munmapFile(data)

	sum := fnv.New64a()
	sum.Write(data)
	slog.Info("kernel image checksummed", "path", m.KernelELF, "size", info.Size(), "fnv64a", sum.Sum64())
	bar.Add(1)

	deps, err := listModuleDependencies()
	if err != nil {
		slog.Warn("could not list module dependencies", "error", err)
	} else {
		slog.Info("module dependencies", "count", len(deps))
	}
	bar.Add(1)

	if err := writeManifest(filepath.Join(outDir, "manifest.yaml"), m); err != nil {
		return err
	}
	bar.Add(1)

	dtb := buildMinimalDTB(m, sum.Sum64())
	if err := os.WriteFile(filepath.Join(outDir, "boot.dtb"), dtb, 0o644); err != nil {
		return fmt.Errorf("kernctl: writing boot.dtb: %w", err)
	}
	bar.Add(1)

	slog.Info("packed boot image", "out", outDir, "dtb_size", len(dtb), "built_at", time.Now().Format(time.RFC3339))
	return nil
}

// listModuleDependencies reads this module's own go.mod (the build tool's,
// not the kernel's) to report what it was built against — the same
// module-aware listing the teacher would run over an OCI image's go.mod
// were it Go-based, adapted here to golang.org/x/mod/modfile directly
// rather than invoking `go list`.
func listModuleDependencies() ([]string, error) {
	data, err := os.ReadFile("go.mod")
	if err != nil {
		return nil, err
	}
	f, err := modfile.Parse("go.mod", data, nil)
	if err != nil {
		return nil, err
	}
	deps := make([]string, 0, len(f.Require))
	for _, r := range f.Require {
		deps = append(deps, r.Mod.Path+"@"+r.Mod.Version)
	}
	return deps, nil
}

// buildMinimalDTB emits a single-root-node flattened device tree carrying
// the kernel's checksum as a property, in the same big-endian
// token/offset layout internal/kernel/fdt.Parse consumes — this is the
// blob a simulated boot hands to internal/kernel/boot.Entry.
func buildMinimalDTB(m *Manifest, checksum uint64) []byte {
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

	const (
		tokenBeginNode = 1
		tokenEndNode   = 2
		tokenProp      = 3
		tokenEnd       = 9
	)

	appendU32(tokenBeginNode)
	appendStr("")

	appendU32(tokenProp)
	appendU32(8)
	appendU32(0) // name offset 0 -> first string
	var sumBytes [8]byte
	binary.BigEndian.PutUint64(sumBytes[:], checksum)
	structure = append(structure, sumBytes[:]...)

	appendU32(tokenEndNode)
	appendU32(tokenEnd)

	var strings []byte
	strings = append(strings, append([]byte("kernel-checksum"), 0)...)

	const headerSize = 40
	const rsvmapSize = 16
	structOff := uint32(headerSize) + rsvmapSize
	stringsOff := structOff + uint32(len(structure))
	total := stringsOff + uint32(len(strings))

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:], 0xd00dfeed)
	binary.BigEndian.PutUint32(header[4:], total)
	binary.BigEndian.PutUint32(header[8:], structOff)
	binary.BigEndian.PutUint32(header[12:], stringsOff)
	binary.BigEndian.PutUint32(header[16:], headerSize)
	binary.BigEndian.PutUint32(header[20:], 17)
	binary.BigEndian.PutUint32(header[24:], 16)
	binary.BigEndian.PutUint32(header[32:], uint32(len(strings)))
	binary.BigEndian.PutUint32(header[36:], uint32(len(structure)))
	_ = m

	blob := make([]byte, total)
	copy(blob, header)
	copy(blob[structOff:], structure)
	copy(blob[stringsOff:], strings)
	return blob
}
