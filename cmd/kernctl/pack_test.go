package main

import (
	"testing"

	"github.com/tinyrange/pikernel/internal/kernel/fdt"
)

func TestBuildMinimalDTBParsesBack(t *testing.T) {
	m := &Manifest{Name: "test", Cores: 1, StackBytes: 16 * 1024}
	blob := buildMinimalDTB(m, 0xdeadbeefcafef00d)

	parsed, err := fdt.Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	checksum, ok := parsed.Root.Prop("kernel-checksum")
	if !ok {
		t.Fatal("expected a kernel-checksum property on the root node")
	}
	if len(checksum) != 8 {
		t.Fatalf("checksum property length = %d, want 8", len(checksum))
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/manifest.yaml"
	if err := writeManifest(path, &Manifest{Name: "demo", KernelELF: "kernel.elf"}); err != nil {
		t.Fatalf("writeManifest: %v", err)
	}
	m, err := loadManifest(path)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}
	if m.Cores != 1 {
		t.Fatalf("Cores = %d, want default 1", m.Cores)
	}
	if m.StackBytes != 16*1024 {
		t.Fatalf("StackBytes = %d, want default 16384", m.StackBytes)
	}
	if m.Name != "demo" {
		t.Fatalf("Name = %q, want %q", m.Name, "demo")
	}
}
