package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest describes a boot image the way the teacher's internal/update
// manifests describe an update package: a small YAML document, not a
// runtime config surface (SPEC_FULL.md's AMBIENT STACK note: "no runtime
// config files at the core level" — this manifest is a host-tool input,
// consumed before the kernel image even runs).
type Manifest struct {
	Name       string      `yaml:"name"`
	Cores      int         `yaml:"cores"`
	StackBytes int         `yaml:"stack_bytes"`
	KernelELF  string      `yaml:"kernel_elf"`
	InitialVMAs []VMASpec  `yaml:"initial_vmas"`
}

// VMASpec is one entry of the manifest's initial_vmas list: the boot
// shell's starting mappings (its stack, its loaded binary's segments).
// pack copies the list into the image's manifest.yaml; the boot simulator
// (runSimulation) does not read it and creates no mappings from it.
type VMASpec struct {
	Name   string `yaml:"name"`
	Length uint64 `yaml:"length"`
	Read   bool   `yaml:"read"`
	Write  bool   `yaml:"write"`
	Exec   bool   `yaml:"exec"`
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kernctl: reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("kernctl: parsing manifest %s: %w", path, err)
	}
	if m.Cores <= 0 {
		m.Cores = 1
	}
	if m.StackBytes <= 0 {
		m.StackBytes = 16 * 1024
	}
	return &m, nil
}

func writeManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("kernctl: encoding manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("kernctl: writing manifest %s: %w", path, err)
	}
	return nil
}
