//go:build unix

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile maps f read-only, the way the teacher's darwin snapshot code
// (cmd/cc/snapshot_darwin_arm64.go) maps a VM snapshot file rather than
// reading it in one copy.
func mmapFile(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("kernctl: mmap: %w", err)
	}
	return data, nil
}

func munmapFile(data []byte) error {
	return unix.Munmap(data)
}
