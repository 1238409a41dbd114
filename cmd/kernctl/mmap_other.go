//go:build !unix

package main

import "os"

// mmapFile falls back to a plain read on non-unix hosts (mirroring the
// teacher's cmd/cc/snapshot_other.go stub for platforms without the
// darwin-specific snapshot path).
func mmapFile(f *os.File, size int) ([]byte, error) {
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil {
		return nil, err
	}
	return data, nil
}

func munmapFile(data []byte) error { return nil }
