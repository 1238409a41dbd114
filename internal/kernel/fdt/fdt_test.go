package fdt

import (
	"encoding/binary"
	"testing"
)

// testBuilder constructs a minimal big-endian FDT blob using the same
// token/offset layout Parse expects, so these tests exercise the parser
// against the wire format rather than against itself.
type testBuilder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
}

func newTestBuilder() *testBuilder {
	return &testBuilder{stringOff: make(map[string]uint32)}
}

func (b *testBuilder) u32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.structure = append(b.structure, buf[:]...)
}

func (b *testBuilder) str(s string) {
	b.structure = append(b.structure, append([]byte(s), 0)...)
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *testBuilder) addString(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, append([]byte(name), 0)...)
	return off
}

func (b *testBuilder) beginNode(name string) { b.u32(tokenBeginNode); b.str(name) }
func (b *testBuilder) endNode()              { b.u32(tokenEndNode) }

func (b *testBuilder) propU32(name string, v uint32) {
	b.u32(tokenProp)
	b.u32(4)
	b.u32(b.addString(name))
	b.u32(v)
}

func (b *testBuilder) propU64Pair(name string, a, c uint64) {
	b.u32(tokenProp)
	b.u32(16)
	b.u32(b.addString(name))
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], a)
	binary.BigEndian.PutUint64(buf[8:16], c)
	b.structure = append(b.structure, buf[:]...)
}

func (b *testBuilder) propString(name, v string) {
	data := append([]byte(v), 0)
	b.u32(tokenProp)
	b.u32(uint32(len(data)))
	b.u32(b.addString(name))
	b.structure = append(b.structure, data...)
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *testBuilder) build() []byte {
	b.u32(tokenEnd)

	const headerSize = 40
	const rsvmapSize = 16
	structOff := uint32(headerSize)
	rsvmapOff := structOff
	structOff += rsvmapSize
	structSize := uint32(len(b.structure))
	stringsOff := structOff + structSize
	total := stringsOff + uint32(len(b.strings))

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:], magic)
	binary.BigEndian.PutUint32(header[4:], total)
	binary.BigEndian.PutUint32(header[8:], structOff)
	binary.BigEndian.PutUint32(header[12:], stringsOff)
	binary.BigEndian.PutUint32(header[16:], rsvmapOff)
	binary.BigEndian.PutUint32(header[20:], 17)
	binary.BigEndian.PutUint32(header[24:], 16)
	binary.BigEndian.PutUint32(header[28:], 0)
	binary.BigEndian.PutUint32(header[32:], uint32(len(b.strings)))
	binary.BigEndian.PutUint32(header[36:], structSize)

	blob := make([]byte, total)
	copy(blob, header)
	copy(blob[structOff:], b.structure)
	copy(blob[stringsOff:], b.strings)
	return blob
}

func TestParseRootAndChild(t *testing.T) {
	b := newTestBuilder()
	b.beginNode("")
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 2)
	b.beginNode("uart@3f201000")
	b.propString("compatible", "arm,pl011")
	b.propU64Pair("reg", 0x3f201000, 0x1000)
	b.endNode()
	b.endNode()

	blob, err := Parse(b.build())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if blob.Root.Name != "" {
		t.Fatalf("root name = %q, want empty", blob.Root.Name)
	}
	if len(blob.Root.Children) != 1 {
		t.Fatalf("root children = %d, want 1", len(blob.Root.Children))
	}
	uart := blob.Root.Children[0]
	if uart.Name != "uart@3f201000" {
		t.Fatalf("child name = %q", uart.Name)
	}
	compat, ok := uart.Prop("compatible")
	if !ok || string(compat[:len(compat)-1]) != "arm,pl011" {
		t.Fatalf("compatible = %q, ok=%v", compat, ok)
	}
	windows, err := uart.RegWindows(2, 2)
	if err != nil {
		t.Fatalf("RegWindows: %v", err)
	}
	if len(windows) != 1 || windows[0].Address != 0x3f201000 || windows[0].Size != 0x1000 {
		t.Fatalf("windows = %+v", windows)
	}
}

func TestParseBadMagic(t *testing.T) {
	blob := make([]byte, 64)
	if _, err := Parse(blob); err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestParseTruncated(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}
