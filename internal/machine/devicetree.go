package machine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// dtProp describes a single device-tree property value. Exactly one field
// should be populated per property; buildFlatTree rejects anything else as a
// programmer error in the machine's own node construction, since there is no
// untrusted input path here.
type dtProp struct {
	strings []string
	u32     []uint32
	u64     []uint64
	bytes   []byte
	flag    bool
}

func (p dtProp) kind() string {
	switch {
	case len(p.strings) > 0:
		return "strings"
	case len(p.u32) > 0:
		return "u32"
	case len(p.u64) > 0:
		return "u64"
	case len(p.bytes) > 0:
		return "bytes"
	case p.flag:
		return "flag"
	default:
		return ""
	}
}

func (p dtProp) definedCount() int {
	count := 0
	if len(p.strings) > 0 {
		count++
	}
	if len(p.u32) > 0 {
		count++
	}
	if len(p.u64) > 0 {
		count++
	}
	if len(p.bytes) > 0 {
		count++
	}
	if p.flag {
		count++
	}
	return count
}

// dtNode is one node in the machine's device tree, built directly out of the
// Machine's own hart/bus/interrupt-controller topology rather than a
// general-purpose tree type imported from elsewhere.
type dtNode struct {
	name       string
	properties map[string]dtProp
	children   []dtNode
}

const (
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtMagic       = 0xd00dfeed

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtEndToken       = 0x9
)

// buildFlatTree serializes root into a flattened device tree blob (the format
// RISC-V firmware expects at the a1 boot register), using this machine's own
// node/property shape rather than a reusable library API.
func buildFlatTree(root dtNode) ([]byte, error) {
	b := &flatTreeBuilder{stringsOff: make(map[string]uint32)}
	if err := b.emitNode(root); err != nil {
		return nil, err
	}
	return b.finish(), nil
}

type flatTreeBuilder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (b *flatTreeBuilder) emitNode(n dtNode) error {
	b.beginNode(n.name)

	if len(n.properties) > 0 {
		keys := make([]string, 0, len(n.properties))
		for name := range n.properties {
			keys = append(keys, name)
		}
		sort.Strings(keys)
		for _, name := range keys {
			if err := b.emitProperty(name, n.properties[name]); err != nil {
				return err
			}
		}
	}

	for _, child := range n.children {
		if err := b.emitNode(child); err != nil {
			return err
		}
	}

	b.endNode()
	return nil
}

func (b *flatTreeBuilder) emitProperty(name string, prop dtProp) error {
	if prop.definedCount() == 0 {
		return fmt.Errorf("device-tree property %q has no values", name)
	}
	if prop.definedCount() > 1 {
		return fmt.Errorf("device-tree property %q has multiple value kinds", name)
	}
	var data []byte
	switch prop.kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range prop.strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		data = buf.Bytes()
	case "u32":
		data = make([]byte, 0, len(prop.u32)*4)
		for _, v := range prop.u32 {
			var tmp [4]byte
			binary.BigEndian.PutUint32(tmp[:], v)
			data = append(data, tmp[:]...)
		}
	case "u64":
		data = make([]byte, 0, len(prop.u64)*8)
		for _, v := range prop.u64 {
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], v)
			data = append(data, tmp[:]...)
		}
	case "bytes":
		data = append(data, prop.bytes...)
	case "flag":
		data = nil
	default:
		return fmt.Errorf("device-tree property %q has unsupported kind %q", name, prop.kind())
	}
	b.property(name, data)
	return nil
}

func (b *flatTreeBuilder) beginNode(name string) {
	b.writeToken(fdtBeginNodeToken)
	b.structBuf.WriteString(name)
	b.structBuf.WriteByte(0)
	b.padStruct()
}

func (b *flatTreeBuilder) endNode() {
	b.writeToken(fdtEndNodeToken)
}

func (b *flatTreeBuilder) property(name string, value []byte) {
	b.writeToken(fdtPropToken)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(value)))
	b.structBuf.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], b.stringOffset(name))
	b.structBuf.Write(tmp[:])
	b.structBuf.Write(value)
	b.padStruct()
}

func (b *flatTreeBuilder) finish() []byte {
	b.writeToken(fdtEndToken)
	b.padStruct()

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()

	memReserve := make([]byte, 16)

	offMemReserve := fdtHeaderSize
	offStruct := offMemReserve + len(memReserve)
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	header := blob[:fdtHeaderSize]
	binary.BigEndian.PutUint32(header[0:4], fdtMagic)
	binary.BigEndian.PutUint32(header[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(header[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(header[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(header[16:20], uint32(offMemReserve))
	binary.BigEndian.PutUint32(header[20:24], fdtVersion)
	binary.BigEndian.PutUint32(header[24:28], fdtLastCompVer)
	binary.BigEndian.PutUint32(header[28:32], 0)
	binary.BigEndian.PutUint32(header[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(header[36:40], uint32(len(structBytes)))

	copy(blob[offMemReserve:], memReserve)
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)

	return blob
}

func (b *flatTreeBuilder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *flatTreeBuilder) writeToken(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	b.structBuf.Write(tmp[:])
}

func (b *flatTreeBuilder) padStruct() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}
