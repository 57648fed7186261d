package fdt

import "encoding/binary"

const (
	magic      = 0xd00dfeed
	version    = 17
	lastCompat = 16

	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenEnd       = 0x00000009

	headerSize = 40
)

// builder accumulates the structure and strings blocks while serializing a
// Node tree, deduplicating property names in the strings block.
type builder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
}

// Build serializes root into a complete FDT blob, big-endian as the format
// requires.
func Build(root Node) []byte {
	b := &builder{stringOff: make(map[string]uint32)}
	b.emitNode(root)
	b.appendU32(tokenEnd)
	return b.finish()
}

func (b *builder) emitNode(n Node) {
	b.appendU32(tokenBeginNode)
	b.appendCString(n.Name)
	for _, p := range n.Properties {
		b.emitProperty(p.Name, p.Value)
	}
	for _, child := range n.Children {
		b.emitNode(child)
	}
	b.appendU32(tokenEndNode)
}

func (b *builder) emitProperty(name string, p Property) {
	var data []byte
	switch {
	case p.haveU64:
		data = make([]byte, 16)
		binary.BigEndian.PutUint64(data[0:], p.U64Pair[0])
		binary.BigEndian.PutUint64(data[8:], p.U64Pair[1])
	default:
		for _, s := range p.Strings {
			data = append(data, s...)
			data = append(data, 0)
		}
	}

	b.appendU32(tokenProp)
	b.appendU32(uint32(len(data)))
	b.appendU32(b.internString(name))
	b.appendBytes(data)
}

func (b *builder) finish() []byte {
	memRsvmapOff := uint32(headerSize)
	memRsvmapSize := uint32(16) // empty reservation list terminator
	structOff := memRsvmapOff + memRsvmapSize
	structSize := uint32(len(b.structure))
	stringsOff := structOff + structSize
	stringsSize := uint32(len(b.strings))
	total := stringsOff + stringsSize

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:], magic)
	binary.BigEndian.PutUint32(header[4:], total)
	binary.BigEndian.PutUint32(header[8:], structOff)
	binary.BigEndian.PutUint32(header[12:], stringsOff)
	binary.BigEndian.PutUint32(header[16:], memRsvmapOff)
	binary.BigEndian.PutUint32(header[20:], version)
	binary.BigEndian.PutUint32(header[24:], lastCompat)
	binary.BigEndian.PutUint32(header[28:], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(header[32:], stringsSize)
	binary.BigEndian.PutUint32(header[36:], structSize)

	blob := make([]byte, total)
	copy(blob, header)
	copy(blob[structOff:], b.structure)
	copy(blob[stringsOff:], b.strings)
	return blob
}

func (b *builder) appendU32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.structure = append(b.structure, tmp[:]...)
}

func (b *builder) appendCString(s string) {
	b.structure = append(b.structure, s...)
	b.structure = append(b.structure, 0)
	b.pad()
}

func (b *builder) appendBytes(data []byte) {
	b.structure = append(b.structure, data...)
	b.pad()
}

func (b *builder) pad() {
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *builder) internString(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	return off
}

// BootParams describes the guest-facing data the boot FDT conveys.
type BootParams struct {
	RAMStart   uint64
	MemorySize uint64
	Bootargs   string
	AppArgs    []string
	Env        []string
}

// BuildBootTree assembles the memory/chosen device tree for a Hermit-family
// guest and serializes it. The guest reads RAM_START/size from the memory
// node's reg property and the command line, app arguments and host
// environment from chosen.
func BuildBootTree(p BootParams) []byte {
	root := Node{Name: ""}

	mem := Node{Name: "memory"}
	mem.AddProperty("device_type", StringProperty("memory"))
	mem.AddProperty("reg", U64PairProperty(p.RAMStart, p.MemorySize))
	root.AddChild(mem)

	chosen := Node{Name: "chosen"}
	chosen.AddProperty("bootargs", StringProperty(p.Bootargs))
	chosen.AddProperty("app-args", StringListProperty(p.AppArgs))
	chosen.AddProperty("environment", StringListProperty(p.Env))
	root.AddChild(chosen)

	return Build(root)
}
