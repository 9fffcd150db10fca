package testingx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"testing"
)

// Symbol is a dynamic symbol definition written by WriteELF.
type Symbol struct {
	Name  string
	Value uint64
}

// ELF describes a minimal little-endian ELF64 shared object. It holds just
// enough for debug/elf to read its dynamic symbols, notes, debug link and
// interpreter, which spares the tests from carrying binary fixtures.
type ELF struct {
	// Machine defaults to EM_X86_64.
	Machine elf.Machine
	// BuildID in hex. No build-id note is written when empty.
	BuildID string
	// Symbols defined in .dynsym, in order.
	Symbols []Symbol
	// Undefined symbols, written after the defined ones.
	Undefined []string
	// Needed libraries, written as DT_NEEDED entries of a .dynamic
	// section. Ignored with NoDynsym.
	Needed []string
	// NoDynsym omits the .dynsym section entirely.
	NoDynsym bool
	// Interp adds a PT_INTERP segment with the given path.
	Interp string
	// DebugLink adds a .gnu_debuglink section with the given file name.
	DebugLink string
}

// WriteELF writes the described ELF file at path. See WriteFile.
func WriteELF(t *testing.T, path string, e ELF) {
	t.Helper()
	raw, err := e.Bytes()
	if err != nil {
		t.Fatalf(`building ELF for %q: %s`, path, err)
	}
	WriteFile(t, path, raw)
}

type section struct {
	name string
	hdr  elf.Section64
	data []byte
}

// Bytes renders the ELF file.
func (e ELF) Bytes() ([]byte, error) {
	machine := e.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}

	const (
		ehsize    = 64
		phentsize = 56
		shentsize = 64
		textIndex = 1
	)

	// Sections, the null one first. The index of each section must be
	// known before the symbol table and the links are written.
	sections := []*section{{}}
	add := func(s *section) uint32 {
		sections = append(sections, s)
		return uint32(len(sections) - 1)
	}

	add(&section{
		name: ".text",
		hdr: elf.Section64{
			Type:      uint32(elf.SHT_NOBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Size:      0x200000,
			Addralign: 16,
		},
	})

	if !e.NoDynsym {
		dynstr := []byte{0}
		name := func(s string) uint32 {
			off := uint32(len(dynstr))
			dynstr = append(dynstr, s...)
			dynstr = append(dynstr, 0)
			return off
		}

		var dynsym bytes.Buffer
		binary.Write(&dynsym, binary.LittleEndian, elf.Sym64{})
		for _, s := range e.Symbols {
			binary.Write(&dynsym, binary.LittleEndian, elf.Sym64{
				Name:  name(s.Name),
				Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
				Shndx: textIndex,
				Value: s.Value,
				Size:  16,
			})
		}
		for _, s := range e.Undefined {
			binary.Write(&dynsym, binary.LittleEndian, elf.Sym64{
				Name:  name(s),
				Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
				Shndx: uint16(elf.SHN_UNDEF),
			})
		}

		var dynamic bytes.Buffer
		for _, n := range e.Needed {
			binary.Write(&dynamic, binary.LittleEndian, elf.Dyn64{
				Tag: int64(elf.DT_NEEDED),
				Val: uint64(name(n)),
			})
		}
		binary.Write(&dynamic, binary.LittleEndian, elf.Dyn64{Tag: int64(elf.DT_NULL)})

		strIndex := add(&section{
			name: ".dynstr",
			hdr: elf.Section64{
				Type:      uint32(elf.SHT_STRTAB),
				Flags:     uint64(elf.SHF_ALLOC),
				Addralign: 1,
			},
			data: dynstr,
		})
		add(&section{
			name: ".dynsym",
			hdr: elf.Section64{
				Type:      uint32(elf.SHT_DYNSYM),
				Flags:     uint64(elf.SHF_ALLOC),
				Link:      strIndex,
				Info:      1,
				Addralign: 8,
				Entsize:   elf.Sym64Size,
			},
			data: dynsym.Bytes(),
		})
		if len(e.Needed) > 0 {
			add(&section{
				name: ".dynamic",
				hdr: elf.Section64{
					Type:      uint32(elf.SHT_DYNAMIC),
					Flags:     uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
					Link:      strIndex,
					Addralign: 8,
					Entsize:   16,
				},
				data: dynamic.Bytes(),
			})
		}
	}

	if e.BuildID != "" {
		id, err := hex.DecodeString(e.BuildID)
		if err != nil {
			return nil, fmt.Errorf("decoding build-id: %w", err)
		}

		var note bytes.Buffer
		binary.Write(&note, binary.LittleEndian, [3]uint32{4, uint32(len(id)), 3})
		note.WriteString("GNU\x00")
		note.Write(id)
		for note.Len()%4 != 0 {
			note.WriteByte(0)
		}

		add(&section{
			name: ".note.gnu.build-id",
			hdr: elf.Section64{
				Type:      uint32(elf.SHT_NOTE),
				Flags:     uint64(elf.SHF_ALLOC),
				Addralign: 4,
			},
			data: note.Bytes(),
		})
	}

	if e.DebugLink != "" {
		data := append([]byte(e.DebugLink), 0)
		for len(data)%4 != 0 {
			data = append(data, 0)
		}
		// The CRC isn't checked by anything reading these files.
		data = append(data, 0, 0, 0, 0)

		add(&section{
			name: ".gnu_debuglink",
			hdr: elf.Section64{
				Type:      uint32(elf.SHT_PROGBITS),
				Addralign: 4,
			},
			data: data,
		})
	}

	var interpIndex uint32
	if e.Interp != "" {
		interpIndex = add(&section{
			name: ".interp",
			hdr: elf.Section64{
				Type:      uint32(elf.SHT_PROGBITS),
				Flags:     uint64(elf.SHF_ALLOC),
				Addralign: 1,
			},
			data: append([]byte(e.Interp), 0),
		})
	}

	shstrtab := &section{
		name: ".shstrtab",
		hdr: elf.Section64{
			Type:      uint32(elf.SHT_STRTAB),
			Addralign: 1,
		},
	}
	shstrndx := add(shstrtab)

	names := []byte{0}
	for _, s := range sections[1:] {
		s.hdr.Name = uint32(len(names))
		names = append(names, s.name...)
		names = append(names, 0)
	}
	shstrtab.data = names

	// Layout: header, program headers, section contents, section headers.
	var phnum uint16
	if e.Interp != "" {
		phnum = 1
	}

	off := uint64(ehsize) + uint64(phnum)*phentsize
	for _, s := range sections[1:] {
		if elf.SectionType(s.hdr.Type) == elf.SHT_NOBITS {
			s.hdr.Off = off
			continue
		}
		off = alignUp(off, 8)
		s.hdr.Off = off
		s.hdr.Size = uint64(len(s.data))
		off += s.hdr.Size
	}
	shoff := alignUp(off, 8)

	var buf bytes.Buffer
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var phoff uint64
	if phnum > 0 {
		phoff = ehsize
	}

	binary.Write(&buf, binary.LittleEndian, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     phoff,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     phnum,
		Shentsize: shentsize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(shstrndx),
	})

	if phnum > 0 {
		interp := sections[interpIndex]
		binary.Write(&buf, binary.LittleEndian, elf.Prog64{
			Type:   uint32(elf.PT_INTERP),
			Flags:  uint32(elf.PF_R),
			Off:    interp.hdr.Off,
			Filesz: interp.hdr.Size,
			Memsz:  interp.hdr.Size,
			Align:  1,
		})
	}

	for _, s := range sections[1:] {
		if elf.SectionType(s.hdr.Type) == elf.SHT_NOBITS {
			continue
		}
		pad(&buf, s.hdr.Off)
		buf.Write(s.data)
	}

	pad(&buf, shoff)
	for _, s := range sections {
		binary.Write(&buf, binary.LittleEndian, s.hdr)
	}

	return buf.Bytes(), nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// pad the buffer with zeroes up to the given offset.
func pad(buf *bytes.Buffer, off uint64) {
	for uint64(buf.Len()) < off {
		buf.WriteByte(0)
	}
}

// LoadSymbols reads the defined dynamic symbols of the ELF file at path,
// directly through debug/elf.
func LoadSymbols(t *testing.T, path string) map[string]uint64 {
	t.Helper()
	f, err := elf.Open(path)
	if err != nil {
		t.Fatalf(`opening ELF %q: %s`, path, err)
	}
	defer f.Close()

	symbols, err := f.DynamicSymbols()
	if err != nil {
		t.Fatalf(`reading dynamic symbols of %q: %s`, path, err)
	}

	table := make(map[string]uint64)
	for _, s := range symbols {
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		if _, ok := table[s.Name]; !ok {
			table[s.Name] = s.Value
		}
	}
	return table
}
