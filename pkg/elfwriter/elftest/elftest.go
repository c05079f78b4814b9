// Package elftest builds small relocatable ELF objects in memory for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Section describes one section of the generated object.
type Section struct {
	Name      string
	Type      elf.SectionType // defaults to SHT_PROGBITS
	Flags     elf.SectionFlag
	Addr      uint64
	Data      []byte
	Size      uint64 // used instead of len(Data) for SHT_NOBITS
	Addralign uint64
}

// Object describes a relocatable object. The generated file contains a
// null section, the listed sections, then .symtab, .strtab and .shstrtab.
type Object struct {
	Class    elf.Class        // defaults to ELFCLASS64
	Order    binary.ByteOrder // defaults to little endian
	Machine  elf.Machine      // defaults to EM_X86_64
	Sections []Section

	NoSymtab         bool // omit .symtab and .strtab
	NoSectionSymbols bool // keep .symtab but without STT_SECTION entries
	NoShstrtab       bool // set e_shstrndx to SHN_UNDEF
	FuncSymbols      map[string]uint64
}

// Text returns an executable section named .text at addr.
func Text(addr uint64, data []byte) Section {
	return Section{
		Name:      ".text",
		Flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addr:      addr,
		Data:      data,
		Addralign: 16,
	}
}

type shdr struct {
	name      uint32
	typ       elf.SectionType
	flags     elf.SectionFlag
	addr      uint64
	off       uint64
	size      uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
}

type strtab struct {
	bytes.Buffer
}

func (s *strtab) add(name string) uint32 {
	if s.Len() == 0 {
		s.WriteByte(0)
	}
	if name == "" {
		return 0
	}
	off := uint32(s.Len())
	s.WriteString(name)
	s.WriteByte(0)
	return off
}

// Bytes serializes o.
func (o *Object) Bytes() []byte {
	class := o.Class
	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS64
	}
	order := o.Order
	if order == nil {
		order = binary.LittleEndian
	}
	machine := o.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}
	is64 := class == elf.ELFCLASS64

	ehsize, shentsize, symsize := 52, 40, elf.Sym32Size
	if is64 {
		ehsize, shentsize, symsize = 64, 64, elf.Sym64Size
	}

	var (
		body     bytes.Buffer
		shstr    strtab
		str      strtab
		headers  = []shdr{{}}
		symtab   bytes.Buffer
		nsyms    int
		nlocals  int
		writeSym = func(name uint32, info uint8, shndx uint16, value uint64) {
			if is64 {
				binary.Write(&symtab, order, elf.Sym64{Name: name, Info: info, Shndx: shndx, Value: value})
			} else {
				binary.Write(&symtab, order, elf.Sym32{Name: name, Info: info, Shndx: shndx, Value: uint32(value)})
			}
			nsyms++
		}
	)
	shstr.add("")
	str.add("")
	body.Write(make([]byte, ehsize))

	place := func(h shdr, data []byte) int {
		if h.typ != elf.SHT_NOBITS {
			align := h.addralign
			if align == 0 {
				align = 1
			}
			for uint64(body.Len())%align != 0 {
				body.WriteByte(0)
			}
			h.off = uint64(body.Len())
			h.size = uint64(len(data))
			body.Write(data)
		} else {
			h.off = uint64(body.Len())
		}
		headers = append(headers, h)
		return len(headers) - 1
	}

	for _, s := range o.Sections {
		typ := s.Type
		if typ == elf.SHT_NULL {
			typ = elf.SHT_PROGBITS
		}
		place(shdr{
			name:      shstr.add(s.Name),
			typ:       typ,
			flags:     s.Flags,
			addr:      s.Addr,
			size:      s.Size,
			addralign: s.Addralign,
		}, s.Data)
	}

	if !o.NoSymtab {
		writeSym(0, 0, 0, 0)
		if !o.NoSectionSymbols {
			for i := range o.Sections {
				writeSym(0, elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION), uint16(i+1), 0)
			}
		}
		nlocals = nsyms
		for name, value := range o.FuncSymbols {
			writeSym(str.add(name), elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), 1, value)
		}
		symidx := len(headers)
		place(shdr{
			name:      shstr.add(".symtab"),
			typ:       elf.SHT_SYMTAB,
			link:      uint32(symidx + 1),
			info:      uint32(nlocals),
			addralign: 8,
			entsize:   uint64(symsize),
		}, symtab.Bytes())
		place(shdr{name: shstr.add(".strtab"), typ: elf.SHT_STRTAB, addralign: 1}, str.Bytes())
	}

	shstrndx := len(headers)
	shstrName := shstr.add(".shstrtab")
	place(shdr{name: shstrName, typ: elf.SHT_STRTAB, addralign: 1}, shstr.Bytes())
	if o.NoShstrtab {
		shstrndx = 0
	}

	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	shoff := body.Len()
	for _, h := range headers {
		if is64 {
			binary.Write(&body, order, elf.Section64{
				Name: h.name, Type: uint32(h.typ), Flags: uint64(h.flags),
				Addr: h.addr, Off: h.off, Size: h.size, Link: h.link, Info: h.info,
				Addralign: h.addralign, Entsize: h.entsize,
			})
		} else {
			binary.Write(&body, order, elf.Section32{
				Name: h.name, Type: uint32(h.typ), Flags: uint32(h.flags),
				Addr: uint32(h.addr), Off: uint32(h.off), Size: uint32(h.size), Link: h.link, Info: h.info,
				Addralign: uint32(h.addralign), Entsize: uint32(h.entsize),
			})
		}
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	if order == binary.BigEndian {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var hdr bytes.Buffer
	if is64 {
		binary.Write(&hdr, order, elf.Header64{
			Ident: ident, Type: uint16(elf.ET_REL), Machine: uint16(machine), Version: uint32(elf.EV_CURRENT),
			Shoff: uint64(shoff), Ehsize: uint16(ehsize), Shentsize: uint16(shentsize),
			Shnum: uint16(len(headers)), Shstrndx: uint16(shstrndx),
		})
	} else {
		binary.Write(&hdr, order, elf.Header32{
			Ident: ident, Type: uint16(elf.ET_REL), Machine: uint16(machine), Version: uint32(elf.EV_CURRENT),
			Shoff: uint32(shoff), Ehsize: uint16(ehsize), Shentsize: uint16(shentsize),
			Shnum: uint16(len(headers)), Shstrndx: uint16(shstrndx),
		})
	}
	out := body.Bytes()
	copy(out, hdr.Bytes())
	return out
}
