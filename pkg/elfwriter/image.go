// Package elfwriter edits the section table of an ELF object held in
// memory and writes the result back.
//
// The original bytes of the object are never moved: sections whose contents
// change, and sections that are created, are appended after them together
// with a new section header table. Only the fields of the ELF header that
// locate the section header table are patched.
package elfwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrNotELF is returned when the input does not start with the ELF magic.
	ErrNotELF = errors.New("not an ELF object")
	// ErrNoShstrtab is returned when the section header string table
	// cannot be resolved.
	ErrNoShstrtab = errors.New("no section header string table")
	// ErrNoSymtab is returned when the object has no .symtab section.
	ErrNoSymtab = errors.New("no .symtab section")
)

// SectionNotFoundError is returned by FindSection.
type SectionNotFoundError struct {
	Name string
}

func (err *SectionNotFoundError) Error() string {
	return fmt.Sprintf("section %q not found", err.Name)
}

// SymbolNotFoundError is returned by FindSectionSymbol.
type SymbolNotFoundError struct {
	Section int
}

func (err *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("no section symbol for section %d", err.Section)
}

// SectionHeader is a decoded section header. Offset and Size describe the
// contents in the original file until the section is rewritten.
type SectionHeader struct {
	NameOff   uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// Image is an ELF object loaded in memory. Sections are referred to by
// their index in the section header table.
type Image struct {
	Class     elf.Class
	ByteOrder binary.ByteOrder
	Type      elf.Type
	Machine   elf.Machine

	raw      []byte
	sections []SectionHeader
	contents map[int][]byte // replaced or created section contents
	shstrndx int
	dirty    bool

	path string
	mode os.FileMode
}

// Open reads the ELF object at path.
func Open(path string) (*Image, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := NewImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.path = path
	img.mode = fi.Mode().Perm()
	return img, nil
}

// NewImage parses data as an ELF object. The image keeps a reference to
// data, which must not be modified afterwards.
func NewImage(data []byte) (*Image, error) {
	if len(data) < elf.EI_NIDENT || !bytes.Equal(data[:4], []byte(elf.ELFMAG)) {
		return nil, ErrNotELF
	}

	// debug/elf does the structural validation, the raw headers are
	// decoded below because the name offsets are needed to rewrite
	// .shstrtab.
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid ELF object: %w", err)
	}
	defer f.Close()

	img := &Image{
		Class:     f.Class,
		ByteOrder: f.ByteOrder,
		Type:      f.Type,
		Machine:   f.Machine,
		raw:       data,
		contents:  make(map[int][]byte),
		mode:      0644,
	}

	shoff, shentsize, shnum, shstrndx, err := img.readFileHeader()
	if err != nil {
		return nil, err
	}

	if shoff > 0 && (shnum == 0 || shstrndx == int(elf.SHN_XINDEX)) {
		// Extended numbering, the real values are in section 0.
		s0, err := img.readSectionHeader(shoff)
		if err != nil {
			return nil, err
		}
		if shnum == 0 {
			shnum = int(s0.Size)
		}
		if shstrndx == int(elf.SHN_XINDEX) {
			shstrndx = int(s0.Link)
		}
	}

	img.sections = make([]SectionHeader, 0, shnum)
	for i := 0; i < shnum; i++ {
		sh, err := img.readSectionHeader(shoff + uint64(i)*uint64(shentsize))
		if err != nil {
			return nil, fmt.Errorf("section header %d: %w", i, err)
		}
		if err := sh.checkAlign(uint64(len(data))); err != nil {
			return nil, fmt.Errorf("section header %d: %w", i, err)
		}
		img.sections = append(img.sections, sh)
	}
	img.shstrndx = shstrndx
	return img, nil
}

func (img *Image) readFileHeader() (shoff uint64, shentsize, shnum, shstrndx int, err error) {
	r := bytes.NewReader(img.raw)
	switch img.Class {
	case elf.ELFCLASS64:
		var hdr elf.Header64
		if err = binary.Read(r, img.ByteOrder, &hdr); err != nil {
			return
		}
		return hdr.Shoff, int(hdr.Shentsize), int(hdr.Shnum), int(hdr.Shstrndx), nil
	case elf.ELFCLASS32:
		var hdr elf.Header32
		if err = binary.Read(r, img.ByteOrder, &hdr); err != nil {
			return
		}
		return uint64(hdr.Shoff), int(hdr.Shentsize), int(hdr.Shnum), int(hdr.Shstrndx), nil
	}
	return 0, 0, 0, 0, fmt.Errorf("unsupported ELF class %v", img.Class)
}

func (img *Image) readSectionHeader(off uint64) (SectionHeader, error) {
	if off > uint64(len(img.raw)) {
		return SectionHeader{}, io.ErrUnexpectedEOF
	}
	r := bytes.NewReader(img.raw[off:])
	if img.Class == elf.ELFCLASS64 {
		var sh elf.Section64
		if err := binary.Read(r, img.ByteOrder, &sh); err != nil {
			return SectionHeader{}, err
		}
		return SectionHeader{
			NameOff:   sh.Name,
			Type:      elf.SectionType(sh.Type),
			Flags:     elf.SectionFlag(sh.Flags),
			Addr:      sh.Addr,
			Offset:    sh.Off,
			Size:      sh.Size,
			Link:      sh.Link,
			Info:      sh.Info,
			Addralign: sh.Addralign,
			Entsize:   sh.Entsize,
		}, nil
	}
	var sh elf.Section32
	if err := binary.Read(r, img.ByteOrder, &sh); err != nil {
		return SectionHeader{}, err
	}
	return SectionHeader{
		NameOff:   sh.Name,
		Type:      elf.SectionType(sh.Type),
		Flags:     elf.SectionFlag(sh.Flags),
		Addr:      uint64(sh.Addr),
		Offset:    uint64(sh.Off),
		Size:      uint64(sh.Size),
		Link:      sh.Link,
		Info:      sh.Info,
		Addralign: uint64(sh.Addralign),
		Entsize:   uint64(sh.Entsize),
	}, nil
}

// checkAlign rejects alignments that are not a power of two. Sections with
// file contents can not be aligned past the size of the file: the rewrite
// pads their new contents to that alignment.
func (sh *SectionHeader) checkAlign(fileSize uint64) error {
	a := sh.Addralign
	if a == 0 {
		return nil
	}
	if a&(a-1) != 0 || (sh.Type != elf.SHT_NOBITS && a > fileSize) {
		return fmt.Errorf("invalid section alignment %#x", a)
	}
	return nil
}

// Path returns the file the image was opened from, if any.
func (img *Image) Path() string {
	return img.path
}

// NumSections returns the number of entries in the section header table,
// including the null section.
func (img *Image) NumSections() int {
	return len(img.sections)
}

// Section returns a copy of the header of section i.
func (img *Image) Section(i int) (SectionHeader, error) {
	if i < 0 || i >= len(img.sections) {
		return SectionHeader{}, fmt.Errorf("section index %d out of range", i)
	}
	return img.sections[i], nil
}

// SectionData returns the contents of section i. SHT_NOBITS sections have
// no contents.
func (img *Image) SectionData(i int) ([]byte, error) {
	sh, err := img.Section(i)
	if err != nil {
		return nil, err
	}
	if data, ok := img.contents[i]; ok {
		return data, nil
	}
	if sh.Type == elf.SHT_NOBITS || sh.Type == elf.SHT_NULL {
		return nil, nil
	}
	if sh.Offset > uint64(len(img.raw)) || sh.Size > uint64(len(img.raw))-sh.Offset {
		return nil, fmt.Errorf("section %d contents out of file bounds", i)
	}
	return img.raw[sh.Offset : sh.Offset+sh.Size], nil
}

// SectionName returns the name of section i, resolved through .shstrtab.
func (img *Image) SectionName(i int) (string, error) {
	strs, err := img.shstrtab()
	if err != nil {
		return "", err
	}
	sh, err := img.Section(i)
	if err != nil {
		return "", err
	}
	return cstring(strs, sh.NameOff)
}

func (img *Image) shstrtab() ([]byte, error) {
	if img.shstrndx <= 0 || img.shstrndx >= len(img.sections) || img.sections[img.shstrndx].Type != elf.SHT_STRTAB {
		return nil, ErrNoShstrtab
	}
	data, err := img.SectionData(img.shstrndx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoShstrtab, err)
	}
	return data, nil
}

func cstring(strs []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(strs)) {
		return "", fmt.Errorf("string offset %#x out of bounds", off)
	}
	end := bytes.IndexByte(strs[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at %#x", off)
	}
	return string(strs[off : int(off)+end]), nil
}

// MarkDirty records that the image has changes that Commit must write.
func (img *Image) MarkDirty() {
	img.dirty = true
}

// Dirty reports whether MarkDirty was called since the image was loaded
// or last committed.
func (img *Image) Dirty() bool {
	return img.dirty
}
