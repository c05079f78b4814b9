package elfwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"
)

// FindSection returns the index of the first section called name.
func (img *Image) FindSection(name string) (int, error) {
	strs, err := img.shstrtab()
	if err != nil {
		return -1, err
	}
	for i := range img.sections {
		n, err := cstring(strs, img.sections[i].NameOff)
		if err != nil {
			continue
		}
		if n == name {
			return i, nil
		}
	}
	return -1, &SectionNotFoundError{Name: name}
}

func (img *Image) symtabIndex() (int, error) {
	for i := range img.sections {
		if img.sections[i].Type == elf.SHT_SYMTAB {
			return i, nil
		}
	}
	return -1, ErrNoSymtab
}

// FindSectionSymbol returns the index in .symtab of the first STT_SECTION
// symbol defined in section shndx.
func (img *Image) FindSectionSymbol(shndx int) (int, error) {
	symtab, err := img.symtabIndex()
	if err != nil {
		return -1, err
	}
	data, err := img.SectionData(symtab)
	if err != nil {
		return -1, err
	}

	// Symbols defined in sections >= SHN_LORESERVE keep their real index in
	// a SHT_SYMTAB_SHNDX section linked to the symbol table.
	var xindex []byte
	for i := range img.sections {
		if img.sections[i].Type == elf.SHT_SYMTAB_SHNDX && int(img.sections[i].Link) == symtab {
			if xindex, err = img.SectionData(i); err != nil {
				return -1, err
			}
			break
		}
	}

	r := bytes.NewReader(data)
	for i := 0; r.Len() > 0; i++ {
		var (
			info uint8
			idx  uint16
		)
		if img.Class == elf.ELFCLASS64 {
			var sym elf.Sym64
			if err := binary.Read(r, img.ByteOrder, &sym); err != nil {
				return -1, fmt.Errorf("symbol %d: %w", i, err)
			}
			info, idx = sym.Info, sym.Shndx
		} else {
			var sym elf.Sym32
			if err := binary.Read(r, img.ByteOrder, &sym); err != nil {
				return -1, fmt.Errorf("symbol %d: %w", i, err)
			}
			info, idx = sym.Info, sym.Shndx
		}
		if elf.ST_TYPE(info) != elf.STT_SECTION {
			continue
		}
		symshndx := int(idx)
		if elf.SectionIndex(idx) == elf.SHN_XINDEX && len(xindex) >= 4*(i+1) {
			symshndx = int(img.ByteOrder.Uint32(xindex[4*i:]))
		}
		if symshndx == shndx {
			return i, nil
		}
	}
	return -1, &SymbolNotFoundError{Section: shndx}
}

// headerTx stages the two header updates needed to add a section: the new
// header itself and the grown .shstrtab. Nothing is visible in the image
// until commit.
type headerTx struct {
	img *Image

	// section count and .shstrtab size the update was built against
	nsections int
	shstrndx  int
	baseSize  uint64

	shstrtab []byte

	hdr  SectionHeader
	data []byte
}

func (img *Image) begin(name string) (*headerTx, error) {
	strs, err := img.shstrtab()
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte([]byte(name), 0) >= 0 {
		return nil, fmt.Errorf("section name %q contains NUL", name)
	}
	if uint64(len(strs)) > math.MaxUint32 {
		return nil, fmt.Errorf("section header string table too large")
	}

	tx := &headerTx{img: img, nsections: len(img.sections), shstrndx: img.shstrndx, baseSize: uint64(len(strs))}
	tx.shstrtab = make([]byte, 0, len(strs)+len(name)+1)
	tx.shstrtab = append(tx.shstrtab, strs...)
	tx.hdr.NameOff = uint32(len(tx.shstrtab))
	tx.shstrtab = append(tx.shstrtab, name...)
	tx.shstrtab = append(tx.shstrtab, 0)
	return tx, nil
}

// commit applies both header updates, or none of them.
func (tx *headerTx) commit() (int, error) {
	img := tx.img
	if len(img.sections) != tx.nsections || img.shstrndx != tx.shstrndx || img.sections[tx.shstrndx].Size != tx.baseSize {
		return -1, fmt.Errorf("section headers changed since the update was staged")
	}
	if tx.hdr.Type != elf.SHT_NOBITS && tx.hdr.Size != uint64(len(tx.data)) {
		return -1, fmt.Errorf("section size %d does not match contents (%d bytes)", tx.hdr.Size, len(tx.data))
	}
	if uint64(len(img.sections)) >= math.MaxUint32 {
		return -1, fmt.Errorf("too many sections")
	}

	img.contents[tx.shstrndx] = tx.shstrtab
	img.sections[tx.shstrndx].Size = uint64(len(tx.shstrtab))
	img.sections = append(img.sections, tx.hdr)
	idx := len(img.sections) - 1
	if tx.data != nil {
		img.contents[idx] = tx.data
	}
	return idx, nil
}

// CreateSection adds an empty section called name and returns its index.
func (img *Image) CreateSection(name string) (int, error) {
	tx, err := img.begin(name)
	if err != nil {
		return -1, err
	}
	return tx.commit()
}

// CreateProgbitsSection adds an allocated SHT_PROGBITS section holding data.
func (img *Image) CreateProgbitsSection(name string, data []byte) (int, error) {
	tx, err := img.begin(name)
	if err != nil {
		return -1, err
	}
	tx.hdr.Type = elf.SHT_PROGBITS
	tx.hdr.Flags = elf.SHF_ALLOC
	tx.hdr.Addralign = 1
	tx.hdr.Size = uint64(len(data))
	tx.data = data
	return tx.commit()
}

// CreateRelaSection adds a SHT_RELA section holding relocations for the
// section at index target, against symbols of .symtab.
func (img *Image) CreateRelaSection(name string, target int, data []byte) (int, error) {
	symtab, err := img.symtabIndex()
	if err != nil {
		return -1, err
	}
	if target <= 0 || target >= len(img.sections) {
		return -1, fmt.Errorf("relocation target section %d out of range", target)
	}
	tx, err := img.begin(name)
	if err != nil {
		return -1, err
	}
	tx.hdr.Type = elf.SHT_RELA
	tx.hdr.Flags = elf.SHF_INFO_LINK
	tx.hdr.Link = uint32(symtab)
	tx.hdr.Info = uint32(target)
	tx.hdr.Addralign = 8
	tx.hdr.Entsize = img.relaSize()
	tx.hdr.Size = uint64(len(data))
	tx.data = data
	if tx.hdr.Size%tx.hdr.Entsize != 0 {
		return -1, fmt.Errorf("relocation data is not a multiple of %d bytes", tx.hdr.Entsize)
	}
	return tx.commit()
}

// ReplaceSectionData replaces the contents of section i. The new contents
// are written after the original file contents on commit.
func (img *Image) ReplaceSectionData(i int, data []byte) error {
	sh, err := img.Section(i)
	if err != nil {
		return err
	}
	if i == 0 || sh.Type == elf.SHT_NOBITS {
		return fmt.Errorf("section %d has no contents to replace", i)
	}
	if sh.Type == elf.SHT_RELA && sh.Entsize > 0 && uint64(len(data))%sh.Entsize != 0 {
		return fmt.Errorf("relocation data is not a multiple of %d bytes", sh.Entsize)
	}
	img.contents[i] = data
	img.sections[i].Size = uint64(len(data))
	return nil
}

// FindRelaSection returns the index of the SHT_RELA section that holds
// relocations for section target.
func (img *Image) FindRelaSection(target int) (int, error) {
	for i := range img.sections {
		if img.sections[i].Type == elf.SHT_RELA && int(img.sections[i].Info) == target {
			return i, nil
		}
	}
	return -1, &SectionNotFoundError{Name: fmt.Sprintf("relocations for section %d", target)}
}
