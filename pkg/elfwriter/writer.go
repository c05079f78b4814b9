package elfwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// writer accumulates the output image. The first error is kept in err and
// later writes are dropped.
type writer struct {
	buf   bytes.Buffer
	order binary.ByteOrder
	err   error
}

// Here returns the current offset from the start of the file.
func (w *writer) Here() int64 {
	return int64(w.buf.Len())
}

// Align writes as many padding bytes as needed to make the current file
// offset a multiple of align.
func (w *writer) Align(align int64) {
	if align <= 1 {
		return
	}
	off := w.Here()
	alignOff := (off + (align - 1)) / align * align
	if alignOff-off > 0 {
		w.Write(make([]byte, alignOff-off))
	}
}

func (w *writer) Write(buf []byte) {
	if w.err != nil {
		return
	}
	w.buf.Write(buf)
}

func (w *writer) put(v interface{}) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(&w.buf, w.order, v)
}

func (w *writer) u16at(off int, n uint16) { w.order.PutUint16(w.buf.Bytes()[off:], n) }
func (w *writer) u32at(off int, n uint32) { w.order.PutUint32(w.buf.Bytes()[off:], n) }
func (w *writer) u64at(off int, n uint64) { w.order.PutUint64(w.buf.Bytes()[off:], n) }

// WriteTo writes the image, with every created or modified section, to out.
func (img *Image) WriteTo(out io.Writer) (int64, error) {
	data, err := img.bytes()
	if err != nil {
		return 0, err
	}
	n, err := out.Write(data)
	return int64(n), err
}

func (img *Image) bytes() ([]byte, error) {
	w := &writer{order: img.ByteOrder}
	w.Write(img.raw)

	sections := make([]SectionHeader, len(img.sections))
	copy(sections, img.sections)

	for i := range sections {
		data, ok := img.contents[i]
		if !ok {
			continue
		}
		w.Align(int64(sections[i].Addralign))
		sections[i].Offset = uint64(w.Here())
		sections[i].Size = uint64(len(data))
		w.Write(data)
	}

	is64 := img.Class == elf.ELFCLASS64
	shentsize := 40
	if is64 {
		shentsize = 64
		w.Align(8)
	} else {
		w.Align(4)
	}
	shoff := w.Here()

	shnum, shstrndx := len(sections), img.shstrndx
	if len(sections) > 0 {
		// Extended numbering keeps the real values in section 0.
		if shnum >= int(elf.SHN_LORESERVE) {
			sections[0].Size = uint64(shnum)
			shnum = 0
		} else {
			sections[0].Size = 0
		}
		if shstrndx >= int(elf.SHN_LORESERVE) {
			sections[0].Link = uint32(shstrndx)
			shstrndx = int(elf.SHN_XINDEX)
		} else {
			sections[0].Link = 0
		}
	}

	for _, sh := range sections {
		if is64 {
			w.put(elf.Section64{
				Name:      sh.NameOff,
				Type:      uint32(sh.Type),
				Flags:     uint64(sh.Flags),
				Addr:      sh.Addr,
				Off:       sh.Offset,
				Size:      sh.Size,
				Link:      sh.Link,
				Info:      sh.Info,
				Addralign: sh.Addralign,
				Entsize:   sh.Entsize,
			})
			continue
		}
		if sh.Offset > 0xffffffff || sh.Size > 0xffffffff {
			return nil, fmt.Errorf("section at %#x does not fit ELFCLASS32", sh.Offset)
		}
		w.put(elf.Section32{
			Name:      sh.NameOff,
			Type:      uint32(sh.Type),
			Flags:     uint32(sh.Flags),
			Addr:      uint32(sh.Addr),
			Off:       uint32(sh.Offset),
			Size:      uint32(sh.Size),
			Link:      sh.Link,
			Info:      sh.Info,
			Addralign: uint32(sh.Addralign),
			Entsize:   uint32(sh.Entsize),
		})
	}
	if w.err != nil {
		return nil, w.err
	}

	// Patch File Header
	if is64 {
		w.u64at(0x28, uint64(shoff)) // e_shoff
		w.u16at(0x3a, uint16(shentsize))
		w.u16at(0x3c, uint16(shnum))
		w.u16at(0x3e, uint16(shstrndx))
	} else {
		if shoff > 0xffffffff {
			return nil, fmt.Errorf("section header table offset %#x does not fit ELFCLASS32", shoff)
		}
		w.u32at(0x20, uint32(shoff)) // e_shoff
		w.u16at(0x2e, uint16(shentsize))
		w.u16at(0x30, uint16(shnum))
		w.u16at(0x32, uint16(shstrndx))
	}
	return w.buf.Bytes(), nil
}

// Commit writes the image to path if it is dirty. The new contents are
// written to a temporary file in the same directory which is then renamed
// over path, so path is never left half written.
func (img *Image) Commit(path string) error {
	if !img.dirty {
		return nil
	}
	data, err := img.bytes()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpname := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpname)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(img.mode); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpname)
		return err
	}
	if err := os.Rename(tmpname, path); err != nil {
		os.Remove(tmpname)
		return err
	}

	// The committed file is now the baseline.
	re, err := NewImage(data)
	if err != nil {
		return fmt.Errorf("reloading committed image: %w", err)
	}
	re.path, re.mode = path, img.mode
	*img = *re
	return nil
}
