package elfwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dwarfsynth/ehsynth/pkg/elfwriter/elftest"
)

func fixture(o elftest.Object) []byte {
	if o.Sections == nil {
		o.Sections = []elftest.Section{elftest.Text(0x1300, make([]byte, 0x100))}
	}
	return o.Bytes()
}

func mustImage(t *testing.T, data []byte) *Image {
	t.Helper()
	img, err := NewImage(data)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestNotELF(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("\x7fELF"), bytes.Repeat([]byte("#!/bin/sh\n"), 10)} {
		if _, err := NewImage(data); !errors.Is(err, ErrNotELF) {
			t.Errorf("%q: expected ErrNotELF, got %v", data, err)
		}
	}
}

func TestFindSection(t *testing.T) {
	img := mustImage(t, fixture(elftest.Object{}))

	idx, err := img.FindSection(".text")
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Errorf("expected .text at index 1, got %d", idx)
	}
	sh, _ := img.Section(idx)
	if sh.Addr != 0x1300 || sh.Size != 0x100 || sh.Flags&elf.SHF_EXECINSTR == 0 {
		t.Errorf("unexpected .text header %+v", sh)
	}

	_, err = img.FindSection(".eh_frame")
	var notfound *SectionNotFoundError
	if !errors.As(err, &notfound) || notfound.Name != ".eh_frame" {
		t.Errorf("expected SectionNotFoundError, got %v", err)
	}

	img = mustImage(t, fixture(elftest.Object{NoShstrtab: true}))
	if _, err := img.FindSection(".text"); !errors.Is(err, ErrNoShstrtab) {
		t.Errorf("expected ErrNoShstrtab, got %v", err)
	}
}

func TestFindSectionSymbol(t *testing.T) {
	img := mustImage(t, fixture(elftest.Object{
		Sections: []elftest.Section{
			elftest.Text(0x1000, make([]byte, 16)),
			{Name: ".data", Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Data: make([]byte, 8)},
		},
	}))
	for shndx, want := range map[int]int{1: 1, 2: 2} {
		got, err := img.FindSectionSymbol(shndx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("section %d: got symbol %d want %d", shndx, got, want)
		}
	}
	_, err := img.FindSectionSymbol(7)
	var notfound *SymbolNotFoundError
	if !errors.As(err, &notfound) {
		t.Errorf("expected SymbolNotFoundError, got %v", err)
	}

	img = mustImage(t, fixture(elftest.Object{NoSymtab: true}))
	if _, err := img.FindSectionSymbol(1); !errors.Is(err, ErrNoSymtab) {
		t.Errorf("expected ErrNoSymtab, got %v", err)
	}

	img = mustImage(t, fixture(elftest.Object{NoSectionSymbols: true, FuncSymbols: map[string]uint64{"main": 0x1300}}))
	if _, err := img.FindSectionSymbol(1); !errors.As(err, &notfound) {
		t.Errorf("expected SymbolNotFoundError, got %v", err)
	}
}

func TestCreateSectionWithoutShstrtab(t *testing.T) {
	img := mustImage(t, fixture(elftest.Object{NoShstrtab: true}))
	n := img.NumSections()
	if _, err := img.CreateProgbitsSection(".eh_frame", []byte{1, 2, 3, 4}); !errors.Is(err, ErrNoShstrtab) {
		t.Fatalf("expected ErrNoShstrtab, got %v", err)
	}
	if img.NumSections() != n {
		t.Errorf("failed create left %d sections, want %d", img.NumSections(), n)
	}
}

func TestSectionAlignment(t *testing.T) {
	data := fixture(elftest.Object{})
	shstr, err := mustImage(t, data).FindSection(".shstrtab")
	if err != nil {
		t.Fatal(err)
	}
	shoff := binary.LittleEndian.Uint64(data[0x28:])
	alignOff := shoff + uint64(shstr)*64 + 48

	tests := []struct {
		align uint64
		ok    bool
	}{
		{0, true},
		{1, true},
		{8, true},
		{24, false},
		{1 << 44, false},
		{uint64(len(data)) * 2, false},
	}
	for _, tc := range tests {
		patched := append([]byte(nil), data...)
		binary.LittleEndian.PutUint64(patched[alignOff:], tc.align)
		_, err := NewImage(patched)
		if tc.ok && err != nil {
			t.Errorf("alignment %#x: %v", tc.align, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("alignment %#x: expected an error", tc.align)
		}
	}
}

func TestStaleHeaderUpdate(t *testing.T) {
	img := mustImage(t, fixture(elftest.Object{}))
	a, err := img.begin(".a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := img.begin(".b")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.commit(); err != nil {
		t.Fatal(err)
	}
	n := img.NumSections()
	if _, err := b.commit(); err == nil {
		t.Fatal("expected an error committing an update staged before another commit")
	}
	if img.NumSections() != n {
		t.Errorf("failed commit left %d sections, want %d", img.NumSections(), n)
	}
	if _, err := img.FindSection(".a"); err != nil {
		t.Errorf(".a not found after commit: %v", err)
	}
	if _, err := img.FindSection(".b"); err == nil {
		t.Error(".b should not have been added")
	}
}

func TestCreateRelaSectionErrors(t *testing.T) {
	img := mustImage(t, fixture(elftest.Object{NoSymtab: true}))
	if _, err := img.CreateRelaSection(".rela.eh_frame", 1, nil); !errors.Is(err, ErrNoSymtab) {
		t.Errorf("expected ErrNoSymtab, got %v", err)
	}

	img = mustImage(t, fixture(elftest.Object{}))
	n := img.NumSections()
	shstr, _ := img.FindSection(".shstrtab")
	before, _ := img.Section(shstr)
	if _, err := img.CreateRelaSection(".rela.eh_frame", 1, make([]byte, 10)); err == nil {
		t.Error("expected error for truncated relocation data")
	}
	if _, err := img.CreateRelaSection(".rela.eh_frame", n+3, nil); err == nil {
		t.Error("expected error for bad target")
	}
	after, _ := img.Section(shstr)
	if img.NumSections() != n || after.Size != before.Size {
		t.Errorf("failed create modified the image")
	}
}

func testCreateAndWrite(t *testing.T, class elf.Class, order binary.ByteOrder) {
	img := mustImage(t, fixture(elftest.Object{Class: class, Order: order}))
	text, err := img.FindSection(".text")
	if err != nil {
		t.Fatal(err)
	}
	sym, err := img.FindSectionSymbol(text)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte{0x14, 0, 0, 0, 0, 0, 0, 0, 1, 'z', 'R', 0}
	ehidx, err := img.CreateProgbitsSection(".eh_frame", payload)
	if err != nil {
		t.Fatal(err)
	}
	relocs, err := img.EncodeRelocations([]Relocation{
		{Offset: 0x20, Symbol: uint32(sym), Type: uint32(elf.R_X86_64_32S), Addend: 0x10},
		{Offset: 0x38, Symbol: uint32(sym), Type: uint32(elf.R_X86_64_32S), Addend: 0x80},
	})
	if err != nil {
		t.Fatal(err)
	}
	relaidx, err := img.CreateRelaSection(".rela.eh_frame", ehidx, relocs)
	if err != nil {
		t.Fatal(err)
	}
	if ehidx+1 != relaidx {
		t.Errorf("unexpected indices %d %d", ehidx, relaidx)
	}
	img.MarkDirty()

	var out bytes.Buffer
	if _, err := img.WriteTo(&out); err != nil {
		t.Fatal(err)
	}

	f, err := elf.NewFile(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	eh := f.Section(".eh_frame")
	if eh == nil {
		t.Fatal(".eh_frame missing")
	}
	if eh.Type != elf.SHT_PROGBITS || eh.Flags != elf.SHF_ALLOC || eh.Addralign != 1 {
		t.Errorf("unexpected .eh_frame header %+v", eh.SectionHeader)
	}
	got, err := eh.Data()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf(".eh_frame contents % x", got)
	}

	rela := f.Section(".rela.eh_frame")
	if rela == nil {
		t.Fatal(".rela.eh_frame missing")
	}
	symtab := f.Section(".symtab")
	if rela.Type != elf.SHT_RELA || rela.Flags != elf.SHF_INFO_LINK || rela.Addralign != 8 {
		t.Errorf("unexpected .rela.eh_frame header %+v", rela.SectionHeader)
	}
	if f.Sections[rela.Link] != symtab || f.Sections[rela.Info] != eh {
		t.Errorf("bad linkage link=%d info=%d", rela.Link, rela.Info)
	}
	if (class == elf.ELFCLASS64 && rela.Entsize != 24) || (class == elf.ELFCLASS32 && rela.Entsize != 12) {
		t.Errorf("bad entsize %d", rela.Entsize)
	}
	relabytes, _ := rela.Data()
	if !bytes.Equal(relabytes, relocs) {
		t.Errorf("relocation contents changed")
	}
	if class == elf.ELFCLASS64 {
		var r elf.Rela64
		binary.Read(bytes.NewReader(relabytes[24:]), order, &r)
		if r.Off != 0x38 || elf.R_SYM64(r.Info) != uint32(sym) || elf.R_X86_64(elf.R_TYPE64(r.Info)) != elf.R_X86_64_32S || r.Addend != 0x80 {
			t.Errorf("bad relocation %+v", r)
		}
	}

	// Sections that were not touched keep their contents.
	text2 := f.Section(".text")
	if text2.Addr != 0x1300 || text2.Size != 0x100 {
		t.Errorf("unexpected .text after rewrite %+v", text2.SectionHeader)
	}

	// The rewritten image can be edited again.
	img2 := mustImage(t, out.Bytes())
	if idx, err := img2.FindSection(".rela.eh_frame"); err != nil || idx != relaidx {
		t.Errorf("reparse: %d %v", idx, err)
	}
}

func TestCreateAndWrite(t *testing.T) {
	t.Run("64LE", func(t *testing.T) { testCreateAndWrite(t, elf.ELFCLASS64, binary.LittleEndian) })
	t.Run("64BE", func(t *testing.T) { testCreateAndWrite(t, elf.ELFCLASS64, binary.BigEndian) })
	t.Run("32LE", func(t *testing.T) { testCreateAndWrite(t, elf.ELFCLASS32, binary.LittleEndian) })
}

func TestEncodeRelocations32Overflow(t *testing.T) {
	img := mustImage(t, fixture(elftest.Object{Class: elf.ELFCLASS32}))
	if _, err := img.EncodeRelocations([]Relocation{{Offset: 1 << 33}}); err == nil {
		t.Error("expected error")
	}
	if _, err := img.EncodeRelocations([]Relocation{{Addend: -1 << 40}}); err == nil {
		t.Error("expected error")
	}
}

func TestCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obj.o")
	orig := fixture(elftest.Object{})
	if err := os.WriteFile(path, orig, 0640); err != nil {
		t.Fatal(err)
	}

	lock, err := Lock(path)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Unlock()

	img, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if img.Path() != path {
		t.Errorf("Path() = %q", img.Path())
	}

	// Nothing to do until the image is dirty.
	if err := img.Commit(path); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(path); !bytes.Equal(data, orig) {
		t.Fatal("clean commit rewrote the file")
	}

	if _, err := img.CreateProgbitsSection(".eh_frame", []byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	img.MarkDirty()
	if !img.Dirty() {
		t.Fatal("image not dirty")
	}
	if err := img.Commit(path); err != nil {
		t.Fatal(err)
	}
	if img.Dirty() {
		t.Error("image still dirty after commit")
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0640 {
		t.Errorf("mode changed to %v", fi.Mode().Perm())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.FindSection(".eh_frame"); err != nil {
		t.Error(err)
	}
	if _, err := img.FindSection(".eh_frame"); err != nil {
		t.Errorf("committed image lost the section: %v", err)
	}
}

func TestReplaceSectionData(t *testing.T) {
	img := mustImage(t, fixture(elftest.Object{}))
	eh, err := img.CreateProgbitsSection(".eh_frame", []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	rela, err := img.CreateRelaSection(".rela.eh_frame", eh, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := img.FindRelaSection(eh); err != nil || got != rela {
		t.Fatalf("FindRelaSection = %d, %v", got, err)
	}
	if _, err := img.FindRelaSection(1); err == nil {
		t.Error("expected no relocations for .text")
	}

	if err := img.ReplaceSectionData(eh, []byte{5, 6}); err != nil {
		t.Fatal(err)
	}
	if err := img.ReplaceSectionData(rela, make([]byte, 5)); err == nil {
		t.Error("expected error for truncated relocation data")
	}
	if err := img.ReplaceSectionData(0, nil); err == nil {
		t.Error("expected error for the null section")
	}

	var out bytes.Buffer
	if _, err := img.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	f, err := elf.NewFile(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	data, _ := f.Section(".eh_frame").Data()
	if !bytes.Equal(data, []byte{5, 6}) {
		t.Errorf(".eh_frame = % x", data)
	}
}
