package synth

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/dwarfsynth/ehsynth/pkg/elfwriter"
	"github.com/dwarfsynth/ehsynth/pkg/logflags"
)

// Names of the sections created by ElfEmbedder.
const (
	EhFrameSection     = ".eh_frame"
	RelaEhFrameSection = ".rela.eh_frame"
)

var errSinkClosed = errors.New("output already committed or closed")

// OutputSink receives the CIE/FDE stream produced by Run. Nothing is
// visible at the destination until Commit; Close without Commit discards
// the output.
type OutputSink interface {
	io.Writer
	// Relocate records a relocation against the stream written so far.
	Relocate(r elfwriter.Relocation)
	Commit() error
	Close() error
}

// ElfEmbedder stores the stream as .eh_frame and the relocations as
// .rela.eh_frame inside an ELF image.
type ElfEmbedder struct {
	img    *elfwriter.Image
	dest   string
	buf    bytes.Buffer
	relocs []elfwriter.Relocation
	done   bool
}

// NewElfEmbedder returns a sink that adds the stream to img and writes the
// result to dest on Commit. An empty dest rewrites the file img was opened
// from.
func NewElfEmbedder(img *elfwriter.Image, dest string) *ElfEmbedder {
	if dest == "" {
		dest = img.Path()
	}
	return &ElfEmbedder{img: img, dest: dest}
}

func (e *ElfEmbedder) Write(p []byte) (int, error) {
	if e.done {
		return 0, errSinkClosed
	}
	return e.buf.Write(p)
}

func (e *ElfEmbedder) Relocate(r elfwriter.Relocation) {
	e.relocs = append(e.relocs, r)
}

// Commit creates or replaces .eh_frame and .rela.eh_frame and rewrites
// the object.
func (e *ElfEmbedder) Commit() error {
	if e.done {
		return errSinkClosed
	}
	e.done = true

	eh, err := e.setSection(EhFrameSection, -1, e.buf.Bytes())
	if err != nil {
		return err
	}
	relocs, err := e.img.EncodeRelocations(e.relocs)
	if err != nil {
		return err
	}
	if _, err := e.setSection(RelaEhFrameSection, eh, relocs); err != nil {
		return err
	}
	if logflags.ELF() {
		logflags.ELFLogger().Debugf("%s: %d bytes, %s: %d relocations", EhFrameSection, e.buf.Len(), RelaEhFrameSection, len(e.relocs))
	}
	e.img.MarkDirty()
	return e.img.Commit(e.dest)
}

// setSection updates an existing section called name or creates it. A
// relocation section is created when target >= 0.
func (e *ElfEmbedder) setSection(name string, target int, data []byte) (int, error) {
	var (
		idx int
		err error
	)
	if target >= 0 {
		idx, err = e.img.FindRelaSection(target)
	} else {
		idx, err = e.img.FindSection(name)
	}
	var notfound *elfwriter.SectionNotFoundError
	switch {
	case err == nil:
		return idx, e.img.ReplaceSectionData(idx, data)
	case !errors.As(err, &notfound):
		return -1, err
	case target >= 0:
		return e.img.CreateRelaSection(name, target, data)
	default:
		return e.img.CreateProgbitsSection(name, data)
	}
}

// Close discards the output if it was not committed.
func (e *ElfEmbedder) Close() error {
	e.done = true
	e.buf.Reset()
	e.relocs = nil
	return nil
}

// RawFileWriter streams the CIE/FDE bytes to a file, without relocations.
type RawFileWriter struct {
	f    *os.File
	path string
	done bool
}

// NewRawFileWriter truncates or creates path.
func NewRawFileWriter(path string) (*RawFileWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &RawFileWriter{f: f, path: path}, nil
}

func (w *RawFileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errSinkClosed
	}
	return w.f.Write(p)
}

// Relocate drops r: a side file has no relocation section.
func (w *RawFileWriter) Relocate(r elfwriter.Relocation) {}

func (w *RawFileWriter) Commit() error {
	if w.done {
		return errSinkClosed
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.path)
		return err
	}
	return w.f.Close()
}

// Close removes the file if the output was not committed.
func (w *RawFileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	err := w.f.Close()
	if rmerr := os.Remove(w.path); err == nil {
		err = rmerr
	}
	return err
}
