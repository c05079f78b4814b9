// Package synth turns an unwind.Program into .eh_frame data for the
// executable sections of an ELF object.
package synth

import (
	"debug/elf"
	"fmt"

	"github.com/dwarfsynth/ehsynth/pkg/dwarf/ehframe"
	"github.com/dwarfsynth/ehsynth/pkg/elfwriter"
	"github.com/dwarfsynth/ehsynth/pkg/logflags"
	"github.com/dwarfsynth/ehsynth/pkg/unwind"
)

// Options configures Run.
type Options struct {
	// CheckBoundaries disassembles every function and warns about facts
	// that are not at an instruction boundary.
	CheckBoundaries bool

	// Log receives progress and warnings. Defaults to the synth logger.
	Log logflags.Logger
}

// Result summarizes a run.
type Result struct {
	Written          int64 // bytes of CIE/FDE data
	CIEs             int
	FDEs             int
	Empty            int // functions whose instruction stream was empty
	Skipped          int // functions not contained in any executable section
	BoundaryWarnings int
}

// regionState is threaded through the sections of one run.
type regionState struct {
	written int64
	matched []bool
	res     Result
}

// Run writes one CIE for every executable section of img, followed by one
// FDE for every function of prog contained in that section, to sink. It
// commits the sink only if every section was encoded.
func Run(img *elfwriter.Image, prog *unwind.Program, sink OutputSink, opts Options) (Result, error) {
	log := opts.Log
	if log == nil {
		log = logflags.SynthLogger()
	}
	if err := prog.Validate(); err != nil {
		return Result{}, err
	}
	if img.Machine != elf.EM_X86_64 {
		return Result{}, fmt.Errorf("unsupported machine %v", img.Machine)
	}

	st := &regionState{matched: make([]bool, len(prog.Functions))}
	for i := 1; i < img.NumSections(); i++ {
		sh, err := img.Section(i)
		if err != nil {
			return st.res, err
		}
		if sh.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if err := st.region(img, i, sh, prog, sink, opts, log); err != nil {
			return st.res, err
		}
	}

	for i, ok := range st.matched {
		if !ok {
			fn := &prog.Functions[i]
			log.Debugf("function %#x-%#x is not in an executable section", fn.InitialLocation, fn.EndLocation)
			st.res.Skipped++
		}
	}

	st.res.Written = st.written
	if err := sink.Commit(); err != nil {
		return st.res, fmt.Errorf("committing output: %w", err)
	}
	log.Infof("wrote %d bytes: %d CIEs, %d FDEs", st.written, st.res.CIEs, st.res.FDEs)
	return st.res, nil
}

func (st *regionState) region(img *elfwriter.Image, shndx int, sh elfwriter.SectionHeader, prog *unwind.Program, sink OutputSink, opts Options, log logflags.Logger) error {
	sym, err := img.FindSectionSymbol(shndx)
	if err != nil {
		return fmt.Errorf("section %d: %w", shndx, err)
	}
	start, end := sh.Addr, sh.Addr+sh.Size
	if logflags.Synth() {
		log.Debugf("section %d [%#x, %#x) symbol %d", shndx, start, end, sym)
	}

	var code []byte
	if opts.CheckBoundaries && sh.Type != elf.SHT_NOBITS {
		if code, err = img.SectionData(shndx); err != nil {
			return err
		}
	}

	cie := ehframe.DefaultCIE(img.ByteOrder)
	buf, err := cie.Bytes()
	if err != nil {
		return err
	}
	cieOffset := st.written
	if err := st.write(sink, buf); err != nil {
		return err
	}
	st.res.CIEs++

	for i := range prog.Functions {
		fn := &prog.Functions[i]
		if !fn.Contains(start, end) {
			continue
		}
		st.matched[i] = true

		if code != nil {
			st.res.BoundaryWarnings += checkBoundaries(code, start, fn, log)
		}

		insns, err := ehframe.EncodeFunction(cie, fn, opts.Log)
		if err != nil {
			return fmt.Errorf("function %#x-%#x: %w", fn.InitialLocation, fn.EndLocation, err)
		}
		if len(insns) == 0 {
			st.res.Empty++
			continue
		}

		fde := &ehframe.FrameDescriptionEntry{
			CIE:             cie,
			CIEOffset:       cieOffset,
			InitialLocation: fn.InitialLocation,
			AddressRange:    fn.EndLocation - fn.InitialLocation,
			Instructions:    insns,
		}
		buf, site, err := fde.Bytes(st.written)
		if err != nil {
			return fmt.Errorf("function %#x-%#x: %w", fn.InitialLocation, fn.EndLocation, err)
		}
		sink.Relocate(elfwriter.Relocation{
			Offset: uint64(st.written + site.Offset),
			Symbol: uint32(sym),
			Type:   uint32(elf.R_X86_64_32S),
			Addend: int64(site.Value - start),
		})
		if err := st.write(sink, buf); err != nil {
			return err
		}
		st.res.FDEs++
	}
	return nil
}

func (st *regionState) write(sink OutputSink, buf []byte) error {
	n, err := sink.Write(buf)
	st.written += int64(n)
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short write (%d of %d bytes)", n, len(buf))
	}
	return err
}
