package synth

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dwarfsynth/ehsynth/pkg/dwarf/ehframe"
	"github.com/dwarfsynth/ehsynth/pkg/dwarf/frame"
	"github.com/dwarfsynth/ehsynth/pkg/dwarf/regnum"
	"github.com/dwarfsynth/ehsynth/pkg/elfwriter"
	"github.com/dwarfsynth/ehsynth/pkg/elfwriter/elftest"
	"github.com/dwarfsynth/ehsynth/pkg/logflags"
	"github.com/dwarfsynth/ehsynth/pkg/unwind"
)

type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) WithField(key string, value interface{}) logflags.Logger { return l }
func (l *recordingLogger) WithFields(fields logflags.Fields) logflags.Logger     { return l }
func (l *recordingLogger) WithError(err error) logflags.Logger                   { return l }
func (l *recordingLogger) Debugf(format string, args ...interface{})             {}
func (l *recordingLogger) Infof(format string, args ...interface{})              {}
func (l *recordingLogger) Errorf(format string, args ...interface{})             {}
func (l *recordingLogger) Debug(args ...interface{})                             {}
func (l *recordingLogger) Info(args ...interface{})                              {}
func (l *recordingLogger) Warn(args ...interface{})                              {}
func (l *recordingLogger) Error(args ...interface{})                             {}
func (l *recordingLogger) Warnf(format string, args ...interface{}) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func rsp(loc uint64, off int64) unwind.Fact {
	return unwind.Fact{Location: loc, CFARegister: unwind.Reg(regnum.AMD64_Rsp), CFAOffset: off}
}

// scenarioProgram is one function in a .text spanning 0x1300-0x1400.
func scenarioProgram() *unwind.Program {
	return &unwind.Program{Functions: []unwind.FunctionRange{{
		InitialLocation: 0x1300,
		EndLocation:     0x1342,
		Facts:           []unwind.Fact{rsp(0x1300, 8), rsp(0x1310, 16), rsp(0x1340, 8)},
	}}}
}

func scenarioObject() []byte {
	return (&elftest.Object{Sections: []elftest.Section{elftest.Text(0x1300, make([]byte, 0x100))}}).Bytes()
}

var scenarioStream = []byte{
	// CIE
	0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x01, 'z', 'R', 0x00, 0x01, 0x78, 0x10, 0x01, 0x0b,
	0x00, 0x00, 0x00,
	// FDE
	0x24, 0x00, 0x00, 0x00, // length
	0x18, 0x00, 0x00, 0x00, // CIE pointer
	0x00, 0x13, 0x00, 0x00, // initial location
	0x42, 0x00, 0x00, 0x00, // address range
	0x00,                                     // augmentation data length
	0x0c, 0x07, 0x08, 0x90, 0x01, 0x07, 0x06, // rsp+8, ra c-8, rbp u
	0x50,                                     // advance 0x10
	0x0c, 0x07, 0x10, 0x90, 0x01, 0x07, 0x06, // rsp+16
	0x70,                                     // advance 0x30
	0x0c, 0x07, 0x08, 0x90, 0x01, 0x07, 0x06, // rsp+8
}

func writeObject(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obj.o")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runSideFile(t *testing.T, obj []byte, prog *unwind.Program, opts Options) ([]byte, Result) {
	t.Helper()
	img, err := elfwriter.NewImage(obj)
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "eh_frame.bin")
	sink, err := NewRawFileWriter(out)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	res, err := Run(img, prog, sink, opts)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	return data, res
}

func TestScenarioSideFile(t *testing.T) {
	data, res := runSideFile(t, scenarioObject(), scenarioProgram(), Options{})
	if !bytes.Equal(data, scenarioStream) {
		t.Errorf("stream mismatch\ngot:  % x\nwant: % x", data, scenarioStream)
	}
	if res.CIEs != 1 || res.FDEs != 1 || res.Skipped != 0 || res.Written != int64(len(scenarioStream)) {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestScenarioEmbed(t *testing.T) {
	path := writeObject(t, scenarioObject())
	img, err := elfwriter.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	sink := NewElfEmbedder(img, "")
	defer sink.Close()
	if _, err := Run(img, scenarioProgram(), sink, Options{}); err != nil {
		t.Fatal(err)
	}

	f, err := elf.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	eh := f.Section(EhFrameSection)
	if eh == nil {
		t.Fatal("no .eh_frame")
	}
	data, _ := eh.Data()
	if !bytes.Equal(data, scenarioStream) {
		t.Errorf("embedded stream differs from side file\ngot:  % x\nwant: % x", data, scenarioStream)
	}

	rela := f.Section(RelaEhFrameSection)
	if rela == nil {
		t.Fatal("no .rela.eh_frame")
	}
	if f.Sections[rela.Info] != eh || f.Sections[rela.Link] != f.Section(".symtab") {
		t.Errorf("bad relocation section linkage info=%d link=%d", rela.Info, rela.Link)
	}
	relocs, _ := rela.Data()
	if len(relocs) != 24 {
		t.Fatalf("expected one relocation, got %d bytes", len(relocs))
	}
	var r elf.Rela64
	binary.Read(bytes.NewReader(relocs), binary.LittleEndian, &r)
	if r.Off != 28 || elf.R_SYM64(r.Info) != 1 || elf.R_X86_64(elf.R_TYPE64(r.Info)) != elf.R_X86_64_32S || r.Addend != 0 {
		t.Errorf("unexpected relocation %+v", r)
	}
	syms, err := f.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	// debug/elf drops the null symbol, so symbol 1 is syms[0].
	if elf.ST_TYPE(syms[0].Info) != elf.STT_SECTION || syms[0].Section != 1 {
		t.Errorf("relocation does not target the .text section symbol: %+v", syms[0])
	}

	// Running again replaces the sections instead of adding new ones.
	img, err = elfwriter.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	n := img.NumSections()
	sink2 := NewElfEmbedder(img, "")
	defer sink2.Close()
	if _, err := Run(img, scenarioProgram(), sink2, Options{}); err != nil {
		t.Fatal(err)
	}
	if img.NumSections() != n {
		t.Errorf("second run added sections: %d -> %d", n, img.NumSections())
	}
}

func TestRoundTrip(t *testing.T) {
	prog := &unwind.Program{Functions: []unwind.FunctionRange{{
		InitialLocation: 0x1300,
		EndLocation:     0x1342,
		Facts: []unwind.Fact{
			rsp(0x1300, 8),
			{Location: 0x1301, CFARegister: unwind.Reg(regnum.AMD64_Rsp), CFAOffset: 16, FramePointerSaved: true, FramePointerOffset: -16},
			{Location: 0x1304, CFARegister: unwind.Reg(regnum.AMD64_Rbp), CFAOffset: 16, FramePointerSaved: true, FramePointerOffset: -16},
			{Location: 0x1340, CFARegister: unwind.Reg(regnum.AMD64_Rsp), CFAOffset: -24},
		},
	}}}
	data, _ := runSideFile(t, scenarioObject(), prog, Options{})

	fdes, err := frame.Parse(data, binary.LittleEndian, 0, 8, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 1 {
		t.Fatalf("expected one FDE, got %d", len(fdes))
	}
	fn := &prog.Functions[0]
	for _, fact := range fn.Facts {
		fc, err := fdes[0].EstablishFrame(fact.Location)
		if err != nil {
			t.Fatal(err)
		}
		reg, _ := fact.CFARegister.Num()
		if fc.CFA.Rule != frame.RuleCFA || fc.CFA.Reg != reg || fc.CFA.Offset != fact.CFAOffset {
			t.Errorf("%#x: CFA %s, want %s%+d", fact.Location, frame.CFAString(fc.CFA), fact.CFARegister, fact.CFAOffset)
		}
		ra, ok := fc.Regs[regnum.AMD64_Rip]
		if !ok || ra.Rule != frame.RuleOffset || ra.Offset != -8 {
			t.Errorf("%#x: return address %s", fact.Location, frame.RuleString(ra, ok))
		}
		rbp, ok := fc.Regs[regnum.AMD64_Rbp]
		switch {
		case fact.FramePointerSaved && (!ok || rbp.Rule != frame.RuleOffset || rbp.Offset != fact.FramePointerOffset):
			t.Errorf("%#x: rbp %s, want c%+d", fact.Location, frame.RuleString(rbp, ok), fact.FramePointerOffset)
		case !fact.FramePointerSaved && (!ok || rbp.Rule != frame.RuleUndefined):
			t.Errorf("%#x: rbp %s, want u", fact.Location, frame.RuleString(rbp, ok))
		}
	}
}

func TestUncontainedFunctions(t *testing.T) {
	prog := scenarioProgram()
	prog.Functions = append(prog.Functions,
		unwind.FunctionRange{InitialLocation: 0x2000, EndLocation: 0x2010, Facts: []unwind.Fact{rsp(0x2000, 8)}},
		// Ends exactly at the end of .text.
		unwind.FunctionRange{InitialLocation: 0x13f0, EndLocation: 0x1400, Facts: []unwind.Fact{rsp(0x13f0, 8)}},
		unwind.FunctionRange{InitialLocation: 0x12f0, EndLocation: 0x1310, Facts: []unwind.Fact{rsp(0x12f0, 8)}},
	)
	data, res := runSideFile(t, scenarioObject(), prog, Options{})
	if !bytes.Equal(data, scenarioStream) {
		t.Errorf("uncontained functions changed the output\ngot:  % x\nwant: % x", data, scenarioStream)
	}
	if res.FDEs != 1 || res.Skipped != 3 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestEmptyFunction(t *testing.T) {
	prog := scenarioProgram()
	prog.Functions = append(prog.Functions, unwind.FunctionRange{InitialLocation: 0x1350, EndLocation: 0x1360})
	data, res := runSideFile(t, scenarioObject(), prog, Options{})
	if !bytes.Equal(data, scenarioStream) {
		t.Errorf("empty function produced output")
	}
	if res.FDEs != 1 || res.Empty != 1 || res.Skipped != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func badRegisterProgram() *unwind.Program {
	prog := scenarioProgram()
	prog.Functions[0].Facts[1].CFARegister = unwind.Reg(unwind.MaxRegister + 1)
	return prog
}

func TestUnsupportedRegisterEmbed(t *testing.T) {
	orig := scenarioObject()
	path := writeObject(t, orig)
	img, err := elfwriter.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	sink := NewElfEmbedder(img, "")
	_, err = Run(img, badRegisterProgram(), sink, Options{})
	sink.Close()

	var regerr *ehframe.UnsupportedRegisterError
	if !errors.As(err, &regerr) {
		t.Fatalf("expected UnsupportedRegisterError, got %v", err)
	}
	if regerr.Reg != 32 || regerr.Addr != 0x1310 {
		t.Errorf("unexpected error %+v", regerr)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, orig) {
		t.Error("object was modified by a failed run")
	}
}

func TestUnsupportedRegisterSideFile(t *testing.T) {
	img, err := elfwriter.NewImage(scenarioObject())
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "eh_frame.bin")
	sink, err := NewRawFileWriter(out)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Run(img, badRegisterProgram(), sink, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("partial side file left behind: %v", err)
	}
}

func TestMultipleSections(t *testing.T) {
	obj := (&elftest.Object{Sections: []elftest.Section{
		elftest.Text(0x1000, make([]byte, 0x100)),
		{Name: ".data", Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x3000, Data: make([]byte, 0x10)},
		{Name: ".text.unlikely", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x2000, Data: make([]byte, 0x100)},
	}}).Bytes()
	prog := &unwind.Program{Functions: []unwind.FunctionRange{
		{InitialLocation: 0x2010, EndLocation: 0x2020, Facts: []unwind.Fact{rsp(0x2010, 8)}},
		{InitialLocation: 0x1000, EndLocation: 0x1010, Facts: []unwind.Fact{rsp(0x1000, 8), rsp(0x1001, 16)}},
		{InitialLocation: 0x1040, EndLocation: 0x1050, Facts: []unwind.Fact{rsp(0x1040, 8)}},
	}}

	path := writeObject(t, obj)
	img, err := elfwriter.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	sink := NewElfEmbedder(img, "")
	defer sink.Close()
	res, err := Run(img, prog, sink, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.CIEs != 2 || res.FDEs != 3 {
		t.Errorf("unexpected result %+v", res)
	}

	f, err := elf.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, _ := f.Section(EhFrameSection).Data()
	if int64(len(data)) != res.Written {
		t.Errorf("written %d, section has %d bytes", res.Written, len(data))
	}
	fdes, err := frame.Parse(data, binary.LittleEndian, 0, 8, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 3 {
		t.Fatalf("expected 3 FDEs, got %d", len(fdes))
	}
	// Sorted by address: the two .text functions share the first CIE.
	if fdes[0].CIE.Offset != 0 || fdes[1].CIE.Offset != 0 || fdes[2].CIE.Offset == 0 {
		t.Errorf("unexpected CIE offsets %d %d %d", fdes[0].CIE.Offset, fdes[1].CIE.Offset, fdes[2].CIE.Offset)
	}

	relocs, _ := f.Section(RelaEhFrameSection).Data()
	var syms []uint32
	var addends []int64
	for r := bytes.NewReader(relocs); r.Len() > 0; {
		var rela elf.Rela64
		binary.Read(r, binary.LittleEndian, &rela)
		syms = append(syms, elf.R_SYM64(rela.Info))
		addends = append(addends, rela.Addend)
	}
	// .text is section 1, .text.unlikely section 3; their section symbols
	// have the same indices.
	if fmt.Sprint(syms) != "[1 1 3]" || fmt.Sprint(addends) != "[0 64 16]" {
		t.Errorf("relocations: symbols %v addends %v", syms, addends)
	}
}

func TestUndefinedCFAWarns(t *testing.T) {
	prog := scenarioProgram()
	prog.Functions[0].Facts[2].CFARegister = unwind.Undefined
	log := &recordingLogger{}
	_, res := runSideFile(t, scenarioObject(), prog, Options{Log: log})
	if res.FDEs != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(log.warnings) != 1 || log.warnings[0] != "undefined CFA at 0x1340" {
		t.Errorf("unexpected warnings %q", log.warnings)
	}
}

func TestBoundaryCheck(t *testing.T) {
	code := make([]byte, 0x100)
	copy(code, []byte{
		0x55,             // push rbp
		0x48, 0x89, 0xe5, // mov rbp, rsp
		0x5d, // pop rbp
		0xc3, // ret
	})
	obj := (&elftest.Object{Sections: []elftest.Section{elftest.Text(0x1300, code)}}).Bytes()
	prog := &unwind.Program{Functions: []unwind.FunctionRange{{
		InitialLocation: 0x1300,
		EndLocation:     0x1306,
		Facts: []unwind.Fact{
			rsp(0x1300, 8),
			rsp(0x1301, 16),
			rsp(0x1302, 16), // inside mov
			rsp(0x1305, 8),
		},
	}}}
	log := &recordingLogger{}
	_, res := runSideFile(t, obj, prog, Options{CheckBoundaries: true, Log: log})
	if res.BoundaryWarnings != 1 {
		t.Errorf("expected 1 boundary warning, got %d: %q", res.BoundaryWarnings, log.warnings)
	}

	_, res = runSideFile(t, obj, prog, Options{Log: log})
	if res.BoundaryWarnings != 0 {
		t.Errorf("boundary check ran while disabled")
	}
}

func TestRunErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		obj  []byte
		prog *unwind.Program
	}{
		{"invalid program", scenarioObject(), &unwind.Program{Functions: []unwind.FunctionRange{{InitialLocation: 0x1310, EndLocation: 0x1300}}}},
		{"no section symbol", (&elftest.Object{NoSectionSymbols: true, Sections: []elftest.Section{elftest.Text(0x1300, make([]byte, 0x100))}}).Bytes(), scenarioProgram()},
		{"no symtab", (&elftest.Object{NoSymtab: true, Sections: []elftest.Section{elftest.Text(0x1300, make([]byte, 0x100))}}).Bytes(), scenarioProgram()},
		{"wrong machine", (&elftest.Object{Machine: elf.EM_AARCH64, Sections: []elftest.Section{elftest.Text(0x1300, make([]byte, 0x100))}}).Bytes(), scenarioProgram()},
	} {
		img, err := elfwriter.NewImage(test.obj)
		if err != nil {
			t.Fatal(err)
		}
		sink := NewElfEmbedder(img, filepath.Join(t.TempDir(), "out.o"))
		if _, err := Run(img, test.prog, sink, Options{}); err == nil {
			t.Errorf("%s: expected error", test.name)
		}
		sink.Close()
	}
}

func TestSinkAfterClose(t *testing.T) {
	img, err := elfwriter.NewImage(scenarioObject())
	if err != nil {
		t.Fatal(err)
	}
	sink := NewElfEmbedder(img, filepath.Join(t.TempDir(), "out.o"))
	sink.Close()
	if _, err := sink.Write([]byte{0}); err == nil {
		t.Error("write after close succeeded")
	}
	if err := sink.Commit(); err == nil {
		t.Error("commit after close succeeded")
	}
}
