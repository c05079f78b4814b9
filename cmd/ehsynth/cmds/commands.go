package cmds

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dwarfsynth/ehsynth/cmd/ehsynth/cmds/helphelpers"
	"github.com/dwarfsynth/ehsynth/pkg/config"
	"github.com/dwarfsynth/ehsynth/pkg/dwarf/frame"
	"github.com/dwarfsynth/ehsynth/pkg/dwarf/regnum"
	"github.com/dwarfsynth/ehsynth/pkg/elfwriter"
	"github.com/dwarfsynth/ehsynth/pkg/logflags"
	"github.com/dwarfsynth/ehsynth/pkg/synth"
	"github.com/dwarfsynth/ehsynth/pkg/synth/compare"
	"github.com/dwarfsynth/ehsynth/pkg/unwind"
	"github.com/dwarfsynth/ehsynth/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the default configuration file location.
	configPath string

	// mode overrides the output mode of the configuration file.
	mode modeFlag
	// checkBoundaries enables the instruction boundary check.
	checkBoundaries bool
	// outPath is the side file path in sidefile mode.
	outPath string
	// outputObject is where the modified object goes in embed mode.
	outputObject string

	dumpRaw  bool
	dumpBase uint64
	dumpPC   uint64

	compareSynthBase uint64

	versionVerbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const ehsynthCommandLongDesc = `ehsynth builds DWARF call frame information for x86-64 objects.

It reads the unwind facts computed by a binary analysis, one list per
function, and turns them into a .eh_frame table: one CIE per executable
section followed by one FDE per function of that section.

The table is either embedded in the object, together with the .rela.eh_frame
section that relocates it, or written to a side file.`

// modeFlag is the value of --mode. An empty value defers to the
// configuration file.
type modeFlag string

var _ pflag.Value = (*modeFlag)(nil)

func (m *modeFlag) String() string { return string(*m) }

func (m *modeFlag) Set(s string) error {
	switch s {
	case config.ModeEmbed, config.ModeSideFile:
		*m = modeFlag(s)
		return nil
	}
	return fmt.Errorf("must be %q or %q", config.ModeEmbed, config.ModeSideFile)
}

func (m *modeFlag) Type() string { return "mode" }

// New returns an initialized command tree.
func New() *cobra.Command {
	mode = ""

	// Main ehsynth root command.
	rootCommand = &cobra.Command{
		Use:          "ehsynth",
		Short:        "ehsynth synthesizes .eh_frame tables from unwind facts.",
		Long:         ehsynthCommandLongDesc,
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'ehsynth help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'ehsynth help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file, defaults to $XDG_CONFIG_HOME/ehsynth/config.yml.")
	rootCommand.PersistentFlags().Var(&mode, "mode", `Output mode, "embed" or "sidefile" (overrides the configuration file).`)
	rootCommand.PersistentFlags().BoolVarP(&checkBoundaries, "check-boundaries", "", false, "Warn about facts that are not on an instruction boundary.")

	// 'synth' subcommand.
	synthCommand := &cobra.Command{
		Use:   "synth <object> <facts>",
		Short: "Synthesize .eh_frame for an object.",
		Long: `Synthesize .eh_frame for an object.

The facts file is a YAML (or JSON) document listing the functions of the
object and, for each of them, the unwind facts at the addresses where the
frame changes:

	functions:
	- initial-location: 0x1300
	  end-location: 0x1342
	  facts:
	  - {location: 0x1300, cfa-register: rsp, cfa-offset: 8}
	  - {location: 0x1301, cfa-register: rsp, cfa-offset: 16, fp-saved: true, fp-offset: -16}

In embed mode the object is rewritten in place, or written to
--output-object, with new .eh_frame and .rela.eh_frame sections. Existing
sections with those names are replaced.

In sidefile mode the bare CIE/FDE stream is written to --out, or to the
object path followed by the configured suffix. Initial locations are then
absolute addresses and no relocation is produced.`,
		Args: cobra.ExactArgs(2),
		RunE: synthCmd,
	}
	synthCommand.Flags().StringVarP(&outPath, "out", "o", "", "Side file path (sidefile mode).")
	synthCommand.Flags().StringVarP(&outputObject, "output-object", "", "", "Write the modified object here instead of in place (embed mode).")
	rootCommand.AddCommand(synthCommand)

	// 'dump' subcommand.
	dumpCommand := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print the unwind table of an .eh_frame.",
		Long: `Print the unwind table of an .eh_frame.

The file is either an ELF object, whose .eh_frame section is decoded, or a
side file produced by 'ehsynth synth --mode sidefile'. The output lists the
CFA, rbp and return address rules of every row, in the style of
'readelf -wF'.`,
		Args: cobra.ExactArgs(1),
		RunE: dumpCmd,
	}
	dumpCommand.Flags().BoolVarP(&dumpRaw, "raw", "", false, "Decode the file as a bare CIE/FDE stream even if it looks like ELF.")
	dumpCommand.Flags().Uint64VarP(&dumpBase, "base", "", 0, "Address of the first byte of a bare stream, for pc-relative encodings.")
	dumpCommand.Flags().Uint64VarP(&dumpPC, "pc", "", 0, "Only print the row in effect at this address.")
	rootCommand.AddCommand(dumpCommand)

	// 'compare' subcommand.
	compareCommand := &cobra.Command{
		Use:   "compare <reference> <synthesized>",
		Short: "Compare a synthesized .eh_frame with a reference one.",
		Long: `Compare a synthesized .eh_frame with a reference one.

The reference is an ELF file carrying the .eh_frame emitted by its compiler,
the synthesized table is either an ELF file or a side file. FDEs are paired
by start address and the CFA, rbp and return address rules are compared at
every address where either table changes. Function names are taken from the
symbol table of the reference.

Exits with a non zero status when the tables differ.`,
		Args: cobra.ExactArgs(2),
		RunE: compareCmd,
	}
	compareCommand.Flags().Uint64VarP(&compareSynthBase, "base", "", 0, "Address of the first byte of a synthesized side file.")
	rootCommand.AddCommand(compareCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ehsynth\n%s\n", version.EhsynthVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	synth		Log the region driver and the output sinks (default)
	elf		Log section lookups and rewrites
	cfi		Log call frame instruction encoding

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

The log, log-output and log-dest keys of the configuration file are used
when the corresponding flags are not given.
`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// setup loads the configuration file and configures logging. Flags take
// precedence over the file.
func setup() error {
	var err error
	conf, err = config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logOn := log || conf.Log
	logstr := logOutput
	if logstr == "" && logOn {
		logstr = conf.LogOutput
	}
	dest := logDest
	if dest == "" {
		dest = conf.LogDest
	}
	return logflags.Setup(logOn, logstr, dest)
}

func synthCmd(cmd *cobra.Command, args []string) error {
	if err := setup(); err != nil {
		return err
	}
	defer logflags.Close()

	object, factsFile := args[0], args[1]
	outMode := conf.Mode
	if mode != "" {
		outMode = string(mode)
	}

	prog, err := unwind.LoadFile(factsFile)
	if err != nil {
		return err
	}

	var (
		img  *elfwriter.Image
		sink synth.OutputSink
	)
	switch outMode {
	case config.ModeEmbed:
		if outPath != "" {
			return errors.New("--out can only be used in sidefile mode")
		}
		lock, err := elfwriter.Lock(object)
		if err != nil {
			return err
		}
		defer lock.Unlock()
		img, err = elfwriter.Open(object)
		if err != nil {
			return err
		}
		sink = synth.NewElfEmbedder(img, outputObject)
	case config.ModeSideFile:
		if outputObject != "" {
			return errors.New("--output-object can only be used in embed mode")
		}
		img, err = elfwriter.Open(object)
		if err != nil {
			return err
		}
		dest := outPath
		if dest == "" {
			dest = object + conf.SideFileSuffix
		}
		w, err := synth.NewRawFileWriter(dest)
		if err != nil {
			return err
		}
		sink = w
	default:
		return fmt.Errorf("unknown mode %q", outMode)
	}
	defer sink.Close()

	res, err := synth.Run(img, prog, sink, synth.Options{
		CheckBoundaries: checkBoundaries || conf.CheckBoundaries,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d CIEs, %d FDEs, %d bytes", res.CIEs, res.FDEs, res.Written)
	if res.Skipped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), ", %d functions outside executable sections", res.Skipped)
	}
	if res.BoundaryWarnings > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), ", %d facts off instruction boundaries", res.BoundaryWarnings)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

func dumpCmd(cmd *cobra.Command, args []string) error {
	if err := setup(); err != nil {
		return err
	}
	defer logflags.Close()

	fdes, err := loadFrames(args[0], dumpRaw, dumpBase)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if cmd.Flags().Changed("pc") {
		fde, err := fdes.FDEForPC(dumpPC)
		if err != nil {
			return err
		}
		fctx, err := fde.EstablishFrame(dumpPC)
		if err != nil {
			return err
		}
		rbp, rbpok := fctx.Regs[regnum.AMD64_Rbp]
		ra, raok := fctx.Regs[fctx.RetAddrReg]
		fmt.Fprintf(out, "%016x CFA=%s rbp=%s ra=%s\n", dumpPC, frame.CFAString(fctx.CFA), frame.RuleString(rbp, rbpok), frame.RuleString(ra, raok))
		return nil
	}

	tbl, err := compare.Table(fdes, nil)
	if err != nil {
		return err
	}
	printTable(out, tbl)
	return nil
}

func printTable(out io.Writer, tbl []compare.FDE) {
	for i := range tbl {
		fde := &tbl[i]
		fmt.Fprintf(out, "FDE pc=%016x..%016x\n", fde.Begin, fde.End)
		fmt.Fprintf(out, "   LOC           CFA      rbp   ra\n")
		for _, row := range fde.Rows {
			fmt.Fprintf(out, "%016x %-8s %-5s %s\n", row.Loc, row.CFA, row.RBP, row.RA)
		}
		fmt.Fprintln(out)
	}
}

func compareCmd(cmd *cobra.Command, args []string) error {
	if err := setup(); err != nil {
		return err
	}
	defer logflags.Close()

	refFDEs, err := loadFrames(args[0], false, 0)
	if err != nil {
		return err
	}
	synthFDEs, err := loadFrames(args[1], false, compareSynthBase)
	if err != nil {
		return err
	}
	name, err := funcNames(args[0])
	if err != nil {
		return err
	}
	ref, err := compare.Table(refFDEs, name)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	syn, err := compare.Table(synthFDEs, name)
	if err != nil {
		return fmt.Errorf("%s: %w", args[1], err)
	}

	rep := compare.Compare(ref, syn, compare.DefaultExclude)
	out := cmd.OutOrStdout()
	for _, m := range rep.Mismatches {
		fmt.Fprintf(out, "%#x: ref %s, synth %s\n", m.Loc, m.Ref, m.Synth)
	}
	fmt.Fprintln(out, rep)
	if !rep.OK() {
		return errors.New("unwind tables differ")
	}
	return nil
}

// loadFrames decodes the .eh_frame of path. Files that are not ELF, and
// every file when raw is set, are decoded as a bare little endian x86-64
// stream starting at address base.
func loadFrames(path string, raw bool, base uint64) (frame.FrameDescriptionEntries, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if raw || !bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		fdes, err := frame.Parse(data, binary.LittleEndian, 0, 8, base)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return fdes, nil
	}

	img, err := elfwriter.NewImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	idx, err := img.FindSection(synth.EhFrameSection)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sh, err := img.Section(idx)
	if err != nil {
		return nil, err
	}
	sec, err := img.SectionData(idx)
	if err != nil {
		return nil, err
	}
	ptrSize := 8
	if img.Class == elf.ELFCLASS32 {
		ptrSize = 4
	}
	fdes, err := frame.Parse(sec, img.ByteOrder, 0, ptrSize, sh.Addr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fdes, nil
}

// funcNames returns a function naming FDEs after the function symbols of
// the ELF file at path. Files without a symbol table name nothing.
func funcNames(path string) (func(uint64) string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	syms, err := f.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, nil
		}
		return nil, err
	}
	names := make(map[uint64]string)
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Name == "" {
			continue
		}
		if _, dup := names[sym.Value]; !dup {
			names[sym.Value] = sym.Name
		}
	}
	return func(addr uint64) string { return names[addr] }, nil
}
