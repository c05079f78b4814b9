package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const EhsynthMainPackagePath = "github.com/dwarfsynth/ehsynth/cmd/ehsynth"

var Verbose bool
var TestRegex, TestPackage string

func NewMakeCommands() *cobra.Command {
	RootCommand := &cobra.Command{
		Use:   "make.go",
		Short: "make script for ehsynth.",
	}

	RootCommand.AddCommand(&cobra.Command{
		Use:   "build",
		Short: "Build ehsynth",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "build", buildFlags(), EhsynthMainPackagePath)
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs ehsynth",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "install", buildFlags(), EhsynthMainPackagePath)
			fmt.Printf("installed %s\n", installedExecutablePath())
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Uninstalls ehsynth",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "clean", "-i", EhsynthMainPackagePath)
		},
	})

	test := &cobra.Command{
		Use:   "test",
		Short: "Tests ehsynth",
		Long: `Tests ehsynth.

Use the flags -p and -r to restrict the tests that are run. Specifying nothing
runs the tests of every package.
`,
		Run: testCmd,
	}
	test.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Verbose tests")
	test.PersistentFlags().StringVarP(&TestPackage, "test-package", "p", "", `Only test the specified package, for example pkg/synth`)
	test.PersistentFlags().StringVarP(&TestRegex, "test-run", "r", "", `Only runs the tests matching the specified regex. This option can only be specified together with --test-package`)
	RootCommand.AddCommand(test)

	RootCommand.AddCommand(&cobra.Command{
		Use:   "docs",
		Short: "Regenerates the command line usage documentation",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "run", "_scripts/gen-usage-docs.go")
		},
	})

	return RootCommand
}

func strflatten(v []interface{}) []string {
	r := []string{}
	for _, s := range v {
		switch s := s.(type) {
		case []string:
			r = append(r, s...)
		case string:
			if s != "" {
				r = append(r, s)
			}
		}
	}
	return r
}

func executeq(cmd string, args ...interface{}) {
	x := exec.Command(cmd, strflatten(args)...)
	x.Stdout = os.Stdout
	x.Stderr = os.Stderr
	x.Env = os.Environ()
	err := x.Run()
	if x.ProcessState != nil && !x.ProcessState.Success() {
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func execute(cmd string, args ...interface{}) {
	fmt.Printf("%s %s\n", cmd, strings.Join(quotemaybe(strflatten(args)), " "))
	executeq(cmd, args...)
}

func quotemaybe(args []string) []string {
	for i := range args {
		if strings.Contains(args[i], " ") {
			args[i] = fmt.Sprintf("%q", args[i])
		}
	}
	return args
}

func getoutput(cmd string, args ...interface{}) string {
	x := exec.Command(cmd, strflatten(args)...)
	x.Env = os.Environ()
	out, err := x.Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing %s %v\n", cmd, args)
		log.Fatal(err)
	}
	return string(out)
}

func installedExecutablePath() string {
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		return filepath.Join(gobin, "ehsynth")
	}
	gopath := strings.Split(getoutput("go", "env", "GOPATH"), string(os.PathListSeparator))
	return filepath.Join(strings.TrimSpace(gopath[0]), "bin", "ehsynth")
}

func buildFlags() []string {
	buildSHA, err := exec.Command("git", "rev-parse", "HEAD").CombinedOutput()
	if err != nil {
		// Building from a source archive.
		return nil
	}
	ldFlags := "-X main.Build=" + strings.TrimSpace(string(buildSHA))
	if runtime.GOOS == "darwin" {
		ldFlags = "-s " + ldFlags
	}
	return []string{fmt.Sprintf("-ldflags=%s", ldFlags)}
}

func testFlags() []string {
	testFlags := []string{"-count", "1", "-p", "1"}
	if Verbose {
		testFlags = append(testFlags, "-v")
	}
	return testFlags
}

func testCmd(cmd *cobra.Command, args []string) {
	if TestPackage == "" {
		if TestRegex != "" {
			fmt.Printf("Can not use --test-run without --test-package\n")
			os.Exit(1)
		}
		execute("go", "test", testFlags(), buildFlags(), "./...")
		return
	}
	pkg := "./" + strings.TrimPrefix(filepath.ToSlash(TestPackage), "./")
	if TestRegex != "" {
		execute("go", "test", testFlags(), buildFlags(), pkg, "-run="+TestRegex)
		return
	}
	execute("go", "test", testFlags(), buildFlags(), pkg)
}

func main() {
	NewMakeCommands().Execute()
}
