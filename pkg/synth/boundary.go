package synth

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/dwarfsynth/ehsynth/pkg/logflags"
	"github.com/dwarfsynth/ehsynth/pkg/unwind"
)

// checkBoundaries decodes the instructions of fn, found in code which
// starts at address base, and warns about every fact that does not fall
// on an instruction boundary. It returns the number of warnings.
func checkBoundaries(code []byte, base uint64, fn *unwind.FunctionRange, log logflags.Logger) int {
	if fn.InitialLocation < base || fn.EndLocation-base > uint64(len(code)) {
		log.Warnf("function %#x-%#x has no code to check", fn.InitialLocation, fn.EndLocation)
		return 1
	}
	mem := code[fn.InitialLocation-base : fn.EndLocation-base]

	boundaries := make(map[uint64]bool)
	for off := 0; off < len(mem); {
		boundaries[fn.InitialLocation+uint64(off)] = true
		inst, err := x86asm.Decode(mem[off:], 64)
		if err != nil {
			off++
			continue
		}
		off += inst.Len
	}

	warnings := 0
	for _, fact := range fn.Facts {
		if fact.Location >= fn.EndLocation {
			log.Warnf("fact at %#x is past the end of function %#x-%#x", fact.Location, fn.InitialLocation, fn.EndLocation)
			warnings++
			continue
		}
		if !boundaries[fact.Location] {
			log.Warnf("fact at %#x is not at an instruction boundary", fact.Location)
			warnings++
		}
	}
	return warnings
}
