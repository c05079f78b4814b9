package ehframe

import (
	"fmt"

	"github.com/dwarfsynth/ehsynth/pkg/logflags"
	"github.com/dwarfsynth/ehsynth/pkg/unwind"
)

// EncodeFunction builds the instruction stream of fn. For every fact it
// states the CFA rule, the return address rule and the frame pointer rule,
// and advances to the next fact's location.
//
// A fact with an undefined CFA register marks the return address as
// undefined and logs a warning. A CFA register above unwind.MaxRegister
// aborts with an *UnsupportedRegisterError.
func EncodeFunction(cie *CommonInformationEntry, fn *unwind.FunctionRange, log logflags.Logger) ([]byte, error) {
	if log == nil {
		log = logflags.CFILogger()
	}
	b := NewBuilder(cie)
	for i := range fn.Facts {
		fact := &fn.Facts[i]
		reg, defined := fact.CFARegister.Num()
		switch {
		case !defined:
			log.Warnf("undefined CFA at %#x", fact.Location)
			b.Undefined(regReturnAddress)
		case reg <= unwind.MaxRegister:
			b.DefCFA(reg, fact.CFAOffset)
			b.Offset(regReturnAddress, returnAddressOffset)
		default:
			return nil, &UnsupportedRegisterError{Reg: reg, Addr: fact.Location}
		}

		if fact.FramePointerSaved {
			b.Offset(regFramePointer, fact.FramePointerOffset)
		} else {
			b.Undefined(regFramePointer)
		}

		if i < len(fn.Facts)-1 {
			b.AdvanceLoc(fn.Facts[i+1].Location - fact.Location)
		}
		if err := b.Err(); err != nil {
			return nil, fmt.Errorf("at %#x: %w", fact.Location, err)
		}
	}
	if logflags.CFI() {
		log.Debugf("%#x-%#x: %d facts, %d instructions, %d bytes", fn.InitialLocation, fn.EndLocation, len(fn.Facts), b.Count(), b.Len())
	}
	return b.Bytes(), nil
}
