package ehframe

import (
	"fmt"

	"github.com/dwarfsynth/ehsynth/pkg/dwarf/regnum"
)

// UnsupportedRegisterError is returned when a fact uses a CFA register
// that cannot be encoded.
type UnsupportedRegisterError struct {
	Reg  uint64
	Addr uint64
}

func (err *UnsupportedRegisterError) Error() string {
	return fmt.Sprintf("unsupported register %d (%s) at %#x as CFA base", err.Reg, regnum.AMD64ToName(err.Reg), err.Addr)
}

// EncodingError is returned when a value does not fit the chosen encoding.
type EncodingError struct {
	What  string
	Value int64
}

func (err *EncodingError) Error() string {
	return fmt.Sprintf("can not encode %s %#x", err.What, err.Value)
}
