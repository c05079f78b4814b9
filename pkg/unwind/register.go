package unwind

import (
	"fmt"
	"strings"

	"github.com/dwarfsynth/ehsynth/pkg/dwarf/regnum"
)

// MaxRegister is the highest DWARF register number that can be used as the
// base of a CFA rule.
const MaxRegister = regnum.AMD64MaxCFARegister

// Register is either a DWARF register number or Undefined, meaning the
// analyzer could not tell how to compute the CFA at that point.
type Register struct {
	num     uint64
	defined bool
}

// Undefined is the register of a fact whose CFA is unknown.
var Undefined = Register{}

// Reg returns the defined register with DWARF number n.
func Reg(n uint64) Register {
	return Register{num: n, defined: true}
}

// Num returns the DWARF number of r and whether r is defined.
func (r Register) Num() (uint64, bool) {
	return r.num, r.defined
}

// Defined reports whether r names a register.
func (r Register) Defined() bool {
	return r.defined
}

func (r Register) String() string {
	if !r.defined {
		return "undefined"
	}
	return regnum.AMD64ToName(r.num)
}

// UnmarshalYAML accepts a register name, a DWARF number or "undefined".
func (r *Register) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" || strings.EqualFold(s, "undefined") {
		*r = Undefined
		return nil
	}
	n, ok := regnum.AMD64Lookup(s)
	if !ok {
		return fmt.Errorf("unknown register %q", s)
	}
	*r = Reg(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (r Register) MarshalYAML() (interface{}, error) {
	if !r.defined {
		return "undefined", nil
	}
	return r.num, nil
}
