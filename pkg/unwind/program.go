package unwind

import "fmt"

// Fact describes the frame state at one instruction address.
type Fact struct {
	Location    uint64   `yaml:"location"`
	CFARegister Register `yaml:"cfa-register"`
	CFAOffset   int64    `yaml:"cfa-offset"`

	// FramePointerOffset is only meaningful when FramePointerSaved is set.
	FramePointerSaved  bool  `yaml:"fp-saved"`
	FramePointerOffset int64 `yaml:"fp-offset"`
}

// UnmarshalYAML rejects facts without a cfa-register key, the zero
// Register would otherwise make them silently undefined.
func (f *Fact) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Fact
	if err := unmarshal((*plain)(f)); err != nil {
		return err
	}
	var keys map[string]interface{}
	if err := unmarshal(&keys); err != nil {
		return err
	}
	if _, ok := keys["cfa-register"]; !ok {
		return fmt.Errorf("fact at %#x: missing cfa-register", f.Location)
	}
	return nil
}

// FunctionRange is the source of one FDE.
type FunctionRange struct {
	InitialLocation uint64 `yaml:"initial-location"`
	EndLocation     uint64 `yaml:"end-location"`
	Facts           []Fact `yaml:"facts"`
}

// Contains reports whether the function lies in the section interval
// [start, end). The end of the function must be strictly below end, so a
// function that finishes exactly at the section end is not contained.
func (fn *FunctionRange) Contains(start, end uint64) bool {
	return start <= fn.InitialLocation && fn.EndLocation < end
}

// Program is the whole input of a run. Functions may appear in any order.
type Program struct {
	Functions []FunctionRange `yaml:"functions"`
}

// InvalidProgramError reports a violated shape invariant.
type InvalidProgramError struct {
	Function int
	Fact     int // -1 when the problem is with the range itself
	Addr     uint64
	Reason   string
}

func (err *InvalidProgramError) Error() string {
	if err.Fact < 0 {
		return fmt.Sprintf("function %d at %#x: %s", err.Function, err.Addr, err.Reason)
	}
	return fmt.Sprintf("function %d, fact %d at %#x: %s", err.Function, err.Fact, err.Addr, err.Reason)
}

// Validate checks the ordering invariants of p. Register ranges are checked
// during encoding.
func (p *Program) Validate() error {
	for i := range p.Functions {
		fn := &p.Functions[i]
		if fn.InitialLocation >= fn.EndLocation {
			return &InvalidProgramError{Function: i, Fact: -1, Addr: fn.InitialLocation,
				Reason: fmt.Sprintf("empty range ending at %#x", fn.EndLocation)}
		}
		for j := range fn.Facts {
			loc := fn.Facts[j].Location
			if loc < fn.InitialLocation {
				return &InvalidProgramError{Function: i, Fact: j, Addr: loc, Reason: "fact before function start"}
			}
			if j > 0 && loc <= fn.Facts[j-1].Location {
				return &InvalidProgramError{Function: i, Fact: j, Addr: loc,
					Reason: fmt.Sprintf("location not after previous fact at %#x", fn.Facts[j-1].Location)}
			}
		}
	}
	return nil
}
