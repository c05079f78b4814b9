// Package compare checks a synthesized .eh_frame against a reference one,
// typically the table emitted by the compiler for the same object.
//
// Only the rules that matter for unwinding through frame pointers are
// compared: the CFA, rbp and the return address.
package compare

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dwarfsynth/ehsynth/pkg/dwarf/frame"
	"github.com/dwarfsynth/ehsynth/pkg/dwarf/regnum"
)

// Vals are the compared rules of one row, formatted like readelf -wF.
type Vals struct {
	CFA string
	RBP string
	RA  string
}

func (v Vals) String() string {
	return fmt.Sprintf("CFA=%s rbp=%s ra=%s", v.CFA, v.RBP, v.RA)
}

// Row is a row of an unwind table.
type Row struct {
	Loc uint64
	Vals
}

// FDE is the unwind table of one function.
type FDE struct {
	Begin, End uint64
	Name       string
	Rows       []Row
}

func (fde *FDE) String() string {
	return fmt.Sprintf("%#x--%#x", fde.Begin, fde.End)
}

// plt reports whether fde uses a CFA expression, which only happens for
// PLT stubs.
func (fde *FDE) plt() bool {
	for _, row := range fde.Rows {
		if row.CFA == "exp" {
			return true
		}
	}
	return false
}

// Table decodes every FDE in fdes. Contiguous identical rows are merged.
// name, if not nil, is used to name each FDE after its start address.
func Table(fdes frame.FrameDescriptionEntries, name func(addr uint64) string) ([]FDE, error) {
	out := make([]FDE, 0, len(fdes))
	for _, fde := range fdes {
		rows, err := fde.Rows()
		if err != nil {
			return nil, err
		}
		t := FDE{Begin: fde.Begin(), End: fde.End()}
		if name != nil {
			t.Name = name(t.Begin)
		}
		for _, r := range rows {
			rbp, rbpok := r.Regs[regnum.AMD64_Rbp]
			ra, raok := r.Regs[fde.CIE.ReturnAddressRegister]
			row := Row{Loc: r.Loc, Vals: Vals{
				CFA: frame.CFAString(r.CFA),
				RBP: frame.RuleString(rbp, rbpok),
				RA:  frame.RuleString(ra, raok),
			}}
			if n := len(t.Rows); n > 0 && t.Rows[n-1].Vals == row.Vals {
				continue
			}
			t.Rows = append(t.Rows, row)
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Begin < out[j].Begin })
	return out, nil
}

// Mismatch is an address range start where the two tables disagree.
type Mismatch struct {
	Loc   uint64
	Ref   Vals
	Synth Vals
}

// Report is the result of Compare.
type Report struct {
	Matched        int // pairs of FDEs with the same start address
	Mismatches     []Mismatch
	WellMatched    int
	UnmatchedRef   []FDE
	UnmatchedSynth []FDE
}

// DefaultExclude lists functions whose reference tables describe
// instructions no analysis reproduces.
var DefaultExclude = []string{"_start", "__libc_csu_init"}

// Compare pairs the FDEs of ref and synth by start address and compares
// their rows. FDEs named in exclude are ignored. PLT stubs of ref are
// considered to match every synthesized FDE they contain.
func Compare(ref, synth []FDE, exclude []string) *Report {
	ref, synth = filter(ref, exclude), filter(synth, exclude)
	rep := &Report{}
	refMatched := make([]bool, len(ref))
	synthMatched := make([]bool, len(synth))

	for i := range ref {
		r := &ref[i]
		plt := r.plt()
		for j := range synth {
			s := &synth[j]
			switch {
			case plt && (r.Begin == s.Begin || (r.Begin <= s.Begin && s.End <= r.End)):
				synthMatched[j] = true
			case r.Begin == s.Begin && !refMatched[i]:
				refMatched[i] = true
				synthMatched[j] = true
				rep.Matched++
				rep.compareRows(r, s)
			}
		}
		if plt {
			refMatched[i] = true
		}
	}

	for i, ok := range refMatched {
		if !ok {
			rep.UnmatchedRef = append(rep.UnmatchedRef, ref[i])
		}
	}
	for j, ok := range synthMatched {
		if !ok {
			rep.UnmatchedSynth = append(rep.UnmatchedSynth, synth[j])
		}
	}
	return rep
}

func filter(fdes []FDE, exclude []string) []FDE {
	if len(exclude) == 0 {
		return fdes
	}
	out := make([]FDE, 0, len(fdes))
outer:
	for _, fde := range fdes {
		for _, name := range exclude {
			if fde.Name == name {
				continue outer
			}
		}
		out = append(out, fde)
	}
	return out
}

type rowChange struct {
	synth bool
	row   Row
}

// compareRows walks the row changes of both tables in address order and
// compares the rules in effect after each address.
func (rep *Report) compareRows(ref, synth *FDE) {
	if len(ref.Rows) == 0 || len(synth.Rows) == 0 {
		return
	}
	changes := make([]rowChange, 0, len(ref.Rows)+len(synth.Rows))
	for _, row := range ref.Rows {
		changes = append(changes, rowChange{false, row})
	}
	for _, row := range synth.Rows {
		changes = append(changes, rowChange{true, row})
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].row.Loc < changes[j].row.Loc })

	cur := [2]Vals{ref.Rows[0].Vals, synth.Rows[0].Vals}
	for i, ch := range changes {
		if ch.synth {
			cur[1] = ch.row.Vals
		} else {
			cur[0] = ch.row.Vals
		}
		if i+1 < len(changes) && changes[i+1].row.Loc == ch.row.Loc {
			continue
		}
		if cur[0] != cur[1] {
			rep.Mismatches = append(rep.Mismatches, Mismatch{Loc: ch.row.Loc, Ref: cur[0], Synth: cur[1]})
		} else {
			rep.WellMatched++
		}
	}
}

// OK reports whether there is nothing worth reporting. Unmatched reference
// FDEs only count when one of them has more than the initial row.
func (rep *Report) OK() bool {
	return len(rep.Mismatches) == 0 && !rep.refWorthReporting() && len(rep.UnmatchedSynth) == 0
}

func (rep *Report) refWorthReporting() bool {
	for _, fde := range rep.UnmatchedRef {
		if len(fde.Rows) > 1 {
			return true
		}
	}
	return false
}

func (rep *Report) String() string {
	var parts []string
	if len(rep.Mismatches) > 0 {
		parts = append(parts, fmt.Sprintf("%d mismatches - %d well matched", len(rep.Mismatches), rep.WellMatched))
	}
	if rep.refWorthReporting() {
		parts = append(parts, fmt.Sprintf("%d unmatched (ref): %s", len(rep.UnmatchedRef), ranges(rep.UnmatchedRef)))
	}
	if len(rep.UnmatchedSynth) > 0 {
		parts = append(parts, fmt.Sprintf("%d unmatched (synth): %s", len(rep.UnmatchedSynth), ranges(rep.UnmatchedSynth)))
	}
	parts = append(parts, fmt.Sprintf("%d matched", rep.Matched))
	return strings.Join(parts, "; ")
}

func ranges(fdes []FDE) string {
	s := make([]string, len(fdes))
	for i := range fdes {
		s[i] = fdes[i].String()
	}
	return strings.Join(s, ", ")
}
