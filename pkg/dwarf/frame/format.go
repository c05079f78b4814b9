package frame

import (
	"fmt"

	"github.com/dwarfsynth/ehsynth/pkg/dwarf/regnum"
)

// CFAString formats a CFA rule the way readelf -wF prints it, e.g. "rsp+8".
func CFAString(r DWRule) string {
	switch r.Rule {
	case RuleCFA:
		return fmt.Sprintf("%s%+d", regnum.AMD64ToName(r.Reg), r.Offset)
	case RuleExpression:
		return "exp"
	default:
		return "u"
	}
}

// RuleString formats a register rule the way readelf -wF prints it:
// "c-8" for a slot relative to the CFA, "u" when undefined.
func RuleString(r DWRule, ok bool) string {
	if !ok {
		return "u"
	}
	switch r.Rule {
	case RuleUndefined:
		return "u"
	case RuleSameVal:
		return "s"
	case RuleOffset:
		return fmt.Sprintf("c%+d", r.Offset)
	case RuleValOffset:
		return fmt.Sprintf("v%+d", r.Offset)
	case RuleRegister:
		return regnum.AMD64ToName(r.Reg)
	case RuleExpression:
		return "exp"
	case RuleValExpression:
		return "vexp"
	}
	return "?"
}
