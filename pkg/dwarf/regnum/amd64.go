package regnum

import (
	"fmt"
	"strconv"
	"strings"
)

// The mapping between hardware registers and DWARF registers is specified
// in the System V ABI AMD64 Architecture Processor Supplement v. 1.0 page 61,
// figure 3.36
// https://gitlab.com/x86-psABIs/x86-64-ABI/-/tree/master

const (
	AMD64_Rax  = 0
	AMD64_Rdx  = 1
	AMD64_Rcx  = 2
	AMD64_Rbx  = 3
	AMD64_Rsi  = 4
	AMD64_Rdi  = 5
	AMD64_Rbp  = 6
	AMD64_Rsp  = 7
	AMD64_R8   = 8
	AMD64_R9   = 9
	AMD64_R10  = 10
	AMD64_R11  = 11
	AMD64_R12  = 12
	AMD64_R13  = 13
	AMD64_R14  = 14
	AMD64_R15  = 15
	AMD64_Rip  = 16 // return address column
	AMD64_XMM0 = 17 // XMM1 through XMM15 follow
)

// AMD64MaxCFARegister is the highest DWARF register number accepted as
// the base of a CFA rule.
const AMD64MaxCFARegister = 31

var amd64DwarfToName = func() map[uint64]string {
	r := map[uint64]string{
		AMD64_Rax: "rax",
		AMD64_Rdx: "rdx",
		AMD64_Rcx: "rcx",
		AMD64_Rbx: "rbx",
		AMD64_Rsi: "rsi",
		AMD64_Rdi: "rdi",
		AMD64_Rbp: "rbp",
		AMD64_Rsp: "rsp",
		AMD64_R8:  "r8",
		AMD64_R9:  "r9",
		AMD64_R10: "r10",
		AMD64_R11: "r11",
		AMD64_R12: "r12",
		AMD64_R13: "r13",
		AMD64_R14: "r14",
		AMD64_R15: "r15",
		AMD64_Rip: "ra",
	}
	for i := uint64(0); i < 16; i++ {
		r[AMD64_XMM0+i] = "xmm" + strconv.FormatUint(i, 10)
	}
	return r
}()

// AMD64NameToDwarf maps lower case register names to DWARF numbers.
var AMD64NameToDwarf = func() map[string]uint64 {
	r := make(map[string]uint64)
	for regNum, regName := range amd64DwarfToName {
		r[regName] = regNum
	}
	r["rip"] = AMD64_Rip
	return r
}()

// AMD64ToName returns the name readelf uses for DWARF register num.
func AMD64ToName(num uint64) string {
	name, ok := amd64DwarfToName[num]
	if ok {
		return name
	}
	return fmt.Sprintf("r%d", num)
}

// AMD64Lookup resolves a register given either by name ("rsp", "RBP") or
// by its DWARF number ("7").
func AMD64Lookup(s string) (uint64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, ok := AMD64NameToDwarf[s]; ok {
		return n, true
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
