package ehframe

// Call frame instructions emitted by the encoder.
const (
	DW_CFA_nop                = 0x00
	DW_CFA_advance_loc1       = 0x02 // op1: 1-byte delta
	DW_CFA_advance_loc2       = 0x03 // op1: 2-byte delta
	DW_CFA_advance_loc4       = 0x04 // op1: 4-byte delta
	DW_CFA_offset_extended    = 0x05 // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_undefined          = 0x07 // op1: ULEB128 register
	DW_CFA_def_cfa            = 0x0c // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_offset_extended_sf = 0x11 // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_sf         = 0x12 // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_advance_loc        = (0x1 << 6) // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset             = (0x2 << 6) // High 2 bits: 0x2, low 6: register
)

// Pointer encodings, see
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
const (
	DW_EH_PE_absptr = 0x00
	DW_EH_PE_udata2 = 0x02
	DW_EH_PE_udata4 = 0x03
	DW_EH_PE_udata8 = 0x04
	DW_EH_PE_sdata2 = 0x0a
	DW_EH_PE_sdata4 = 0x0b
	DW_EH_PE_sdata8 = 0x0c
	DW_EH_PE_pcrel  = 0x10
	DW_EH_PE_omit   = 0xff
)

const low6 = 0x3f

// amd64 columns used by the encoder.
const (
	regFramePointer  = 6
	regReturnAddress = 16

	// The return address is always found just above the CFA.
	returnAddressOffset = -8
)
