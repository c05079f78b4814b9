package ehframe

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dwarfsynth/ehsynth/pkg/dwarf/leb128"
)

// CommonInformationEntry is the header shared by the FDEs of one
// executable section.
type CommonInformationEntry struct {
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	PointerEncoding       uint8
	InitialInstructions   []byte

	Order binary.ByteOrder
}

// DefaultCIE returns the CIE used for every executable section: version 1,
// augmentation "zR", code alignment 1, data alignment -8, return address in
// column 16 and 4-byte signed pointers.
func DefaultCIE(order binary.ByteOrder) *CommonInformationEntry {
	return &CommonInformationEntry{
		Version:               1,
		Augmentation:          "zR",
		CodeAlignmentFactor:   1,
		DataAlignmentFactor:   -8,
		ReturnAddressRegister: regReturnAddress,
		PointerEncoding:       DW_EH_PE_sdata4,
		Order:                 order,
	}
}

func (cie *CommonInformationEntry) order() binary.ByteOrder {
	if cie.Order == nil {
		return binary.LittleEndian
	}
	return cie.Order
}

// hasAugmentationData reports whether FDEs referencing cie carry an
// augmentation length field.
func (cie *CommonInformationEntry) hasAugmentationData() bool {
	return len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z'
}

// pointerSize returns the size in bytes of addresses stored in FDEs.
func (cie *CommonInformationEntry) pointerSize() (int, error) {
	if cie.PointerEncoding&0xf0 != 0 {
		return 0, fmt.Errorf("unsupported pointer encoding %#x", cie.PointerEncoding)
	}
	switch cie.PointerEncoding & 0x0f {
	case DW_EH_PE_udata2, DW_EH_PE_sdata2:
		return 2, nil
	case DW_EH_PE_udata4, DW_EH_PE_sdata4:
		return 4, nil
	case DW_EH_PE_absptr, DW_EH_PE_udata8, DW_EH_PE_sdata8:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported pointer encoding %#x", cie.PointerEncoding)
}

// Bytes serializes cie, padded with DW_CFA_nop to a multiple of 4 bytes.
func (cie *CommonInformationEntry) Bytes() ([]byte, error) {
	var body bytes.Buffer
	order := cie.order()

	binary.Write(&body, order, uint32(0)) // CIE id, zero in .eh_frame
	body.WriteByte(cie.Version)
	body.WriteString(cie.Augmentation)
	body.WriteByte(0)
	leb128.EncodeUnsigned(&body, cie.CodeAlignmentFactor)
	leb128.EncodeSigned(&body, cie.DataAlignmentFactor)
	if cie.Version == 1 {
		if cie.ReturnAddressRegister > 0xff {
			return nil, &EncodingError{What: "return address register", Value: int64(cie.ReturnAddressRegister)}
		}
		body.WriteByte(uint8(cie.ReturnAddressRegister))
	} else {
		leb128.EncodeUnsigned(&body, cie.ReturnAddressRegister)
	}

	if cie.Augmentation != "" {
		if !cie.hasAugmentationData() {
			return nil, fmt.Errorf("unsupported augmentation string %q", cie.Augmentation)
		}
		var aug bytes.Buffer
		for _, ch := range cie.Augmentation[1:] {
			switch ch {
			case 'R':
				if _, err := cie.pointerSize(); err != nil {
					return nil, err
				}
				aug.WriteByte(cie.PointerEncoding)
			default:
				return nil, fmt.Errorf("unsupported augmentation string %q", cie.Augmentation)
			}
		}
		leb128.EncodeUnsigned(&body, uint64(aug.Len()))
		body.Write(aug.Bytes())
	}
	body.Write(cie.InitialInstructions)

	return frameEntry(order, body.Bytes()), nil
}

// frameEntry prefixes body with its length and pads the whole entry to a
// multiple of 4 bytes.
func frameEntry(order binary.ByteOrder, body []byte) []byte {
	total := 4 + len(body)
	pad := (4 - total%4) % 4
	out := make([]byte, 4, total+pad)
	order.PutUint32(out, uint32(len(body)+pad))
	out = append(out, body...)
	for i := 0; i < pad; i++ {
		out = append(out, DW_CFA_nop)
	}
	return out
}
