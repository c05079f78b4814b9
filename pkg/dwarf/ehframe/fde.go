package ehframe

import (
	"bytes"
	"encoding/binary"
	"math"
)

// FrameDescriptionEntry describes the unwind rules of one function range.
type FrameDescriptionEntry struct {
	CIE *CommonInformationEntry
	// CIEOffset is the position of CIE in the output stream.
	CIEOffset       int64
	InitialLocation uint64
	AddressRange    uint64
	Instructions    []byte
}

// RelocationSite locates the initial location field of a serialized FDE.
type RelocationSite struct {
	// Offset is relative to the start of the FDE.
	Offset int64
	// Value is the address stored in the field.
	Value uint64
}

// initialLocationOffset is the position of the initial location field in
// an FDE: it follows the length and the CIE pointer.
const initialLocationOffset = 8

// Bytes serializes fde for placement at offset at of the output stream.
// The CIE pointer is the distance from the CIE pointer field back to the
// start of the CIE.
func (fde *FrameDescriptionEntry) Bytes(at int64) ([]byte, RelocationSite, error) {
	cie := fde.CIE
	order := cie.order()
	ptrSize, err := cie.pointerSize()
	if err != nil {
		return nil, RelocationSite{}, err
	}

	ciePointer := at + 4 - fde.CIEOffset
	if fde.CIEOffset < 0 || ciePointer <= 0 || ciePointer > math.MaxUint32 {
		return nil, RelocationSite{}, &EncodingError{What: "CIE pointer", Value: ciePointer}
	}

	var body bytes.Buffer
	binary.Write(&body, order, uint32(ciePointer))
	if err := writePointer(&body, order, cie.PointerEncoding, ptrSize, fde.InitialLocation, "initial location"); err != nil {
		return nil, RelocationSite{}, err
	}
	if err := writePointer(&body, order, cie.PointerEncoding, ptrSize, fde.AddressRange, "address range"); err != nil {
		return nil, RelocationSite{}, err
	}
	if cie.hasAugmentationData() {
		body.WriteByte(0)
	}
	body.Write(fde.Instructions)

	site := RelocationSite{Offset: initialLocationOffset, Value: fde.InitialLocation}
	return frameEntry(order, body.Bytes()), site, nil
}

func writePointer(buf *bytes.Buffer, order binary.ByteOrder, enc uint8, size int, v uint64, what string) error {
	signed := enc&0x08 != 0
	switch size {
	case 2:
		if (signed && v > math.MaxInt16) || v > math.MaxUint16 {
			return &EncodingError{What: what, Value: int64(v)}
		}
		binary.Write(buf, order, uint16(v))
	case 4:
		if (signed && v > math.MaxInt32) || v > math.MaxUint32 {
			return &EncodingError{What: what, Value: int64(v)}
		}
		binary.Write(buf, order, uint32(v))
	default:
		binary.Write(buf, order, v)
	}
	return nil
}
