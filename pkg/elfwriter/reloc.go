package elfwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"
)

// Relocation is one entry of a SHT_RELA section.
type Relocation struct {
	Offset uint64 // offset in the section being relocated
	Symbol uint32 // index in .symtab
	Type   uint32 // e.g. uint32(elf.R_X86_64_32S)
	Addend int64
}

func (img *Image) relaSize() uint64 {
	if img.Class == elf.ELFCLASS64 {
		return 24
	}
	return 12
}

// EncodeRelocations serializes relocs in the class and byte order of the
// image.
func (img *Image) EncodeRelocations(relocs []Relocation) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range relocs {
		var err error
		if img.Class == elf.ELFCLASS64 {
			err = binary.Write(&buf, img.ByteOrder, elf.Rela64{
				Off:    r.Offset,
				Info:   elf.R_INFO(r.Symbol, r.Type),
				Addend: r.Addend,
			})
		} else {
			if r.Offset > math.MaxUint32 || r.Symbol > 0xffffff || r.Type > 0xff || r.Addend < math.MinInt32 || r.Addend > math.MaxInt32 {
				return nil, fmt.Errorf("relocation %+v does not fit ELFCLASS32", r)
			}
			err = binary.Write(&buf, img.ByteOrder, elf.Rela32{
				Off:    uint32(r.Offset),
				Info:   elf.R_INFO32(r.Symbol, r.Type),
				Addend: int32(r.Addend),
			})
		}
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
