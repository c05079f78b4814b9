package ehframe

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/dwarfsynth/ehsynth/pkg/dwarf/leb128"
)

// Builder accumulates call frame instructions for one FDE. Offsets and
// deltas are given unfactored; the builder divides them by the alignment
// factors of its CIE. The first encoding error is kept in Err and makes
// every later call a no-op.
type Builder struct {
	cie   *CommonInformationEntry
	buf   bytes.Buffer
	count int
	err   error
}

// NewBuilder returns an empty instruction stream for cie.
func NewBuilder(cie *CommonInformationEntry) *Builder {
	return &Builder{cie: cie}
}

// Bytes returns the instructions written so far.
func (b *Builder) Bytes() []byte {
	return b.buf.Bytes()
}

// Len returns the size in bytes of the instruction stream.
func (b *Builder) Len() int {
	return b.buf.Len()
}

// Count returns the number of instructions written.
func (b *Builder) Count() int {
	return b.count
}

// Err returns the first encoding error.
func (b *Builder) Err() error {
	return b.err
}

func (b *Builder) fail(what string, v int64) {
	if b.err == nil {
		b.err = &EncodingError{What: what, Value: v}
	}
}

// factor divides off by the data alignment factor.
func (b *Builder) factor(off int64, what string) (int64, bool) {
	daf := b.cie.DataAlignmentFactor
	if daf == 0 || off%daf != 0 {
		b.fail(what, off)
		return 0, false
	}
	return off / daf, true
}

// DefCFA sets the CFA rule to reg+off.
func (b *Builder) DefCFA(reg uint64, off int64) {
	if b.err != nil {
		return
	}
	if off >= 0 {
		b.buf.WriteByte(DW_CFA_def_cfa)
		leb128.EncodeUnsigned(&b.buf, reg)
		leb128.EncodeUnsigned(&b.buf, uint64(off))
	} else {
		f, ok := b.factor(off, "CFA offset")
		if !ok {
			return
		}
		b.buf.WriteByte(DW_CFA_def_cfa_sf)
		leb128.EncodeUnsigned(&b.buf, reg)
		leb128.EncodeSigned(&b.buf, f)
	}
	b.count++
}

// Offset records that reg is saved at CFA+off.
func (b *Builder) Offset(reg uint64, off int64) {
	if b.err != nil {
		return
	}
	f, ok := b.factor(off, "register save offset")
	if !ok {
		return
	}
	switch {
	case f >= 0 && reg <= low6:
		b.buf.WriteByte(DW_CFA_offset | byte(reg))
		leb128.EncodeUnsigned(&b.buf, uint64(f))
	case f >= 0:
		b.buf.WriteByte(DW_CFA_offset_extended)
		leb128.EncodeUnsigned(&b.buf, reg)
		leb128.EncodeUnsigned(&b.buf, uint64(f))
	default:
		b.buf.WriteByte(DW_CFA_offset_extended_sf)
		leb128.EncodeUnsigned(&b.buf, reg)
		leb128.EncodeSigned(&b.buf, f)
	}
	b.count++
}

// Undefined marks reg as not recoverable.
func (b *Builder) Undefined(reg uint64) {
	if b.err != nil {
		return
	}
	b.buf.WriteByte(DW_CFA_undefined)
	leb128.EncodeUnsigned(&b.buf, reg)
	b.count++
}

// AdvanceLoc moves the current location forward by delta bytes, choosing
// the smallest encoding that holds the factored delta.
func (b *Builder) AdvanceLoc(delta uint64) {
	if b.err != nil {
		return
	}
	caf := b.cie.CodeAlignmentFactor
	if caf == 0 || delta%caf != 0 {
		b.fail("location delta", int64(delta))
		return
	}
	d := delta / caf
	order := b.cie.order()
	switch {
	case d <= low6:
		b.buf.WriteByte(DW_CFA_advance_loc | byte(d))
	case d <= math.MaxUint8:
		b.buf.WriteByte(DW_CFA_advance_loc1)
		b.buf.WriteByte(byte(d))
	case d <= math.MaxUint16:
		b.buf.WriteByte(DW_CFA_advance_loc2)
		binary.Write(&b.buf, order, uint16(d))
	case d <= math.MaxUint32:
		b.buf.WriteByte(DW_CFA_advance_loc4)
		binary.Write(&b.buf, order, uint32(d))
	default:
		b.fail("location delta", int64(delta))
		return
	}
	b.count++
}
