// Package frame contains data structures and
// related functions for parsing and searching
// through .eh_frame data.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dwarfsynth/ehsynth/pkg/dwarf/leb128"
)

type parsefunc func(*parseContext) parsefunc

type parseContext struct {
	staticBase uint64

	buf         *bytes.Buffer
	totalLen    int
	entries     FrameDescriptionEntries
	ciemap      map[int]*CommonInformationEntry
	common      *CommonInformationEntry
	frame       *FrameDescriptionEntry
	length      uint32
	ptrSize     int
	ehFrameAddr uint64
	order       binary.ByteOrder
	err         error
}

// Parse takes in the contents of an .eh_frame section and returns
// FrameDescriptionEntries sorted by start address. Each
// FrameDescriptionEntry has a pointer to its CommonInformationEntry.
// ehFrameAddr is the address of the section, used to resolve PC relative
// pointers. staticBase is added to every FDE start address.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, ehFrameAddr uint64) (FrameDescriptionEntries, error) {
	var (
		buf  = bytes.NewBuffer(data)
		pctx = &parseContext{
			buf:         buf,
			totalLen:    len(data),
			entries:     newFrameIndex(),
			ciemap:      map[int]*CommonInformationEntry{},
			staticBase:  staticBase,
			ptrSize:     ptrSize,
			ehFrameAddr: ehFrameAddr,
			order:       order,
		}
	)

	for fn := parselength; buf.Len() != 0 && fn != nil; {
		fn = fn(pctx)
	}
	if pctx.err != nil {
		return nil, pctx.err
	}

	pctx.entries.Sort()
	return pctx.entries, nil
}

func (ctx *parseContext) offset() int {
	return ctx.totalLen - ctx.buf.Len()
}

func (ctx *parseContext) fail(err error) parsefunc {
	ctx.err = fmt.Errorf("eh_frame offset %#x: %w", ctx.offset(), err)
	return nil
}

var errTruncated = errors.New("truncated entry")

func parselength(ctx *parseContext) parsefunc {
	start := ctx.offset()
	if ctx.buf.Len() < 4 {
		return ctx.fail(errTruncated)
	}
	ctx.length = ctx.order.Uint32(ctx.buf.Next(4))

	if ctx.length == 0 {
		// ZERO terminator
		return parselength
	}
	if ctx.length == 0xffffffff {
		return ctx.fail(errors.New("64-bit DWARF format not supported"))
	}
	if ctx.length < 4 || int(ctx.length) > ctx.buf.Len() {
		return ctx.fail(errTruncated)
	}

	idpos := ctx.offset()
	id := ctx.order.Uint32(ctx.buf.Next(4))

	ctx.length -= 4 // take off the length of the CIE id / CIE pointer.

	if id == 0 {
		ctx.common = &CommonInformationEntry{Length: ctx.length, staticBase: ctx.staticBase, Offset: start}
		ctx.ciemap[start] = ctx.common
		return parseCIE
	}

	// In .eh_frame the CIE pointer is relative to its own position.
	cie, ok := ctx.ciemap[idpos-int(id)]
	if !ok {
		return ctx.fail(fmt.Errorf("FDE references unknown CIE at %#x", idpos-int(id)))
	}
	ctx.frame = &FrameDescriptionEntry{Length: ctx.length, CIE: cie, order: ctx.order, Offset: start}
	return parseFDE
}

func parseFDE(ctx *parseContext) parsefunc {
	fieldPos := uint64(ctx.offset())
	r := ctx.buf.Next(int(ctx.length))
	reader := bytes.NewReader(r)

	begin, err := ctx.readEncodedPtr(ctx.ehFrameAddr+fieldPos, reader, ctx.frame.CIE.ptrEncAddr)
	if err != nil {
		return ctx.fail(err)
	}
	ctx.frame.begin = begin + ctx.staticBase

	// For the size field only the size of the pointer depends on the encoding.
	ctx.frame.size, err = ctx.readEncodedPtr(0, reader, ctx.frame.CIE.ptrEncAddr&0x0f)
	if err != nil {
		return ctx.fail(err)
	}

	if len(ctx.frame.CIE.Augmentation) > 0 && ctx.frame.CIE.Augmentation[0] == 'z' {
		n, _, err := leb128.DecodeUnsigned(reader)
		if err != nil || int(n) > reader.Len() {
			return ctx.fail(errTruncated)
		}
		reader.Seek(int64(n), io.SeekCurrent)
	}

	ctx.entries = append(ctx.entries, ctx.frame)

	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	ctx.frame.Instructions = r[len(r)-reader.Len():]
	ctx.length = 0

	return parselength
}

func parseCIE(ctx *parseContext) parsefunc {
	data := ctx.buf.Next(int(ctx.length))
	buf := bytes.NewBuffer(data)

	var err error
	// parse version
	ctx.common.Version, err = buf.ReadByte()
	if err != nil {
		return ctx.fail(errTruncated)
	}

	// parse augmentation
	aug, err := buf.ReadString(0)
	if err != nil {
		return ctx.fail(errTruncated)
	}
	ctx.common.Augmentation = aug[:len(aug)-1]

	if ctx.common.Version == 4 {
		// address_size and segment_selector_size
		buf.Next(2)
	}

	// parse code alignment factor
	if ctx.common.CodeAlignmentFactor, _, err = leb128.DecodeUnsigned(buf); err != nil {
		return ctx.fail(err)
	}

	// parse data alignment factor
	if ctx.common.DataAlignmentFactor, _, err = leb128.DecodeSigned(buf); err != nil {
		return ctx.fail(err)
	}

	// parse return address register
	if ctx.common.Version == 1 {
		b, err := buf.ReadByte()
		if err != nil {
			return ctx.fail(errTruncated)
		}
		ctx.common.ReturnAddressRegister = uint64(b)
	} else if ctx.common.ReturnAddressRegister, _, err = leb128.DecodeUnsigned(buf); err != nil {
		return ctx.fail(err)
	}

	ctx.common.ptrEncAddr = ptrEncAbs

	if len(ctx.common.Augmentation) > 0 && ctx.common.Augmentation[0] == 'z' {
		n, _, err := leb128.DecodeUnsigned(buf)
		if err != nil || int(n) > buf.Len() {
			return ctx.fail(errTruncated)
		}
		augdata := bytes.NewReader(buf.Next(int(n)))
	augloop:
		for _, ch := range ctx.common.Augmentation[1:] {
			switch ch {
			case 'L':
				// LSDA pointer encoding, FDEs carry the LSDA in their
				// augmentation data which is skipped anyway.
				augdata.ReadByte()
			case 'R':
				b, err := augdata.ReadByte()
				if err != nil {
					return ctx.fail(errTruncated)
				}
				ctx.common.ptrEncAddr = ptrEnc(b)
				if !ctx.common.ptrEncAddr.Supported() {
					return ctx.fail(fmt.Errorf("pointer encoding not supported %#x", b))
				}
			case 'P':
				b, err := augdata.ReadByte()
				if err != nil {
					return ctx.fail(errTruncated)
				}
				if _, err := ctx.readEncodedPtr(0, augdata, ptrEnc(b)&^ptrEncIndirect&^ptrEncPCRel); err != nil {
					return ctx.fail(err)
				}
			case 'S':
				// signal frame
			default:
				// Unknown augmentation, the rest of the data is skipped
				// thanks to the augmentation length.
				break augloop
			}
		}
	}

	// parse initial instructions
	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	ctx.common.InitialInstructions = buf.Bytes()
	ctx.length = 0

	return parselength
}

// readEncodedPtr reads a pointer from buf encoded as specified by ptrEnc.
// addr is the address of the pointer field, used for PC relative pointers.
func (ctx *parseContext) readEncodedPtr(addr uint64, buf leb128.Reader, ptrEnc ptrEnc) (uint64, error) {
	if ptrEnc == ptrEncOmit {
		return 0, nil
	}

	var (
		ptr uint64
		err error
	)

	switch ptrEnc & 0xf {
	case ptrEncAbs, ptrEncSigned:
		ptr, err = readUintRaw(buf, ctx.order, ctx.ptrSize)
	case ptrEncUleb:
		ptr, _, err = leb128.DecodeUnsigned(buf)
	case ptrEncUdata2:
		ptr, err = readUintRaw(buf, ctx.order, 2)
	case ptrEncSdata2:
		ptr, err = readUintRaw(buf, ctx.order, 2)
		ptr = uint64(int16(ptr))
	case ptrEncUdata4:
		ptr, err = readUintRaw(buf, ctx.order, 4)
	case ptrEncSdata4:
		ptr, err = readUintRaw(buf, ctx.order, 4)
		ptr = uint64(int32(ptr))
	case ptrEncUdata8, ptrEncSdata8:
		ptr, err = readUintRaw(buf, ctx.order, 8)
	case ptrEncSleb:
		var n int64
		n, _, err = leb128.DecodeSigned(buf)
		ptr = uint64(n)
	default:
		return 0, fmt.Errorf("pointer encoding not supported %#x", ptrEnc)
	}
	if err != nil {
		return 0, err
	}

	if ptrEnc&0xf0 == ptrEncPCRel {
		ptr += addr
	}

	return ptr, nil
}

// readUintRaw reads an integer of size bytes, with the specified byte order, from reader.
func readUintRaw(reader leb128.Reader, order binary.ByteOrder, size int) (uint64, error) {
	if reader.Len() < size {
		return 0, errTruncated
	}
	b := make([]byte, size)
	if _, err := reader.Read(b); err != nil {
		return 0, err
	}
	switch size {
	case 2:
		return uint64(order.Uint16(b)), nil
	case 4:
		return uint64(order.Uint32(b)), nil
	case 8:
		return order.Uint64(b), nil
	}
	return 0, fmt.Errorf("unsupported pointer size %d", size)
}
