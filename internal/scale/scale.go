// Package scale is a byte-slice cursor over the SCALE codec, shaped for
// building runtime calls and reading multisig storage entries. Compact
// integers go through the go-substrate-rpc-client codec.
package scale

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4/scale"
)

var ErrShortBuffer = errors.New("scale: unexpected end of input")

// Encoder appends SCALE encoded values to an internal buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) Bytes() []byte {
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out
}

func (e *Encoder) Len() int { return len(e.buf) }

// Raw appends b without a length prefix.
func (e *Encoder) Raw(b []byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}

func (e *Encoder) U8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.U8(1)
	}
	return e.U8(0)
}

func (e *Encoder) U16(v uint16) *Encoder {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
	return e
}

func (e *Encoder) U32(v uint32) *Encoder {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	return e
}

func (e *Encoder) U64(v uint64) *Encoder {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
	return e
}

// U128 writes v as a fixed-width little endian 128-bit integer.
func (e *Encoder) U128(v uint64) *Encoder {
	e.U64(v)
	return e.U64(0)
}

// Compact writes v using the compact integer encoding.
func (e *Encoder) Compact(v uint64) *Encoder {
	var buf bytes.Buffer
	// a bytes.Buffer never fails and 64-bit values are always encodable
	if err := gsrpc.NewEncoder(&buf).EncodeUintCompact(*new(big.Int).SetUint64(v)); err != nil {
		panic(fmt.Sprintf("scale: compact %d: %v", v, err))
	}
	e.buf = append(e.buf, buf.Bytes()...)
	return e
}

// Vec writes a compact length prefix followed by b.
func (e *Encoder) Vec(b []byte) *Encoder {
	e.Compact(uint64(len(b)))
	return e.Raw(b)
}

// Decoder reads SCALE encoded values from a byte slice.
type Decoder struct {
	data []byte
	off  int
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.data) - d.off }

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

// Fixed reads exactly n bytes.
func (d *Decoder) Fixed(n int) ([]byte, error) {
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (d *Decoder) U8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) Bool() (bool, error) {
	v, err := d.U8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("scale: invalid bool byte %d", v)
	}
}

func (d *Decoder) U16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Decoder) U32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) U64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// U128 reads a fixed-width little endian 128-bit integer.
func (d *Decoder) U128() (*big.Int, error) {
	b, err := d.take(16)
	if err != nil {
		return nil, err
	}
	be := make([]byte, 16)
	for i := range b {
		be[15-i] = b[i]
	}
	return new(big.Int).SetBytes(be), nil
}

// compactLen is the encoded size announced by the first byte of a compact
// integer.
func compactLen(first byte) int {
	switch first & 0b11 {
	case 0b00:
		return 1
	case 0b01:
		return 2
	case 0b10:
		return 4
	default:
		return int(first>>2) + 5
	}
}

// Compact reads a compact integer that fits in 64 bits.
func (d *Decoder) Compact() (uint64, error) {
	if d.Remaining() == 0 {
		return 0, ErrShortBuffer
	}
	n := compactLen(d.data[d.off])
	if n > 9 {
		return 0, fmt.Errorf("scale: compact integer of %d bytes overflows uint64", n-1)
	}
	raw, err := d.take(n)
	if err != nil {
		return 0, err
	}
	v, err := gsrpc.NewDecoder(bytes.NewReader(raw)).DecodeUintCompact()
	if err != nil {
		return 0, fmt.Errorf("scale: compact integer: %w", err)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("scale: compact integer %s overflows uint64", v)
	}
	return v.Uint64(), nil
}

// Vec reads a compact length prefix and that many bytes.
func (d *Decoder) Vec() ([]byte, error) {
	n, err := d.Compact()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, ErrShortBuffer
	}
	return d.Fixed(int(n))
}
