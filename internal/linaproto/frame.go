// Package linaproto implements the LiNa wire protocol: a fixed 264-byte
// header followed by an optional payload, carrying the READ/WRITE/DELETE
// operation space over a single TCP frame per request.
package linaproto

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/valyala/bytebufferpool"
)

// HeaderSize is the fixed on-wire header length: Flags(1) + Name(255) +
// Length(4) + Checksum(4).
const HeaderSize = 1 + NameFieldSize + 4 + 4

// NameFieldSize is the fixed width of the Name field on the wire.
const NameFieldSize = 255

// MaxName is the longest logical name a Frame may carry.
const MaxName = NameFieldSize

// MaxPayload bounds a single frame's payload; the connection loop resets
// connections that exceed it before a frame is fully read.
const MaxPayload = 64 * 1024 * 1024

const (
	offFlags    = 0
	offName     = 1
	offLength   = offName + NameFieldSize
	offChecksum = offLength + 4
)

// File operation codes, occupying bits 7..6 of the Flags byte.
type Op byte

const (
	OpNone   Op = 0
	OpRead   Op = 1
	OpWrite  Op = 2
	OpDelete Op = 3
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpDelete:
		return "DELETE"
	default:
		return "NONE"
	}
}

const (
	flagOpShift    = 6
	flagOpMask     = 0b11 << flagOpShift
	flagCoverBit   = 1 << 1
	flagCompressBit = 1 << 0
	flagReservedMask = 0b111100
)

// Flags is the single-byte request flag field: FO in bits 7..6, Cover in
// bit 1, Compress in bit 0. Bits 5..2 are reserved and must be zero.
type Flags byte

func MakeFlags(op Op, cover, compress bool) Flags {
	f := Flags(byte(op) << flagOpShift)
	if cover {
		f |= flagCoverBit
	}
	if compress {
		f |= flagCompressBit
	}
	return f
}

func (f Flags) Op() Op         { return Op(byte(f) >> flagOpShift & 0b11) }
func (f Flags) Cover() bool    { return byte(f)&flagCoverBit != 0 }
func (f Flags) Compress() bool { return byte(f)&flagCompressBit != 0 }

// Reserved returns the bits 5..2 of the flag byte, which must be zero in a
// well-formed request.
func (f Flags) Reserved() byte { return byte(f) & flagReservedMask }

// Frame is the decoded form of a LiNa request or response.
type Frame struct {
	Flags   Flags
	Name    string
	Payload []byte
}

var crcTable = crc32.MakeTable(crc32.IEEE)

// checksum computes the CRC-32 (poly 0xEDB88320, init/final XOR 0xFFFFFFFF)
// over the padded Name field, the little-endian Length, and the Payload —
// in that order, matching the bytes as they appear on the wire. Flags is
// never covered.
func checksum(paddedName [NameFieldSize]byte, length uint32, payload []byte) uint32 {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.Write(paddedName[:])
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], length)
	buf.Write(lenBuf[:])
	buf.Write(payload)
	return crc32.Checksum(buf.B, crcTable)
}

func padName(name string) ([NameFieldSize]byte, error) {
	var out [NameFieldSize]byte
	if len(name) > MaxName {
		return out, fmt.Errorf("linaproto: name %q exceeds %d bytes", name, MaxName)
	}
	copy(out[:], name)
	return out, nil
}

// Encode serializes f as a full wire frame: header followed by payload.
// It fails only if the name or payload exceed the protocol's fixed limits.
func Encode(f Frame) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("linaproto: payload of %d bytes exceeds uint32 range", len(f.Payload))
	}
	paddedName, err := padName(f.Name)
	if err != nil {
		return nil, err
	}
	length := uint32(len(f.Payload))
	sum := checksum(paddedName, length, f.Payload)

	out := make([]byte, HeaderSize+len(f.Payload))
	out[offFlags] = byte(f.Flags)
	copy(out[offName:offName+NameFieldSize], paddedName[:])
	binary.LittleEndian.PutUint32(out[offLength:offLength+4], length)
	binary.LittleEndian.PutUint32(out[offChecksum:offChecksum+4], sum)
	copy(out[HeaderSize:], f.Payload)
	return out, nil
}

// ErrChecksumMismatch is returned by Decode when the recomputed CRC-32
// disagrees with the checksum field on the wire.
var ErrChecksumMismatch = fmt.Errorf("linaproto: checksum mismatch")

// ErrPayloadTooLarge is returned by Decode when the frame's declared
// Length exceeds MaxPayload; the caller should reset the connection.
var ErrPayloadTooLarge = fmt.Errorf("linaproto: payload exceeds %d bytes", MaxPayload)

// Decode reads exactly one frame from r: HeaderSize header bytes, then
// exactly Length payload bytes. It returns ErrChecksumMismatch if the
// checksum disagrees, ErrPayloadTooLarge if Length exceeds MaxPayload, and
// the reader's io error as is (io.EOF or io.ErrUnexpectedEOF for a short
// read) on any I/O failure in either phase.
func Decode(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	flags := Flags(header[offFlags])
	var paddedName [NameFieldSize]byte
	copy(paddedName[:], header[offName:offName+NameFieldSize])
	length := binary.LittleEndian.Uint32(header[offLength : offLength+4])
	wantSum := binary.LittleEndian.Uint32(header[offChecksum : offChecksum+4])

	if length > MaxPayload {
		return Frame{}, ErrPayloadTooLarge
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}

	gotSum := checksum(paddedName, length, payload)
	if gotSum != wantSum {
		return Frame{}, ErrChecksumMismatch
	}

	name := string(paddedName[:])
	if i := indexNUL(name); i >= 0 {
		name = name[:i]
	}

	return Frame{Flags: flags, Name: name, Payload: payload}, nil
}

func indexNUL(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return i
		}
	}
	return -1
}
