package ws

import (
	"encoding/binary"
	"errors"
	"strconv"

	"github.com/gorilla/websocket"
)

var (
	ErrShortHeader = errors.New("short frame header")
	ErrShortFrame  = errors.New("short frame payload")
)

type OpCode byte

const (
	OpContinuation OpCode = 0
	OpText                = OpCode(websocket.TextMessage)
	OpBinary              = OpCode(websocket.BinaryMessage)
	OpClose               = OpCode(websocket.CloseMessage)
	OpPing                = OpCode(websocket.PingMessage)
	OpPong                = OpCode(websocket.PongMessage)
)

func (op OpCode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "unknown(" + strconv.Itoa(int(op)) + ")"
	}
}

const (
	finalBit  byte = 0x80
	maskBit   byte = 0x80
	opMask    byte = 0x0F
	lenMask   byte = 0x7F
	length16  byte = 126
	length64  byte = 127
	maxLength7     = 125

	// MaxHeaderSize is the largest possible header: 2 fixed bytes, a 64-bit
	// length extension and a masking key.
	MaxHeaderSize = 2 + 8 + 4
)

// Header is a decoded frame header.
type Header struct {
	Fin    bool
	OpCode OpCode
	Masked bool
	// Length keeps the low 32 bits of the wire length.
	Length uint32
	Key    [4]byte
}

// AppendFrame appends one final, masked frame carrying payload to dst. The
// payload itself is left untouched.
func AppendFrame(dst []byte, op OpCode, payload []byte, key [4]byte) []byte {
	dst = append(dst, finalBit|byte(op))

	n := len(payload)
	switch {
	case n <= maxLength7:
		dst = append(dst, maskBit|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, maskBit|length16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, maskBit|length64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	Mask(dst[start:], key, 0)

	return dst
}

// ParseHeader decodes the header at the start of b and returns it with its
// encoded size. When b is too short it returns ErrShortHeader and the number
// of bytes needed to make progress.
func ParseHeader(b []byte) (Header, int, error) {
	var h Header
	if len(b) < 2 {
		return h, 2, ErrShortHeader
	}

	size := 2
	indicator := b[1] & lenMask
	switch indicator {
	case length16:
		size += 2
	case length64:
		size += 8
	}
	masked := b[1]&maskBit != 0
	if masked {
		size += 4
	}
	if len(b) < size {
		return h, size, ErrShortHeader
	}

	h.Fin = b[0]&finalBit != 0
	h.OpCode = OpCode(b[0] & opMask)
	h.Masked = masked

	pos := 2
	switch indicator {
	case length16:
		h.Length = uint32(binary.BigEndian.Uint16(b[pos:]))
		pos += 2
	case length64:
		h.Length = uint32(binary.BigEndian.Uint64(b[pos:]))
		pos += 8
	default:
		h.Length = uint32(indicator)
	}
	if masked {
		copy(h.Key[:], b[pos:pos+4])
	}

	return h, size, nil
}

// DecodeFrame decodes one complete frame from b and returns the unmasked
// payload, which aliases b.
func DecodeFrame(b []byte) (Header, []byte, error) {
	h, n, err := ParseHeader(b)
	if err != nil {
		return h, nil, err
	}
	end := n + int(h.Length)
	if len(b) < end {
		return h, nil, ErrShortFrame
	}

	payload := b[n:end]
	if h.Masked {
		Mask(payload, h.Key, 0)
	}

	return h, payload, nil
}

// Mask XORs b in place with key, starting at key offset pos, and returns the
// offset to continue from.
func Mask(b []byte, key [4]byte, pos int) int {
	for i := range b {
		b[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}
