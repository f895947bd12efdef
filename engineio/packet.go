package engineio

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/sugawarayuuta/sonnet"
)

var (
	ErrEmptyPacket = errors.New("empty packet")
	ErrPacketType  = errors.New("invalid packet type")
	ErrHandshake   = errors.New("malformed handshake")
)

// PacketType represents Engine.IO packet types
type PacketType byte

const (
	PacketTypeOpen PacketType = iota
	PacketTypeClose
	PacketTypePing
	PacketTypePong
	PacketTypeMessage
	PacketTypeUpgrade
	PacketTypeNoop
)

// Byte returns the ASCII prefix carried on the wire.
func (pt PacketType) Byte() byte {
	return byte('0' + pt)
}

// Packet represents an Engine.IO packet
type Packet struct {
	Type PacketType
	Data []byte
}

func (p *Packet) Encode() []byte {
	result := make([]byte, 0, len(p.Data)+1)
	result = append(result, p.Type.Byte())
	result = append(result, p.Data...)
	return result
}

func DecodePacket(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}

	t, err := parseType(data[0])
	if err != nil {
		return nil, err
	}

	packet := &Packet{Type: t}
	if len(data) > 1 {
		packet.Data = data[1:]
	}

	return packet, nil
}

func parseType(c byte) (PacketType, error) {
	if c < '0' || c > '6' {
		return 0, fmt.Errorf("%w: %q", ErrPacketType, c)
	}
	return PacketType(c - '0'), nil
}

// Handshake is the payload of the open packet. Intervals are milliseconds.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// EncodeHandshake creates an open packet with handshake data
func EncodeHandshake(sid string, pingInterval, pingTimeout, maxPayload int) ([]byte, error) {
	data := Handshake{
		SID:          sid,
		Upgrades:     []string{}, // websocket only, nothing to upgrade to
		PingInterval: pingInterval,
		PingTimeout:  pingTimeout,
		MaxPayload:   maxPayload,
	}

	jsonData, err := sonnet.Marshal(data)
	if err != nil {
		return nil, err
	}

	packet := &Packet{
		Type: PacketTypeOpen,
		Data: jsonData,
	}

	return packet.Encode(), nil
}

// ParseHandshake extracts the session parameters from an open payload. The
// three required fields are located by scanning for their keys; if any key is
// missing the payload is decoded as JSON instead.
func ParseHandshake(data []byte) (Handshake, error) {
	var h Handshake

	sid, ok1 := scanString(data, "sid")
	interval, ok2 := scanInt(data, "pingInterval")
	timeout, ok3 := scanInt(data, "pingTimeout")
	if ok1 && ok2 && ok3 {
		h.SID, h.PingInterval, h.PingTimeout = sid, interval, timeout
		h.MaxPayload, _ = scanInt(data, "maxPayload")
		return h, nil
	}

	if err := sonnet.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if h.SID == "" {
		return h, fmt.Errorf("%w: no sid", ErrHandshake)
	}

	return h, nil
}

func keyIndex(data []byte, key string) int {
	marker := `"` + key + `":`
	i := bytes.Index(data, []byte(marker))
	if i < 0 {
		return -1
	}
	return i + len(marker)
}

func scanString(data []byte, key string) (string, bool) {
	start := keyIndex(data, key)
	if start < 0 || start >= len(data) || data[start] != '"' {
		return "", false
	}
	start++

	end := bytes.IndexByte(data[start:], '"')
	if end < 0 {
		return "", false
	}
	return string(data[start : start+end]), true
}

func scanInt(data []byte, key string) (int, bool) {
	start := keyIndex(data, key)
	if start < 0 {
		return 0, false
	}

	end := start
	for end < len(data) && data[end] >= '0' && data[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(string(data[start:end]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// String returns the packet type as a string
func (pt PacketType) String() string {
	switch pt {
	case PacketTypeOpen:
		return "open"
	case PacketTypeClose:
		return "close"
	case PacketTypePing:
		return "ping"
	case PacketTypePong:
		return "pong"
	case PacketTypeMessage:
		return "message"
	case PacketTypeUpgrade:
		return "upgrade"
	case PacketTypeNoop:
		return "noop"
	default:
		return "unknown(" + strconv.Itoa(int(pt)) + ")"
	}
}
