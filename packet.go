package sioclient

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sugawarayuuta/sonnet"
)

var (
	ErrEmptyPacket = errors.New("empty packet")
	ErrPacketType  = errors.New("invalid packet type")
	ErrPayload     = errors.New("malformed payload")
)

// PacketType represents Socket.IO packet types
type PacketType int

const (
	PacketTypeConnect PacketType = iota
	PacketTypeDisconnect
	PacketTypeEvent
	PacketTypeAck
	PacketTypeConnectError
	PacketTypeBinaryEvent
	PacketTypeBinaryAck
)

// Packet represents a Socket.IO packet
type Packet struct {
	Type      PacketType
	Namespace string
	Data      interface{}
	ID        *int
}

// Encode encodes a Socket.IO packet to string
func (p *Packet) Encode() (string, error) {
	var builder strings.Builder

	builder.WriteString(strconv.Itoa(int(p.Type)))

	// the default namespace is implied
	if p.Namespace != "" && p.Namespace != "/" {
		builder.WriteString(p.Namespace)
		builder.WriteByte(',')
	}

	if p.ID != nil {
		builder.WriteString(strconv.Itoa(*p.ID))
	}

	if p.Data != nil {
		jsonData, err := sonnet.Marshal(p.Data)
		if err != nil {
			return "", fmt.Errorf("failed to marshal packet data: %w", err)
		}
		builder.Write(jsonData)
	}

	return builder.String(), nil
}

// DecodePacket decodes a Socket.IO packet from string. Connect payloads are
// taken between the first '{' and the last '}', event payloads between the
// first '[' and the last ']'; anything else is decoded as plain JSON.
func DecodePacket(data string) (*Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}

	packet := &Packet{
		Namespace: "/",
	}

	pos := 0
	if data[pos] < '0' || data[pos] > '6' {
		return nil, fmt.Errorf("%w: %q", ErrPacketType, data[pos])
	}
	packet.Type = PacketType(data[pos] - '0')
	pos++

	// the namespace token ends at the first ',' ahead of any payload
	if pos < len(data) && data[pos] == '/' {
		boundary := strings.IndexAny(data[pos:], "[{")
		if boundary < 0 {
			boundary = len(data) - pos
		}
		token := data[pos : pos+boundary]
		if end := strings.IndexByte(token, ','); end >= 0 {
			packet.Namespace = token[:end]
			pos += end + 1
		} else {
			packet.Namespace = token
			pos += len(token)
		}
	}

	if pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
		end := pos
		for end < len(data) && data[end] >= '0' && data[end] <= '9' {
			end++
		}
		id, _ := strconv.Atoi(data[pos:end])
		packet.ID = &id
		pos = end
	}

	payload := data[pos:]
	switch packet.Type {
	case PacketTypeConnect:
		payload = enclosed(payload, '{', '}')
	case PacketTypeEvent:
		payload = enclosed(payload, '[', ']')
	}

	if strings.TrimSpace(payload) == "" {
		return packet, nil
	}
	if err := sonnet.Unmarshal([]byte(payload), &packet.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}

	return packet, nil
}

// enclosed returns s from the first open to the last close, or s unchanged
// when either marker is missing.
func enclosed(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// String returns the packet type as a string
func (pt PacketType) String() string {
	switch pt {
	case PacketTypeConnect:
		return "connect"
	case PacketTypeDisconnect:
		return "disconnect"
	case PacketTypeEvent:
		return "event"
	case PacketTypeAck:
		return "ack"
	case PacketTypeConnectError:
		return "connect_error"
	case PacketTypeBinaryEvent:
		return "binary_event"
	case PacketTypeBinaryAck:
		return "binary_ack"
	default:
		return "unknown"
	}
}
