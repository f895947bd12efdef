// Package engineio implements the client side of an Engine.IO v4 session
// carried over WebSocket frames.
package engineio

import (
	"time"

	"github.com/getlantern/golog"

	"github.com/ramory-l/sioclient/internal/loop"
	"github.com/ramory-l/sioclient/transport"
	"github.com/ramory-l/sioclient/ws"
)

var log = golog.LoggerFor("sioclient.engineio")

// Session represents an Engine.IO session
type Session struct {
	l     *loop.Loop
	codec *ws.Codec

	handshake Handshake
	opened    bool
	closed    bool
	size      int

	keepAlive *loop.Timer

	onOpen    func()
	onMessage func()
	onClose   func(error)
}

// NewSession attaches a session to codec. All callbacks run on l.
func NewSession(l *loop.Loop, codec *ws.Codec) *Session {
	s := &Session{
		l:         l,
		codec:     codec,
		onOpen:    func() {},
		onMessage: func() {},
		onClose:   func(error) {},
	}

	codec.OnReceive(s.receive)
	codec.OnClosed(s.transportClosed)

	return s
}

func (s *Session) OnOpen(fn func())       { s.onOpen = fn }
func (s *Session) OnMessage(fn func())    { s.onMessage = fn }
func (s *Session) OnClose(fn func(error)) { s.onClose = fn }
func (s *Session) SID() string            { return s.handshake.SID }
func (s *Session) Opened() bool           { return s.opened }
func (s *Session) PingInterval() time.Duration {
	return time.Duration(s.handshake.PingInterval) * time.Millisecond
}
func (s *Session) PingTimeout() time.Duration {
	return time.Duration(s.handshake.PingTimeout) * time.Millisecond
}

// PacketSize returns the body size of the message being delivered, excluding
// the type prefix.
func (s *Session) PacketSize() int {
	return s.size
}

// Read copies message body bytes into out; valid only inside the message
// callback.
func (s *Session) Read(out []byte) int {
	return s.codec.Read(out)
}

// Send sends data as a message packet.
func (s *Session) Send(data []byte) bool {
	return s.SendPacket(&Packet{Type: PacketTypeMessage, Data: data})
}

func (s *Session) SendPacket(packet *Packet) bool {
	if s.closed {
		log.Debugf("%s: dropping %s packet on closed session", s.SID(), packet.Type)
		return false
	}
	return s.codec.WriteText(packet.Encode())
}

// Close sends a close packet, best effort, and closes the transport.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	if s.codec.Transport().State() == transport.Connected {
		s.SendPacket(&Packet{Type: PacketTypeClose})
	}
	return s.codec.Close()
}

func (s *Session) receive() {
	var prefix [1]byte
	if s.codec.Read(prefix[:]) == 0 {
		log.Debugf("%s: empty frame", s.SID())
		return
	}

	t, err := parseType(prefix[0])
	if err != nil {
		log.Errorf("%s: %v, dropping frame", s.SID(), err)
		return
	}
	log.Tracef("%s: received %s packet, %d bytes", s.SID(), t, s.codec.ReceivedPacketSize())

	switch t {
	case PacketTypeOpen:
		body := make([]byte, s.codec.ReceivedPacketSize()-1)
		n := s.codec.Read(body)
		s.open(body[:n])
	case PacketTypeClose:
		log.Debugf("%s: server closed the session", s.SID())
		s.codec.Close()
	case PacketTypePing:
		s.SendPacket(&Packet{Type: PacketTypePong})
		s.armKeepAlive()
	case PacketTypeMessage:
		s.size = s.codec.ReceivedPacketSize() - 1
		s.onMessage()
		s.size = 0
	default:
		// pong, upgrade and noop carry nothing for a websocket-only client
	}
}

func (s *Session) open(payload []byte) {
	h, err := ParseHandshake(payload)
	if err != nil {
		log.Errorf("%v: %q", err, payload)
		return
	}

	s.handshake = h
	s.opened = true
	log.Debugf("%s: session open, ping interval %v, ping timeout %v", h.SID, s.PingInterval(), s.PingTimeout())

	s.armKeepAlive()
	s.onOpen()
}

// armKeepAlive (re)starts the deadline for the server's next ping.
func (s *Session) armKeepAlive() {
	if !s.opened || s.closed {
		return
	}
	s.keepAlive.Stop()

	deadline := s.PingInterval() + s.PingTimeout()
	if deadline <= 0 {
		return
	}
	s.keepAlive = s.l.AfterFunc(deadline, func() {
		log.Debugf("%s: no ping within %v", s.SID(), deadline)
		s.codec.CloseWith(transport.ErrTimeout)
	})
}

func (s *Session) transportClosed(reason error) {
	if s.closed {
		return
	}
	s.closed = true
	s.keepAlive.Stop()
	s.keepAlive = nil

	log.Debugf("%s: session closed: %v", s.SID(), reason)
	s.onClose(reason)
}
