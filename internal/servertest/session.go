package servertest

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ramory-l/sioclient/engineio"
)

type session struct {
	id          string
	conn        *websocket.Conn
	server      *Server
	outgoing    chan *engineio.Packet
	pingTimer   *time.Timer
	pingTimeout *time.Timer
	closeOnce   sync.Once
	closed      chan struct{}
	mu          sync.Mutex
	wmu         sync.Mutex // gorilla allows one writer at a time
	onClose     func(string)
}

func newSession(id string, conn *websocket.Conn, server *Server) *session {
	return &session{
		id:       id,
		conn:     conn,
		server:   server,
		outgoing: make(chan *engineio.Packet, 256),
		closed:   make(chan struct{}),
	}
}

func (s *session) start() {
	go s.writeLoop()
	go s.readLoop()
	s.schedulePing()
}

func (s *session) send(packet *engineio.Packet) {
	select {
	case s.outgoing <- packet:
	case <-s.closed:
	default:
		log.Errorf("%s: outgoing queue full, dropping %s", s.id, packet.Type)
	}
}

func (s *session) close(reason string, graceful bool) {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		if s.pingTimer != nil {
			s.pingTimer.Stop()
		}
		if s.pingTimeout != nil {
			s.pingTimeout.Stop()
		}
		s.mu.Unlock()

		if graceful {
			s.write(&engineio.Packet{Type: engineio.PacketTypeClose})
		}
		s.conn.Close()
		log.Debugf("%s: closed: %s", s.id, reason)

		if s.onClose != nil {
			s.onClose(reason)
		}
	})
}

func (s *session) readLoop() {
	defer s.close("read error", false)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		select {
		case s.server.Received <- string(data):
		default:
		}

		packet, err := engineio.DecodePacket(data)
		if err != nil {
			continue
		}
		s.handlePacket(packet)
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case packet := <-s.outgoing:
			if err := s.write(packet); err != nil {
				s.close("write error", false)
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) write(packet *engineio.Packet) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, packet.Encode())
}

func (s *session) handlePacket(packet *engineio.Packet) {
	switch packet.Type {
	case engineio.PacketTypePong:
		s.handlePong()
	case engineio.PacketTypeMessage:
		s.handleMessage(string(packet.Data))
	case engineio.PacketTypeClose:
		s.close("client closed", false)
	}
}

func (s *session) handlePong() {
	s.mu.Lock()
	if s.pingTimeout != nil {
		s.pingTimeout.Stop()
	}
	s.mu.Unlock()
	s.schedulePing()
}

// handleMessage answers namespace connects; everything else is only recorded.
func (s *session) handleMessage(data string) {
	if !strings.HasPrefix(data, "0") {
		return
	}

	ns := strings.TrimSuffix(data[1:], ",")
	if i := strings.IndexByte(ns, ','); i >= 0 {
		ns = ns[:i]
	}
	if !strings.HasPrefix(ns, "/") {
		ns = ""
	}
	reply := "0"
	if ns != "" && ns != "/" {
		reply += ns + ","
	}
	reply += `{"sid":"` + generateSID() + `"}`

	s.send(&engineio.Packet{Type: engineio.PacketTypeMessage, Data: []byte(reply)})
}

func (s *session) schedulePing() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}

	s.pingTimer = time.AfterFunc(time.Duration(s.server.config.PingInterval)*time.Millisecond, func() {
		s.send(&engineio.Packet{Type: engineio.PacketTypePing})
		s.schedulePingTimeout()
	})
}

func (s *session) schedulePingTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pingTimeout = time.AfterFunc(time.Duration(s.server.config.PingTimeout)*time.Millisecond, func() {
		s.close("ping timeout", false)
	})
}
