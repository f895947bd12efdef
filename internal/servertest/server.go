// Package servertest runs a minimal Engine.IO v4 / Socket.IO server over
// gorilla/websocket for end-to-end client tests.
package servertest

import (
	"crypto/rand"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/getlantern/golog"
	"github.com/gorilla/websocket"

	"github.com/ramory-l/sioclient/engineio"
)

var log = golog.LoggerFor("sioclient.servertest")

// Config holds Engine.IO server configuration
type Config struct {
	PingInterval int // milliseconds
	PingTimeout  int // milliseconds
	MaxPayload   int // bytes
}

// DefaultConfig returns default Engine.IO configuration
func DefaultConfig() *Config {
	return &Config{
		PingInterval: 25000,
		PingTimeout:  20000,
		MaxPayload:   1e6,
	}
}

// Server is an httptest server speaking Engine.IO over websocket only.
// Every packet a client sends is published on Received as raw Engine.IO
// text.
type Server struct {
	*httptest.Server

	config   *Config
	upgrader websocket.Upgrader
	sessions sync.Map

	Received chan string
	// Queries carries the query of every request, including rejected ones.
	Queries chan url.Values
}

func newServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		Received: make(chan string, 256),
		Queries:  make(chan url.Values, 16),
	}
	return s
}

// New starts a plain server.
func New(config *Config) *Server {
	s := newServer(config)
	s.Server = httptest.NewServer(s)
	return s
}

// NewTLS starts a TLS server; its certificate is s.Certificate().
func NewTLS(config *Config) *Server {
	s := newServer(config)
	s.Server = httptest.NewTLSServer(s)
	return s
}

// Port returns the listening port.
func (s *Server) Port() uint16 {
	return uint16(s.Listener.Addr().(*net.TCPAddr).Port)
}

// ServeHTTP handles HTTP requests and upgrades to WebSocket
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case s.Queries <- r.URL.Query():
	default:
	}

	if !strings.HasPrefix(r.URL.Path, "/socket.io/") {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	if q.Get("transport") != "websocket" || q.Get("EIO") != "4" {
		http.Error(w, "Only WebSocket transport is supported", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sid := generateSID()
	sess := newSession(sid, conn, s)
	s.sessions.Store(sid, sess)

	handshake, err := engineio.EncodeHandshake(sid, s.config.PingInterval, s.config.PingTimeout, s.config.MaxPayload)
	if err != nil {
		conn.Close()
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		conn.Close()
		return
	}

	sess.onClose = func(reason string) {
		s.sessions.Delete(sid)
	}
	sess.start()
}

func (s *Server) each(fn func(*session)) {
	s.sessions.Range(func(key, value interface{}) bool {
		fn(value.(*session))
		return true
	})
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	n := 0
	s.each(func(*session) { n++ })
	return n
}

// Emit sends a Socket.IO packet, e.g. `2["news",1]`, to every session.
func (s *Server) Emit(packet string) {
	s.each(func(sess *session) {
		sess.send(&engineio.Packet{Type: engineio.PacketTypeMessage, Data: []byte(packet)})
	})
}

// Ping sends an Engine.IO ping to every session.
func (s *Server) Ping() {
	s.each(func(sess *session) {
		sess.send(&engineio.Packet{Type: engineio.PacketTypePing})
	})
}

// Drop closes every connection without a close packet or close frame.
func (s *Server) Drop() {
	s.each(func(sess *session) {
		sess.close("dropped", false)
	})
}

// Close closes all sessions and stops the server.
func (s *Server) Close() {
	s.each(func(sess *session) {
		sess.close("server shutdown", true)
	})
	s.Server.Close()
}

func generateSID() string {
	b := make([]byte, 15)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
