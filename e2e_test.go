package sioclient

import (
	"crypto/x509"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ramory-l/sioclient/internal/servertest"
	"github.com/ramory-l/sioclient/transport"
)

type endToEnd struct {
	t      *testing.T
	srv    *servertest.Server
	client *Client
	got    []string
}

func newEndToEnd(t *testing.T, srv *servertest.Server, rawURL string, query map[string]string, cfg *Config) *endToEnd {
	t.Helper()
	c, err := NewClient(rawURL, query, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})
	return &endToEnd{t: t, srv: srv, client: c}
}

// until pumps the client and collects server-side packets until cond holds.
func (e *endToEnd) until(what string, cond func() bool) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			e.t.Fatalf("timed out waiting for %s; server saw %q", what, e.got)
		}
		e.drain()
		if e.client.Poll() == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

func (e *endToEnd) drain() {
	for {
		select {
		case p := <-e.srv.Received:
			e.got = append(e.got, p)
		default:
			return
		}
	}
}

func (e *endToEnd) count(packet string) int {
	n := 0
	for _, p := range e.got {
		if p == packet {
			n++
		}
	}
	return n
}

func TestEndToEnd(t *testing.T) {
	srv := servertest.New(&servertest.Config{PingInterval: 100, PingTimeout: 1000, MaxPayload: 1e6})
	cfg := DefaultConfig()
	cfg.ReconnectDelay = 50 * time.Millisecond
	e := newEndToEnd(t, srv, srv.URL, map[string]string{"token": "abc"}, cfg)
	c := e.client

	chat := c.Of("/chat")
	var news, chatDown calls
	chat.On("news", news.handler)
	chat.On("disconnect", chatDown.handler)
	reconnected := 0
	c.OnReconnect(func() { reconnected++ })

	opened := 0
	c.Open(func() {
		opened++
		c.Connect("/")
		c.Connect("/chat")
	})

	e.until("namespaces", func() bool { return c.Of("/").Connected() && chat.Connected() })

	q := <-srv.Queries
	if q.Get("EIO") != "4" || q.Get("transport") != "websocket" || q.Get("token") != "abc" {
		t.Fatalf("have query %v", q)
	}

	if err := c.Emit("hello", map[string]interface{}{"x": 1}); err != nil {
		t.Fatal(err)
	}
	e.until("emit", func() bool { return e.count(`42["hello",{"x":1}]`) == 1 })

	srv.Emit(`2/chat,["news","hi"]`)
	e.until("event", func() bool { return len(news.args) == 1 })
	if fmt.Sprint(news.args[0]) != "[hi]" {
		t.Fatalf("have %v", news.args)
	}

	e.until("pong", func() bool { return e.count("3") >= 2 })

	srv.Drop()
	e.until("disconnect", func() bool { return len(chatDown.args) == 1 })
	// a pong racing the drop can turn the FIN into a reset
	if r := chatDown.args[0][0]; r != ReasonTransportClose && r != ReasonTransportError {
		t.Fatalf("have %v", chatDown.args)
	}

	e.until("reconnect", func() bool { return reconnected == 1 && chat.Connected() })
	if opened != 1 {
		t.Fatalf("open callback ran %d times", opened)
	}
	if e.count("40") != 2 || e.count("40/chat,") != 2 {
		t.Fatalf("connects not replayed: %q", e.got)
	}
}

func TestEndToEndLargeEvent(t *testing.T) {
	srv := servertest.New(nil)
	e := newEndToEnd(t, srv, srv.URL, nil, nil)
	c := e.client

	var big, small calls
	c.Of("/").On("big", big.handler)
	c.Of("/").On("small", small.handler)
	c.Open(func() { c.Connect("/") })
	e.until("connect", func() bool { return c.Of("/").Connected() })

	// larger than the default receive ring
	body := strings.Repeat("a", 3000)
	srv.Emit(`2["big","` + body + `"]`)
	srv.Emit(`2["small","x"]`)
	e.until("events", func() bool { return len(small.args) == 1 })

	if len(big.args) != 1 || big.args[0][0] != body {
		t.Fatalf("large event lost: %d deliveries", len(big.args))
	}
}

func TestEndToEndTLS(t *testing.T) {
	srv := servertest.NewTLS(nil)

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	cfg := DefaultConfig()
	cfg.TLSConfig = transport.NewTLSConfig(roots)

	e := newEndToEnd(t, srv, fmt.Sprintf("https://127.0.0.1:%d", srv.Port()), nil, cfg)
	c := e.client

	c.Open(func() { c.Connect("/") })
	e.until("connect", func() bool { return c.Of("/").Connected() })

	c.Emit("secure", true)
	e.until("emit", func() bool { return e.count(`42["secure",true]`) == 1 })
}

func TestEndToEndUpgradeRejected(t *testing.T) {
	srv := servertest.New(nil)
	cfg := DefaultConfig()
	cfg.Path = "/elsewhere/"
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.ReconnectAttempts = 1

	e := newEndToEnd(t, srv, srv.URL, nil, cfg)
	e.client.Open(func() { t.Error("opened despite rejected upgrade") })

	requests := 0
	e.until("retry", func() bool {
		select {
		case <-srv.Queries:
			requests++
		default:
		}
		return requests == 2 && e.client.State() == Disconnected && e.client.reconnect == nil
	})

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		e.client.Poll()
		time.Sleep(time.Millisecond)
	}
	if len(srv.Queries) != 0 {
		t.Fatal("retried past the attempt limit")
	}
}
