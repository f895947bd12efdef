package engineio

import (
	"errors"
	"testing"
	"time"

	"github.com/ramory-l/sioclient/internal/loop"
	"github.com/ramory-l/sioclient/internal/transporttest"
	"github.com/ramory-l/sioclient/transport"
	"github.com/ramory-l/sioclient/ws"
)

const handshake = `0{"sid":"abc123","pingInterval":25000,"pingTimeout":5000}`

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type harness struct {
	clock   *clock
	loop    *loop.Loop
	fake    *transporttest.Fake
	session *Session

	opens    int
	messages []string
	closes   []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: &clock{now: time.Unix(1700000000, 0)}}
	h.loop = loop.New(loop.WithClock(h.clock.Now))
	h.fake = transporttest.New(4096)
	h.session = NewSession(h.loop, ws.NewCodec(h.fake))

	h.session.OnOpen(func() { h.opens++ })
	h.session.OnMessage(func() {
		buf := make([]byte, h.session.PacketSize())
		n := h.session.Read(buf)
		h.messages = append(h.messages, string(buf[:n]))
	})
	h.session.OnClose(func(err error) { h.closes = append(h.closes, err) })

	h.fake.Connect("example.com", 80)
	h.fake.Open()
	return h
}

func (h *harness) feed(packet string) {
	h.fake.Feed(ws.AppendFrame(nil, ws.OpText, []byte(packet), [4]byte{1, 2, 3, 4}))
}

func (h *harness) advance(d time.Duration) {
	h.clock.now = h.clock.now.Add(d)
	h.loop.Poll()
}

// sent decodes every frame written since the last call.
func (h *harness) sent(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, w := range h.fake.TakeWrites() {
		hdr, payload, err := ws.DecodeFrame(w)
		if err != nil {
			t.Fatal(err)
		}
		if hdr.OpCode != ws.OpText {
			t.Fatalf("have %s frame", hdr.OpCode)
		}
		out = append(out, string(payload))
	}
	return out
}

func TestOpenParsesHandshake(t *testing.T) {
	h := newHarness(t)
	h.feed(handshake)

	if h.opens != 1 || !h.session.Opened() {
		t.Fatalf("have %d opens", h.opens)
	}
	if h.session.SID() != "abc123" {
		t.Fatalf("have sid %q", h.session.SID())
	}
	if h.session.PingInterval() != 25*time.Second || h.session.PingTimeout() != 5*time.Second {
		t.Fatalf("have %v / %v", h.session.PingInterval(), h.session.PingTimeout())
	}
}

func TestPingAnswersOnePong(t *testing.T) {
	h := newHarness(t)
	h.feed(handshake)
	h.feed("2")

	sent := h.sent(t)
	if len(sent) != 1 || sent[0] != "3" {
		t.Fatalf("have %q, want one pong", sent)
	}
}

func TestMessageExcludesPrefix(t *testing.T) {
	h := newHarness(t)
	h.feed(handshake)
	h.feed(`42["hello"]`)
	h.feed("4")

	if len(h.messages) != 2 || h.messages[0] != `2["hello"]` || h.messages[1] != "" {
		t.Fatalf("have %q", h.messages)
	}
	if h.session.PacketSize() != 0 {
		t.Fatal("packet size leaked outside the callback")
	}
}

func TestSendPrependsMessageType(t *testing.T) {
	h := newHarness(t)
	h.feed(handshake)

	if !h.session.Send([]byte(`2["x"]`)) {
		t.Fatal("send rejected")
	}
	if sent := h.sent(t); len(sent) != 1 || sent[0] != `42["x"]` {
		t.Fatalf("have %q", sent)
	}
}

func TestUnknownAndIgnoredTypes(t *testing.T) {
	h := newHarness(t)
	h.feed(handshake)
	h.feed("9garbage")
	h.feed("3")
	h.feed("5")
	h.feed("6")
	h.feed("")

	if sent := h.sent(t); len(sent) != 0 {
		t.Fatalf("have replies %q", sent)
	}
	if len(h.closes) != 0 || len(h.messages) != 0 {
		t.Fatal("ignored packets had effects")
	}

	h.feed("4ok")
	if len(h.messages) != 1 || h.messages[0] != "ok" {
		t.Fatalf("have %q", h.messages)
	}
}

func TestServerClosePacket(t *testing.T) {
	h := newHarness(t)
	h.feed(handshake)
	h.feed("1")

	if len(h.closes) != 1 || !errors.Is(h.closes[0], transport.ErrClosed) {
		t.Fatalf("have %v", h.closes)
	}
	if h.fake.State() != transport.Closed {
		t.Fatalf("have transport %s", h.fake.State())
	}
	if h.session.Send([]byte("late")) {
		t.Fatal("send accepted after close")
	}
}

func TestCloseSendsClosePacket(t *testing.T) {
	h := newHarness(t)
	h.feed(handshake)

	if err := h.session.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.session.Close(); err != nil {
		t.Fatal(err)
	}

	if sent := h.sent(t); len(sent) != 1 || sent[0] != "1" {
		t.Fatalf("have %q", sent)
	}
	if len(h.closes) != 1 || !errors.Is(h.closes[0], transport.ErrClosed) {
		t.Fatalf("have %v", h.closes)
	}
}

func TestKeepAliveTimeout(t *testing.T) {
	h := newHarness(t)
	h.feed(`0{"sid":"ka","pingInterval":1000,"pingTimeout":500}`)

	h.advance(1400 * time.Millisecond)
	h.feed("2")
	h.advance(1400 * time.Millisecond)
	if len(h.closes) != 0 {
		t.Fatalf("closed despite ping: %v", h.closes)
	}

	h.advance(200 * time.Millisecond)
	if len(h.closes) != 1 || !errors.Is(h.closes[0], transport.ErrTimeout) {
		t.Fatalf("have %v, want one ErrTimeout", h.closes)
	}
	if h.loop.Pending() != 0 {
		t.Fatalf("have %d timers left", h.loop.Pending())
	}
}

func TestCloseCancelsKeepAlive(t *testing.T) {
	h := newHarness(t)
	h.feed(handshake)
	h.session.Close()

	h.advance(time.Minute)
	if len(h.closes) != 1 {
		t.Fatalf("have %d closes", len(h.closes))
	}
}
