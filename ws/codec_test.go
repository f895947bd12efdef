package ws

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ramory-l/sioclient/internal/transporttest"
	"github.com/ramory-l/sioclient/transport"
)

var testKey = [4]byte{0xde, 0xad, 0xbe, 0xef}

func fixedKey() [4]byte { return testKey }

// serverFrame builds an unmasked frame the way a server sends it.
func serverFrame(op OpCode, payload []byte) []byte {
	frame := AppendFrame(nil, op, payload, [4]byte{})
	_, n, _ := ParseHeader(frame)
	out := append(frame[:n-4:n-4], frame[n:]...)
	out[1] &^= maskBit
	return out
}

type recorder struct {
	codec *Codec
	// limit caps how much of each payload the handler reads; 0 reads all
	limit int
	got   []string
}

func newRecorder(f *transporttest.Fake, opts ...Option) *recorder {
	r := &recorder{codec: NewCodec(f, append([]Option{WithMaskKey(fixedKey)}, opts...)...)}
	r.codec.OnReceive(func() {
		size := r.codec.ReceivedPacketSize()
		if r.limit > 0 && size > r.limit {
			size = r.limit
		}
		buf := make([]byte, size)
		n := r.codec.Read(buf)
		r.got = append(r.got, string(buf[:n]))
	})
	return r
}

func connectedFake(capacity int) *transporttest.Fake {
	f := transporttest.New(capacity)
	f.Connect("localhost", 80)
	f.Open()
	return f
}

func TestCodecDeliversByteAtATime(t *testing.T) {
	f := connectedFake(4096)
	r := newRecorder(f)

	stream := append(serverFrame(OpText, []byte("hello")), serverFrame(OpText, []byte("world"))...)
	for i := range stream {
		f.Feed(stream[i : i+1])
	}

	if len(r.got) != 2 || r.got[0] != "hello" || r.got[1] != "world" {
		t.Fatalf("have %q", r.got)
	}
	if f.Available() != 0 {
		t.Fatalf("have %d bytes left over", f.Available())
	}
}

func TestCodecUnmasksIncoming(t *testing.T) {
	f := connectedFake(4096)
	r := newRecorder(f)

	payload := pattern(300)
	f.Feed(AppendFrame(nil, OpBinary, payload, [4]byte{5, 6, 7, 8}))

	if len(r.got) != 1 || r.got[0] != string(payload) {
		t.Fatalf("have %d messages", len(r.got))
	}
}

func TestCodecDiscardsUnreadPayload(t *testing.T) {
	f := connectedFake(4096)
	r := newRecorder(f)
	r.limit = 2

	f.Feed(append(serverFrame(OpText, []byte("abcdef")), serverFrame(OpText, []byte("xyz"))...))

	if len(r.got) != 2 || r.got[0] != "ab" || r.got[1] != "xy" {
		t.Fatalf("have %q", r.got)
	}
	if f.Available() != 0 {
		t.Fatalf("have %d bytes left over", f.Available())
	}
}

func TestCodecIgnoresControlFrames(t *testing.T) {
	f := connectedFake(4096)
	r := newRecorder(f)

	var stream []byte
	stream = append(stream, serverFrame(OpPing, []byte("p"))...)
	stream = append(stream, serverFrame(OpPong, nil)...)
	stream = append(stream, serverFrame(OpText, []byte("data"))...)
	f.Feed(stream)

	if len(r.got) != 1 || r.got[0] != "data" {
		t.Fatalf("have %q", r.got)
	}
}

// feedChunks hands stream to f in pieces no larger than n.
func feedChunks(f *transporttest.Fake, stream []byte, n int) {
	for len(stream) > 0 {
		k := n
		if k > len(stream) {
			k = len(stream)
		}
		f.Feed(stream[:k])
		stream = stream[k:]
	}
}

func TestCodecGathersFrameLargerThanRing(t *testing.T) {
	f := connectedFake(16)
	r := newRecorder(f)

	big := pattern(40)
	feedChunks(f, serverFrame(OpText, big), 10)
	if len(r.got) != 1 || r.got[0] != string(big) {
		t.Fatalf("have %q", r.got)
	}

	// masked, and only partly read by the handler
	r.limit = 5
	feedChunks(f, AppendFrame(nil, OpText, big, testKey), 7)
	r.limit = 0
	feedChunks(f, serverFrame(OpText, []byte("ok")), 7)
	if len(r.got) != 3 || r.got[1] != string(big[:5]) || r.got[2] != "ok" {
		t.Fatalf("have %q", r.got)
	}
}

func TestCodecSkipsFrameOverMaxPayload(t *testing.T) {
	f := connectedFake(16)
	r := newRecorder(f, WithMaxPayload(30))

	feedChunks(f, serverFrame(OpText, pattern(31)), 12)
	if len(r.got) != 0 {
		t.Fatalf("oversized frame delivered: %q", r.got)
	}

	feedChunks(f, serverFrame(OpText, pattern(30)), 12)
	f.Feed(serverFrame(OpText, []byte("ok")))
	if len(r.got) != 2 || r.got[0] != string(pattern(30)) || r.got[1] != "ok" {
		t.Fatalf("have %q", r.got)
	}
}

func TestCodecWriteMasks(t *testing.T) {
	f := connectedFake(64)
	c := NewCodec(f, WithMaskKey(fixedKey))

	data := []byte("abc")
	if !c.WriteText(data) {
		t.Fatal("write rejected")
	}
	if !c.WriteBinary([]byte{1, 2}) {
		t.Fatal("write rejected")
	}
	if string(data) != "abc" {
		t.Fatalf("caller data modified: %q", data)
	}

	writes := f.TakeWrites()
	if len(writes) != 2 {
		t.Fatalf("have %d writes", len(writes))
	}
	if bytes.Contains(writes[0], data) {
		t.Fatal("payload sent unmasked")
	}

	h, payload, err := DecodeFrame(writes[0])
	if err != nil {
		t.Fatal(err)
	}
	if h.OpCode != OpText || !h.Masked || h.Key != testKey || string(payload) != "abc" {
		t.Fatalf("have %+v %q", h, payload)
	}
	if h, _, _ := DecodeFrame(writes[1]); h.OpCode != OpBinary {
		t.Fatalf("have %s", h.OpCode)
	}

	f.RejectWrites = true
	if c.WriteText(data) {
		t.Fatal("write must report the rejection")
	}
}

func TestCodecForwardsClose(t *testing.T) {
	f := connectedFake(64)
	c := NewCodec(f)

	var reason error
	c.OnClosed(func(err error) { reason = err })

	f.Feed([]byte{0x81}) // half a header
	f.Fail(transport.ErrTimeout)

	if !errors.Is(reason, transport.ErrTimeout) {
		t.Fatalf("have %v", reason)
	}
	if c.hdrLen != 0 {
		t.Fatal("decoder state survived close")
	}
}
