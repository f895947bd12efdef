// Package ws frames and deframes WebSocket messages over a transport.
//
// Outgoing frames are single, final and always masked. Incoming frames are
// decoded incrementally as bytes arrive; once a frame's payload is fully
// buffered the receive callback runs and reads it straight from the
// transport's ring buffer. Payloads that do not fit the ring are gathered
// on the heap first.
package ws

import (
	"crypto/rand"

	"github.com/getlantern/golog"

	"github.com/ramory-l/sioclient/transport"
)

var log = golog.LoggerFor("sioclient.ws")

// DefaultMaxPayload bounds incoming frames; larger ones are skipped.
const DefaultMaxPayload = 16 << 20

type Option func(*Codec)

// WithMaxPayload sets the largest incoming payload the codec accepts.
func WithMaxPayload(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxPayload = n
		}
	}
}

// WithMaskKey replaces the masking key source.
func WithMaskKey(keys func() [4]byte) Option {
	return func(c *Codec) {
		c.keys = keys
	}
}

func randomKey() [4]byte {
	var key [4]byte
	rand.Read(key[:])
	return key
}

type Codec struct {
	tr         transport.Transport
	keys       func() [4]byte
	maxPayload int

	onReceive func()
	onClosed  func(error)

	hdr     [MaxHeaderSize]byte
	hdrLen  int
	frame   Header
	inFrame bool // header decoded, waiting for the payload

	remaining   int // unread payload of the frame being dispatched
	maskPos     int
	skipping    int    // payload bytes of an oversized frame still to drop
	large       []byte // payload gathered outside the ring, nil if it fits
	dispatching bool
}

// NewCodec takes over tr's receive and closed callbacks.
func NewCodec(tr transport.Transport, opts ...Option) *Codec {
	c := &Codec{
		tr:         tr,
		keys:       randomKey,
		maxPayload: DefaultMaxPayload,
		onReceive:  func() {},
		onClosed:   func(error) {},
	}

	for _, opt := range opts {
		opt(c)
	}

	tr.OnReceive(c.receive)
	tr.OnClosed(c.closed)

	return c
}

func (c *Codec) OnReceive(f func())     { c.onReceive = f }
func (c *Codec) OnClosed(f func(error)) { c.onClosed = f }

// Transport returns the transport the codec drives.
func (c *Codec) Transport() transport.Transport {
	return c.tr
}

func (c *Codec) WriteText(data []byte) bool {
	return c.writeFrame(OpText, data)
}

func (c *Codec) WriteBinary(data []byte) bool {
	return c.writeFrame(OpBinary, data)
}

func (c *Codec) writeFrame(op OpCode, data []byte) bool {
	frame := AppendFrame(make([]byte, 0, MaxHeaderSize+len(data)), op, data, c.keys())
	log.Tracef("write %s frame, %d payload bytes", op, len(data))
	return c.tr.Write(frame)
}

// ReceivedPacketSize returns the payload size of the last decoded frame.
func (c *Codec) ReceivedPacketSize() int {
	return int(c.frame.Length)
}

// Read copies payload bytes of the frame being dispatched into out. It never
// reads past the end of that frame.
func (c *Codec) Read(out []byte) int {
	if len(out) > c.remaining {
		out = out[:c.remaining]
	}
	var n int
	if c.large != nil {
		n = copy(out, c.large[len(c.large)-c.remaining:])
	} else {
		n = c.tr.Read(out)
	}
	if c.frame.Masked {
		c.maskPos = Mask(out[:n], c.frame.Key, c.maskPos)
	}
	c.remaining -= n
	return n
}

func (c *Codec) Close() error {
	return c.tr.Close()
}

func (c *Codec) CloseWith(reason error) error {
	return c.tr.CloseWith(reason)
}

func (c *Codec) receive() {
	if c.dispatching {
		return
	}

	for {
		if c.skipping > 0 {
			c.skipping -= c.tr.Discard(c.skipping)
			if c.skipping > 0 {
				return
			}
			continue
		}

		if !c.inFrame && !c.readHeader() {
			if c.skipping > 0 {
				continue
			}
			return
		}

		if c.large != nil {
			if !c.gather() {
				return
			}
		} else if c.tr.Available() < int(c.frame.Length) {
			// wait for the rest of the payload
			return
		}
		c.inFrame = false
		c.dispatch()

		if c.tr.State() != transport.Connected {
			return
		}
	}
}

func (c *Codec) readHeader() bool {
	for {
		h, n, err := ParseHeader(c.hdr[:c.hdrLen])
		if err == nil {
			c.hdrLen = 0
			c.frame = h
			log.Tracef("header: op=%s fin=%t masked=%t size=%d", h.OpCode, h.Fin, h.Masked, h.Length)

			if int(h.Length) > c.maxPayload {
				log.Errorf("%v: %s frame of %d bytes exceeds max payload %d, skipping",
					transport.ErrMalformedFrame, h.OpCode, h.Length, c.maxPayload)
				c.skipping = int(h.Length)
				return false
			}
			if capacity := c.tr.Capacity(); int(h.Length) > capacity {
				log.Debugf("%s frame of %d bytes exceeds receive capacity %d, gathering",
					h.OpCode, h.Length, capacity)
				c.large = make([]byte, 0, h.Length)
			}

			c.inFrame = true
			return true
		}

		if c.tr.Available() == 0 {
			return false
		}
		c.hdrLen += c.tr.Read(c.hdr[c.hdrLen:n])
	}
}

// gather moves buffered payload bytes into c.large and reports whether the
// payload is complete.
func (c *Codec) gather() bool {
	for len(c.large) < cap(c.large) {
		have := len(c.large)
		n := c.tr.Read(c.large[have:cap(c.large)])
		if n == 0 {
			return false
		}
		c.large = c.large[:have+n]
	}
	return true
}

func (c *Codec) dispatch() {
	c.remaining = int(c.frame.Length)
	c.maskPos = 0

	switch c.frame.OpCode {
	case OpText, OpBinary:
		c.dispatching = true
		c.onReceive()
		c.dispatching = false
	case OpPing:
		// servers do not ping at this layer; no automatic pong
	case OpPong:
		// keep-alive is tracked by the engine session
	default:
		log.Debugf("ignoring %s frame", c.frame.OpCode)
	}

	if c.large != nil {
		c.large = nil
	} else if c.remaining > 0 {
		c.tr.Discard(c.remaining)
	}
	c.remaining = 0
}

func (c *Codec) closed(reason error) {
	c.hdrLen = 0
	c.inFrame = false
	c.remaining = 0
	c.skipping = 0
	c.large = nil
	c.onClosed(reason)
}
