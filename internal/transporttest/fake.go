// Package transporttest provides an in-memory transport for exercising the
// layers above it without sockets.
package transporttest

import (
	"github.com/ramory-l/sioclient/internal/ringbuffer"
	"github.com/ramory-l/sioclient/transport"
)

// Fake is a transport.Transport whose peer is the test. Bytes pushed with Feed
// land in a real ring buffer; bytes written by the code under test are kept
// in Writes.
type Fake struct {
	state  transport.State
	status int
	buffer *ringbuffer.RingBuffer[byte]

	Host     string
	Port     uint16
	Connects int
	Closes   int
	Writes   [][]byte

	// RejectWrites makes Write report a full queue.
	RejectWrites bool

	onReceive   func()
	onConnected func()
	onClosed    func(error)
}

var _ transport.Transport = (*Fake)(nil)

func New(capacity int) *Fake {
	return &Fake{
		buffer:      ringbuffer.New[byte](capacity),
		onReceive:   func() {},
		onConnected: func() {},
		onClosed:    func(error) {},
	}
}

func (f *Fake) OnReceive(fn func())     { f.onReceive = fn }
func (f *Fake) OnConnected(fn func())   { f.onConnected = fn }
func (f *Fake) OnClosed(fn func(error)) { f.onClosed = fn }
func (f *Fake) State() transport.State  { return f.state }
func (f *Fake) UpgradeStatus() int      { return f.status }
func (f *Fake) Available() int          { return f.buffer.Size() }
func (f *Fake) Capacity() int           { return f.buffer.Capacity() - 1 }

func (f *Fake) Connect(host string, port uint16) {
	f.Host, f.Port = host, port
	f.Connects++
	f.buffer.Reset()
	f.state = transport.Connecting
}

// Open completes a pending Connect.
func (f *Fake) Open() {
	f.state = transport.Connected
	f.status = 101
	f.onConnected()
}

// Feed buffers b as if it had arrived from the peer and fires the receive
// callback. It returns how many bytes fit.
func (f *Fake) Feed(b []byte) int {
	n := f.buffer.PutSlice(b)
	f.onReceive()
	return n
}

// Fail closes the transport with reason, as a broken connection would.
func (f *Fake) Fail(reason error) {
	if f.state == transport.Closed {
		return
	}
	f.state = transport.Closed
	f.buffer.Reset()
	f.onClosed(reason)
}

func (f *Fake) Write(data []byte) bool {
	if f.state != transport.Connected || f.RejectWrites {
		return false
	}
	f.Writes = append(f.Writes, append([]byte(nil), data...))
	return true
}

func (f *Fake) Read(out []byte) int {
	return f.buffer.GetSlice(out)
}

func (f *Fake) Discard(n int) int {
	return f.buffer.Discard(n)
}

func (f *Fake) Close() error {
	return f.CloseWith(transport.ErrClosed)
}

func (f *Fake) CloseWith(reason error) error {
	if f.state == transport.Closed {
		return nil
	}
	f.Closes++
	f.Fail(reason)
	return nil
}

// TakeWrites returns and clears everything written so far.
func (f *Fake) TakeWrites() [][]byte {
	w := f.Writes
	f.Writes = nil
	return w
}
