package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/ramory-l/sioclient/internal/loop"
	"github.com/ramory-l/sioclient/internal/ringbuffer"
)

// Conn is the plain or TLS Transport implementation.
type Conn struct {
	l      *loop.Loop
	opts   Options
	secure *tls.Config // nil for plain TCP

	state  State
	host   string
	port   uint16
	addr   string
	status int

	// bumped on every Connect and Close; completions carrying an older epoch
	// belong to a detached connection and are dropped
	epoch  uint64
	ctx    context.Context
	cancel context.CancelFunc
	raw    net.Conn
	acks   chan struct{}
	writes chan []byte

	buffer  *ringbuffer.RingBuffer[byte]
	pending []byte

	sent    uint64
	dropped uint64

	onReceive   func()
	onConnected func()
	onClosed    func(error)
}

// NewTCP creates a plain TCP transport driven by l.
func NewTCP(l *loop.Loop, opts *Options) *Conn {
	o := opts.withDefaults()
	return &Conn{
		l:           l,
		opts:        o,
		buffer:      ringbuffer.New[byte](o.ReceiveBufferSize),
		onReceive:   func() {},
		onConnected: func() {},
		onClosed:    func(error) {},
	}
}

// NewTLS creates a TLS transport. cfg is shared read-only between every TLS
// transport; each connection works on a clone carrying its own ServerName.
func NewTLS(l *loop.Loop, cfg *tls.Config, opts *Options) *Conn {
	c := NewTCP(l, opts)
	if cfg == nil {
		cfg = NewTLSConfig(nil)
	}
	c.secure = cfg
	return c
}

// NewTLSConfig builds the client configuration shared by TLS transports. A nil
// pool selects the system roots.
func NewTLSConfig(roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
	}
}

func (c *Conn) OnReceive(f func())     { c.onReceive = f }
func (c *Conn) OnConnected(f func())   { c.onConnected = f }
func (c *Conn) OnClosed(f func(error)) { c.onClosed = f }
func (c *Conn) State() State           { return c.state }
func (c *Conn) UpgradeStatus() int     { return c.status }
func (c *Conn) Available() int         { return c.buffer.Size() }
func (c *Conn) Capacity() int          { return c.buffer.Capacity() - 1 }
func (c *Conn) Secure() bool           { return c.secure != nil }
func (c *Conn) Sent() uint64           { return c.sent }
func (c *Conn) Dropped() uint64        { return c.dropped }

func (c *Conn) descriptor() string {
	return c.opts.LogPrefix + "<" + net.JoinHostPort(c.host, strconv.Itoa(int(c.port))) + ">"
}

// RemoteAddr returns the resolved peer address, empty before resolution.
func (c *Conn) RemoteAddr() string {
	if c.addr == "" {
		return ""
	}
	return net.JoinHostPort(c.addr, strconv.Itoa(int(c.port)))
}

// Connect starts resolution (for hostnames) and the asynchronous dial.
// Outcomes are reported through the connected and closed callbacks.
func (c *Conn) Connect(host string, port uint16) {
	switch c.state {
	case Resolving, Connecting, Connected:
		log.Errorf("%s: connect while %s", c.descriptor(), c.state)
		return
	}

	c.epoch++
	epoch := c.epoch
	c.host, c.port, c.addr, c.status = host, port, "", 0
	c.buffer.Reset()
	c.pending = nil
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if ip := net.ParseIP(host); ip != nil {
		log.Debugf("%s: no dns lookup needed", c.descriptor())
		c.addr = host
		c.dial(epoch)
		return
	}

	c.state = Resolving
	ctx, resolver := c.ctx, c.opts.Resolver
	go func() {
		addrs, err := resolver.LookupHost(ctx, host)
		c.l.Post(func() {
			c.resolved(epoch, addrs, err)
		})
	}()
}

func (c *Conn) resolved(epoch uint64, addrs []string, err error) {
	if epoch != c.epoch {
		return
	}
	if err != nil || len(addrs) == 0 {
		c.fail(epoch, fmt.Errorf("%w: %s: %v", ErrResolution, c.host, err))
		return
	}

	c.addr = addrs[0]
	log.Debugf("%s: ip of %s found: %s", c.descriptor(), c.host, c.addr)
	c.dial(epoch)
}

func (c *Conn) dial(epoch uint64) {
	c.state = Connecting
	ctx, host, address := c.ctx, c.host, c.RemoteAddr()

	go func() {
		nc, status, err := c.establish(ctx, host, address)
		c.l.Post(func() {
			c.established(epoch, nc, status, err)
		})
	}()
}

// dial goroutine
func (c *Conn) establish(ctx context.Context, host, address string) (net.Conn, int, error) {
	d := net.Dialer{
		Timeout: c.opts.DialTimeout,
		Control: control(c.opts.SocketReceiveBuffer),
	}
	raw, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrConnect, address, err)
	}

	nc := raw
	if c.secure != nil {
		cfg := c.secure.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		tc := tls.Client(raw, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, 0, fmt.Errorf("%w: %s: %v", ErrTLSHandshake, cfg.ServerName, err)
		}
		nc = tc
	}

	if c.opts.Handshake == nil {
		return nc, 0, nil
	}

	status, err := c.opts.Handshake(ctx, nc)
	if err != nil {
		nc.Close()
		return nil, status, fmt.Errorf("%w: status %d: %v", ErrUpgrade, status, err)
	}
	if status != http.StatusSwitchingProtocols {
		nc.Close()
		return nil, status, fmt.Errorf("%w: status %d", ErrUpgrade, status)
	}

	return nc, status, nil
}

func (c *Conn) established(epoch uint64, nc net.Conn, status int, err error) {
	if epoch != c.epoch {
		if nc != nil {
			nc.Close()
		}
		return
	}

	c.status = status
	if err != nil {
		c.fail(epoch, err)
		return
	}

	c.raw = nc
	c.state = Connected
	c.start(epoch)

	log.Debugf("%s: connected, secure=%t, status=%d", c.descriptor(), c.secure != nil, status)
	c.onConnected()
}

func (c *Conn) start(epoch uint64) {
	acks := make(chan struct{}, 1)
	writes := make(chan []byte, c.opts.WriteQueueLength)
	c.acks, c.writes = acks, writes

	nc := c.raw
	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error {
		return c.readPump(ctx, epoch, nc, acks)
	})
	g.Go(func() error {
		return c.writePump(ctx, epoch, nc, writes)
	})

	go func() {
		// unblock the read pump once either pump or Close cancels the group
		<-ctx.Done()
		nc.Close()
	}()

	go func() {
		err := g.Wait()
		c.l.Post(func() {
			c.fail(epoch, classify(err))
		})
	}()
}

// read goroutine
func (c *Conn) readPump(ctx context.Context, epoch uint64, nc net.Conn, acks <-chan struct{}) error {
	buf := make([]byte, c.opts.ChunkSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			c.l.Post(func() {
				c.deliver(epoch, chunk)
			})

			// buf is reused only once the loop has taken every byte of chunk
			select {
			case <-acks:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
	}
}

// write goroutine
func (c *Conn) writePump(ctx context.Context, epoch uint64, nc net.Conn, writes <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-writes:
			n, err := nc.Write(data)
			if err != nil {
				return err
			}
			c.l.Post(func() {
				c.written(epoch, n)
			})
		}
	}
}

func (c *Conn) deliver(epoch uint64, chunk []byte) {
	if epoch != c.epoch {
		return
	}

	n := c.buffer.PutSlice(chunk)
	log.Tracef("%s: recv'ing %d bytes, buffered %d", c.descriptor(), len(chunk), n)

	if n == len(chunk) {
		c.ack()
	} else {
		switch c.opts.Overflow {
		case OverflowDrop:
			c.dropped += uint64(len(chunk) - n)
			log.Errorf("%s: %v, dropped %d bytes", c.descriptor(), ErrBufferOverflow, len(chunk)-n)
			c.ack()
		default:
			c.pending = chunk[n:]
		}
	}

	c.onReceive()
}

func (c *Conn) written(epoch uint64, n int) {
	if epoch != c.epoch {
		return
	}
	c.sent += uint64(n)
	log.Tracef("%s: sent %d bytes", c.descriptor(), n)
}

func (c *Conn) ack() {
	select {
	case c.acks <- struct{}{}:
	default:
	}
}

// Write queues data for the write pump. It returns false when the transport
// is not connected or the queue is full; the caller may retry later.
func (c *Conn) Write(data []byte) bool {
	if c.state != Connected {
		log.Errorf("%s: %v: state %s", c.descriptor(), ErrWrite, c.state)
		return false
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case c.writes <- buf:
		return true
	default:
		log.Errorf("%s: %v: write queue full", c.descriptor(), ErrWrite)
		return false
	}
}

// Read drains buffered bytes into out.
func (c *Conn) Read(out []byte) int {
	n := c.buffer.GetSlice(out)
	if n > 0 {
		c.refill()
	}
	return n
}

// Discard drops up to n buffered bytes.
func (c *Conn) Discard(n int) int {
	n = c.buffer.Discard(n)
	if n > 0 {
		c.refill()
	}
	return n
}

// refill moves held-back bytes into the space the consumer just freed.
func (c *Conn) refill() {
	if len(c.pending) == 0 {
		return
	}

	n := c.buffer.PutSlice(c.pending)
	c.pending = c.pending[n:]
	if len(c.pending) == 0 {
		c.pending = nil
		c.ack()
	}

	if n > 0 {
		epoch := c.epoch
		c.l.Post(func() {
			if epoch == c.epoch {
				c.onReceive()
			}
		})
	}
}

// Close detaches the connection and reports ErrClosed to the closed
// callback. The socket is then closed gracefully in the background, or
// aborted if that fails. Calling Close on a closed transport does nothing.
func (c *Conn) Close() error {
	return c.CloseWith(ErrClosed)
}

func (c *Conn) fail(epoch uint64, reason error) {
	if epoch != c.epoch {
		return
	}
	log.Errorf("%s: %v", c.descriptor(), reason)
	c.CloseWith(reason)
}

// CloseWith is Close reporting reason instead of ErrClosed.
func (c *Conn) CloseWith(reason error) error {
	if c.state == Closed {
		return nil
	}
	log.Debugf("%s: connection closing, state=%s, reason=%v", c.descriptor(), c.state, reason)

	c.epoch++

	raw, cancel := c.raw, c.cancel
	c.raw, c.cancel = nil, nil
	if raw != nil {
		// a TLS close_notify can block on a full send buffer
		go shutdown(c.descriptor(), raw, cancel)
	} else if cancel != nil {
		cancel()
	}

	c.state = Closed
	c.buffer.Reset()
	c.pending = nil
	c.writes = nil

	c.onClosed(reason)
	return nil
}

// shutdown closes nc gracefully, aborting it if that fails, then stops the
// pumps.
func shutdown(descriptor string, nc net.Conn, cancel context.CancelFunc) {
	if err := gracefulClose(nc); err != nil {
		log.Errorf("%s: %v: close failed with %v, calling abort", descriptor, ErrAbruptClose, err)
		abort(nc)
	}
	if cancel != nil {
		cancel()
	}
}

func gracefulClose(nc net.Conn) error {
	if tc, ok := nc.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return err
		}
	}
	return nc.Close()
}

func abort(nc net.Conn) {
	if tc, ok := nc.(*tls.Conn); ok {
		nc = tc.NetConn()
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	nc.Close()
}

// classify maps a pump error onto the transport error taxonomy.
func classify(err error) error {
	var netErr net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return fmt.Errorf("%w: remote closed", ErrClosed)
	case errors.Is(err, context.Canceled):
		return ErrClosed
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrAbruptClose, err)
	}
}
