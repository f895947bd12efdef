// Package transport wraps a TCP or TLS byte stream behind a non-blocking,
// callback-driven API.
//
// Connect, Write and Close return immediately. Resolution, dialing, the TLS
// handshake, reads and writes run on helper goroutines that post their
// completions to the owning loop, so every callback and every ring buffer
// access happens on the loop goroutine.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/getlantern/golog"
)

var log = golog.LoggerFor("sioclient.transport")

var (
	ErrResolution     = errors.New("name resolution failed")
	ErrConnect        = errors.New("connect failed")
	ErrTLSHandshake   = errors.New("tls handshake failed")
	ErrUpgrade        = errors.New("upgrade rejected")
	ErrWrite          = errors.New("write rejected")
	ErrAbruptClose    = errors.New("connection aborted")
	ErrClosed         = errors.New("connection closed")
	ErrTimeout        = errors.New("connection timed out")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrBufferOverflow = errors.New("receive buffer overflow")
)

const (
	// defaults for when not provided in Options
	ReceiveBufferSize int           = 2048
	ChunkSize         int           = 1460
	WriteQueueLength  int           = 64
	DialTimeout       time.Duration = time.Second * 10
)

// Transport is the contract the frame codec drives. Implementations are not
// goroutine-safe; call them from the loop goroutine.
type Transport interface {
	Connect(host string, port uint16)
	Write(data []byte) bool
	Available() int
	// Capacity is the largest payload the receive buffer can hold at once.
	Capacity() int
	Read(out []byte) int
	Discard(n int) int
	Close() error
	// CloseWith closes like Close but reports reason to the closed callback.
	CloseWith(reason error) error

	OnReceive(func())
	OnConnected(func())
	OnClosed(func(reason error))

	State() State
	UpgradeStatus() int
}

type State uint8

const (
	Uninitialized State = iota
	Resolving
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// OverflowPolicy selects what happens to bytes that arrive while the receive
// buffer is full.
type OverflowPolicy uint8

const (
	// OverflowBackpressure holds the remainder and stops reading from the
	// socket until the consumer has made room for it.
	OverflowBackpressure OverflowPolicy = iota
	// OverflowDrop discards the remainder of an overflowing delivery.
	OverflowDrop
)

// Handshaker runs on the freshly dialed connection before it is handed to the
// loop. It returns the upgrade status code; anything but 101 aborts.
type Handshaker func(ctx context.Context, conn net.Conn) (status int, err error)

type Options struct {
	ReceiveBufferSize int
	ChunkSize         int
	WriteQueueLength  int
	DialTimeout       time.Duration

	// SocketReceiveBuffer sets SO_RCVBUF when positive.
	SocketReceiveBuffer int

	// Resolver overrides the system resolver.
	Resolver *net.Resolver

	Overflow  OverflowPolicy
	Handshake Handshaker

	LogPrefix string
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}

	if opts.ReceiveBufferSize <= 0 {
		opts.ReceiveBufferSize = ReceiveBufferSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = ChunkSize
	}
	if opts.WriteQueueLength <= 0 {
		opts.WriteQueueLength = WriteQueueLength
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DialTimeout
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.LogPrefix == "" {
		opts.LogPrefix = "Transport"
	}

	return opts
}
