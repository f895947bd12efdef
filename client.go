package sioclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/emirpasic/gods/v2/maps/linkedhashmap"
	"github.com/getlantern/golog"

	"github.com/ramory-l/sioclient/engineio"
	"github.com/ramory-l/sioclient/internal/loop"
	"github.com/ramory-l/sioclient/transport"
	"github.com/ramory-l/sioclient/ws"
)

var log = golog.LoggerFor("sioclient")

// Disconnect reasons passed to "disconnect" handlers.
const (
	ReasonTransportClose   = "transport close"
	ReasonPingTimeout      = "ping timeout"
	ReasonTransportError   = "transport error"
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
)

type State uint8

const (
	// Disconnected: no connection, possibly waiting to reconnect.
	Disconnected State = iota
	// Opening: resolving, dialing or upgrading.
	Opening
	// Open: upgraded, waiting for the Engine.IO handshake.
	Open
	// Ready: handshake done.
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Ready:
		return "ready"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Client is a Socket.IO client over a single WebSocket connection. Apart
// from Dispatch, Poll and Run, its methods and every handler run on the
// client's loop goroutine, the one calling Poll or Run.
type Client struct {
	l        *loop.Loop
	cfg      Config
	host     string
	port     uint16
	secure   bool
	upgrader *Upgrader

	state  State
	epoch  uint64
	tr     transport.Transport
	engine *engineio.Session

	namespaces *linkedhashmap.Map[string, *Namespace]

	onOpen      func()
	savedOpen   func()
	onReconnect func()

	reconnect *loop.Timer
	opened    bool // a handshake completed since Open
	attempts  int
	closed    bool

	newTransport func() transport.Transport
}

// NewClient prepares a client for rawURL (http, https, ws or wss). query is
// appended to the upgrade request. Nothing is dialed until Open.
func NewClient(rawURL string, query map[string]string, cfg *Config) (*Client, error) {
	return newClient(rawURL, query, cfg)
}

func newClient(rawURL string, query map[string]string, cfg *Config, opts ...loop.Option) (*Client, error) {
	c := &Client{
		l:           loop.New(opts...),
		cfg:         cfg.withDefaults(),
		namespaces:  linkedhashmap.New[string, *Namespace](),
		onOpen:      func() {},
		savedOpen:   func() {},
		onReconnect: func() {},
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	var port uint16
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		port = 80
	case "https", "wss":
		port = 443
		c.secure = true
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: port %q", ErrInvalidURL, p)
		}
		port = uint16(n)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: no host in %q", ErrInvalidURL, rawURL)
	}
	c.host, c.port = u.Hostname(), port

	timeout := c.cfg.Transport.DialTimeout
	if timeout <= 0 {
		timeout = transport.DialTimeout
	}
	c.upgrader = newUpgrader(c.host, c.port, c.cfg.Path, query, c.cfg.Header, timeout)
	c.newTransport = c.dialTransport

	return c, nil
}

func (c *Client) dialTransport() transport.Transport {
	opts := c.cfg.Transport
	opts.Handshake = c.upgrader.Handshake
	if opts.LogPrefix == "" {
		opts.LogPrefix = "sioclient"
	}

	if c.secure {
		return transport.NewTLS(c.l, c.cfg.TLSConfig, &opts)
	}
	return transport.NewTCP(c.l, &opts)
}

// Poll pumps the client's loop once without blocking.
func (c *Client) Poll() int {
	return c.l.Poll()
}

// Run pumps the client's loop until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	return c.l.Run(ctx)
}

// Dispatch runs f on the client's loop. Safe to call from any goroutine.
func (c *Client) Dispatch(f func()) {
	c.l.Post(f)
}

func (c *Client) State() State { return c.state }
func (c *Client) Ready() bool  { return c.state == Ready }

// OnReconnect registers a hook run after a reconnect has replayed the
// namespace connects.
func (c *Client) OnReconnect(f func()) {
	c.onReconnect = f
}

// Open starts connecting. onOpen runs once the first Engine.IO handshake has
// completed; it is not run again on reconnects.
func (c *Client) Open(onOpen func()) {
	if onOpen == nil {
		onOpen = func() {}
	}
	if c.state != Disconnected || c.reconnect != nil {
		log.Errorf("open while %s", c.state)
		return
	}

	c.onOpen, c.savedOpen = onOpen, onOpen
	c.closed = false
	c.opened = false
	c.attempts = 0
	c.connect()
}

func (c *Client) connect() {
	c.epoch++
	epoch := c.epoch
	c.state = Opening

	tr := c.newTransport()
	engine := engineio.NewSession(c.l, ws.NewCodec(tr, ws.WithMaxPayload(c.cfg.MaxPayload)))
	c.tr, c.engine = tr, engine

	tr.OnConnected(func() {
		if epoch == c.epoch {
			c.transportOpen()
		}
	})
	engine.OnOpen(func() {
		if epoch == c.epoch {
			c.engineOpen()
		}
	})
	engine.OnMessage(func() {
		if epoch == c.epoch {
			c.message()
		}
	})
	engine.OnClose(func(reason error) {
		if epoch == c.epoch {
			c.sessionClosed(reason)
		}
	})

	log.Debugf("connecting to %s:%d, secure=%t", c.host, c.port, c.secure)
	tr.Connect(c.host, c.port)
}

func (c *Client) transportOpen() {
	log.Debugf("upgraded with status %d", c.tr.UpgradeStatus())
	c.state = Open
	for _, ns := range c.namespaces.Values() {
		ns.engine = c.engine
	}
}

func (c *Client) engineOpen() {
	c.state = Ready
	c.attempts = 0
	c.opened = true
	c.onOpen()
}

// replayConnects sits in the open slot while a reconnect is in flight. It
// connects every namespace in the table again, then hands the slot back to
// the caller's open callback.
func (c *Client) replayConnects() {
	for _, ns := range c.namespaces.Values() {
		if err := ns.send(&Packet{Type: PacketTypeConnect, Namespace: ns.name}); err != nil {
			log.Errorf("replaying connect for %s: %v", ns.name, err)
		}
	}
	c.onOpen = c.savedOpen
	c.onReconnect()
}

func (c *Client) message() {
	buf := make([]byte, c.engine.PacketSize())
	n := c.engine.Read(buf)

	packet, err := DecodePacket(string(buf[:n]))
	if err != nil {
		log.Errorf("dropping packet %q: %v", buf[:n], err)
		return
	}
	log.Tracef("received %s on %s", packet.Type, packet.Namespace)

	switch packet.Type {
	case PacketTypeConnect:
		c.Of(packet.Namespace).connected(packet.Data)
	case PacketTypeDisconnect:
		if ns, ok := c.namespaces.Get(packet.Namespace); ok {
			ns.disconnected(ReasonServerDisconnect)
		}
	case PacketTypeEvent:
		if ns, ok := c.namespaces.Get(packet.Namespace); ok {
			ns.event(packet.Data)
		}
	default:
		log.Debugf("unsupported %s packet on %s", packet.Type, packet.Namespace)
	}
}

func (c *Client) sessionClosed(reason error) {
	wasOpen := c.state >= Open
	c.epoch++
	c.state = Disconnected
	c.tr, c.engine = nil, nil

	text := disconnectReason(reason)
	if c.closed {
		text = ReasonClientDisconnect
	}
	log.Debugf("connection lost (%v), was open: %t", reason, wasOpen)

	for _, ns := range c.namespaces.Values() {
		ns.engine = nil
		if wasOpen {
			ns.disconnected(text)
		}
	}

	if !c.closed {
		c.scheduleReconnect()
	}
}

func disconnectReason(err error) string {
	switch {
	case errors.Is(err, transport.ErrClosed):
		return ReasonTransportClose
	case errors.Is(err, transport.ErrTimeout):
		return ReasonPingTimeout
	default:
		return ReasonTransportError
	}
}

func (c *Client) scheduleReconnect() {
	if limit := c.cfg.ReconnectAttempts; limit > 0 && c.attempts >= limit {
		log.Errorf("giving up after %d reconnect attempts", c.attempts)
		return
	}
	c.attempts++

	log.Debugf("reconnecting in %v, attempt %d", c.cfg.ReconnectDelay, c.attempts)
	c.reconnect = c.l.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.reconnect = nil
		if c.closed {
			return
		}
		if c.opened {
			c.onOpen = c.replayConnects
		}
		c.connect()
	})
}

// Of returns the namespace called name, creating it if needed. Namespaces in
// the table have connect replayed after every reconnect.
func (c *Client) Of(name string) *Namespace {
	if name == "" {
		name = "/"
	}

	if ns, ok := c.namespaces.Get(name); ok {
		return ns
	}

	ns := newNamespace(name, c.engine)
	c.namespaces.Put(name, ns)
	return ns
}

// Connect asks the server to join namespace name.
func (c *Client) Connect(name string) error {
	ns := c.Of(name)
	return ns.send(&Packet{Type: PacketTypeConnect, Namespace: ns.name})
}

// Disconnect leaves namespace name and drops it from the table. It does
// nothing for namespaces the client does not know.
func (c *Client) Disconnect(name string) error {
	if name == "" {
		name = "/"
	}
	ns, ok := c.namespaces.Get(name)
	if !ok {
		return nil
	}

	c.namespaces.Remove(name)
	if ns.Connected() {
		ns.disconnected(ReasonClientDisconnect)
	}

	err := ns.send(&Packet{Type: PacketTypeDisconnect, Namespace: name})
	ns.engine = nil
	return err
}

// Emit emits on the default namespace.
func (c *Client) Emit(event string, args ...interface{}) error {
	return c.Of("/").Emit(event, args...)
}

// Close cancels any pending reconnect and closes the connection. Namespaces
// stay registered; a later Open connects again. Close is idempotent.
func (c *Client) Close() error {
	c.closed = true
	if c.reconnect.Stop() {
		log.Debug("reconnect cancelled")
	}
	c.reconnect = nil

	if c.engine == nil {
		return nil
	}
	return c.engine.Close()
}
