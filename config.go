package sioclient

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ramory-l/sioclient/transport"
	"github.com/ramory-l/sioclient/ws"
)

var (
	ErrInvalidURL    = errors.New("invalid url")
	ErrInvalidConfig = errors.New("invalid config")
	ErrNoSession     = errors.New("no engine session")
	ErrSendFailed    = errors.New("send failed")
)

const (
	// DefaultPath is where Socket.IO servers mount by default.
	DefaultPath = "/socket.io/"

	DefaultReconnectDelay = time.Second
)

// Config represents Socket.IO client configuration
type Config struct {
	// Path is the request path of the upgrade request.
	Path string

	// ReconnectDelay is how long to wait after the connection is lost before
	// opening a new one.
	ReconnectDelay time.Duration

	// ReconnectAttempts bounds consecutive failed reconnects; 0 retries forever.
	ReconnectAttempts int

	// TLSConfig is shared by every TLS connection the client opens. Nil uses
	// the system roots.
	TLSConfig *tls.Config

	// Header is sent with the upgrade request.
	Header http.Header

	// MaxPayload bounds incoming messages in bytes. Larger ones are logged
	// and skipped.
	MaxPayload int

	Transport transport.Options
}

// DefaultConfig returns default client configuration
func DefaultConfig() *Config {
	return &Config{
		Path:           DefaultPath,
		ReconnectDelay: DefaultReconnectDelay,
		MaxPayload:     ws.DefaultMaxPayload,
	}
}

func (c *Config) Validate() error {
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("%w: negative reconnect delay %v", ErrInvalidConfig, c.ReconnectDelay)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("%w: negative reconnect attempts %d", ErrInvalidConfig, c.ReconnectAttempts)
	}
	if c.MaxPayload < 0 {
		return fmt.Errorf("%w: negative max payload %d", ErrInvalidConfig, c.MaxPayload)
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: path %q must be absolute", ErrInvalidConfig, c.Path)
	}
	return nil
}

func (c *Config) withDefaults() Config {
	cfg := *DefaultConfig()
	if c != nil {
		cfg = *c
	}

	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = ws.DefaultMaxPayload
	}

	return cfg
}
