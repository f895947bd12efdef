package sioclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader performs the WebSocket upgrade over a connection the transport has
// already dialed (and, for TLS, already secured).
type Upgrader struct {
	URL     string
	Header  http.Header
	Timeout time.Duration
}

func newUpgrader(host string, port uint16, path string, query map[string]string, header http.Header, timeout time.Duration) *Upgrader {
	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(host, strconv.Itoa(int(port))),
		Path:     path,
		RawQuery: buildQuery(query),
	}
	return &Upgrader{URL: u.String(), Header: header, Timeout: timeout}
}

// buildQuery returns the Engine.IO query followed by the caller's pairs in
// key order.
func buildQuery(query map[string]string) string {
	var b strings.Builder
	b.WriteString("EIO=4&transport=websocket")

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(query[k]))
	}

	return b.String()
}

// Handshake runs on the transport's dial goroutine. It returns the response
// status; a rejected upgrade is reported through the status, not the error.
func (u *Upgrader) Handshake(ctx context.Context, nc net.Conn) (int, error) {
	d := websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return handshakeConn{nc}, nil
		},
		HandshakeTimeout: u.Timeout,
	}

	// the returned websocket.Conn is dropped; framing continues on nc
	_, resp, err := d.DialContext(ctx, u.URL, u.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return resp.StatusCode, nil
		}
		return 0, err
	}

	return resp.StatusCode, nil
}

// handshakeConn reads one byte at a time so the response parser never
// buffers frame bytes that follow the headers.
type handshakeConn struct {
	net.Conn
}

func (c handshakeConn) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return c.Conn.Read(p)
}
