// Package sioclient provides a Socket.IO v4 client over Engine.IO v4.
//
// The client speaks the WebSocket transport only. It opens a raw TCP or TLS
// connection, performs the HTTP upgrade, frames text messages itself and runs
// every callback on a single cooperative event loop. Nothing in the package
// is goroutine-safe except Dispatch, which is how other goroutines hand work
// to the loop.
//
// # Quick Start
//
//	client, err := sioclient.NewClient("http://localhost:3000", nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.Of("/").On("connect", func(args ...interface{}) {
//	    client.Emit("hello", "world")
//	})
//	client.Of("/").On("news", func(args ...interface{}) {
//	    log.Printf("news: %v", args)
//	})
//
//	client.Open(func() {
//	    client.Connect("/")
//	})
//	client.Run(ctx)
//
// # Namespaces
//
// Of returns the handle for a namespace without touching the wire. Connect
// sends the connect packet; the "connect" handler runs once the server
// accepts. Every namespace the client knows of, whether created with Of,
// Connect or by the server, is sent a connect again after every reconnect.
// Disconnect forgets a namespace.
//
//	chat := client.Of("/chat")
//	chat.On("message", func(args ...interface{}) {})
//	client.Connect("/chat")
//	chat.Emit("message", "hi")
//
// # Reconnection
//
// When the connection is lost the client waits Config.ReconnectDelay and
// dials again, up to Config.ReconnectAttempts times (0 retries forever).
// The open callback passed to Open runs only for the first handshake;
// later handshakes call the OnReconnect hook instead.
//
// # Disconnect reasons
//
// A namespace's "disconnect" handler receives one of:
//
//	"io server disconnect"  the server sent a disconnect packet
//	"io client disconnect"  Disconnect or Close was called
//	"ping timeout"          no ping arrived within pingInterval+pingTimeout
//	"transport close"       the connection closed cleanly
//	"transport error"       the connection failed
//
// # Configuration
//
//	cfg := sioclient.DefaultConfig()
//	cfg.ReconnectDelay = 2 * time.Second
//	cfg.Transport.ReceiveBufferSize = 1 << 16
//	client, err := sioclient.NewClient("https://example.com", map[string]string{"token": "t"}, cfg)
package sioclient
