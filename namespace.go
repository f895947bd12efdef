package sioclient

import (
	"fmt"
	"reflect"

	"github.com/ramory-l/sioclient/engineio"
)

// EventHandler handles Socket.IO events
type EventHandler func(...interface{})

type handler struct {
	fn   EventHandler
	once bool
}

// Namespace is the client's end of one Socket.IO namespace. It is only
// touched on the client's loop.
type Namespace struct {
	name     string
	id       string
	engine   *engineio.Session // nil while no session is up
	handlers map[string]*handler
}

func newNamespace(name string, engine *engineio.Session) *Namespace {
	return &Namespace{
		name:     name,
		engine:   engine,
		handlers: make(map[string]*handler),
	}
}

// Name returns the namespace name
func (ns *Namespace) Name() string {
	return ns.name
}

// ID returns the session id the server assigned, empty while disconnected.
func (ns *Namespace) ID() string {
	return ns.id
}

func (ns *Namespace) Connected() bool {
	return ns.id != ""
}

// On registers handler for event, replacing any previous one. The "connect"
// handler receives the connect payload, "disconnect" the reason string.
func (ns *Namespace) On(event string, fn EventHandler) {
	ns.handlers[event] = &handler{fn: fn}
}

// Once is On for a single invocation.
func (ns *Namespace) Once(event string, fn EventHandler) {
	ns.handlers[event] = &handler{fn: fn, once: true}
}

// Off removes event handlers
func (ns *Namespace) Off(event string) {
	delete(ns.handlers, event)
}

// Emit sends an event with args. A single slice or array argument (other
// than []byte) is sent as the argument list itself. The packet goes out
// whether or not the namespace is connected, as long as an engine session
// exists.
func (ns *Namespace) Emit(event string, args ...interface{}) error {
	if len(args) == 1 {
		args = spread(args[0])
	}

	data := make([]interface{}, 0, len(args)+1)
	data = append(data, event)
	data = append(data, args...)

	return ns.send(&Packet{
		Type:      PacketTypeEvent,
		Namespace: ns.name,
		Data:      data,
	})
}

// spread turns a list-valued argument into the argument list.
func spread(arg interface{}) []interface{} {
	switch v := arg.(type) {
	case []interface{}:
		return v
	case []byte:
		return []interface{}{arg}
	}

	rv := reflect.ValueOf(arg)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []interface{}{arg}
	}
	list := make([]interface{}, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list
}

func (ns *Namespace) send(packet *Packet) error {
	if ns.engine == nil {
		return fmt.Errorf("%w: %s %s", ErrNoSession, ns.name, packet.Type)
	}

	encoded, err := packet.Encode()
	if err != nil {
		return err
	}
	log.Debugf("emit on %s: %s", ns.name, encoded)

	if !ns.engine.Send([]byte(encoded)) {
		return fmt.Errorf("%w: %s", ErrSendFailed, encoded)
	}
	return nil
}

func (ns *Namespace) dispatch(event string, args ...interface{}) {
	h, ok := ns.handlers[event]
	if !ok {
		log.Tracef("%s: no handler for %q", ns.name, event)
		return
	}
	if h.once {
		delete(ns.handlers, event)
	}
	h.fn(args...)
}

func (ns *Namespace) connected(payload interface{}) {
	if m, ok := payload.(map[string]interface{}); ok {
		if sid, ok := m["sid"].(string); ok {
			ns.id = sid
		}
	}
	log.Debugf("%s connected, sid %q", ns.name, ns.id)

	if payload != nil {
		ns.dispatch("connect", payload)
	} else {
		ns.dispatch("connect")
	}
}

func (ns *Namespace) disconnected(reason string) {
	ns.id = ""
	log.Debugf("%s disconnected: %s", ns.name, reason)
	ns.dispatch("disconnect", reason)
}

func (ns *Namespace) event(payload interface{}) {
	list, ok := payload.([]interface{})
	if !ok || len(list) == 0 {
		log.Errorf("%s: event without name: %v", ns.name, payload)
		return
	}
	name, ok := list[0].(string)
	if !ok {
		log.Errorf("%s: event name %v is not a string", ns.name, list[0])
		return
	}
	ns.dispatch(name, list[1:]...)
}
