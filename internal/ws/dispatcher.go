package ws

import (
	"errors"
	"log"

	"github.com/limaxs/chat-gateway/internal/metrics"
	"github.com/limaxs/chat-gateway/internal/protocol"
)

// Handler processes one decoded inbound event from a connection. The
// envelope carries the client's traceId; payload is the typed event data.
type Handler func(conn *Connection, env *protocol.Envelope, payload protocol.Inbound)

// Dispatcher decodes inbound WebSocket frames and routes them to the
// handler registered for the event type. It does not know anything about
// chat semantics; the gateway layer registers the handlers.
type Dispatcher struct {
	server   *Server
	handlers map[string]Handler
}

// NewDispatcher creates a Dispatcher bound to the given server. Handlers
// are registered before the server starts; the map is read-only afterwards.
func NewDispatcher(server *Server) *Dispatcher {
	return &Dispatcher{
		server:   server,
		handlers: make(map[string]Handler),
	}
}

// Handle registers a handler for an event type, replacing any previous
// registration.
func (d *Dispatcher) Handle(event string, h Handler) {
	d.handlers[event] = h
}

// Dispatch decodes a raw frame and invokes the registered handler. A frame
// that is not valid JSON, or whose payload does not decode for its declared
// event, is a protocol violation and closes the connection. A well-formed
// envelope with an event type nothing is registered for is dropped
// silently: the client may be newer than the gateway, and killing the
// connection over it would punish otherwise healthy sessions.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	env, payload, err := protocol.DecodeInbound(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEvent) {
			metrics.DroppedEventsTotal.WithLabelValues("unknown_event").Inc()
			log.Printf("ws: dropping unknown event %q from user=%s", env.Event, conn.Identity.UserID)
			return
		}
		metrics.DroppedEventsTotal.WithLabelValues("malformed").Inc()
		log.Printf("ws: malformed frame from user=%s, closing: %v", conn.Identity.UserID, err)
		d.server.RemoveConnection(conn)
		return
	}

	metrics.EventsTotal.WithLabelValues(env.Event, "in").Inc()

	h, ok := d.handlers[env.Event]
	if !ok {
		metrics.DroppedEventsTotal.WithLabelValues("unhandled").Inc()
		return
	}
	h(conn, env, payload)
}
