package ws

import (
	"log"

	"github.com/duetchat/duet/internal/protocol"
)

// EventHandler is the callback for a parsed client event. The msg parameter
// is the concrete struct returned by protocol.ParseClientEvent.
type EventHandler func(conn *Connection, msg interface{})

// Dispatcher routes incoming WebSocket frames to registered handlers keyed by
// event name. Keepalive events are answered internally; parse failures and
// unknown events produce an error reply to the caller only.
type Dispatcher struct {
	handlers map[string]EventHandler
	server   *Server
}

// NewDispatcher creates a Dispatcher with no handlers registered.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]EventHandler)}
}

// SetServer binds the server reference. The dispatcher is created before the
// server because NewServer takes the Dispatch callback.
func (d *Dispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a handler with an event name, replacing any previous
// registration.
func (d *Dispatcher) Register(event string, handler EventHandler) {
	d.handlers[event] = handler
}

// Dispatch is the server's onMessage callback. It parses the frame, handles
// the keepalive events inline, and routes everything else to its handler.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	event, msg, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("[ws] parse error session=%s: %v", conn.ID, err)
		d.SendError(conn, "Invalid message format")
		return
	}

	switch event {
	case protocol.EventPing:
		d.sendPong(conn)
		return
	case protocol.EventConnectionAck:
		conn.Touch()
		return
	}

	handler, ok := d.handlers[event]
	if !ok {
		log.Printf("[ws] unsupported event=%q session=%s", event, conn.ID)
		d.SendError(conn, "Unsupported event")
		return
	}

	handler(conn, msg)
}

// SendError delivers an error event to a single connection. Errors are sent
// to the offending caller only, never broadcast to a room.
func (d *Dispatcher) SendError(conn *Connection, message string) {
	data, err := protocol.NewServerEvent(protocol.EventError, protocol.ErrorMsg{Message: message})
	if err != nil {
		log.Printf("[ws] failed to build error event session=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[ws] failed to send error event session=%s: %v", conn.ID, err)
	}
}

// sendPong answers a client ping and refreshes the liveness timestamp.
func (d *Dispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerEvent(protocol.EventPong, protocol.PongMsg{})
	if err != nil {
		log.Printf("[ws] failed to build pong session=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[ws] failed to send pong session=%s: %v", conn.ID, err)
	}
}
