package bus

// Event is a server-side event to broadcast to WebSocket subscribers.
// Type is one of the protocol.Event* constants; Payload must be
// JSON-serializable.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event. Handlers must not block: the
// broadcaster invokes them inline and a slow handler would stall every
// other subscriber.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Used by the
// gateway server and the orchestrator to decouple from the concrete Bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
