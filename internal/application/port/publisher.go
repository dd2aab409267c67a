package port

// Publisher is the hub as seen by everything that produces events: the
// aggregation scheduler, exchange feeds, and external signal engines.
type Publisher interface {
	// Broadcast sends data to every client subscribed to topic.
	Broadcast(topic string, data any)
	// SendToClient sends data to a single client, e.g. initial-state replay.
	SendToClient(clientID string, topic string, data any)
}
