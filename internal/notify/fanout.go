package notify

import "github.com/atmx/auction-engine/internal/model"

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(evt model.Event)
}

// Fanout publishes every event to each of its sinks in order.
type Fanout []Publisher

// Publish forwards evt to every sink.
func (f Fanout) Publish(evt model.Event) {
	for _, p := range f {
		p.Publish(evt)
	}
}
