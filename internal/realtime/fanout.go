package realtime

import "context"

// Fanout carries deliveries to the other server instances. The router always
// delivers to its own connections first; the fanout only has to reach peers.
type Fanout interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe registers handler for deliveries from other instances and
	// returns once the subscription is live. Delivery stops when ctx ends.
	Subscribe(ctx context.Context, handler func(Delivery)) error
}

// LocalFanout is the single-process fanout: there are no peers to reach.
type LocalFanout struct{}

func (LocalFanout) Publish(context.Context, Delivery) error { return nil }

func (LocalFanout) Subscribe(context.Context, func(Delivery)) error { return nil }
