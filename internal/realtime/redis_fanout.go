package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"coide/internal/utils"
)

// RedisFanout broadcasts deliveries over a Redis pub/sub channel shared by all
// instances. Messages stamped with this instance's id are ignored on receipt.
type RedisFanout struct {
	rdb        *redis.Client
	channel    string
	instanceID string
	log        *utils.Logger
}

func NewRedisFanout(rdb *redis.Client, channel string, log *utils.Logger) *RedisFanout {
	return &RedisFanout{
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.New().String(),
		log:        log,
	}
}

func (f *RedisFanout) InstanceID() string { return f.instanceID }

func (f *RedisFanout) Publish(ctx context.Context, d Delivery) error {
	d.Origin = f.instanceID
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	return f.rdb.Publish(ctx, f.channel, data).Err()
}

func (f *RedisFanout) Subscribe(ctx context.Context, handler func(Delivery)) error {
	pubsub := f.rdb.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	f.log.Info("fanout subscribed", "channel", f.channel, "instance", f.instanceID)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					f.log.Warn("discarding malformed fanout message", "error", err)
					continue
				}
				if d.Origin == f.instanceID {
					continue
				}
				handler(d)
			}
		}
	}()
	return nil
}
