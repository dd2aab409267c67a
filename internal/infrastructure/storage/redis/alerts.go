package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"terminus/internal/application/port"
)

const alertChannel = "terminus:alerts"

// AlertRelay forwards alert messages published on the redis channel by
// out-of-process analyzers to every websocket subscriber of the alerts topic.
type AlertRelay struct {
	rdb *redis.Client
	pub port.Publisher
}

func NewAlertRelay(rdb *redis.Client, pub port.Publisher) *AlertRelay {
	return &AlertRelay{rdb: rdb, pub: pub}
}

func (a *AlertRelay) Run(ctx context.Context) {
	sub := a.rdb.Subscribe(ctx, alertChannel)
	defer sub.Close()

	log.Info().Str("channel", alertChannel).Msg("alert relay subscribed")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var payload any
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				// forward opaque strings as-is
				payload = msg.Payload
			}
			a.pub.Broadcast("alerts", payload)
		}
	}
}
