package eventbus

import (
	"context"
	"encoding/json"

	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	"github.com/AzielCF/az-wap-connector/infrastructure/valkey"
	"github.com/sirupsen/logrus"
	valkeylib "github.com/valkey-io/valkey-go"
)

// Valkey publishes events as JSON on a shared pub/sub channel so other
// processes can relay them.
type Valkey struct {
	client   *valkey.Client
	channel  string
	senderID string
}

func NewValkey(client *valkey.Client, senderID string) *Valkey {
	return &Valkey{
		client:   client,
		channel:  client.Key("events"),
		senderID: senderID,
	}
}

func (v *Valkey) Channel() string {
	return v.channel
}

func (v *Valkey) Publish(ctx context.Context, evt message.Event) {
	evt.SenderID = v.senderID

	data, err := json.Marshal(evt)
	if err != nil {
		logrus.WithError(err).Errorf("[EVENTBUS] Failed to marshal %s", evt.Type)
		return
	}
	if err := v.client.Publish(ctx, v.channel, string(data)); err != nil {
		logrus.WithError(err).Errorf("[EVENTBUS] Failed to publish %s to Valkey", evt.Type)
	}
}

// Relay subscribes to the channel and republishes remote events on local,
// skipping the ones this process sent. It blocks until ctx is done.
func (v *Valkey) Relay(ctx context.Context, local *Local) error {
	logrus.Infof("[EVENTBUS] Relaying Valkey channel %s", v.channel)
	inner := v.client.Inner()
	return inner.Receive(ctx, inner.B().Subscribe().Channel(v.channel).Build(), func(msg valkeylib.PubSubMessage) {
		evt, ok := decodeRemote([]byte(msg.Message), v.senderID)
		if !ok {
			return
		}
		local.Publish(ctx, evt)
	})
}

func decodeRemote(data []byte, selfID string) (message.Event, bool) {
	var evt message.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		logrus.WithError(err).Debug("[EVENTBUS] Ignoring malformed remote event")
		return evt, false
	}
	if evt.SenderID == selfID {
		return evt, false
	}
	return evt, true
}
