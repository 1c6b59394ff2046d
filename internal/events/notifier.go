// Package events carries case and file status changes to live observers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "casepipe_events_dropped_total",
	Help: "Status events dropped because a subscriber's buffer was full.",
})

const (
	KindFile = "file"
	KindCase = "case"
)

// Event is a status change of a case or one of its files.
type Event struct {
	CaseID string    `json:"case_id"`
	FileID string    `json:"file_id,omitempty"`
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// Publisher is the side of the Notifier used by the pipeline.
type Publisher interface {
	Publish(e Event)
}

const DefaultBuffer = 32

// Notifier is a process-wide fire-and-forget broadcast of status events,
// one topic per case. Each subscriber has its own bounded buffer; when it
// is full further events for that subscriber are dropped, so publishers
// are never held up by slow consumers.
type Notifier struct {
	pubsub *gochannel.GoChannel
	buffer int
	logger *slog.Logger
}

func NewNotifier(buffer int, logger *slog.Logger) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")

	// Forwarders ack as soon as an event is buffered or dropped, so waiting
	// for acks keeps per-topic order without exposing publishers to
	// consumer speed.
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1,
		BlockPublishUntilSubscriberAck: true,
	}, slogAdapter{l: logger})

	return &Notifier{pubsub: pubsub, buffer: buffer, logger: logger}
}

func topic(caseID string) string {
	return "case." + caseID
}

func (n *Notifier) Publish(e Event) {
	if e.CaseID == "" {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		n.logger.Warn("encoding event", "err", err)
		return
	}
	if err := n.pubsub.Publish(topic(e.CaseID), message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		n.logger.Debug("publishing event", "case_id", e.CaseID, "err", err)
	}
}

// Subscribe returns events for caseID until ctx ends, after which the
// subscription is removed and the channel closed.
func (n *Notifier) Subscribe(ctx context.Context, caseID string) (<-chan Event, error) {
	msgs, err := n.pubsub.Subscribe(ctx, topic(caseID))
	if err != nil {
		return nil, fmt.Errorf("subscribing to case %s: %w", caseID, err)
	}

	out := make(chan Event, n.buffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var e Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				n.logger.Warn("decoding event", "err", err)
				msg.Ack()
				continue
			}
			select {
			case out <- e:
			default:
				droppedTotal.Inc()
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close stops delivery to every subscriber.
func (n *Notifier) Close() error {
	return n.pubsub.Close()
}
