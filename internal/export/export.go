// Package export forwards blocklist changes for IPs and networks to
// network-level blockers over a message broker.
package export

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/models"
)

const (
	ActionBlock   = "block"
	ActionUnblock = "unblock"
)

// Message is the payload consumed by the blockers.
type Message struct {
	Action   string    `json:"action"`
	IPs      []string  `json:"ips"`
	Duration string    `json:"duration,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Operator string    `json:"operator,omitempty"`
	Auto     bool      `json:"auto,omitempty"`
	At       time.Time `json:"at"`
}

// Sink delivers messages to the broker.
type Sink interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// MessageFor converts a tag change. Only blocklist changes on ip: and net:
// keys are exported; identities mean nothing below layer 7.
func MessageFor(ev events.Event) (Message, bool) {
	te, ok := ev.Payload.(events.TagEvent)
	if !ok || te.Tag != models.TagBlocklist {
		return Message{}, false
	}
	var target string
	switch {
	case strings.HasPrefix(te.Key, "ip:"):
		target = strings.TrimPrefix(te.Key, "ip:")
	case strings.HasPrefix(te.Key, "net:"):
		target = strings.TrimPrefix(te.Key, "net:")
	default:
		return Message{}, false
	}
	msg := Message{
		Action:   ActionUnblock,
		IPs:      []string{target},
		Reason:   te.Reason,
		Operator: te.Operator,
		Auto:     te.Auto,
		At:       ev.At.UTC(),
	}
	if te.Added {
		msg.Action = ActionBlock
		if te.TTL > 0 {
			msg.Duration = te.TTL.String()
		}
	}
	return msg, true
}

type Options struct {
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Exporter relays tag changes from the bus to a Sink.
type Exporter struct {
	sink    Sink
	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(sink Sink, opts Options) *Exporter {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Exporter{sink: sink, metrics: opts.Metrics, log: opts.Log.With(zap.String("component", "export"))}
}

// Run exports until ctx is cancelled. A failed publish is logged and
// counted; the blockers converge again on the next change of the key.
func (x *Exporter) Run(ctx context.Context, bus *events.Bus) error {
	id, ch := bus.Subscribe(512, events.TopicTagChange)
	defer bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			msg, ok := MessageFor(ev)
			if !ok {
				continue
			}
			x.export(ctx, msg)
		}
	}
}

func (x *Exporter) export(ctx context.Context, msg Message) {
	outcome := "ok"
	if err := x.sink.Publish(ctx, msg); err != nil {
		outcome = "error"
		x.log.Warn("ban export failed",
			zap.String("action", msg.Action),
			zap.Strings("ips", msg.IPs),
			zap.Error(err))
	} else {
		x.log.Debug("ban exported", zap.String("action", msg.Action), zap.Strings("ips", msg.IPs))
	}
	if x.metrics != nil {
		x.metrics.Exported.WithLabelValues(outcome).Inc()
	}
}
