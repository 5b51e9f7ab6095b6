package export

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memSink struct {
	mu   sync.Mutex
	msgs []Message
	fail bool
}

func (s *memSink) Publish(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broker down")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func tagEvent(te events.TagEvent) events.Event {
	return events.Event{Topic: events.TopicTagChange, At: t0, Payload: te}
}

func TestMessageFor(t *testing.T) {
	msg, ok := MessageFor(tagEvent(events.TagEvent{
		Key: "ip:203.0.113.7", Tag: models.TagBlocklist, Added: true, TTL: 15 * time.Minute, Reason: "auto", Auto: true,
	}))
	require.True(t, ok)
	assert.Equal(t, ActionBlock, msg.Action)
	assert.Equal(t, []string{"203.0.113.7"}, msg.IPs)
	assert.Equal(t, "15m0s", msg.Duration)
	assert.True(t, msg.Auto)

	msg, ok = MessageFor(tagEvent(events.TagEvent{Key: "net:198.51.100.0/24", Tag: models.TagBlocklist}))
	require.True(t, ok)
	assert.Equal(t, ActionUnblock, msg.Action)
	assert.Equal(t, []string{"198.51.100.0/24"}, msg.IPs)
	assert.Empty(t, msg.Duration)

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"unblock","ips":["198.51.100.0/24"],"at":"2026-03-01T12:00:00Z"}`, string(b))

	for name, te := range map[string]events.TagEvent{
		"identity":  {Key: "id:player-1", Tag: models.TagBlocklist, Added: true},
		"allowlist": {Key: "ip:203.0.113.7", Tag: models.TagAllowlist, Added: true},
		"priority":  {Key: "ip:203.0.113.7", Tag: models.TagPriority, Added: true},
	} {
		_, ok := MessageFor(tagEvent(te))
		assert.False(t, ok, name)
	}
	_, ok = MessageFor(events.Event{Topic: events.TopicTagChange, Payload: "garbage"})
	assert.False(t, ok)
}

func TestExporterRelaysBlocklistChanges(t *testing.T) {
	bus := events.NewBus(nil, nil)
	m := metrics.New()
	sink := &memSink{}
	x := New(sink, Options{Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- x.Run(ctx, bus) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.Publish(tagEvent(events.TagEvent{Key: "id:player-1", Tag: models.TagBlocklist, Added: true}))
	bus.Publish(tagEvent(events.TagEvent{Key: "ip:203.0.113.7", Tag: models.TagBlocklist, Added: true}))
	require.Eventually(t, func() bool { return len(sink.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"203.0.113.7"}, sink.sent()[0].IPs)

	sink.mu.Lock()
	sink.fail = true
	sink.mu.Unlock()
	bus.Publish(tagEvent(events.TagEvent{Key: "ip:203.0.113.8", Tag: models.TagBlocklist, Added: true}))
	require.Eventually(t, func() bool { return m.Snapshot()["ban_exports_total{outcome=error}"] == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, m.Snapshot()["ban_exports_total{outcome=ok}"])

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, bus.Subscribers())
}
