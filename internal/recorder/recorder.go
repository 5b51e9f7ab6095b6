// Package recorder keeps the bounded history shown on the admin dashboard.
package recorder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/stripe"
)

type ring struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
	next    int
	full    bool
}

func (r *ring) push(e models.HistoryEntry) {
	r.mu.Lock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

func (r *ring) copyInto(dst []models.HistoryEntry) []models.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return append(dst, r.entries...)
	}
	return append(dst, r.entries[:r.next]...)
}

// Recorder is a set of fixed-size rings. Entries are spread over shards by
// key so that one hot IP cannot evict everyone else's history.
type Recorder struct {
	shards []*ring
	seq    atomic.Uint64
	clock  clock.Clock
}

func New(capacity, shards int, clk clock.Clock) *Recorder {
	if shards < 1 {
		shards = 1
	}
	if capacity < shards {
		capacity = shards
	}
	per := (capacity + shards - 1) / shards
	r := &Recorder{shards: make([]*ring, shards), clock: clk}
	for i := range r.shards {
		r.shards[i] = &ring{entries: make([]models.HistoryEntry, per)}
	}
	return r
}

// Append stamps e with a sequence number (and time, if unset) and stores it.
func (r *Recorder) Append(e models.HistoryEntry) uint64 {
	e.Seq = r.seq.Add(1)
	if e.At.IsZero() {
		e.At = r.clock.Now()
	}
	key := e.IP
	if key == "" {
		key = e.Identity
	}
	r.shards[stripe.Hash(key)%uint64(len(r.shards))].push(e)
	return e.Seq
}

// Query selects history entries, newest first.
type Query struct {
	Since time.Time
	Kind  models.HistoryKind
	Page  int
	Limit int
}

type Page struct {
	Entries []models.HistoryEntry `json:"entries"`
	Total   int                   `json:"total"`
	Page    int                   `json:"page"`
	Limit   int                   `json:"limit"`
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Query returns one page of matching entries. Each shard is copied under
// its own lock, so the result is a consistent view per shard.
func (r *Recorder) Query(q Query) (Page, error) {
	if q.Page < 0 || q.Limit < 0 {
		return Page{}, fmt.Errorf("page and limit must be non-negative")
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}

	var all []models.HistoryEntry
	for _, s := range r.shards {
		all = s.copyInto(all)
	}
	matched := all[:0]
	for _, e := range all {
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		if !q.Since.IsZero() && e.At.Before(q.Since) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq > matched[j].Seq })

	p := Page{Total: len(matched), Page: q.Page, Limit: q.Limit, Entries: []models.HistoryEntry{}}
	start := (q.Page - 1) * q.Limit
	if start >= len(matched) {
		return p, nil
	}
	end := start + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	p.Entries = append(p.Entries, matched[start:end]...)
	return p, nil
}

// Len returns the number of retained entries.
func (r *Recorder) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		if s.full {
			n += len(s.entries)
		} else {
			n += s.next
		}
		s.mu.Unlock()
	}
	return n
}

// Run records bus events that are not already written by the enforcer,
// until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) error {
	id, ch := bus.Subscribe(1024,
		events.TopicDetection, events.TopicModeChange, events.TopicTermination,
		events.TopicAdmin, events.TopicHealth)
	defer bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if e, ok := entryFor(ev); ok {
				r.Append(e)
			}
		}
	}
}

func entryFor(ev events.Event) (models.HistoryEntry, bool) {
	e := models.HistoryEntry{At: ev.At}
	switch p := ev.Payload.(type) {
	case events.DetectionEvent:
		e.Kind = models.HistoryDetection
		e.IP = p.IP
		e.Identity = p.Actor
		e.Score = p.Severity
		e.Reason = p.Detector + ": " + p.Reason
		e.Class = severityClass(p.Severity)
	case events.ModeEvent:
		e.Kind = models.HistoryModeChange
		e.Mode = p.New.String()
		e.Identity = p.Operator
		e.Reason = p.Reason
	case events.TerminationEvent:
		e.Kind = models.HistoryTermination
		e.IP = p.IP
		e.Reason = p.Reason
		e.Verdict = models.VerdictTerminate
		e.Class = models.Attacking
	case events.AdminEvent:
		e.Kind = models.HistoryAdmin
		e.Identity = p.Operator
		e.Reason = p.Action + " " + p.Target
		e.CorrelationID = p.AuditID
	case events.HealthEvent:
		e.Kind = models.HistoryHealth
		e.Reason = p.Component + ": " + p.Reason
	default:
		return e, false
	}
	return e, true
}

func severityClass(s float64) models.Classification {
	switch {
	case s >= 1:
		return models.Critical
	case s >= 0.75:
		return models.Attacking
	case s >= 0.5:
		return models.Abusive
	default:
		return models.Suspicious
	}
}
