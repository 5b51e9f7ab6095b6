// Package reputation keeps the durable per-key score and tags consulted on
// every request. Keys are "ip:<addr>", "id:<user>" and "net:<prefix>".
package reputation

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/metrics"
	"github.com/mlgclan/edgeguard/internal/models"
	"github.com/mlgclan/edgeguard/internal/stripe"
)

// PolicySource yields the active policy.
type PolicySource interface {
	Current() *config.Policy
}

type Store struct {
	entries  *stripe.Map[*entry]
	policy   PolicySource
	clock    clock.Clock
	bus      *events.Bus
	metrics  *metrics.Metrics
	snapshot SnapshotStore
	log      *zap.Logger
}

type Options struct {
	Stripes    int
	LockBudget time.Duration
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Snapshot   SnapshotStore
	Log        *zap.Logger
}

func New(policy PolicySource, clk clock.Clock, opts Options) *Store {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Store{
		entries:  stripe.New[*entry]("reputation", opts.Stripes, opts.LockBudget),
		policy:   policy,
		clock:    clk,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		snapshot: opts.Snapshot,
		log:      opts.Log.With(zap.String("component", "reputation")),
	}
}

// Get returns the record for key, or a neutral record when absent.
func (s *Store) Get(key string) (Record, error) {
	now := s.clock.Now()
	halfLife := s.policy.Current().Reputation.HalfLife
	rec := Record{Key: key}
	err := s.entries.With(key, func(items map[string]*entry) error {
		e, ok := items[key]
		if !ok {
			return nil
		}
		e.decay(now, halfLife)
		e.expireTags(now)
		rec = e.record(key)
		return nil
	})
	return rec, err
}

// Adjust adds delta to key's score and returns the updated record. When the
// score reaches the blocklist threshold the key is blocklisted for
// reputation.auto_block_ttl.
func (s *Store) Adjust(key string, delta float64, reason string) (Record, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return Record{}, guarderr.Newf(guarderr.KindInvalidRequest, "reputation.adjust", "delta %v", delta)
	}
	return s.update(key, reason, func(e *entry) { e.raw += delta }, delta)
}

// Floor lowers key's score to target if it is currently above it.
func (s *Store) Floor(key string, target float64, reason string) (Record, error) {
	target = clamp(target)
	return s.update(key, reason, func(e *entry) {
		if clamp(e.raw) > target {
			e.raw = target
		}
	}, 0)
}

func (s *Store) update(key, reason string, apply func(*entry), delta float64) (Record, error) {
	now := s.clock.Now()
	pol := s.policy.Current().Reputation

	var (
		rec     Record
		blocked bool
	)
	err := s.entries.With(key, func(items map[string]*entry) error {
		e, ok := items[key]
		if !ok {
			e = &entry{updated: now}
			items[key] = e
		}
		e.decay(now, pol.HalfLife)
		e.expireTags(now)
		before := e.raw
		apply(e)
		e.updated = now
		e.expires = now.Add(pol.TTL)
		if d := e.raw - before; d != 0 || delta != 0 {
			if delta == 0 {
				delta = d
			}
			e.note(Adjustment{At: now, Delta: delta, Reason: reason})
		}
		if clamp(e.raw) <= pol.BlocklistThreshold {
			if _, tagged := e.tags[models.TagBlocklist]; !tagged {
				if e.tags == nil {
					e.tags = make(map[models.Tag]TagState)
				}
				e.tags[models.TagBlocklist] = TagState{
					Set:     now,
					Expires: now.Add(pol.AutoBlockTTL),
					TTL:     pol.AutoBlockTTL,
					Reason:  "auto: " + reason,
					Auto:    true,
				}
				blocked = true
			}
		}
		rec = e.record(key)
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if blocked {
		if s.metrics != nil {
			s.metrics.AutoBlocks.Inc()
		}
		s.log.Info("key auto-blocklisted", zap.String("key", key), zap.Float64("score", rec.Score), zap.String("reason", reason))
		s.publishTag(events.TagEvent{Key: key, Tag: models.TagBlocklist, Added: true, TTL: pol.AutoBlockTTL, Reason: reason, Auto: true})
	}
	return rec, nil
}

// Tag sets tag on key. A zero ttl never expires. Repeating an identical
// (tag, ttl, forced) write on a live tag is a no-op and reports false.
func (s *Store) Tag(key string, tag models.Tag, ttl time.Duration, forced bool, reason, operator string) (bool, error) {
	now := s.clock.Now()
	pol := s.policy.Current().Reputation
	changed := false
	err := s.entries.With(key, func(items map[string]*entry) error {
		e, ok := items[key]
		if !ok {
			e = &entry{updated: now, expires: now.Add(pol.TTL)}
			items[key] = e
		}
		e.expireTags(now)
		if cur, ok := e.tags[tag]; ok && cur.TTL == ttl && cur.Forced == forced {
			return nil
		}
		if e.tags == nil {
			e.tags = make(map[models.Tag]TagState)
		}
		st := TagState{Set: now, TTL: ttl, Forced: forced, Reason: reason}
		if ttl > 0 {
			st.Expires = now.Add(ttl)
		}
		e.tags[tag] = st
		changed = true
		return nil
	})
	if err != nil || !changed {
		return false, err
	}
	s.publishTag(events.TagEvent{Key: key, Tag: tag, Added: true, TTL: ttl, Forced: forced, Reason: reason, Operator: operator})
	return true, nil
}

// Untag removes tag from key and reports whether it was present.
func (s *Store) Untag(key string, tag models.Tag, reason, operator string) (bool, error) {
	now := s.clock.Now()
	changed := false
	err := s.entries.With(key, func(items map[string]*entry) error {
		e, ok := items[key]
		if !ok {
			return nil
		}
		e.expireTags(now)
		if _, ok := e.tags[tag]; ok {
			delete(e.tags, tag)
			changed = true
		}
		return nil
	})
	if err != nil || !changed {
		return false, err
	}
	s.publishTag(events.TagEvent{Key: key, Tag: tag, Added: false, Reason: reason, Operator: operator})
	return true, nil
}

// Lookup merges the records of keys: the lowest score wins and tags are
// unioned, with forced set if any key forced it.
func (s *Store) Lookup(keys ...string) (Aggregate, error) {
	agg := Aggregate{}
	for i, k := range keys {
		rec, err := s.Get(k)
		if err != nil {
			return Aggregate{}, err
		}
		if i == 0 || rec.Score < agg.Score {
			agg.Score = rec.Score
		}
		for tag, st := range rec.Tags {
			if agg.Tags == nil {
				agg.Tags = make(map[models.Tag]TagState)
			}
			if prev, ok := agg.Tags[tag]; ok && prev.Forced {
				st.Forced = true
			}
			agg.Tags[tag] = st
		}
		if rec.Updated.IsZero() && len(rec.Tags) == 0 {
			continue
		}
		agg.Records = append(agg.Records, rec)
	}
	return agg, nil
}

// Sweep decays every record, drops expired tags and evicts records whose
// TTL elapsed with a near-zero score and no tags. Keys are copied per
// stripe, then each key is processed under its own short lock.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	pol := s.policy.Current().Reputation

	var (
		keys    []string
		expired []events.TagEvent
		removed int
		live    int
		blocked int
	)
	for i := 0; i < s.entries.Stripes(); i++ {
		keys = s.entries.Keys(i, keys[:0])
		for _, key := range keys {
			var gone []models.Tag
			_ = s.entries.With(key, func(items map[string]*entry) error {
				e, ok := items[key]
				if !ok {
					return nil
				}
				e.decay(now, pol.HalfLife)
				gone = e.expireTags(now)
				if e.evictable(now) {
					delete(items, key)
					removed++
					return nil
				}
				live++
				if _, ok := e.tags[models.TagBlocklist]; ok {
					blocked++
				}
				return nil
			})
			for _, tag := range gone {
				if tag.Persistent() {
					expired = append(expired, events.TagEvent{Key: key, Tag: tag, Reason: "expired"})
				}
			}
		}
	}
	for _, ev := range expired {
		s.publishTag(ev)
	}
	if s.metrics != nil {
		s.metrics.ReputationKeys.Set(float64(live))
		s.metrics.Blocklisted.Set(float64(blocked))
	}
	return removed
}

// Len returns the number of live records.
func (s *Store) Len() int { return s.entries.Len() }

// Depth exposes the stripe queue depth.
func (s *Store) Depth() int64 { return s.entries.Depth() }

func (s *Store) publishTag(ev events.TagEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Topic: events.TopicTagChange, At: s.clock.Now(), Payload: ev})
}

// Run sweeps every reputation.sweep_interval and persists the allow/block
// snapshot every reputation.snapshot.interval, until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	lastSnap := s.clock.Now()
	for {
		pol := s.policy.Current().Reputation
		select {
		case <-ctx.Done():
			if s.snapshot != nil {
				saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.SaveSnapshot(saveCtx); err != nil {
					s.log.Warn("final snapshot failed", zap.Error(err))
				}
			}
			return nil
		case <-s.clock.After(pol.SweepInterval):
			if n := s.Sweep(); n > 0 {
				s.log.Debug("evicted reputation records", zap.Int("removed", n))
			}
			if s.snapshot != nil && pol.Snapshot.Interval > 0 && s.clock.Since(lastSnap) >= pol.Snapshot.Interval {
				lastSnap = s.clock.Now()
				if err := s.SaveSnapshot(ctx); err != nil {
					s.log.Warn("periodic snapshot failed", zap.Error(err))
				}
			}
		}
	}
}
