package reputation

import (
	"math"
	"time"

	"github.com/mlgclan/edgeguard/internal/models"
)

const (
	MinScore = -100.0
	MaxScore = 100.0

	// maxReasons bounds the per-record reason trail.
	maxReasons = 8
	// evictBelow is the magnitude under which an expired record is dropped.
	evictBelow = 0.5
)

// TagState describes one tag on a record. A zero Expires never expires.
type TagState struct {
	Set     time.Time     `json:"set"`
	Expires time.Time     `json:"expires,omitempty"`
	TTL     time.Duration `json:"ttl,omitempty"`
	Forced  bool          `json:"forced,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Auto    bool          `json:"auto,omitempty"`
}

func (s TagState) live(now time.Time) bool {
	return s.Expires.IsZero() || now.Before(s.Expires)
}

// Adjustment is an entry of the reason trail.
type Adjustment struct {
	At     time.Time `json:"at"`
	Delta  float64   `json:"delta"`
	Reason string    `json:"reason"`
}

// Record is a copy of a key's reputation. Score is the clamped view of the
// decayed running sum of adjustments.
type Record struct {
	Key     string                  `json:"key"`
	Score   float64                 `json:"score"`
	Updated time.Time               `json:"updated"`
	Expires time.Time               `json:"expires"`
	Tags    map[models.Tag]TagState `json:"tags,omitempty"`
	Reasons []Adjustment            `json:"reasons,omitempty"`
}

// Has reports whether the record carries tag.
func (r Record) Has(tag models.Tag) bool {
	_, ok := r.Tags[tag]
	return ok
}

type entry struct {
	raw     float64
	updated time.Time
	expires time.Time
	tags    map[models.Tag]TagState
	reasons []Adjustment
}

func clamp(v float64) float64 {
	return math.Max(MinScore, math.Min(MaxScore, v))
}

// decay moves raw toward zero by the half-life elapsed since the last update.
func (e *entry) decay(now time.Time, halfLife time.Duration) {
	if halfLife <= 0 || !now.After(e.updated) {
		return
	}
	dt := now.Sub(e.updated)
	e.raw *= math.Exp2(-dt.Seconds() / halfLife.Seconds())
	e.updated = now
}

// expireTags drops tags whose TTL has passed and returns them.
func (e *entry) expireTags(now time.Time) []models.Tag {
	var gone []models.Tag
	for tag, st := range e.tags {
		if !st.live(now) {
			delete(e.tags, tag)
			gone = append(gone, tag)
		}
	}
	return gone
}

func (e *entry) evictable(now time.Time) bool {
	return !now.Before(e.expires) && math.Abs(clamp(e.raw)) < evictBelow && len(e.tags) == 0
}

func (e *entry) record(key string) Record {
	r := Record{
		Key:     key,
		Score:   clamp(e.raw),
		Updated: e.updated,
		Expires: e.expires,
	}
	if len(e.tags) > 0 {
		r.Tags = make(map[models.Tag]TagState, len(e.tags))
		for t, s := range e.tags {
			r.Tags[t] = s
		}
	}
	if len(e.reasons) > 0 {
		r.Reasons = append([]Adjustment(nil), e.reasons...)
	}
	return r
}

func (e *entry) note(a Adjustment) {
	if len(e.reasons) == maxReasons {
		copy(e.reasons, e.reasons[1:])
		e.reasons = e.reasons[:maxReasons-1]
	}
	e.reasons = append(e.reasons, a)
}

// Aggregate merges the records of every key that applies to a request.
type Aggregate struct {
	Score   float64                 `json:"score"`
	Tags    map[models.Tag]TagState `json:"tags,omitempty"`
	Records []Record                `json:"records,omitempty"`
}

// Has reports whether any key carries tag.
func (a Aggregate) Has(tag models.Tag) bool {
	_, ok := a.Tags[tag]
	return ok
}

// Forced reports whether tag was set with the forced flag on any key.
func (a Aggregate) Forced(tag models.Tag) bool {
	return a.Tags[tag].Forced
}

// Signal maps the aggregate score onto [0,1]: neutral and positive
// reputations contribute nothing, -100 contributes 1.
func (a Aggregate) Signal() float64 {
	if a.Score >= 0 {
		return 0
	}
	return -a.Score / 100
}
