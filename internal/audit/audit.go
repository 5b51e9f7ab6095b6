// Package audit appends one JSON line per operator action. The file is
// rotated by size and backups are never deleted.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mlgclan/edgeguard/internal/clock"
	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/events"
	"github.com/mlgclan/edgeguard/internal/guarderr"
	"github.com/mlgclan/edgeguard/internal/metrics"
)

// Entry is one audit record.
type Entry struct {
	ID       string         `json:"id"`
	At       time.Time      `json:"at"`
	Operator string         `json:"operator"`
	Action   string         `json:"action"`
	Target   string         `json:"target,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Changed  bool           `json:"changed"`
}

type Options struct {
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

type Log struct {
	clock   clock.Clock
	bus     *events.Bus
	metrics *metrics.Metrics
	log     *zap.Logger

	mu       sync.Mutex
	w        io.Writer
	degraded atomic.Bool
}

// Open writes to the rotating file named by cfg.
func Open(cfg config.AuditLog, clk clock.Clock, opts Options) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	return New(&lumberjack.Logger{
		Filename: cfg.Path,
		MaxSize:  cfg.MaxSizeMB,
	}, clk, opts), nil
}

// New writes to w.
func New(w io.Writer, clk clock.Clock, opts Options) *Log {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Log{
		clock:   clk,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     opts.Log.With(zap.String("component", "audit")),
		w:       w,
	}
}

// Append stamps e with an id and time and writes it. A failed write puts
// the log in degraded mode and raises a health alert; the next successful
// write clears it.
func (l *Log) Append(e Entry) (Entry, error) {
	e.ID = uuid.Must(uuid.NewV7()).String()
	e.At = l.clock.Now().UTC()

	line, err := json.Marshal(e)
	if err != nil {
		return e, guarderr.Wrap(guarderr.KindInvalidRequest, "audit.append", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	_, err = l.w.Write(line)
	l.mu.Unlock()

	if err != nil {
		l.count("error")
		l.setDegraded(true, err.Error())
		return e, guarderr.Wrap(guarderr.KindStoreUnavailable, "audit.append", err)
	}
	l.count("ok")
	l.setDegraded(false, "write succeeded")
	return e, nil
}

func (l *Log) count(outcome string) {
	if l.metrics != nil {
		l.metrics.AuditWrites.WithLabelValues(outcome).Inc()
	}
}

func (l *Log) setDegraded(on bool, reason string) {
	if l.degraded.Swap(on) == on {
		return
	}
	if on {
		l.log.Error("audit log degraded", zap.String("reason", reason))
	} else {
		l.log.Info("audit log recovered")
	}
	if l.bus != nil {
		l.bus.Publish(events.Event{Topic: events.TopicHealth, At: l.clock.Now(), Payload: events.HealthEvent{
			Component: "audit", Degraded: on, Reason: reason,
		}})
	}
}

// Degraded reports whether the last write failed.
func (l *Log) Degraded() bool { return l.degraded.Load() }

// Close closes the underlying writer when it is closable.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
