// Package broker fans the progress stream of each run out to any number of
// subscribers. Late subscribers receive a replay of the run's history.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
)

// ErrTopicClosed is returned when publishing to a finished run.
var ErrTopicClosed = errors.New("run stream closed")

// Config tunes the hub.
type Config struct {
	// History is the number of events replayed to late subscribers.
	History int `mapstructure:"history"`
	// Buffer is the channel capacity of each subscriber beyond the replay.
	Buffer int `mapstructure:"buffer"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{History: 512, Buffer: 64}
}

type subscriber struct {
	ch chan domain.ProgressEvent
}

type topic struct {
	history  []domain.ProgressEvent
	trimmed  uint64
	subs     map[int]*subscriber
	closed   bool
	closedAt time.Time
}

// Hub is a per-run ordered fan-out. Publish never blocks: a subscriber that
// cannot keep up is disconnected rather than slowing the run down.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	nextID int
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewHub creates a hub.
func NewHub(config Config, logger *slog.Logger) *Hub {
	defaults := DefaultConfig()
	if config.History <= 0 {
		config.History = defaults.History
	}
	if config.Buffer <= 0 {
		config.Buffer = defaults.Buffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics: make(map[string]*topic),
		config: config,
		logger: logger.With("component", "broker"),
		now:    time.Now,
	}
}

func (h *Hub) topicLocked(runID string) *topic {
	t, ok := h.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]*subscriber)}
		h.topics[runID] = t
	}
	return t
}

// Publish appends ev to its run's history and delivers it to every
// subscriber. A final event closes the run's stream.
func (h *Hub) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(ev.RunID)
	if t.closed {
		return ErrTopicClosed
	}
	t.history = append(t.history, ev)
	if over := len(t.history) - h.config.History; over > 0 {
		t.history = append(t.history[:0:0], t.history[over:]...)
		t.trimmed += uint64(over)
	}

	for id, s := range t.subs {
		select {
		case s.ch <- ev:
		default:
			h.logger.Warn("slow subscriber disconnected", "run_id", ev.RunID, "subscriber", id)
			close(s.ch)
			delete(t.subs, id)
		}
	}

	if ev.Final {
		h.closeLocked(t)
	}
	return nil
}

// Subscribe returns the run's event stream starting with its history. When
// older events were trimmed from the history, the stream opens with a gap
// marker (see domain.ProgressEvent.Omitted). The channel is closed when the
// run's stream is closed or the returned cancel function is called.
func (h *Hub) Subscribe(runID string) (<-chan domain.ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(runID)
	ch := make(chan domain.ProgressEvent, len(t.history)+h.config.Buffer+1)
	if t.trimmed > 0 && len(t.history) > 0 {
		ch <- gapMarker(t.history[0], t.trimmed)
	}
	for _, ev := range t.history {
		ch <- ev
	}
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	h.nextID++
	id := h.nextID
	t.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(runID, id) })
	}
}

func gapMarker(first domain.ProgressEvent, omitted uint64) domain.ProgressEvent {
	return domain.ProgressEvent{
		RunID:     first.RunID,
		Stage:     first.Stage,
		Percent:   first.Percent,
		Message:   fmt.Sprintf("%d earlier events are no longer available", omitted),
		Level:     domain.LevelWarning,
		Timestamp: first.Timestamp,
		Omitted:   omitted,
	}
}

func (h *Hub) unsubscribe(runID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[runID]
	if !ok {
		return
	}
	if s, ok := t.subs[id]; ok {
		close(s.ch)
		delete(t.subs, id)
	}
}

// Close ends the run's stream. Runs that fail or are cancelled never
// publish a final event, so the owner closes them explicitly.
func (h *Hub) Close(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(h.topicLocked(runID))
}

func (h *Hub) closeLocked(t *topic) {
	if t.closed {
		return
	}
	t.closed = true
	t.closedAt = h.now()
	for id, s := range t.subs {
		close(s.ch)
		delete(t.subs, id)
	}
}

// History returns a copy of the buffered events of a run.
func (h *Hub) History(runID string) []domain.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[runID]
	if !ok {
		return nil
	}
	return append([]domain.ProgressEvent(nil), t.history...)
}

// Prune drops closed streams older than maxAge and returns how many were
// removed.
func (h *Hub) Prune(maxAge time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-maxAge)
	n := 0
	for id, t := range h.topics {
		if t.closed && t.closedAt.Before(cutoff) {
			delete(h.topics, id)
			n++
		}
	}
	return n
}
