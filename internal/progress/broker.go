// Package progress fans job snapshots out to live subscribers.
package progress

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/narrate/internal/conversion"
)

// Snapshot is the externally visible progress of one job.
type Snapshot struct {
	ID           string                `json:"id"`
	Status       conversion.Status     `json:"status"`
	Progress     float64               `json:"progress"`
	SegmentsDone int                   `json:"segments_done"`
	SegmentCount int                   `json:"segment_count"`
	Error        *conversion.ErrorInfo `json:"error,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

func SnapshotOf(j conversion.Job) Snapshot {
	return Snapshot{
		ID:           j.ID,
		Status:       j.Status,
		Progress:     conversion.DisplayProgress(j.Progress),
		SegmentsDone: j.DoneCount(),
		SegmentCount: len(j.Segments),
		Error:        j.Error,
		UpdatedAt:    j.UpdatedAt,
	}
}

// Sink receives every published snapshot, e.g. an external message bus.
type Sink interface {
	PublishProgress(Snapshot) error
}

type Broker struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan Snapshot
	nextSubID   int
	sinks       []Sink
	logger      *slog.Logger
}

func NewBroker(logger *slog.Logger, sinks ...Sink) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]map[int]chan Snapshot),
		sinks:       sinks,
		logger:      logger,
	}
}

// Subscribe returns a channel of snapshots for job id and a func that ends
// the subscription and closes the channel. Slow readers miss intermediate
// snapshots rather than blocking publishers.
func (b *Broker) Subscribe(id string) (<-chan Snapshot, func()) {
	id = strings.TrimSpace(id)
	if id == "" {
		ch := make(chan Snapshot)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Snapshot, 64)
	b.mu.Lock()
	b.nextSubID++
	subID := b.nextSubID
	if _, ok := b.subscribers[id]; !ok {
		b.subscribers[id] = make(map[int]chan Snapshot)
	}
	b.subscribers[id][subID] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[id]
			if subs == nil {
				return
			}
			if c, ok := subs[subID]; ok {
				delete(subs, subID)
				close(c)
			}
			if len(subs) == 0 {
				delete(b.subscribers, id)
			}
		})
	}
}

// Publish delivers a job snapshot to subscribers and sinks.
func (b *Broker) Publish(j conversion.Job) {
	snap := SnapshotOf(j)

	b.mu.Lock()
	for _, ch := range b.subscribers[snap.ID] {
		select {
		case ch <- snap:
		default:
		}
	}
	b.mu.Unlock()

	for _, sink := range b.sinks {
		if err := sink.PublishProgress(snap); err != nil {
			b.logger.Warn("progress sink publish failed",
				slog.String("job_id", snap.ID),
				slog.String("error", err.Error()))
		}
	}
}

// Subscribers reports the live subscription count for id.
func (b *Broker) Subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[id])
}
