package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tootsync/internal/pipeline"
)

const (
	SyncEventLegFinished  = "leg-finished"
	syncEventHeartbeat    = "heartbeat"
	syncEventSource       = "tootsync"
	defaultEventBufferLen = 16
)

// SyncEvent is published to stream subscribers after every sync leg.
type SyncEvent struct {
	RunID      string    `json:"run_id"`
	LegID      string    `json:"leg_id"`
	Trigger    string    `json:"trigger"`
	Feed       string    `json:"feed"`
	Outcome    string    `json:"outcome"`
	Stored     int       `json:"stored"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// SyncEventDispatcher fans sync events out to stream subscribers. Slow
// subscribers miss events instead of blocking the pipeline.
type SyncEventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan SyncEvent
}

func NewSyncEventDispatcher() *SyncEventDispatcher {
	return &SyncEventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  defaultEventBufferLen,
	}
}

// Subscribe registers a subscriber that is removed when ctx is done or the
// returned cleanup is called.
func (d *SyncEventDispatcher) Subscribe(ctx context.Context) (<-chan SyncEvent, func()) {
	subscriber := &eventSubscriber{
		stream: make(chan SyncEvent, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, subscriber.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *SyncEventDispatcher) Publish(event SyncEvent) {
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// ObserveLeg implements pipeline.LegObserver.
func (d *SyncEventDispatcher) ObserveLeg(report pipeline.LegReport) {
	event := SyncEvent{
		RunID:      report.RunID,
		LegID:      report.LegID,
		Trigger:    string(report.Trigger),
		Feed:       string(report.Feed),
		Outcome:    string(report.Outcome),
		Stored:     report.Stored,
		FinishedAt: report.FinishedAt,
	}
	if report.Err != nil {
		event.Error = report.Err.Error()
	}
	d.Publish(event)
}

func (d *SyncEventDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
