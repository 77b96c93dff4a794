// Package events fans "capture created" notices out to dashboard listeners,
// keyed by organization, and to optional message sinks.
package events

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeCaptureCreated = "capture.created"

	DefaultBufSize = 64
	sinkQueueSize  = 256
	sinkTimeout    = 5 * time.Second
)

type Event struct {
	Type       string    `json:"type"`
	OrgID      string    `json:"org_id"`
	DeviceID   string    `json:"device_id"`
	RecordID   string    `json:"record_id"`
	State      string    `json:"state"`
	Score      float64   `json:"score"`
	Reason     string    `json:"reason,omitempty"`
	CacheHit   bool      `json:"cache_hit,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Sink is an external destination for events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Subscriber receives events for one organization. Events that arrive while
// its buffer is full are dropped.
type Subscriber struct {
	org     string
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
}

func (s *Subscriber) Events() <-chan Event { return s.ch }

func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

type orgSubs struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

type sinkWorker struct {
	sink  Sink
	queue chan Event
	done  chan struct{}
}

type Bus struct {
	orgs    sync.Map // org id -> *orgSubs
	bufSize int

	mu     sync.Mutex
	sinks  []*sinkWorker
	closed bool
}

func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	return &Bus{bufSize: bufSize}
}

// AddSink starts a worker that forwards every published event to sink.
func (b *Bus) AddSink(sink Sink) {
	w := &sinkWorker{sink: sink, queue: make(chan Event, sinkQueueSize), done: make(chan struct{})}
	b.mu.Lock()
	b.sinks = append(b.sinks, w)
	b.mu.Unlock()

	go func() {
		defer close(w.done)
		for e := range w.queue {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := sink.Publish(ctx, e); err != nil {
				log.Printf("[events] %s publish %s failed: %v", sink.Name(), e.RecordID, err)
			}
			cancel()
		}
	}()
	log.Printf("[events] sink %s enabled", sink.Name())
}

func (b *Bus) Subscribe(orgID string) *Subscriber {
	v, _ := b.orgs.LoadOrStore(orgID, &orgSubs{subs: make(map[*Subscriber]struct{})})
	o := v.(*orgSubs)
	s := &Subscriber{org: orgID, ch: make(chan Event, b.bufSize)}
	o.mu.Lock()
	o.subs[s] = struct{}{}
	o.mu.Unlock()
	return s
}

func (b *Bus) Unsubscribe(s *Subscriber) {
	if v, ok := b.orgs.Load(s.org); ok {
		o := v.(*orgSubs)
		o.mu.Lock()
		delete(o.subs, s)
		o.mu.Unlock()
	}
	s.once.Do(func() { close(s.ch) })
}

// Listeners returns the number of live subscribers for an organization.
func (b *Bus) Listeners(orgID string) int {
	v, ok := b.orgs.Load(orgID)
	if !ok {
		return 0
	}
	o := v.(*orgSubs)
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}

// Publish never blocks: full subscriber buffers and sink queues drop the
// event. Having no listener is not an error.
func (b *Bus) Publish(e Event) {
	if e.Type == "" {
		e.Type = TypeCaptureCreated
	}
	if v, ok := b.orgs.Load(e.OrgID); ok {
		o := v.(*orgSubs)
		o.mu.RLock()
		for s := range o.subs {
			select {
			case s.ch <- e:
			default:
				s.dropped.Add(1)
			}
		}
		o.mu.RUnlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, w := range b.sinks {
		select {
		case w.queue <- e:
		default:
			log.Printf("[events] %s queue full, dropped %s", w.sink.Name(), e.RecordID)
		}
	}
}

// Close flushes and closes every sink.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sinks := b.sinks
	b.mu.Unlock()

	var firstErr error
	for _, w := range sinks {
		close(w.queue)
		<-w.done
		if err := w.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
