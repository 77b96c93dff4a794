// Package trigger delivers "capture now" commands to devices over their push
// stream. Pending triggers are kept per device by the hub, not by the
// transport, so a reconnecting device is re-offered everything it has not
// acknowledged.
package trigger

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// DefaultQueueSize bounds pending triggers per device.
const DefaultQueueSize = 256

// MaxID is the highest trigger id the hub assigns or accepts from a device.
// Ids stay exact as JSON numbers in any client.
const MaxID = 1<<53 - 1

var (
	ErrQueueFull      = errors.New("trigger queue full")
	ErrUnknownTrigger = errors.New("trigger id was never issued")
	ErrInvalidDevice  = errors.New("device id is required")
	ErrInvalidAck     = errors.New("last ack out of range")
	ErrExhausted      = errors.New("trigger ids exhausted")
)

type Source string

const (
	SourceSchedule Source = "schedule"
	SourceManual   Source = "manual"
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceSchedule, SourceManual:
		return Source(s), nil
	case "":
		return SourceManual, nil
	}
	return "", fmt.Errorf("unknown trigger source %q", s)
}

// Event is one issued trigger. IDs strictly increase per device.
type Event struct {
	ID       uint64    `json:"trigger_id"`
	DeviceID string    `json:"device_id"`
	Source   Source    `json:"source"`
	IssuedAt time.Time `json:"issued_at"`
}

type ConnState int

const (
	Disconnected ConnState = iota
	ConnectedIdle
	ConnectedDelivering
)

func (s ConnState) String() string {
	switch s {
	case ConnectedIdle:
		return "connected-idle"
	case ConnectedDelivering:
		return "connected-delivering"
	default:
		return "disconnected"
	}
}

func (s ConnState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time view of a device channel.
type Status struct {
	DeviceID   string    `json:"device_id"`
	State      ConnState `json:"state"`
	LastIssued uint64    `json:"last_issued"`
	LastAcked  uint64    `json:"last_acked"`
	Pending    int       `json:"pending"`
}

// channel is the per-device logical channel, reused across reconnects.
type channel struct {
	mu         sync.Mutex
	deviceID   string
	lastIssued uint64
	lastAcked  uint64
	pending    []Event // issued and not yet acknowledged, FIFO
	sub        *Subscription
}

// undelivered reports whether the live subscriber has pending events it has
// not been handed yet. Caller holds mu.
func (c *channel) undelivered() bool {
	if c.sub == nil {
		return false
	}
	return len(c.pending) > 0 && c.pending[len(c.pending)-1].ID > c.sub.sent
}

// ackLocked drops everything up to id. Caller holds mu.
func (c *channel) ackLocked(id uint64) {
	if id <= c.lastAcked {
		return
	}
	c.lastAcked = id
	i := 0
	for i < len(c.pending) && c.pending[i].ID <= id {
		i++
	}
	c.pending = append(c.pending[:0], c.pending[i:]...)
}

type Hub struct {
	channels  sync.Map // device id -> *channel
	queueSize int
	now       func() time.Time
}

type Option func(*Hub)

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func NewHub(queueSize int, opts ...Option) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	h := &Hub{queueSize: queueSize, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) channel(deviceID string) *channel {
	if c, ok := h.channels.Load(deviceID); ok {
		return c.(*channel)
	}
	c, _ := h.channels.LoadOrStore(deviceID, &channel{deviceID: deviceID})
	return c.(*channel)
}

// Issue assigns the next trigger id for the device and queues the trigger.
// A live subscriber is woken; otherwise it waits for the next Subscribe.
func (h *Hub) Issue(deviceID string, source Source) (Event, error) {
	if deviceID == "" {
		return Event{}, ErrInvalidDevice
	}
	c := h.channel(deviceID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) >= h.queueSize {
		return Event{}, fmt.Errorf("%w: %d pending for %s", ErrQueueFull, len(c.pending), deviceID)
	}
	if c.lastIssued >= MaxID {
		return Event{}, fmt.Errorf("%w for %s", ErrExhausted, deviceID)
	}
	c.lastIssued++
	ev := Event{
		ID:       c.lastIssued,
		DeviceID: deviceID,
		Source:   source,
		IssuedAt: h.now().UTC(),
	}
	c.pending = append(c.pending, ev)
	if c.sub != nil {
		c.sub.wake()
	}
	log.Printf("[trigger] issued #%d for %s (%s)", ev.ID, deviceID, source)
	return ev, nil
}

// Subscribe opens the device's push stream. lastAcked is the highest trigger
// id the device has processed; it can only move the acknowledgement forward.
// Every pending trigger above it is replayed in order. An existing subscriber
// for the device is closed and replaced. lastAcked above MaxID is rejected.
func (h *Hub) Subscribe(deviceID string, lastAcked uint64) (*Subscription, error) {
	if deviceID == "" {
		return nil, ErrInvalidDevice
	}
	if lastAcked > MaxID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAck, lastAcked)
	}
	c := h.channel(deviceID)
	c.mu.Lock()

	if lastAcked > c.lastIssued {
		// the device has seen ids this hub never issued (it outlived an
		// earlier process); continue numbering above them
		c.lastIssued = lastAcked
	}
	c.ackLocked(lastAcked)

	old := c.sub
	s := &Subscription{
		ch:     c,
		events: make(chan Event),
		done:   make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
		sent:   c.lastAcked,
	}
	c.sub = s
	replay := len(c.pending)
	c.mu.Unlock()

	if old != nil {
		old.Close()
		log.Printf("[trigger] %s resubscribed, previous stream replaced", deviceID)
	}
	log.Printf("[trigger] %s connected (last ack %d, %d to replay)", deviceID, lastAcked, replay)

	go s.pump()
	return s, nil
}

// Ack records that the device processed every trigger up to id.
func (h *Hub) Ack(deviceID string, id uint64) error {
	c := h.channel(deviceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if id > c.lastIssued {
		return fmt.Errorf("%w: %s #%d (last issued %d)", ErrUnknownTrigger, deviceID, id, c.lastIssued)
	}
	c.ackLocked(id)
	return nil
}

func (h *Hub) State(deviceID string) ConnState {
	return h.Status(deviceID).State
}

func (h *Hub) Status(deviceID string) Status {
	v, ok := h.channels.Load(deviceID)
	if !ok {
		return Status{DeviceID: deviceID}
	}
	c := v.(*channel)
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		DeviceID:   deviceID,
		LastIssued: c.lastIssued,
		LastAcked:  c.lastAcked,
		Pending:    len(c.pending),
	}
	switch {
	case c.sub == nil:
		st.State = Disconnected
	case c.undelivered():
		st.State = ConnectedDelivering
	default:
		st.State = ConnectedIdle
	}
	return st
}

// Statuses lists every device the hub has seen, sorted by id.
func (h *Hub) Statuses() []Status {
	var ids []string
	h.channels.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.Status(id))
	}
	return out
}
