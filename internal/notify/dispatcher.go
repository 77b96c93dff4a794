// Package notify sends cooldown-gated alerts for abnormal captures.
package notify

import (
	"context"
	"log"
	"sync"
	"time"
)

const DefaultCooldown = 10 * time.Minute

const sendTimeout = 30 * time.Second

// Alert describes one abnormal capture.
type Alert struct {
	OrgID      string
	DeviceID   string
	DeviceName string
	RecordID   string
	State      string
	Score      float64
	Reason     string
	CapturedAt time.Time
	Thumbnail  []byte
}

// Sender delivers an alert over one medium.
type Sender interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

type deviceState struct {
	mu         sync.Mutex
	lastSentAt time.Time
}

// Dispatcher gates alerts per device: a device alerts at most once per
// cooldown. Sends run in the background and never block the caller.
type Dispatcher struct {
	sender   Sender
	cooldown time.Duration
	now      func() time.Time
	devices  sync.Map // device id -> *deviceState
	wg       sync.WaitGroup
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(sender Sender, cooldown time.Duration, opts ...Option) *Dispatcher {
	if cooldown < 0 {
		cooldown = DefaultCooldown
	}
	if sender == nil {
		sender = LogSender{}
	}
	d := &Dispatcher{sender: sender, cooldown: cooldown, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) state(deviceID string) *deviceState {
	if s, ok := d.devices.Load(deviceID); ok {
		return s.(*deviceState)
	}
	s, _ := d.devices.LoadOrStore(deviceID, &deviceState{})
	return s.(*deviceState)
}

// Notify queues a for delivery unless the device is cooling down. The slot is
// reserved before sending so concurrent alerts for one device yield one send;
// a failed send gives the slot back. It reports whether a send was started.
func (d *Dispatcher) Notify(a Alert) bool {
	st := d.state(a.DeviceID)
	now := d.now()

	st.mu.Lock()
	if !st.lastSentAt.IsZero() && now.Sub(st.lastSentAt) < d.cooldown {
		st.mu.Unlock()
		log.Printf("[notify] %s cooling down, alert for %s skipped", a.DeviceID, a.RecordID)
		return false
	}
	prev := st.lastSentAt
	st.lastSentAt = now
	st.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := d.sender.Send(ctx, a); err != nil {
			log.Printf("[notify] %s alert for %s failed: %v", d.sender.Name(), a.RecordID, err)
			st.mu.Lock()
			if st.lastSentAt.Equal(now) {
				st.lastSentAt = prev
			}
			st.mu.Unlock()
			return
		}
		log.Printf("[notify] %s alert sent for %s (%s)", d.sender.Name(), a.RecordID, a.DeviceID)
	}()
	return true
}

// LastSent returns when the device last alerted, zero if never.
func (d *Dispatcher) LastSent(deviceID string) time.Time {
	v, ok := d.devices.Load(deviceID)
	if !ok {
		return time.Time{}
	}
	st := v.(*deviceState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastSentAt
}

// Wait blocks until in-flight sends finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogSender writes alerts to the log. Used when no other medium is set up.
type LogSender struct{}

func (LogSender) Name() string { return "log" }

func (LogSender) Send(_ context.Context, a Alert) error {
	log.Printf("[notify] ALERT %s/%s record=%s score=%.2f: %s", a.OrgID, a.DeviceID, a.RecordID, a.Score, a.Reason)
	return nil
}
