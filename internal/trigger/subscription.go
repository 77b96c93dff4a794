package trigger

import "sync"

// Subscription is one live push stream for a device. Events are handed out in
// issuance order; a handed-out event stays pending on the hub until acked.
type Subscription struct {
	ch        *channel
	events    chan Event
	done      chan struct{}
	wakeCh    chan struct{}
	closeOnce sync.Once

	// sent is the highest id handed to the transport; guarded by ch.mu
	sent uint64
}

// Events yields triggers to push. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription is closed or replaced.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) DeviceID() string { return s.ch.deviceID }

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ch.mu.Lock()
		if s.ch.sub == s {
			s.ch.sub = nil
		}
		s.ch.mu.Unlock()
	})
}

func (s *Subscription) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// next returns the first pending event above sent, if any.
func (s *Subscription) next() (Event, bool) {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	for _, ev := range s.ch.pending {
		if ev.ID > s.sent {
			return ev, true
		}
	}
	return Event{}, false
}

func (s *Subscription) pump() {
	defer close(s.events)
	for {
		ev, ok := s.next()
		if !ok {
			select {
			case <-s.wakeCh:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.events <- ev:
			s.ch.mu.Lock()
			if ev.ID > s.sent {
				s.sent = ev.ID
			}
			s.ch.mu.Unlock()
		case <-s.done:
			return
		}
	}
}
