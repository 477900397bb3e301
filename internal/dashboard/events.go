// Package dashboard maintains the in-memory event feed consumed by the
// monitoring UI, over both polling endpoints and a live websocket stream.
package dashboard

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"promptguard/internal/threat"
)

// Event is one analyzed request as shown on the dashboard. UserMessage and
// AIResponse are already redacted and truncated by the proxy.
type Event struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	SessionID   string        `json:"session_id"`
	UserMessage string        `json:"user_message"`
	Threat      threat.Result `json:"threat"`
	AIResponse  string        `json:"ai_response"`
	CallMs      int64         `json:"call_ms"`
}

// Feed is a bounded ring of recent events plus live subscribers. Oldest
// events are evicted once capacity is reached.
type Feed struct {
	mu     sync.RWMutex
	events []Event
	max    int

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// NewFeed creates a feed holding at most max events.
func NewFeed(max int) *Feed {
	if max <= 0 {
		max = 100
	}
	return &Feed{
		events: make([]Event, 0, max),
		max:    max,
		subs:   make(map[chan Event]struct{}),
	}
}

// Append records an event, evicting the oldest if the ring is full, and
// fans it out to live subscribers. A missing id or timestamp is filled in.
func (f *Feed) Append(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()[:8]
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	f.mu.Lock()
	if len(f.events) >= f.max {
		f.events = f.events[1:]
	}
	f.events = append(f.events, e)
	f.mu.Unlock()

	f.subMu.Lock()
	for ch := range f.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop rather than stall the proxy path.
		}
	}
	f.subMu.Unlock()

	return e
}

// List returns all buffered events, newest first.
func (f *Feed) List() []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Event, len(f.events))
	for i, e := range f.events {
		out[len(f.events)-1-i] = e
	}
	return out
}

// Latest returns the most recent event, if any.
func (f *Feed) Latest() (Event, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.events) == 0 {
		return Event{}, false
	}
	return f.events[len(f.events)-1], true
}

// Clear empties the feed.
func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = f.events[:0]
}

// Stats are aggregate counters over the buffered events.
type Stats struct {
	Total          int     `json:"total_requests"`
	Blocked        int     `json:"blocked"`
	Quarantined    int     `json:"quarantined"`
	Allowed        int     `json:"allowed"`
	BlockRate      float64 `json:"block_rate"`
	ActiveSessions int     `json:"active_sessions"`
}

// Stats computes counters over the buffered events. ActiveSessions is
// filled in by the caller, which owns the session table.
func (f *Feed) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var s Stats
	s.Total = len(f.events)
	for _, e := range f.events {
		switch e.Threat.Verdict {
		case threat.VerdictBlock:
			s.Blocked++
		case threat.VerdictQuarantine:
			s.Quarantined++
		default:
			s.Allowed++
		}
	}
	if s.Total > 0 {
		// Percentage, one decimal place.
		s.BlockRate = math.Round(float64(s.Blocked)/float64(s.Total)*1000) / 10
	}
	return s
}

// Subscribe registers a live event channel. The returned cancel func must
// be called when the subscriber goes away.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	f.subMu.Lock()
	f.subs[ch] = struct{}{}
	f.subMu.Unlock()

	cancel := func() {
		f.subMu.Lock()
		delete(f.subs, ch)
		f.subMu.Unlock()
	}
	return ch, cancel
}
