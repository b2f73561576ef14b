// Package progress provides in-memory upload progress streams for the
// SSE endpoint. Streams are transient; a lost event costs a progress
// update, never data.
package progress

import (
	"sync"
	"time"
)

const (
	// QueueCapacity bounds each stream's pending events. A slow consumer
	// loses intermediate updates rather than stalling the uploader.
	QueueCapacity = 200

	// DefaultTTL is how long an idle stream lives before it is timed out.
	DefaultTTL = 300 * time.Second
)

// Event types emitted on a stream.
const (
	EventConnected = "connected"
	EventProgress  = "upload_progress"
	EventDone      = "done"
	EventFailed    = "failed"
	EventTimeout   = "timeout"
)

// Event is one progress update for an upload.
type Event struct {
	Type           string `json:"type"`
	DocumentID     string `json:"document_id,omitempty"`
	BytesUploaded  int64  `json:"bytes_uploaded,omitempty"`
	PartsCompleted int    `json:"parts_completed,omitempty"`
	Status         string `json:"status,omitempty"`
	Error          string `json:"error,omitempty"`
}

type stream struct {
	events    chan Event
	updatedAt time.Time
	closed    bool
	dropped   int
}

// Hub tracks progress streams keyed by upload id.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream
	ttl     time.Duration
	done    chan struct{}
}

// NewHub creates a hub and starts its expiry loop. A non-positive ttl
// uses the default.
func NewHub(ttl time.Duration) *Hub {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	h := &Hub{
		streams: make(map[string]*stream),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go h.cleanupLoop()
	return h
}

// Stop terminates the expiry loop.
func (h *Hub) Stop() { close(h.done) }

// Open creates the stream for an upload id. Opening an existing id
// replaces the old stream.
func (h *Hub) Open(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.streams[id]; ok && !old.closed {
		close(old.events)
		old.closed = true
	}
	h.streams[id] = &stream{
		events:    make(chan Event, QueueCapacity),
		updatedAt: time.Now(),
	}
}

// Publish sends an event without blocking. Events to a full or unknown
// stream are dropped.
func (h *Hub) Publish(id string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[id]
	if !ok || s.closed {
		return
	}
	s.updatedAt = time.Now()
	select {
	case s.events <- ev:
	default:
		s.dropped++
	}
}

// Subscribe returns the stream's event channel. ok is false when the id
// is unknown or already expired.
func (h *Hub) Subscribe(id string) (<-chan Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[id]
	if !ok {
		return nil, false
	}
	return s.events, true
}

// Close publishes a final event and closes the stream.
func (h *Hub) Close(id string, final Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[id]
	if !ok || s.closed {
		return
	}
	select {
	case s.events <- final:
	default:
	}
	close(s.events)
	s.closed = true
}

// cleanupLoop expires idle streams with a timeout event.
func (h *Hub) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.cleanup(time.Now())
		}
	}
}

func (h *Hub) cleanup(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.streams {
		if now.Sub(s.updatedAt) <= h.ttl {
			continue
		}
		if !s.closed {
			select {
			case s.events <- Event{Type: EventTimeout}:
			default:
			}
			close(s.events)
		}
		delete(h.streams, id)
	}
}
