package progress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/draymark/shipflow-backend/internal/logger"
)

const subscriberBuffer = 64

// Subscription is one consumer's bounded view of a job's progress stream.
// Events arrive on Events in publish order; slow consumers lose frames
// rather than stalling the engine.
type Subscription struct {
	ID     uuid.UUID
	JobID  uuid.UUID
	Events chan Event
	done   chan struct{}
	// Publishers run concurrently under the hub's read lock, so the drop
	// counter must be atomic.
	dropped atomic.Int64
	once    sync.Once
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Hub fans engine progress callbacks out to per-job subscribers.
type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[uuid.UUID]map[*Subscription]bool
	keepAlive     time.Duration
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:           log.With("component", "ProgressHub"),
		subscriptions: make(map[uuid.UUID]map[*Subscription]bool),
		keepAlive:     15 * time.Second,
	}
}

func (h *Hub) Subscribe(jobID uuid.UUID) *Subscription {
	sub := &Subscription{
		ID:     uuid.New(),
		JobID:  jobID,
		Events: make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, exists := h.subscriptions[jobID]
	if !exists {
		subs = make(map[*Subscription]bool)
		h.subscriptions[jobID] = subs
	}
	subs[sub] = true

	h.log.Debug("Progress subscriber added", "job_id", jobID, "subscription_id", sub.ID)
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscriptions[sub.JobID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscriptions, sub.JobID)
		}
	}
	if n := sub.dropped.Load(); n > 0 {
		h.log.Warn("Progress subscriber closed with dropped events",
			"job_id", sub.JobID,
			"subscription_id", sub.ID,
			"dropped", n,
		)
	}
}

// Publish delivers an event to every subscriber of the job. Never blocks:
// a full subscriber queue drops the event for that subscriber only.
func (h *Hub) Publish(jobID uuid.UUID, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs, ok := h.subscriptions[jobID]
	if !ok {
		return
	}
	for sub := range subs {
		select {
		case sub.Events <- event:
		default:
			sub.dropped.Add(1)
			h.log.Warn("Dropping progress event; subscriber buffer full",
				"job_id", jobID,
				"subscription_id", sub.ID,
				"event", event.Kind,
			)
		}
	}
}

// SubscriberCount is used by tests and the progress snapshot endpoint.
func (h *Hub) SubscriberCount(jobID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[jobID])
}

// ServeSSE streams a subscription as server-sent events until the client
// disconnects. Frames are unnamed `message` events whose data is the
// {"event","data"} JSON object; an idle stream gets a ping frame every
// keep-alive interval.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, sub *Subscription) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	writeFrame := func(event Event) bool {
		raw, err := json.Marshal(event)
		if err != nil {
			h.log.Warn("Failed to marshal progress event", "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", raw); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("Progress stream client gone", "subscription_id", sub.ID, "err", ctx.Err())
			return
		case <-sub.done:
			return
		case <-keepAlive.C:
			if !writeFrame(Ping()) {
				return
			}
		case event := <-sub.Events:
			if !writeFrame(event) {
				return
			}
			keepAlive.Reset(h.keepAlive)
		}
	}
}
