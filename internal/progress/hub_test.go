package progress

import (
	"bufio"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/draymark/shipflow-backend/internal/logger"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	log, err := logger.New("production")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return NewHub(log)
}

func TestPublishDeliversInOrder(t *testing.T) {
	hub := testHub(t)
	jobID := uuid.New()
	sub := hub.Subscribe(jobID)
	defer hub.Unsubscribe(sub)

	hub.Publish(jobID, BatchStarted(3))
	hub.Publish(jobID, RowStarted(1))
	hub.Publish(jobID, RowCompleted(1, "1Z001", 500))

	want := []EventKind{KindBatchStarted, KindRowStarted, KindRowCompleted}
	for i, kind := range want {
		select {
		case ev := <-sub.Events:
			if ev.Kind != kind {
				t.Fatalf("event %d: want=%s got=%s", i, kind, ev.Kind)
			}
		default:
			t.Fatalf("event %d missing", i)
		}
	}
}

func TestPublishIsScopedToJob(t *testing.T) {
	hub := testHub(t)
	jobA := uuid.New()
	jobB := uuid.New()
	subA := hub.Subscribe(jobA)
	subB := hub.Subscribe(jobB)
	defer hub.Unsubscribe(subA)
	defer hub.Unsubscribe(subB)

	hub.Publish(jobA, BatchStarted(1))

	if len(subA.Events) != 1 {
		t.Fatalf("subscriber of the published job: want=1 got=%d", len(subA.Events))
	}
	if len(subB.Events) != 0 {
		t.Fatalf("other job's subscriber must see nothing, got %d", len(subB.Events))
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	hub := testHub(t)
	jobID := uuid.New()
	sub := hub.Subscribe(jobID)
	defer hub.Unsubscribe(sub)

	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Publish(jobID, RowStarted(i + 1))
	}

	if len(sub.Events) != subscriberBuffer {
		t.Fatalf("buffered events: want=%d got=%d", subscriberBuffer, len(sub.Events))
	}
	if got := sub.dropped.Load(); got != 5 {
		t.Fatalf("dropped: want=5 got=%d", got)
	}
	// The retained frames are the oldest ones; drops start at the tail.
	first := <-sub.Events
	data, ok := first.Data.(RowStartedData)
	if !ok || data.RowNumber != 1 {
		t.Fatalf("first retained frame: %+v", first)
	}
}

func TestConcurrentPublishCountsEveryDrop(t *testing.T) {
	hub := testHub(t)
	jobID := uuid.New()
	sub := hub.Subscribe(jobID)
	defer hub.Unsubscribe(sub)

	for i := 0; i < subscriberBuffer; i++ {
		hub.Publish(jobID, RowStarted(i + 1))
	}

	const publishers, perPublisher = 8, 25
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				hub.Publish(jobID, Ping())
			}
		}()
	}
	wg.Wait()

	if got := sub.dropped.Load(); got != publishers*perPublisher {
		t.Fatalf("dropped: want=%d got=%d", publishers*perPublisher, got)
	}
}

func TestUnsubscribeCleansUp(t *testing.T) {
	hub := testHub(t)
	jobID := uuid.New()
	sub1 := hub.Subscribe(jobID)
	sub2 := hub.Subscribe(jobID)

	if got := hub.SubscriberCount(jobID); got != 2 {
		t.Fatalf("count: want=2 got=%d", got)
	}
	hub.Unsubscribe(sub1)
	if got := hub.SubscriberCount(jobID); got != 1 {
		t.Fatalf("count after one unsubscribe: want=1 got=%d", got)
	}
	hub.Unsubscribe(sub2)
	if got := hub.SubscriberCount(jobID); got != 0 {
		t.Fatalf("count after both: want=0 got=%d", got)
	}

	// Publishing to a job with no subscribers must not panic or leak.
	hub.Publish(jobID, BatchCompleted(1, 1, 100))

	// Double unsubscribe is safe.
	hub.Unsubscribe(sub1)
}

func TestServeSSEWritesFrames(t *testing.T) {
	hub := testHub(t)
	jobID := uuid.New()
	sub := hub.Subscribe(jobID)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stream", nil)

	done := make(chan struct{})
	go func() {
		hub.ServeSSE(rec, req, sub)
		close(done)
	}()

	hub.Publish(jobID, RowCompleted(2, "1Z002", 750))
	time.Sleep(50 * time.Millisecond)
	hub.Unsubscribe(sub)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeSSE did not return after unsubscribe")
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	scanner := bufio.NewScanner(rec.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = line
		case strings.HasPrefix(line, "data: "):
			dataLine = line
		}
	}
	if eventLine != "event: message" {
		t.Fatalf("event line: %q", eventLine)
	}
	if !strings.Contains(dataLine, `"event":"row_completed"`) || !strings.Contains(dataLine, `"tracking":"1Z002"`) {
		t.Fatalf("data line: %q", dataLine)
	}
}
