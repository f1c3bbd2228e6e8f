package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestMultiFansOut(t *testing.T) {
	var a, b recorder
	sink := Multi(&a, &b, Discard)

	sink.Emit(Event{Type: EventRunStarted, RunID: "run-1"})
	sink.Emit(Event{Type: EventRunFinished, RunID: "run-1"})

	if len(a.events) != 2 || len(b.events) != 2 {
		t.Fatalf("expected 2 events on each sink, got %d and %d", len(a.events), len(b.events))
	}
	if a.events[0].Type != EventRunStarted {
		t.Errorf("expected first event %q, got %q", EventRunStarted, a.events[0].Type)
	}
}

type recorder struct {
	events []Event
}

func (r *recorder) Emit(ev Event) {
	r.events = append(r.events, ev)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	first := dial(t, url)
	defer first.Close()
	second := dial(t, url)
	defer second.Close()

	// Registration goes through the hub's run loop; give it a moment
	// before emitting so neither client misses the event.
	time.Sleep(100 * time.Millisecond)

	sent := Event{
		Time:   time.Now().UTC(),
		RunID:  "run-42",
		Type:   EventTransition,
		NodeID: "n0003",
		Kind:   "leaf",
		State:  "completed",
		Ticks:  7,
	}
	hub.Emit(sent)

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got Event
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		if got.Type != sent.Type || got.NodeID != sent.NodeID || got.State != sent.State {
			t.Errorf("event mismatch: got %+v", got)
		}
		if got.Ticks != 7 {
			t.Errorf("expected ticks 7, got %d", got.Ticks)
		}
	}
}

func TestHubEmitAfterCloseDoesNotBlock(t *testing.T) {
	hub := NewHub()
	hub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < hubBuffer*2; i++ {
			hub.Emit(Event{Type: EventNodeCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked after Close")
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %s failed: %v", url, err)
	}
	return conn
}
