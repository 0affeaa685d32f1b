package httpapi

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dictd/pkg/types"
)

func TestEventsWebsocketStreamsUIEvents(t *testing.T) {
	svc := &mockService{events: make(chan types.UIEvent, 8)}
	srv := httptest.NewServer(NewMux(svc))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	svc.events <- types.UIEvent{Kind: "state_changed", State: "recording"}
	svc.events <- types.UIEvent{Kind: "result", Text: "hello", DurationMS: 12}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first types.UIEvent
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if first.Kind != "state_changed" || first.State != "recording" {
		t.Fatalf("first event = %+v", first)
	}
	var second types.UIEvent
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second event: %v", err)
	}
	if second.Kind != "result" || second.Text != "hello" {
		t.Fatalf("second event = %+v", second)
	}
}

func TestEventsWebsocketClosesWithStream(t *testing.T) {
	svc := &mockService{events: make(chan types.UIEvent)}
	srv := httptest.NewServer(NewMux(svc))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	close(svc.events)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev types.UIEvent
	if err := conn.ReadJSON(&ev); err == nil {
		t.Fatalf("expected the connection to close, got event %+v", ev)
	}
}
