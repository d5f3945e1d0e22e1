package wsocket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warthog618/goatsms/internal/events"
)

func TestParseFilter(t *testing.T) {
	if f := parseFilter(""); f != nil {
		t.Errorf("empty filter should be nil (all), got %v", f)
	}
	if f := parseFilter("*"); f != nil {
		t.Errorf("wildcard filter should be nil (all), got %v", f)
	}
	f := parseFilter("incoming_message,delivery_report")
	if f == nil || !f[events.KindIncomingMessage] || !f[events.KindDeliveryReport] {
		t.Errorf("unexpected filter: %v", f)
	}
	if f[events.KindOutgoingMessage] {
		t.Error("outgoing_message should not be in filter")
	}
}

func TestHubBroadcastToFilteredConnection(t *testing.T) {
	h := New()
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?events=incoming_message"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Count() != 1 {
		t.Fatalf("expected 1 registered connection, got %d", h.Count())
	}

	h.Deliver(events.Event{Kind: events.KindOutgoingMessage})
	h.Deliver(events.Event{Kind: events.KindIncomingMessage})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"type":"incoming"`) {
		t.Errorf("expected incoming event, got %s", msg)
	}
}
