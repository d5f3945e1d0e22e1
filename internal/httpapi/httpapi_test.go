package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/warthog618/goatsms/internal/events"
	"github.com/warthog618/goatsms/internal/modemio"
	"github.com/warthog618/goatsms/internal/smsmanager"
	"github.com/warthog618/goatsms/internal/store"
)

var testKey = []byte("01234567890123456789012345678901")

// stubSender satisfies smsmanager.Sender without touching a modem.
type stubSender struct {
	ref byte
	err error
}

func (s *stubSender) SendPDU(ctx context.Context, hexPDU string) (byte, error) {
	return s.ref, s.err
}

func newTestRouter(t *testing.T, authToken string) (http.Handler, *store.Store) {
	t.Helper()
	dbname := "httpapi_test.sqlite"
	os.Remove(dbname)
	t.Cleanup(func() { os.Remove(dbname) })

	s, err := store.Open(store.Config{Driver: "sqlite3", DataSourceName: dbname, EncryptionKey: testKey})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bcast := events.New()
	m, err := smsmanager.New(smsmanager.Config{Store: s, Broadcaster: bcast, Sender: &stubSender{ref: 7}})
	if err != nil {
		t.Fatalf("building manager: %v", err)
	}
	worker := modemio.New(modemio.Config{Broadcaster: bcast})

	return NewRouter(m, s, worker, nil, authToken), s
}

func TestSendAndGetMessages(t *testing.T) {
	router, s := newTestRouter(t, "")
	srv := httptest.NewServer(router)
	defer srv.Close()

	body, _ := json.Marshal(sendRequest{PhoneNumber: "+447700900000", Content: "hello"})
	resp, err := http.Post(srv.URL+"/api/v1/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("posting message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var sr sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if sr.MessageID == 0 {
		t.Fatal("expected non-zero message id")
	}

	msgs, err := s.GetMessages("+447700900000", 10, 0, false)
	if err != nil {
		t.Fatalf("reading back messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("unexpected stored messages: %+v", msgs)
	}

	getResp, err := http.Get(srv.URL + "/api/v1/messages?phone_number=%2B447700900000")
	if err != nil {
		t.Fatalf("getting messages: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
}

func TestSendMessageBadRequest(t *testing.T) {
	router, _ := newTestRouter(t, "")
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/messages", "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("posting message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, "")
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("getting status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var tel modemio.Telemetry
	if err := json.NewDecoder(resp.Body).Decode(&tel); err != nil {
		t.Fatalf("decoding telemetry: %v", err)
	}
	if tel.Status != modemio.StatusStartup {
		t.Errorf("expected status %q, got %q", modemio.StatusStartup, tel.Status)
	}
}

func TestBearerAuthRequired(t *testing.T) {
	router, _ := newTestRouter(t, "secret")
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/numbers")
	if err != nil {
		t.Fatalf("getting numbers: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", srv.URL+"/api/v1/numbers", nil)
	req.Header.Set("Authorization", "Bearer secret")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("getting numbers with token: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with correct token, got %d", authed.StatusCode)
	}
}
