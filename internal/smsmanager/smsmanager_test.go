package smsmanager

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/warthog618/goatsms/internal/events"
	"github.com/warthog618/goatsms/internal/pdu"
	"github.com/warthog618/goatsms/internal/store"
)

type fakeSender struct {
	refs []byte
	err  error
	n    int
}

func (f *fakeSender) SendPDU(ctx context.Context, hexPDU string) (byte, error) {
	if f.err != nil {
		return 0, f.err
	}
	ref := f.refs[f.n]
	f.n++
	return ref, nil
}

type errSender struct{}

func (errSender) SendPDU(ctx context.Context, hexPDU string) (byte, error) {
	return 0, errTestSend
}

var errTestSend = errors.New("no carrier")

func setupStore(t *testing.T) *store.Store {
	os.Remove("smsmanagertest")
	s, err := store.Open(store.Config{Driver: "sqlite3", DataSourceName: "smsmanagertest", EncryptionKey: []byte("01234567890123456789012345678901")})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	return s
}

func teardownStore(s *store.Store) {
	s.Close()
	os.Remove("smsmanagertest")
}

func TestSendSuccess(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(s)

	b := events.New()
	sink := &captureSink{}
	b.SetWebhook(sink)

	m, err := New(Config{Store: s, Broadcaster: b, Sender: &fakeSender{refs: []byte{5}}, RequireInternational: true})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	id, ref, err := m.Send(context.Background(), "+447700900000", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero message id")
	}
	if ref != 5 {
		t.Errorf("got reference id %d, want 5", ref)
	}

	msgs, err := s.GetMessages("+447700900000", 10, 0, false)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d err=%v", len(msgs), err)
	}
	if msgs[0].Status != store.StatusSent {
		t.Errorf("expected StatusSent, got %d", msgs[0].Status)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != events.KindOutgoingMessage {
		t.Errorf("expected one OutgoingMessage event, got %+v", sink.events)
	}
}

func TestSendRejectsNonInternationalFormat(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(s)

	m, err := New(Config{Store: s, Broadcaster: events.New(), Sender: &fakeSender{refs: []byte{1}}, RequireInternational: true})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	if _, _, err := m.Send(context.Background(), "0700900000", "hi"); err != ErrNotInternationalFormat {
		t.Errorf("expected ErrNotInternationalFormat, got %v", err)
	}
}

func TestSendFailurePersistsSendFailure(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(s)

	m, err := New(Config{Store: s, Broadcaster: events.New(), Sender: errSender{}})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	_, _, err = m.Send(context.Background(), "+1", "hi")
	if err == nil {
		t.Fatal("expected error")
	}

	msgs, err := s.GetMessages("+1", 10, 0, false)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d err=%v", len(msgs), err)
	}
	if msgs[0].Status != store.StatusPermanentFailure {
		t.Errorf("expected StatusPermanentFailure, got %d", msgs[0].Status)
	}
	if msgs[0].CompletedAt == nil {
		t.Error("expected completed_at set on permanent failure")
	}
}

func TestOnIncomingSMSWithoutConcat(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(s)

	b := events.New()
	sink := &captureSink{}
	b.SetWebhook(sink)
	m, err := New(Config{Store: s, Broadcaster: b, Sender: &fakeSender{}})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	err = m.OnIncomingSMS(IncomingSMS{PhoneNumber: "+1", Text: "hello", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := s.GetMessages("+1", 10, 0, false)
	if err != nil || len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("expected stored incoming message, got %+v err=%v", msgs, err)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != events.KindIncomingMessage {
		t.Errorf("expected one IncomingMessage event, got %+v", sink.events)
	}
}

func TestOnIncomingSMSMultipartWaitsForCompletion(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(s)

	m, err := New(Config{Store: s, Broadcaster: events.New(), Sender: &fakeSender{}})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	udh := &pdu.UserDataHeader{Elements: []pdu.InformationElement{{ID: 0x00, Data: []byte{7, 2, 1}}}}
	if err := m.OnIncomingSMS(IncomingSMS{PhoneNumber: "+1", UDH: udh, Text: "hello ", Timestamp: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := s.GetMessages("+1", 10, 0, false)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected no stored message until multipart completes, got %d", len(msgs))
	}

	udh2 := &pdu.UserDataHeader{Elements: []pdu.InformationElement{{ID: 0x00, Data: []byte{7, 2, 2}}}}
	if err := m.OnIncomingSMS(IncomingSMS{PhoneNumber: "+1", UDH: udh2, Text: "world", Timestamp: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err = s.GetMessages("+1", 10, 0, false)
	if err != nil || len(msgs) != 1 || msgs[0].Content != "hello world" {
		t.Fatalf("expected reassembled message, got %+v err=%v", msgs, err)
	}
}

func TestOnDeliveryReportNotFound(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(s)

	m, err := New(Config{Store: s, Broadcaster: events.New(), Sender: &fakeSender{}})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	err = m.OnDeliveryReport(DeliveryReport{PhoneNumber: "+1", ReferenceID: 9, RawStatus: 0})
	if err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOnDeliveryReportMarksDelivered(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(s)

	b := events.New()
	sink := &captureSink{}
	b.SetWebhook(sink)
	m, err := New(Config{Store: s, Broadcaster: b, Sender: &fakeSender{refs: []byte{3}}, RequireInternational: true})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	id, _, err := m.Send(context.Background(), "+1", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.OnDeliveryReport(DeliveryReport{PhoneNumber: "+1", ReferenceID: 3, RawStatus: 0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := s.GetMessages("+1", 10, 0, false)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d err=%v", len(msgs), err)
	}
	if msgs[0].MessageID != id || msgs[0].Status != store.StatusDelivered {
		t.Errorf("expected delivered status on message %d, got %+v", id, msgs[0])
	}
	if msgs[0].CompletedAt == nil {
		t.Error("expected completed_at set on final report")
	}

	found := false
	for _, ev := range sink.events {
		if ev.Kind == events.KindDeliveryReport {
			found = true
		}
	}
	if !found {
		t.Error("expected a delivery_report event to be broadcast")
	}
}

type captureSink struct {
	events []events.Event
}

func (c *captureSink) Deliver(ev events.Event) {
	c.events = append(c.events, ev)
}
