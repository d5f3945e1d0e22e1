// Package events defines the typed event stream produced by the SMS
// manager and modem worker, and the broadcaster that fans it out to the
// webhook worker and websocket hub.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/warthog618/goatsms/internal/atparse"
	"github.com/warthog618/goatsms/internal/store"
)

// Kind identifies the variant of an Event, used for webhook/websocket
// subscription filtering.
type Kind string

const (
	KindIncomingMessage    Kind = "incoming_message"
	KindOutgoingMessage    Kind = "outgoing_message"
	KindDeliveryReport     Kind = "delivery_report"
	KindModemStatusUpdate  Kind = "modem_status_update"
	KindGNSSPositionReport Kind = "gnss_position_report"
)

// AllKinds lists every event kind, used to expand the "*"/absent
// subscription wildcard.
var AllKinds = []Kind{
	KindIncomingMessage,
	KindOutgoingMessage,
	KindDeliveryReport,
	KindModemStatusUpdate,
	KindGNSSPositionReport,
}

// ModemStatus is the modem worker's lifecycle status. internal/modemio
// aliases this type rather than declaring its own, since it imports this
// package to broadcast status changes.
type ModemStatus string

const (
	StatusStartup      ModemStatus = "startup"
	StatusOnline       ModemStatus = "online"
	StatusShuttingDown ModemStatus = "shutting_down"
	StatusOffline      ModemStatus = "offline"
)

// Event is the tagged union broadcast to every fan-out consumer. Exactly
// one of the payload fields is populated, matching Kind. MarshalJSON
// renders it onto the wire as {"type":..., "data":...}, per the wire
// schema webhook bodies and websocket frames share.
type Event struct {
	Kind Kind

	IncomingMessage *store.Message
	OutgoingMessage *store.Message

	DeliveryReport *DeliveryReportPayload
	ModemStatus    *ModemStatusPayload
	GNSSPosition   *atparse.GNSSLocation
}

// wireType maps a Kind to the "type" discriminator used on the wire,
// which for incoming/outgoing messages and delivery reports is shorter
// than the Kind value used for webhook/websocket subscription filtering.
func wireType(k Kind) string {
	switch k {
	case KindIncomingMessage:
		return "incoming"
	case KindOutgoingMessage:
		return "outgoing"
	case KindDeliveryReport:
		return "delivery"
	default:
		return string(k)
	}
}

// MarshalJSON implements json.Marshaler, producing {"type":...,"data":...}
// with data set to whichever payload field matches Kind.
func (e Event) MarshalJSON() ([]byte, error) {
	var data interface{}
	switch e.Kind {
	case KindIncomingMessage:
		data = e.IncomingMessage
	case KindOutgoingMessage:
		data = e.OutgoingMessage
	case KindDeliveryReport:
		data = e.DeliveryReport
	case KindModemStatusUpdate:
		data = e.ModemStatus
	case KindGNSSPositionReport:
		data = e.GNSSPosition
	}
	return json.Marshal(struct {
		Type string      `json:"type"`
		Data interface{} `json:"data"`
	}{Type: wireType(e.Kind), Data: data})
}

// DeliveryReportPayload is the Event.DeliveryReport variant's content.
type DeliveryReportPayload struct {
	MessageID int64              `json:"message_id"`
	Report    DeliveryReportData `json:"report"`
}

// DeliveryReportData is the wire shape of a correlated delivery report:
// the destination and SMSC reference it applies to, plus the raw
// TP-STATUS-REPORT status byte.
type DeliveryReportData struct {
	PhoneNumber string `json:"phone_number"`
	ReferenceID byte   `json:"reference_id"`
	Status      byte   `json:"status"`
}

// ModemStatusPayload is the Event.ModemStatus variant's content.
type ModemStatusPayload struct {
	Previous ModemStatus `json:"previous"`
	Current  ModemStatus `json:"current"`
}

// WebhookTarget is one configured webhook delivery target, loaded from
// the webhooks.json side file referenced by SPEC_FULL.md's Configuration
// section.
type WebhookTarget struct {
	URL             string            `json:"url"`
	ExpectedStatus  int               `json:"expected_status,omitempty"`
	SubscribedEvents []Kind           `json:"events"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// Subscribes reports whether this target subscribes to the given kind.
// An empty or "*"-containing SubscribedEvents list subscribes to all
// kinds.
func (t WebhookTarget) Subscribes(k Kind) bool {
	if len(t.SubscribedEvents) == 0 {
		return true
	}
	for _, ek := range t.SubscribedEvents {
		if ek == "*" || ek == k {
			return true
		}
	}
	return false
}

// Sink receives broadcast events. internal/webhook and internal/wsocket
// both implement this.
type Sink interface {
	Deliver(Event)
}

// Broadcaster owns zero or one webhook worker and zero or one websocket
// hub, and fans every broadcast event out to whichever are attached.
// Delivery is fire-and-forget: Broadcast never blocks on a slow sink.
type Broadcaster struct {
	mu      sync.RWMutex
	webhook Sink
	ws      Sink
	now     func() time.Time
}

// New creates an empty Broadcaster. Attach sinks with SetWebhook/SetWebsocket.
func New() *Broadcaster {
	return &Broadcaster{now: time.Now}
}

// SetWebhook attaches (or detaches, with nil) the webhook worker sink.
func (b *Broadcaster) SetWebhook(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.webhook = s
}

// SetWebsocket attaches (or detaches, with nil) the websocket hub sink.
func (b *Broadcaster) SetWebsocket(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ws = s
}

// Broadcast delivers ev to each attached, non-nil sink. Each sink's
// Deliver must itself be non-blocking (both internal/webhook and
// internal/wsocket queue internally).
func (b *Broadcaster) Broadcast(ev Event) {
	b.mu.RLock()
	webhook, ws := b.webhook, b.ws
	b.mu.RUnlock()

	if webhook != nil {
		webhook.Deliver(ev)
	}
	if ws != nil {
		ws.Deliver(ev)
	}
}
