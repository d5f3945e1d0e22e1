// Package smsmanager orchestrates outbound sends, inbound reassembly,
// and delivery-report correlation against the store and event
// broadcaster.
package smsmanager

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/warthog618/goatsms/internal/events"
	"github.com/warthog618/goatsms/internal/multipart"
	"github.com/warthog618/goatsms/internal/pdu"
	"github.com/warthog618/goatsms/internal/store"
)

// ErrNotInternationalFormat is returned by Send when the destination is
// not in international (+-prefixed) format and the configuration
// requires it.
var ErrNotInternationalFormat = errors.New("smsmanager: destination must be in international format")

// Sender submits an encoded PDU segment to the modem and reports the
// SMSC-assigned reference id, or an error if the modem rejected it.
// internal/modemio's worker implements this.
type Sender interface {
	SendPDU(ctx context.Context, hexPDU string) (referenceID byte, err error)
}

// Manager orchestrates sending, incoming-message handling, and
// delivery-report correlation.
type Manager struct {
	store       *store.Store
	broadcaster *events.Broadcaster
	reassembler *multipart.Reassembler
	encoder     *pdu.Encoder
	sender      Sender

	requireInternational bool
	now                   func() time.Time
}

// Config controls Manager construction.
type Config struct {
	Store                *store.Store
	Broadcaster          *events.Broadcaster
	Sender               Sender
	RequireInternational bool
}

// New builds a Manager. It owns its own multipart reassembler and PDU
// encoder.
func New(cfg Config) (*Manager, error) {
	enc, err := pdu.NewEncoder()
	if err != nil {
		return nil, errors.Wrap(err, "smsmanager: building PDU encoder")
	}
	return &Manager{
		store:                 cfg.Store,
		broadcaster:           cfg.Broadcaster,
		reassembler:           multipart.New(),
		encoder:               enc,
		sender:                cfg.Sender,
		requireInternational:  cfg.RequireInternational,
		now:                   time.Now,
	}, nil
}

// Send encodes content into one or more PDU segments, dispatches each via
// Sender, persists the outcome, and returns the assigned message id
// alongside the SMSC-assigned reference id of the last segment sent.
func (m *Manager) Send(ctx context.Context, phoneNumber, content string) (int64, byte, error) {
	if m.requireInternational && !strings.HasPrefix(phoneNumber, "+") {
		return 0, 0, ErrNotInternationalFormat
	}

	segments, err := m.encoder.EncodeSubmit(phoneNumber, content)
	if err != nil {
		return 0, 0, errors.Wrap(err, "smsmanager: encoding message")
	}

	var lastRef byte
	var sendErr error
	for _, seg := range segments {
		ref, err := m.sender.SendPDU(ctx, seg.Hex)
		if err != nil {
			sendErr = err
			break
		}
		lastRef = ref
	}

	status := store.StatusSent
	var completedAt *time.Time
	if sendErr != nil {
		status = store.StatusPermanentFailure
		now := m.now()
		completedAt = &now
	}

	var refPtr *byte
	if sendErr == nil {
		refPtr = &lastRef
	}

	messageID, err := m.store.InsertMessage(store.Message{
		PhoneNumber: phoneNumber,
		Content:     content,
		ReferenceID: refPtr,
		IsOutgoing:  true,
		Status:      status,
		CreatedAt:   m.now(),
		CompletedAt: completedAt,
	})
	if err != nil {
		return 0, 0, errors.Wrap(err, "smsmanager: persisting outgoing message")
	}

	if sendErr != nil {
		if _, ferr := m.store.InsertSendFailure(messageID, sendErr.Error()); ferr != nil {
			return messageID, lastRef, errors.Wrap(ferr, "smsmanager: persisting send failure")
		}
		return messageID, lastRef, sendErr
	}

	m.broadcaster.Broadcast(events.Event{
		Kind: events.KindOutgoingMessage,
		OutgoingMessage: &store.Message{
			MessageID:   messageID,
			PhoneNumber: phoneNumber,
			Content:     content,
			ReferenceID: refPtr,
			IsOutgoing:  true,
			Status:      status,
			CreatedAt:   m.now(),
		},
	})
	return messageID, lastRef, nil
}

// IncomingSMS is one decoded TP-DELIVER, already demultiplexed by the
// modem worker/state machine.
type IncomingSMS struct {
	PhoneNumber string
	UDH         *pdu.UserDataHeader
	Text        string
	Timestamp   time.Time
}

// OnIncomingSMS records a decoded inbound SMS, reassembling multipart
// segments first if the UDH indicates a concatenated message.
func (m *Manager) OnIncomingSMS(sms IncomingSMS) error {
	ref, total, index, hasConcat, err := sms.concatInfo()
	if err != nil {
		return errors.Wrap(err, "smsmanager: invalid concat header")
	}

	var message multipart.Message
	var ready bool
	if hasConcat {
		message, ready, err = m.reassembler.Add(multipart.Part{
			Ref:         ref,
			Total:       total,
			Index:       index,
			PhoneNumber: sms.PhoneNumber,
			Text:        sms.Text,
			Timestamp:   sms.Timestamp,
		})
		if err != nil {
			return errors.Wrap(err, "smsmanager: reassembling multipart SMS")
		}
		if !ready {
			return nil
		}
	} else {
		message = multipart.Message{PhoneNumber: sms.PhoneNumber, Content: sms.Text, Timestamp: sms.Timestamp}
	}

	messageID, err := m.store.InsertMessage(store.Message{
		PhoneNumber: message.PhoneNumber,
		Content:     message.Content,
		IsOutgoing:  false,
		Status:      store.StatusReceived,
		CreatedAt:   message.Timestamp,
	})
	if err != nil {
		return errors.Wrap(err, "smsmanager: persisting incoming message")
	}

	m.broadcaster.Broadcast(events.Event{
		Kind: events.KindIncomingMessage,
		IncomingMessage: &store.Message{
			MessageID:   messageID,
			PhoneNumber: message.PhoneNumber,
			Content:     message.Content,
			IsOutgoing:  false,
			Status:      store.StatusReceived,
			CreatedAt:   message.Timestamp,
		},
	})
	return nil
}

func (s IncomingSMS) concatInfo() (ref, total, index byte, ok bool, err error) {
	if s.UDH == nil {
		return 0, 0, 0, false, nil
	}
	ref, total, index, ok, err = s.UDH.ConcatInfo()
	return
}

// DeliveryReport is one decoded TP-STATUS-REPORT.
type DeliveryReport struct {
	PhoneNumber string
	ReferenceID byte
	RawStatus   byte
}

// statusIsFinal reports whether a TP-STATUS-REPORT raw status byte is
// terminal: either successful delivery (0x00-0x02) or an error after which
// the SC makes no further attempts (bit 6 set, i.e. 0x40-0x7F per TS 23.040
// §9.2.3.15).
func statusIsFinal(raw byte) bool {
	if raw <= 0x02 {
		return true
	}
	return raw >= 0x40 && raw <= 0x7f
}

func mapStatus(raw byte) store.SMSStatus {
	switch {
	case raw <= 0x02:
		return store.StatusDelivered
	case raw >= 0x40 && raw <= 0x7f:
		return store.StatusPermanentFailure
	default:
		return store.StatusTemporaryFailure
	}
}

// OnDeliveryReport correlates a decoded TP-STATUS-REPORT with its outgoing message.
// It returns store.ErrNotFound if no open outgoing message correlates,
// per the Open Question decision to drop orphans.
func (m *Manager) OnDeliveryReport(report DeliveryReport) error {
	messageID, err := m.store.FindOpenOutgoing(report.PhoneNumber, report.ReferenceID)
	if err != nil {
		return err
	}

	isFinal := statusIsFinal(report.RawStatus)
	reportRow := store.DeliveryReport{MessageID: messageID, RawStatus: report.RawStatus, IsFinal: isFinal}
	reportID, err := m.store.InsertDeliveryReport(reportRow)
	if err != nil {
		return errors.Wrap(err, "smsmanager: persisting delivery report")
	}
	reportRow.ReportID = reportID

	var completedAt *time.Time
	if isFinal {
		now := m.now()
		completedAt = &now
	}
	newStatus := mapStatus(report.RawStatus)
	if err := m.store.UpdateMessageStatus(messageID, newStatus, completedAt); err != nil {
		return errors.Wrap(err, "smsmanager: updating message status")
	}

	m.broadcaster.Broadcast(events.Event{
		Kind: events.KindDeliveryReport,
		DeliveryReport: &events.DeliveryReportPayload{
			MessageID: messageID,
			Report: events.DeliveryReportData{
				PhoneNumber: report.PhoneNumber,
				ReferenceID: report.ReferenceID,
				Status:      report.RawStatus,
			},
		},
	})
	return nil
}

// Scavenge removes stalled multipart groups and returns the refs that were
// dropped, for the caller to log.
// Callers are expected to invoke this on multipart.ScavengeInterval.
func (m *Manager) Scavenge() []byte {
	return m.reassembler.Scavenge()
}
