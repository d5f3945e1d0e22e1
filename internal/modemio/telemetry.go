package modemio

import (
	"log"

	"github.com/warthog618/goatsms/internal/atparse"
	"github.com/warthog618/goatsms/internal/command"
	"github.com/warthog618/goatsms/internal/pdu"
	"github.com/warthog618/goatsms/internal/smsmanager"
)

func incomingSMSFromDeliver(d pdu.Deliver) smsmanager.IncomingSMS {
	return smsmanager.IncomingSMS{
		PhoneNumber: d.OriginatingAddress.Number,
		UDH:         d.UDH,
		Text:        d.Text,
		Timestamp:   d.Timestamp,
	}
}

func deliveryReportFromStatusReport(r pdu.StatusReport) smsmanager.DeliveryReport {
	return smsmanager.DeliveryReport{
		PhoneNumber: r.RecipientAddress.Number,
		ReferenceID: r.ReferenceID,
		RawStatus:   r.RawStatus,
	}
}

// telemetryCommands rotates one query per poll tick so steady-state
// traffic never issues more than one command per interval, per
// SPEC_FULL.md's telemetry polling supplement.
var telemetryCommands = []string{
	"AT+CSQ", "AT+CREG?", "AT+COPS?", "AT+CSPN?", "AT+CBC",
}

func (s *session) pollTelemetry() {
	cmd := telemetryCommands[s.telemetryStep%len(telemetryCommands)]
	s.telemetryStep++
	s.submitInternal(cmd, func(resp string) {
		s.applyTelemetryResponse(cmd, resp)
	})
}

func (s *session) applyTelemetryResponse(cmd, resp string) {
	s.worker.statusMu.Lock()
	defer s.worker.statusMu.Unlock()
	s.worker.telemetry.UpdatedAt = s.worker.now()

	switch cmd {
	case "AT+CSQ":
		if v, err := atparse.ParseCSQ(resp); err == nil {
			s.worker.telemetry.Signal = &v
		}
	case "AT+CREG?":
		if v, err := atparse.ParseCREG(resp); err == nil {
			s.worker.telemetry.Network = &v
		}
	case "AT+COPS?":
		if v, err := atparse.ParseCOPS(resp); err == nil {
			s.worker.telemetry.Operator = &v
		}
	case "AT+CSPN?":
		if v, err := atparse.ParseCSPN(resp); err == nil {
			s.worker.telemetry.Provider = &v
		}
	case "AT+CBC":
		if v, err := atparse.ParseCBC(resp); err == nil {
			s.worker.telemetry.Battery = &v
		}
	}
}

func (s *session) pollGNSS() {
	s.submitInternal("AT+CGNSINF", func(resp string) {
		loc, err := atparse.ParseCGNSINF(resp)
		if err != nil {
			log.Println("modemio: parsing GNSS poll response:", err)
			return
		}
		s.broadcastGNSS(loc)
	})
}

// submitInternal fires off a worker-internal query (telemetry/GNSS) and
// applies its response asynchronously, so a slow or failed query never
// blocks the main event loop.
func (s *session) submitInternal(cmdText string, onSuccess func(string)) {
	sink, err := s.worker.tracker.Submit(command.Request{
		Seq:     command.NextSequence(),
		Text:    cmdText,
		Timeout: command.DefaultTimeout,
	})
	if err != nil {
		log.Println("modemio: submitting", cmdText, ":", err)
		return
	}
	go func() {
		res := <-sink
		if res.Err != nil {
			log.Println("modemio:", cmdText, "failed:", res.Err)
			return
		}
		onSuccess(res.Response)
	}()
}
