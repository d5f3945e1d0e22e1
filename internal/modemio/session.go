package modemio

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/warthog618/goatsms/internal/atparse"
	"github.com/warthog618/goatsms/internal/command"
	"github.com/warthog618/goatsms/internal/events"
	"github.com/warthog618/goatsms/internal/framer"
	"github.com/warthog618/goatsms/internal/pdu"
	"github.com/warthog618/goatsms/internal/statemachine"
)

// session is one connected-modem lifetime: from a freshly opened port
// through init, steady-state operation, and back out on read error or
// shutdown. A new session is created on every reconnect.
type session struct {
	worker *Worker
	rw     io.ReadWriter
	fr     *framer.Framer
	sm     *statemachine.Machine

	activeReq *command.Request

	telemetryStep int
}

// initialize runs the fixed AT command sequence, each read to its first
// OK/ERROR line with a 10-second hard timeout per SPEC_FULL.md's Modem
// worker section.
func (s *session) initialize(ctx context.Context) error {
	for _, c := range initCommands {
		if err := s.runInitCommand(ctx, c.cmd, c.expect); err != nil {
			return err
		}
	}
	if s.worker.cfg.GNSSEnabled {
		for _, cmd := range gnssInitCommands {
			if err := s.runInitCommand(ctx, cmd, ""); err != nil {
				return err
			}
		}
		interval := int(s.worker.cfg.GNSSReportInterval / time.Second)
		if interval <= 0 {
			interval = 30
		}
		if err := s.runInitCommand(ctx, "AT+CGNSURC="+itoa(interval), ""); err != nil {
			return err
		}
	}
	return nil
}

// runInitCommand writes cmd and reads raw bytes directly (the framer and
// state machine are not yet in steady-state use during init) until an
// OK/ERROR-shaped line, or expect if given, appears.
func (s *session) runInitCommand(ctx context.Context, cmd, expect string) error {
	if _, err := io.WriteString(s.rw, cmd+"\r\n"); err != nil {
		return err
	}

	ictx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	buf := make([]byte, readBufferSize)
	deadline := time.Now().Add(initTimeout)
	for {
		if ictx.Err() != nil {
			return errInitTimeout
		}
		n, err := s.rw.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return errInitTimeout
			}
			continue
		}
		for _, ev := range s.fr.Process(buf[:n]) {
			if ev.Kind != framer.Line {
				continue
			}
			if ev.Text == "ERROR" {
				return errInitFailed
			}
			if expect != "" && hasPrefix(ev.Text, expect) {
				return nil
			}
			if expect == "" && ev.Text == "OK" {
				return nil
			}
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// loop runs the steady-state event loop until ctx is cancelled, a read
// error occurs, or a shutdown notice drains out. It always returns with
// the session's modem disconnected in spirit (caller closes the port).
func (s *session) loop(ctx context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readCh := make(chan []byte, 4)
	readErrCh := make(chan error, 1)
	go s.readLoop(sctx, readCh, readErrCh)

	cmdReady := make(chan command.Request, 1)
	cmdDone := make(chan struct{}, 1)
	go s.dequeueLoop(sctx, cmdReady, cmdDone)
	cmdDone <- struct{}{}

	var pendingReq *command.Request

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	telemetryTicker := time.NewTicker(s.worker.cfg.TelemetryInterval)
	defer telemetryTicker.Stop()

	var gnssTicker *time.Ticker
	if s.worker.cfg.GNSSEnabled && s.worker.cfg.GNSSReportInterval > 0 {
		gnssTicker = time.NewTicker(s.worker.cfg.GNSSReportInterval)
		defer gnssTicker.Stop()
	}

	var shuttingDown <-chan time.Time

	for {
		var gnssCh <-chan time.Time
		if gnssTicker != nil {
			gnssCh = gnssTicker.C
		}

		select {
		case <-ctx.Done():
			return

		case <-shuttingDown:
			return

		case req := <-cmdReady:
			r := req
			pendingReq = &r

		case data, ok := <-readCh:
			if !ok {
				return
			}
			for _, ev := range s.fr.Process(data) {
				s.handleEvent(ev, cmdDone)
			}

		case err := <-readErrCh:
			log.Println("modemio: read error:", err)
			return

		case now := <-ticker.C:
			wasActive := s.activeReq != nil
			s.worker.tracker.Tick(now)
			if wasActive && !s.worker.tracker.Active() {
				s.sm.OnCommandTimeout()
				s.fr.Clear()
				s.activeReq = nil
				nonBlockingSend(cmdDone)
			}

		case <-telemetryTicker.C:
			if s.sm.CanAcceptCommand() {
				s.pollTelemetry()
			}

		case <-gnssCh:
			if s.sm.CanAcceptCommand() {
				s.pollGNSS()
			}
		}

		if pendingReq != nil && s.activeReq == nil && s.sm.CanAcceptCommand() {
			s.activeReq = pendingReq
			pendingReq = nil
			se := s.sm.StartCommand(s.activeReq.Text, s.activeReq.Payload != nil)
			s.write(se.WriteBytes)
		}

		if shuttingDown == nil && s.worker.Status() == StatusShuttingDown {
			s.worker.tracker.FailAll(errShuttingDown)
			t := time.NewTimer(shutdownDrain)
			defer t.Stop()
			shuttingDown = t.C
		}
	}
}

func (s *session) handleEvent(ev framer.Event, cmdDone chan<- struct{}) {
	se := s.sm.Step(ev)

	if ev.Kind == framer.Prompt && s.activeReq != nil && s.activeReq.Payload != nil {
		s.write(s.activeReq.Payload)
	}
	s.write(se.WriteBytes)

	if se.CommandDone != nil {
		req := s.activeReq
		s.activeReq = nil
		if req != nil {
			s.worker.tracker.Respond(command.Result{Seq: req.Seq, Response: *se.CommandDone})
		}
		nonBlockingSend(cmdDone)
	}
	if se.CommandFailed != nil {
		req := s.activeReq
		s.activeReq = nil
		if req != nil {
			s.worker.tracker.Abort(se.CommandFailed)
		}
		nonBlockingSend(cmdDone)
	}
	if se.StatusUpdate {
		s.worker.setStatus(StatusShuttingDown)
	}
	if se.UnsolicitedReady != nil {
		s.handleNotification(*se.UnsolicitedReady)
	}
	if se.DroppedLine != "" {
		log.Println("modemio: dropped line:", se.DroppedLine)
	}
}

func (s *session) write(b []byte) {
	if len(b) == 0 {
		return
	}
	if _, err := s.rw.Write(b); err != nil {
		log.Println("modemio: write error:", err)
	}
}

func nonBlockingSend(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *session) handleNotification(n statemachine.Notification) {
	switch n.Kind {
	case statemachine.KindIncomingSMS:
		s.handleIncomingSMS(n.Payload)
	case statemachine.KindDeliveryReport:
		s.handleDeliveryReport(n.Payload)
	case statemachine.KindRegistrationChange:
		// Logged only; steady-state registration status is served via
		// the polled AT+CREG? telemetry snapshot, not this URC.
		log.Println("modemio: registration change:", n.Payload)
	case statemachine.KindGNSS:
		s.handleGNSSURC(n.Payload)
	}
}

func (s *session) handleIncomingSMS(payload string) {
	deliver, err := pdu.DecodeDeliver(payload)
	if err != nil {
		log.Println("modemio: decoding incoming SMS:", err)
		return
	}
	if s.worker.manager == nil {
		return
	}
	err = s.worker.manager.OnIncomingSMS(incomingSMSFromDeliver(deliver))
	if err != nil {
		log.Println("modemio: handling incoming SMS:", err)
	}
}

func (s *session) handleDeliveryReport(payload string) {
	report, err := pdu.DecodeStatusReport(payload)
	if err != nil {
		log.Println("modemio: decoding delivery report:", err)
		return
	}
	if s.worker.manager == nil {
		return
	}
	err = s.worker.manager.OnDeliveryReport(deliveryReportFromStatusReport(report))
	if err != nil {
		log.Println("modemio: handling delivery report:", err)
	}
}

func (s *session) handleGNSSURC(payload string) {
	loc, err := atparse.ParseCGNSINF("+UGNSINF:" + payload)
	if err != nil {
		log.Println("modemio: parsing GNSS URC:", err)
		return
	}
	s.broadcastGNSS(loc)
}

func (s *session) broadcastGNSS(loc atparse.GNSSLocation) {
	if s.worker.bcast == nil {
		return
	}
	s.worker.bcast.Broadcast(events.Event{Kind: events.KindGNSSPositionReport, GNSSPosition: &loc})
}

func (s *session) readLoop(ctx context.Context, out chan<- []byte, errOut chan<- error) {
	buf := make([]byte, s.worker.cfg.ReadBufferSize)
	for {
		n, err := s.rw.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case errOut <- err:
			case <-ctx.Done():
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *session) dequeueLoop(ctx context.Context, out chan<- command.Request, in <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in:
		}
		req, err := s.worker.tracker.Dequeue(ctx)
		if err != nil {
			return
		}
		select {
		case out <- req:
		case <-ctx.Done():
			return
		}
	}
}

var errShuttingDown = shutdownErr("Modem is shutting down")

type shutdownErr string

func (e shutdownErr) Error() string { return string(e) }
