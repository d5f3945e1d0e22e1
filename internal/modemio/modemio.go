// Package modemio owns the serial port and runs the modem's main event
// loop: init sequence, command dispatch, unsolicited-notification
// decoding, telemetry polling and the Startup/Online/ShuttingDown/Offline
// lifecycle, per SPEC_FULL.md's Modem worker section.
package modemio

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/warthog618/modem/serial"
	"github.com/warthog618/modem/trace"

	"github.com/warthog618/goatsms/internal/atparse"
	"github.com/warthog618/goatsms/internal/command"
	"github.com/warthog618/goatsms/internal/events"
	"github.com/warthog618/goatsms/internal/framer"
	"github.com/warthog618/goatsms/internal/smsmanager"
	"github.com/warthog618/goatsms/internal/statemachine"
)

// Status is an alias of events.ModemStatus, so worker status values go
// straight into ModemStatusUpdate events without conversion.
type Status = events.ModemStatus

const (
	StatusStartup      = events.StatusStartup
	StatusOnline       = events.StatusOnline
	StatusShuttingDown = events.StatusShuttingDown
	StatusOffline      = events.StatusOffline
)

// Default timings, per SPEC_FULL.md's Modem worker section.
const (
	initTimeout          = 10 * time.Second
	readBufferSize       = 4096
	tickInterval         = 1 * time.Second
	reconnectInterval    = 30 * time.Second
	reconnectOKWait      = 2 * time.Second
	shutdownDrain        = 2 * time.Second
	defaultTelemetryPoll = 60 * time.Second
)

// Telemetry is the latest polled modem/network state, served by the
// status HTTP endpoint.
type Telemetry struct {
	Status        Status                   `json:"status"`
	Signal        *atparse.SignalStrength  `json:"signal,omitempty"`
	Network       *atparse.NetworkStatus   `json:"network,omitempty"`
	Operator      *atparse.NetworkOperator `json:"operator,omitempty"`
	Provider      *atparse.ServiceProvider `json:"provider,omitempty"`
	Battery       *atparse.BatteryLevel    `json:"battery,omitempty"`
	UpdatedAt     time.Time                `json:"updated_at"`
	ActiveCommand *uint32                  `json:"active_command,omitempty"`
}

// Config configures a Worker.
type Config struct {
	Device             string
	Baud               int
	GNSSEnabled        bool
	GNSSReportInterval time.Duration
	TelemetryInterval  time.Duration
	CmdQueueCap        int
	ReadBufferSize     int
	Trace              *log.Logger

	Broadcaster *events.Broadcaster
}

// Worker owns a single modem's serial port and runs its event loop in a
// dedicated goroutine, started by Run.
type Worker struct {
	cfg Config

	tracker *command.Tracker
	manager *smsmanager.Manager
	bcast   *events.Broadcaster

	statusMu  sync.RWMutex
	status    Status
	telemetry Telemetry

	now func() time.Time
}

// New creates a Worker. Call Run to start its event loop.
func New(cfg Config) *Worker {
	if cfg.CmdQueueCap <= 0 {
		cfg.CmdQueueCap = command.DefaultQueueCap
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = readBufferSize
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = defaultTelemetryPoll
	}
	return &Worker{
		cfg:     cfg,
		tracker: command.NewCap(cfg.CmdQueueCap),
		bcast:   cfg.Broadcaster,
		status:    StatusStartup,
		telemetry: Telemetry{Status: StatusStartup},
		now:       time.Now,
	}
}

// SetManager attaches the SMS manager that decoded incoming messages and
// delivery reports are dispatched to. Must be called before Run, since
// Worker itself implements smsmanager.Sender and the two are
// constructed in a cycle.
func (w *Worker) SetManager(m *smsmanager.Manager) {
	w.manager = m
}

// Telemetry returns the most recently polled modem/network snapshot, plus
// the sequence of whatever command is in flight right now, if any.
func (w *Worker) Telemetry() Telemetry {
	w.statusMu.RLock()
	t := w.telemetry
	w.statusMu.RUnlock()

	if seq, ok := w.tracker.ActiveSequence(); ok {
		v := uint32(seq)
		t.ActiveCommand = &v
	}
	return t
}

// Status returns the worker's current lifecycle status.
func (w *Worker) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status
}

// SendPDU implements smsmanager.Sender: submits a hex-encoded TP-SUBMIT
// PDU and returns its assigned reference id.
func (w *Worker) SendPDU(ctx context.Context, hexPDU string) (byte, error) {
	sink, err := w.tracker.Submit(command.Request{
		Seq:     command.NextSequence(),
		Text:    "AT+CMGS=" + itoa(len(hexPDU)/2),
		Payload: append([]byte(hexPDU), 0x1a),
		Timeout: command.SendSMSTimeout,
	})
	if err != nil {
		return 0, err
	}
	select {
	case res := <-sink:
		if res.Err != nil {
			return 0, res.Err
		}
		ref, err := atparse.ParseCMGS(res.Response)
		if err != nil {
			return 0, err
		}
		return byte(ref), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Run drives the reconnect/online/shutdown lifecycle until ctx is done.
// It blocks; call it from its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	b := &backoff.Backoff{Min: time.Second, Max: 5 * time.Minute}
	for {
		if ctx.Err() != nil {
			return
		}
		port, err := serial.New(w.cfg.Device, w.cfg.Baud)
		if err != nil {
			log.Println("modemio: opening port:", err)
			w.sleep(ctx, b.Duration())
			continue
		}

		var rw io.ReadWriter = port
		if w.cfg.Trace != nil {
			rw = trace.New(port, w.cfg.Trace)
		}

		sess := &session{
			worker: w,
			rw:     rw,
			fr:     framer.New(),
			sm:     statemachine.New(),
		}
		if err := sess.initialize(ctx); err != nil {
			log.Println("modemio: init failed:", err)
			w.setStatus(StatusOffline)
			port.Close()
			w.sleep(ctx, b.Duration())
			continue
		}
		b.Reset()
		w.setStatus(StatusOnline)

		sess.loop(ctx)
		port.Close()

		if ctx.Err() != nil {
			return
		}
		w.setStatus(StatusOffline)
		w.sleep(ctx, reconnectInterval)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) setStatus(s Status) {
	w.statusMu.Lock()
	previous := w.status
	w.status = s
	w.telemetry.Status = s
	w.telemetry.UpdatedAt = w.now()
	w.statusMu.Unlock()

	if previous == s {
		return
	}
	if w.bcast != nil {
		w.bcast.Broadcast(events.Event{
			Kind:        events.KindModemStatusUpdate,
			ModemStatus: &events.ModemStatusPayload{Previous: previous, Current: s},
		})
	}
}

// initCommands is the exact init sequence from SPEC_FULL.md's Modem
// worker section.
var initCommands = []struct {
	cmd    string
	expect string
}{
	{"ATZ", ""},
	{"AT", ""},
	{"ATE0", ""},
	{"AT+CMGF=0", ""},
	{`AT+CSCS="GSM"`, ""},
	{"AT+CNMI=2,2,0,1,0", ""},
	{"AT+CSMP=49,167,0,0", ""},
	{`AT+CPMS="ME","ME","ME"`, "+CPMS:"},
}

var gnssInitCommands = []string{
	"AT+CGNSPWR=1",
	"AT+CGPSRST=0",
}

var errInitTimeout = errors.New("modemio: init command timed out")
var errInitFailed = errors.New("modemio: init command returned ERROR")
