// Package statemachine implements the modem protocol state machine: a pure
// function from (state, event) to (new state, side effects) that tracks
// whether the wire is idle, running a command, or mid unsolicited
// notification.
package statemachine

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/warthog618/goatsms/internal/framer"
)

// Kind identifies an unsolicited notification type.
type Kind int

const (
	KindIncomingSMS Kind = iota
	KindDeliveryReport
	KindRegistrationChange
	KindGNSS
	KindShutdown
)

// State identifies which phase of the protocol the machine is in.
type State int

const (
	// Idle: no command in flight, no unsolicited message pending.
	Idle State = iota
	// Command: a command is active, accumulating a response.
	Command
	// UnsolicitedMessage: an unsolicited header line has been seen and the
	// machine is waiting for its payload line.
	UnsolicitedMessage
)

// CommandSubState distinguishes what a Command state is waiting for.
type CommandSubState int

const (
	WaitingForOk CommandSubState = iota
	WaitingForData
)

// EventKind classifies a framer event once passed through this package's
// classifier.
type EventKind int

const (
	EvUnsolicitedHeader EventKind = iota
	EvCommandResponse
	EvData
	EvPrompt
)

var unsolicitedPrefixes = map[string]Kind{
	"+CMT":     KindIncomingSMS,
	"+CDS":     KindDeliveryReport,
	"+CGREG:":  KindRegistrationChange,
	"+UGNSINF": KindGNSS,
}

var shutdownNotices = map[string]bool{
	"NORMAL POWER DOWN": true,
	"POWER DOWN":        true,
	"SHUTDOWN":          true,
	"POWERING DOWN":     true,
}

var commandResponsePrefixes = []string{
	"+CMGS:", "+CSQ:", "+CREG:", "+COPS:", "+CSPN:", "+CBC:",
	"+CGPSSTATUS:", "+CPMS:",
}

// Classify maps a framer.Event to an EventKind, and for unsolicited headers
// the notification Kind. state indicates whether we are currently inside a
// Command (affects whether command-response prefixes are recognised).
func Classify(ev framer.Event, state State) (EventKind, Kind) {
	if ev.Kind == framer.Prompt {
		return EvPrompt, 0
	}

	text := ev.Text
	for prefix, kind := range unsolicitedPrefixes {
		if strings.HasPrefix(text, prefix) {
			return EvUnsolicitedHeader, kind
		}
	}
	if shutdownNotices[text] {
		return EvUnsolicitedHeader, KindShutdown
	}

	if state == Command {
		if text == "OK" || text == "ERROR" ||
			strings.HasPrefix(text, "+CME ERROR:") ||
			strings.HasPrefix(text, "+CMS ERROR:") {
			return EvCommandResponse, 0
		}
		for _, p := range commandResponsePrefixes {
			if strings.HasPrefix(text, p) {
				return EvCommandResponse, 0
			}
		}
	}

	return EvData, 0
}

// IsShutdownHeader reports whether an unsolicited header of this kind has
// no follow-up payload line (the shutdown notices are one-shot).
func IsShutdownHeader(kind Kind) bool {
	return kind == KindShutdown
}

// IsComplete reports whether accumulated response content satisfies the
// given command sub-state's completion condition.
func IsComplete(sub CommandSubState, content string) bool {
	if content == "OK" || content == "ERROR" ||
		strings.HasPrefix(content, "+CME ERROR:") ||
		strings.HasPrefix(content, "+CMS ERROR:") {
		return true
	}
	if sub == WaitingForData && strings.HasPrefix(content, "+CMGS:") {
		return true
	}
	return false
}

// ErrProtocolViolationErr is raised when an unsolicited payload was expected
// but a command-response-shaped line arrived instead.
var ErrProtocolViolationErr = errors.New("protocol violation: expected unsolicited payload")

// ErrPromptWithoutPayload is raised when the modem signals a '>' data
// prompt for a command that was started with no payload to write.
var ErrPromptWithoutPayload = errors.New("protocol violation: '>' prompt with no payload configured")

// commandCtx tracks the state needed to resume a suspended command.
type commandCtx struct {
	sub           CommandSubState
	buf           []string
	waitingPrompt bool
	hasPayload    bool
}

// unsolicitedCtx tracks an in-progress unsolicited notification.
type unsolicitedCtx struct {
	kind        Kind
	header      string
	interrupted *commandCtx
}

// SideEffect is emitted by Step for the caller (the modem worker) to act on.
type SideEffect struct {
	// WriteBytes, if non-nil, should be written to the serial port.
	WriteBytes []byte
	// CommandDone, if non-nil, is the fully accumulated response text for
	// the active command; the worker should parse and signal it.
	CommandDone *string
	// CommandFailed, if non-nil, is a protocol error aborting the active
	// command.
	CommandFailed error
	// UnsolicitedReady, if non-nil, is a complete {kind, header, payload}
	// notification ready for SMS-manager/status handling.
	UnsolicitedReady *Notification
	// StatusUpdate, if true, signals a ModemStatusUpdate-worthy shutdown
	// notice with no further payload expected.
	StatusUpdate bool
	// DroppedLine, if non-empty, records a log-and-drop line for
	// diagnostics (Idle receiving CommandResponse/Data/Prompt).
	DroppedLine string
}

// Notification is a complete unsolicited header+payload pair.
type Notification struct {
	Kind    Kind
	Header  string
	Payload string
}

// Machine is the protocol state machine. It is not safe for concurrent use;
// the modem worker drives it from a single goroutine.
type Machine struct {
	state  State
	cmdCtx *commandCtx
	unsCtx *unsolicitedCtx
}

// New creates a Machine in the Idle state.
func New() *Machine {
	return &Machine{state: Idle}
}

// State returns the current top-level state.
func (m *Machine) State() State {
	return m.state
}

// CanAcceptCommand reports whether a new command may be started.
func (m *Machine) CanAcceptCommand() bool {
	return m.state == Idle
}

// StartCommand transitions Idle → Command and returns the bytes to write.
// hasPayload marks whether the caller configured a payload to write when
// the modem prompts for one with '>'; if the prompt arrives without one,
// the command fails immediately instead of hanging for the tracker's
// timeout.
func (m *Machine) StartCommand(text string, hasPayload bool) SideEffect {
	m.state = Command
	m.cmdCtx = &commandCtx{sub: WaitingForOk, hasPayload: hasPayload}
	return SideEffect{WriteBytes: []byte(text + "\r\n")}
}

// Step feeds one framer event through the machine and returns the
// resulting side effect.
func (m *Machine) Step(ev framer.Event) SideEffect {
	classifyState := m.state
	if classifyState == UnsolicitedMessage {
		// Recognise response-shaped lines here too, so one arriving where
		// an unsolicited payload was expected is caught as a violation.
		classifyState = Command
	}
	kind, notifKind := Classify(ev, classifyState)

	if kind == EvUnsolicitedHeader {
		return m.onUnsolicitedHeader(notifKind, ev.Text)
	}

	switch m.state {
	case Idle:
		return m.stepIdle(kind, ev)
	case Command:
		return m.stepCommand(kind, ev)
	case UnsolicitedMessage:
		return m.stepUnsolicited(kind, ev)
	}
	return SideEffect{}
}

func (m *Machine) onUnsolicitedHeader(kind Kind, header string) SideEffect {
	if IsShutdownHeader(kind) {
		return SideEffect{StatusUpdate: true}
	}

	var interrupted *commandCtx
	if m.state == Command {
		interrupted = m.cmdCtx
	}
	m.unsCtx = &unsolicitedCtx{kind: kind, header: header, interrupted: interrupted}
	m.state = UnsolicitedMessage
	return SideEffect{}
}

func (m *Machine) stepIdle(kind EventKind, ev framer.Event) SideEffect {
	switch kind {
	case EvCommandResponse, EvData, EvPrompt:
		return SideEffect{DroppedLine: ev.Text}
	}
	return SideEffect{}
}

func (m *Machine) stepCommand(kind EventKind, ev framer.Event) SideEffect {
	ctx := m.cmdCtx
	switch kind {
	case EvPrompt:
		ctx.waitingPrompt = false
		if !ctx.hasPayload {
			m.state = Idle
			m.cmdCtx = nil
			return SideEffect{CommandFailed: ErrPromptWithoutPayload}
		}
		return SideEffect{}
	case EvCommandResponse, EvData:
		ctx.buf = append(ctx.buf, ev.Text)
		content := strings.Join(ctx.buf, "\r\n")
		if IsComplete(ctx.sub, ev.Text) {
			m.state = Idle
			m.cmdCtx = nil
			done := content
			return SideEffect{CommandDone: &done}
		}
		return SideEffect{}
	}
	return SideEffect{}
}

func (m *Machine) stepUnsolicited(kind EventKind, ev framer.Event) SideEffect {
	uns := m.unsCtx
	if kind != EvData {
		// A command-response-shaped line where a payload was expected is a
		// protocol violation: abort whatever was interrupted and reset.
		m.state = Idle
		m.unsCtx = nil
		if uns.interrupted != nil {
			m.cmdCtx = nil
			return SideEffect{CommandFailed: ErrProtocolViolationErr}
		}
		return SideEffect{}
	}

	notification := &Notification{Kind: uns.kind, Header: uns.header, Payload: ev.Text}
	if uns.interrupted != nil {
		m.state = Command
		m.cmdCtx = uns.interrupted
	} else {
		m.state = Idle
	}
	m.unsCtx = nil
	return SideEffect{UnsolicitedReady: notification}
}

// OnCommandTimeout resets the machine to Idle after the command tracker
// reports that the active command timed out, including while that command
// is suspended by an unsolicited message. The caller (modem worker) owns
// the command.Tracker and calls its Tick directly; this method only drops
// the machine's own command state.
func (m *Machine) OnCommandTimeout() {
	m.state = Idle
	m.cmdCtx = nil
	if m.unsCtx != nil {
		m.unsCtx.interrupted = nil
	}
}
