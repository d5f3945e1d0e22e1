package statemachine

import (
	"testing"

	"github.com/warthog618/goatsms/internal/framer"
)

func line(text string) framer.Event {
	return framer.Event{Kind: framer.Line, Text: text}
}

func prompt(text string) framer.Event {
	return framer.Event{Kind: framer.Prompt, Text: text}
}

func TestIdleDropsUnexpectedLines(t *testing.T) {
	m := New()
	eff := m.Step(line("OK"))
	if eff.DroppedLine != "OK" {
		t.Errorf("expected dropped line, got %+v", eff)
	}
	if m.State() != Idle {
		t.Errorf("expected Idle, got %v", m.State())
	}
}

func TestStartCommandTransitionsToCommand(t *testing.T) {
	m := New()
	eff := m.StartCommand("AT+CSQ", false)
	if m.State() != Command {
		t.Fatalf("expected Command state, got %v", m.State())
	}
	if string(eff.WriteBytes) != "AT+CSQ\r\n" {
		t.Errorf("got %q", eff.WriteBytes)
	}
}

func TestCommandCompletesOnOK(t *testing.T) {
	m := New()
	m.StartCommand("AT+CSQ", false)
	eff := m.Step(line("+CSQ: 20,99"))
	if eff.CommandDone != nil {
		t.Fatalf("response line alone should not complete: %+v", eff)
	}
	eff = m.Step(line("OK"))
	if eff.CommandDone == nil {
		t.Fatal("expected command completion on OK")
	}
	if m.State() != Idle {
		t.Errorf("expected Idle after completion, got %v", m.State())
	}
}

func TestCommandCompletesOnCMGSWhileWaitingForData(t *testing.T) {
	m := New()
	m.StartCommand("AT+CMGS=10", true)
	m.cmdCtx.sub = WaitingForData
	eff := m.Step(line("+CMGS: 42"))
	if eff.CommandDone == nil {
		t.Fatal("expected completion on +CMGS: line in WaitingForData")
	}
}

func TestPromptDuringCommandStaysInCommand(t *testing.T) {
	m := New()
	m.StartCommand("AT+CMGS=10", true)
	eff := m.Step(prompt(">"))
	if eff.CommandDone != nil || eff.CommandFailed != nil {
		t.Fatalf("unexpected side effect on prompt: %+v", eff)
	}
	if m.State() != Command {
		t.Errorf("expected to remain in Command, got %v", m.State())
	}
}

func TestPromptWithoutPayloadFailsCommand(t *testing.T) {
	m := New()
	m.StartCommand("AT+CSQ", false)
	eff := m.Step(prompt(">"))
	if eff.CommandFailed != ErrPromptWithoutPayload {
		t.Fatalf("expected ErrPromptWithoutPayload, got %+v", eff)
	}
	if m.State() != Idle {
		t.Errorf("expected Idle after prompt without payload, got %v", m.State())
	}
}

func TestUnsolicitedHeaderSuspendsCommand(t *testing.T) {
	m := New()
	m.StartCommand("AT+CSQ", false)
	eff := m.Step(line("+CMT: \"+447700900000\",,\"23/01/01,12:00:00+00\""))
	if eff.UnsolicitedReady != nil {
		t.Fatalf("header alone should not be ready: %+v", eff)
	}
	if m.State() != UnsolicitedMessage {
		t.Fatalf("expected UnsolicitedMessage state, got %v", m.State())
	}

	eff = m.Step(line("07911326040011F1..."))
	if eff.UnsolicitedReady == nil {
		t.Fatal("expected notification ready after payload line")
	}
	if eff.UnsolicitedReady.Kind != KindIncomingSMS {
		t.Errorf("got kind %v, want KindIncomingSMS", eff.UnsolicitedReady.Kind)
	}
	if m.State() != Command {
		t.Errorf("expected command to be restored, got %v", m.State())
	}
}

func TestUnsolicitedHeaderWithoutCommandReturnsToIdle(t *testing.T) {
	m := New()
	m.Step(line("+CDS: 6"))
	if m.State() != UnsolicitedMessage {
		t.Fatalf("expected UnsolicitedMessage, got %v", m.State())
	}
	eff := m.Step(line("0791...status-report-pdu"))
	if eff.UnsolicitedReady == nil {
		t.Fatal("expected notification ready")
	}
	if m.State() != Idle {
		t.Errorf("expected Idle after payload with no interrupted command, got %v", m.State())
	}
}

func TestShutdownNoticeEmitsStatusUpdateWithoutPayload(t *testing.T) {
	m := New()
	eff := m.Step(line("NORMAL POWER DOWN"))
	if !eff.StatusUpdate {
		t.Fatal("expected StatusUpdate side effect")
	}
	if m.State() != Idle {
		t.Errorf("expected to remain Idle, got %v", m.State())
	}
}

func TestUnsolicitedPayloadLooksLikeResponseIsProtocolViolation(t *testing.T) {
	m := New()
	m.StartCommand("AT+CSQ", false)
	m.Step(line("+CMT: \"+447700900000\""))
	eff := m.Step(line("OK"))
	if eff.CommandFailed == nil {
		t.Fatal("expected protocol violation error")
	}
	if m.State() != Idle {
		t.Errorf("expected Idle after violation, got %v", m.State())
	}
}

func TestClassifyRecognisesCommandResponsePrefixesOnlyInCommand(t *testing.T) {
	kind, _ := Classify(line("+CSQ: 20,99"), Idle)
	if kind != EvData {
		t.Errorf("expected EvData outside Command, got %v", kind)
	}
	kind, _ = Classify(line("+CSQ: 20,99"), Command)
	if kind != EvCommandResponse {
		t.Errorf("expected EvCommandResponse inside Command, got %v", kind)
	}
}

func TestIsCompleteWaitingForOk(t *testing.T) {
	if !IsComplete(WaitingForOk, "OK") {
		t.Error("OK should complete WaitingForOk")
	}
	if !IsComplete(WaitingForOk, "ERROR") {
		t.Error("ERROR should complete WaitingForOk")
	}
	if IsComplete(WaitingForOk, "+CMGS: 1") {
		t.Error("+CMGS should not complete WaitingForOk")
	}
	if !IsComplete(WaitingForData, "+CMGS: 1") {
		t.Error("+CMGS should complete WaitingForData")
	}
}
