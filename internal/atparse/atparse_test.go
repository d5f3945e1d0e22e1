package atparse

import (
	"errors"
	"testing"
)

func TestParseCMGS(t *testing.T) {
	ref, err := ParseCMGS("+CMGS: 42\r\n\r\nOK\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref != 42 {
		t.Errorf("got ref %d, want 42", ref)
	}

	if _, err := ParseCMGS("OK\r\n"); !errors.Is(err, ErrMissingHeader) {
		t.Errorf("got %v, want ErrMissingHeader", err)
	}

	if _, err := ParseCMGS("+CMGS: abc\r\n"); !errors.Is(err, ErrInvalidField) {
		t.Errorf("got %v, want ErrInvalidField", err)
	}
}

func TestParseCREG(t *testing.T) {
	status, err := ParseCREG("+CREG: 0,1\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Registration != 0 || status.Technology != 1 {
		t.Errorf("got %+v", status)
	}

	if _, err := ParseCREG("+CREG: 1\r\n"); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("got %v, want ErrMalformedPayload", err)
	}

	if _, err := ParseCREG("no header here\r\n"); !errors.Is(err, ErrMissingHeader) {
		t.Errorf("got %v, want ErrMissingHeader", err)
	}
}

func TestParseCSQ(t *testing.T) {
	sig, err := ParseCSQ("+CSQ: 21,99\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.RSSI != 21 || sig.BER != 99 {
		t.Errorf("got %+v", sig)
	}

	if _, err := ParseCSQ("+CSQ: 21\r\n"); !errors.Is(err, ErrMissingField) {
		t.Errorf("got %v, want ErrMissingField", err)
	}
}

func TestParseCOPS(t *testing.T) {
	op, err := ParseCOPS(`+COPS: 0,0,"Vodafone UK"` + "\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if op.Operator != "Vodafone UK" || op.Status != 0 || op.Format != 0 {
		t.Errorf("got %+v", op)
	}

	if _, err := ParseCOPS("+COPS: 0,0,Vodafone\r\n"); !errors.Is(err, ErrUnquotedOperator) {
		t.Errorf("got %v, want ErrUnquotedOperator", err)
	}

	if _, err := ParseCOPS(`+COPS: 0,0`); !errors.Is(err, ErrMissingField) {
		t.Errorf("got %v, want ErrMissingField", err)
	}
}

func TestParseCSPN(t *testing.T) {
	sp, err := ParseCSPN(`+CSPN: "My Operator",1` + "\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sp.Operator != "My Operator" {
		t.Errorf("got %+v", sp)
	}

	if _, err := ParseCSPN("+CSPN: Unquoted,1\r\n"); !errors.Is(err, ErrUnquotedOperator) {
		t.Errorf("got %v, want ErrUnquotedOperator", err)
	}
}

func TestParseCBC(t *testing.T) {
	bat, err := ParseCBC("+CBC: 0,85,3800\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bat.Status != 0 || bat.Charge != 85 || bat.Voltage != 3.8 {
		t.Errorf("got %+v", bat)
	}
}

func TestParseCGPSStatus(t *testing.T) {
	status, err := ParseCGPSStatus("+CGPSSTATUS: Location 3D Fix\r\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != "Location 3D Fix" {
		t.Errorf("got %q", status)
	}

	if _, err := ParseCGPSStatus("OK\r\n"); !errors.Is(err, ErrMissingHeader) {
		t.Errorf("got %v, want ErrMissingHeader", err)
	}
}

func TestParseCGNSINF(t *testing.T) {
	resp := "+CGNSINF: 1,1,20230101120000.000,51.5074,-0.1278,11.0,0.0,0.0,1,,1.2,1.5,1.0,8,,,,,,\r\n"
	loc, err := ParseCGNSINF(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.LatHemi != 'N' || loc.LonHemi != 'W' {
		t.Errorf("unexpected hemispheres: %+v", loc)
	}
	if loc.Lat != 51.5074 || loc.Lon != 0.1278 {
		t.Errorf("got Lat %v Lon %v, want 51.5074/0.1278", loc.Lat, loc.Lon)
	}
	if loc.Altitude != 11.0 {
		t.Errorf("got Altitude %v, want 11.0", loc.Altitude)
	}
	if loc.HDOP != 1.2 {
		t.Errorf("got HDOP %v, want 1.2", loc.HDOP)
	}
	if loc.SatsUsed != 8 {
		t.Errorf("got SatsUsed %d, want 8", loc.SatsUsed)
	}
	if loc.UTCTime != "20230101120000.000" {
		t.Errorf("got UTCTime %q, want 20230101120000.000", loc.UTCTime)
	}

	uresp := "+UGNSINF: 1,1,20230101120000.000,51.5074,-0.1278,11.0,0.0,0.0,1,,1.2,1.5,1.0,8,,,,,,\r\n"
	if _, err := ParseCGNSINF(uresp); err != nil {
		t.Fatalf("unexpected error on UGNSINF form: %v", err)
	}

	if _, err := ParseCGNSINF("+CGNSINF: 1,1\r\n"); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("got %v, want ErrMalformedPayload", err)
	}

	if _, err := ParseCGNSINF("NO RESPONSE\r\n"); !errors.Is(err, ErrMissingHeader) {
		t.Errorf("got %v, want ErrMissingHeader", err)
	}
}
