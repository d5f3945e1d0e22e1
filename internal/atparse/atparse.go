// Package atparse converts the text of specific AT command responses into
// typed results. Each parser is a pure function over the accumulated
// response buffer for a single command.
package atparse

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Typed parse failures. Callers can match on these with errors.Is.
var (
	// ErrMissingHeader indicates the expected response prefix line was not
	// present anywhere in the buffer.
	ErrMissingHeader = errors.New("missing response header")
	// ErrMalformedPayload indicates the header was found but its payload
	// could not be split into fields.
	ErrMalformedPayload = errors.New("malformed response payload")
	// ErrInvalidField indicates a field was present but failed to parse as
	// its expected type.
	ErrInvalidField = errors.New("invalid field")
	// ErrMissingField indicates fewer fields were present than required.
	ErrMissingField = errors.New("missing field")
	// ErrUnquotedOperator indicates a quoted string field was not properly
	// quoted.
	ErrUnquotedOperator = errors.New("unquoted operator")
)

// ReferenceID is the SMSC-assigned identifier for a submitted message.
type ReferenceID uint8

// NetworkStatus is the decoded response to AT+CREG?.
type NetworkStatus struct {
	Registration uint8 `json:"registration"`
	Technology   uint8 `json:"technology"`
}

// SignalStrength is the decoded response to AT+CSQ.
type SignalStrength struct {
	RSSI int32 `json:"rssi"`
	BER  int32 `json:"ber"`
}

// NetworkOperator is the decoded response to AT+COPS?.
type NetworkOperator struct {
	Status   uint8  `json:"status"`
	Format   uint8  `json:"format"`
	Operator string `json:"operator"`
}

// ServiceProvider is the decoded response to AT+CSPN?.
type ServiceProvider struct {
	Operator string `json:"operator"`
}

// BatteryLevel is the decoded response to AT+CBC.
type BatteryLevel struct {
	Status  uint8   `json:"status"`
	Charge  uint8   `json:"charge"`
	Voltage float32 `json:"voltage"`
}

// GNSSFixStatus is the decoded response to AT+CGPSSTATUS?.
type GNSSFixStatus string

// GNSSLocation is the decoded response to AT+CGNSINF or the unsolicited
// +UGNSINF.
type GNSSLocation struct {
	Lon          float64 `json:"lon"`
	LonHemi      byte    `json:"lon_hemi"`
	Lat          float64 `json:"lat"`
	LatHemi      byte    `json:"lat_hemi"`
	Altitude     float64 `json:"altitude"`
	UTCTime      string  `json:"utc_time"`
	SatsUsed     int     `json:"sats_used"`
	HDOP         float64 `json:"hdop"`
	GeoidSep     float64 `json:"geoid_sep"`
	FixIndicator int     `json:"fix_indicator"`
}

// findLine returns the first line in response whose trimmed text begins
// with prefix, and the text following the prefix, trimmed.
func findLine(response, prefix string) (string, bool) {
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

func parseUint8(field, name string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(field), 10, 8)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidField, "%s: %q", name, field)
	}
	return uint8(v), nil
}

func parseInt32(field, name string) (int32, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(field), 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidField, "%s: %q", name, field)
	}
	return int32(v), nil
}

func nextField(parts []string, idx int, name string) (string, error) {
	if idx >= len(parts) {
		return "", errors.Wrapf(ErrMissingField, "%s", name)
	}
	return strings.TrimSpace(parts[idx]), nil
}

func unquote(s string) (string, bool) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", false
	}
	return s[1 : len(s)-1], true
}

// ParseCMGS parses the "+CMGS: <mr>" send confirmation.
func ParseCMGS(response string) (ReferenceID, error) {
	payload, ok := findLine(response, "+CMGS:")
	if !ok {
		return 0, errors.Wrap(ErrMissingHeader, "+CMGS")
	}
	v, err := strconv.ParseUint(strings.TrimSpace(payload), 10, 8)
	if err != nil {
		return 0, errors.Wrap(ErrInvalidField, "+CMGS reference")
	}
	return ReferenceID(v), nil
}

// ParseCREG parses the "+CREG: <n>,<stat>" registration response.
func ParseCREG(response string) (NetworkStatus, error) {
	payload, ok := findLine(response, "+CREG:")
	if !ok {
		return NetworkStatus{}, errors.Wrap(ErrMissingHeader, "+CREG")
	}
	parts := strings.Split(payload, ",")
	if len(parts) < 2 {
		return NetworkStatus{}, errors.Wrap(ErrMalformedPayload, "+CREG")
	}
	registration, err := parseUint8(parts[0], "registration")
	if err != nil {
		return NetworkStatus{}, err
	}
	technology, err := parseUint8(parts[1], "technology")
	if err != nil {
		return NetworkStatus{}, err
	}
	return NetworkStatus{Registration: registration, Technology: technology}, nil
}

// ParseCSQ parses the "+CSQ: <rssi>,<ber>" signal quality response.
func ParseCSQ(response string) (SignalStrength, error) {
	payload, ok := findLine(response, "+CSQ:")
	if !ok {
		return SignalStrength{}, errors.Wrap(ErrMissingHeader, "+CSQ")
	}
	parts := strings.Split(payload, ",")
	rssiField, err := nextField(parts, 0, "rssi")
	if err != nil {
		return SignalStrength{}, err
	}
	berField, err := nextField(parts, 1, "ber")
	if err != nil {
		return SignalStrength{}, err
	}
	rssi, err := parseInt32(rssiField, "rssi")
	if err != nil {
		return SignalStrength{}, err
	}
	ber, err := parseInt32(berField, "ber")
	if err != nil {
		return SignalStrength{}, err
	}
	return SignalStrength{RSSI: rssi, BER: ber}, nil
}

// ParseCOPS parses the "+COPS: <status>,<format>,"<operator>"" response.
func ParseCOPS(response string) (NetworkOperator, error) {
	payload, ok := findLine(response, "+COPS:")
	if !ok {
		return NetworkOperator{}, errors.Wrap(ErrMissingHeader, "+COPS")
	}
	parts := strings.Split(payload, ",")
	statusField, err := nextField(parts, 0, "status")
	if err != nil {
		return NetworkOperator{}, err
	}
	formatField, err := nextField(parts, 1, "format")
	if err != nil {
		return NetworkOperator{}, err
	}
	operatorField, err := nextField(parts, 2, "operator")
	if err != nil {
		return NetworkOperator{}, err
	}
	status, err := parseUint8(statusField, "status")
	if err != nil {
		return NetworkOperator{}, err
	}
	format, err := parseUint8(formatField, "format")
	if err != nil {
		return NetworkOperator{}, err
	}
	operator, ok := unquote(operatorField)
	if !ok {
		return NetworkOperator{}, errors.Wrap(ErrUnquotedOperator, "+COPS operator")
	}
	return NetworkOperator{Status: status, Format: format, Operator: operator}, nil
}

// ParseCSPN parses the "+CSPN: "<operator>",<n>" service provider response.
func ParseCSPN(response string) (ServiceProvider, error) {
	payload, ok := findLine(response, "+CSPN:")
	if !ok {
		return ServiceProvider{}, errors.Wrap(ErrMissingHeader, "+CSPN")
	}
	start := strings.IndexByte(payload, '"')
	end := strings.LastIndexByte(payload, '"')
	if start == -1 || end == -1 || start >= end {
		return ServiceProvider{}, errors.Wrap(ErrUnquotedOperator, "+CSPN operator")
	}
	return ServiceProvider{Operator: payload[start+1 : end]}, nil
}

// ParseCBC parses the "+CBC: <status>,<charge>,<voltage-mV>" battery response.
func ParseCBC(response string) (BatteryLevel, error) {
	payload, ok := findLine(response, "+CBC:")
	if !ok {
		return BatteryLevel{}, errors.Wrap(ErrMissingHeader, "+CBC")
	}
	parts := strings.Split(payload, ",")
	statusField, err := nextField(parts, 0, "status")
	if err != nil {
		return BatteryLevel{}, err
	}
	chargeField, err := nextField(parts, 1, "charge")
	if err != nil {
		return BatteryLevel{}, err
	}
	voltageField, err := nextField(parts, 2, "voltage")
	if err != nil {
		return BatteryLevel{}, err
	}
	status, err := parseUint8(statusField, "status")
	if err != nil {
		return BatteryLevel{}, err
	}
	charge, err := parseUint8(chargeField, "charge")
	if err != nil {
		return BatteryLevel{}, err
	}
	voltageRaw, err := strconv.ParseUint(strings.TrimSpace(voltageField), 10, 32)
	if err != nil {
		return BatteryLevel{}, errors.Wrap(ErrInvalidField, "voltage")
	}
	return BatteryLevel{Status: status, Charge: charge, Voltage: float32(voltageRaw) / 1000.0}, nil
}

// ParseCGPSStatus parses the "+CGPSSTATUS: <status>" response. A response
// without that line is reported as ErrMissingHeader.
func ParseCGPSStatus(response string) (GNSSFixStatus, error) {
	payload, ok := findLine(response, "+CGPSSTATUS:")
	if !ok {
		return "", errors.Wrap(ErrMissingHeader, "+CGPSSTATUS")
	}
	return GNSSFixStatus(strings.TrimSpace(payload)), nil
}

// ParseCGNSINF parses the "+CGNSINF:" solicited response or the unsolicited
// "+UGNSINF:" URC, both of which carry 14 comma separated GNSS fields.
func ParseCGNSINF(response string) (GNSSLocation, error) {
	payload, ok := findLine(response, "+CGNSINF:")
	if !ok {
		payload, ok = findLine(response, "+UGNSINF:")
	}
	if !ok {
		return GNSSLocation{}, errors.Wrap(ErrMissingHeader, "+CGNSINF/+UGNSINF")
	}
	fields := strings.Split(payload, ",")
	if len(fields) < 14 {
		return GNSSLocation{}, errors.Wrapf(ErrMalformedPayload, "GNSS: got %d fields, want 14", len(fields))
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
	if err != nil {
		return GNSSLocation{}, errors.Wrap(ErrInvalidField, "latitude")
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
	if err != nil {
		return GNSSLocation{}, errors.Wrap(ErrInvalidField, "longitude")
	}
	altitude, err := strconv.ParseFloat(strings.TrimSpace(fields[5]), 64)
	if err != nil {
		return GNSSLocation{}, errors.Wrap(ErrInvalidField, "altitude")
	}
	hdop, err := strconv.ParseFloat(strings.TrimSpace(fields[10]), 64)
	if err != nil {
		return GNSSLocation{}, errors.Wrap(ErrInvalidField, "hdop")
	}
	satsUsed, err := strconv.Atoi(strings.TrimSpace(fields[13]))
	if err != nil {
		return GNSSLocation{}, errors.Wrap(ErrInvalidField, "satellites used")
	}

	latHemi := byte('N')
	if lat < 0 {
		latHemi = 'S'
		lat = -lat
	}
	lonHemi := byte('E')
	if lon < 0 {
		lonHemi = 'W'
		lon = -lon
	}

	fixIndicator, _ := strconv.Atoi(strings.TrimSpace(fields[1]))

	return GNSSLocation{
		Lon:          lon,
		LonHemi:      lonHemi,
		Lat:          lat,
		LatHemi:      latHemi,
		Altitude:     altitude,
		UTCTime:      strings.TrimSpace(fields[2]),
		SatsUsed:     satsUsed,
		HDOP:         hdop,
		GeoidSep:     0,
		FixIndicator: fixIndicator,
	}, nil
}
