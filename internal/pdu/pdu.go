// Package pdu implements the TP-DELIVER / TP-STATUS-REPORT decode path and
// the TP-SUBMIT encode path over GSM 03.40 PDUs, in hex form as exchanged
// with the modem via AT+CMGS/+CMT/+CDS.
package pdu

import (
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/sms/encoding/tpdu"
	"github.com/warthog618/sms/ms/message"
	"github.com/warthog618/sms/ms/sar"
)

// Errors returned by the decode path.
var (
	ErrUnderflow      = errors.New("pdu: underflow decoding field")
	ErrInvalidUDH     = errors.New("pdu: invalid user data header")
	ErrUnsupportedDCS = errors.New("pdu: unsupported data coding scheme")
)

// Address is a decoded GSM PDU address (originating or destination/recipient).
type Address struct {
	Number string
	TON    byte // type-of-number, top 3 bits of the type-of-address octet
	NPI    byte // numbering-plan-indicator, bottom 4 bits
}

// InformationElement is one decoded user-data-header element.
type InformationElement struct {
	ID   byte
	Data []byte
}

// UserDataHeader is the decoded set of information elements preceding the
// text body, when UDHI is set on the first octet.
type UserDataHeader struct {
	Elements []InformationElement
}

// ConcatInfo returns the concatenated-short-message element (IEI 0x00),
// if present, decoded into (reference, total, index). index is still
// 1-based as carried on the wire.
func (h *UserDataHeader) ConcatInfo() (ref, total, index byte, ok bool, err error) {
	if h == nil {
		return 0, 0, 0, false, nil
	}
	for _, e := range h.Elements {
		if e.ID == 0x00 {
			if len(e.Data) != 3 {
				return 0, 0, 0, false, ErrInvalidUDH
			}
			return e.Data[0], e.Data[1], e.Data[2], true, nil
		}
	}
	return 0, 0, 0, false, nil
}

// Deliver is a decoded TP-DELIVER PDU.
type Deliver struct {
	OriginatingAddress Address
	UDH                *UserDataHeader
	Text               string
	Timestamp          time.Time
}

// StatusReport is a decoded TP-STATUS-REPORT PDU.
type StatusReport struct {
	RecipientAddress Address
	ReferenceID      byte
	RawStatus        byte
}

// bitReader walks a byte slice, tracking an offset for sequential field
// extraction the way the GSM 03.40 wire format requires.
type bitReader struct {
	data []byte
	pos  int
}

func (r *bitReader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrUnderflow
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *bitReader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, ErrUnderflow
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// decodeAddress decodes a GSM PDU address field: length octet (digit
// count), type-of-address octet, then BCD-packed (or 8-bit alphanumeric,
// unsupported here) digits.
func decodeAddress(r *bitReader) (Address, error) {
	digitLen, err := r.byte()
	if err != nil {
		return Address{}, errors.Wrap(err, "address length")
	}
	toa, err := r.byte()
	if err != nil {
		return Address{}, errors.Wrap(err, "address type")
	}
	octetLen := (int(digitLen) + 1) / 2
	raw, err := r.take(octetLen)
	if err != nil {
		return Address{}, errors.Wrap(err, "address digits")
	}

	ton := (toa >> 4) & 0x07
	npi := toa & 0x0f

	digits := make([]byte, 0, len(raw)*2)
	for _, b := range raw {
		lo := b & 0x0f
		hi := (b >> 4) & 0x0f
		digits = append(digits, bcdDigit(lo), bcdDigit(hi))
	}
	if len(digits) > int(digitLen) {
		digits = digits[:digitLen]
	}

	number := string(digits)
	if ton == 0x01 { // international
		number = "+" + number
	}
	return Address{Number: number, TON: ton, NPI: npi}, nil
}

func bcdDigit(nibble byte) byte {
	if nibble <= 9 {
		return '0' + nibble
	}
	switch nibble {
	case 0x0a:
		return '*'
	case 0x0b:
		return '#'
	default:
		return '?'
	}
}

// decodeSCTS decodes a 7-octet semi-octet BCD service-centre timestamp.
func decodeSCTS(raw []byte) (time.Time, error) {
	if len(raw) != 7 {
		return time.Time{}, ErrUnderflow
	}
	swap := func(b byte) int {
		return int(b&0x0f)*10 + int((b>>4)&0x0f)
	}
	year := 2000 + swap(raw[0])
	month := swap(raw[1])
	day := swap(raw[2])
	hour := swap(raw[3])
	min := swap(raw[4])
	sec := swap(raw[5])

	tzQuarters := int(raw[6]&0x0f)*10 + int((raw[6]>>4)&0x07)
	if raw[6]&0x08 != 0 {
		tzQuarters = -tzQuarters
	}
	loc := time.FixedZone("", tzQuarters*15*60)
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, loc), nil
}

// decodeUDH parses the user data header starting at the current UD byte and
// returns its total length in octets (including the UDHL octet itself).
func decodeUDH(data []byte) (*UserDataHeader, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrUnderflow
	}
	udhl := int(data[0])
	if len(data) < 1+udhl {
		return nil, 0, ErrUnderflow
	}
	body := data[1 : 1+udhl]

	var elements []InformationElement
	i := 0
	for i < len(body) {
		if i+2 > len(body) {
			return nil, 0, ErrInvalidUDH
		}
		id := body[i]
		l := int(body[i+1])
		if i+2+l > len(body) {
			return nil, 0, ErrInvalidUDH
		}
		elements = append(elements, InformationElement{ID: id, Data: body[i+2 : i+2+l]})
		i += 2 + l
	}
	return &UserDataHeader{Elements: elements}, 1 + udhl, nil
}

// DecodeDeliver decodes a TP-DELIVER PDU from its hex representation, as
// received after a +CMT unsolicited header.
func DecodeDeliver(hexStr string) (Deliver, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return Deliver{}, errors.Wrap(err, "pdu: invalid hex")
	}
	r := &bitReader{data: raw}

	firstOctet, err := r.byte()
	if err != nil {
		return Deliver{}, errors.Wrap(err, "first octet")
	}
	udhi := firstOctet&0x40 != 0

	oa, err := decodeAddress(r)
	if err != nil {
		return Deliver{}, errors.Wrap(err, "originating address")
	}

	pid, err := r.byte()
	if err != nil {
		return Deliver{}, errors.Wrap(err, "pid")
	}
	_ = pid

	dcs, err := r.byte()
	if err != nil {
		return Deliver{}, errors.Wrap(err, "dcs")
	}

	sctsRaw, err := r.take(7)
	if err != nil {
		return Deliver{}, errors.Wrap(err, "scts")
	}
	ts, err := decodeSCTS(sctsRaw)
	if err != nil {
		return Deliver{}, errors.Wrap(err, "scts decode")
	}

	udl, err := r.byte()
	if err != nil {
		return Deliver{}, errors.Wrap(err, "udl")
	}
	ud := raw[r.pos:]

	var udh *UserDataHeader
	udhLen := 0
	if udhi {
		udh, udhLen, err = decodeUDH(ud)
		if err != nil {
			return Deliver{}, errors.Wrap(err, "udh")
		}
	}

	text, err := decodeUserData(dcs, ud, udhLen, int(udl), udhi)
	if err != nil {
		return Deliver{}, err
	}

	return Deliver{OriginatingAddress: oa, UDH: udh, Text: text, Timestamp: ts}, nil
}

// decodeUserData decodes the text body per the data-coding-scheme octet.
// udl is the TP-UDL field: septet count for 7-bit encoding, octet count
// otherwise. udhLen is the already-consumed UDH length in octets (0 if no
// UDH).
func decodeUserData(dcs byte, ud []byte, udhLen, udl int, udhi bool) (string, error) {
	scheme := (dcs >> 2) & 0x03
	switch scheme {
	case 0x00: // GSM 7-bit default alphabet
		fillBits := 0
		if udhi {
			// UDH occupies ceil(udhLen*8/7) septets; the remainder is fill.
			usedSeptets := (udhLen*8 + 6) / 7
			fillBits = usedSeptets*7 - udhLen*8
			if fillBits < 0 {
				fillBits = 0
			}
		}
		body := ud
		if udhi {
			body = ud[udhLen:]
		}
		septetCount := udl
		if udhi {
			usedSeptets := (udhLen*8 + 6) / 7
			septetCount = udl - usedSeptets
		}
		if septetCount < 0 {
			septetCount = 0
		}
		return decodeGSM7(body, septetCount, fillBits), nil
	case 0x01: // 8-bit data
		body := ud
		if udhi {
			body = ud[udhLen:]
		}
		return string(body), nil
	case 0x02: // UCS-2
		body := ud
		if udhi {
			body = ud[udhLen:]
		}
		return decodeUCS2(body), nil
	default:
		return "", ErrUnsupportedDCS
	}
}

// DecodeStatusReport decodes a TP-STATUS-REPORT PDU from hex, as received
// after a +CDS unsolicited header. The wire decode is delegated to
// warthog618/sms's tpdu.StatusReport, which implements the TS 23.040
// 9.2.2.3 layout; TP-DELIVER, by contrast, is hand-decoded by
// DecodeDeliver.
func DecodeStatusReport(hexStr string) (StatusReport, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return StatusReport{}, errors.Wrap(err, "pdu: invalid hex")
	}
	sr := tpdu.NewStatusReport()
	if err := sr.UnmarshalBinary(raw); err != nil {
		return StatusReport{}, errors.Wrap(err, "pdu: status report decode")
	}
	number := sr.RA.Number()
	ton := byte(0x00)
	if len(number) > 0 && number[0] == '+' {
		ton = 0x01
	}
	return StatusReport{
		RecipientAddress: Address{Number: number, TON: ton},
		ReferenceID:      sr.MR,
		RawStatus:        sr.ST,
	}, nil
}

// Segment is one encoded outbound PDU ready to be hex-encoded and written
// after a +CMGS prompt.
type Segment struct {
	Hex string
	Len int // TPDU length in octets, for the AT+CMGS=<len> prefix
}

// Encoder turns outbound text into one or more TP-SUBMIT PDUs, splitting
// into concatenated segments and inserting the concat UDH when the message
// does not fit in a single segment.
type Encoder struct {
	me *message.Encoder
}

// NewEncoder builds an Encoder over warthog618/sms's UD encoder and
// segmenter, enabling every supported charset so plain text, UCS-2 and
// GSM-7 extension characters are all segmented correctly.
func NewEncoder() (*Encoder, error) {
	ude, err := tpdu.NewUDEncoder()
	if err != nil {
		return nil, errors.Wrap(err, "pdu: building user data encoder")
	}
	ude.AddAllCharsets()
	return &Encoder{me: message.NewEncoder(ude, sar.NewSegmenter())}, nil
}

// EncodeSubmit encodes text addressed to number into one or more TP-SUBMIT
// PDUs. The first-octet flags, validity period and DCS of each segment are
// those produced by the warthog618/sms message encoder; this function does
// not itself set the status-report-request flag or a validity period.
func (e *Encoder) EncodeSubmit(number, text string) ([]Segment, error) {
	pdus, err := e.me.Encode(number, text)
	if err != nil {
		return nil, errors.Wrap(err, "pdu: encoding submit")
	}
	segments := make([]Segment, 0, len(pdus))
	for _, p := range pdus {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "pdu: marshalling submit pdu")
		}
		segments = append(segments, Segment{Hex: hex.EncodeToString(b), Len: len(b)})
	}
	return segments, nil
}
