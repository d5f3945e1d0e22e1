package pdu

// gsm7DefaultAlphabet is the GSM 03.38 default alphabet basic character
// table, indexed by septet value.
var gsm7DefaultAlphabet = [128]rune{
	'@', '£', '$', '¥', 'è', 'é', 'ù', 'ì', 'ò', 'Ç', '\n', 'Ø', 'ø', '\r', 'Å', 'å',
	'Δ', '_', 'Φ', 'Γ', 'Λ', 'Ω', 'Π', 'Ψ', 'Σ', 'Θ', 'Ξ', 0x1b, 'Æ', 'æ', 'ß', 'É',
	' ', '!', '"', '#', '¤', '%', '&', '\'', '(', ')', '*', '+', ',', '-', '.', '/',
	'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', ':', ';', '<', '=', '>', '?',
	'¡', 'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I', 'J', 'K', 'L', 'M', 'N', 'O',
	'P', 'Q', 'R', 'S', 'T', 'U', 'V', 'W', 'X', 'Y', 'Z', 'Ä', 'Ö', 'Ñ', 'Ü', '§',
	'¿', 'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k', 'l', 'm', 'n', 'o',
	'p', 'q', 'r', 's', 't', 'u', 'v', 'w', 'x', 'y', 'z', 'ä', 'ö', 'ñ', 'ü', 'à',
}

// gsm7ExtensionTable maps the escape-prefixed (0x1b) extension characters.
var gsm7ExtensionTable = map[byte]rune{
	0x0A: '\f',
	0x14: '^',
	0x28: '{',
	0x29: '}',
	0x2F: '\\',
	0x3C: '[',
	0x3D: '~',
	0x3E: ']',
	0x40: '|',
	0x65: '€',
}

// unpackSeptets unpacks n septets from 8-bit packed GSM 7-bit data.
func unpackSeptets(data []byte, n int) []byte {
	out := make([]byte, 0, n)
	var carry byte
	var carryBits uint
	for _, b := range data {
		out = append(out, (b<<carryBits|carry)&0x7f)
		carry = b >> (7 - carryBits)
		carryBits++
		if carryBits == 7 {
			out = append(out, carry&0x7f)
			carry = 0
			carryBits = 0
		}
		if len(out) >= n {
			break
		}
	}
	if len(out) < n && carryBits > 0 {
		out = append(out, carry&0x7f)
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// decodeGSM7 decodes packed GSM 7-bit default-alphabet text. fillBits is the
// number of padding bits inserted before the user data to align a UDH to a
// septet boundary (0 when no UDH is present, per 3GPP TS 23.040 9.2.3.24).
func decodeGSM7(data []byte, septetCount int, fillBits int) string {
	if fillBits > 0 {
		shifted := make([]byte, len(data))
		for i := range data {
			shifted[i] = data[i] >> uint(fillBits)
			if i+1 < len(data) {
				shifted[i] |= data[i+1] << uint(8-fillBits)
			}
		}
		data = shifted
	}
	septets := unpackSeptets(data, septetCount)

	runes := make([]rune, 0, len(septets))
	escape := false
	for _, s := range septets {
		if escape {
			if r, ok := gsm7ExtensionTable[s]; ok {
				runes = append(runes, r)
			} else {
				runes = append(runes, gsm7DefaultAlphabet[s])
			}
			escape = false
			continue
		}
		if s == 0x1b {
			escape = true
			continue
		}
		runes = append(runes, gsm7DefaultAlphabet[s])
	}
	return string(runes)
}

// encodeGSM7Septets packs text into GSM 7-bit default-alphabet septets
// without the final byte-alignment pack, used only for tests/grounding; the
// production encode path goes through warthog618/sms.
func encodeGSM7Septets(text string) []byte {
	reverse := make(map[rune]byte, 128)
	for i, r := range gsm7DefaultAlphabet {
		reverse[r] = byte(i)
	}
	out := make([]byte, 0, len(text))
	for _, r := range text {
		if b, ok := reverse[r]; ok {
			out = append(out, b)
		}
	}
	return out
}

// decodeUCS2 decodes UCS-2 (big-endian, 2 bytes/char) user data.
func decodeUCS2(data []byte) string {
	runes := make([]rune, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		runes = append(runes, rune(uint16(data[i])<<8|uint16(data[i+1])))
	}
	return string(runes)
}
