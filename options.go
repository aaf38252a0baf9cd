package ppp

// Option list encoding shared by LCP and IPCP (RFC 1661 §1, RFC 1332 §3.7).
// Each option is type(1) | length(1) | value(length-2), packed back to back
// with no padding; the outer message's declared length bounds the list.
//
// Grounded on dhcpv4.Frame.ForEachOption's bounded-iterator shape: the
// callback receives validated, in-bounds slices and any length
// inconsistency aborts the whole walk rather than skipping the bad option,
// matching spec.md's "caller then rejects the whole request" design note.

// ForEachOption walks the TLV option list in payload, calling fn with each
// option's type and value slice. It returns ErrOptionTooShort (without
// calling fn further) the moment a type/length pair does not fit inside
// the remaining payload. If fn returns a non-nil error the walk stops and
// that error is returned.
func ForEachOption(payload []byte, fn func(typ byte, data []byte) error) error {
	for len(payload) > 0 {
		if len(payload) < 2 {
			return ErrOptionTooShort
		}
		typ, length := payload[0], int(payload[1])
		if length < 2 || length > len(payload) {
			return ErrOptionTooShort
		}
		if err := fn(typ, payload[2:length]); err != nil {
			return err
		}
		payload = payload[length:]
	}
	return nil
}

// AppendOption appends a type(1) len(1) value(n) option to dst and returns
// the extended slice. length is computed as len(value)+2.
func AppendOption(dst []byte, typ byte, value []byte) []byte {
	dst = append(dst, typ, byte(len(value)+2))
	dst = append(dst, value...)
	return dst
}

// AppendOption32 appends a 4-byte big-endian value option (used for
// IP-address and DNS options, and the LCP magic-number option).
func AppendOption32(dst []byte, typ byte, v uint32) []byte {
	return AppendOption(dst, typ, []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// AppendOption16 appends a 2-byte big-endian value option (used for the
// LCP MRU option).
func AppendOption16(dst []byte, typ byte, v uint16) []byte {
	return AppendOption(dst, typ, []byte{byte(v >> 8), byte(v)})
}

// BigEndian16 decodes a 2-byte big-endian option value. Caller must have
// already checked len(b) >= 2.
func BigEndian16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

// BigEndian32 decodes a 4-byte big-endian option value. Caller must have
// already checked len(b) >= 4.
func BigEndian32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
