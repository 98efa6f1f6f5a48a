// Package fragment reassembles offer fragments smuggled through the covert
// bootstrap transport.
//
// Each raw packet carries a fixed-width header followed by a payload chunk:
//
//	[1 hex digit index][1 hex digit totalCount][4-char fingerprint][<=494-char payload]
//
// Fragments sharing a fingerprint belong to one serialized offer.
package fragment

import (
	"fmt"
	"strconv"
)

const (
	// HeaderLen is the fixed header width in bytes.
	HeaderLen = 6
	// MaxPayloadLen bounds a single fragment's payload.
	MaxPayloadLen = 494
	// MaxFragments is the largest totalCount a single hex digit can declare.
	MaxFragments = 16
	// FingerprintLen is the width of the session fingerprint.
	FingerprintLen = 4
)

// Fragment is one parsed chunk of a serialized offer.
type Fragment struct {
	Index       int
	Total       int
	Fingerprint string
	Payload     string
}

// Parse decodes the fixed-width header of a raw packet.
func Parse(raw string) (Fragment, error) {
	if len(raw) < HeaderLen {
		return Fragment{}, fmt.Errorf("packet too short: %d bytes", len(raw))
	}

	index, err := strconv.ParseUint(raw[0:1], 16, 8)
	if err != nil {
		return Fragment{}, fmt.Errorf("invalid index digit %q: %w", raw[0:1], err)
	}
	total, err := strconv.ParseUint(raw[1:2], 16, 8)
	if err != nil {
		return Fragment{}, fmt.Errorf("invalid total digit %q: %w", raw[1:2], err)
	}

	f := Fragment{
		Index:       int(index),
		Total:       int(total),
		Fingerprint: raw[2:HeaderLen],
		Payload:     raw[HeaderLen:],
	}

	// One hex digit expresses 0..15; a declared count of zero fragments is
	// meaningless, so the digit 0 denotes the maximum of 16.
	if f.Total == 0 {
		f.Total = MaxFragments
	}
	if f.Index >= f.Total {
		return Fragment{}, fmt.Errorf("index %d out of range for total %d", f.Index, f.Total)
	}
	if len(f.Payload) > MaxPayloadLen {
		return Fragment{}, fmt.Errorf("payload too long: %d bytes", len(f.Payload))
	}

	return f, nil
}
