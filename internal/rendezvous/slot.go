// Package rendezvous publishes session answers through a third-party,
// publicly editable text document used as a shared mailbox. One document
// line per slot, content "answer=<json>" or blank.
package rendezvous

import (
	"fmt"
	"strconv"
)

// SlotCount is the size of the fixed line-slot namespace. Slots are derived
// from the fingerprint's leading byte, so two hex characters address the
// whole space.
const SlotCount = 256

// SlotFromFingerprint derives a session's mailbox line slot from the leading
// byte of its fingerprint.
func SlotFromFingerprint(fingerprint string) (int, error) {
	if len(fingerprint) < 2 {
		return 0, fmt.Errorf("fingerprint %q too short for slot derivation", fingerprint)
	}
	n, err := strconv.ParseUint(fingerprint[:2], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("fingerprint %q has non-hex leading byte: %w", fingerprint, err)
	}
	return int(n), nil
}
