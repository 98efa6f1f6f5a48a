package metrics

import "sync"

// Counter names used across the relay. Names are intentionally simple; they
// surface through the Prometheus text handler as `event` label values.
const (
	FragmentMalformed  = "fragment_malformed"
	FragmentDuplicate  = "fragment_duplicate"
	FragmentExpired    = "fragment_expired"
	OfferAssembled     = "offer_assembled"
	OfferUnparseable   = "offer_unparseable"
	SlotCollision      = "slot_collision"
	NegotiationFailed  = "negotiation_failed"
	PeerConnected      = "peer_connected"
	AnswerPublished    = "answer_published"
	MailboxWriteFailed = "mailbox_write_failed"
	MailboxRotated     = "mailbox_rotated"
	CommandUnknown     = "command_unknown"
	CommandFailed      = "command_failed"
	FrameRateLimited   = "frame_rate_limited"
	RoomCreated        = "room_created"
	RoomTornDown       = "room_torn_down"
	RoomOutputTripped  = "room_output_tripped"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps enforcement logic testable while still exposing counters over
// the admin HTTP surface.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
