package fragment

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zeta-mv/link-relay/internal/metrics"
	"github.com/zeta-mv/link-relay/internal/ratelimit"
)

// OfferFunc receives the fingerprint and the fully reassembled offer string.
// It is invoked exactly once per completed buffer, outside the store's lock.
type OfferFunc func(fingerprint, offer string)

// Store holds in-flight assembly buffers keyed by session fingerprint.
//
// Buffer rules:
//   - an occupied index is never overwritten (first-write-wins; duplicates
//     are dropped, which protects a completing offer against replays)
//   - a buffer is destroyed immediately after assembly, so a completed
//     fingerprint is safely reusable by a later, unrelated session
//   - incomplete buffers are reaped after an idle timeout
type Store struct {
	clock       ratelimit.Clock
	idleTimeout time.Duration
	metrics     *metrics.Metrics
	log         *slog.Logger
	onOffer     OfferFunc

	mu      sync.Mutex
	buffers map[string]*assemblyBuffer
}

type assemblyBuffer struct {
	total        int
	payloads     []string
	occupied     []bool
	filled       int
	lastActivity time.Time
}

func NewStore(clock ratelimit.Clock, idleTimeout time.Duration, m *metrics.Metrics, log *slog.Logger, onOffer OfferFunc) *Store {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		clock:       clock,
		idleTimeout: idleTimeout,
		metrics:     m,
		log:         log,
		onOffer:     onOffer,
		buffers:     make(map[string]*assemblyBuffer),
	}
}

// Ingest parses one raw packet and routes it into an assembly buffer.
// Malformed packets are logged, counted and dropped; they never propagate.
func (s *Store) Ingest(raw string) {
	f, err := Parse(raw)
	if err != nil {
		s.metrics.Inc(metrics.FragmentMalformed)
		s.log.Warn("dropping malformed fragment", "err", err)
		return
	}

	var offer string

	s.mu.Lock()
	s.reapIdleLocked()

	buf, ok := s.buffers[f.Fingerprint]
	if !ok {
		buf = &assemblyBuffer{
			total:    f.Total,
			payloads: make([]string, f.Total),
			occupied: make([]bool, f.Total),
		}
		s.buffers[f.Fingerprint] = buf
	}

	switch {
	case f.Total != buf.total || f.Index >= buf.total:
		// A straggler from an earlier session that happened to reuse the
		// fingerprint, or a corrupted header that still parsed.
		s.mu.Unlock()
		s.metrics.Inc(metrics.FragmentMalformed)
		s.log.Warn("dropping fragment with mismatched total",
			"fingerprint", f.Fingerprint, "declared", f.Total, "expected", buf.total)
		return
	case buf.occupied[f.Index]:
		s.mu.Unlock()
		s.metrics.Inc(metrics.FragmentDuplicate)
		s.log.Debug("dropping duplicate fragment",
			"fingerprint", f.Fingerprint, "index", f.Index)
		return
	}

	buf.payloads[f.Index] = f.Payload
	buf.occupied[f.Index] = true
	buf.filled++
	buf.lastActivity = s.clock.Now()

	complete := buf.filled == buf.total
	if complete {
		offer = strings.Join(buf.payloads, "")
		delete(s.buffers, f.Fingerprint)
	}
	s.mu.Unlock()

	if complete {
		s.metrics.Inc(metrics.OfferAssembled)
		if s.onOffer != nil {
			s.onOffer(f.Fingerprint, offer)
		}
	}
}

// PendingBuffers reports the number of in-flight assembly buffers.
func (s *Store) PendingBuffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

func (s *Store) reapIdleLocked() {
	if s.idleTimeout <= 0 {
		return
	}
	now := s.clock.Now()
	for fp, buf := range s.buffers {
		if now.Sub(buf.lastActivity) > s.idleTimeout && !buf.lastActivity.IsZero() {
			delete(s.buffers, fp)
			s.metrics.Inc(metrics.FragmentExpired)
			s.log.Debug("expired incomplete fragment buffer", "fingerprint", fp)
		}
	}
}
