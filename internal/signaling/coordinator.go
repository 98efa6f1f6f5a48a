package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"github.com/zeta-mv/link-relay/internal/metrics"
	"github.com/zeta-mv/link-relay/internal/ratelimit"
	"github.com/zeta-mv/link-relay/internal/rendezvous"
)

// AnswerPublisher receives serialized answers for publication at a line slot.
type AnswerPublisher interface {
	Enqueue(slot int, answerJSON string)
}

// Coordinator owns the live session table. It receives assembled offers from
// the fragment store, allocates a line slot per fingerprint, drives
// negotiation, and hands connected channels to the peer layer.
type Coordinator struct {
	negotiator Negotiator
	publisher  AnswerPublisher
	clock      ratelimit.Clock
	metrics    *metrics.Metrics
	log        *slog.Logger

	// Enrich is invoked asynchronously with the candidate address pulled from
	// each accepted offer's SDP. Optional.
	Enrich func(ip string)
	// OnConnect hands a connected session and its channel to the peer layer.
	OnConnect func(sess *Session, ch Channel)
	// OnClose observes session teardown.
	OnClose func(sess *Session)

	mu       sync.Mutex
	slots    map[int]*Session
	sessions map[string]*Session
}

func NewCoordinator(negotiator Negotiator, publisher AnswerPublisher, clock ratelimit.Clock, m *metrics.Metrics, log *slog.Logger) *Coordinator {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		negotiator: negotiator,
		publisher:  publisher,
		clock:      clock,
		metrics:    m,
		log:        log,
		slots:      make(map[int]*Session),
		sessions:   make(map[string]*Session),
	}
}

// HandleOffer processes one assembled offer. It is the fragment store's
// completion callback; negotiation runs on its own goroutine so a slow
// gather never stalls ingest of other sessions' fragments.
func (c *Coordinator) HandleOffer(fingerprint, offerJSON string) {
	if !offerLooksValid(offerJSON) {
		c.metrics.Inc(metrics.OfferUnparseable)
		c.log.Warn("discarding unparseable offer", "fingerprint", fingerprint)
		return
	}

	slot, err := rendezvous.SlotFromFingerprint(fingerprint)
	if err != nil {
		c.metrics.Inc(metrics.OfferUnparseable)
		c.log.Warn("discarding offer with bad fingerprint", "fingerprint", fingerprint, "err", err)
		return
	}

	sess := NewSession(uuid.NewString(), fingerprint, slot, c.clock.Now())

	c.mu.Lock()
	if existing, ok := c.slots[slot]; ok && existing.State() != StateClosed {
		c.mu.Unlock()
		// The earlier session keeps its published line; the newcomer is
		// rejected and will retry with a fresh fingerprint.
		c.metrics.Inc(metrics.SlotCollision)
		c.log.Warn("line slot already owned by a live session",
			"slot", slot, "fingerprint", fingerprint, "owner", existing.ID)
		return
	}
	c.slots[slot] = sess
	c.sessions[sess.ID] = sess
	c.mu.Unlock()

	sess.StartNegotiation()
	c.log.Info("negotiating session", "session", sess.ID, "fingerprint", fingerprint, "slot", slot)

	if ip := candidateAddress(offerJSON); ip != "" {
		sess.RemoteIP = ip
		if c.Enrich != nil {
			go c.Enrich(ip)
		}
	}

	go c.negotiate(sess, offerJSON)
}

func (c *Coordinator) negotiate(sess *Session, offerJSON string) {
	err := c.negotiator.Negotiate(context.Background(), offerJSON, NegotiationEvents{
		AnswerReady: func(answerJSON string) {
			if sess.AnswerReady(answerJSON) {
				c.publisher.Enqueue(sess.Slot, answerJSON)
			}
		},
		Connected: func(ch Channel) {
			if !sess.Connect() {
				_ = ch.Close()
				return
			}
			c.metrics.Inc(metrics.PeerConnected)
			c.log.Info("peer connected", "session", sess.ID, "slot", sess.Slot)
			if c.OnConnect != nil {
				c.OnConnect(sess, ch)
			}
		},
		Closed: func(reason string) {
			c.closeSession(sess, reason)
		},
	})
	if err != nil {
		c.metrics.Inc(metrics.NegotiationFailed)
		c.log.Warn("negotiation failed", "session", sess.ID, "err", err)
		c.closeSession(sess, "negotiation failed")
	}
}

func (c *Coordinator) closeSession(sess *Session, reason string) {
	if !sess.Close() {
		return
	}
	c.mu.Lock()
	if c.slots[sess.Slot] == sess {
		delete(c.slots, sess.Slot)
	}
	delete(c.sessions, sess.ID)
	c.mu.Unlock()

	c.log.Info("session closed", "session", sess.ID, "slot", sess.Slot, "reason", reason)
	if c.OnClose != nil {
		c.OnClose(sess)
	}
}

// CloseSession tears down a session by id, e.g. when the peer layer drops it.
func (c *Coordinator) CloseSession(id, reason string) {
	c.mu.Lock()
	sess := c.sessions[id]
	c.mu.Unlock()
	if sess != nil {
		c.closeSession(sess, reason)
	}
}

// SessionCount reports the number of live sessions.
func (c *Coordinator) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func offerLooksValid(offerJSON string) bool {
	var desc struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal([]byte(offerJSON), &desc); err != nil {
		return false
	}
	return desc.Type == "offer" && desc.SDP != ""
}

var sdpIPPattern = regexp.MustCompile(`IP4 (\S+)`)

// candidateAddress pulls the remote address from the offer SDP. The first
// IP4 occurrence is the origin line (usually a placeholder); the connection
// line that follows carries the address worth looking up.
func candidateAddress(offerJSON string) string {
	var desc struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal([]byte(offerJSON), &desc); err != nil {
		return ""
	}
	matches := sdpIPPattern.FindAllStringSubmatch(desc.SDP, -1)
	if len(matches) == 0 {
		return ""
	}
	pick := matches[0]
	if len(matches) > 1 {
		pick = matches[1]
	}
	return pick[1]
}
