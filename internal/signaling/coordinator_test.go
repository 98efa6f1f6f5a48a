package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zeta-mv/link-relay/internal/metrics"
)

const testOfferSDP = "v=0\\r\\no=- 0 0 IN IP4 127.0.0.1\\r\\nc=IN IP4 203.0.113.9\\r\\n"

func testOffer() string {
	return fmt.Sprintf(`{"type":"offer","sdp":"%s"}`, testOfferSDP)
}

// scriptedNegotiator records calls and lets tests drive the event callbacks.
type scriptedNegotiator struct {
	mu     sync.Mutex
	calls  []string
	events []NegotiationEvents
	err    error
}

func (n *scriptedNegotiator) Negotiate(ctx context.Context, offerJSON string, ev NegotiationEvents) error {
	n.mu.Lock()
	n.calls = append(n.calls, offerJSON)
	n.events = append(n.events, ev)
	err := n.err
	n.mu.Unlock()
	return err
}

func (n *scriptedNegotiator) waitForCall(t *testing.T, want int) NegotiationEvents {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		if len(n.events) >= want {
			ev := n.events[want-1]
			n.mu.Unlock()
			return ev
		}
		n.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("negotiator never reached %d calls", want)
	return NegotiationEvents{}
}

func (n *scriptedNegotiator) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []struct {
		slot   int
		answer string
	}
}

func (p *recordingPublisher) Enqueue(slot int, answerJSON string) {
	p.mu.Lock()
	p.entries = append(p.entries, struct {
		slot   int
		answer string
	}{slot, answerJSON})
	p.mu.Unlock()
}

func (p *recordingPublisher) last() (int, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == 0 {
		return 0, "", false
	}
	e := p.entries[len(p.entries)-1]
	return e.slot, e.answer, true
}

type nopChannel struct {
	mu     sync.Mutex
	closed bool
}

func (c *nopChannel) Label() string          { return "data" }
func (c *nopChannel) SendText(string) error  { return nil }
func (c *nopChannel) OnMessage(func(string)) {}
func (c *nopChannel) OnClose(func())         {}
func (c *nopChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
func (c *nopChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestCoordinator(t *testing.T) (*Coordinator, *scriptedNegotiator, *recordingPublisher, *metrics.Metrics) {
	t.Helper()
	neg := &scriptedNegotiator{}
	pub := &recordingPublisher{}
	m := metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCoordinator(neg, pub, nil, m, log)
	return c, neg, pub, m
}

func TestSession_Lifecycle(t *testing.T) {
	s := NewSession("s1", "ab12", 0xab, time.Unix(0, 0))
	if s.State() != StateCollecting {
		t.Fatalf("state = %v", s.State())
	}

	if !s.StartNegotiation() {
		t.Fatalf("StartNegotiation refused")
	}
	if s.Connect() == false {
		t.Fatalf("Connect refused while negotiating")
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %v", s.State())
	}

	if !s.Close() {
		t.Fatalf("Close refused")
	}
	if s.Close() {
		t.Fatalf("second Close must report no transition")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v", s.State())
	}
}

func TestSession_LateEventsAfterClose(t *testing.T) {
	s := NewSession("s1", "ab12", 0xab, time.Unix(0, 0))
	s.StartNegotiation()
	s.Close()

	if s.AnswerReady(`{"type":"answer"}`) {
		t.Fatalf("answer accepted after close")
	}
	if s.Connect() {
		t.Fatalf("connect accepted after close")
	}
	if s.Answer() != "" {
		t.Fatalf("answer leaked: %q", s.Answer())
	}
}

func TestCoordinator_AnswerFlowsToPublisherAtSlot(t *testing.T) {
	c, neg, pub, _ := newTestCoordinator(t)

	c.HandleOffer("ab12", testOffer())
	ev := neg.waitForCall(t, 1)

	ev.AnswerReady(`{"type":"answer","sdp":"x"}`)

	slot, answer, ok := pub.last()
	if !ok {
		t.Fatalf("no answer published")
	}
	if slot != 0xab {
		t.Fatalf("slot = %d", slot)
	}
	if answer != `{"type":"answer","sdp":"x"}` {
		t.Fatalf("answer = %q", answer)
	}
}

func TestCoordinator_RejectsSlotCollision(t *testing.T) {
	c, neg, _, m := newTestCoordinator(t)

	c.HandleOffer("ab12", testOffer())
	neg.waitForCall(t, 1)

	// Same leading byte, different fingerprint: same line slot.
	c.HandleOffer("abff", testOffer())
	time.Sleep(10 * time.Millisecond)

	if neg.callCount() != 1 {
		t.Fatalf("collision still negotiated: calls = %d", neg.callCount())
	}
	if m.Get(metrics.SlotCollision) != 1 {
		t.Fatalf("SlotCollision = %d", m.Get(metrics.SlotCollision))
	}
	if c.SessionCount() != 1 {
		t.Fatalf("sessions = %d", c.SessionCount())
	}
}

func TestCoordinator_SlotFreedAfterClose(t *testing.T) {
	c, neg, _, _ := newTestCoordinator(t)

	c.HandleOffer("ab12", testOffer())
	ev := neg.waitForCall(t, 1)
	ev.Closed("peer gone")

	if c.SessionCount() != 0 {
		t.Fatalf("sessions = %d", c.SessionCount())
	}

	c.HandleOffer("abff", testOffer())
	neg.waitForCall(t, 2)
}

func TestCoordinator_ConnectedHandsChannelToPeerLayer(t *testing.T) {
	c, neg, _, m := newTestCoordinator(t)

	var got *Session
	done := make(chan struct{})
	c.OnConnect = func(sess *Session, ch Channel) {
		got = sess
		close(done)
	}

	c.HandleOffer("cd00", testOffer())
	ev := neg.waitForCall(t, 1)
	ev.Connected(&nopChannel{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnConnect never fired")
	}
	if got.State() != StateConnected {
		t.Fatalf("state = %v", got.State())
	}
	if got.Slot != 0xcd {
		t.Fatalf("slot = %d", got.Slot)
	}
	if m.Get(metrics.PeerConnected) != 1 {
		t.Fatalf("PeerConnected = %d", m.Get(metrics.PeerConnected))
	}
}

func TestCoordinator_ChannelAfterCloseIsDiscarded(t *testing.T) {
	c, neg, _, _ := newTestCoordinator(t)

	connected := 0
	c.OnConnect = func(*Session, Channel) { connected++ }

	c.HandleOffer("ee00", testOffer())
	ev := neg.waitForCall(t, 1)
	ev.Closed("gave up")

	ch := &nopChannel{}
	ev.Connected(ch)

	if connected != 0 {
		t.Fatalf("OnConnect fired for a closed session")
	}
	if !ch.isClosed() {
		t.Fatalf("stray channel left open")
	}
}

func TestCoordinator_NegotiationErrorClosesSession(t *testing.T) {
	c, neg, _, m := newTestCoordinator(t)
	neg.err = errors.New("dtls exploded")

	closed := make(chan struct{})
	c.OnClose = func(*Session) { close(closed) }

	c.HandleOffer("0a00", testOffer())

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnClose never fired")
	}
	if m.Get(metrics.NegotiationFailed) != 1 {
		t.Fatalf("NegotiationFailed = %d", m.Get(metrics.NegotiationFailed))
	}
	if c.SessionCount() != 0 {
		t.Fatalf("sessions = %d", c.SessionCount())
	}
}

func TestCoordinator_UnparseableOfferCountedAndDropped(t *testing.T) {
	c, neg, _, m := newTestCoordinator(t)

	c.HandleOffer("ab12", "not json at all")
	c.HandleOffer("ab12", `{"type":"answer","sdp":"x"}`)
	c.HandleOffer("zz99", testOffer())

	time.Sleep(10 * time.Millisecond)
	if neg.callCount() != 0 {
		t.Fatalf("bad offers negotiated: calls = %d", neg.callCount())
	}
	if m.Get(metrics.OfferUnparseable) != 3 {
		t.Fatalf("OfferUnparseable = %d", m.Get(metrics.OfferUnparseable))
	}
}

func TestCoordinator_EnrichmentGetsConnectionAddress(t *testing.T) {
	c, neg, _, _ := newTestCoordinator(t)

	ips := make(chan string, 1)
	c.Enrich = func(ip string) { ips <- ip }

	c.HandleOffer("ab12", testOffer())
	neg.waitForCall(t, 1)

	select {
	case ip := <-ips:
		// Second IP4 occurrence: the connection line, not the origin line.
		if ip != "203.0.113.9" {
			t.Fatalf("ip = %q", ip)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("enrichment never invoked")
	}
}

func TestCandidateAddress(t *testing.T) {
	if got := candidateAddress(`{"sdp":"o=- 0 0 IN IP4 10.0.0.1\r\n"}`); got != "10.0.0.1" {
		t.Fatalf("single occurrence: %q", got)
	}
	if got := candidateAddress(`{"sdp":"no addresses here"}`); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := candidateAddress("not json"); got != "" {
		t.Fatalf("expected empty for bad json, got %q", got)
	}
}
