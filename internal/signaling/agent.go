package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Channel is the message transport a successful negotiation yields. It is a
// thin veneer over a WebRTC data channel so session handling can be exercised
// without a peer connection.
type Channel interface {
	Label() string
	SendText(msg string) error
	OnMessage(fn func(msg string))
	OnClose(fn func())
	Close() error
}

// NegotiationEvents carries the callbacks a negotiation reports through. All
// fields are optional; callbacks fire on pion's internal goroutines.
type NegotiationEvents struct {
	// AnswerReady delivers the serialized local description once candidate
	// gathering completes (or the gather timeout expires with a usable
	// partial description).
	AnswerReady func(answerJSON string)
	// Connected fires once, when the remote peer's data channel opens.
	Connected func(ch Channel)
	// Closed fires once, when the peer connection fails or closes.
	Closed func(reason string)
}

// Negotiator produces a non-trickle answer for an assembled offer.
type Negotiator interface {
	Negotiate(ctx context.Context, offerJSON string, ev NegotiationEvents) error
}

// Agent negotiates answer-side WebRTC sessions. The remote side signals
// without a return channel, so answers are complete: candidate gathering runs
// to completion (bounded by GatherTimeout) before the answer is serialized.
type Agent struct {
	API           *webrtc.API
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	Log           *slog.Logger
}

// Test seam, mirroring how gathering is stubbed elsewhere in pion-based code.
var gatheringCompletePromise = webrtc.GatheringCompletePromise

// ICEServersFromURLs builds the ICE server list for answer-side gathering.
// Two independent STUN resolvers are configured so one provider outage does
// not take down NAT traversal.
func ICEServersFromURLs(urls []string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

func (a *Agent) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

func (a *Agent) newPeerConnection() (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{ICEServers: a.ICEServers}
	if a.API != nil {
		return a.API.NewPeerConnection(cfg)
	}
	return webrtc.NewPeerConnection(cfg)
}

// Negotiate drives one offer through to a serialized answer. The offer is the
// remote initiator's JSON-encoded session description; the data channel is
// created by the initiator and arrives via OnDataChannel.
func (a *Agent) Negotiate(ctx context.Context, offerJSON string, ev NegotiationEvents) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(offerJSON), &offer); err != nil {
		return fmt.Errorf("signaling: decode offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("signaling: unexpected description type %q", offer.Type)
	}

	pc, err := a.newPeerConnection()
	if err != nil {
		return fmt.Errorf("signaling: new peer connection: %w", err)
	}

	var connectOnce, closeOnce sync.Once
	closed := func(reason string) {
		closeOnce.Do(func() {
			_ = pc.Close()
			if ev.Closed != nil {
				ev.Closed(reason)
			}
		})
	}

	// The initiator opens the channel; only the first one counts.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			connectOnce.Do(func() {
				if ev.Connected != nil {
					ev.Connected(&pionChannel{dc: dc})
				}
			})
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			closed(state.String())
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		closed("bad offer")
		return fmt.Errorf("signaling: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		closed("create answer failed")
		return fmt.Errorf("signaling: create answer: %w", err)
	}

	gatherComplete := gatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		closed("set local description failed")
		return fmt.Errorf("signaling: set local description: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.GatherTimeout)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-waitCtx.Done():
		a.log().Debug("ice gathering timed out; publishing partial answer")
	}

	local := pc.LocalDescription()
	if local == nil {
		closed("missing local description")
		return fmt.Errorf("signaling: missing local description after gathering")
	}

	raw, err := json.Marshal(local)
	if err != nil {
		closed("encode answer failed")
		return fmt.Errorf("signaling: encode answer: %w", err)
	}
	if ev.AnswerReady != nil {
		ev.AnswerReady(string(raw))
	}
	return nil
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) SendText(msg string) error { return c.dc.SendText(msg) }

func (c *pionChannel) OnMessage(fn func(string)) {
	c.dc.OnMessage(func(m webrtc.DataChannelMessage) {
		fn(string(m.Data))
	})
}

func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) Close() error { return c.dc.Close() }
