// Package peer speaks the client protocol over established data channels:
// inbound frames are parsed once at the transport boundary, rate limited,
// and dispatched to either the session's room subprocess or the global
// command registry.
package peer

import "strings"

// FrameKind tags one inbound client frame.
type FrameKind int

const (
	// FrameRoomPayload is an opaque payload for the session's room
	// subprocess: "^<payload>".
	FrameRoomPayload FrameKind = iota
	// FrameCommand is a global command invocation: "!<name> <args>".
	FrameCommand
	// FrameWildcard is any unprefixed frame; routed to the "*" handler.
	FrameWildcard
)

type Frame struct {
	Kind    FrameKind
	Name    string
	Args    string
	Payload string
}

// ParseFrame classifies one raw frame by its leading sigil.
func ParseFrame(raw string) Frame {
	switch {
	case strings.HasPrefix(raw, "^"):
		return Frame{Kind: FrameRoomPayload, Payload: raw[1:]}
	case strings.HasPrefix(raw, "!"):
		name, args, _ := strings.Cut(raw[1:], " ")
		return Frame{Kind: FrameCommand, Name: name, Args: args}
	default:
		return Frame{Kind: FrameWildcard, Args: raw}
	}
}
