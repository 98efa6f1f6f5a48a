package room

import "strings"

// OutputKind tags one line of subprocess stdout, parsed once at the I/O
// boundary.
type OutputKind int

const (
	// OutputCommand is a room-scoped command invocation: "!<name> <json-args>".
	OutputCommand OutputKind = iota
	// OutputDebug is any other line; echoed to the author's terminal in
	// maintenance mode.
	OutputDebug
)

type OutputMessage struct {
	Kind OutputKind
	Name string
	Args string
}

// ParseOutput classifies one stdout line.
func ParseOutput(line string) OutputMessage {
	if !strings.HasPrefix(line, "!") {
		return OutputMessage{Kind: OutputDebug, Args: line}
	}
	rest := line[1:]
	name, args, _ := strings.Cut(rest, " ")
	return OutputMessage{Kind: OutputCommand, Name: strings.TrimSpace(name), Args: args}
}
