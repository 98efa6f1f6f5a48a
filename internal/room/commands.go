package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// roomCommands is the registry of subprocess-originated commands. Handlers
// receive the raw argument string (JSON for most commands) and the owning
// room; errors are echoed to the author's terminal, never fatal.
var roomCommands = map[string]func(args string, r *Room) error{
	"*":           cmdDebugEcho,
	"room":        cmdRoom,
	"ping-server": cmdPingServer,
	"send":        cmdSend,
	"kv-get":      cmdKVGet,
	"kv-set":      cmdKVSet,
	"fetch":       cmdFetch,
}

// dispatch runs one subprocess command. Unknown names and handler failures
// are reported to the terminal and logged; the room keeps running.
func (r *Room) dispatch(name, args string) {
	handler, ok := roomCommands[name]
	if !ok {
		r.sendToTerminal("\x1b[31mUnknown command: " + name + "\x1b[0m")
		r.log.Debug("unknown subprocess command", "name", name)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("subprocess command panicked", "name", name, "recover", rec)
		}
	}()
	if err := handler(args, r); err != nil {
		r.sendToTerminal("There was an error executing the command: " + name)
		r.log.Warn("subprocess command failed", "name", name, "err", err)
	}
}

func cmdDebugEcho(args string, r *Room) error {
	r.sendToTerminal(args)
	return nil
}

func cmdRoom(_ string, r *Room) error {
	r.sendToProcess("room", map[string]any{"empty": r.PlayerCount() == 0})
	return nil
}

func cmdPingServer(_ string, r *Room) error {
	r.sendToProcess("ping-server", "pong")
	return nil
}

// cmdSend routes a script's message to players, framed with the `^` sigil so
// the client forwards it into the project iframe. Recipient forms:
// a uid (unicast), "*" (broadcast), "!<uid>" (everyone except).
func cmdSend(args string, r *Room) error {
	recipient, message, ok := strings.Cut(args, " ")
	if !ok {
		return fmt.Errorf("send: want \"<recipient> <message>\", got %q", args)
	}
	recipient = strings.TrimPrefix(recipient, "@")

	switch {
	case recipient == "*":
		r.mu.Lock()
		players := append([]Player(nil), r.players...)
		r.mu.Unlock()
		for _, p := range players {
			p.Send("^" + message)
		}
	case strings.HasPrefix(recipient, "!"):
		except := recipient[1:]
		r.mu.Lock()
		players := append([]Player(nil), r.players...)
		r.mu.Unlock()
		for _, p := range players {
			if p.UID() != except {
				p.Send("^" + message)
			}
		}
	default:
		p := r.playerByUID(recipient)
		if p == nil {
			return fmt.Errorf("send: no player %q", recipient)
		}
		p.Send("^" + message)
	}
	return nil
}

func cmdKVGet(args string, r *Room) error {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return fmt.Errorf("kv-get: %w", err)
	}
	value, found, err := r.deps.KV.KVGet(r.Project, req.Key)
	if err != nil {
		return fmt.Errorf("kv-get %q: %w", req.Key, err)
	}
	r.sendToProcess("kv-get", map[string]any{"key": req.Key, "value": value, "found": found})
	return nil
}

func cmdKVSet(args string, r *Room) error {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return fmt.Errorf("kv-set: %w", err)
	}
	if err := r.deps.KV.KVSet(r.Project, req.Key, req.Value); err != nil {
		// Quota and size rejections go back to the script as data.
		r.sendToProcess("kv-set", map[string]any{"key": req.Key, "ok": false, "error": err.Error()})
		return nil
	}
	r.sendToProcess("kv-set", map[string]any{"key": req.Key, "ok": true})
	return nil
}

// cmdFetch performs an allow-listed outbound request asynchronously; the
// response is correlated back to the script by the caller-chosen id.
func cmdFetch(args string, r *Room) error {
	var req struct {
		ID     string   `json:"id"`
		Route  string   `json:"route"`
		Params []string `json:"params"`
	}
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		body, err := r.deps.Fetcher.Request(ctx, req.Route, req.Params)
		if !r.alive() {
			return
		}
		if err != nil {
			r.sendToProcess("fetch", map[string]any{"id": req.ID, "error": err.Error()})
			return
		}
		r.sendToProcess("fetch", map[string]any{"id": req.ID, "body": string(body)})
	}()
	return nil
}
