// Package room runs live project instances: each Room owns one sandboxed
// subprocess, a player set, and the command surface the subprocess speaks
// over standard I/O.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeta-mv/link-relay/internal/metrics"
	"github.com/zeta-mv/link-relay/internal/sandbox"
	"github.com/zeta-mv/link-relay/internal/storage"
)

// Player is a room's view of a connected session. Send must be safe to call
// after the underlying transport is gone (it no-ops).
type Player interface {
	UID() string
	Send(msg string)
	SetRoom(r *Room)
	Room() *Room
}

// KV is the bounded per-project key-value store scripts read and write.
type KV interface {
	KVGet(project, key string) (string, bool, error)
	KVSet(project, key, value string) error
}

// Fetcher performs allow-listed outbound requests for scripts.
type Fetcher interface {
	Request(ctx context.Context, route string, params []string) ([]byte, error)
}

// Projects resolves project metadata and the directory a subprocess runs in.
type Projects interface {
	ProjectInfo(name string) (storage.ProjectInfo, error)
	ProjectDir(name string) string
}

type roomState int

const (
	roomStarting roomState = iota
	roomLive
	roomTearingDown
)

// Room is one live instance of a project.
type Room struct {
	ID          string
	Project     string
	Maintenance bool

	manager *Manager
	deps    Deps
	log     *slog.Logger

	mu         sync.Mutex
	state      roomState
	players    []Player
	maxPlayers int // 0 = unlimited
	proc       sandbox.Process
	// gen identifies the current subprocess; callbacks from an older,
	// replaced process are ignored.
	gen int

	outputBytes int
	lastOutput  time.Time
}

func newRoom(manager *Manager, id, project string, maintenance bool, deps Deps) (*Room, error) {
	maxPlayers := deps.DefaultMaxPlayers
	info, err := deps.Projects.ProjectInfo(project)
	if err != nil {
		return nil, fmt.Errorf("room: %s: %w", project, err)
	}
	if info.MaxPlayers > 0 {
		maxPlayers = info.MaxPlayers
	}

	r := &Room{
		ID:          id,
		Project:     project,
		Maintenance: maintenance,
		manager:     manager,
		deps:        deps,
		log:         deps.Log.With("room", id, "project", project),
		maxPlayers:  maxPlayers,
	}
	if err := r.startProcess(); err != nil {
		return nil, err
	}
	r.deps.Metrics.Inc(metrics.RoomCreated)
	r.log.Info("room created", "maintenance", maintenance, "max_players", maxPlayers)
	return r, nil
}

// startProcess spawns the project's subprocess and wires its streams. Caller
// must not hold r.mu.
func (r *Room) startProcess() error {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.state = roomStarting
	r.outputBytes = 0
	r.lastOutput = r.deps.Clock.Now()
	r.mu.Unlock()

	proc, err := r.deps.Runner.Start(r.deps.Projects.ProjectDir(r.Project), sandbox.Events{
		Stdout: func(line string) { r.onStdout(gen, line) },
		Stderr: func(line string) { r.onStderr(gen, line) },
		Exit:   func(code int) { r.onExit(gen, code) },
	})
	if err != nil {
		return fmt.Errorf("room: start subprocess for %s: %w", r.Project, err)
	}

	r.mu.Lock()
	r.proc = proc
	r.mu.Unlock()
	return nil
}

// Restart replaces the subprocess while keeping room identity and players:
// the maintenance save-and-re-run path.
func (r *Room) Restart() error {
	r.mu.Lock()
	proc := r.proc
	r.proc = nil
	r.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
	return r.startProcess()
}

func (r *Room) currentGen(gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen == r.gen && r.state != roomTearingDown
}

func (r *Room) alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != roomTearingDown
}

func (r *Room) onStdout(gen int, line string) {
	if !r.currentGen(gen) {
		return
	}
	r.markLive()
	if r.recordOutput(len(line)) {
		return
	}

	msg := ParseOutput(line)
	switch msg.Kind {
	case OutputDebug:
		if msg.Args == "" {
			return
		}
		r.sendToTerminal(msg.Args)
	case OutputCommand:
		r.dispatch(msg.Name, msg.Args)
	}
}

func (r *Room) onStderr(gen int, line string) {
	if !r.currentGen(gen) {
		return
	}
	r.markLive()
	if r.recordOutput(len(line)) {
		return
	}
	// Scripts only see their own stderr while their author is watching.
	r.sendToTerminal(line)
}

func (r *Room) onExit(gen int, code int) {
	if !r.currentGen(gen) {
		return
	}
	r.log.Info("subprocess exited", "code", code)
	if r.Maintenance {
		if p := r.firstPlayer(); p != nil {
			p.Send(fmt.Sprintf("~Process finished with exit code %d\n", code))
			p.Send(fmt.Sprintf("deno-terminal-end %d", code))
		}
	}
	r.RemoveAllPlayers()
}

func (r *Room) markLive() {
	r.mu.Lock()
	if r.state == roomStarting {
		r.state = roomLive
	}
	r.mu.Unlock()
}

// recordOutput accounts one line against the sliding output window and
// reports whether the circuit breaker tripped. The window resets after a
// quiet period; a runaway script that keeps the window active until the
// ceiling is hit takes its whole room down.
func (r *Room) recordOutput(n int) bool {
	r.mu.Lock()
	now := r.deps.Clock.Now()
	if now.Sub(r.lastOutput) > r.deps.OutputQuietReset {
		r.outputBytes = 0
	}
	r.lastOutput = now
	r.outputBytes += n
	bytes := r.outputBytes
	tripped := bytes > r.deps.OutputCeiling
	players := append([]Player(nil), r.players...)
	r.mu.Unlock()

	if !tripped {
		return false
	}

	r.deps.Metrics.Inc(metrics.RoomOutputTripped)
	r.log.Warn("subprocess output ceiling exceeded; tearing room down", "bytes", bytes)
	for _, p := range players {
		p.Send("alert Internal error: server process is spamming the terminal. Shutting down.")
	}
	r.sendToTerminal("\x1b[31mServer process killed due to excessive output\x1b[0m")
	r.RemoveAllPlayers()
	return true
}

// sendToProcess writes a room-originated event to the subprocess:
// "server " + {"command":..., "response":...}.
func (r *Room) sendToProcess(command string, response any) {
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()
	if proc == nil {
		return
	}
	raw, err := json.Marshal(map[string]any{"command": command, "response": response})
	if err != nil {
		r.log.Error("encode subprocess event", "command", command, "err", err)
		return
	}
	if err := proc.Send("server " + string(raw)); err != nil {
		r.log.Debug("subprocess write failed", "command", command, "err", err)
	}
}

// ForwardPlayerPayload delivers a player's opaque frame to the subprocess:
// "<uid> <payload>".
func (r *Room) ForwardPlayerPayload(uid, payload string) {
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Send(uid + " " + payload); err != nil {
		r.log.Debug("subprocess write failed", "uid", uid, "err", err)
	}
}

// sendToTerminal echoes a debug line to the author's terminal. Only
// maintenance rooms have a watching author; public rooms drop it.
func (r *Room) sendToTerminal(message string) {
	if !r.Maintenance {
		return
	}
	if p := r.firstPlayer(); p != nil {
		p.Send("~" + message + "\n")
	}
}

func (r *Room) firstPlayer() Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.players) == 0 {
		return nil
	}
	return r.players[0]
}

// AddPlayer joins a session to the room and announces it to the subprocess.
func (r *Room) AddPlayer(p Player) {
	r.mu.Lock()
	p.SetRoom(r)
	r.players = append(r.players, p)
	r.mu.Unlock()
	r.sendToProcess("player-join", p.UID())
}

// tryAddPlayer joins only if capacity allows, atomically with the check.
func (r *Room) tryAddPlayer(p Player) bool {
	r.mu.Lock()
	if r.state == roomTearingDown || (r.maxPlayers > 0 && len(r.players) >= r.maxPlayers) {
		r.mu.Unlock()
		return false
	}
	p.SetRoom(r)
	r.players = append(r.players, p)
	r.mu.Unlock()
	r.sendToProcess("player-join", p.UID())
	return true
}

// RemovePlayer detaches a session. Removing the last player kills the
// subprocess and deregisters the room: a room lives exactly as long as it
// has players.
func (r *Room) RemovePlayer(p Player) {
	r.mu.Lock()
	idx := -1
	for i, q := range r.players {
		if q == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	r.players = append(r.players[:idx], r.players[idx+1:]...)
	empty := len(r.players) == 0
	r.mu.Unlock()

	p.Send("leave-room")
	r.sendToProcess("player-leave", p.UID())
	p.SetRoom(nil)

	if empty {
		if r.Maintenance {
			p.Send("deno-terminal-end 1")
		}
		r.teardown()
	}
}

func (r *Room) RemoveAllPlayers() {
	r.mu.Lock()
	players := append([]Player(nil), r.players...)
	r.mu.Unlock()
	for _, p := range players {
		r.RemovePlayer(p)
	}
}

// teardown kills the subprocess and removes the room from its manager.
// Idempotent.
func (r *Room) teardown() {
	r.mu.Lock()
	if r.state == roomTearingDown {
		r.mu.Unlock()
		return
	}
	r.state = roomTearingDown
	r.gen++ // silence callbacks from the dying process
	proc := r.proc
	r.proc = nil
	r.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	r.manager.remove(r)
	r.deps.Metrics.Inc(metrics.RoomTornDown)
	r.log.Info("room torn down")
}

// PlayerCount reports current membership.
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// HasCapacity reports whether another player fits.
func (r *Room) HasCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxPlayers == 0 || len(r.players) < r.maxPlayers
}

func (r *Room) playerByUID(uid string) Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players {
		if p.UID() == uid {
			return p
		}
	}
	return nil
}

// Info is the JSON-facing description of a room.
type Info struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Maintenance bool     `json:"isMaintenance"`
	Players     []string `json:"players"`
	MaxPlayers  int      `json:"maxPlayers"`
}

func (r *Room) Repr() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	uids := make([]string, len(r.players))
	for i, p := range r.players {
		uids[i] = p.UID()
	}
	return Info{
		ID:          r.ID,
		Name:        r.Project,
		Maintenance: r.Maintenance,
		Players:     uids,
		MaxPlayers:  r.maxPlayers,
	}
}
