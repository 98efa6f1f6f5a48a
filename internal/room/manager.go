package room

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeta-mv/link-relay/internal/metrics"
	"github.com/zeta-mv/link-relay/internal/ratelimit"
	"github.com/zeta-mv/link-relay/internal/sandbox"
)

// ErrRoomExists reports an attempt to exclusively create a public room for a
// project that already has one. Normal joins go through AddPlayer instead.
var ErrRoomExists = errors.New("room: public room already exists")

// Deps are the collaborators every room shares.
type Deps struct {
	Runner   sandbox.Runner
	Projects Projects
	KV       KV
	Fetcher  Fetcher
	Clock    ratelimit.Clock
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	// DefaultMaxPlayers caps public rooms whose project info omits a cap.
	// 0 means unlimited.
	DefaultMaxPlayers int
	// OutputCeiling is the subprocess output budget (bytes) per active
	// window; OutputQuietReset is the quiet period that resets the window.
	OutputCeiling    int
	OutputQuietReset time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = ratelimit.RealClock{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return d
}

// Manager owns every live room, keyed by project name.
type Manager struct {
	deps Deps

	mu     sync.Mutex
	rooms  []*Room
	nextID int
}

func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps.withDefaults()}
}

func (m *Manager) nextRoomID() string {
	id := fmt.Sprintf("room-%d", m.nextID)
	m.nextID++
	return id
}

// Rooms returns the project's rooms in creation order.
func (m *Manager) Rooms(project string) []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Room
	for _, r := range m.rooms {
		if r.Project == project {
			out = append(out, r)
		}
	}
	return out
}

// AddPlayer joins a session to the project, capacity-aware: the first public
// room with spare capacity wins, in creation order; when none qualifies a
// fresh public room is created.
func (m *Manager) AddPlayer(p Player, project string) error {
	m.mu.Lock()
	candidates := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		if r.Project == project && !r.Maintenance {
			candidates = append(candidates, r)
		}
	}
	m.mu.Unlock()

	for _, r := range candidates {
		if r.tryAddPlayer(p) {
			return nil
		}
	}

	m.mu.Lock()
	id := m.nextRoomID()
	m.mu.Unlock()

	r, err := newRoom(m, id, project, false, m.deps)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.rooms = append(m.rooms, r)
	m.mu.Unlock()
	r.AddPlayer(p)
	return nil
}

// CreateRoom provisions a room explicitly. A maintenance room is exclusive:
// every other room for the project is torn down first — except when the
// initiating player is already in this project's maintenance room, in which
// case its subprocess is replaced in place (save-and-re-run) without
// changing room identity.
//
// A public room created here is exclusive too: if the project already has a
// public room this fails with ErrRoomExists; capacity-aware joins must use
// AddPlayer.
func (m *Manager) CreateRoom(project string, maintenance bool, players []Player) (*Room, error) {
	if maintenance {
		if len(players) == 1 {
			if cur := players[0].Room(); cur != nil && cur.Maintenance && cur.Project == project {
				if err := cur.Restart(); err != nil {
					return nil, err
				}
				return cur, nil
			}
		}
		m.RemoveRooms(project)
	} else {
		m.mu.Lock()
		for _, r := range m.rooms {
			if r.Project == project && !r.Maintenance {
				m.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrRoomExists, project)
			}
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	id := m.nextRoomID()
	m.mu.Unlock()

	r, err := newRoom(m, id, project, maintenance, m.deps)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.rooms = append(m.rooms, r)
	m.mu.Unlock()

	for _, p := range players {
		r.AddPlayer(p)
	}
	return r, nil
}

// RemoveRooms tears down every room for the project.
func (m *Manager) RemoveRooms(project string) {
	for _, r := range m.Rooms(project) {
		r.RemoveAllPlayers()
		// An empty room never got its teardown via player removal.
		r.teardown()
	}
}

// RemovePlayer detaches a session from whatever room it is in.
func (m *Manager) RemovePlayer(p Player) {
	if r := p.Room(); r != nil {
		r.RemovePlayer(p)
	}
}

// remove deregisters a room; called from Room.teardown.
func (m *Manager) remove(room *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rooms {
		if r == room {
			m.rooms = append(m.rooms[:i], m.rooms[i+1:]...)
			return
		}
	}
}

// Snapshot is the JSON-facing state of the manager.
type Snapshot struct {
	Rooms      []Info `json:"rooms"`
	NextRoomID int    `json:"nextRoomId"`
}

func (m *Manager) Repr() Snapshot {
	m.mu.Lock()
	rooms := append([]*Room(nil), m.rooms...)
	next := m.nextID
	m.mu.Unlock()

	infos := make([]Info, len(rooms))
	for i, r := range rooms {
		infos[i] = r.Repr()
	}
	return Snapshot{Rooms: infos, NextRoomID: next}
}
