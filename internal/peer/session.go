package peer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zeta-mv/link-relay/internal/enrich"
	"github.com/zeta-mv/link-relay/internal/metrics"
	"github.com/zeta-mv/link-relay/internal/ratelimit"
	"github.com/zeta-mv/link-relay/internal/room"
	"github.com/zeta-mv/link-relay/internal/storage"
)

// Transport is the established data channel a session speaks over. The
// signaling layer's channel type satisfies it directly.
type Transport interface {
	SendText(msg string) error
	OnMessage(fn func(msg string))
	OnClose(fn func())
	Close() error
}

// Rooms is the session's view of the room manager.
type Rooms interface {
	AddPlayer(p room.Player, project string) error
	RemovePlayer(p room.Player)
	CreateRoom(project string, maintenance bool, players []room.Player) (*room.Room, error)
	RemoveRooms(project string)
	Repr() room.Snapshot
}

// Store is the project file store commands operate on.
type Store interface {
	Client(project string) (string, error)
	Server(project string) (string, error)
	ProjectInfo(project string) (storage.ProjectInfo, error)
	AllProjectInfo() ([]storage.ProjectInfo, error)
	CanWrite(project, writerUID string) (bool, error)
	SetClient(project, data, writerUID string) error
	SetServer(project, data, writerUID string) error
	SetProjectInfo(project string, info storage.ProjectInfo, writerUID string) error
	CreateProject(req storage.NewProject, writerUID string, now time.Time) (*storage.CreatedProject, error)
	DeleteProject(project, writerUID string) error
	AppendLog(uid, data string) error
}

// Profiles persists per-uid profile blobs.
type Profiles interface {
	Profile(uid string) (string, bool, error)
	SetProfile(uid, blob string) error
}

// Env bundles the collaborators every session shares.
type Env struct {
	Sessions *Registry
	Rooms    Rooms
	Store    Store
	Profiles Profiles
	Geo      enrich.Lookup
	Clock    ratelimit.Clock
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	Version          string
	ShutdownPassword string
	// Shutdown is invoked (once, delayed) by an authenticated shutdown
	// command.
	Shutdown func()
	// FramesPerSecond bounds inbound frames per session. 0 disables the
	// limit.
	FramesPerSecond int64
}

func (e *Env) withDefaults() *Env {
	if e.Clock == nil {
		e.Clock = ratelimit.RealClock{}
	}
	if e.Metrics == nil {
		e.Metrics = metrics.New()
	}
	if e.Log == nil {
		e.Log = slog.Default()
	}
	return e
}

// Session is one connected client. It implements room.Player; Send no-ops
// once the transport is gone, so rooms never have to care whether a player
// is still reachable.
type Session struct {
	env       *Env
	transport Transport
	remoteIP  string
	limiter   *ratelimit.TokenBucket
	log       *slog.Logger

	mu        sync.Mutex
	uid       string
	room      *room.Room
	destroyed bool
}

// NewSession registers the client, wires the transport callbacks and
// returns the live session. remoteIP may be empty when the offer carried no
// usable address.
func NewSession(env *Env, transport Transport, remoteIP string) *Session {
	env = env.withDefaults()
	s := &Session{
		env:       env,
		transport: transport,
		remoteIP:  remoteIP,
	}
	if env.FramesPerSecond > 0 {
		s.limiter = ratelimit.NewTokenBucket(env.Clock, env.FramesPerSecond, env.FramesPerSecond)
	}
	uid := env.Sessions.register(s)
	s.mu.Lock()
	s.uid = uid
	s.mu.Unlock()
	s.log = env.Log.With("uid", uid)

	transport.OnMessage(s.handleFrame)
	transport.OnClose(s.Destroy)
	s.log.Info("session registered", "remote_ip", remoteIP)
	return s
}

func (s *Session) UID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

func (s *Session) setUID(uid string) {
	s.mu.Lock()
	s.uid = uid
	s.mu.Unlock()
}

// Send delivers one frame to the client. After Destroy it is a no-op.
func (s *Session) Send(msg string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	tr := s.transport
	s.mu.Unlock()
	if err := tr.SendText(msg); err != nil {
		s.log.Debug("send failed", "err", err)
	}
}

func (s *Session) SetRoom(r *room.Room) {
	s.mu.Lock()
	s.room = r
	s.mu.Unlock()
}

func (s *Session) Room() *room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Destroy detaches the session from its room and the registry and closes
// the transport. Idempotent; also the transport's close callback.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	tr := s.transport
	s.mu.Unlock()

	s.env.Rooms.RemovePlayer(s)
	s.env.Sessions.remove(s)
	_ = tr.Close()
	s.log.Info("session destroyed")
}

func (s *Session) handleFrame(raw string) {
	if s.limiter != nil && !s.limiter.Allow(1) {
		s.env.Metrics.Inc(metrics.FrameRateLimited)
		return
	}

	f := ParseFrame(raw)
	switch f.Kind {
	case FrameRoomPayload:
		r := s.Room()
		if r == nil {
			s.notice("You are not in a project!")
			return
		}
		r.ForwardPlayerPayload(s.UID(), f.Payload)
	case FrameCommand:
		s.dispatch(f.Name, f.Args)
	case FrameWildcard:
		s.dispatch("*", f.Args)
	}
}

// dispatch runs one global command. Unknown names are echoed back; handler
// panics and errors are caught here so a bad frame never takes the session
// down.
func (s *Session) dispatch(name, args string) {
	handler, ok := globalCommands[name]
	if !ok {
		s.env.Metrics.Inc(metrics.CommandUnknown)
		reply := "unknown-command " + name
		if args != "" {
			reply += " " + args
		}
		s.Send(reply)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.env.Metrics.Inc(metrics.CommandFailed)
			s.log.Error("command panicked", "name", name, "recover", rec)
		}
	}()
	if err := handler(args, s); err != nil {
		s.env.Metrics.Inc(metrics.CommandFailed)
		s.log.Warn("command failed", "name", name, "err", err)
	}
}

// notice paints a red line on the client's terminal.
func (s *Session) notice(msg string) {
	s.Send("~\x1b[31m" + msg + "\x1b[0m\n")
}

func (s *Session) geoContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
