package peer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zeta-mv/link-relay/internal/enrich"
	"github.com/zeta-mv/link-relay/internal/metrics"
	"github.com/zeta-mv/link-relay/internal/room"
	"github.com/zeta-mv/link-relay/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []string
	closed    bool
	onMessage func(string)
	onClose   func()
}

func (t *fakeTransport) SendText(msg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("closed")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) OnMessage(fn func(string)) { t.onMessage = fn }
func (t *fakeTransport) OnClose(fn func())         { t.onClose = fn }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) deliver(msg string) { t.onMessage(msg) }

func (t *fakeTransport) received() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

func (t *fakeTransport) got(msg string) bool {
	for _, m := range t.received() {
		if m == msg {
			return true
		}
	}
	return false
}

func (t *fakeTransport) gotPrefix(prefix string) (string, bool) {
	for _, m := range t.received() {
		if strings.HasPrefix(m, prefix) {
			return m, true
		}
	}
	return "", false
}

type fakeRooms struct {
	mu       sync.Mutex
	joined   []string
	removed  int
	created  []string
	killed   []string
	snapshot room.Snapshot
	joinErr  error
}

func (f *fakeRooms) AddPlayer(p room.Player, project string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, project)
	return nil
}

func (f *fakeRooms) RemovePlayer(p room.Player) {
	f.mu.Lock()
	f.removed++
	f.mu.Unlock()
}

func (f *fakeRooms) CreateRoom(project string, maintenance bool, players []room.Player) (*room.Room, error) {
	f.mu.Lock()
	f.created = append(f.created, fmt.Sprintf("%s/%v", project, maintenance))
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeRooms) RemoveRooms(project string) {
	f.mu.Lock()
	f.killed = append(f.killed, project)
	f.mu.Unlock()
}

func (f *fakeRooms) Repr() room.Snapshot { return f.snapshot }

type fakeStore struct {
	mu      sync.Mutex
	clients map[string]string
	servers map[string]string
	infos   map[string]storage.ProjectInfo
	logged  []string
	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients: map[string]string{},
		servers: map[string]string{},
		infos:   map[string]storage.ProjectInfo{},
	}
}

func (f *fakeStore) Client(project string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[project]
	if !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrProjectNotFound, project)
	}
	return c, nil
}

func (f *fakeStore) Server(project string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[project]
	if !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrProjectNotFound, project)
	}
	return s, nil
}

func (f *fakeStore) ProjectInfo(project string) (storage.ProjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[project]
	if !ok {
		return storage.ProjectInfo{}, storage.ErrProjectNotFound
	}
	return info, nil
}

func (f *fakeStore) AllProjectInfo() ([]storage.ProjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ProjectInfo
	for _, info := range f.infos {
		out = append(out, info)
	}
	return out, nil
}

func (f *fakeStore) CanWrite(project, writerUID string) (bool, error) {
	info, err := f.ProjectInfo(project)
	if err != nil {
		return false, err
	}
	return info.Owner == "" || info.Owner == writerUID, nil
}

func (f *fakeStore) SetClient(project, data, writerUID string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	f.clients[project] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) SetServer(project, data, writerUID string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	f.servers[project] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) SetProjectInfo(project string, info storage.ProjectInfo, writerUID string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	f.infos[project] = info
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) CreateProject(req storage.NewProject, writerUID string, now time.Time) (*storage.CreatedProject, error) {
	name := storage.SanitizeName(req.Name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.infos[name]; ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrProjectExists, name)
	}
	info := storage.ProjectInfo{Name: name, Owner: writerUID}
	f.infos[name] = info
	f.clients[name] = "<html></html>"
	f.servers[name] = "console.log('hi');"
	return &storage.CreatedProject{Info: info}, nil
}

func (f *fakeStore) DeleteProject(project, writerUID string) error {
	ok, err := f.CanWrite(project, writerUID)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrPermissionDenied
	}
	f.mu.Lock()
	delete(f.infos, project)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) AppendLog(uid, data string) error {
	f.mu.Lock()
	f.logged = append(f.logged, uid+":"+data)
	f.mu.Unlock()
	return nil
}

type fakeProfiles struct {
	mu sync.Mutex
	m  map[string]string
}

func (f *fakeProfiles) Profile(uid string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.m[uid]
	return blob, ok, nil
}

func (f *fakeProfiles) SetProfile(uid, blob string) error {
	f.mu.Lock()
	if f.m == nil {
		f.m = map[string]string{}
	}
	f.m[uid] = blob
	f.mu.Unlock()
	return nil
}

type fakeGeo struct {
	records map[string]enrich.Record
}

func (f *fakeGeo) Lookup(ctx context.Context, ip string) (enrich.Record, error) {
	rec, ok := f.records[ip]
	if !ok {
		return enrich.Record{}, fmt.Errorf("no record for %s", ip)
	}
	return rec, nil
}

type peerRig struct {
	env      *Env
	clock    *fakeClock
	rooms    *fakeRooms
	store    *fakeStore
	profiles *fakeProfiles
	geo      *fakeGeo
	metrics  *metrics.Metrics
	shutdown chan struct{}
}

func newPeerRig(t *testing.T) *peerRig {
	t.Helper()
	rig := &peerRig{
		clock:    &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		rooms:    &fakeRooms{},
		store:    newFakeStore(),
		profiles: &fakeProfiles{},
		geo:      &fakeGeo{records: map[string]enrich.Record{}},
		metrics:  metrics.New(),
		shutdown: make(chan struct{}),
	}
	rig.env = &Env{
		Sessions:         NewRegistry(),
		Rooms:            rig.rooms,
		Store:            rig.store,
		Profiles:         rig.profiles,
		Geo:              rig.geo,
		Clock:            rig.clock,
		Metrics:          rig.metrics,
		Log:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:          "4.1",
		ShutdownPassword: "hunter2",
		Shutdown:         func() { close(rig.shutdown) },
	}
	return rig
}

func (rig *peerRig) connect() (*Session, *fakeTransport) {
	tr := &fakeTransport{}
	s := NewSession(rig.env, tr, "")
	return s, tr
}

func TestParseFrame(t *testing.T) {
	f := ParseFrame("^move 3 4")
	if f.Kind != FrameRoomPayload || f.Payload != "move 3 4" {
		t.Fatalf("frame = %+v", f)
	}
	f = ParseFrame("!send a b")
	if f.Kind != FrameCommand || f.Name != "send" || f.Args != "a b" {
		t.Fatalf("frame = %+v", f)
	}
	f = ParseFrame("!ping")
	if f.Kind != FrameCommand || f.Name != "ping" || f.Args != "" {
		t.Fatalf("frame = %+v", f)
	}
	f = ParseFrame("just text")
	if f.Kind != FrameWildcard || f.Args != "just text" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestSession_GuestUIDsAreSequential(t *testing.T) {
	rig := newPeerRig(t)
	a, _ := rig.connect()
	b, _ := rig.connect()
	if a.UID() != "guest-00001" || b.UID() != "guest-00002" {
		t.Fatalf("uids = %s, %s", a.UID(), b.UID())
	}
	if rig.env.Sessions.Count() != 2 {
		t.Fatalf("registry count = %d", rig.env.Sessions.Count())
	}
}

func TestSession_PingAndUnknownCommand(t *testing.T) {
	rig := newPeerRig(t)
	_, tr := rig.connect()

	tr.deliver("!ping")
	if !tr.got("pong") {
		t.Fatalf("no pong: %v", tr.received())
	}

	tr.deliver("!frobnicate x")
	if !tr.got("unknown-command frobnicate x") {
		t.Fatalf("missing unknown-command echo: %v", tr.received())
	}
	if rig.metrics.Get(metrics.CommandUnknown) != 1 {
		t.Fatalf("CommandUnknown = %d", rig.metrics.Get(metrics.CommandUnknown))
	}
}

func TestSession_RoomPayloadWithoutRoom(t *testing.T) {
	rig := newPeerRig(t)
	_, tr := rig.connect()

	tr.deliver("^hello")
	if msg, ok := tr.gotPrefix("~"); !ok || !strings.Contains(msg, "not in a project") {
		t.Fatalf("expected a terminal notice, got %v", tr.received())
	}
}

func TestSession_WildcardFramesAreLogged(t *testing.T) {
	rig := newPeerRig(t)
	_, tr := rig.connect()

	tr.deliver("clicked the red button")
	if len(rig.store.logged) != 1 || rig.store.logged[0] != "guest-00001:clicked the red button" {
		t.Fatalf("log = %v", rig.store.logged)
	}
}

func TestSession_ChangeGuestUID(t *testing.T) {
	rig := newPeerRig(t)
	a, trA := rig.connect()
	_, trB := rig.connect()

	trA.deliver("!change-guest-uid My Name!")
	if !trA.got("set-uid -MyName-") {
		t.Fatalf("rename reply missing: %v", trA.received())
	}
	if a.UID() != "-MyName-" {
		t.Fatalf("uid = %s", a.UID())
	}

	trB.deliver("!change-guest-uid MyName")
	if !trB.got("set-uid-error Already taken") {
		t.Fatalf("collision not rejected: %v", trB.received())
	}
}

func TestSession_ServerVersionAndRooms(t *testing.T) {
	rig := newPeerRig(t)
	rig.rooms.snapshot = room.Snapshot{NextRoomID: 7}
	_, tr := rig.connect()

	tr.deliver("!server-version")
	if !tr.got("4.1") {
		t.Fatalf("version reply missing: %v", tr.received())
	}

	tr.deliver("!rooms")
	if msg, ok := tr.gotPrefix("rooms "); !ok || !strings.Contains(msg, `"nextRoomId":7`) {
		t.Fatalf("rooms reply = %v", tr.received())
	}
}

func TestSession_ShutdownPassword(t *testing.T) {
	rig := newPeerRig(t)
	_, tr := rig.connect()

	tr.deliver("!shutdown wrong")
	if !tr.got("shutdown - Wrong password") {
		t.Fatalf("wrong password not rejected: %v", tr.received())
	}
	select {
	case <-rig.shutdown:
		t.Fatalf("shutdown fired on wrong password")
	default:
	}

	tr.deliver("!shutdown hunter2")
	if !tr.got("shutdown - Shutting down in 1 second...") {
		t.Fatalf("shutdown not acknowledged: %v", tr.received())
	}
	select {
	case <-rig.shutdown:
	case <-time.After(3 * time.Second):
		t.Fatalf("shutdown never fired")
	}
}

func TestSession_ShutdownDisabledWithoutPassword(t *testing.T) {
	rig := newPeerRig(t)
	rig.env.ShutdownPassword = ""
	_, tr := rig.connect()

	tr.deliver("!shutdown ")
	if !tr.got("shutdown - Wrong password") {
		t.Fatalf("empty configured password must disable shutdown: %v", tr.received())
	}
}

func TestSession_JoinGame(t *testing.T) {
	rig := newPeerRig(t)
	rig.store.clients["pong"] = "<html>pong</html>"
	_, tr := rig.connect()

	tr.deliver("!join-game pong")
	if !tr.got("~joined") {
		t.Fatalf("no joined notice: %v", tr.received())
	}
	if !tr.got("set-iframe <html>pong</html>") {
		t.Fatalf("client document not delivered: %v", tr.received())
	}
	if len(rig.rooms.joined) != 1 || rig.rooms.joined[0] != "pong" {
		t.Fatalf("joined = %v", rig.rooms.joined)
	}

	tr.deliver("!join-game ghost")
	if msg, ok := tr.gotPrefix("~\x1b[31m"); !ok || !strings.Contains(msg, "No such project") {
		t.Fatalf("unknown project not rejected: %v", tr.received())
	}
}

func TestSession_GeoUsesRemoteAddress(t *testing.T) {
	rig := newPeerRig(t)
	rig.geo.records["203.0.113.9"] = enrich.Record{IP: "203.0.113.9", Country: "NZ", Loc: "-41.3,174.8"}
	tr := &fakeTransport{}
	NewSession(rig.env, tr, "203.0.113.9")

	tr.deliver("!geo")
	if msg, ok := tr.gotPrefix("geo "); !ok || !strings.Contains(msg, `"country":"NZ"`) {
		t.Fatalf("geo reply = %v", tr.received())
	}

	tr.deliver("!globe")
	if msg, ok := tr.gotPrefix("globe "); !ok || !strings.Contains(msg, "-41.3,174.8") {
		t.Fatalf("globe reply = %v", tr.received())
	}
}

func TestSession_RandintAndDateNow(t *testing.T) {
	rig := newPeerRig(t)
	_, tr := rig.connect()

	tr.deliver("!randint 5 5")
	if !tr.got("randint 5") {
		t.Fatalf("degenerate range must return its only value: %v", tr.received())
	}

	tr.deliver("!date-now")
	if !tr.got("date-now 2024-03-01T12:00:00Z") {
		t.Fatalf("date reply = %v", tr.received())
	}
}

func TestSession_ProfileRoundTrip(t *testing.T) {
	rig := newPeerRig(t)
	_, tr := rig.connect()

	tr.deliver("!profile-load")
	if !tr.got("profile {}") {
		t.Fatalf("fresh profile should be empty: %v", tr.received())
	}

	tr.deliver(`!profile-save {"theme":"dark"}`)
	if !tr.got("profile-save-success") {
		t.Fatalf("save not acknowledged: %v", tr.received())
	}

	tr.deliver("!profile-load")
	if !tr.got(`profile {"theme":"dark"}`) {
		t.Fatalf("profile not persisted: %v", tr.received())
	}
}

func TestSession_ProjectLifecycle(t *testing.T) {
	rig := newPeerRig(t)
	_, tr := rig.connect()

	tr.deliver(`!project-create {"name":"pong"}`)
	if !tr.got("project-create-success pong") {
		t.Fatalf("create not acknowledged: %v", tr.received())
	}

	tr.deliver("!project-get-code pong")
	if msg, ok := tr.gotPrefix("project-code "); !ok || !strings.Contains(msg, "console.log") {
		t.Fatalf("code reply = %v", tr.received())
	}

	tr.deliver(`!project-save-and-run {"name":"pong","code":"while(true){}"}`)
	if len(rig.rooms.created) != 1 || rig.rooms.created[0] != "pong/true" {
		t.Fatalf("maintenance room not requested: %v", rig.rooms.created)
	}

	tr.deliver("!project-delete pong")
	if !tr.got("project-delete-success") {
		t.Fatalf("delete not acknowledged: %v", tr.received())
	}
}

func TestSession_SaveClientPermissionDenied(t *testing.T) {
	rig := newPeerRig(t)
	rig.store.saveErr = storage.ErrPermissionDenied
	_, tr := rig.connect()

	tr.deliver(`!project-save-client {"name":"pong","code":"<html></html>"}`)
	if msg, ok := tr.gotPrefix("~\x1b[31m"); !ok || !strings.Contains(msg, "do not own") {
		t.Fatalf("permission rejection missing: %v", tr.received())
	}
	if rig.metrics.Get(metrics.CommandFailed) != 0 {
		t.Fatalf("structured rejection must not count as a failure")
	}
}

func TestSession_FrameRateLimit(t *testing.T) {
	rig := newPeerRig(t)
	rig.env.FramesPerSecond = 2
	_, tr := rig.connect()

	for i := 0; i < 5; i++ {
		tr.deliver("!ping")
	}

	pongs := 0
	for _, m := range tr.received() {
		if m == "pong" {
			pongs++
		}
	}
	if pongs != 2 {
		t.Fatalf("pongs = %d, want 2", pongs)
	}
	if rig.metrics.Get(metrics.FrameRateLimited) != 3 {
		t.Fatalf("FrameRateLimited = %d", rig.metrics.Get(metrics.FrameRateLimited))
	}
}

func TestSession_DestroyDetachesEverything(t *testing.T) {
	rig := newPeerRig(t)
	s, tr := rig.connect()

	s.Destroy()
	s.Destroy()

	if rig.env.Sessions.Count() != 0 {
		t.Fatalf("registry count = %d", rig.env.Sessions.Count())
	}
	if rig.rooms.removed != 1 {
		t.Fatalf("RemovePlayer calls = %d", rig.rooms.removed)
	}
	if !tr.closed {
		t.Fatalf("transport left open")
	}

	before := len(tr.received())
	s.Send("late frame")
	if len(tr.received()) != before {
		t.Fatalf("Send after destroy must no-op")
	}
}
