package peer

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/zeta-mv/link-relay/internal/enrich"
	"github.com/zeta-mv/link-relay/internal/room"
	"github.com/zeta-mv/link-relay/internal/storage"
)

const maxCustomUIDLen = 30

// globalCommands is the registry of client-originated commands. Handlers
// receive the raw argument string and the session; structured rejections go
// back as terminal notices, errors are logged at the dispatch boundary.
var globalCommands = map[string]func(args string, s *Session) error{
	"*":                    cmdActivityLog,
	"ping":                 cmdPing,
	"server-version":       cmdServerVersion,
	"shutdown":             cmdShutdown,
	"rooms":                cmdRooms,
	"join-game":            cmdJoinGame,
	"leave-game":           cmdLeaveGame,
	"get-guest-uid":        cmdGetGuestUID,
	"change-guest-uid":     cmdChangeGuestUID,
	"geo":                  cmdGeo,
	"geos":                 cmdGeos,
	"globe":                cmdGlobe,
	"randint":              cmdRandint,
	"date-now":             cmdDateNow,
	"profile-load":         cmdProfileLoad,
	"profile-save":         cmdProfileSave,
	"project-list":         cmdProjectList,
	"project-create":       cmdProjectCreate,
	"project-get-code":     cmdProjectGetCode,
	"project-save-client":  cmdProjectSaveClient,
	"project-save-and-run": cmdProjectSaveAndRun,
	"project-kill":         cmdProjectKill,
	"project-delete":       cmdProjectDelete,
	"project-update-info":  cmdProjectUpdateInfo,
}

// cmdActivityLog records unprefixed frames in the activity log.
func cmdActivityLog(args string, s *Session) error {
	if args == "" {
		return nil
	}
	return s.env.Store.AppendLog(s.UID(), args)
}

func cmdPing(_ string, s *Session) error {
	s.Send("pong")
	return nil
}

func cmdServerVersion(_ string, s *Session) error {
	s.Send(s.env.Version)
	return nil
}

// cmdShutdown stops the whole server after a short grace period. The
// password compare is constant-time; an empty configured password disables
// the command entirely.
func cmdShutdown(args string, s *Session) error {
	if s.env.ShutdownPassword == "" ||
		subtle.ConstantTimeCompare([]byte(args), []byte(s.env.ShutdownPassword)) != 1 {
		s.Send("shutdown - Wrong password")
		return nil
	}
	s.Send("shutdown - Shutting down in 1 second...")
	s.log.Warn("shutdown requested")
	if s.env.Shutdown != nil {
		time.AfterFunc(time.Second, s.env.Shutdown)
	}
	return nil
}

func cmdRooms(_ string, s *Session) error {
	raw, err := json.Marshal(s.env.Rooms.Repr())
	if err != nil {
		return err
	}
	s.Send("rooms " + string(raw))
	return nil
}

// cmdJoinGame puts the session into a public room of the project and hands
// it the project's client document.
func cmdJoinGame(args string, s *Session) error {
	if s.Room() != nil {
		s.notice("You are already in a game!")
		return nil
	}
	project := storage.SanitizeName(args)
	client, err := s.env.Store.Client(project)
	if err != nil {
		if errors.Is(err, storage.ErrProjectNotFound) {
			s.notice("No such project: " + project)
			return nil
		}
		return err
	}
	if err := s.env.Rooms.AddPlayer(s, project); err != nil {
		s.notice("Could not join " + project)
		return fmt.Errorf("join-game %s: %w", project, err)
	}
	s.Send("~joined")
	s.Send("set-iframe " + client)
	return nil
}

func cmdLeaveGame(_ string, s *Session) error {
	s.env.Rooms.RemovePlayer(s)
	return nil
}

func cmdGetGuestUID(_ string, s *Session) error {
	s.Send("set-uid " + s.UID())
	return nil
}

// cmdChangeGuestUID renames the session to "-<sanitized>-". The wrapper
// hyphens keep custom uids disjoint from generated guest ids.
func cmdChangeGuestUID(args string, s *Session) error {
	name := storage.SanitizeName(args)
	if len(name) > maxCustomUIDLen {
		name = name[:maxCustomUIDLen]
	}
	if name == "" {
		return fmt.Errorf("change-guest-uid: empty after sanitizing %q", args)
	}
	newUID := "-" + name + "-"
	if !s.env.Sessions.rename(s, newUID) {
		s.Send("set-uid-error Already taken")
		return nil
	}
	s.log.Info("uid changed", "new_uid", newUID)
	s.Send("set-uid " + newUID)
	return nil
}

func cmdGeo(_ string, s *Session) error {
	if s.remoteIP == "" {
		return fmt.Errorf("geo: no remote address for %s", s.UID())
	}
	ctx, cancel := s.geoContext()
	defer cancel()
	rec, err := s.env.Geo.Lookup(ctx, s.remoteIP)
	if err != nil {
		return fmt.Errorf("geo: %w", err)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.Send("geo " + string(raw))
	return nil
}

// lookupAll resolves every connected session's address; unresolvable
// sessions are skipped rather than failing the whole reply.
func (s *Session) lookupAll() []enrich.Record {
	ctx, cancel := s.geoContext()
	defer cancel()
	var recs []enrich.Record
	for _, other := range s.env.Sessions.Sessions() {
		if other.remoteIP == "" {
			continue
		}
		rec, err := s.env.Geo.Lookup(ctx, other.remoteIP)
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

func cmdGeos(_ string, s *Session) error {
	recs := s.lookupAll()
	raw, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	s.Send("geos " + string(raw))
	return nil
}

// cmdGlobe is cmdGeos reduced to coordinates, for the connected-players
// globe view.
func cmdGlobe(_ string, s *Session) error {
	locs := []string{}
	for _, rec := range s.lookupAll() {
		if rec.Loc != "" {
			locs = append(locs, rec.Loc)
		}
	}
	raw, err := json.Marshal(locs)
	if err != nil {
		return err
	}
	s.Send("globe " + string(raw))
	return nil
}

func cmdRandint(args string, s *Session) error {
	lo, hi := 0, 100
	fields := strings.Fields(args)
	if len(fields) >= 2 {
		var err error
		if lo, err = strconv.Atoi(fields[0]); err != nil {
			return fmt.Errorf("randint: %w", err)
		}
		if hi, err = strconv.Atoi(fields[1]); err != nil {
			return fmt.Errorf("randint: %w", err)
		}
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	s.Send("randint " + strconv.Itoa(lo+rand.Intn(hi-lo+1)))
	return nil
}

func cmdDateNow(_ string, s *Session) error {
	s.Send("date-now " + s.env.Clock.Now().UTC().Format(time.RFC3339))
	return nil
}

func cmdProfileLoad(_ string, s *Session) error {
	blob, found, err := s.env.Profiles.Profile(s.UID())
	if err != nil {
		return fmt.Errorf("profile-load: %w", err)
	}
	if !found {
		blob = "{}"
	}
	s.Send("profile " + blob)
	return nil
}

func cmdProfileSave(args string, s *Session) error {
	if err := s.env.Profiles.SetProfile(s.UID(), args); err != nil {
		return fmt.Errorf("profile-save: %w", err)
	}
	s.Send("profile-save-success")
	return nil
}

func cmdProjectList(_ string, s *Session) error {
	infos, err := s.env.Store.AllProjectInfo()
	if err != nil {
		return fmt.Errorf("project-list: %w", err)
	}
	raw, err := json.Marshal(infos)
	if err != nil {
		return err
	}
	s.Send("project-list " + string(raw))
	return nil
}

func cmdProjectCreate(args string, s *Session) error {
	var req storage.NewProject
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return fmt.Errorf("project-create: %w", err)
	}
	created, err := s.env.Store.CreateProject(req, s.UID(), s.env.Clock.Now())
	if err != nil {
		if errors.Is(err, storage.ErrProjectExists) {
			s.notice("A project with that name already exists!")
			return nil
		}
		return fmt.Errorf("project-create: %w", err)
	}
	s.Send("project-create-success " + created.Info.Name)
	return nil
}

func cmdProjectGetCode(args string, s *Session) error {
	project := storage.SanitizeName(args)
	client, err := s.env.Store.Client(project)
	if err != nil {
		return fmt.Errorf("project-get-code: %w", err)
	}
	server, err := s.env.Store.Server(project)
	if err != nil {
		return fmt.Errorf("project-get-code: %w", err)
	}
	raw, err := json.Marshal(map[string]string{
		"name":   project,
		"client": client,
		"server": server,
	})
	if err != nil {
		return err
	}
	s.Send("project-code " + string(raw))
	return nil
}

type projectSaveArgs struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

func cmdProjectSaveClient(args string, s *Session) error {
	var req projectSaveArgs
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return fmt.Errorf("project-save-client: %w", err)
	}
	if err := s.env.Store.SetClient(req.Name, req.Code, s.UID()); err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			s.notice("You do not own this project!")
			return nil
		}
		return fmt.Errorf("project-save-client: %w", err)
	}
	s.Send("project-save-client-success")
	return nil
}

// cmdProjectSaveAndRun persists the server code and (re)starts the
// project's maintenance room with this session watching the terminal. When
// the session already watches that room, the subprocess is replaced in
// place.
func cmdProjectSaveAndRun(args string, s *Session) error {
	var req projectSaveArgs
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return fmt.Errorf("project-save-and-run: %w", err)
	}
	if err := s.env.Store.SetServer(req.Name, req.Code, s.UID()); err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			s.notice("You do not own this project!")
			return nil
		}
		return fmt.Errorf("project-save-and-run: %w", err)
	}
	if _, err := s.env.Rooms.CreateRoom(storage.SanitizeName(req.Name), true, []room.Player{s}); err != nil {
		s.notice("Could not start the server process")
		return fmt.Errorf("project-save-and-run: %w", err)
	}
	return nil
}

func cmdProjectKill(args string, s *Session) error {
	project := storage.SanitizeName(args)
	ok, err := s.env.Store.CanWrite(project, s.UID())
	if err != nil {
		return fmt.Errorf("project-kill: %w", err)
	}
	if !ok {
		s.notice("You do not own this project!")
		return nil
	}
	s.env.Rooms.RemoveRooms(project)
	return nil
}

func cmdProjectDelete(args string, s *Session) error {
	project := storage.SanitizeName(args)
	if err := s.env.Store.DeleteProject(project, s.UID()); err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			s.notice("You do not own this project!")
			return nil
		}
		return fmt.Errorf("project-delete: %w", err)
	}
	s.env.Rooms.RemoveRooms(project)
	s.Send("project-delete-success")
	return nil
}

// cmdProjectUpdateInfo patches the mutable metadata fields; everything else
// in info.json is server-owned.
func cmdProjectUpdateInfo(args string, s *Session) error {
	var req struct {
		Name       string `json:"name"`
		Desc       string `json:"desc"`
		Version    string `json:"version"`
		MaxPlayers int    `json:"maxPlayers"`
	}
	if err := json.Unmarshal([]byte(args), &req); err != nil {
		return fmt.Errorf("project-update-info: %w", err)
	}
	project := storage.SanitizeName(req.Name)
	info, err := s.env.Store.ProjectInfo(project)
	if err != nil {
		return fmt.Errorf("project-update-info: %w", err)
	}
	if req.Desc != "" {
		info.Desc = req.Desc
	}
	if req.Version != "" {
		info.Version = req.Version
	}
	if req.MaxPlayers > 0 {
		info.MaxPlayers = req.MaxPlayers
	}
	if err := s.env.Store.SetProjectInfo(project, info, s.UID()); err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			s.notice("You do not own this project!")
			return nil
		}
		return fmt.Errorf("project-update-info: %w", err)
	}
	s.Send("project-update-info-success")
	return nil
}
