// Package storage holds project files, player profiles and the per-project
// key-value store. Projects live on the filesystem (one directory per
// project: client.html, server.js, info.json); profiles and key-value data
// live in a bbolt database.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	ErrProjectNotFound  = errors.New("storage: project not found")
	ErrProjectExists    = errors.New("storage: project already exists")
	ErrPermissionDenied = errors.New("storage: write permission denied")
)

const (
	clientFileName = "client.html"
	serverFileName = "server.js"
	infoFileName   = "info.json"

	maxProjectNameLen = 60
	maxDescLen        = 1000
	maxVersionLen     = 60
	logLineLimit      = 800
)

// ProjectInfo is the metadata stored in each project's info.json.
type ProjectInfo struct {
	Name       string `json:"name"`
	Desc       string `json:"desc"`
	Version    string `json:"version"`
	Owner      string `json:"owner"`
	IsTemplate bool   `json:"isTemplate"`
	BasedOn    string `json:"basedOn,omitempty"`
	Created    string `json:"created"`
	Views      int    `json:"views"`
	Ratings    [5]int `json:"ratings"`
	MaxPlayers int    `json:"maxPlayers,omitempty"`
}

// NewProject describes a project to create.
type NewProject struct {
	Name       string `json:"name"`
	Desc       string `json:"desc"`
	Version    string `json:"version"`
	IsTemplate bool   `json:"isTemplate"`
	// BasedOn names an existing project to copy as a template. When set, the
	// new project's files start as copies and the other fields are ignored.
	BasedOn string `json:"basedOn,omitempty"`
}

// CreatedProject is returned from CreateProject so callers can hand the
// fresh file contents straight back to the client.
type CreatedProject struct {
	Client string
	Server string
	Info   ProjectInfo
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// SanitizeName strips everything but word characters, digits, underscore and
// hyphen, and bounds the length. Project names always pass through here
// before touching the filesystem.
func SanitizeName(name string) string {
	s := unsafeNameChars.ReplaceAllString(name, "")
	if len(s) > maxProjectNameLen {
		s = s[:maxProjectNameLen]
	}
	return s
}

// Files is the filesystem-backed project store.
type Files struct {
	// Root is the storage root; projects live under Root/projects and the
	// activity log is Root/log.txt.
	Root string
}

func NewFiles(root string) (*Files, error) {
	if err := os.MkdirAll(filepath.Join(root, "projects"), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &Files{Root: root}, nil
}

func (f *Files) projectDir(name string) string {
	return filepath.Join(f.Root, "projects", SanitizeName(name))
}

// ProjectDir exposes the directory a sandboxed subprocess runs in.
func (f *Files) ProjectDir(name string) string {
	return f.projectDir(name)
}

func (f *Files) readProjectFile(project, file string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(f.projectDir(project), file))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrProjectNotFound, project)
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (f *Files) Client(project string) (string, error) {
	return f.readProjectFile(project, clientFileName)
}

func (f *Files) Server(project string) (string, error) {
	return f.readProjectFile(project, serverFileName)
}

func (f *Files) ProjectInfo(project string) (ProjectInfo, error) {
	raw, err := f.readProjectFile(project, infoFileName)
	if err != nil {
		return ProjectInfo{}, err
	}
	var info ProjectInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return ProjectInfo{}, fmt.Errorf("storage: decode info for %s: %w", project, err)
	}
	return info, nil
}

func (f *Files) AllProjectInfo() ([]ProjectInfo, error) {
	entries, err := os.ReadDir(filepath.Join(f.Root, "projects"))
	if err != nil {
		return nil, err
	}
	infos := make([]ProjectInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := f.ProjectInfo(e.Name())
		if err != nil {
			// A half-created or corrupt project must not hide the rest.
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// CanWrite reports whether writerUID may modify the project: the owner may,
// and an ownerless project is writable by anyone.
func (f *Files) CanWrite(project, writerUID string) (bool, error) {
	info, err := f.ProjectInfo(project)
	if err != nil {
		return false, err
	}
	return info.Owner == "" || info.Owner == writerUID, nil
}

func (f *Files) writeProjectFile(project, file, data, writerUID string) error {
	ok, err := f.CanWrite(project, writerUID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s may not write %s/%s", ErrPermissionDenied, writerUID, project, file)
	}
	return os.WriteFile(filepath.Join(f.projectDir(project), file), []byte(data), 0o644)
}

func (f *Files) SetClient(project, data, writerUID string) error {
	return f.writeProjectFile(project, clientFileName, data, writerUID)
}

func (f *Files) SetServer(project, data, writerUID string) error {
	return f.writeProjectFile(project, serverFileName, data, writerUID)
}

func (f *Files) SetProjectInfo(project string, info ProjectInfo, writerUID string) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return f.writeProjectFile(project, infoFileName, string(raw), writerUID)
}

// setProjectInfoUnchecked bypasses the permission check; used while the
// project is still being constructed and has no info.json yet.
func (f *Files) setProjectInfoUnchecked(project string, info ProjectInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.projectDir(project), infoFileName), raw, 0o644)
}

func trimTo(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func (f *Files) CreateProject(req NewProject, writerUID string, now time.Time) (*CreatedProject, error) {
	name := SanitizeName(req.Name)
	if name == "" {
		return nil, fmt.Errorf("storage: empty project name after sanitizing %q", req.Name)
	}
	dir := f.projectDir(name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	if req.BasedOn != "" {
		return f.createFromTemplate(name, req.BasedOn, writerUID, now)
	}

	desc := req.Desc
	if desc == "" {
		desc = "Blank description"
	}
	version := req.Version
	if version == "" {
		version = "1.0.0"
	}
	info := ProjectInfo{
		Name:       name,
		Desc:       trimTo(desc, maxDescLen),
		Version:    trimTo(version, maxVersionLen),
		Owner:      writerUID,
		IsTemplate: req.IsTemplate,
		Created:    now.UTC().Format(time.RFC3339),
	}
	client := defaultClient(name)
	server := defaultServer(name)

	if err := os.WriteFile(filepath.Join(dir, clientFileName), []byte(client), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, serverFileName), []byte(server), 0o644); err != nil {
		return nil, err
	}
	if err := f.setProjectInfoUnchecked(name, info); err != nil {
		return nil, err
	}
	return &CreatedProject{Client: client, Server: server, Info: info}, nil
}

func (f *Files) createFromTemplate(name, basedOn, writerUID string, now time.Time) (*CreatedProject, error) {
	oldInfo, err := f.ProjectInfo(basedOn)
	if err != nil {
		return nil, err
	}
	client, err := f.Client(basedOn)
	if err != nil {
		return nil, err
	}
	server, err := f.Server(basedOn)
	if err != nil {
		return nil, err
	}

	dir := f.projectDir(name)
	if err := os.WriteFile(filepath.Join(dir, clientFileName), []byte(client), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, serverFileName), []byte(server), 0o644); err != nil {
		return nil, err
	}

	info := oldInfo
	info.Name = name
	info.Owner = writerUID
	info.IsTemplate = false
	info.BasedOn = SanitizeName(basedOn)
	info.Created = now.UTC().Format(time.RFC3339)
	info.Views = 0
	info.Ratings = [5]int{}
	if err := f.setProjectInfoUnchecked(name, info); err != nil {
		return nil, err
	}
	return &CreatedProject{Client: client, Server: server, Info: info}, nil
}

func (f *Files) DeleteProject(project, writerUID string) error {
	ok, err := f.CanWrite(project, writerUID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s may not delete %s", ErrPermissionDenied, writerUID, project)
	}
	return os.RemoveAll(f.projectDir(project))
}

// AppendLog records one line of player activity, truncated to a bounded
// length so a hostile frame cannot balloon the log.
func (f *Files) AppendLog(uid, data string) error {
	line := uid + ":" + data
	if len(line) > logLineLimit {
		line = line[:logLineLimit]
	}
	line = strings.ReplaceAll(line, "\n", " ")
	file, err := os.OpenFile(filepath.Join(f.Root, "log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString(line + "\n")
	return err
}

func defaultClient(name string) string {
	return `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>` + name + `</title>
</head>
<body>
    <h1>` + name + `</h1>
    <p>This is your project's client page. It is stored server-side and can be edited from anywhere.</p>
    <p>To save, use the save button in the editor.</p>
</body>
</html>`
}

func defaultServer(string) string {
	return "console.log('Hello world!');"
}
