package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestFiles(t *testing.T) *Files {
	t.Helper()
	f, err := NewFiles(t.TempDir())
	if err != nil {
		t.Fatalf("NewFiles: %v", err)
	}
	return f
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"my-game_2":        "my-game_2",
		"../../etc/passwd": "etcpasswd",
		"a b\tc":           "abc",
		"über":             "ber",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
	long := strings.Repeat("x", 200)
	if got := SanitizeName(long); len(got) != 60 {
		t.Errorf("long name not bounded: %d", len(got))
	}
}

func TestFiles_CreateAndReadProject(t *testing.T) {
	f := newTestFiles(t)

	created, err := f.CreateProject(NewProject{Name: "pong", Desc: "classic"}, "guest-00001", time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if created.Info.Owner != "guest-00001" {
		t.Fatalf("owner = %q", created.Info.Owner)
	}

	client, err := f.Client("pong")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if !strings.Contains(client, "<title>pong</title>") {
		t.Fatalf("client missing title:\n%s", client)
	}

	info, err := f.ProjectInfo("pong")
	if err != nil {
		t.Fatalf("ProjectInfo: %v", err)
	}
	if info.Desc != "classic" || info.Version != "1.0.0" {
		t.Fatalf("info = %+v", info)
	}

	if _, err := f.CreateProject(NewProject{Name: "pong"}, "guest-00002", time.Unix(1000, 0)); !errors.Is(err, ErrProjectExists) {
		t.Fatalf("duplicate create: %v", err)
	}
}

func TestFiles_CreateFromTemplate(t *testing.T) {
	f := newTestFiles(t)

	if _, err := f.CreateProject(NewProject{Name: "base", IsTemplate: true}, "", time.Unix(1000, 0)); err != nil {
		t.Fatalf("create template: %v", err)
	}
	if err := f.SetServer("base", "console.log('base');", "anyone"); err != nil {
		t.Fatalf("SetServer on ownerless: %v", err)
	}

	created, err := f.CreateProject(NewProject{Name: "fork", BasedOn: "base"}, "guest-00009", time.Unix(2000, 0))
	if err != nil {
		t.Fatalf("create fork: %v", err)
	}
	if created.Server != "console.log('base');" {
		t.Fatalf("fork server = %q", created.Server)
	}
	if created.Info.BasedOn != "base" || created.Info.IsTemplate {
		t.Fatalf("fork info = %+v", created.Info)
	}
	if created.Info.Owner != "guest-00009" {
		t.Fatalf("fork owner = %q", created.Info.Owner)
	}
}

func TestFiles_WritePermissions(t *testing.T) {
	f := newTestFiles(t)
	if _, err := f.CreateProject(NewProject{Name: "owned"}, "alice", time.Unix(0, 0)); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := f.SetClient("owned", "<html></html>", "mallory"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("non-owner write: %v", err)
	}
	if err := f.SetClient("owned", "<html></html>", "alice"); err != nil {
		t.Fatalf("owner write: %v", err)
	}
	if err := f.DeleteProject("owned", "mallory"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("non-owner delete: %v", err)
	}
	if err := f.DeleteProject("owned", "alice"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := f.ProjectInfo("owned"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("after delete: %v", err)
	}
}

func TestFiles_AllProjectInfoSkipsCorrupt(t *testing.T) {
	f := newTestFiles(t)
	if _, err := f.CreateProject(NewProject{Name: "good"}, "", time.Unix(0, 0)); err != nil {
		t.Fatalf("create: %v", err)
	}

	badDir := filepath.Join(f.Root, "projects", "bad")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "info.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	infos, err := f.AllProjectInfo()
	if err != nil {
		t.Fatalf("AllProjectInfo: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "good" {
		t.Fatalf("infos = %+v", infos)
	}
}

func TestFiles_AppendLogBounded(t *testing.T) {
	f := newTestFiles(t)
	if err := f.AppendLog("guest-00001", strings.Repeat("a", 2000)); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(f.Root, "log.txt"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSuffix(string(raw), "\n")
	if len(line) != 800 {
		t.Fatalf("log line length = %d", len(line))
	}
	if !strings.HasPrefix(line, "guest-00001:") {
		t.Fatalf("log line = %q", line[:30])
	}
}
