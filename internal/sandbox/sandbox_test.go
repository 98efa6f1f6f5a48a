package sandbox

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	got := ParseCommand("deno run --v8-flags=--max-old-space-size=256")
	want := []string{"deno", "run", "--v8-flags=--max-old-space-size=256"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseCommand = %v", got)
	}
	if got := ParseCommand("  node  "); !reflect.DeepEqual(got, []string{"node"}) {
		t.Fatalf("ParseCommand = %v", got)
	}
}

type eventSink struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
	exited chan int
}

func newEventSink() *eventSink {
	return &eventSink{exited: make(chan int, 1)}
}

func (s *eventSink) events() Events {
	return Events{
		Stdout: func(line string) {
			s.mu.Lock()
			s.stdout = append(s.stdout, line)
			s.mu.Unlock()
		},
		Stderr: func(line string) {
			s.mu.Lock()
			s.stderr = append(s.stderr, line)
			s.mu.Unlock()
		},
		Exit: func(code int) { s.exited <- code },
	}
}

func (s *eventSink) waitExit(t *testing.T) int {
	t.Helper()
	select {
	case code := <-s.exited:
		return code
	case <-time.After(5 * time.Second):
		t.Fatalf("process never exited")
		return 0
	}
}

func TestExecRunner_StdoutAndExit(t *testing.T) {
	sink := newEventSink()
	r := &ExecRunner{Command: []string{"sh", "-c", "echo hello; echo oops >&2"}}

	_, err := r.Start(t.TempDir(), sink.events())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if code := sink.waitExit(t); code != 0 {
		t.Fatalf("exit code = %d", code)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.stdout) != 1 || sink.stdout[0] != "hello" {
		t.Fatalf("stdout = %v", sink.stdout)
	}
	if len(sink.stderr) != 1 || sink.stderr[0] != "oops" {
		t.Fatalf("stderr = %v", sink.stderr)
	}
}

func TestExecRunner_ExitCodePropagates(t *testing.T) {
	sink := newEventSink()
	r := &ExecRunner{Command: []string{"sh", "-c", "exit 3"}}

	if _, err := r.Start(t.TempDir(), sink.events()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if code := sink.waitExit(t); code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestExecRunner_KillFiresExit(t *testing.T) {
	sink := newEventSink()
	r := &ExecRunner{Command: []string{"sh", "-c", "sleep 30"}}

	p, err := r.Start(t.TempDir(), sink.events())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Kill()
	p.Kill()
	sink.waitExit(t)

	if err := p.Send("!ping"); err == nil {
		t.Fatalf("Send after Kill must fail")
	}
}

func TestExecRunner_SendReachesStdin(t *testing.T) {
	sink := newEventSink()
	r := &ExecRunner{Command: []string{"sh", "-c", "read line; echo got:$line"}}

	p, err := r.Start(t.TempDir(), sink.events())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Send("server ping"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sink.waitExit(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.stdout) != 1 || sink.stdout[0] != "got:server ping" {
		t.Fatalf("stdout = %v", sink.stdout)
	}
}

func TestExecRunner_EmptyCommandRejected(t *testing.T) {
	r := &ExecRunner{}
	if _, err := r.Start(t.TempDir(), Events{}); err == nil {
		t.Fatalf("expected error for empty command")
	}
}
