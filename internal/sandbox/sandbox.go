// Package sandbox runs a project's server script as an isolated subprocess
// speaking a line-oriented protocol over standard I/O.
package sandbox

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Events receives a process's output and exit, one callback per line. The
// callbacks run on the runner's reader goroutines.
type Events struct {
	Stdout func(line string)
	Stderr func(line string)
	Exit   func(code int)
}

// Process is one running sandboxed script.
type Process interface {
	// Send writes one protocol line to the process's stdin.
	Send(line string) error
	// Kill terminates the process. Exit still fires.
	Kill()
}

// Runner starts sandboxed processes. Tests substitute a fake.
type Runner interface {
	Start(projectDir string, ev Events) (Process, error)
}

// ExecRunner runs the configured interpreter command with the project's
// server script appended, e.g. "deno run --v8-flags=... <dir>/server.js".
type ExecRunner struct {
	// Command is the interpreter argv prefix, from configuration.
	Command []string
	Log     *slog.Logger
}

// ParseCommand splits a configured command string into argv form.
func ParseCommand(s string) []string {
	return strings.Fields(s)
}

func (r *ExecRunner) Start(projectDir string, ev Events) (Process, error) {
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("sandbox: empty interpreter command")
	}
	script := filepath.Join(projectDir, "server.js")
	args := append(append([]string(nil), r.Command[1:]...), script)
	cmd := exec.Command(r.Command[0], args...)
	cmd.Dir = projectDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start %s: %w", script, err)
	}

	p := &execProcess{cmd: cmd, stdin: stdin}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdout, ev.Stdout)
	}()
	go func() {
		defer readers.Done()
		scanLines(stderr, ev.Stderr)
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		if ev.Exit != nil {
			ev.Exit(code)
		}
	}()

	return p, nil
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if fn != nil {
			fn(sc.Text())
		}
	}
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	killed bool
}

func (p *execProcess) Send(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return fmt.Errorf("sandbox: process killed")
	}
	_, err := io.WriteString(p.stdin, line+"\n")
	return err
}

func (p *execProcess) Kill() {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
