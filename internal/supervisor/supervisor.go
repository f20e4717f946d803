// Package supervisor spawns black-box child processes and tracks their
// output and exit.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ExitStatus is delivered exactly once when the child exits. Code is the
// process exit code, or -1 when the OS gave us no code (killed by signal,
// wait failure, broken pipe).
type ExitStatus struct {
	Code int
	Err  error
}

// Process is a handle to one running child.
type Process struct {
	cmd    *exec.Cmd
	lines  chan string
	done   chan ExitStatus
	exited chan struct{}
}

// maxLineBytes bounds a single decoded log line.
const maxLineBytes = 256 * 1024

// Spawn starts the executable with the given argument vector. No shell is
// involved. stdout and stderr share one pipe and are decoded into lines.
func Spawn(name string, argv []string) (*Process, error) {
	cmd := exec.Command(name, argv...)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	// The child holds its own copy of the write end; drop ours so the
	// reader sees EOF when the child exits.
	pw.Close()

	p := &Process{
		cmd:    cmd,
		lines:  make(chan string, 64),
		done:   make(chan ExitStatus, 1),
		exited: make(chan struct{}),
	}
	go p.readLines(pr)
	go p.wait()
	return p, nil
}

// Lines returns the decoded output stream. The channel is closed when the
// stream ends; a trailing fragment without a newline is flushed as a final
// line.
func (p *Process) Lines() <-chan string { return p.lines }

// Done returns the exit notification channel. Exactly one value is sent.
func (p *Process) Done() <-chan ExitStatus { return p.done }

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Alive reports whether the child has not yet been reaped.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Terminate requests graceful termination and escalates to a forceful
// kill after the grace window. It is a no-op once the child has exited
// and is safe to call repeatedly.
func (p *Process) Terminate(grace time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		_ = p.cmd.Process.Kill()
	}
}

func (p *Process) readLines(r *os.File) {
	defer r.Close()
	defer close(p.lines)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		p.lines <- sc.Text()
	}
	// A scan error means the pipe broke; the child is gone or going, and
	// wait() will surface the exit either way.
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	close(p.exited)

	code := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	} else {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.done <- ExitStatus{Code: code, Err: err}
}
