// Package process supervises external commands run in their own process group.
package process

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
	"git.home.luguber.info/inful/previewd/internal/logfields"
)

// DefaultGrace is how long Stop waits after SIGTERM before sending SIGKILL.
const DefaultGrace = 5 * time.Second

const stderrTailLines = 40

// Stream names passed to LineFunc.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// LineFunc receives each line a process writes.
type LineFunc func(stream, line string)

// Handle is a supervised server: an external process or an in-process server.
type Handle interface {
	PID() int
	Done() <-chan struct{}
	Exited() bool
	ExitErr() error
	Stop(grace time.Duration) error
	Kill() error
}

// Spec describes a command to run.
type Spec struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string // appended to the parent environment
	OnLine LineFunc
}

func (s Spec) String() string {
	return strings.TrimSpace(s.Name + " " + strings.Join(s.Args, " "))
}

// Process is a running external command.
type Process struct {
	spec Spec
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
	tail    []string
}

// Spawn starts spec in a new process group. The process outlives ctx; ctx only
// bounds the start itself. Use Stop or Kill to end it.
func Spawn(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Name, spec.Args...) //nolint:gosec // commands come from project strategies
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapError(err, errors.CategoryProcess, "failed to start command").
			WithContext("command", spec.String()).
			Build()
	}

	p := &Process{spec: spec, cmd: cmd, done: make(chan struct{})}
	slog.Debug("Process started", logfields.Command(spec.String()), logfields.PID(cmd.Process.Pid), logfields.Path(spec.Dir))

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(&readers, Stdout, stdout)
	go p.pump(&readers, Stderr, stderr)

	go func() {
		readers.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
		slog.Debug("Process exited", logfields.Command(spec.String()), logfields.PID(cmd.Process.Pid), logfields.Error(err))
	}()

	return p, nil
}

func (p *Process) pump(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if stream == Stderr {
			p.mu.Lock()
			p.tail = append(p.tail, line)
			if len(p.tail) > stderrTailLines {
				p.tail = p.tail[len(p.tail)-stderrTailLines:]
			}
			p.mu.Unlock()
		}
		if p.spec.OnLine != nil {
			p.spec.OnLine(stream, line)
		}
	}
	// Drain whatever the scanner gave up on so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// PID returns the process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error once exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// StderrTail returns the last lines written to stderr.
func (p *Process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.tail, "\n")
}

// Stop sends SIGTERM to the process group, waits up to grace, then sends SIGKILL.
func (p *Process) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if err := terminateGroup(p.cmd); err != nil && !p.Exited() {
		slog.Warn("SIGTERM failed, killing process", logfields.PID(p.PID()), logfields.Error(err))
		return p.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		slog.Warn("Process ignored SIGTERM, sending SIGKILL", logfields.PID(p.PID()), logfields.Command(p.spec.String()))
		return p.Kill()
	}
}

// Kill sends SIGKILL to the process group and waits for the exit.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := killGroup(p.cmd); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		// The group may already be gone while the exit is still being reaped.
		select {
		case <-p.done:
			return nil
		case <-time.After(500 * time.Millisecond):
		}
		return errors.WrapError(err, errors.CategoryProcess, "failed to kill process").
			WithContext("pid", p.PID()).Build()
	}
	<-p.done
	return nil
}

// Result is the outcome of Run.
type Result struct {
	ExitErr    error
	StderrTail string
	Duration   time.Duration
}

// Run executes spec to completion. Cancelling ctx stops the process group.
func Run(ctx context.Context, spec Spec) (Result, error) {
	start := time.Now()
	p, err := Spawn(ctx, spec)
	if err != nil {
		return Result{}, err
	}

	select {
	case <-p.Done():
	case <-ctx.Done():
		_ = p.Stop(2 * time.Second)
		return Result{ExitErr: p.ExitErr(), StderrTail: p.StderrTail(), Duration: time.Since(start)},
			errors.WrapError(ctx.Err(), errors.CategoryTimeout, "command did not finish in time").
				WithContext("command", spec.String()).
				Build()
	}

	res := Result{ExitErr: p.ExitErr(), StderrTail: p.StderrTail(), Duration: time.Since(start)}
	if res.ExitErr != nil {
		return res, errors.WrapError(res.ExitErr, errors.CategoryProcess, "command failed").
			WithContext("command", spec.String()).
			WithContext("stderr", res.StderrTail).
			Build()
	}
	return res, nil
}
