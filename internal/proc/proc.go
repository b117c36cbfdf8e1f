// Package proc spawns external scripts and probes process liveness.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"time"
)

// Stream names an output pipe of a child process.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Spec describes one invocation.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the parent environment.
	Env []string
	// Timeout is a hard ceiling; zero means none.
	Timeout time.Duration
	// OnOutput is called once per line, from the copying goroutines.
	OnOutput func(stream Stream, line string)
}

// Result is the outcome of a finished process. A spawn or wait failure is
// reported in Err, never returned separately.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Killed   bool
	Err      error
	Duration time.Duration
}

// Success reports a clean zero exit.
func (r Result) Success() bool {
	return r.Err == nil && !r.TimedOut && !r.Killed && r.ExitCode == 0
}

// Process is a running child.
type Process interface {
	PID() int
	// Wait blocks until the process exits; repeated calls return the same Result.
	Wait() Result
	// Kill force-terminates the process group.
	Kill() error
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// Prober checks whether a pid is still running.
type Prober interface {
	IsAlive(pid int) bool
}

// OSSpawner implements Spawner with os/exec. Each child gets its own process
// group so Kill reaches the whole tree.
type OSSpawner struct{}

func NewOSSpawner() *OSSpawner {
	return &OSSpawner{}
}

type osProcess struct {
	cmd      *osexec.Cmd
	started  time.Time
	done     chan struct{}
	result   Result
	mu       sync.Mutex
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	killed   bool
	timedOut bool
}

func (s *OSSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, errors.New("command is required")
	}
	cmd := osexec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureCommandProcess(cmd)
	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	outW := &lineWriter{p: p, stream: Stdout, buf: &p.stdout, cb: spec.OnOutput}
	errW := &lineWriter{p: p, stream: Stderr, buf: &p.stderr, cb: spec.OnOutput}
	cmd.Stdout = outW
	cmd.Stderr = errW
	// Detached grandchildren may keep the pipes open after the child exits.
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}
	p.started = time.Now()

	stop := make(chan struct{})
	go p.watch(ctx, spec.Timeout, stop)
	go func() {
		waitErr := cmd.Wait()
		close(stop)
		outW.flush()
		errW.flush()
		p.finish(waitErr)
	}()
	return p, nil
}

// lineWriter keeps the full output and hands complete lines to cb.
type lineWriter struct {
	p       *osProcess
	stream  Stream
	buf     *bytes.Buffer
	cb      func(Stream, string)
	partial []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	w.buf.Write(b)
	w.p.mu.Unlock()
	w.partial = append(w.partial, b...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(w.partial[:i]), "\r")
		w.partial = w.partial[i+1:]
		if w.cb != nil {
			w.cb(w.stream, line)
		}
	}
	return len(b), nil
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 && w.cb != nil {
		w.cb(w.stream, string(w.partial))
	}
	w.partial = nil
}

func (p *osProcess) watch(ctx context.Context, timeout time.Duration, stop <-chan struct{}) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-stop:
	case <-ctx.Done():
		p.mu.Lock()
		p.killed = true
		p.mu.Unlock()
		terminateCommandProcess(p.cmd)
	case <-expired:
		p.mu.Lock()
		p.timedOut = true
		p.mu.Unlock()
		terminateCommandProcess(p.cmd)
	}
}

func (p *osProcess) finish(waitErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := Result{
		ExitCode: -1,
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
		TimedOut: p.timedOut,
		Killed:   p.killed,
		Duration: time.Since(p.started),
	}
	if p.cmd.ProcessState != nil {
		res.ExitCode = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *osexec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, osexec.ErrWaitDelay) {
		res.Err = waitErr
	}
	p.result = res
	close(p.done)
}

func (p *osProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) Wait() Result {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *osProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	terminateCommandProcess(p.cmd)
	return nil
}

// OSProber probes the local process table.
type OSProber struct{}

func (OSProber) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return processAlive(pid)
}
