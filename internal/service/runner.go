package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Rutomatrix/scriptd/internal/model"

	"golang.org/x/sys/unix"
)

type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil inherits the environment of scriptd
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	ExitCode int
	Err      error
}

// Process is one spawned child running in its own process group. Stdout and
// stderr of the child share a single pipe, so Output yields bytes in the
// order the child wrote them.
type Process struct {
	cmd    *exec.Cmd
	output *os.File

	done     chan struct{}
	termOnce sync.Once

	mx     sync.RWMutex
	result Result
}

// Start spawns the command. Errors wrap model.ErrProcessSpawnFailed. The
// returned process is always reaped by an internal goroutine, the caller
// must drain or close Output.
func Start(ctx context.Context, proto Command) (*Process, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: creating pipe: %w", model.ErrProcessSpawnFailed, err)
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	cmd.Env = proto.Env
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Process{
		cmd:    cmd,
		output: pr,
		done:   make(chan struct{}),
		result: Result{
			Path: proto.Path,
			Args: append([]string(nil), proto.Args...),
		},
	}

	p.result.Started = time.Now().UTC()
	err = cmd.Start()
	// the child owns its copy of the write end now, so EOF on the read end
	// means every process holding it has exited
	_ = pw.Close()
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("%w: %s: %w", model.ErrProcessSpawnFailed, proto.Path, err)
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid)

	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	stopped := time.Now().UTC()

	p.mx.Lock()
	p.result.Stopped = stopped
	p.result.State = p.cmd.ProcessState
	p.result.ExitCode = exitCodeFrom(err, p.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.result.Err = err
	}
	p.mx.Unlock()
	close(p.done)
}

// PID of the child, which is also its process group id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Output is the combined stdout and stderr. It reaches EOF once the child and
// everything it spawned closed the pipe.
func (p *Process) Output() io.ReadCloser {
	return p.output
}

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the child is reaped and returns its result.
func (p *Process) Wait() Result {
	<-p.done
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.result
}

// Terminate sends SIGTERM to the process group, and SIGKILL once the grace
// period passes. The group is signalled even when the child already exited,
// background descendants may still hold the output pipe. It returns after
// the child was reaped and closes Output. Calling it again is a no-op.
func (p *Process) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		pgid := p.PID()
		signalGroup(pgid, unix.SIGTERM)

		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-p.done:
			waitGroup(pgid, t.C)
		case <-t.C:
			slog.Debug("grace period expired", "pid", pgid, "grace", grace.String())
		}
		// also catches children which outlived the group leader
		signalGroup(pgid, unix.SIGKILL)
		<-p.done
		_ = p.output.Close()
	})
	<-p.done
}

// waitGroup polls until no member of the group is left or expired fires.
func waitGroup(pgid int, expired <-chan time.Time) {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for groupAlive(pgid) {
		select {
		case <-expired:
			return
		case <-tick.C:
		}
	}
}

func groupAlive(pgid int) bool {
	return !errors.Is(unix.Kill(-pgid, 0), unix.ESRCH)
}

func signalGroup(pgid int, sig unix.Signal) {
	err := unix.Kill(-pgid, sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		slog.Warn("signalling process group", "pgid", pgid, "signal", sig.String(), "error", err)
	}
}

// exitCodeFrom follows the shell convention 128+N for a child killed by
// signal N.
func exitCodeFrom(waitErr error, state *os.ProcessState) int {
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return state.ExitCode()
	}
	if waitErr == nil {
		return 0
	}
	return -1
}
