package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Rutomatrix/scriptd/internal/log"
	"github.com/Rutomatrix/scriptd/internal/model"
)

// Options tune how scripts are started.
type Options struct {
	// Interpreter, when set, runs scripts as `Interpreter path args...`.
	Interpreter string
	// LineBuffer is the read buffer of a LineStreamer and the longest line
	// delivered in one piece.
	LineBuffer int
	// Lines is the capacity of the channel between the streamer and the
	// consumer.
	Lines int
	Env   []string
}

func OptionsFromConfig(cfg model.Scripts) Options {
	return Options{
		Interpreter: cfg.Interpreter,
		LineBuffer:  cfg.LineBuffer,
	}
}

// Executor runs scripts of a catalog, one active run per script.
type Executor struct {
	catalog  *ScriptCatalog
	registry *RunRegistry
	opts     Options
}

func NewExecutor(catalog *ScriptCatalog, registry *RunRegistry, opts Options) *Executor {
	if opts.LineBuffer <= 0 {
		opts.LineBuffer = DefaultLineBuffer
	}
	if opts.Lines <= 0 {
		opts.Lines = 16
	}
	return &Executor{
		catalog:  catalog,
		registry: registry,
		opts:     opts,
	}
}

func (e *Executor) Catalog() *ScriptCatalog {
	return e.catalog
}

// Execution is a live run. The consumer reads Lines until the channel is
// closed and then calls Wait. A consumer which stops reading must cancel
// the context passed to Run, otherwise the run never completes.
type Execution struct {
	ticket *Ticket
	proc   *Process
	lines  chan model.Line
	done   chan struct{}
	status model.RunStatus
}

// Run resolves, admits and starts the script. Errors wrap
// model.ErrNotFound, model.ErrNotExecutable, model.ErrAlreadyRunning or
// model.ErrProcessSpawnFailed, in which case no run is active. Cancelling
// ctx terminates the child and completes the run as Cancelled.
func (e *Executor) Run(ctx context.Context, name string, args []string) (*Execution, error) {
	script, err := e.catalog.Resolve(name)
	if err != nil {
		return nil, err
	}

	ticket, err := e.registry.TryAdmit(name, args)
	if err != nil {
		return nil, err
	}
	ctx = log.ContextAttrs(ctx,
		slog.String("run_id", ticket.ID()),
		slog.String("script", name),
	)

	cmd := Command{
		Path: script.Path,
		Args: args,
		Dir:  e.catalog.Dir(),
		Env:  e.opts.Env,
	}
	if e.opts.Interpreter != "" {
		cmd.Path = e.opts.Interpreter
		cmd.Args = append([]string{script.Path}, args...)
	}

	proc, err := Start(ctx, cmd)
	if err != nil {
		e.registry.Complete(ticket, model.RunFailed, nil)
		slog.ErrorContext(ctx, "run failed to start", "error", err)
		return nil, err
	}
	slog.InfoContext(ctx, "run started", "pid", proc.PID(), "args", args)

	ex := &Execution{
		ticket: ticket,
		proc:   proc,
		lines:  make(chan model.Line, e.opts.Lines),
		done:   make(chan struct{}),
	}
	ticket.Attach(proc)
	stop := context.AfterFunc(ctx, ticket.Cancel)
	go e.pump(ctx, ex, stop)
	return ex, nil
}

func (e *Executor) pump(ctx context.Context, ex *Execution, stop func() bool) {
	defer close(ex.done)
	defer close(ex.lines)

	streamer := NewLineStreamer(ex.proc.Output(), e.opts.LineBuffer)
	err := streamer.Pump(ctx, ex.lines)
	if err != nil && ctx.Err() == nil && !ex.ticket.CancelRequested() {
		slog.WarnContext(ctx, "reading output", "error", err)
	}
	if err != nil {
		// nobody reads the pipe anymore, make sure the child does not block on it
		ex.ticket.Cancel()
	}
	res := ex.proc.Wait()
	_ = ex.proc.Output().Close()
	stop()

	state := model.RunSucceeded
	switch {
	case ex.ticket.CancelRequested():
		state = model.RunCancelled
	case res.Err != nil, res.ExitCode != 0:
		state = model.RunFailed
	}
	code := res.ExitCode
	e.registry.Complete(ex.ticket, state, &code)

	ex.status = model.RunStatus{
		RunID:    ex.ticket.ID(),
		Script:   ex.ticket.Script(),
		State:    state,
		ExitCode: code,
		Duration: res.Stopped.Sub(res.Started),
		Err:      res.Err,
	}
	slog.InfoContext(ctx, "run finished",
		"state", state,
		"exit_code", code,
		"duration", ex.status.Duration.Round(time.Millisecond).String(),
	)
}

func (x *Execution) ID() string {
	return x.ticket.ID()
}

func (x *Execution) PID() int {
	return x.proc.PID()
}

// Lines is closed when the output ended and the run completed.
func (x *Execution) Lines() <-chan model.Line {
	return x.lines
}

// Wait blocks until the run completed. The consumer must keep reading Lines
// or cancel the run.
func (x *Execution) Wait() model.RunStatus {
	<-x.done
	return x.status
}

// Cancel terminates the run, it completes as Cancelled.
func (x *Execution) Cancel() {
	x.ticket.Cancel()
}

// Cancel terminates the active run of script and reports if there was one.
func (e *Executor) Cancel(script string) bool {
	return e.registry.Cancel(script)
}

// Active lists runs currently admitted.
func (e *Executor) Active() []model.Run {
	return e.registry.Active()
}
