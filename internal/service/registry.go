package service

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Rutomatrix/scriptd/internal/model"

	"github.com/google/uuid"
)

// RunRegistry admits at most one active run per script name.
type RunRegistry struct {
	grace time.Duration

	mx   sync.Mutex
	runs map[string]*Ticket
}

func NewRunRegistry(grace time.Duration) *RunRegistry {
	return &RunRegistry{
		grace: grace,
		runs:  make(map[string]*Ticket),
	}
}

// Ticket is the registry entry of an admitted run. All fields are guarded by
// the registry lock.
type Ticket struct {
	reg  *RunRegistry
	run  model.Run
	proc *Process
}

// TryAdmit registers a Pending run for script, or fails with
// model.ErrAlreadyRunning when one is active.
func (r *RunRegistry) TryAdmit(script string, args []string) (*Ticket, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if t, ok := r.runs[script]; ok {
		return nil, fmt.Errorf("%w: %s (run %s)", model.ErrAlreadyRunning, script, t.run.ID)
	}
	t := &Ticket{
		reg: r,
		run: model.Run{
			ID:        uuid.NewString(),
			Script:    script,
			Args:      append([]string(nil), args...),
			StartedAt: time.Now().UTC(),
			State:     model.RunPending,
		},
	}
	r.runs[script] = t
	return t, nil
}

// Attach records the spawned process and moves the run to Running. When a
// cancel arrived before the spawn, the process is terminated right away and
// Attach returns false.
func (t *Ticket) Attach(p *Process) bool {
	t.reg.mx.Lock()
	t.proc = p
	t.run.PID = p.PID()
	t.run.State = model.RunRunning
	cancelled := t.run.CancelRequested
	t.reg.mx.Unlock()

	if cancelled {
		p.Terminate(t.reg.grace)
		return false
	}
	return true
}

// Cancel marks the run as cancelled and terminates its process, if any. It
// never holds the registry lock while waiting for the child.
func (t *Ticket) Cancel() {
	t.reg.mx.Lock()
	t.run.CancelRequested = true
	p := t.proc
	t.reg.mx.Unlock()

	if p != nil {
		p.Terminate(t.reg.grace)
	}
}

func (t *Ticket) CancelRequested() bool {
	t.reg.mx.Lock()
	defer t.reg.mx.Unlock()
	return t.run.CancelRequested
}

func (t *Ticket) ID() string {
	return t.run.ID
}

func (t *Ticket) Script() string {
	return t.run.Script
}

func (t *Ticket) Snapshot() model.Run {
	t.reg.mx.Lock()
	defer t.reg.mx.Unlock()
	return t.snapshot()
}

func (t *Ticket) snapshot() model.Run {
	run := t.run
	run.Args = slices.Clone(t.run.Args)
	if t.run.ExitCode != nil {
		code := *t.run.ExitCode
		run.ExitCode = &code
	}
	return run
}

// Complete sets the final state and removes the run from the active set.
// Completing a ticket twice is a no-op.
func (r *RunRegistry) Complete(t *Ticket, state model.RunState, exitCode *int) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if !t.run.State.Active() {
		return
	}
	t.run.State = state
	t.run.ExitCode = exitCode
	if r.runs[t.run.Script] == t {
		delete(r.runs, t.run.Script)
	}
}

// Cancel terminates the active run of script. It returns false when there
// is none.
func (r *RunRegistry) Cancel(script string) bool {
	r.mx.Lock()
	t, ok := r.runs[script]
	r.mx.Unlock()
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

// Active returns the active runs ordered by script name.
func (r *RunRegistry) Active() []model.Run {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make([]model.Run, 0, len(r.runs))
	for _, t := range r.runs {
		ret = append(ret, t.snapshot())
	}
	slices.SortFunc(ret, func(a, b model.Run) int {
		return strings.Compare(a.Script, b.Script)
	})
	return ret
}

func (r *RunRegistry) IsActive(script string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.runs[script]
	return ok
}
