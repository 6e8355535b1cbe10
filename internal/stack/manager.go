// Package stack installs and removes the OS services of the appliance in
// dependency order and keeps the USB gadget binding consistent with them.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/Rutomatrix/scriptd/internal/gadget"
	"github.com/Rutomatrix/scriptd/internal/model"
	"github.com/Rutomatrix/scriptd/internal/parallel"
)

// BindGuard is the gadget binding as seen by the Manager.
type BindGuard interface {
	State() (model.BindState, error)
	Unbind() (gadget.Outcome, error)
	Bind(target string) (gadget.Outcome, error)
}

// Manager runs stack operations. Only one install, remove or gadget
// operation runs at a time; a concurrent request fails with
// model.ErrStackBusy instead of waiting. Unit state is queried from the
// service manager on every call and never cached.
type Manager struct {
	mx         sync.Mutex
	units      []model.UnitDescriptor
	um         UnitManager
	guard      BindGuard
	bindTarget string
}

// New orders the configured units. Dependency cycles and unknown
// dependencies are reported here, before any unit is touched.
func New(cfg model.Stack, um UnitManager, guard BindGuard) (*Manager, error) {
	units, err := Order(cfg.Units)
	if err != nil {
		return nil, err
	}
	return &Manager{
		units:      units,
		um:         um,
		guard:      guard,
		bindTarget: cfg.BindTarget,
	}, nil
}

// Units returns unit names in installation order.
func (m *Manager) Units() []string {
	ret := make([]string, len(m.units))
	for i, u := range m.units {
		ret[i] = u.Name
	}
	return ret
}

// Install brings every unit to the running state, dependencies first, and
// binds the gadget once all of them run. The first failing step aborts the
// operation with a *model.UnitOpError; units already started stay up.
func (m *Manager) Install(ctx context.Context) ([]model.StepOutcome, error) {
	if !m.mx.TryLock() {
		return nil, model.ErrStackBusy
	}
	defer m.mx.Unlock()

	var report []model.StepOutcome
	fail := func(unit string, step model.UnitStep, err error) ([]model.StepOutcome, error) {
		report = append(report, model.StepOutcome{Unit: unit, Step: step, Error: err.Error()})
		slog.ErrorContext(ctx, "stack install failed", "unit", unit, "step", step, "error", err)
		return report, &model.UnitOpError{Unit: unit, Step: step, Err: err}
	}
	done := func(unit string, step model.UnitStep, skipped bool) {
		report = append(report, model.StepOutcome{Unit: unit, Step: step, Skipped: skipped})
		slog.DebugContext(ctx, "stack step", "unit", unit, "step", step, "skipped", skipped)
	}

	var owner string
	for _, u := range m.units {
		st, err := m.um.State(ctx, u.Name)
		if err != nil {
			return fail(u.Name, model.StepQuery, err)
		}
		if err := m.um.Install(ctx, u); err != nil {
			return fail(u.Name, model.StepInstall, err)
		}
		done(u.Name, model.StepInstall, false)
		if err := m.um.Enable(ctx, u.Name); err != nil {
			return fail(u.Name, model.StepEnable, err)
		}
		done(u.Name, model.StepEnable, false)
		if st == model.UnitInstalledRunning {
			done(u.Name, model.StepStart, true)
		} else {
			if err := m.um.Start(ctx, u.Name); err != nil {
				return fail(u.Name, model.StepStart, err)
			}
			done(u.Name, model.StepStart, false)
		}
		if u.OwnsHardwareBind {
			owner = u.Name
		}
	}

	if owner != "" {
		out, err := m.guard.Bind(m.bindTarget)
		if err != nil {
			return fail(owner, model.StepBind, err)
		}
		done(owner, model.StepBind, out == gadget.AlreadyBound)
	}
	slog.InfoContext(ctx, "stack installed", "units", len(m.units))
	return report, nil
}

// Remove unbinds the gadget and then stops, disables and removes the units
// in reverse dependency order. Failures are logged and the remaining units
// are still processed; all failures are returned joined. Units which are
// not installed are skipped, so removing twice succeeds.
func (m *Manager) Remove(ctx context.Context) ([]model.StepOutcome, error) {
	if !m.mx.TryLock() {
		return nil, model.ErrStackBusy
	}
	defer m.mx.Unlock()

	var report []model.StepOutcome
	var errs []error
	record := func(unit string, step model.UnitStep, skipped bool, err error) {
		o := model.StepOutcome{Unit: unit, Step: step, Skipped: skipped}
		if err != nil {
			o.Error = err.Error()
			errs = append(errs, &model.UnitOpError{Unit: unit, Step: step, Err: err})
			slog.ErrorContext(ctx, "stack remove step failed", "unit", unit, "step", step, "error", err)
		}
		report = append(report, o)
	}

	out, err := m.guard.Unbind()
	record("gadget", model.StepUnbind, out == gadget.AlreadyUnbound, err)

	for _, u := range slices.Backward(m.units) {
		st, err := m.um.State(ctx, u.Name)
		if err != nil {
			record(u.Name, model.StepQuery, false, err)
			continue
		}
		if st == model.UnitNotInstalled {
			for _, step := range []model.UnitStep{model.StepStop, model.StepDisable, model.StepRemove} {
				record(u.Name, step, true, nil)
			}
			continue
		}

		if st == model.UnitInstalledRunning {
			err := tolerate(m.um.Stop(ctx, u.Name))
			record(u.Name, model.StepStop, false, err)
			if err != nil {
				continue
			}
		} else {
			record(u.Name, model.StepStop, true, nil)
		}

		err = m.um.Disable(ctx, u.Name)
		record(u.Name, model.StepDisable, errors.Is(err, model.ErrNotFound), tolerate(err))
		if tolerate(err) != nil {
			continue
		}

		err = m.um.Remove(ctx, u)
		record(u.Name, model.StepRemove, errors.Is(err, model.ErrNotFound), tolerate(err))
	}

	slog.InfoContext(ctx, "stack removed", "units", len(m.units), "errors", len(errs))
	return report, errors.Join(errs...)
}

// Status queries every unit concurrently and reads the gadget binding.
// Status does not take the operation lock.
func (m *Manager) Status(ctx context.Context) (model.StackStatus, error) {
	units, err := parallel.Collect(ctx, len(m.units), m.units, func(ctx context.Context, u model.UnitDescriptor) (model.UnitStatus, error) {
		st, err := m.um.State(ctx, u.Name)
		ret := model.UnitStatus{Name: u.Name, State: st}
		if err != nil {
			ret.Error = err.Error()
		}
		return ret, nil
	})
	if err != nil {
		return model.StackStatus{}, err
	}
	bind, err := m.guard.State()
	if err != nil {
		return model.StackStatus{}, fmt.Errorf("reading gadget state: %w", err)
	}
	return model.StackStatus{Units: units, Bind: bind}, nil
}

// Bind binds the gadget to the configured target.
func (m *Manager) Bind(ctx context.Context) (gadget.Outcome, error) {
	var out gadget.Outcome
	err := m.Exclusive(ctx, func(context.Context) error {
		var err error
		out, err = m.guard.Bind(m.bindTarget)
		return err
	})
	return out, err
}

func (m *Manager) Unbind(ctx context.Context) (gadget.Outcome, error) {
	var out gadget.Outcome
	err := m.Exclusive(ctx, func(context.Context) error {
		var err error
		out, err = m.guard.Unbind()
		return err
	})
	return out, err
}

// Exclusive runs fn while holding the operation lock, so gadget changes
// never interleave with an install or remove.
func (m *Manager) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	if !m.mx.TryLock() {
		return model.ErrStackBusy
	}
	defer m.mx.Unlock()
	return fn(ctx)
}

func tolerate(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}
