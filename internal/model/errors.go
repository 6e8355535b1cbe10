package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrNotExecutable      = errors.New("not executable")
	ErrAlreadyRunning     = errors.New("already running")
	ErrProcessSpawnFailed = errors.New("process spawn failed")

	ErrBindFailed          = errors.New("bind failed")
	ErrAlreadyUnbound      = errors.New("already unbound")
	ErrUnitOperationFailed = errors.New("unit operation failed")
	ErrStackBusy           = errors.New("stack operation in progress")

	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrUnknownDependency = errors.New("unknown dependency")
)

// UnitStep is one lifecycle step of a managed unit.
type UnitStep string

const (
	StepInstall UnitStep = "install"
	StepEnable  UnitStep = "enable"
	StepStart   UnitStep = "start"
	StepStop    UnitStep = "stop"
	StepDisable UnitStep = "disable"
	StepRemove  UnitStep = "remove"
	StepQuery   UnitStep = "query"
	StepBind    UnitStep = "bind"
	StepUnbind  UnitStep = "unbind"
)

// UnitOpError reports which unit and which step failed. It matches
// ErrUnitOperationFailed with errors.Is.
type UnitOpError struct {
	Unit string
	Step UnitStep
	Err  error
}

func (e *UnitOpError) Error() string {
	return fmt.Sprintf("unit %s: %s: %v", e.Unit, e.Step, e.Err)
}

func (e *UnitOpError) Unwrap() error { return e.Err }

func (e *UnitOpError) Is(target error) bool {
	return target == ErrUnitOperationFailed
}
