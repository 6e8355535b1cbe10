package model

// UnitDescriptor is the static description of one managed OS service.
type UnitDescriptor struct {
	Name             string   `json:"name" yaml:"name"`
	DependsOn        []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	OwnsHardwareBind bool     `json:"owns_hardware_bind,omitempty" yaml:"owns_hardware_bind,omitempty"`
	// Source is the unit definition file installed into the unit directory.
	// Empty means the definition is provided by the packaging layer.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

type UnitState string

const (
	UnitNotInstalled     UnitState = "not-installed"
	UnitInstalledStopped UnitState = "installed-stopped"
	UnitInstalledRunning UnitState = "installed-running"
)

func (s UnitState) Installed() bool {
	return s == UnitInstalledStopped || s == UnitInstalledRunning
}

// BindState is what the gadget control file reports right now.
type BindState struct {
	Bound  bool   `json:"bound"`
	Target string `json:"target,omitempty"`
}

type UnitStatus struct {
	Name  string    `json:"name"`
	State UnitState `json:"state"`
	Error string    `json:"error,omitempty"`
}

type StackStatus struct {
	Units []UnitStatus `json:"units"`
	Bind  BindState    `json:"bind"`
}

// StepOutcome records one executed (or skipped) step of a stack operation.
type StepOutcome struct {
	Unit    string   `json:"unit"`
	Step    UnitStep `json:"step"`
	Skipped bool     `json:"skipped,omitempty"`
	Error   string   `json:"error,omitempty"`
}
