package model

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultRepositoryURL = "https://github.com/Rutomatrix/Intel-features"
	DefaultBranch        = "main"
	DefaultSubdir        = "scripts"
	DefaultUnitDir       = "/etc/systemd/system"
	DefaultUDC           = "/sys/kernel/config/usb_gadget/composite_gadget/UDC"
	DefaultLUN           = "/sys/kernel/config/usb_gadget/composite_gadget/functions/mass_storage.usb0/lun.0/file"
	DefaultListen        = ":8000"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Scripts Scripts `json:"scripts" yaml:"scripts"`
	Stack   *Stack  `json:"stack,omitempty" yaml:"stack,omitempty"`
	Gadget  Gadget  `json:"gadget" yaml:"gadget"`
	Service Service `json:"service" yaml:"service"`
}

// Scripts configures the catalog and the runs.
type Scripts struct {
	Dir         string            `json:"dir" yaml:"dir"`
	Repository  *Repository       `json:"repository,omitempty" yaml:"repository,omitempty"`
	Allowed     map[string]string `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Interpreter string            `json:"interpreter,omitempty" yaml:"interpreter,omitempty"` // e.g. /bin/bash
	Grace       string            `json:"grace" yaml:"grace"`                                 // SIGTERM -> SIGKILL
	LineBuffer  int               `json:"line_buffer" yaml:"line_buffer"`
	Refresh     *Schedule         `json:"refresh,omitempty" yaml:"refresh,omitempty"`
	Watch       bool              `json:"watch" yaml:"watch"`
}

// Repository is the sparse fetch source.
type Repository struct {
	URL    string `json:"url" yaml:"url"`
	Branch string `json:"branch" yaml:"branch"`
	Subdir string `json:"subdir" yaml:"subdir"`
}

// Schedule sets either a 5-field cron or an ISO-8601 duration.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Stack struct {
	UnitDir    string           `json:"unit_dir" yaml:"unit_dir"`
	BindTarget string           `json:"bind_target,omitempty" yaml:"bind_target,omitempty"`
	Units      []UnitDescriptor `json:"units" yaml:"units"`
}

// Gadget holds the configfs control files of the composite USB gadget.
type Gadget struct {
	UDC         string `json:"udc" yaml:"udc"`
	LUN         string `json:"lun" yaml:"lun"`
	ISODir      string `json:"iso_dir" yaml:"iso_dir"`
	RebindDelay string `json:"rebind_delay" yaml:"rebind_delay"`
}

type Service struct {
	Listen  string `json:"listen" yaml:"listen"`
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig is the configuration written on a first start. Scripts are
// fetched into ~/scripts of the invoking (sudo) user.
func DefaultConfig() Config {
	return Config{
		Scripts: Scripts{
			Dir: filepath.Join(homeDir(), "scripts"),
			Repository: &Repository{
				URL:    DefaultRepositoryURL,
				Branch: DefaultBranch,
				Subdir: DefaultSubdir,
			},
			Grace:      "5s",
			LineBuffer: 64 * 1024,
		},
		Gadget: Gadget{
			UDC:         DefaultUDC,
			LUN:         DefaultLUN,
			ISODir:      filepath.Join(homeDir(), "os"),
			RebindDelay: "1s",
		},
		Service: Service{
			Listen: DefaultListen,
			Log:    "stderr",
		},
	}
}

func homeDir() string {
	user := os.Getenv("SUDO_USER")
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "rpi"
	}
	return filepath.Join("/home", user)
}

// GraceDuration returns the termination grace period.
func (s Scripts) GraceDuration() time.Duration {
	return duration(s.Grace, 5*time.Second)
}

func (g Gadget) RebindDuration() time.Duration {
	return duration(g.RebindDelay, time.Second)
}

func duration(s string, dflt time.Duration) time.Duration {
	if s == "" {
		return dflt
	}
	// the schema accepts the time.ParseDuration syntax only
	d, err := time.ParseDuration(s)
	if err != nil {
		return dflt
	}
	return d
}
