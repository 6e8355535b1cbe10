package stack

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Rutomatrix/scriptd/internal/model"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/google/renameio/v2"
)

// UnitManager is the OS service manager as seen by the Manager. Operations
// on a unit the service manager does not know return an error wrapping
// model.ErrNotFound.
type UnitManager interface {
	State(ctx context.Context, name string) (model.UnitState, error)
	Install(ctx context.Context, unit model.UnitDescriptor) error
	Enable(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Remove(ctx context.Context, unit model.UnitDescriptor) error
}

// Systemd talks to systemd over D-Bus and keeps unit files in unitDir.
type Systemd struct {
	unitDir string
	conn    *dbus.Conn
}

func NewSystemd(ctx context.Context, unitDir string) (*Systemd, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd: %w", err)
	}
	return &Systemd{
		unitDir: unitDir,
		conn:    conn,
	}, nil
}

func (s *Systemd) Close() {
	s.conn.Close()
}

func (s *Systemd) State(ctx context.Context, name string) (model.UnitState, error) {
	props, err := s.conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnit(err) {
			return model.UnitNotInstalled, nil
		}
		return "", err
	}
	if load, _ := props["LoadState"].(string); load == "not-found" || load == "" {
		return model.UnitNotInstalled, nil
	}
	switch active, _ := props["ActiveState"].(string); active {
	case "active", "activating", "reloading":
		return model.UnitInstalledRunning, nil
	default:
		return model.UnitInstalledStopped, nil
	}
}

// Install writes the unit file from unit.Source. Units without a source must
// be provided by the packaging layer.
func (s *Systemd) Install(ctx context.Context, unit model.UnitDescriptor) error {
	if unit.Source == "" {
		st, err := s.State(ctx, unit.Name)
		if err != nil {
			return err
		}
		if st == model.UnitNotInstalled {
			return fmt.Errorf("%w: no unit file and no source configured", model.ErrNotFound)
		}
		return nil
	}
	data, err := os.ReadFile(unit.Source)
	if err != nil {
		return fmt.Errorf("reading unit source: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(s.unitDir, unit.Name), data, 0o644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	return s.conn.ReloadContext(ctx)
}

func (s *Systemd) Enable(ctx context.Context, name string) error {
	_, _, err := s.conn.EnableUnitFilesContext(ctx, []string{name}, false, true)
	return mapErr(err)
}

func (s *Systemd) Disable(ctx context.Context, name string) error {
	_, err := s.conn.DisableUnitFilesContext(ctx, []string{name}, false)
	return mapErr(err)
}

func (s *Systemd) Start(ctx context.Context, name string) error {
	ch := make(chan string, 1)
	if _, err := s.conn.StartUnitContext(ctx, name, "replace", ch); err != nil {
		return mapErr(err)
	}
	return waitJob(ctx, ch)
}

func (s *Systemd) Stop(ctx context.Context, name string) error {
	ch := make(chan string, 1)
	if _, err := s.conn.StopUnitContext(ctx, name, "replace", ch); err != nil {
		return mapErr(err)
	}
	return waitJob(ctx, ch)
}

func (s *Systemd) Remove(ctx context.Context, unit model.UnitDescriptor) error {
	err := os.Remove(filepath.Join(s.unitDir, unit.Name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}
	if err != nil {
		return err
	}
	return s.conn.ReloadContext(ctx)
}

func waitJob(ctx context.Context, ch <-chan string) error {
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("job result %s", result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if isNoSuchUnit(err) {
		return fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}
	return err
}

func isNoSuchUnit(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NoSuchUnit") ||
		strings.Contains(msg, "not-found") ||
		strings.Contains(msg, "not loaded") ||
		strings.Contains(msg, "No such file")
}
