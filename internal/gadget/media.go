package gadget

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Rutomatrix/scriptd/internal/model"
)

type ISO struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Media exposes disk images from a directory as the medium of the gadget
// mass storage function.
type Media struct {
	lun    string
	isoDir string
	guard  *Guard
	delay  time.Duration
}

func NewMedia(cfg model.Gadget, guard *Guard) *Media {
	return &Media{
		lun:    cfg.LUN,
		isoDir: cfg.ISODir,
		guard:  guard,
		delay:  cfg.RebindDuration(),
	}
}

// List returns *.iso files of the image directory sorted by name.
func (m *Media) List() ([]ISO, error) {
	entries, err := os.ReadDir(m.isoDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", m.isoDir, err)
	}
	var ret []ISO
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".iso") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		ret = append(ret, ISO{
			Name: e.Name(),
			Path: filepath.Join(m.isoDir, e.Name()),
			Size: info.Size(),
		})
	}
	slices.SortFunc(ret, func(a, b ISO) int { return strings.Compare(a.Name, b.Name) })
	return ret, nil
}

// Current returns the path of the image the host sees, empty when ejected.
func (m *Media) Current() (string, error) {
	b, err := os.ReadFile(m.lun)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: mass storage function: %w", model.ErrNotFound, err)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Mount sets the named image as the medium and rebinds the gadget so the
// host notices the change.
func (m *Media) Mount(ctx context.Context, name string) (ISO, error) {
	iso, err := m.resolve(name)
	if err != nil {
		return ISO{}, err
	}
	if err := m.setLUN(iso.Path); err != nil {
		return ISO{}, err
	}
	slog.InfoContext(ctx, "image mounted", "iso", iso.Path)
	return iso, m.guard.Rebind(ctx, m.delay)
}

// Eject removes the medium and rebinds the gadget.
func (m *Media) Eject(ctx context.Context) error {
	if err := m.setLUN(""); err != nil {
		return err
	}
	slog.InfoContext(ctx, "image ejected")
	return m.guard.Rebind(ctx, m.delay)
}

func (m *Media) resolve(name string) (ISO, error) {
	if name == "" || name != filepath.Base(name) || name == ".." || !strings.EqualFold(filepath.Ext(name), ".iso") {
		return ISO{}, fmt.Errorf("%w: invalid image name %q", model.ErrNotFound, name)
	}
	root, err := os.OpenRoot(m.isoDir)
	if err != nil {
		return ISO{}, fmt.Errorf("%w: image dir: %w", model.ErrNotFound, err)
	}
	defer func() {
		_ = root.Close()
	}()
	fi, err := root.Stat(name)
	if err != nil {
		return ISO{}, fmt.Errorf("%w: image %s: %w", model.ErrNotFound, name, err)
	}
	if !fi.Mode().IsRegular() {
		return ISO{}, fmt.Errorf("%w: image %s is not a regular file", model.ErrNotFound, name)
	}
	return ISO{Name: name, Path: filepath.Join(m.isoDir, name), Size: fi.Size()}, nil
}

func (m *Media) setLUN(path string) error {
	f, err := os.OpenFile(m.lun, os.O_WRONLY|os.O_TRUNC, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: mass storage function: %w", model.ErrNotFound, err)
	}
	if err != nil {
		return err
	}
	_, err = f.WriteString(path + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", m.lun, err)
	}
	return nil
}
