package service

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/Rutomatrix/scriptd/internal/model"
)

// ScriptCatalog maps script names to files directly under the scripts
// directory. Lookups go through os.Root, so neither names nor symlinks can
// point outside of it.
type ScriptCatalog struct {
	dir     string
	allowed map[string]string // alias -> filename, empty allows every file

	mx      sync.RWMutex
	scripts []model.Script
}

// NewScriptCatalog returns a catalog of dir and scans it. A missing
// directory is not an error, it only means scripts were not fetched yet.
func NewScriptCatalog(dir string, allowed map[string]string) (*ScriptCatalog, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("scripts dir %s: %w", dir, err)
	}
	for alias, file := range allowed {
		if !validName(alias) || !validName(file) {
			return nil, fmt.Errorf("scripts.allowed: invalid entry %q: %q", alias, file)
		}
	}
	c := &ScriptCatalog{
		dir:     abs,
		allowed: allowed,
	}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ScriptCatalog) Dir() string {
	return c.dir
}

// Refresh rescans the directory. It must be called after every fetch.
func (c *ScriptCatalog) Refresh() error {
	root, err := os.OpenRoot(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("scripts directory does not exist", "dir", c.dir)
		c.store(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening scripts dir: %w", err)
	}
	defer func() {
		_ = root.Close()
	}()

	entries, err := fs.ReadDir(root.FS(), ".")
	if err != nil {
		return fmt.Errorf("reading scripts dir: %w", err)
	}

	byFile := make(map[string]model.Script, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		// Stat follows symlinks and rejects the ones leaving the root
		fi, err := root.Stat(e.Name())
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		byFile[e.Name()] = model.Script{
			Name:       e.Name(),
			Path:       filepath.Join(c.dir, e.Name()),
			Executable: isExecutable(fi),
		}
	}

	var scripts []model.Script
	if len(c.allowed) == 0 {
		for _, s := range byFile {
			scripts = append(scripts, s)
		}
	} else {
		for alias, file := range c.allowed {
			if s, ok := byFile[file]; ok {
				s.Name = alias
				scripts = append(scripts, s)
			}
		}
	}
	slices.SortFunc(scripts, func(a, b model.Script) int {
		return strings.Compare(a.Name, b.Name)
	})
	c.store(scripts)
	slog.Debug("scripts catalog refreshed", "dir", c.dir, "scripts", len(scripts))
	return nil
}

func (c *ScriptCatalog) store(scripts []model.Script) {
	c.mx.Lock()
	c.scripts = scripts
	c.mx.Unlock()
}

// List returns the result of the last Refresh.
func (c *ScriptCatalog) List() []model.Script {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return slices.Clone(c.scripts)
}

// Resolve looks the script up on the filesystem. It returns an error
// wrapping model.ErrNotFound or model.ErrNotExecutable.
func (c *ScriptCatalog) Resolve(name string) (model.Script, error) {
	if !validName(name) {
		return model.Script{}, fmt.Errorf("%w: invalid script name %q", model.ErrNotFound, name)
	}
	file := name
	if len(c.allowed) > 0 {
		f, ok := c.allowed[name]
		if !ok {
			return model.Script{}, fmt.Errorf("%w: script %s is not allowed", model.ErrNotFound, name)
		}
		file = f
	}

	root, err := os.OpenRoot(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return model.Script{}, fmt.Errorf("%w: %s: scripts directory %s not fetched", model.ErrNotFound, name, c.dir)
	}
	if err != nil {
		return model.Script{}, fmt.Errorf("opening scripts dir: %w", err)
	}
	defer func() {
		_ = root.Close()
	}()

	fi, err := root.Stat(file)
	if err != nil {
		return model.Script{}, fmt.Errorf("%w: %s: %w", model.ErrNotFound, name, err)
	}
	if !fi.Mode().IsRegular() {
		return model.Script{}, fmt.Errorf("%w: %s is not a regular file", model.ErrNotFound, name)
	}

	s := model.Script{
		Name:       name,
		Path:       filepath.Join(c.dir, file),
		Executable: isExecutable(fi),
	}
	if !s.Executable {
		return s, fmt.Errorf("%w: %s", model.ErrNotExecutable, s.Path)
	}
	return s, nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, "/\\\x00")
}

func isExecutable(fi fs.FileInfo) bool {
	return fi.Mode().Perm()&0o111 != 0
}
