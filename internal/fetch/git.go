// Package fetch populates the scripts directory from a git repository.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Rutomatrix/scriptd/internal/model"
)

// cmdRunner abstracts command execution, tests inject a fake.
type cmdRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd.CombinedOutput()
}

// Git does a shallow sparse checkout of one directory of a repository.
type Git struct {
	binary string
	runner cmdRunner
}

func NewGit() *Git {
	return &Git{
		binary: "git",
		runner: execRunner{},
	}
}

// Fetch replaces dir with the content of repo.Subdir at the tip of
// repo.Branch. The new content is prepared next to dir and renamed into
// place, a failed fetch leaves dir untouched.
func (g *Git) Fetch(ctx context.Context, repo model.Repository, dir string) error {
	subdir := filepath.Clean(repo.Subdir)
	if subdir == "." || strings.HasPrefix(subdir, "..") || filepath.IsAbs(subdir) {
		return fmt.Errorf("invalid repository subdir %q", repo.Subdir)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	work, err := os.MkdirTemp(parent, ".scriptd-fetch-*")
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			slog.WarnContext(ctx, "removing fetch work dir", "dir", work, "error", err)
		}
	}()

	checkout := filepath.Join(work, "repo")
	steps := []struct {
		name string
		args []string
	}{
		{"init", []string{"init", "-q", checkout}},
		{"remote add", []string{"-C", checkout, "remote", "add", "origin", repo.URL}},
		{"fetch", []string{"-C", checkout, "fetch", "-q", "--depth", "1", "origin", repo.Branch}},
		{"sparse-checkout init", []string{"-C", checkout, "sparse-checkout", "init", "--cone"}},
		{"sparse-checkout set", []string{"-C", checkout, "sparse-checkout", "set", filepath.ToSlash(subdir)}},
		{"checkout", []string{"-C", checkout, "checkout", "-q", "FETCH_HEAD"}},
	}
	for _, step := range steps {
		out, err := g.runner.Run(ctx, g.binary, step.args...)
		if err != nil {
			return fmt.Errorf("git %s: %w: %s", step.name, err, bytes.TrimSpace(out))
		}
	}

	src := filepath.Join(checkout, subdir)
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: directory %s in %s@%s", model.ErrNotFound, repo.Subdir, repo.URL, repo.Branch)
	}

	staging := filepath.Join(work, "scripts")
	if err := os.CopyFS(staging, os.DirFS(src)); err != nil {
		return fmt.Errorf("copying scripts: %w", err)
	}
	if err := prepare(staging); err != nil {
		return err
	}
	return swap(staging, dir, filepath.Join(work, "old"))
}

// prepare makes shell scripts executable and hands the tree to the user who
// invoked sudo, if any.
func prepare(dir string) error {
	uid, gid, chown := sudoOwner()
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".sh") {
			if err := os.Chmod(path, 0o755); err != nil {
				return err
			}
		}
		if chown {
			return os.Lchown(path, uid, gid)
		}
		return nil
	})
}

func sudoOwner() (uid, gid int, ok bool) {
	if os.Geteuid() != 0 {
		return 0, 0, false
	}
	u, err1 := strconv.Atoi(os.Getenv("SUDO_UID"))
	g, err2 := strconv.Atoi(os.Getenv("SUDO_GID"))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return u, g, true
}

func swap(staging, dir, old string) error {
	hadOld := true
	if err := os.Rename(dir, old); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("moving old scripts away: %w", err)
		}
		hadOld = false
	}
	if err := os.Rename(staging, dir); err != nil {
		if hadOld {
			_ = os.Rename(old, dir)
		}
		return fmt.Errorf("installing scripts: %w", err)
	}
	return nil
}
