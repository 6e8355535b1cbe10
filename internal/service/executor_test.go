package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Rutomatrix/scriptd/internal/model"
	"github.com/Rutomatrix/scriptd/internal/service"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newExecutor(t *testing.T, dir string, opts service.Options) *service.Executor {
	t.Helper()
	catalog, err := service.NewScriptCatalog(dir, nil)
	require.NoError(t, err)
	return service.NewExecutor(catalog, service.NewRunRegistry(200*time.Millisecond), opts)
}

func drain(ex *service.Execution) []model.Line {
	var lines []model.Line
	for l := range ex.Lines() {
		lines = append(lines, l)
	}
	return lines
}

func TestExecutor_EchoTest(t *testing.T) {
	t.Parallel()
	lookSh(t)
	dir := t.TempDir()
	creat(t, dir, "echo_test", "#!/bin/sh\nprintf 'line1\\nline2\\nline3'\n", 0o755)

	executor := newExecutor(t, dir, service.Options{})
	ex, err := executor.Run(t.Context(), "echo_test", nil)
	require.NoError(t, err)
	require.NotEmpty(t, ex.ID())

	lines := drain(ex)
	require.Equal(t, []model.Line{
		{Text: "line1", Terminated: true},
		{Text: "line2", Terminated: true},
		{Text: "line3"},
	}, lines)

	status := ex.Wait()
	require.Equal(t, model.RunSucceeded, status.State)
	require.Equal(t, 0, status.ExitCode)
	require.Equal(t, "echo_test", status.Script)
	require.Equal(t, ex.ID(), status.RunID)
	require.NoError(t, status.Err)
	require.Empty(t, executor.Active())
}

func TestExecutor_Fidelity(t *testing.T) {
	t.Parallel()
	lookSh(t)
	dir := t.TempDir()
	script := `#!/bin/sh
echo "out 1"
echo "err 1" >&2
printf '\n\n'
echo "args $1 $2"
i=0
while [ $i -lt 200 ]; do
  echo "loop $i"
  i=$((i+1))
done
printf 'no newline' >&2
exit 7
`
	creat(t, dir, "fidelity.sh", script, 0o755)

	executor := newExecutor(t, dir, service.Options{LineBuffer: 64, Lines: 1})
	ex, err := executor.Run(t.Context(), "fidelity.sh", []string{"a", "b c"})
	require.NoError(t, err)

	lines := drain(ex)
	var expected strings.Builder
	expected.WriteString("out 1\nerr 1\n\n\nargs a b c\n")
	for i := range 200 {
		expected.WriteString("loop " + strconv.Itoa(i) + "\n")
	}
	expected.WriteString("no newline")
	require.Equal(t, expected.String(), join(lines))

	status := ex.Wait()
	require.Equal(t, model.RunFailed, status.State)
	require.Equal(t, 7, status.ExitCode)
}

func TestExecutor_AlreadyRunning(t *testing.T) {
	t.Parallel()
	lookSh(t)
	dir := t.TempDir()
	creat(t, dir, "slow.sh", "#!/bin/sh\necho started\nsleep 30\necho done\n", 0o755)
	creat(t, dir, "other.sh", "#!/bin/sh\necho other\n", 0o755)

	executor := newExecutor(t, dir, service.Options{})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ex, err := executor.Run(ctx, "slow.sh", nil)
	require.NoError(t, err)
	require.Equal(t, "started", (<-ex.Lines()).Text)

	_, err = executor.Run(t.Context(), "slow.sh", nil)
	require.ErrorIs(t, err, model.ErrAlreadyRunning)

	// different scripts run independently
	other, err := executor.Run(t.Context(), "other.sh", nil)
	require.NoError(t, err)
	require.Equal(t, "other\n", join(drain(other)))
	require.Equal(t, model.RunSucceeded, other.Wait().State)

	active := executor.Active()
	require.Len(t, active, 1)
	require.Equal(t, "slow.sh", active[0].Script)
	require.Equal(t, model.RunRunning, active[0].State)
	require.Equal(t, ex.PID(), active[0].PID)

	cancel()
	drain(ex)
	require.Equal(t, model.RunCancelled, ex.Wait().State)

	// admitted again after completion
	again, err := executor.Run(t.Context(), "other.sh", nil)
	require.NoError(t, err)
	drain(again)
	require.Equal(t, model.RunSucceeded, again.Wait().State)
}

func TestExecutor_Cancel(t *testing.T) {
	t.Parallel()
	lookSh(t)
	dir := t.TempDir()
	creat(t, dir, "forever.sh", "#!/bin/sh\necho started\nwhile true; do sleep 1; done\n", 0o755)
	creat(t, dir, "stubborn.sh", "#!/bin/sh\ntrap '' TERM\necho started\nwhile true; do sleep 1; done\n", 0o755)

	var testCases = []struct {
		scenario string
		script   string
		cancel   func(context.CancelFunc, *service.Executor, *service.Execution)
	}{
		{"caller disconnect", "forever.sh", func(cancel context.CancelFunc, _ *service.Executor, _ *service.Execution) {
			cancel()
		}},
		{"registry cancel", "forever.sh", func(_ context.CancelFunc, e *service.Executor, _ *service.Execution) {
			e.Cancel("forever.sh")
		}},
		{"execution cancel", "stubborn.sh", func(_ context.CancelFunc, _ *service.Executor, x *service.Execution) {
			x.Cancel()
		}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			executor := newExecutor(t, dir, service.Options{})
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			ex, err := executor.Run(ctx, tt.script, nil)
			require.NoError(t, err)
			require.Equal(t, "started", (<-ex.Lines()).Text)

			start := time.Now()
			tt.cancel(cancel, executor, ex)
			drain(ex)
			status := ex.Wait()
			require.Less(t, time.Since(start), 5*time.Second)

			require.Equal(t, model.RunCancelled, status.State)
			requireGone(t, ex.PID())
			require.Empty(t, executor.Active())
		})
	}
}

func TestExecutor_CancelAfterLeaderExit(t *testing.T) {
	t.Parallel()
	lookSh(t)

	var testCases = []struct {
		scenario string
		cancel   func(*testing.T, context.CancelFunc, *service.Executor)
	}{
		{"caller disconnect", func(_ *testing.T, cancel context.CancelFunc, _ *service.Executor) {
			cancel()
		}},
		{"registry cancel", func(t *testing.T, _ context.CancelFunc, e *service.Executor) {
			require.True(t, e.Cancel("bg.sh"))
		}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			// the background child keeps the output pipe open
			creat(t, dir, "bg.sh", "#!/bin/sh\nsleep 30 &\necho $! > bg.pid\necho started\nexit 0\n", 0o755)

			executor := newExecutor(t, dir, service.Options{})
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()

			ex, err := executor.Run(ctx, "bg.sh", nil)
			require.NoError(t, err)
			require.Equal(t, "started", (<-ex.Lines()).Text)

			raw, err := os.ReadFile(filepath.Join(dir, "bg.pid"))
			require.NoError(t, err)
			bg, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				return errors.Is(unix.Kill(ex.PID(), 0), unix.ESRCH)
			}, 5*time.Second, 10*time.Millisecond)
			require.Len(t, executor.Active(), 1)

			start := time.Now()
			tt.cancel(t, cancel, executor)
			drain(ex)
			status := ex.Wait()
			require.Less(t, time.Since(start), 5*time.Second)

			require.Equal(t, model.RunCancelled, status.State)
			require.Empty(t, executor.Active())
			require.Eventually(t, func() bool {
				return dead(bg)
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

// dead reports whether pid is gone or a zombie waiting for its new parent.
func dead(pid int) bool {
	if errors.Is(unix.Kill(pid, 0), unix.ESRCH) {
		return true
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	i := strings.LastIndexByte(string(stat), ')')
	return i >= 0 && i+2 < len(stat) && stat[i+2] == 'Z'
}

func TestExecutor_NotFound(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	executor := newExecutor(t, dir, service.Options{})

	_, err := executor.Run(t.Context(), "missing_script", nil)
	require.ErrorIs(t, err, model.ErrNotFound)
	require.Empty(t, executor.Active())

	creat(t, dir, "plain.txt", "echo hi\n", 0o644)
	_, err = executor.Run(t.Context(), "plain.txt", nil)
	require.ErrorIs(t, err, model.ErrNotExecutable)
	require.Empty(t, executor.Active())

	missing := newExecutor(t, filepath.Join(dir, "never-fetched"), service.Options{})
	_, err = missing.Run(t.Context(), "echo_test", nil)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestExecutor_SpawnFailed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	creat(t, dir, "bad.sh", "#!/does/not/exist\n", 0o755)

	executor := newExecutor(t, dir, service.Options{})
	_, err := executor.Run(t.Context(), "bad.sh", nil)
	require.ErrorIs(t, err, model.ErrProcessSpawnFailed)
	require.Empty(t, executor.Active())
}

func TestExecutor_Interpreter(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	dir := t.TempDir()
	// executable bit is still required, the shebang is ignored
	creat(t, dir, "no_shebang.sh", "echo \"$0 $1\"\n", 0o755)

	executor := newExecutor(t, dir, service.Options{Interpreter: sh})
	ex, err := executor.Run(t.Context(), "no_shebang.sh", []string{"x"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "no_shebang.sh")+" x\n", join(drain(ex)))
	require.Equal(t, model.RunSucceeded, ex.Wait().State)
}
