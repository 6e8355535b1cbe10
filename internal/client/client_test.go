package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Rutomatrix/scriptd/internal/client"
	"github.com/Rutomatrix/scriptd/internal/gadget"
	"github.com/Rutomatrix/scriptd/internal/model"
	"github.com/Rutomatrix/scriptd/internal/server"
	"github.com/Rutomatrix/scriptd/internal/service"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stack struct {
	steps []model.StepOutcome
	err   error
}

func (s stack) Install(context.Context) ([]model.StepOutcome, error) { return s.steps, s.err }
func (s stack) Remove(context.Context) ([]model.StepOutcome, error)  { return s.steps, s.err }
func (s stack) Status(context.Context) (model.StackStatus, error) {
	return model.StackStatus{Bind: model.BindState{Bound: true, Target: "udc"}}, nil
}
func (s stack) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type media struct{}

func (media) List() ([]gadget.ISO, error) { return nil, nil }
func (media) Current() (string, error)    { return "", nil }
func (media) Mount(context.Context, string) (gadget.ISO, error) {
	return gadget.ISO{}, model.ErrNotFound
}
func (media) Eject(context.Context) error { return nil }

type noSync struct{}

func (noSync) Sync(context.Context) error { return nil }

func newClient(t *testing.T, st stack) *client.Client {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}
	dir := t.TempDir()
	for name, content := range map[string]string{
		"hello":       "#!/bin/sh\necho \"hello $*\"\nprintf end\n",
		"fail":        "#!/bin/sh\nexit 4\n",
		"odd #1?%.sh": "#!/bin/sh\necho odd\n",
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
		require.NoError(t, os.Chmod(path, 0o755))
	}
	catalog, err := service.NewScriptCatalog(dir, nil)
	require.NoError(t, err)
	executor := service.NewExecutor(catalog, service.NewRunRegistry(time.Second), service.Options{})
	ts := httptest.NewServer(server.New("", executor, noSync{}, st, media{}).Handler())
	t.Cleanup(ts.Close)

	c, err := client.New(ts.URL)
	require.NoError(t, err)
	return c.WithHTTPClient(ts.Client())
}

func TestNew(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"localhost:8000", "http://localhost:8000/api", "/path"} {
		_, err := client.New(u)
		require.Error(t, err, u)
	}
	_, err := client.New("http://localhost:8000/")
	require.NoError(t, err)
}

func TestClient_Run(t *testing.T) {
	t.Parallel()
	c := newClient(t, stack{})

	var out strings.Builder
	st, err := c.Run(t.Context(), "hello", []string{"a b", "c"}, &out)
	require.NoError(t, err)
	require.Equal(t, "hello a b c\nend", out.String())
	require.Equal(t, model.RunSucceeded, st.State)
	require.NotEmpty(t, st.RunID)

	out.Reset()
	st, err = c.Run(t.Context(), "fail", nil, &out)
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, st.State)
	require.Equal(t, 4, st.ExitCode)

	_, err = c.Run(t.Context(), "missing", nil, &out)
	require.ErrorIs(t, err, model.ErrNotFound)

	err = c.Cancel(t.Context(), "hello")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestClient_RunEscapedName(t *testing.T) {
	t.Parallel()
	c := newClient(t, stack{})

	var out strings.Builder
	st, err := c.Run(t.Context(), "odd #1?%.sh", nil, &out)
	require.NoError(t, err)
	require.Equal(t, "odd\n", out.String())
	require.Equal(t, model.RunSucceeded, st.State)

	err = c.Cancel(t.Context(), "odd #1?%.sh")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = c.Run(t.Context(), "a/b", nil, &out)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestClient_Stack(t *testing.T) {
	t.Parallel()
	steps := []model.StepOutcome{{Unit: "a.service", Step: model.StepStart, Error: "boom"}}
	c := newClient(t, stack{
		steps: steps,
		err:   &model.UnitOpError{Unit: "a.service", Step: model.StepStart, Err: errors.New("boom")},
	})

	got, err := c.Install(t.Context())
	require.ErrorIs(t, err, model.ErrUnitOperationFailed)
	require.Equal(t, steps, got)

	st, err := c.Status(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.BindState{Bound: true, Target: "udc"}, st.Bind)

	busy := newClient(t, stack{err: model.ErrStackBusy})
	_, err = busy.Remove(t.Context())
	require.ErrorIs(t, err, model.ErrStackBusy)
}

func TestClient_NotScriptd(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	t.Cleanup(ts.Close)

	c, err := client.New(ts.URL)
	require.NoError(t, err)
	c = c.WithHTTPClient(ts.Client())
	_, err = c.Status(t.Context())
	require.ErrorContains(t, err, "short and stout")
}
