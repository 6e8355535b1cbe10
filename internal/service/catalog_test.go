package service_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Rutomatrix/scriptd/internal/model"
	"github.com/Rutomatrix/scriptd/internal/service"
	"github.com/stretchr/testify/require"
)

func TestScriptCatalog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	outside := t.TempDir()

	creat(t, dir, "echo_test", "#!/bin/sh\necho hi\n", 0o755)
	creat(t, dir, "a.sh", "#!/bin/sh\n", 0o700)
	creat(t, dir, "README", "not a script\n", 0o644)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "lib"), 0o755))
	creat(t, filepath.Join(dir, "lib"), "nested.sh", "#!/bin/sh\n", 0o755)
	secret := creat(t, outside, "secret.sh", "#!/bin/sh\n", 0o755)
	require.NoError(t, os.Symlink(secret, filepath.Join(dir, "escape.sh")))

	catalog, err := service.NewScriptCatalog(dir, nil)
	require.NoError(t, err)
	require.Equal(t, dir, catalog.Dir())

	require.Equal(t, []model.Script{
		{Name: "README", Path: filepath.Join(dir, "README"), Executable: false},
		{Name: "a.sh", Path: filepath.Join(dir, "a.sh"), Executable: true},
		{Name: "echo_test", Path: filepath.Join(dir, "echo_test"), Executable: true},
	}, catalog.List())

	var testCases = []struct {
		scenario string
		given    string
		then     error
	}{
		{"executable", "echo_test", nil},
		{"owner executable", "a.sh", nil},
		{"not executable", "README", model.ErrNotExecutable},
		{"missing", "missing_script", model.ErrNotFound},
		{"subdirectory", "lib", model.ErrNotFound},
		{"nested", "lib/nested.sh", model.ErrNotFound},
		{"traversal", "../" + filepath.Base(outside) + "/secret.sh", model.ErrNotFound},
		{"dot dot", "..", model.ErrNotFound},
		{"empty", "", model.ErrNotFound},
		{"escaping symlink", "escape.sh", model.ErrNotFound},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			s, err := catalog.Resolve(tt.given)
			if tt.then != nil {
				require.ErrorIs(t, err, tt.then)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.given, s.Name)
			require.Equal(t, filepath.Join(dir, tt.given), s.Path)
			require.True(t, s.Executable)
		})
	}
}

func TestScriptCatalog_Refresh(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "scripts")

	catalog, err := service.NewScriptCatalog(dir, nil)
	require.NoError(t, err)
	require.Empty(t, catalog.List())

	_, err = catalog.Resolve("echo_test")
	require.ErrorIs(t, err, model.ErrNotFound)
	require.ErrorContains(t, err, "not fetched")

	require.NoError(t, os.Mkdir(dir, 0o755))
	creat(t, dir, "echo_test", "#!/bin/sh\n", 0o755)

	// resolve always looks at the filesystem, list waits for a refresh
	_, err = catalog.Resolve("echo_test")
	require.NoError(t, err)
	require.Empty(t, catalog.List())

	require.NoError(t, catalog.Refresh())
	require.Len(t, catalog.List(), 1)

	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, catalog.Refresh())
	require.Empty(t, catalog.List())
}

func TestScriptCatalog_Allowed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	creat(t, dir, "os_flashing.sh", "#!/bin/sh\n", 0o755)
	creat(t, dir, "streaming_hid.sh", "#!/bin/sh\n", 0o755)
	creat(t, dir, "other.sh", "#!/bin/sh\n", 0o755)

	catalog, err := service.NewScriptCatalog(dir, map[string]string{
		"os_flashing":        "os_flashing.sh",
		"streaming_hid":      "streaming_hid.sh",
		"remove_os_flashing": "remove_os_flashing.sh",
	})
	require.NoError(t, err)

	require.Equal(t, []model.Script{
		{Name: "os_flashing", Path: filepath.Join(dir, "os_flashing.sh"), Executable: true},
		{Name: "streaming_hid", Path: filepath.Join(dir, "streaming_hid.sh"), Executable: true},
	}, catalog.List())

	s, err := catalog.Resolve("os_flashing")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "os_flashing.sh"), s.Path)

	_, err = catalog.Resolve("other.sh")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = catalog.Resolve("remove_os_flashing")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = service.NewScriptCatalog(dir, map[string]string{"x": "../x.sh"})
	require.Error(t, err)
}
