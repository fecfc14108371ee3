package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestResolveDisplay(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "X0"))

	r := &Resolver{socketDir: dir}
	display, err := r.resolveDisplay()
	require.NoError(t, err)
	require.Equal(t, ":0", display)
}

func TestResolveDisplayPicksFirstSocket(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "X1"))
	touch(t, filepath.Join(dir, "X0"))

	r := &Resolver{socketDir: dir}
	display, err := r.resolveDisplay()
	require.NoError(t, err)
	require.Equal(t, ":0", display)
}

func TestResolveDisplayMissing(t *testing.T) {
	r := &Resolver{socketDir: t.TempDir()}
	_, err := r.resolveDisplay()
	require.ErrorIs(t, err, ErrNoDisplay)
}

func TestResolveAuthority(t *testing.T) {
	r := &Resolver{
		listCmdlines: func() ([]string, error) {
			return []string{
				"/sbin/init splash",
				"/usr/lib/xorg/Xorg vt2 -displayfd 3 -auth /run/user/121/gdm/Xauthority -background none",
			}, nil
		},
	}

	path, err := r.resolveAuthority()
	require.NoError(t, err)
	require.Equal(t, "/run/user/121/gdm/Xauthority", path)
}

func TestResolveAuthorityMissing(t *testing.T) {
	r := &Resolver{
		listCmdlines: func() ([]string, error) {
			return []string{"/sbin/init splash", "bash"}, nil
		},
	}

	_, err := r.resolveAuthority()
	require.ErrorIs(t, err, ErrNoAuthority)
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "X1"))

	r := &Resolver{
		socketDir: dir,
		listCmdlines: func() ([]string, error) {
			return []string{"Xorg -auth /run/user/1000/gdm/Xauthority"}, nil
		},
	}

	ctx, err := r.Resolve()
	require.NoError(t, err)
	require.Equal(t, ":1", ctx.Display)
	require.Equal(t, "/run/user/1000/gdm/Xauthority", ctx.AuthorityFile)
}
