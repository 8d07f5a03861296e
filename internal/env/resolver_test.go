package env

import (
	"context"
	"errors"
	"testing"

	"github.com/loykin/helmsman/internal/service"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber map[string]string

func (f fakeProber) Version(_ context.Context, exe string) (string, error) {
	if v, ok := f[exe]; ok {
		return v, nil
	}
	return "", errors.New("not probed")
}

func writeExe(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte("#!"), 0o755))
}

func newTestResolver(fs afero.Fs, p fakeProber) *Resolver {
	return NewResolver(ResolverOptions{
		Fs:     fs,
		Prober: p,
		Roots:  []string{"/usr/bin", "/home/u/.pyenv/versions/3.*/bin"},
		Path:   []string{"/opt/tools"},
		GOOS:   "linux",
	})
}

func TestResolvePrefersHighestMinor(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeExe(t, fs, "/srv/stt/.venv/bin/python3")
	require.NoError(t, afero.WriteFile(fs, "/srv/stt/.venv/pyvenv.cfg", []byte("home = /usr/bin\nversion = 3.11.4\n"), 0o644))
	writeExe(t, fs, "/usr/bin/python3.12")

	r := newTestResolver(fs, fakeProber{})
	c, err := r.Find(context.Background(), "/srv/stt", "", ">= 3.0.0-0, < 3.13.0-0")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/python3.12", c.Path)
	assert.False(t, c.Dedicated)
}

func TestResolveTiePrefersDedicated(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeExe(t, fs, "/srv/stt/env/bin/python")
	require.NoError(t, afero.WriteFile(fs, "/srv/stt/env/pyvenv.cfg", []byte("version_info = 3.11.2.final.0\n"), 0o644))
	writeExe(t, fs, "/usr/bin/python3.11")

	r := newTestResolver(fs, fakeProber{"/usr/bin/python3.11": "Python 3.11.9"})
	d := service.Descriptor{ID: "stt", Dir: "/srv/stt", RuntimeEnv: "env", MaxMinor: 11}
	path, err := r.Resolve(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "/srv/stt/env/bin/python", path)
}

func TestResolveHonoursMaxMinor(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeExe(t, fs, "/usr/bin/python3.11")
	writeExe(t, fs, "/usr/bin/python3.12")
	writeExe(t, fs, "/home/u/.pyenv/versions/3.9.18/bin/python3.9")

	r := newTestResolver(fs, fakeProber{})
	path, err := r.Resolve(context.Background(), service.Descriptor{ID: "tts", MaxMinor: 10})
	require.NoError(t, err)
	assert.Equal(t, "/home/u/.pyenv/versions/3.9.18/bin/python3.9", path)

	_, err = r.Resolve(context.Background(), service.Descriptor{ID: "tts", MaxMinor: 8})
	assert.ErrorIs(t, err, service.ErrRuntimeNotFound)
}

func TestResolvePinnedMinor(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeExe(t, fs, "/usr/bin/python3.10")
	writeExe(t, fs, "/usr/bin/python3.12")

	r := newTestResolver(fs, fakeProber{})
	path, err := r.Resolve(context.Background(), service.Descriptor{ID: "llm", PinnedMinor: 10, MaxMinor: 12})
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/python3.10", path)
}

func TestResolveProbesUnversionedOnPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeExe(t, fs, "/opt/tools/python3")
	writeExe(t, fs, "/opt/tools/python3-config")
	require.NoError(t, afero.WriteFile(fs, "/opt/tools/python3.8", []byte("not exec"), 0o644))

	r := newTestResolver(fs, fakeProber{"/opt/tools/python3": "Python 3.10.12"})
	cands := r.Candidates(context.Background(), "", "")
	require.Len(t, cands, 1)
	assert.Equal(t, "/opt/tools/python3", cands[0].Path)
	assert.Equal(t, "3.10.12", cands[0].Version.String())
}

func TestResolveNoneRuntime(t *testing.T) {
	r := newTestResolver(afero.NewMemMapFs(), fakeProber{})
	path, err := r.Resolve(context.Background(), service.Descriptor{ID: "web", RuntimeEnv: "none"})
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestResolveNothingInstalled(t *testing.T) {
	r := newTestResolver(afero.NewMemMapFs(), fakeProber{})
	_, err := r.Resolve(context.Background(), service.Descriptor{ID: "gateway", Dir: "/srv/gateway", MaxMinor: 12})
	assert.ErrorIs(t, err, service.ErrRuntimeNotFound)
}

func TestResolveInvalidConstraint(t *testing.T) {
	r := newTestResolver(afero.NewMemMapFs(), fakeProber{})
	_, err := r.Find(context.Background(), "", "", "not a constraint")
	require.Error(t, err)
	assert.NotErrorIs(t, err, service.ErrRuntimeNotFound)
}

func TestResolveWindowsLayout(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeExe(t, fs, "/apps/Python/Python311/python.exe")
	writeExe(t, fs, "/apps/Python/Python312/python.exe")
	writeExe(t, fs, "/srv/gw/.venv/Scripts/python.exe")

	r := NewResolver(ResolverOptions{
		Fs:     fs,
		Prober: fakeProber{"/srv/gw/.venv/Scripts/python.exe": "Python 3.11.1"},
		Roots:  []string{"/apps/Python/Python3*"},
		Path:   []string{},
		GOOS:   "windows",
	})
	c, err := r.Find(context.Background(), "/srv/gw", "", ">= 3.0.0-0, < 3.12.0-0")
	require.NoError(t, err)
	assert.Equal(t, "/srv/gw/.venv/Scripts/python.exe", c.Path)
	assert.True(t, c.Dedicated)
}

func TestParseVersion(t *testing.T) {
	cases := map[string]string{
		"Python 3.11.4":   "3.11.4",
		"3.13.0rc1":       "3.13.0-rc1",
		"3.12.1.final.0":  "3.12.1",
		"Python 3.9":      "3.9.0",
		"Python 2.7.18\n": "2.7.18",
	}
	for in, want := range cases {
		v := ParseVersion(in)
		require.NotNil(t, v, in)
		assert.Equal(t, want, v.String(), in)
	}
	assert.Nil(t, ParseVersion("no version here"))
}

func TestDefaultRoots(t *testing.T) {
	assert.Contains(t, DefaultRoots("linux", "/home/u", ""), "/home/u/.pyenv/versions/3.*/bin")
	win := DefaultRoots("windows", "", `C:\Users\u\AppData\Local`)
	assert.Len(t, win, 3)
}
