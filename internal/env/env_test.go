package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestMergePrecedenceAndExpansion(t *testing.T) {
	e := New().WithBase([]string{"HOME=/home/u", "A=base"}).WithSet("A", "global").WithSet("DATA", "${HOME}/data")
	out := e.Merge([]string{"A=proc", "=skip"})

	v, _ := lookup(out, "A")
	assert.Equal(t, "proc", v)
	v, _ = lookup(out, "DATA")
	assert.Equal(t, "/home/u/data", v)
	_, ok := lookup(out, "")
	assert.False(t, ok)
}

func TestWithSetDoesNotMutateReceiver(t *testing.T) {
	base := New()
	_ = base.WithSet("X", "1")
	assert.Empty(t, base.Var)
}

func TestForRuntimeActivatesVenv(t *testing.T) {
	venv := filepath.Join("srv", "gw", ".venv")
	exe := filepath.Join(venv, "bin", "python3")
	e := New().WithBase([]string{"PATH=/usr/bin", "PYTHONHOME=/bad"})

	out := e.ForRuntime(exe, []string{"PYTHONUNBUFFERED=0"})

	v, _ := lookup(out, "VIRTUAL_ENV")
	assert.Equal(t, venv, v)
	v, _ = lookup(out, "PATH")
	assert.Equal(t, filepath.Join(venv, "bin")+string(os.PathListSeparator)+"/usr/bin", v)
	_, ok := lookup(out, "PYTHONHOME")
	assert.False(t, ok)
	v, _ = lookup(out, "PYTHONUNBUFFERED")
	assert.Equal(t, "0", v)
	v, _ = lookup(out, "PYTHONIOENCODING")
	assert.Equal(t, "utf-8", v)
}

func TestForRuntimeSharedInterpreter(t *testing.T) {
	e := New().WithBase([]string{"PATH=/usr/bin"})
	out := e.ForRuntime("/usr/local/python3.11", nil)
	_, ok := lookup(out, "VIRTUAL_ENV")
	assert.False(t, ok)
	v, _ := lookup(out, "PATH")
	assert.Equal(t, "/usr/bin", v)
}

func TestForRuntimeWithoutRuntime(t *testing.T) {
	e := New().WithBase([]string{"PATH=/usr/bin"})
	out := e.ForRuntime("", []string{"NODE_ENV=production"})
	_, ok := lookup(out, "PYTHONUNBUFFERED")
	assert.False(t, ok)
	v, _ := lookup(out, "NODE_ENV")
	assert.Equal(t, "production", v)
}
