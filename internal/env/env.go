package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes child process environments from the OS environment, global
// overrides and per-service entries.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// WithBase replaces the cached base; used by tests to avoid reading os.Environ.
func (e *Env) WithBase(kvs []string) *Env {
	n := e.clone()
	n.env = parse(kvs)
	return n
}

// WithSet returns a copy of e with K=V added to the global overrides.
func (e *Env) WithSet(k, v string) *Env {
	n := e.clone()
	if k != "" {
		n.Var[k] = v
	}
	return n
}

func (e *Env) clone() *Env {
	n := &Env{Var: make(Var, len(e.Var))}
	for k, v := range e.Var {
		n.Var[k] = v
	}
	if e.env != nil {
		n.env = make(Var, len(e.env))
		for k, v := range e.env {
			n.env[k] = v
		}
	}
	return n
}

// Merge composes the final environment list applying order:
// base = OS env (or cached), then global overrides, then perProc "K=V" entries.
// ${VAR} references are expanded against the composed map (single pass).
// Without a cached base the OS environment is read on every call.
func (e *Env) Merge(perProc []string) []string {
	base := e.env
	if base == nil {
		base = parse(os.Environ())
	}
	m := make(Var, len(base)+len(e.Var)+len(perProc))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}
	return m.expanded()
}

// ForRuntime merges perProc like Merge and additionally activates the virtual
// environment that contains runtimePath, if any. Output of Python children is
// forced to unbuffered UTF-8 unless the caller already set those variables.
func (e *Env) ForRuntime(runtimePath string, perProc []string) []string {
	m := parse(e.Merge(perProc))
	if runtimePath != "" {
		binDir := filepath.Dir(runtimePath)
		if venv := filepath.Dir(binDir); isVenvBin(binDir) {
			m["VIRTUAL_ENV"] = venv
			key := pathKey(m)
			if cur := m[key]; cur != "" {
				m[key] = binDir + string(os.PathListSeparator) + cur
			} else {
				m[key] = binDir
			}
			delete(m, "PYTHONHOME")
		}
		if _, ok := m["PYTHONUNBUFFERED"]; !ok {
			m["PYTHONUNBUFFERED"] = "1"
		}
		if _, ok := m["PYTHONIOENCODING"]; !ok {
			m["PYTHONIOENCODING"] = "utf-8"
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func isVenvBin(binDir string) bool {
	base := strings.ToLower(filepath.Base(binDir))
	return base == "bin" || base == "scripts"
}

// pathKey returns the existing spelling of PATH (Windows uses "Path").
func pathKey(m Var) string {
	for k := range m {
		if strings.EqualFold(k, "PATH") {
			return k
		}
	}
	return "PATH"
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func (m Var) expanded() []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
