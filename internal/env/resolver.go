package env

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/loykin/helmsman/internal/service"
	"github.com/spf13/afero"
)

// VersionProber reports the version string printed by an interpreter.
type VersionProber interface {
	Version(ctx context.Context, exe string) (string, error)
}

// ExecProber runs "<exe> --version" with a timeout.
type ExecProber struct {
	Timeout time.Duration
}

func (p ExecProber) Version(ctx context.Context, exe string) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// #nosec G204 -- exe is a discovered interpreter path
	out, err := exec.CommandContext(ctx, exe, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", exe, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Candidate is one interpreter found on the host.
type Candidate struct {
	Path      string
	Version   *semver.Version
	Dedicated bool // lives in a per-service environment
}

// ResolverOptions configures a Resolver. Zero values select host defaults.
type ResolverOptions struct {
	Fs     afero.Fs
	Prober VersionProber
	Roots  []string // glob patterns of install directories
	Path   []string // PATH entries
	GOOS   string
}

// Resolver locates interpreters satisfying a version constraint.
// It only reads the filesystem snapshot it is given and the prober output.
type Resolver struct {
	fs     afero.Fs
	prober VersionProber
	roots  []string
	path   []string
	goos   string
}

func NewResolver(opts ResolverOptions) *Resolver {
	r := &Resolver{fs: opts.Fs, prober: opts.Prober, roots: opts.Roots, path: opts.Path, goos: opts.GOOS}
	if r.fs == nil {
		r.fs = afero.NewOsFs()
	}
	if r.prober == nil {
		r.prober = ExecProber{}
	}
	if r.goos == "" {
		r.goos = runtime.GOOS
	}
	if r.roots == nil {
		home, _ := os.UserHomeDir()
		r.roots = DefaultRoots(r.goos, home, os.Getenv("LOCALAPPDATA"))
	}
	if r.path == nil {
		r.path = filepath.SplitList(os.Getenv("PATH"))
	}
	return r
}

// DefaultRoots returns the well-known install roots for goos.
func DefaultRoots(goos, home, localAppData string) []string {
	if goos == "windows" {
		roots := []string{`C:\Python3*`, `C:\Program Files\Python3*`}
		if localAppData != "" {
			roots = append([]string{filepath.Join(localAppData, "Programs", "Python", "Python3*")}, roots...)
		}
		return roots
	}
	roots := []string{
		"/usr/local/bin",
		"/usr/bin",
		"/opt/homebrew/bin",
		"/Library/Frameworks/Python.framework/Versions/3.*/bin",
	}
	if home != "" {
		roots = append([]string{filepath.Join(home, ".pyenv", "versions", "3.*", "bin")}, roots...)
	}
	return roots
}

// Resolve returns the interpreter path for d, or "" when the descriptor
// declares an externally managed runtime.
func (r *Resolver) Resolve(ctx context.Context, d service.Descriptor) (string, error) {
	if !d.NeedsRuntime() {
		return "", nil
	}
	c, err := r.Find(ctx, d.Dir, d.RuntimeEnv, d.Constraint())
	if err != nil {
		return "", err
	}
	return c.Path, nil
}

// Find enumerates candidates reachable from dir and returns the highest
// minor version satisfying constraint; ties prefer dedicated environments.
func (r *Resolver) Find(ctx context.Context, dir, envPath, constraint string) (Candidate, error) {
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return Candidate{}, fmt.Errorf("invalid runtime constraint %q: %w", constraint, err)
	}
	all := r.Candidates(ctx, dir, envPath)
	var ok []Candidate
	for _, c := range all {
		if c.Version.Major() == 3 && cons.Check(c.Version) {
			ok = append(ok, c)
		}
	}
	if len(ok) == 0 {
		return Candidate{}, fmt.Errorf("%w: no interpreter in %d candidates satisfies %q", service.ErrRuntimeNotFound, len(all), constraint)
	}
	sort.SliceStable(ok, func(i, j int) bool {
		a, b := ok[i], ok[j]
		if a.Version.Minor() != b.Version.Minor() {
			return a.Version.Minor() > b.Version.Minor()
		}
		if a.Dedicated != b.Dedicated {
			return a.Dedicated
		}
		return a.Version.GreaterThan(b.Version)
	})
	return ok[0], nil
}

// Candidates lists every interpreter discovered, dedicated environments first.
func (r *Resolver) Candidates(ctx context.Context, dir, envPath string) []Candidate {
	seen := make(map[string]struct{})
	var out []Candidate
	add := func(c Candidate, ok bool) {
		if !ok {
			return
		}
		if _, dup := seen[c.Path]; dup {
			return
		}
		seen[c.Path] = struct{}{}
		out = append(out, c)
	}
	for _, venv := range r.envDirs(dir, envPath) {
		add(r.fromVenv(ctx, venv))
	}
	for _, pattern := range r.roots {
		matches, err := afero.Glob(r.fs, pattern)
		if err != nil {
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			for _, c := range r.fromDir(ctx, m) {
				add(c, true)
			}
		}
	}
	for _, p := range r.path {
		if p == "" {
			continue
		}
		for _, c := range r.fromDir(ctx, p) {
			add(c, true)
		}
	}
	return out
}

func (r *Resolver) envDirs(dir, envPath string) []string {
	var dirs []string
	if envPath != "" && !strings.EqualFold(envPath, service.RuntimeNone) {
		if !filepath.IsAbs(envPath) && dir != "" {
			envPath = filepath.Join(dir, envPath)
		}
		dirs = append(dirs, filepath.Clean(envPath))
	}
	if dir != "" {
		dirs = append(dirs, filepath.Join(dir, ".venv"), filepath.Join(dir, "venv"))
	}
	return dirs
}

func (r *Resolver) fromVenv(ctx context.Context, venv string) (Candidate, bool) {
	var exes []string
	if r.goos == "windows" {
		exes = []string{filepath.Join(venv, "Scripts", "python.exe")}
	} else {
		exes = []string{filepath.Join(venv, "bin", "python3"), filepath.Join(venv, "bin", "python")}
	}
	for _, exe := range exes {
		if !r.isExecutable(exe) {
			continue
		}
		v := r.venvVersion(venv)
		if v == nil {
			v = r.probe(ctx, exe)
		}
		if v == nil {
			continue
		}
		return Candidate{Path: exe, Version: v, Dedicated: true}, true
	}
	return Candidate{}, false
}

var (
	unixNameRe = regexp.MustCompile(`^python3(\.\d+)?$`)
	winDirRe   = regexp.MustCompile(`(?i)python3(\d+)$`)
	versionRe  = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?(?:\.?([a-z]+\d*))?`)
)

func (r *Resolver) fromDir(ctx context.Context, dir string) []Candidate {
	if r.goos == "windows" {
		exe := filepath.Join(dir, "python.exe")
		if !r.isExecutable(exe) {
			return nil
		}
		var v *semver.Version
		if m := winDirRe.FindStringSubmatch(filepath.Base(dir)); m != nil {
			v, _ = semver.NewVersion("3." + m[1] + ".0")
		}
		if v == nil {
			v = r.probe(ctx, exe)
		}
		if v == nil {
			return nil
		}
		return []Candidate{{Path: exe, Version: v}}
	}
	entries, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		return nil
	}
	var out []Candidate
	for _, fi := range entries {
		name := fi.Name()
		m := unixNameRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		exe := filepath.Join(dir, name)
		if !r.isExecutable(exe) {
			continue
		}
		var v *semver.Version
		if m[1] != "" {
			v, _ = semver.NewVersion("3" + m[1] + ".0")
			// the file name only carries the minor; refine the patch when cheap
			if pv := r.probe(ctx, exe); pv != nil && pv.Minor() == v.Minor() {
				v = pv
			}
		} else {
			v = r.probe(ctx, exe)
		}
		if v == nil {
			continue
		}
		out = append(out, Candidate{Path: exe, Version: v})
	}
	return out
}

func (r *Resolver) isExecutable(p string) bool {
	fi, err := r.fs.Stat(p)
	if err != nil || fi.IsDir() {
		return false
	}
	if r.goos == "windows" {
		return true
	}
	return fi.Mode().Perm()&0o111 != 0
}

// venvVersion reads the interpreter version recorded in pyvenv.cfg.
func (r *Resolver) venvVersion(venv string) *semver.Version {
	b, err := afero.ReadFile(r.fs, filepath.Join(venv, "pyvenv.cfg"))
	if err != nil {
		return nil
	}
	var fallback *semver.Version
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		k, v, ok := strings.Cut(s.Text(), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(strings.ToLower(k)) {
		case "version", "version_info":
			if pv := ParseVersion(v); pv != nil {
				if strings.TrimSpace(strings.ToLower(k)) == "version" {
					return pv
				}
				fallback = pv
			}
		}
	}
	return fallback
}

func (r *Resolver) probe(ctx context.Context, exe string) *semver.Version {
	out, err := r.prober.Version(ctx, exe)
	if err != nil {
		return nil
	}
	return ParseVersion(out)
}

// ParseVersion extracts a version from interpreter output such as
// "Python 3.11.4" or "3.13.0rc1". It returns nil when none is found.
func ParseVersion(s string) *semver.Version {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	v := m[1] + "." + m[2] + "." + patch
	if pre := m[4]; pre != "" && pre != "final" {
		v += "-" + pre
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return nil
	}
	return sv
}
