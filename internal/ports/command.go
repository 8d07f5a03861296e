package ports

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// RunFunc executes a command and returns its stdout.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// CommandLister shells out to lsof on unix and netstat on Windows.
type CommandLister struct {
	GOOS string
	Run  RunFunc
}

// NewCommandLister returns a lister for the running platform.
func NewCommandLister() CommandLister {
	return CommandLister{GOOS: runtime.GOOS, Run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- fixed tool names, numeric arguments
	return exec.CommandContext(ctx, name, args...).Output()
}

func (l CommandLister) Owners(ctx context.Context, ports []int) (Ownership, error) {
	if l.GOOS == "windows" {
		out, err := l.Run(ctx, "netstat", "-ano", "-p", "TCP")
		if err != nil {
			return nil, err
		}
		return parseNetstat(out, ports), nil
	}
	own := Ownership{}
	for _, p := range ports {
		out, err := l.Run(ctx, "lsof", "-nP", "-F", "pn", "-iTCP:"+strconv.Itoa(p), "-sTCP:LISTEN,ESTABLISHED")
		if err != nil {
			// lsof exits 1 when nothing matches
			var ee *exec.ExitError
			if errors.As(err, &ee) && ee.ExitCode() == 1 {
				continue
			}
			return nil, err
		}
		if pids := parseLsof(out, p); len(pids) > 0 {
			own[p] = pids
		}
	}
	return own, nil
}

// parseLsof reads `lsof -F pn` output and keeps the processes whose socket
// has port as its local end. -iTCP:port also matches clients connected to
// that port, which are not owners:
//
//	p1234
//	f5
//	n127.0.0.1:8000->127.0.0.1:51000
func parseLsof(out []byte, port int) []int32 {
	suffix := ":" + strconv.Itoa(port)
	var (
		pids []int32
		pid  int32
		// pid is appended at most once per process set
		taken bool
	)
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		line := s.Text()
		if line == "" {
			continue
		}
		switch line[0] {
		case 'p':
			v, err := strconv.ParseInt(line[1:], 10, 32)
			if err != nil {
				pid = 0
				continue
			}
			pid, taken = int32(v), false
		case 'n':
			local, _, _ := strings.Cut(line[1:], "->")
			if pid > 0 && !taken && strings.HasSuffix(local, suffix) {
				pids = append(pids, pid)
				taken = true
			}
		}
	}
	return pids
}

// parseNetstat reads `netstat -ano -p TCP` output:
//
//	TCP    0.0.0.0:8000     0.0.0.0:0      LISTENING     1234
func parseNetstat(out []byte, ports []int) Ownership {
	want := make(map[int]bool, len(ports))
	for _, p := range ports {
		want[p] = true
	}
	own := Ownership{}
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		f := strings.Fields(s.Text())
		if len(f) < 5 || !strings.EqualFold(f[0], "TCP") || !ownerState(strings.ToUpper(f[3])) {
			continue
		}
		i := strings.LastIndexByte(f[1], ':')
		if i < 0 {
			continue
		}
		port, err := strconv.Atoi(f[1][i+1:])
		if err != nil || !want[port] {
			continue
		}
		pid, err := strconv.ParseInt(f[4], 10, 32)
		if err != nil {
			continue
		}
		own[port] = append(own[port], int32(pid))
	}
	return own
}
