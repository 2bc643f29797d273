package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// claimPIDFile writes the current pid to path unless it names a live
// process. The release func removes the file if it still holds our pid.
func claimPIDFile(path string) (func(), error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if pid, err := readPIDFile(path); err == nil && pidRunning(pid) {
		return nil, fmt.Errorf("pid file %q points to running process %d", path, pid)
	}

	pid := os.Getpid()
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, err
	}
	_, werr := fmt.Fprintf(tmp, "%d\n", pid)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), path)
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return nil, werr
	}

	return func() {
		if cur, err := readPIDFile(path); err == nil && cur == pid {
			_ = os.Remove(path)
		}
	}, nil
}

func readPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q contains invalid pid %q", path, raw)
	}
	return pid, nil
}

func pidRunning(pid int) bool {
	if pid <= 0 || isZombiePID(pid) {
		return false
	}
	return processAlive(pid)
}

func isZombiePID(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state field follows the parenthesised command name.
	if i := strings.LastIndexByte(string(data), ')'); i >= 0 {
		fields := strings.Fields(string(data[i+1:]))
		return len(fields) > 0 && fields[0] == "Z"
	}
	return false
}
