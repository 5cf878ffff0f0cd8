package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFilename = "gateman.pid"

// pidPath returns the full path to the PID file.
func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFilename)
}

// WritePID claims dataDir/gateman.pid for the current process. A file left
// behind by a dead process is overwritten; a file held by a live process is
// an error so two daemons never share a data dir.
func WritePID(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory for PID file: %w", err)
	}

	path := pidPath(dataDir)
	if pid, err := ReadPID(dataDir); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("PID file %s held by running process %d", path, pid)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing PID file %s: %w", path, err)
	}
	return nil
}

// ReadPID returns the process id recorded in dataDir/gateman.pid, whether or
// not that process is still alive.
func ReadPID(dataDir string) (int, error) {
	path := pidPath(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("PID file %s is corrupt: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// RemovePID deletes the PID file. A missing file is not an error.
func RemovePID(dataDir string) error {
	if err := os.Remove(pidPath(dataDir)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing PID file: %w", err)
	}
	return nil
}

// IsRunning reports whether the PID file names a live process. A stale file
// (dead or unparseable owner) is removed on the way out so the next start
// does not trip over it.
func IsRunning(dataDir string) bool {
	pid, err := ReadPID(dataDir)
	if err != nil {
		if !os.IsNotExist(errors.Unwrap(err)) {
			_ = RemovePID(dataDir)
		}
		return false
	}
	if processAlive(pid) {
		return true
	}
	_ = RemovePID(dataDir)
	return false
}

// processAlive probes a pid with signal 0. EPERM means the process exists
// but belongs to someone else, which still counts as alive.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
