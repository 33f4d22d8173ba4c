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

const pidFilename = "switchyard.pid"

// WritePID records the current process ID in dataDir. The file is written
// to a temporary name and renamed so a concurrent reader never sees it half
// written.
func WritePID(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory for PID file: %w", err)
	}

	path := pidPath(dataDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing PID file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing PID file %s: %w", path, err)
	}
	return nil
}

// ReadPID returns the process ID recorded in dataDir.
func ReadPID(dataDir string) (int, error) {
	path := pidPath(dataDir)

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing PID from %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("parsing PID from %s: invalid pid %d", path, pid)
	}
	return pid, nil
}

// RemovePID removes the PID file from dataDir. A missing file is not an error.
func RemovePID(dataDir string) error {
	path := pidPath(dataDir)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing PID file %s: %w", path, err)
	}
	return nil
}

// IsRunning reports whether the PID file names a live process.
func IsRunning(dataDir string) bool {
	pid, err := ReadPID(dataDir)
	if err != nil {
		return false
	}
	return isProcessAlive(pid)
}

// isProcessAlive sends signal 0, which checks for existence only.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFilename)
}
