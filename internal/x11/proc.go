package x11

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// procRoot is overridden in tests
var procRoot = "/proc"

// ProcessName returns the short command name of pid
func ProcessName(pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}
	data, err := os.ReadFile(filepath.Join(procRoot, fmt.Sprint(pid), "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ExecutablePath returns the resolved executable of pid. It fails for
// processes owned by other users.
func ExecutablePath(pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}
	return os.Readlink(filepath.Join(procRoot, fmt.Sprint(pid), "exe"))
}
