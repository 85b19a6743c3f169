package worker

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// writePIDFile is best-effort; a missing pid file never blocks a spawn.
func writePIDFile(path string, pid int) {
	if path == "" || pid == 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o750)
	_ = os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600)
}

func removePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// ReadPIDFile returns the PID recorded by a previous run.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}
