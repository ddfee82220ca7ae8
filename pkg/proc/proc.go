// Package proc starts background child processes with their output redirected
// to a log file. A Handle has no owner: the child runs until it exits on its
// own or is terminated externally, and nothing monitors it after start.
package proc

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Handle refers to a started background process.
type Handle struct {
	cmd *exec.Cmd

	// LogPath is where the child's stdout and stderr land. Operators inspect
	// it when the child misbehaves; this package never reads it back.
	LogPath string
}

// Start launches name with args, appending stdout and stderr to logPath.
// Parent directories of logPath are created as needed.
func Start(logPath, name string, args ...string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	// the child holds its own copy of the descriptor
	logFile.Close()
	return &Handle{cmd: cmd, LogPath: logPath}, nil
}

func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Kill terminates and reaps the child.
func (h *Handle) Kill() error {
	if err := h.cmd.Process.Kill(); err != nil {
		return err
	}
	_ = h.cmd.Wait()
	return nil
}
