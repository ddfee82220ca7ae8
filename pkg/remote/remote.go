// Package remote runs commands on an instance and copies files back, always
// through ssh/scp subprocesses built from argument lists, never a shell.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"

	"github.com/myorg/kernelbox/pkg/config"
	"github.com/myorg/kernelbox/pkg/provider"
)

// BootMarkerPath is written by cloud-init when first boot completes.
const BootMarkerPath = "/var/lib/cloud/instance/boot-finished"

const defaultCacheDir = "cache"

// CommandError reports a local subprocess that exited non-zero where success
// was required.
type CommandError struct {
	Cmd      string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Cmd, e.ExitCode)
}

// Runner builds and executes ssh/scp invocations for one configuration.
type Runner struct {
	User     string
	KeyPath  string
	CacheDir string

	// BootPollInterval is the wait between boot-marker probes.
	BootPollInterval time.Duration

	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return &Runner{
		User:             cfg.User,
		KeyPath:          filepath.Join(home, ".ssh", cfg.KeyPair+".pem"),
		CacheDir:         defaultCacheDir,
		BootPollInterval: time.Second,
		execCommand:      exec.CommandContext,
	}, nil
}

// SSHOptions is the flag set shared by every ssh, scp and rsync invocation:
// the configured identity file, with host key checking disabled because
// instance addresses are recycled constantly.
func (r *Runner) SSHOptions() []string {
	return []string{
		"-i", r.KeyPath,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
	}
}

// Target is the user@host argument for the instance.
func (r *Runner) Target(inst provider.Instance) string {
	return r.User + "@" + inst.PublicIP
}

// SSHCommand returns the interactive ssh invocation for the instance as a
// shell-pasteable string.
func (r *Runner) SSHCommand(inst provider.Instance) string {
	args := append([]string{"ssh"}, r.SSHOptions()...)
	args = append(args, r.Target(inst))
	return shellquote.Join(args...)
}

func (r *Runner) run(ctx context.Context, inst provider.Instance, cmd string, stdout, stderr io.Writer) (int, error) {
	args := append(r.SSHOptions(), r.Target(inst), cmd)
	c := r.execCommand(ctx, "ssh", args...)
	c.Stdout = stdout
	c.Stderr = stderr
	err := c.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("ssh: %w", err)
}

// Run executes cmd on the instance with the caller's stdio attached and
// blocks until it finishes, returning the remote exit status. There is no
// timeout; cancel ctx to give up on a hung command.
func (r *Runner) Run(ctx context.Context, inst provider.Instance, cmd string) (int, error) {
	return r.run(ctx, inst, cmd, os.Stdout, os.Stderr)
}

// RunCaptured is Run with stdout captured. A non-zero remote exit is a
// CommandError carrying the stderr tail.
func (r *Runner) RunCaptured(ctx context.Context, inst provider.Instance, cmd string) (string, error) {
	args := append(r.SSHOptions(), r.Target(inst), cmd)
	c := r.execCommand(ctx, "ssh", args...)
	out, err := c.Output()
	if err == nil {
		return string(out), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return "", &CommandError{Cmd: "ssh " + cmd, ExitCode: exitErr.ExitCode(), Output: string(exitErr.Stderr)}
	}
	return "", fmt.Errorf("ssh: %w", err)
}

// AwaitBoot blocks until cloud-init reports first boot finished. It probes
// once per interval with no attempt cap; cancelling ctx is the only way to
// abandon the wait.
func (r *Runner) AwaitBoot(ctx context.Context, inst provider.Instance) error {
	ticker := time.NewTicker(r.BootPollInterval)
	defer ticker.Stop()
	for {
		code, err := r.run(ctx, inst, "test -f "+BootMarkerPath, io.Discard, io.Discard)
		if err == nil && code == 0 {
			return nil
		}
		if err != nil {
			logrus.Debugf("boot probe: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FetchFile copies remotePath into the local cache directory (created on
// demand) and returns the local path.
func (r *Runner) FetchFile(ctx context.Context, inst provider.Instance, remotePath string) (string, error) {
	if err := os.MkdirAll(r.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}
	local := filepath.Join(r.CacheDir, filepath.Base(remotePath))
	args := append(r.SSHOptions(), r.Target(inst)+":"+remotePath, local)
	c := r.execCommand(ctx, "scp", args...)
	out, err := c.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &CommandError{Cmd: "scp " + remotePath, ExitCode: exitErr.ExitCode(), Output: string(out)}
		}
		return "", fmt.Errorf("scp: %w", err)
	}
	return local, nil
}
