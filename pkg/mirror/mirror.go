// Package mirror keeps a remote copy of the working tree current: one rsync
// pass up front, then another after every filesystem change, forever.
package mirror

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"

	"github.com/myorg/kernelbox/pkg/provider"
	"github.com/myorg/kernelbox/pkg/remote"
	"github.com/myorg/kernelbox/pkg/util"
)

// settleDelay is the pause after a change notification before the next pass,
// so a burst of writes collapses into one rsync.
const settleDelay = time.Second

const gitDir = ".git"

// Syncer mirrors srcDir to the instance until the process exits. It is never
// stopped in normal use; the watch loop dies with the process.
type Syncer struct {
	runner    *remote.Runner
	inst      provider.Instance
	srcDir    string
	remoteDir string
	logPath   string

	runPass func(ctx context.Context) error
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Start performs one sync pass immediately, then watches srcDir and re-syncs
// on every change. A failed pass is logged and the loop keeps going; rsync
// output lands in the log file under logs/.
func Start(ctx context.Context, r *remote.Runner, inst provider.Instance, srcDir, remoteDir string) (*Syncer, error) {
	s := &Syncer{
		runner:    r,
		inst:      inst,
		srcDir:    srcDir,
		remoteDir: remoteDir,
		logPath:   filepath.Join("logs", "sync-"+util.SafeLogName(instanceLabel(inst))+".log"),
		done:      make(chan struct{}),
	}
	s.runPass = s.rsyncPass
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Syncer) start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := addRecursive(w, s.srcDir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.srcDir, err)
	}
	s.watcher = w

	if err := s.runPass(ctx); err != nil {
		logrus.Warnf("initial sync pass: %v", err)
	}
	go s.loop(ctx)
	return nil
}

// addRecursive watches root and every subdirectory, skipping version-control
// metadata.
func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == gitDir {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() && filepath.Base(ev.Name) != gitDir {
					_ = s.watcher.Add(ev.Name)
				}
			}
			time.Sleep(settleDelay)
			drain(s.watcher.Events)
			if err := s.runPass(ctx); err != nil {
				logrus.Warnf("sync pass: %v", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("watcher: %v", err)
		}
	}
}

func drain(events chan fsnotify.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

// rsyncPass runs one rsync of srcDir to the instance with output appended to
// the sync log.
func (s *Syncer) rsyncPass(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.logPath), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, "rsync", s.args()...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync: %w", err)
	}
	return nil
}

// args builds the rsync argv. Exclusions come from the project's .gitignore
// via an rsync filter, and .git is always excluded outright.
func (s *Syncer) args() []string {
	rsh := shellquote.Join(append([]string{"ssh"}, s.runner.SSHOptions()...)...)
	return []string{
		"-az", "--progress",
		"-e", rsh,
		"--filter=:- .gitignore",
		"--exclude", gitDir,
		s.srcDir + "/",
		s.runner.Target(s.inst) + ":" + s.remoteDir,
	}
}

// Stop ends the watch loop. The CLI never calls it; the mirror normally runs
// until the process dies.
func (s *Syncer) Stop() {
	close(s.done)
}

func instanceLabel(inst provider.Instance) string {
	if inst.Name != "" {
		return inst.Name
	}
	return inst.ID
}
