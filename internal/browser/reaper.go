package browser

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/metrics"
)

var lockFiles = []string{"SingletonLock", "SingletonSocket", "SingletonCookie"}

type osProcess interface {
	PID() int32
	Cmdline(ctx context.Context) (string, error)
	Terminate(ctx context.Context) error
	Kill(ctx context.Context) error
	Running(ctx context.Context) (bool, error)
}

// Reaper terminates browser processes left behind on a profile directory and
// clears their lock files.
type Reaper struct {
	grace     time.Duration
	self      int32
	list      func(ctx context.Context) ([]osProcess, error)
	pidExists func(ctx context.Context, pid int32) (bool, error)
	logger    *zap.Logger
}

// NewReaper builds a Reaper backed by the OS process table. grace is the wait
// between SIGTERM and SIGKILL.
func NewReaper(grace time.Duration, logger *zap.Logger) *Reaper {
	if grace <= 0 {
		grace = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		grace:     grace,
		self:      int32(os.Getpid()),
		list:      listProcesses,
		pidExists: process.PidExistsWithContext,
		logger:    logger.Named("reaper"),
	}
}

// Held reports whether profileDir/SingletonLock points at a live process.
func (r *Reaper) Held(ctx context.Context, profileDir string) bool {
	pid, ok := lockOwner(profileDir)
	if !ok || pid == r.self {
		return false
	}
	alive, err := r.pidExists(ctx, pid)
	return err == nil && alive
}

// Recover terminates every process whose command line references profileDir,
// escalating to SIGKILL after the grace period, then removes stale lock files.
func (r *Reaper) Recover(ctx context.Context, profileDir string) error {
	procs, err := r.list(ctx)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	var targets []osProcess
	for _, p := range procs {
		if p.PID() == r.self {
			continue
		}
		cmdline, err := p.Cmdline(ctx)
		if err != nil || !usesProfile(cmdline, profileDir) {
			continue
		}
		r.logger.Warn("terminating stale browser process",
			zap.Int32("pid", p.PID()),
			zap.String("profile_dir", profileDir))
		if err := p.Terminate(ctx); err != nil {
			r.logger.Debug("terminate failed", zap.Int32("pid", p.PID()), zap.Error(err))
		}
		targets = append(targets, p)
	}

	if len(targets) > 0 {
		r.waitGrace(ctx, targets)
		for _, p := range targets {
			if running, err := p.Running(ctx); err == nil && running {
				r.logger.Warn("killing stale browser process", zap.Int32("pid", p.PID()))
				if err := p.Kill(ctx); err != nil {
					r.logger.Debug("kill failed", zap.Int32("pid", p.PID()), zap.Error(err))
				}
			}
			metrics.ObserveReapedProcess()
		}
	}

	return removeLockFiles(profileDir)
}

// usesProfile reports whether cmdline passes --user-data-dir=profileDir as a
// whole argument, so /x/profile does not match /x/profile2.
func usesProfile(cmdline, profileDir string) bool {
	flag := "--user-data-dir=" + filepath.Clean(profileDir)
	for rest := cmdline; ; {
		i := strings.Index(rest, flag)
		if i < 0 {
			return false
		}
		rest = rest[i+len(flag):]
		tail := strings.TrimLeft(rest, "/")
		if tail == "" || strings.ContainsRune(" \t\n\"'", rune(tail[0])) {
			return true
		}
	}
}

func (r *Reaper) waitGrace(ctx context.Context, targets []osProcess) {
	deadline := time.Now().Add(r.grace)
	poll := r.grace / 10
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	for time.Now().Before(deadline) {
		alive := false
		for _, p := range targets {
			if running, err := p.Running(ctx); err == nil && running {
				alive = true
				break
			}
		}
		if !alive {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

// lockOwner parses the pid out of the SingletonLock symlink target, which
// has the form "<hostname>-<pid>".
func lockOwner(profileDir string) (int32, bool) {
	target, err := os.Readlink(filepath.Join(profileDir, "SingletonLock"))
	if err != nil {
		return 0, false
	}
	idx := strings.LastIndex(target, "-")
	if idx < 0 {
		return 0, false
	}
	pid, err := strconv.ParseInt(target[idx+1:], 10, 32)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return int32(pid), true
}

func removeLockFiles(profileDir string) error {
	var errs []error
	for _, name := range lockFiles {
		if err := os.Remove(filepath.Join(profileDir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("remove lock files: %w", err)
	}
	return nil
}

type gopsutilProcess struct {
	p *process.Process
}

func listProcesses(ctx context.Context) ([]osProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]osProcess, 0, len(procs))
	for _, p := range procs {
		out = append(out, gopsutilProcess{p: p})
	}
	return out, nil
}

func (g gopsutilProcess) PID() int32 { return g.p.Pid }

func (g gopsutilProcess) Cmdline(ctx context.Context) (string, error) {
	return g.p.CmdlineWithContext(ctx)
}

func (g gopsutilProcess) Terminate(ctx context.Context) error {
	return g.p.TerminateWithContext(ctx)
}

func (g gopsutilProcess) Kill(ctx context.Context) error {
	return g.p.KillWithContext(ctx)
}

func (g gopsutilProcess) Running(ctx context.Context) (bool, error) {
	return g.p.IsRunningWithContext(ctx)
}
