package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ProcessProbe reports whether the capture source process is alive and
// knows how to bring it back. Running must be cheap: it is called on
// every sync run.
type ProcessProbe interface {
	Running(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
}

// PidfileProbe checks liveness through a pidfile and signal zero. A
// missing or stale pidfile means not running; EPERM from the kill
// means the process exists under another user and counts as running.
type PidfileProbe struct {
	PidfilePath string

	// StartCommand is argv for restarting the capture source. The
	// command treating "already running" as success is expected; Start
	// reports its exit status as-is otherwise.
	StartCommand []string
}

func NewPidfileProbe(pidfilePath string, startCommand []string) (*PidfileProbe, error) {
	pidfilePath = strings.TrimSpace(pidfilePath)
	if pidfilePath == "" {
		return nil, errors.New("platform: pidfile path is required")
	}
	return &PidfileProbe{PidfilePath: pidfilePath, StartCommand: startCommand}, nil
}

func (p *PidfileProbe) Running(_ context.Context) (bool, error) {
	raw, err := os.ReadFile(p.PidfilePath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("platform: read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return false, nil
	}
	switch err := unix.Kill(pid, 0); err {
	case nil:
		return true, nil
	case unix.EPERM:
		return true, nil
	case unix.ESRCH:
		return false, nil
	default:
		return false, fmt.Errorf("platform: probe pid %d: %w", pid, err)
	}
}

func (p *PidfileProbe) Start(ctx context.Context) error {
	if len(p.StartCommand) == 0 {
		return errors.New("platform: no start command configured")
	}
	cmd := exec.CommandContext(ctx, p.StartCommand[0], p.StartCommand[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("platform: start capture source: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// StaticProcessProbe is a fixed-answer probe for tests and for
// deployments where liveness is managed externally.
type StaticProcessProbe struct {
	Alive    bool
	StartErr error
}

func (p *StaticProcessProbe) Running(context.Context) (bool, error) { return p.Alive, nil }

func (p *StaticProcessProbe) Start(context.Context) error {
	if p.StartErr != nil {
		return p.StartErr
	}
	p.Alive = true
	return nil
}
