package platform

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// PermissionProbe reports whether the capture source still holds the
// OS permission it needs to observe notifications. The permission can
// be revoked out from under a running process, so this is checked on
// every sync run, not just at startup.
type PermissionProbe interface {
	Granted(ctx context.Context) (bool, error)
}

// CommandPermissionProbe shells out to a platform-specific check.
// Exit 0 means granted, exit 1 means revoked, anything else is a
// probe failure.
type CommandPermissionProbe struct {
	Command []string
}

func NewCommandPermissionProbe(command []string) (*CommandPermissionProbe, error) {
	if len(command) == 0 {
		return nil, errors.New("platform: permission check command is required")
	}
	return &CommandPermissionProbe{Command: command}, nil
}

func (p *CommandPermissionProbe) Granted(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("platform: permission probe: %w: %s", err, strings.TrimSpace(string(out)))
}

// StaticPermissionProbe is a fixed-answer probe for tests and for
// platforms without a revocable capture permission.
type StaticPermissionProbe struct {
	Answer bool
	Err    error
}

func (p *StaticPermissionProbe) Granted(context.Context) (bool, error) {
	return p.Answer, p.Err
}
