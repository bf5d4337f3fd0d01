package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a user-facing notification raised on the device itself.
// ID is the de-duplication key: raising the same ID twice while it is
// outstanding must not produce a second notification.
type Alert struct {
	ID       string
	Severity Severity
	Title    string
	Body     string
}

type Alerter interface {
	Raise(ctx context.Context, alert Alert) error
	Clear(ctx context.Context, id string) error
}

// CommandAlerter posts alerts through a platform notification
// command. The alert fields are appended as arguments: id, severity,
// title, body for raise; id for clear. Outstanding IDs are tracked in
// memory so a repeat of an unresolved alert is a no-op.
type CommandAlerter struct {
	RaiseCommand []string
	ClearCommand []string
	Logger       *slog.Logger

	mu          sync.Mutex
	outstanding map[string]bool
}

func NewCommandAlerter(raiseCommand, clearCommand []string, logger *slog.Logger) (*CommandAlerter, error) {
	if len(raiseCommand) == 0 {
		return nil, errors.New("platform: alert raise command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandAlerter{
		RaiseCommand: raiseCommand,
		ClearCommand: clearCommand,
		Logger:       logger,
		outstanding:  map[string]bool{},
	}, nil
}

func (a *CommandAlerter) Raise(ctx context.Context, alert Alert) error {
	if strings.TrimSpace(alert.ID) == "" {
		return errors.New("platform: alert id is required")
	}
	a.mu.Lock()
	if a.outstanding[alert.ID] {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	args := append(append([]string{}, a.RaiseCommand[1:]...),
		alert.ID, string(alert.Severity), alert.Title, alert.Body)
	cmd := exec.CommandContext(ctx, a.RaiseCommand[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("platform: raise alert %s: %w: %s", alert.ID, err, strings.TrimSpace(string(out)))
	}

	a.mu.Lock()
	a.outstanding[alert.ID] = true
	a.mu.Unlock()
	a.Logger.Warn("alert raised", "id", alert.ID, "severity", alert.Severity)
	return nil
}

func (a *CommandAlerter) Clear(ctx context.Context, id string) error {
	a.mu.Lock()
	raised := a.outstanding[id]
	delete(a.outstanding, id)
	a.mu.Unlock()
	if !raised {
		return nil
	}
	if len(a.ClearCommand) > 0 {
		args := append(append([]string{}, a.ClearCommand[1:]...), id)
		cmd := exec.CommandContext(ctx, a.ClearCommand[0], args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("platform: clear alert %s: %w: %s", id, err, strings.TrimSpace(string(out)))
		}
	}
	a.Logger.Info("alert cleared", "id", id)
	return nil
}

// LogAlerter writes alerts to the log only. Used when no notification
// command is configured.
type LogAlerter struct {
	Logger *slog.Logger

	mu          sync.Mutex
	outstanding map[string]bool
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{Logger: logger, outstanding: map[string]bool{}}
}

func (a *LogAlerter) Raise(_ context.Context, alert Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outstanding[alert.ID] {
		return nil
	}
	a.outstanding[alert.ID] = true
	a.Logger.Warn("alert raised",
		"id", alert.ID, "severity", alert.Severity, "title", alert.Title, "body", alert.Body)
	return nil
}

func (a *LogAlerter) Clear(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.outstanding[id] {
		return nil
	}
	delete(a.outstanding, id)
	a.Logger.Info("alert cleared", "id", id)
	return nil
}
