package platform

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writePidfile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pid")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	return path
}

func TestPidfileProbeRunning(t *testing.T) {
	probe, err := NewPidfileProbe(writePidfile(t, fmt.Sprintf("%d\n", os.Getpid())), nil)
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	running, err := probe.Running(context.Background())
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if !running {
		t.Error("own pid reported as not running")
	}
}

func TestPidfileProbeStalePid(t *testing.T) {
	// Pid numbers wrap below pid_max; anything above it cannot exist.
	probe, err := NewPidfileProbe(writePidfile(t, "99999999"), nil)
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	running, err := probe.Running(context.Background())
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if running {
		t.Error("stale pid reported as running")
	}
}

func TestPidfileProbeMissingOrGarbage(t *testing.T) {
	probe, err := NewPidfileProbe(filepath.Join(t.TempDir(), "absent.pid"), nil)
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	running, err := probe.Running(context.Background())
	if err != nil || running {
		t.Errorf("missing pidfile: running=%v err=%v, want false/nil", running, err)
	}

	probe, err = NewPidfileProbe(writePidfile(t, "not-a-pid"), nil)
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	running, err = probe.Running(context.Background())
	if err != nil || running {
		t.Errorf("garbage pidfile: running=%v err=%v, want false/nil", running, err)
	}
}

func TestPidfileProbeStart(t *testing.T) {
	probe, err := NewPidfileProbe(writePidfile(t, "1"), []string{"true"})
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	if err := probe.Start(context.Background()); err != nil {
		t.Errorf("start with true: %v", err)
	}

	probe.StartCommand = []string{"false"}
	if err := probe.Start(context.Background()); err == nil {
		t.Error("start with false: expected error")
	}

	probe.StartCommand = nil
	if err := probe.Start(context.Background()); err == nil {
		t.Error("start with no command: expected error")
	}
}

func TestCommandPermissionProbe(t *testing.T) {
	probe, err := NewCommandPermissionProbe([]string{"true"})
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	granted, err := probe.Granted(context.Background())
	if err != nil || !granted {
		t.Errorf("true command: granted=%v err=%v, want true/nil", granted, err)
	}

	probe.Command = []string{"false"}
	granted, err = probe.Granted(context.Background())
	if err != nil || granted {
		t.Errorf("false command: granted=%v err=%v, want false/nil", granted, err)
	}

	probe.Command = []string{"/nonexistent-permission-check"}
	if _, err = probe.Granted(context.Background()); err == nil {
		t.Error("unrunnable command: expected error")
	}
}

func TestLogAlerterDeduplicates(t *testing.T) {
	alerter := NewLogAlerter(slog.Default())
	ctx := context.Background()
	alert := Alert{ID: "capture-permission-revoked", Severity: SeverityCritical, Title: "t", Body: "b"}

	if err := alerter.Raise(ctx, alert); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := alerter.Raise(ctx, alert); err != nil {
		t.Fatalf("repeat raise: %v", err)
	}
	if !alerter.outstanding[alert.ID] {
		t.Error("alert not tracked as outstanding")
	}
	if err := alerter.Clear(ctx, alert.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if alerter.outstanding[alert.ID] {
		t.Error("alert still outstanding after clear")
	}
	if err := alerter.Clear(ctx, alert.ID); err != nil {
		t.Fatalf("repeat clear: %v", err)
	}
}

func TestCommandAlerter(t *testing.T) {
	alerter, err := NewCommandAlerter([]string{"true"}, []string{"true"}, slog.Default())
	if err != nil {
		t.Fatalf("new alerter: %v", err)
	}
	ctx := context.Background()
	alert := Alert{ID: "sync-storage-fault", Severity: SeverityWarning, Title: "t", Body: "b"}

	if err := alerter.Raise(ctx, alert); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := alerter.Raise(ctx, alert); err != nil {
		t.Fatalf("repeat raise: %v", err)
	}
	if err := alerter.Clear(ctx, alert.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	alerter.RaiseCommand = []string{"false"}
	if err := alerter.Raise(ctx, alert); err == nil {
		t.Error("failing raise command: expected error")
	}
	if alerter.outstanding[alert.ID] {
		t.Error("failed raise must not mark alert outstanding")
	}
}
