// Package engine runs the recurring liveness-and-sync cycle: keep the
// capture source alive, heartbeat the collector, drain the outbox in
// paced batches, and sweep retention.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentworkforce/relaymsg/internal/clock"
	"github.com/agentworkforce/relaymsg/internal/collector"
	"github.com/agentworkforce/relaymsg/internal/outbox"
	"github.com/agentworkforce/relaymsg/internal/platform"
)

var (
	// ErrSyncDisabled short-circuits the heartbeat and drain steps
	// when forwarding is turned off in configuration. Logged at low
	// severity, never escalated.
	ErrSyncDisabled = errors.New("sync disabled")

	// ErrPermissionRevoked is reported when the capture permission
	// check comes back negative. It escalates to a device alert but
	// does not stop the remaining steps of a run.
	ErrPermissionRevoked = errors.New("capture permission revoked")
)

// PermissionAlertID is the fixed de-duplication key for the revoked
// permission alert. Reusing it on every run updates the outstanding
// notification instead of stacking a new one.
const PermissionAlertID = "capture-permission-revoked"

type Config struct {
	SyncEnabled bool

	// BatchSize caps how many undelivered events one run drains.
	BatchSize int

	// RetryCeiling is the retry count at which an event stops being
	// drained. It stays in the store until the safety-net sweep.
	RetryCeiling int

	// PacingDelay is the pause between consecutive sends within a
	// batch, so a backlog drain does not burst the collector.
	PacingDelay time.Duration

	// DeliveredRetention and SafetyNetRetention are the two deletion
	// tiers: delivered events go after the short window, everything
	// goes after the long one.
	DeliveredRetention time.Duration
	SafetyNetRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		SyncEnabled:        true,
		BatchSize:          50,
		RetryCeiling:       100,
		PacingDelay:        100 * time.Millisecond,
		DeliveredRetention: 7 * 24 * time.Hour,
		SafetyNetRetention: 30 * 24 * time.Hour,
	}
}

// Report summarizes one run for logging and the status endpoint.
type Report struct {
	StartedAt         time.Time `json:"started_at"`
	ProcessRestarted  bool      `json:"process_restarted"`
	PermissionGranted bool      `json:"permission_granted"`
	HeartbeatSent     bool      `json:"heartbeat_sent"`
	Sent              int       `json:"sent"`
	Failed            int       `json:"failed"`
	DeliveredPruned   int64     `json:"delivered_pruned"`
	SafetyNetPruned   int64     `json:"safety_net_pruned"`
}

type Engine struct {
	store      outbox.EventStore
	client     collector.Client
	process    platform.ProcessProbe
	permission platform.PermissionProbe
	alerter    platform.Alerter
	clock      clock.Clock
	log        *slog.Logger
	config     Config
}

func New(store outbox.EventStore, client collector.Client, process platform.ProcessProbe,
	permission platform.PermissionProbe, alerter platform.Alerter,
	clk clock.Clock, log *slog.Logger, config Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: event store is required")
	}
	if client == nil && config.SyncEnabled {
		return nil, errors.New("engine: collector client is required when sync is enabled")
	}
	if process == nil || permission == nil || alerter == nil {
		return nil, errors.New("engine: process probe, permission probe, and alerter are required")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	if config.BatchSize <= 0 || config.RetryCeiling <= 0 {
		return nil, errors.New("engine: batch size and retry ceiling must be positive")
	}
	if config.DeliveredRetention <= 0 || config.SafetyNetRetention <= 0 {
		return nil, errors.New("engine: retention windows must be positive")
	}
	return &Engine{
		store:      store,
		client:     client,
		process:    process,
		permission: permission,
		alerter:    alerter,
		clock:      clk,
		log:        log,
		config:     config,
	}, nil
}

// RunOnce executes one full cycle. Every step is fault-isolated: a
// classified failure (storage, transport, revoked permission, sync
// disabled) is logged or escalated in place and the run moves on. The
// returned error is non-nil only for unclassified failures, which
// tell the scheduler to retry the whole run sooner; the run is
// idempotent and safe to repeat.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	report := Report{StartedAt: e.clock.Now().UTC()}
	var unclassified []error

	record := func(step string, err error) {
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if classified(err) {
			e.log.Error("sync step failed", "step", step, "error", err)
			return
		}
		e.log.Error("sync step failed, scheduling retry", "step", step, "error", err)
		unclassified = append(unclassified, fmt.Errorf("%s: %w", step, err))
	}

	record("process liveness", e.ensureCaptureRunning(ctx, &report))
	record("permission check", e.checkPermission(ctx, &report))
	record("heartbeat", e.sendHeartbeat(ctx, &report))
	record("retry drain", e.drain(ctx, &report))
	record("retention delivered", e.sweepDelivered(ctx, &report))
	record("retention safety net", e.sweepSafetyNet(ctx, &report))

	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, errors.Join(unclassified...)
}

func classified(err error) bool {
	var storageErr *outbox.StorageError
	var transportErr *collector.TransportError
	return errors.As(err, &storageErr) ||
		errors.As(err, &transportErr) ||
		errors.Is(err, ErrSyncDisabled) ||
		errors.Is(err, ErrPermissionRevoked)
}

func (e *Engine) ensureCaptureRunning(ctx context.Context, report *Report) error {
	running, err := e.process.Running(ctx)
	if err != nil {
		return err
	}
	if running {
		return nil
	}
	e.log.Warn("capture process not running, restarting")
	if err := e.process.Start(ctx); err != nil {
		return err
	}
	report.ProcessRestarted = true
	return nil
}

func (e *Engine) checkPermission(ctx context.Context, report *Report) error {
	granted, err := e.permission.Granted(ctx)
	if err != nil {
		return err
	}
	report.PermissionGranted = granted
	if granted {
		if err := e.alerter.Clear(ctx, PermissionAlertID); err != nil {
			e.log.Error("clear permission alert", "error", err)
		}
		return nil
	}
	alert := platform.Alert{
		ID:       PermissionAlertID,
		Severity: platform.SeverityCritical,
		Title:    "Notification access revoked",
		Body:     "Message capture has stopped. Re-grant notification access to resume.",
	}
	if err := e.alerter.Raise(ctx, alert); err != nil {
		e.log.Error("raise permission alert", "error", err)
	}
	return ErrPermissionRevoked
}

func (e *Engine) sendHeartbeat(ctx context.Context, report *Report) error {
	if !e.config.SyncEnabled {
		e.log.Debug("heartbeat skipped", "reason", ErrSyncDisabled)
		return nil
	}
	if err := e.client.SendHeartbeat(ctx, e.clock.Now()); err != nil {
		// Best-effort liveness signal.
		e.log.Warn("heartbeat failed", "error", err)
		return nil
	}
	report.HeartbeatSent = true
	return nil
}

func (e *Engine) drain(ctx context.Context, report *Report) error {
	if !e.config.SyncEnabled {
		e.log.Debug("drain skipped", "reason", ErrSyncDisabled)
		return nil
	}
	events, err := e.store.ListUndelivered(ctx, e.config.RetryCeiling, e.config.BatchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	conversationNames := map[outbox.ConversationID]string{}
	for i, event := range events {
		if i > 0 {
			if err := e.pace(ctx); err != nil {
				return err
			}
		}
		name, ok := conversationNames[event.ConversationID]
		if !ok {
			name, err = e.store.ConversationName(ctx, event.ConversationID)
			if err != nil {
				report.Failed++
				if bumpErr := e.bumpRetry(ctx, event.ID); bumpErr != nil {
					e.log.Error("increment retry", "event", event.ID, "error", bumpErr)
				}
				e.log.Error("resolve conversation", "event", event.ID, "error", err)
				continue
			}
			conversationNames[event.ConversationID] = name
		}

		_, err := e.client.SendEvent(ctx, collector.OutboundEvent{
			ChatRoom:       name,
			SenderName:     event.Sender,
			Text:           event.Body,
			ReceivedAt:     event.CreatedAt,
			NotificationID: string(event.ID),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Failed++
			if bumpErr := e.bumpRetry(ctx, event.ID); bumpErr != nil {
				e.log.Error("increment retry", "event", event.ID, "error", bumpErr)
			}
			e.log.Warn("send failed", "event", event.ID, "retry", event.RetryCount+1, "error", err)
			continue
		}
		if err := e.store.MarkDelivered(ctx, event.ID, e.clock.Now()); err != nil {
			e.log.Error("mark delivered", "event", event.ID, "error", err)
			continue
		}
		report.Sent++
	}
	e.log.Info("drain complete", "sent", report.Sent, "failed", report.Failed, "batch", len(events))
	return nil
}

func (e *Engine) bumpRetry(ctx context.Context, id outbox.EventID) error {
	return e.store.IncrementRetry(ctx, id)
}

func (e *Engine) pace(ctx context.Context) error {
	if e.config.PacingDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(e.config.PacingDelay):
		return nil
	}
}

func (e *Engine) sweepDelivered(ctx context.Context, report *Report) error {
	cutoff := e.clock.Now().Add(-e.config.DeliveredRetention)
	removed, err := e.store.DeleteDeliveredOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	report.DeliveredPruned = removed
	e.logRetention(ctx, "delivered retention", removed)
	return nil
}

func (e *Engine) sweepSafetyNet(ctx context.Context, report *Report) error {
	cutoff := e.clock.Now().Add(-e.config.SafetyNetRetention)
	removed, err := e.store.DeleteAnyOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	report.SafetyNetPruned = removed
	e.logRetention(ctx, "safety-net retention", removed)
	return nil
}

func (e *Engine) logRetention(ctx context.Context, tier string, removed int64) {
	delivered, err := e.store.CountDelivered(ctx)
	if err != nil {
		e.log.Error("count delivered", "error", err)
		return
	}
	undelivered, err := e.store.CountUndelivered(ctx)
	if err != nil {
		e.log.Error("count undelivered", "error", err)
		return
	}
	e.log.Info(tier, "removed", removed, "delivered", delivered, "undelivered", undelivered)
}
