package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaymsg/internal/clock"
	"github.com/agentworkforce/relaymsg/internal/collector"
	"github.com/agentworkforce/relaymsg/internal/outbox"
	"github.com/agentworkforce/relaymsg/internal/platform"
)

type fakeClient struct {
	mu         sync.Mutex
	sent       []collector.OutboundEvent
	heartbeats []time.Time
	sendErr    error
	beatErr    error
}

func (c *fakeClient) SendEvent(_ context.Context, event collector.OutboundEvent) (collector.ServerEventID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, event)
	return collector.ServerEventID("srv-" + event.NotificationID), nil
}

func (c *fakeClient) SendHeartbeat(_ context.Context, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.beatErr != nil {
		return c.beatErr
	}
	c.heartbeats = append(c.heartbeats, at)
	return nil
}

type recordingAlerter struct {
	mu      sync.Mutex
	raised  []platform.Alert
	cleared []string
}

func (a *recordingAlerter) Raise(_ context.Context, alert platform.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raised = append(a.raised, alert)
	return nil
}

func (a *recordingAlerter) Clear(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cleared = append(a.cleared, id)
	return nil
}

type failingProbe struct{ err error }

func (p *failingProbe) Running(context.Context) (bool, error) { return false, p.err }
func (p *failingProbe) Start(context.Context) error           { return p.err }

type fixture struct {
	store   *outbox.MemoryStore
	client  *fakeClient
	process *platform.StaticProcessProbe
	perm    *platform.StaticPermissionProbe
	alerter *recordingAlerter
	clk     *clock.FakeClock
	engine  *Engine
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	config := DefaultConfig()
	config.PacingDelay = 0
	if mutate != nil {
		mutate(&config)
	}
	f := &fixture{
		store:   outbox.NewMemoryStore(clk),
		client:  &fakeClient{},
		process: &platform.StaticProcessProbe{Alive: true},
		perm:    &platform.StaticPermissionProbe{Answer: true},
		alerter: &recordingAlerter{},
		clk:     clk,
	}
	engine, err := New(f.store, f.client, f.process, f.perm, f.alerter, clk, nil, config)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) append(t *testing.T, conversation, body string) outbox.EventID {
	t.Helper()
	id, err := f.store.AppendEvent(context.Background(), outbox.AppendInput{
		ConversationName: conversation,
		Sender:           "alice",
		Body:             body,
	})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	return id
}

func TestRunOnceDrainsBatch(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, "family", "one")
	f.append(t, "family", "two")
	f.append(t, "work", "three")

	report, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Sent != 3 || report.Failed != 0 {
		t.Fatalf("report = %+v, want 3 sent", report)
	}
	if !report.HeartbeatSent || len(f.client.heartbeats) != 1 {
		t.Error("heartbeat not sent")
	}
	if len(f.client.sent) != 3 {
		t.Fatalf("client saw %d events, want 3", len(f.client.sent))
	}
	if f.client.sent[0].ChatRoom != "family" || f.client.sent[2].ChatRoom != "work" {
		t.Errorf("conversation names not resolved: %+v", f.client.sent)
	}

	undelivered, err := f.store.CountUndelivered(context.Background())
	if err != nil {
		t.Fatalf("count undelivered: %v", err)
	}
	if undelivered != 0 {
		t.Errorf("undelivered = %d after drain, want 0", undelivered)
	}
}

func TestRunOnceTransportFailureIncrementsRetry(t *testing.T) {
	f := newFixture(t, nil)
	id := f.append(t, "family", "stuck")
	f.client.sendErr = &collector.TransportError{Status: 503, Err: errors.New("unavailable")}

	report, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: transport failure must stay classified, got %v", err)
	}
	if report.Sent != 0 || report.Failed != 1 {
		t.Fatalf("report = %+v, want 1 failed", report)
	}

	events, err := f.store.ListUndelivered(context.Background(), 100, 50)
	if err != nil {
		t.Fatalf("list undelivered: %v", err)
	}
	if len(events) != 1 || events[0].ID != id || events[0].RetryCount != 1 {
		t.Fatalf("events = %+v, want retry count 1", events)
	}
}

func TestRunOnceRetryCeilingExcludesEvent(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RetryCeiling = 3 })
	f.append(t, "family", "doomed")
	f.client.sendErr = &collector.TransportError{Err: errors.New("down")}

	for i := 0; i < 3; i++ {
		if _, err := f.engine.RunOnce(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	// Event now at the ceiling: later runs must leave it alone.
	f.client.sendErr = nil
	report, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Sent != 0 {
		t.Errorf("abandoned event was drained: %+v", report)
	}
	undelivered, err := f.store.CountUndelivered(context.Background())
	if err != nil {
		t.Fatalf("count undelivered: %v", err)
	}
	if undelivered != 1 {
		t.Errorf("abandoned event removed from store, undelivered = %d", undelivered)
	}
}

func TestRunOnceSyncDisabledSkipsNetworkOnly(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SyncEnabled = false })
	f.append(t, "family", "held back")

	// An old delivered event proves retention still runs.
	old := f.append(t, "old", "delivered long ago")
	if err := f.store.MarkDelivered(context.Background(), old, f.clk.Now()); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	f.clk.Advance(8 * 24 * time.Hour)

	report, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(f.client.sent) != 0 || len(f.client.heartbeats) != 0 {
		t.Error("sync disabled but the collector was called")
	}
	if report.DeliveredPruned != 1 {
		t.Errorf("delivered pruned = %d, want 1", report.DeliveredPruned)
	}
}

func TestRunOnceHeartbeatFailureIsBestEffort(t *testing.T) {
	f := newFixture(t, nil)
	f.append(t, "family", "still goes out")
	f.client.beatErr = &collector.TransportError{Err: errors.New("timeout")}

	report, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.HeartbeatSent {
		t.Error("heartbeat reported sent despite failure")
	}
	if report.Sent != 1 {
		t.Errorf("drain did not proceed after heartbeat failure: %+v", report)
	}
}

func TestRunOncePermissionRevokedRaisesFixedAlert(t *testing.T) {
	f := newFixture(t, nil)
	f.perm.Answer = false

	for i := 0; i < 2; i++ {
		report, err := f.engine.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if report.PermissionGranted {
			t.Error("permission reported granted")
		}
	}
	if len(f.alerter.raised) != 2 {
		t.Fatalf("raised %d alerts, want one per run", len(f.alerter.raised))
	}
	for _, alert := range f.alerter.raised {
		if alert.ID != PermissionAlertID || alert.Severity != platform.SeverityCritical {
			t.Errorf("alert = %+v, want fixed critical id", alert)
		}
	}

	f.perm.Answer = true
	if _, err := f.engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(f.alerter.cleared) == 0 || f.alerter.cleared[len(f.alerter.cleared)-1] != PermissionAlertID {
		t.Error("alert not cleared after permission came back")
	}
}

func TestRunOnceRestartsDeadProcess(t *testing.T) {
	f := newFixture(t, nil)
	f.process.Alive = false

	report, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !report.ProcessRestarted {
		t.Error("dead process not restarted")
	}
	if !f.process.Alive {
		t.Error("start not invoked on probe")
	}
}

func TestRunOnceRetentionTiers(t *testing.T) {
	f := newFixture(t, nil)

	delivered := f.append(t, "old", "delivered")
	f.append(t, "old", "undelivered survivor")
	if err := f.store.MarkDelivered(context.Background(), delivered, f.clk.Now()); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	f.clk.Advance(10 * 24 * time.Hour)
	f.client.sendErr = &collector.TransportError{Err: errors.New("down")}

	report, err := f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.DeliveredPruned != 1 {
		t.Errorf("delivered pruned = %d, want 1", report.DeliveredPruned)
	}
	if report.SafetyNetPruned != 0 {
		t.Errorf("safety net pruned = %d, want 0 at 10 days", report.SafetyNetPruned)
	}

	f.clk.Advance(25 * 24 * time.Hour)
	report, err = f.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.SafetyNetPruned != 1 {
		t.Errorf("safety net pruned = %d, want undelivered event removed at 35 days", report.SafetyNetPruned)
	}
}

func TestRunOnceUnclassifiedErrorSignalsRetry(t *testing.T) {
	f := newFixture(t, nil)
	probeErr := errors.New("probe exploded")
	config := DefaultConfig()
	config.PacingDelay = 0
	engine, err := New(f.store, f.client, &failingProbe{err: probeErr}, f.perm, f.alerter, f.clk, nil, config)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	report, err := engine.RunOnce(context.Background())
	if !errors.Is(err, probeErr) {
		t.Fatalf("err = %v, want unclassified probe error surfaced", err)
	}
	// The failure must not have stopped later steps.
	if !report.PermissionGranted {
		t.Error("permission step skipped after earlier failure")
	}
}

func TestRunOncePacesBetweenSends(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PacingDelay = 100 * time.Millisecond })
	f.append(t, "family", "one")
	f.append(t, "family", "two")

	done := make(chan Report, 1)
	go func() {
		report, err := f.engine.RunOnce(context.Background())
		if err != nil {
			t.Errorf("run once: %v", err)
		}
		done <- report
	}()

	// The run blocks on the pacing delay between the two sends.
	deadline := time.After(2 * time.Second)
	for f.clk.PendingCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("run never reached the pacing delay")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	f.clk.Advance(100 * time.Millisecond)

	select {
	case report := <-done:
		if report.Sent != 2 {
			t.Errorf("sent = %d, want 2", report.Sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after advancing the clock")
	}
}
