package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/sqlite"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	sent []domain.Alert
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, _ string, a domain.Alert) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, a)
	return nil
}

type fakeProvider struct {
	domain.Provider
	terminated []string
}

func (f *fakeProvider) Terminate(_ context.Context, _ string, ids []string) ([]string, error) {
	f.terminated = append(f.terminated, ids...)
	return ids, nil
}

func setup(t *testing.T) (*sqlite.DB, *fakeNotifier, *fakeProvider, *Enforcer) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	n := &fakeNotifier{}
	p := &fakeProvider{}
	e := NewEnforcer(db, p, n, domain.DefaultAllowlistMarkers)
	e.now = func() time.Time { return now }
	return db, n, p, e
}

func aliceBudget() domain.Budget {
	return domain.Budget{
		Scope: domain.ScopeKey, Identity: "alice",
		LimitCents: 10000, MilestoneInterval: 2000, Webhook: "https://hook.example/a",
	}
}

func TestEnforcer_CrossingMilestoneAndLimit(t *testing.T) {
	db, n, _, e := setup(t)
	b := aliceBudget()
	ctx := context.Background()

	// $81 was already notified at the $80 milestone; now at $95.
	require.NoError(t, db.AddCost("alice", "", 9500, now))
	require.NoError(t, db.SetNotificationLevel(domain.ScopeKey, "alice", 8100, now))
	rep := e.Run(ctx, []domain.Budget{b}, nil, false, nil)
	assert.Equal(t, 0, rep.Notifications)

	// $95 -> $115 in one pass.
	require.NoError(t, db.AddCost("alice", "", 2000, now))
	rep = e.Run(ctx, []domain.Budget{b}, nil, false, nil)
	require.Len(t, n.sent, 2)
	assert.Equal(t, 2, rep.Notifications)

	assert.Equal(t, domain.AlertMilestone, n.sent[0].Kind)
	assert.Equal(t, int64(10000), n.sent[0].Milestone)
	assert.True(t, n.sent[0].OverBudget)
	assert.Equal(t, domain.AlertOverBudget, n.sent[1].Kind)

	level, err := db.NotificationLevel(domain.ScopeKey, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(11500), level)

	// Still over: silent.
	require.NoError(t, db.AddCost("alice", "", 100, now))
	rep = e.Run(ctx, []domain.Budget{b}, nil, false, nil)
	assert.Equal(t, 0, rep.Notifications)
	assert.Len(t, n.sent, 2)
	assert.True(t, rep.Budgets[0].Over)
}

func TestEnforcer_MilestoneOncePerBucket(t *testing.T) {
	db, n, _, e := setup(t)
	b := aliceBudget()
	b.LimitCents = 1000000

	for _, add := range []int64{1500, 600, 100, 1900, 50} {
		require.NoError(t, db.AddCost("alice", "", add, now))
		e.Run(context.Background(), []domain.Budget{b}, nil, false, nil)
	}
	// Totals 1500, 2100, 2200, 4100, 4150: buckets 2000 and 4000.
	require.Len(t, n.sent, 2)
	assert.Equal(t, int64(2000), n.sent[0].Milestone)
	assert.Equal(t, int64(4000), n.sent[1].Milestone)
	assert.False(t, n.sent[0].OverBudget)
}

func TestEnforcer_NoWebhookDoesNotAdvance(t *testing.T) {
	db, n, _, e := setup(t)
	b := aliceBudget()
	b.Webhook = ""
	require.NoError(t, db.AddCost("alice", "", 4000, now))

	rep := e.Run(context.Background(), []domain.Budget{b}, nil, false, nil)
	assert.Equal(t, 0, rep.Notifications)
	assert.Empty(t, n.sent)
	level, err := db.NotificationLevel(domain.ScopeKey, "alice")
	require.NoError(t, err)
	assert.Zero(t, level)
}

func TestEnforcer_FailedDeliveryRetriesNextPass(t *testing.T) {
	db, n, _, e := setup(t)
	b := aliceBudget()
	require.NoError(t, db.AddCost("alice", "", 2500, now))

	n.err = errors.New("503")
	e.Run(context.Background(), []domain.Budget{b}, nil, false, nil)
	level, _ := db.NotificationLevel(domain.ScopeKey, "alice")
	assert.Zero(t, level)

	n.err = nil
	rep := e.Run(context.Background(), []domain.Budget{b}, nil, false, nil)
	assert.Equal(t, 1, rep.Notifications)
}

// readingNotifier runs a reporting query while the alert is in flight.
type readingNotifier struct {
	db      *sqlite.DB
	blocked bool
}

func (r *readingNotifier) Notify(_ context.Context, _ string, _ domain.Alert) error {
	done := make(chan error, 1)
	go func() {
		_, err := r.db.Costs(domain.ScopeKey)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		r.blocked = true
		return nil
	}
}

func TestEnforcer_ReportsReadableDuringDelivery(t *testing.T) {
	db, _, _, _ := setup(t)
	n := &readingNotifier{db: db}
	e := NewEnforcer(db, &fakeProvider{}, n, domain.DefaultAllowlistMarkers)
	require.NoError(t, db.AddCost("alice", "", 2500, now))

	rep := e.Run(context.Background(), []domain.Budget{aliceBudget()}, nil, false, nil)
	assert.False(t, n.blocked, "ledger read waited on webhook delivery")
	assert.Equal(t, 1, rep.Notifications)

	level, err := db.NotificationLevel(domain.ScopeKey, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), level)
}

func TestEnforcer_TerminatesNonAllowlisted(t *testing.T) {
	db, _, p, e := setup(t)
	for _, m := range []domain.Machine{
		{ID: "m1", Name: "train", Status: domain.StatusActive, Account: "research", SSHKeys: []string{"alice"}},
		{ID: "m2", Name: "keep-overbudget", Status: domain.StatusActive, Account: "research"},
		{ID: "m3", Name: "other", Status: domain.StatusActive, Account: "prod"},
		{ID: "m4", Name: "gone", Status: domain.StatusTerminated, Account: "research"},
	} {
		require.NoError(t, db.UpsertMachine(m))
	}
	require.NoError(t, db.AddCost("", "research", 600000, now))

	b := domain.Budget{Scope: domain.ScopeAccount, Identity: "research", LimitCents: 500000, MilestoneInterval: 100000}
	rep := e.Run(context.Background(), []domain.Budget{b}, map[string]string{"research": "k"}, false, nil)

	assert.Equal(t, []string{"m1"}, p.terminated)
	assert.Equal(t, 1, rep.Terminated)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 0, rep.Failed)
}

func TestEnforcer_DryRunAndMissingCredential(t *testing.T) {
	db, n, p, e := setup(t)
	require.NoError(t, db.UpsertMachine(domain.Machine{ID: "m1", Name: "x", Status: domain.StatusActive, Account: "research"}))
	require.NoError(t, db.AddCost("", "research", 600000, now))
	b := domain.Budget{Scope: domain.ScopeAccount, Identity: "research", LimitCents: 500000, MilestoneInterval: 100000, Webhook: "https://h"}

	rep := e.Run(context.Background(), []domain.Budget{b}, map[string]string{"research": "k"}, true, nil)
	assert.Empty(t, p.terminated)
	assert.Empty(t, n.sent)
	assert.Equal(t, 1, rep.Skipped)

	rep = e.Run(context.Background(), []domain.Budget{b}, nil, false, nil)
	assert.Empty(t, p.terminated)
	assert.Equal(t, 1, rep.Failed)
}

func TestEnforcer_KeyScopeMachines(t *testing.T) {
	db, _, p, e := setup(t)
	require.NoError(t, db.UpsertMachine(domain.Machine{ID: "a1", Status: domain.StatusActive, Account: "research", SSHKeys: []string{"alice"}}))
	require.NoError(t, db.UpsertMachine(domain.Machine{ID: "b1", Status: domain.StatusActive, Account: "research", SSHKeys: []string{"bob", "alice"}}))
	require.NoError(t, db.AddCost("alice", "research", 20000, now))

	e.Run(context.Background(), []domain.Budget{aliceBudget()}, map[string]string{"research": "k"}, false, nil)
	assert.Equal(t, []string{"a1"}, p.terminated)
}

func TestKeyBudgets(t *testing.T) {
	db, _, _, _ := setup(t)
	require.NoError(t, db.UpsertMachine(domain.Machine{ID: "a1", Status: domain.StatusActive, Account: "research", SSHKeys: []string{"alice"}}))
	require.NoError(t, db.AddCost("alice", "research", 100, now))
	require.NoError(t, db.AddCost("bob", "research", 50, now))

	none, err := KeyBudgets(db, 0, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	got, err := KeyBudgets(db, 30000, 0, map[string]string{"research": "https://hook"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].Identity)
	assert.Equal(t, "https://hook", got[0].Webhook)
	assert.Equal(t, domain.DefaultMilestoneInterval, got[0].MilestoneInterval)
	assert.Equal(t, "", got[1].Webhook)
}
