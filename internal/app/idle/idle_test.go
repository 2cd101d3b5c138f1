package idle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/gpugov/internal/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// minuteSamples produces one reading per GPU per minute over span, ending
// one minute before now. util returns the reading for (gpu, minutesAgo).
func minuteSamples(id string, gpus int, span time.Duration, util func(gpu, ago int) int) []domain.UtilizationSample {
	var out []domain.UtilizationSample
	minutes := int(span / time.Minute)
	for ago := minutes; ago >= 1; ago-- {
		ts := now.Add(-time.Duration(ago) * time.Minute)
		for g := 0; g < gpus; g++ {
			out = append(out, domain.UtilizationSample{MachineID: id, GPUIndex: g, Utilization: util(g, ago), Timestamp: ts})
		}
	}
	return out
}

func zero(int, int) int { return 0 }

func machine(runtime time.Duration) *domain.Machine {
	return &domain.Machine{ID: "m1", Name: "trainer", Status: domain.StatusActive, FirstSeen: now.Add(-runtime)}
}

func TestGroupTimePoints(t *testing.T) {
	base := now
	samples := []domain.UtilizationSample{
		{GPUIndex: 1, Utilization: 0, Timestamp: base.Add(20 * time.Second)},
		{GPUIndex: 0, Utilization: 40, Timestamp: base},
		{GPUIndex: 0, Utilization: 0, Timestamp: base.Add(31 * time.Second)},
		{GPUIndex: 0, Utilization: 0, Timestamp: base.Add(time.Minute)},
	}
	pts := GroupTimePoints(samples)
	require.Len(t, pts, 2)
	assert.Equal(t, base, pts[0].Timestamp)
	assert.Equal(t, 2, pts[0].GPUs)
	assert.InDelta(t, 20.0, pts[0].Avg, 0.001)
	assert.False(t, pts[0].AllIdle)
	// Anchored at the first timestamp of the group, not chained.
	assert.Equal(t, base.Add(31*time.Second), pts[1].Timestamp)
	assert.True(t, pts[1].AllIdle)
	assert.Equal(t, 2, pts[1].GPUs)

	assert.Nil(t, GroupTimePoints(nil))
}

func TestEvaluate_NoSamples(t *testing.T) {
	e := Evaluate(machine(10*time.Hour), nil, now, DefaultPolicy())
	assert.Nil(t, e.Current)
	assert.Nil(t, e.HourAvg)
	assert.Nil(t, e.IdleFor)
	assert.False(t, e.Eligible)
	assert.Equal(t, ReasonNoData, e.Reason)
	assert.Equal(t, LabelUnknown, Label(e, DefaultPolicy()))
}

func TestEvaluate_TwoGPUScenario(t *testing.T) {
	p := DefaultPolicy()
	// Running 5h, both GPUs idle for the last 2h+.
	samples := minuteSamples("m1", 2, 150*time.Minute, zero)

	e := Evaluate(machine(5*time.Hour), samples, now, p)
	assert.True(t, e.Sufficient)
	assert.True(t, e.SustainedIdle)
	assert.True(t, e.RuntimeMet)
	assert.True(t, e.Eligible)
	assert.Equal(t, ReasonTerminate, e.Reason)
	assert.Equal(t, LabelTerminate, Label(e, p))
	require.NotNil(t, e.IdleFor)
	assert.Equal(t, 150*time.Minute, *e.IdleFor)
	assert.Equal(t, time.Duration(0), *e.UntilTerminate)
}

func TestEvaluate_SingleGPUInvalidates(t *testing.T) {
	p := DefaultPolicy()
	// GPU 1 at 5% for one minute half an hour ago.
	samples := minuteSamples("m1", 2, 150*time.Minute, func(g, ago int) int {
		if g == 1 && ago == 30 {
			return 5
		}
		return 0
	})

	e := Evaluate(machine(5*time.Hour), samples, now, p)
	assert.True(t, e.Sufficient)
	assert.False(t, e.SustainedIdle)
	assert.False(t, e.Eligible)
	assert.Equal(t, ReasonActive, e.Reason)
	// The idle run starts at the first all-idle point after the active one
	// (29 minutes ago), so the active point itself is not counted as idle.
	require.NotNil(t, e.IdleFor)
	assert.Equal(t, 29*time.Minute, *e.IdleFor)
	assert.Less(t, *e.IdleFor, 30*time.Minute)
	require.NotNil(t, e.UntilTerminate)
	assert.Equal(t, p.IdleThreshold-29*time.Minute, *e.UntilTerminate)
}

func TestEvaluate_MinRuntime(t *testing.T) {
	samples := minuteSamples("m1", 1, 150*time.Minute, zero)
	e := Evaluate(machine(3*time.Hour), samples, now, DefaultPolicy())
	assert.True(t, e.SustainedIdle)
	assert.False(t, e.RuntimeMet)
	assert.False(t, e.Eligible)
	assert.Equal(t, ReasonMinRuntime, e.Reason)
}

func TestEvaluate_ZeroFirstSeenFailsClosed(t *testing.T) {
	m := machine(0)
	m.FirstSeen = time.Time{}
	e := Evaluate(m, minuteSamples("m1", 1, 150*time.Minute, zero), now, DefaultPolicy())
	assert.False(t, e.RuntimeMet)
	assert.False(t, e.Eligible)
}

func TestEvaluate_CoverageGate(t *testing.T) {
	p := DefaultPolicy()
	// Every other minute: 59 points inside the 2h window, gate needs 96.
	var half []domain.UtilizationSample
	for _, s := range minuteSamples("m1", 1, 120*time.Minute, zero) {
		if s.Timestamp.Minute()%2 == 0 {
			half = append(half, s)
		}
	}
	e := Evaluate(machine(10*time.Hour), half, now, p)
	assert.Equal(t, 96, e.RequiredPoints)
	assert.Equal(t, 59, e.WindowPoints)
	assert.False(t, e.Sufficient)
	assert.False(t, e.SustainedIdle)
	assert.False(t, e.Eligible)
	assert.Equal(t, ReasonInsufficient, e.Reason)
}

func TestEvaluate_Allowlisted(t *testing.T) {
	samples := minuteSamples("m1", 1, 150*time.Minute, zero)

	m := machine(10 * time.Hour)
	m.Name = "Alice-Whitelist-box"
	e := Evaluate(m, samples, now, DefaultPolicy())
	assert.True(t, e.Allowlisted)
	assert.False(t, e.Eligible)
	assert.Equal(t, ReasonAllowlisted, e.Reason)

	m = machine(10 * time.Hour)
	m.Allowlisted = true
	assert.False(t, Evaluate(m, samples, now, DefaultPolicy()).Eligible)
}

func TestEvaluate_HourAverageAndLabels(t *testing.T) {
	p := DefaultPolicy()
	samples := minuteSamples("m1", 1, 90*time.Minute, func(_, ago int) int {
		if ago <= 60 {
			return 50
		}
		return 0
	})
	e := Evaluate(machine(time.Hour), samples, now, p)
	require.NotNil(t, e.HourAvg)
	assert.InDelta(t, 50, *e.HourAvg, 0.001)
	assert.True(t, e.Active())
	assert.Nil(t, e.IdleFor)
	assert.Equal(t, LabelActive, Label(e, p))

	// Idle for 70m: above half the 2h threshold.
	samples = minuteSamples("m1", 1, 100*time.Minute, func(_, ago int) int {
		if ago > 70 {
			return 10
		}
		return 0
	})
	e = Evaluate(machine(time.Hour), samples, now, p)
	assert.Equal(t, LabelIdleWarn, Label(e, p))

	samples = minuteSamples("m1", 1, 20*time.Minute, func(_, ago int) int {
		if ago > 10 {
			return 10
		}
		return 0
	})
	e = Evaluate(machine(time.Hour), samples, now, p)
	assert.Equal(t, LabelIdle, Label(e, p))
}

// ─── Reaper ─────────────────────────────────────────────────────────────────

type fakeStore struct {
	machines []domain.Machine
	samples  map[string][]domain.UtilizationSample
}

func (f *fakeStore) ListActiveMachines(account string) ([]domain.Machine, error) {
	var out []domain.Machine
	for _, m := range f.machines {
		if account == "" || m.Account == account {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UtilizationSamplesSince(id string, since time.Time) ([]domain.UtilizationSample, error) {
	var out []domain.UtilizationSample
	for _, s := range f.samples[id] {
		if s.Timestamp.After(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeProvider struct {
	domain.Provider
	terminated []string
	creds      []string
	err        error
}

func (f *fakeProvider) Terminate(_ context.Context, cred string, ids []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.creds = append(f.creds, cred)
	f.terminated = append(f.terminated, ids...)
	return ids, nil
}

func reaperFixture() (*fakeStore, *fakeProvider, *Reaper) {
	idleM := domain.Machine{ID: "idle", Name: "a", Account: "research", Status: domain.StatusActive, FirstSeen: now.Add(-5 * time.Hour)}
	busyM := domain.Machine{ID: "busy", Name: "b", Account: "research", Status: domain.StatusActive, FirstSeen: now.Add(-5 * time.Hour)}
	safeM := domain.Machine{ID: "safe", Name: "keep-allowlist", Account: "prod", Status: domain.StatusActive, FirstSeen: now.Add(-5 * time.Hour)}
	store := &fakeStore{
		machines: []domain.Machine{busyM, idleM, safeM},
		samples: map[string][]domain.UtilizationSample{
			"idle": minuteSamples("idle", 2, 150*time.Minute, zero),
			"busy": minuteSamples("busy", 2, 150*time.Minute, func(int, int) int { return 80 }),
			"safe": minuteSamples("safe", 1, 150*time.Minute, zero),
		},
	}
	prov := &fakeProvider{}
	r := NewReaper(store, prov, DefaultPolicy())
	r.now = func() time.Time { return now }
	return store, prov, r
}

func TestReaper_TerminatesEligibleOnly(t *testing.T) {
	_, prov, r := reaperFixture()
	rep, err := r.Run(context.Background(), map[string]string{"research": "key-r", "prod": "key-p"}, false, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Checked)
	assert.Equal(t, 1, rep.Terminated)
	assert.Equal(t, 2, rep.Skipped)
	assert.Equal(t, []string{"idle"}, prov.terminated)
	assert.Equal(t, []string{"key-r"}, prov.creds)
}

func TestReaper_DryRun(t *testing.T) {
	_, prov, r := reaperFixture()
	rep, err := r.Run(context.Background(), map[string]string{"research": "key-r"}, true, nil)
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 0, rep.Terminated)
	assert.Empty(t, prov.terminated)
}

func TestReaper_FailuresCounted(t *testing.T) {
	_, prov, r := reaperFixture()
	prov.err = errors.New("provider down")
	rep, err := r.Run(context.Background(), map[string]string{"research": "key-r"}, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, rep.Terminated)
}

func TestReaper_MissingCredential(t *testing.T) {
	_, prov, r := reaperFixture()
	rep, err := r.Run(context.Background(), map[string]string{}, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Empty(t, prov.terminated)
}
