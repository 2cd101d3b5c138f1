// Package idle decides whether a machine has been idle long enough, and
// running long enough, to be reclaimed.
package idle

import (
	"sort"
	"time"

	"github.com/tutu-network/gpugov/internal/domain"
)

// GroupTolerance is how far a reading may lie from the first reading of its
// time point and still belong to it.
const GroupTolerance = 30 * time.Second

// coverage is the fraction of one-minute points the idle window must hold.
const coverage = 0.8

// Policy is the dual-condition reclamation policy.
type Policy struct {
	IdleThreshold time.Duration
	MinRuntime    time.Duration
	Markers       []string
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		IdleThreshold: 2 * time.Hour,
		MinRuntime:    4 * time.Hour,
		Markers:       domain.DefaultAllowlistMarkers,
	}
}

// RequiredPoints is the coverage gate for the idle window.
func (p Policy) RequiredPoints() int {
	return int(p.IdleThreshold.Hours() * 60 * coverage)
}

// TimePoint is one sampling tick across all GPUs of a machine.
type TimePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Avg       float64   `json:"avg"`
	AllIdle   bool      `json:"all_idle"`
	GPUs      int       `json:"gpus"`
}

// GroupTimePoints clusters samples into time points, oldest first. A sample
// joins the current point while it is within GroupTolerance of that
// point's first timestamp.
func GroupTimePoints(samples []domain.UtilizationSample) []TimePoint {
	if len(samples) == 0 {
		return nil
	}
	sorted := make([]domain.UtilizationSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var (
		points []TimePoint
		anchor time.Time
		sum    int
		n      int
		idle   bool
	)
	flush := func() {
		if n > 0 {
			points = append(points, TimePoint{Timestamp: anchor, Avg: float64(sum) / float64(n), AllIdle: idle, GPUs: n})
		}
	}
	for i, s := range sorted {
		if i == 0 || s.Timestamp.Sub(anchor) > GroupTolerance {
			flush()
			anchor, sum, n, idle = s.Timestamp, 0, 0, true
		}
		sum += s.Utilization
		n++
		if s.Utilization != 0 {
			idle = false
		}
	}
	flush()
	return points
}

// Evaluation is the per-machine verdict. Pointer fields are nil when there
// is no data to compute them from.
type Evaluation struct {
	MachineID      string         `json:"instance_id"`
	Points         int            `json:"points"`
	Current        *float64       `json:"current_gpu"`
	HourAvg        *float64       `json:"avg_gpu_1h"`
	IdleFor        *time.Duration `json:"idle_for"`
	UntilTerminate *time.Duration `json:"until_terminate"`
	WindowPoints   int            `json:"window_points"`
	RequiredPoints int            `json:"required_points"`
	Sufficient     bool           `json:"sufficient_data"`
	SustainedIdle  bool           `json:"sustained_idle"`
	Runtime        time.Duration  `json:"runtime"`
	RuntimeMet     bool           `json:"runtime_met"`
	Allowlisted    bool           `json:"allowlisted"`
	Eligible       bool           `json:"terminate_eligible"`
	Reason         string         `json:"reason"`
}

// Active reports whether the newest point shows any utilization.
func (e Evaluation) Active() bool {
	return e.Current != nil && *e.Current > 0
}

// Skip reasons and the terminate decision, as logged.
const (
	ReasonTerminate    = "terminate"
	ReasonAllowlisted  = "skip-allowlisted"
	ReasonInsufficient = "skip-insufficient-data"
	ReasonMinRuntime   = "skip-min-runtime"
	ReasonActive       = "skip-active"
	ReasonNoData       = "skip-no-data"
)

// Evaluate applies the policy to a machine's samples. samples should cover
// at least the idle window; older samples only feed the reporting fields.
func Evaluate(m *domain.Machine, samples []domain.UtilizationSample, now time.Time, p Policy) Evaluation {
	e := Evaluation{
		MachineID:      m.ID,
		RequiredPoints: p.RequiredPoints(),
		Runtime:        m.Runtime(now),
		Allowlisted:    m.IsAllowlisted(p.Markers),
	}
	e.RuntimeMet = !m.FirstSeen.IsZero() && e.Runtime >= p.MinRuntime

	points := GroupTimePoints(samples)
	e.Points = len(points)
	if len(points) == 0 {
		e.Reason = ReasonNoData
		return e
	}

	newest := points[len(points)-1]
	cur := newest.Avg
	e.Current = &cur

	hourCut := now.Add(-time.Hour)
	var hourSum float64
	var hourN int
	for _, pt := range points {
		if pt.Timestamp.After(hourCut) {
			hourSum += pt.Avg
			hourN++
		}
	}
	if hourN > 0 {
		avg := hourSum / float64(hourN)
		e.HourAvg = &avg
	}

	// Newest to oldest; the run ends at the first point with any activity.
	// IdleFor is measured from the oldest idle point of the run, which is
	// the point right after the active one, not the active point itself.
	var idleStart time.Time
	for i := len(points) - 1; i >= 0; i-- {
		if !points[i].AllIdle {
			break
		}
		idleStart = points[i].Timestamp
	}
	if !idleStart.IsZero() {
		idleFor := now.Sub(idleStart)
		until := max(p.IdleThreshold-idleFor, 0)
		e.IdleFor = &idleFor
		e.UntilTerminate = &until
	}

	windowCut := now.Add(-p.IdleThreshold)
	var window []domain.UtilizationSample
	for _, s := range samples {
		if s.Timestamp.After(windowCut) {
			window = append(window, s)
		}
	}
	windowPoints := GroupTimePoints(window)
	windowIdle := true
	for _, pt := range windowPoints {
		windowIdle = windowIdle && pt.AllIdle
	}
	e.WindowPoints = len(windowPoints)
	e.Sufficient = e.WindowPoints >= e.RequiredPoints
	e.SustainedIdle = e.Sufficient && windowIdle

	switch {
	case e.Allowlisted:
		e.Reason = ReasonAllowlisted
	case !e.Sufficient:
		e.Reason = ReasonInsufficient
	case !e.SustainedIdle:
		e.Reason = ReasonActive
	case !e.RuntimeMet:
		e.Reason = ReasonMinRuntime
	default:
		e.Eligible = true
		e.Reason = ReasonTerminate
	}
	return e
}

// Status labels for reports.
const (
	LabelTerminate = "TERMINATE"
	LabelIdleWarn  = "IDLE-WARN"
	LabelActive    = "ACTIVE"
	LabelIdle      = "IDLE"
	LabelUnknown   = "UNKNOWN"
)

// Label summarizes an evaluation for the status report.
func Label(e Evaluation, p Policy) string {
	switch {
	case e.Eligible:
		return LabelTerminate
	case e.IdleFor != nil && *e.IdleFor > p.IdleThreshold/2:
		return LabelIdleWarn
	case e.Active():
		return LabelActive
	case e.Current != nil:
		return LabelIdle
	default:
		return LabelUnknown
	}
}
