// Package availability records which instance types had capacity in which
// regions, and summarizes that history.
package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tutu-network/gpugov/internal/domain"
)

// Slot is the bucket width used when counting checks.
const Slot = 10 * time.Minute

// TypeSource returns the live instance-type catalog.
type TypeSource interface {
	FreshMachineTypes(ctx context.Context, credential string) ([]domain.MachineType, error)
}

// Store persists availability history.
type Store interface {
	RecordAvailability(instanceType string, regions []string, at time.Time) error
	AvailabilitySince(since time.Time) ([]domain.AvailabilityRecord, error)
	PruneAvailability(cutoff time.Time) (int64, error)
}

// Stat is the availability of one (type, region) pair over a window.
type Stat struct {
	InstanceType string    `json:"instance_type"`
	Region       string    `json:"region"`
	Slots        int       `json:"slots"`
	TotalSlots   int       `json:"total_slots"`
	Percent      float64   `json:"percent"`
	LastSeen     time.Time `json:"last_seen"`
}

// Service records and analyzes availability.
type Service struct {
	store  Store
	source TypeSource
	now    func() time.Time
}

// New creates an availability service.
func New(store Store, source TypeSource) *Service {
	return &Service{store: store, source: source, now: time.Now}
}

// Record fetches the catalog and stores every (type, region) pair that has
// capacity. It returns the number of pairs recorded.
func (s *Service) Record(ctx context.Context, credential string) (int, error) {
	types, err := s.source.FreshMachineTypes(ctx, credential)
	if err != nil {
		return 0, fmt.Errorf("fetch instance types: %w", err)
	}
	at := s.now()
	n := 0
	for _, t := range types {
		if len(t.Regions) == 0 {
			continue
		}
		if err := s.store.RecordAvailability(t.Name, t.Regions, at); err != nil {
			return n, err
		}
		n += len(t.Regions)
	}
	return n, nil
}

// Analyze reports, for each pair seen in the window, the share of check
// slots in which it had capacity. A check slot counts once it holds any
// record at all.
func (s *Service) Analyze(window time.Duration) ([]Stat, error) {
	records, err := s.store.AvailabilitySince(s.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("read availability: %w", err)
	}

	type pair struct{ typ, region string }
	checks := make(map[int64]struct{})
	seen := make(map[pair]map[int64]struct{})
	last := make(map[pair]time.Time)
	for _, r := range records {
		slot := r.Timestamp.Unix() / int64(Slot/time.Second)
		checks[slot] = struct{}{}
		p := pair{r.InstanceType, r.Region}
		if seen[p] == nil {
			seen[p] = make(map[int64]struct{})
		}
		seen[p][slot] = struct{}{}
		if r.Timestamp.After(last[p]) {
			last[p] = r.Timestamp
		}
	}

	stats := make([]Stat, 0, len(seen))
	for p, slots := range seen {
		stats = append(stats, Stat{
			InstanceType: p.typ,
			Region:       p.region,
			Slots:        len(slots),
			TotalSlots:   len(checks),
			Percent:      100 * float64(len(slots)) / float64(len(checks)),
			LastSeen:     last[p],
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].InstanceType != stats[j].InstanceType {
			return stats[i].InstanceType < stats[j].InstanceType
		}
		return stats[i].Region < stats[j].Region
	})
	return stats, nil
}

// Prune drops history older than retention.
func (s *Service) Prune(retention time.Duration) (int64, error) {
	return s.store.PruneAvailability(s.now().Add(-retention))
}
