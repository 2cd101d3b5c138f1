// Package sampler collects accelerator utilization and disk usage from
// active machines over the remote channel.
package sampler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/logging"
	"github.com/tutu-network/gpugov/internal/infra/metrics"
)

const (
	UtilizationCommand = "nvidia-smi --query-gpu=utilization.gpu --format=csv,noheader,nounits"
	DiskCommand        = "df -B1 --output=size,used /"
)

// Store is the subset of the state store the sampler writes to.
type Store interface {
	InsertUtilizationSamples(machineID string, utils []int, at time.Time) error
	InsertDiskSample(s domain.DiskSample) error
}

// Result summarizes one sampling pass.
type Result struct {
	Sampled     int `json:"sampled"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	DiskSampled int `json:"disk_sampled"`
}

// Sampler runs the utilization and disk probes.
type Sampler struct {
	store   Store
	remote  domain.RemoteRunner
	timeout time.Duration
	disk    bool
	now     func() time.Time
}

// New creates a sampler. A zero timeout means 30s.
func New(store Store, remote domain.RemoteRunner, timeout time.Duration, disk bool) *Sampler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sampler{store: store, remote: remote, timeout: timeout, disk: disk, now: time.Now}
}

// Sample probes every active machine with an address. A failure on one
// machine records nothing for it and moves on.
func (s *Sampler) Sample(ctx context.Context, machines []domain.Machine, log *logrus.Entry) Result {
	if log == nil {
		log = logging.For("sampler")
	}
	var res Result
	for i := range machines {
		m := &machines[i]
		if !m.IsActive() || m.IP == "" {
			res.Skipped++
			continue
		}
		if ctx.Err() != nil {
			res.Skipped++
			continue
		}
		mlog := log.WithFields(logrus.Fields{"machine": m.DisplayName(), "account": m.Account})

		utils, err := s.Utilization(ctx, m)
		if err != nil {
			res.Failed++
			metrics.SampleFailures.WithLabelValues("gpu").Inc()
			mlog.WithError(err).Warn("utilization sample failed")
		} else {
			res.Sampled++
			metrics.SamplesRecorded.WithLabelValues("gpu").Add(float64(len(utils)))
			mlog.WithField("gpus", utils).Debug("utilization sampled")
		}

		if !s.disk {
			continue
		}
		if err := s.Disk(ctx, m); err != nil {
			metrics.SampleFailures.WithLabelValues("disk").Inc()
			mlog.WithError(err).Debug("disk sample failed")
		} else {
			res.DiskSampled++
			metrics.SamplesRecorded.WithLabelValues("disk").Inc()
		}
	}
	return res
}

// Utilization reads and stores one batch of per-GPU readings.
func (s *Sampler) Utilization(ctx context.Context, m *domain.Machine) ([]int, error) {
	code, out, err := s.remote.Run(ctx, m, UtilizationCommand, s.timeout)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("nvidia-smi exited %d: %s", code, out)
	}
	utils, err := ParseUtilization(out)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertUtilizationSamples(m.ID, utils, s.now()); err != nil {
		return nil, fmt.Errorf("store samples: %w", err)
	}
	return utils, nil
}

// Disk reads and stores the root filesystem usage.
func (s *Sampler) Disk(ctx context.Context, m *domain.Machine) error {
	code, out, err := s.remote.Run(ctx, m, DiskCommand, s.timeout)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("df exited %d: %s", code, out)
	}
	total, used, err := ParseDisk(out)
	if err != nil {
		return err
	}
	return s.store.InsertDiskSample(domain.DiskSample{
		MachineID:  m.ID,
		Mount:      "/",
		TotalBytes: total,
		UsedBytes:  used,
		Timestamp:  s.now(),
	})
}

// ParseUtilization reads one integer per non-empty line. The line index is
// the GPU index, so any unparseable line rejects the whole batch. Values
// are clamped to 0..100.
func ParseUtilization(out string) ([]int, error) {
	var utils []int
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(line, "%")))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", domain.ErrBadOutput, line)
		}
		utils = append(utils, min(max(v, 0), 100))
	}
	if len(utils) == 0 {
		return nil, fmt.Errorf("%w: no readings", domain.ErrBadOutput)
	}
	return utils, nil
}

// ParseDisk reads the size and used columns of `df -B1 --output=size,used`,
// skipping the header.
func ParseDisk(out string) (total, used int64, err error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		t, err1 := strconv.ParseInt(fields[0], 10, 64)
		u, err2 := strconv.ParseInt(fields[1], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		return t, u, nil
	}
	return 0, 0, fmt.Errorf("%w: df output %q", domain.ErrBadOutput, out)
}
