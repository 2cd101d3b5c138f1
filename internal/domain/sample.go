package domain

import "time"

// UtilizationSample is one accelerator reading. Append-only.
type UtilizationSample struct {
	MachineID   string    `json:"instance_id"`
	GPUIndex    int       `json:"gpu_index"`
	Utilization int       `json:"utilization"`
	Timestamp   time.Time `json:"timestamp"`
}

// DiskSample records filesystem usage on a machine. Reporting only.
type DiskSample struct {
	MachineID  string    `json:"instance_id"`
	Mount      string    `json:"mount"`
	TotalBytes int64     `json:"total_bytes"`
	UsedBytes  int64     `json:"used_bytes"`
	Timestamp  time.Time `json:"timestamp"`
}

// UsedPercent returns used/total as a percentage, 0 when total is unknown.
func (d DiskSample) UsedPercent() float64 {
	if d.TotalBytes <= 0 {
		return 0
	}
	return float64(d.UsedBytes) * 100 / float64(d.TotalBytes)
}

// SampleMinute is one distinct (machine, timestamp) observation, used by the
// advisory usage view.
type SampleMinute struct {
	MachineID string
	Timestamp time.Time
}

// AvailabilityRecord notes that an instance type had capacity in a region at
// a point in time.
type AvailabilityRecord struct {
	InstanceType string    `json:"instance_type"`
	Region       string    `json:"region"`
	Timestamp    time.Time `json:"timestamp"`
}
