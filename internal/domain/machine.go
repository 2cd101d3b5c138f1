// Package domain holds the fleet governor's core types: machines, samples,
// cost ledgers and budgets. It has no infrastructure dependency.
package domain

import (
	"strings"
	"time"
)

// MachineStatus is the provider lifecycle state of a machine.
type MachineStatus string

const (
	StatusActive      MachineStatus = "active"
	StatusBooting     MachineStatus = "booting"
	StatusUnhealthy   MachineStatus = "unhealthy"
	StatusTerminating MachineStatus = "terminating"
	StatusTerminated  MachineStatus = "terminated"
)

// DefaultAllowlistMarkers are the name fragments that exempt a machine from
// automatic reclamation when no explicit flag is set.
var DefaultAllowlistMarkers = []string{"overbudget", "allowlist", "whitelist"}

// Machine is one rented instance as last observed from the provider.
type Machine struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Hostname     string        `json:"hostname"`
	IP           string        `json:"ip"`
	PrivateIP    string        `json:"private_ip"`
	Status       MachineStatus `json:"status"`
	Region       string        `json:"region"`
	InstanceType string        `json:"instance_type"`
	GPUCount     int           `json:"gpu_count"`
	HourlyCents  int64         `json:"hourly_cost_cents"`
	SSHKeys      []string      `json:"ssh_key_names"`
	Account      string        `json:"account"`
	Allowlisted  bool          `json:"allowlisted"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`
	Initialized  bool          `json:"initialized"`
}

// IsActive reports whether the machine may be sampled, billed or enforced.
func (m *Machine) IsActive() bool {
	return m.Status == StatusActive
}

// PrimaryKey returns the ownership key cost is attributed to, or "".
func (m *Machine) PrimaryKey() string {
	if len(m.SSHKeys) == 0 {
		return ""
	}
	return m.SSHKeys[0]
}

// DisplayName picks the most readable label for logs and reports.
func (m *Machine) DisplayName() string {
	switch {
	case m.Hostname != "":
		return m.Hostname
	case m.Name != "":
		return m.Name
	case len(m.ID) > 8:
		return m.ID[:8]
	default:
		return m.ID
	}
}

// IsAllowlisted reports whether the machine is exempt from reclamation,
// either by explicit flag or by a case-insensitive marker in its name.
func (m *Machine) IsAllowlisted(markers []string) bool {
	if m.Allowlisted {
		return true
	}
	name := strings.ToLower(m.Name)
	if name == "" {
		return false
	}
	for _, mk := range markers {
		if mk != "" && strings.Contains(name, strings.ToLower(mk)) {
			return true
		}
	}
	return false
}

// Runtime returns how long the machine has been observed. A zero FirstSeen
// yields zero.
func (m *Machine) Runtime(now time.Time) time.Duration {
	if m.FirstSeen.IsZero() {
		return 0
	}
	return now.Sub(m.FirstSeen)
}

// MachineType is one entry of the provider's instance-type catalog.
type MachineType struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PriceCents  int64    `json:"price_cents_per_hour"`
	GPUs        int      `json:"gpus"`
	MemoryGiB   int      `json:"memory_gib"`
	VCPUs       int      `json:"vcpus"`
	StorageGiB  int      `json:"storage_gib"`
	Regions     []string `json:"regions_with_capacity"`
}

// OwnershipKey is an SSH key registered with the provider account.
type OwnershipKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}
