package domain

import (
	"context"
	"time"
)

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// Infrastructure implements these; app services depend on them.

// Provider is the cloud API for one credential.
type Provider interface {
	ListMachines(ctx context.Context, credential string) ([]Machine, error)
	// GetMachine returns nil, nil when the provider reports the machine gone.
	GetMachine(ctx context.Context, credential, id string) (*Machine, error)
	// Terminate returns the ids the provider confirmed.
	Terminate(ctx context.Context, credential string, ids []string) ([]string, error)
	ListOwnershipKeys(ctx context.Context, credential string) ([]OwnershipKey, error)
	ListMachineTypes(ctx context.Context, credential string) ([]MachineType, error)
}

// RemoteRunner executes commands on a machine.
type RemoteRunner interface {
	// Run returns the exit code and trimmed stdout.
	Run(ctx context.Context, m *Machine, command string, timeout time.Duration) (int, string, error)
	CopyFile(ctx context.Context, m *Machine, localPath, remotePath string, timeout time.Duration) error
}

// Notifier delivers budget alerts to an endpoint.
type Notifier interface {
	Notify(ctx context.Context, endpoint string, alert Alert) error
}
