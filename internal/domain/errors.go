package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────

var (
	// State errors
	ErrMachineNotFound = errors.New("machine not found")
	ErrAccountNotFound = errors.New("account not found")

	// Configuration errors
	ErrMissingCredential = errors.New("account has no api key")
	ErrInvalidLimit      = errors.New("invalid budget limit")
	ErrNoAccounts        = errors.New("no accounts configured")

	// Remote errors
	ErrNoAddress     = errors.New("machine has no reachable address")
	ErrNoIdentity    = errors.New("no ssh identity available for machine")
	ErrRemoteTimeout = errors.New("remote command timed out")
	ErrBadOutput     = errors.New("unparseable remote output")

	// Provider errors
	ErrProviderStatus = errors.New("provider returned an error status")

	// Notification errors
	ErrNoWebhook = errors.New("no webhook configured")
)
