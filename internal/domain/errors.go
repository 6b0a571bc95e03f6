package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Task store errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("illegal task status transition")
	ErrInvalidTask       = errors.New("invalid task definition")
	ErrStaleRun          = errors.New("run superseded by lease recovery")

	// ErrPersistence wraps unrecoverable store failures. The scheduler lets
	// these escape the tick; the daemon treats them as fatal.
	ErrPersistence = errors.New("task store failure")

	// Scheduling outcomes (non-fatal, retried next tick)
	ErrDependencyUnsatisfied = errors.New("dependencies not completed")
	ErrAdmissionDeferred     = errors.New("admission deferred")
	ErrPriceUnavailable      = errors.New("price source unavailable")

	// Capsule errors (task-fatal)
	ErrCapsuleResolution    = errors.New("capsule resolution failed")
	ErrInvalidCapsuleURI    = errors.New("invalid capsule URI")
	ErrCapsuleNotFound      = errors.New("capsule not registered")
	ErrSecurityVerification = errors.New("capsule integrity verification failed")

	// Hydration errors (task-fatal)
	ErrHydration          = errors.New("hydration failed")
	ErrUnsupportedScheme  = errors.New("unsupported storage location scheme")
	ErrArtifactCorrupted  = errors.New("artifact digest mismatch")
	ErrCacheEntryNotFound = errors.New("cache entry not found")
	ErrCacheEntryInUse    = errors.New("cache entry in use by a running task")

	// Market errors
	ErrUnknownPersona = errors.New("unknown persona")

	// Circuit breaker errors
	ErrCircuitOpen = errors.New("circuit breaker open")
)
