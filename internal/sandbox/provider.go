package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType classifies provider failures for circuit-breaker input.
type ErrorType string

const (
	// ErrorPermanent failures count against the spawn circuit breaker.
	ErrorPermanent ErrorType = "permanent"
	// ErrorTransient failures are retried without mutating the breaker.
	ErrorTransient ErrorType = "transient"
)

// ProviderError is a classified failure surfaced by a provider. Unknown
// provider errors are treated as permanent.
type ProviderError struct {
	Type    ErrorType
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %s", e.Type, e.Message)
}

// IsTransient reports whether err is a provider error explicitly classified as
// transient. Anything else, including unclassified errors, is permanent.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Type == ErrorTransient
}

// CreateParams carries everything the provider needs to materialize a sandbox
// that can dial back into the coordinator.
type CreateParams struct {
	SessionID       string
	SandboxID       string
	RepoOwner       string
	RepoName        string
	ControlPlaneURL string
	AuthToken       string
	Provider        string
	Model           string
	// Env carries decrypted repo secrets plus platform variables injected into
	// the sandbox environment at boot.
	Env map[string]string
}

// Provider is the compute-provider port. Implementations materialize remote
// sandboxes; the returned object id is the provider-internal handle used for
// snapshot calls.
type Provider interface {
	CreateSandbox(ctx context.Context, params CreateParams) (objectID string, err error)
}

// Restorer is implemented by providers that can restore a sandbox from a
// previously taken snapshot.
type Restorer interface {
	RestoreFromSnapshot(ctx context.Context, params CreateParams, snapshotImageID string) (objectID string, err error)
}

// Snapshotter is implemented by providers that can persist a sandbox
// filesystem image.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context, objectID, reason string) (imageID string, err error)
}
