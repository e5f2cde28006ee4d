package k8s

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// ErrSecretInUse is returned when a secret cannot be removed because a live job mounts it.
var ErrSecretInUse = errors.New("secret is mounted by a running job")

// OrchestratorError wraps a failed Kubernetes API call. The underlying API status survives
// unwrapping, so apierrors.IsNotFound and friends keep working.
type OrchestratorError struct {
	Op  string
	Err error
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("orchestrator: %s: %v", e.Op, e.Err)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// IsNotFound reports whether err carries a Kubernetes NotFound status.
func IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}
