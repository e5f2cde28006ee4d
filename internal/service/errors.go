package service

import "errors"

// Outcome errors of the manager operations. Callers wrap them with detail via fmt.Errorf and
// classify them with errors.Is; the HTTP layer turns each into its answer code.
var (
	ErrAlreadyRegistered = errors.New("user is already registered")
	ErrUserNotFound      = errors.New("user not found")
	ErrKeyMissing        = errors.New("no ssh key is set")
	ErrKeyInUse          = errors.New("ssh key is used by a running job")
	ErrNamingConflict    = errors.New("credential secret name conflict")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidKey        = errors.New("invalid ssh public key")
	ErrUnauthorized      = errors.New("unauthorized")
)
