package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/grok-ai/BeER/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// StorageError wraps a backend failure (connection loss, constraint violation, ...).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// UserRepository defines user data access methods
type UserRepository interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	IsRegistered(ctx context.Context, id string) (bool, error)
	// ListAdmins returns every user holding Admin or a stronger level.
	ListAdmins(ctx context.Context) ([]*models.User, error)
	// UpsertContactInfo refreshes username and full name of a registered user. Unknown ids and
	// unchanged values are no-ops.
	UpsertContactInfo(ctx context.Context, id string, username *string, fullName string) error
	RegisterUser(ctx context.Context, id string, level models.PermissionLevel) (*models.User, error)
	SetPermission(ctx context.Context, id string, level models.PermissionLevel) error
	SetPublicKey(ctx context.Context, id string, key string) error
	// EnsureOwner registers id as Owner, promoting it if it already exists.
	EnsureOwner(ctx context.Context, id string) error
}

// WorkerRepository defines worker and GPU inventory access methods
type WorkerRepository interface {
	// RegisterWorker upserts the worker keyed by hostname together with its reported GPUs.
	RegisterWorker(ctx context.Context, wm *models.WorkerModel) (*models.Worker, error)
	GetWorker(ctx context.Context, hostname string) (*models.Worker, error)
	// GPUsByWorkers returns the inventory of the given workers. Workers unknown to the registry
	// are omitted; known workers without GPUs are returned with an empty list.
	GPUsByWorkers(ctx context.Context, hostnames []string) ([]models.WorkerGPUs, error)
}

// Registry aggregates everything the manager persists.
type Registry interface {
	UserRepository
	WorkerRepository
}
