package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/grok-ai/BeER/internal/auth"
	"github.com/grok-ai/BeER/internal/k8s"
	"github.com/grok-ai/BeER/internal/models"
	"github.com/grok-ai/BeER/internal/pkg/logger"
	"github.com/grok-ai/BeER/internal/repository"
)

// RegistrationService manages who and what the cluster knows: workers joining and users being
// registered or re-levelled.
type RegistrationService interface {
	// Join records a worker and its GPU inventory. The caller supplies the observed remote IP.
	Join(ctx context.Context, wm *models.WorkerModel) (*models.Worker, error)
	// RegisterUser creates userID at level. The actor must already have been admitted for the grant.
	RegisterUser(ctx context.Context, actor *models.User, userID string, level models.PermissionLevel) (*models.User, error)
	// SetPermission changes the level of an existing user.
	SetPermission(ctx context.Context, actor *models.User, userID string, level models.PermissionLevel) (*models.User, error)
}

type registrationService struct {
	registry repository.Registry
	logger   *zap.Logger
}

func NewRegistrationService(registry repository.Registry, log *zap.Logger) RegistrationService {
	if log == nil {
		log = zap.NewNop()
	}
	return &registrationService{registry: registry, logger: log}
}

func (s *registrationService) Join(ctx context.Context, wm *models.WorkerModel) (*models.Worker, error) {
	if err := validateWorker(wm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	w, err := s.registry.RegisterWorker(ctx, wm)
	if err != nil {
		return nil, err
	}
	logger.For(ctx, s.logger).Info("worker joined",
		zap.String("worker", w.Hostname),
		zap.String("ip", w.IP),
		zap.Int("gpus", len(wm.GPUs)))
	return w, nil
}

func validateWorker(wm *models.WorkerModel) error {
	var problems []string
	if strings.TrimSpace(wm.Hostname) == "" {
		problems = append(problems, "hostname is required")
	}
	if !path.IsAbs(wm.VolumesRoot) {
		problems = append(problems, "volumes_root must be an absolute path")
	}
	uuids := make(map[string]bool, len(wm.GPUs))
	indexes := make(map[int]bool, len(wm.GPUs))
	for _, g := range wm.GPUs {
		switch {
		case g.UUID == "":
			problems = append(problems, "gpu uuid is required")
		case uuids[g.UUID]:
			problems = append(problems, fmt.Sprintf("gpu %s reported twice", g.UUID))
		case indexes[g.Index]:
			problems = append(problems, fmt.Sprintf("gpu index %d reported twice", g.Index))
		}
		uuids[g.UUID] = true
		indexes[g.Index] = true
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func (s *registrationService) RegisterUser(ctx context.Context, actor *models.User, userID string, level models.PermissionLevel) (*models.User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if err := k8s.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !level.Valid() {
		return nil, fmt.Errorf("%w: unknown permission level %d", ErrInvalidRequest, int(level))
	}
	u, err := s.registry.RegisterUser(ctx, userID, level)
	if errors.Is(err, repository.ErrAlreadyExists) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, userID)
	}
	if err != nil {
		return nil, err
	}
	logger.For(ctx, s.logger).Info("user registered",
		zap.String("user_id", userID),
		zap.Stringer("level", level),
		zap.String("by", actor.ID))
	return u, nil
}

func (s *registrationService) SetPermission(ctx context.Context, actor *models.User, userID string, level models.PermissionLevel) (*models.User, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: unknown permission level %d", ErrInvalidRequest, int(level))
	}
	target, err := s.registry.GetUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	if err := auth.CanModify(actor, target); err != nil {
		return nil, err
	}
	if err := s.registry.SetPermission(ctx, userID, level); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, err
	}
	logger.For(ctx, s.logger).Info("permission changed",
		zap.String("user_id", userID),
		zap.Stringer("from", target.PermissionLevel),
		zap.Stringer("to", level),
		zap.String("by", actor.ID))
	target.PermissionLevel = level
	return target, nil
}
