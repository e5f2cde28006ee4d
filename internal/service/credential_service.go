package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/grok-ai/BeER/internal/k8s"
	"github.com/grok-ai/BeER/internal/pkg/keymutex"
	"github.com/grok-ai/BeER/internal/pkg/logger"
	"github.com/grok-ai/BeER/internal/pkg/metrics"
	"github.com/grok-ai/BeER/internal/pkg/tracing"
	"github.com/grok-ai/BeER/internal/repository"
)

// CredentialService provisions the per-user SSH credential that dispatched jobs mount.
type CredentialService interface {
	// SetKey replaces the user's credential secret with key and records key on the user.
	SetKey(ctx context.Context, userID, key string) error
	// HasKey reports whether the user record carries a key.
	HasKey(ctx context.Context, userID string) (bool, error)
}

type credentialService struct {
	users  repository.UserRepository
	orch   Orchestrator
	locks  *keymutex.KeyMutex
	logger *zap.Logger
}

func NewCredentialService(users repository.UserRepository, orch Orchestrator, log *zap.Logger) CredentialService {
	if log == nil {
		log = zap.NewNop()
	}
	return &credentialService{users: users, orch: orch, locks: keymutex.New(), logger: log}
}

func (s *credentialService) SetKey(ctx context.Context, userID, key string) (err error) {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "credential.set_key", attribute.String("user_id", userID))
	defer func() { tracing.End(span, err) }()

	key = strings.TrimSpace(key)
	if _, _, _, _, perr := ssh.ParseAuthorizedKey([]byte(key)); perr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, perr)
	}

	// Remove, create and record must not interleave with another rotation for the same user.
	unlock := s.locks.Lock(userID)
	defer unlock()

	log := logger.For(ctx, s.logger).With(zap.String("user_id", userID))
	name := k8s.SSHKeySecretName(userID)

	if err := s.orch.RemoveSecret(ctx, name); err != nil {
		if errors.Is(err, k8s.ErrSecretInUse) {
			metrics.KeyRotationsTotal.WithLabelValues("in_use").Inc()
			return fmt.Errorf("%w: %v", ErrKeyInUse, err)
		}
		metrics.KeyRotationsTotal.WithLabelValues("error").Inc()
		return err
	}

	created, err := s.orch.CreateSecret(ctx, name, userID, key)
	if err != nil {
		metrics.KeyRotationsTotal.WithLabelValues("error").Inc()
		log.Error("credential secret removed but not recreated", zap.String("secret", name), zap.Error(err))
		return err
	}
	if created != name {
		metrics.KeyRotationsTotal.WithLabelValues("naming_conflict").Inc()
		return fmt.Errorf("%w: created %q, expected %q", ErrNamingConflict, created, name)
	}

	if err := s.users.SetPublicKey(ctx, userID, key); err != nil {
		metrics.KeyRotationsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return err
	}

	metrics.KeyRotationsTotal.WithLabelValues("ok").Inc()
	log.Info("ssh key rotated", zap.String("secret", name))
	return nil
}

func (s *credentialService) HasKey(ctx context.Context, userID string) (bool, error) {
	u, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return false, err
	}
	return u.HasKey(), nil
}
