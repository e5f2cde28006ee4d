package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/grok-ai/BeER/internal/models"
	"github.com/grok-ai/BeER/internal/repository"
)

// Level hierarchy: owner > admin > user. Numerically smaller levels are stronger.

// HasLevel checks if the holder level meets the minimum required level.
func HasLevel(holder, required models.PermissionLevel) bool {
	return holder.Valid() && holder.Satisfies(required)
}

// EscalationTarget returns the level an actor must hold to grant requested to someone else:
// granting Admin requires Owner, granting User requires Admin. Owner can only be granted by an Owner.
func EscalationTarget(requested models.PermissionLevel) models.PermissionLevel {
	if requested <= models.PermissionOwner {
		return models.PermissionOwner
	}
	return requested - 1
}

// PermissionError is returned when a caller does not hold the level an action demands.
type PermissionError struct {
	UserID   string
	Required models.PermissionLevel
	// Actual is nil when the caller is not registered.
	Actual *models.PermissionLevel
	Reason string
}

func (e *PermissionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission denied for user %s: %s", e.UserID, e.Reason)
	}
	if e.Actual == nil {
		return fmt.Sprintf("permission denied for user %s: not registered, %s required", e.UserID, e.Required)
	}
	return fmt.Sprintf("permission denied for user %s: %s required, has %s", e.UserID, e.Required, *e.Actual)
}

// NotRegisteredError is returned when an unknown caller attempts a user-level action.
// Admins lists who can register them.
type NotRegisteredError struct {
	UserID string
	Admins []string
}

func (e *NotRegisteredError) Error() string {
	if len(e.Admins) == 0 {
		return fmt.Sprintf("user %s is not registered", e.UserID)
	}
	return fmt.Sprintf("user %s is not registered; ask one of: %s", e.UserID, strings.Join(e.Admins, ", "))
}

// Engine admits callers against the levels stored in the registry.
type Engine struct {
	users  repository.UserRepository
	logger *zap.Logger
}

func NewEngine(users repository.UserRepository, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{users: users, logger: logger}
}

// Admit refreshes the caller's contact info and then checks that the caller holds required.
// It returns the caller's stored record on success.
func (e *Engine) Admit(ctx context.Context, caller models.RequestUser, required models.PermissionLevel) (*models.User, error) {
	if err := e.users.UpsertContactInfo(ctx, caller.UserID, caller.Username, caller.FullName); err != nil {
		return nil, err
	}

	user, err := e.users.GetUser(ctx, caller.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		if required == models.PermissionUser {
			return nil, e.notRegistered(ctx, caller.UserID)
		}
		e.logger.Info("permission denied", zap.String("user_id", caller.UserID), zap.Stringer("required", required), zap.Bool("registered", false))
		return nil, &PermissionError{UserID: caller.UserID, Required: required}
	}
	if err != nil {
		return nil, err
	}

	if !HasLevel(user.PermissionLevel, required) {
		actual := user.PermissionLevel
		e.logger.Info("permission denied",
			zap.String("user_id", caller.UserID),
			zap.Stringer("required", required),
			zap.Stringer("actual", actual))
		return nil, &PermissionError{UserID: caller.UserID, Required: required, Actual: &actual}
	}
	return user, nil
}

// AdmitGrant admits an actor about to give level to another user.
func (e *Engine) AdmitGrant(ctx context.Context, actor models.RequestUser, level models.PermissionLevel) (*models.User, error) {
	return e.Admit(ctx, actor, EscalationTarget(level))
}

// CanModify reports whether actor may change target's level. Owners may change anyone; everyone
// else may only change users strictly weaker than themselves.
func CanModify(actor, target *models.User) error {
	if actor.PermissionLevel == models.PermissionOwner || actor.PermissionLevel.StrongerThan(target.PermissionLevel) {
		return nil
	}
	actual := actor.PermissionLevel
	return &PermissionError{
		UserID:   actor.ID,
		Required: target.PermissionLevel,
		Actual:   &actual,
		Reason:   fmt.Sprintf("cannot change the level of %s user %s", target.PermissionLevel, target.ID),
	}
}

func (e *Engine) notRegistered(ctx context.Context, userID string) error {
	admins, err := e.users.ListAdmins(ctx)
	if err != nil {
		return err
	}
	hints := make([]string, 0, len(admins))
	for _, a := range admins {
		if a.Username != nil && *a.Username != "" {
			hints = append(hints, "@"+*a.Username)
		} else {
			hints = append(hints, a.ID)
		}
	}
	return &NotRegisteredError{UserID: userID, Admins: hints}
}
