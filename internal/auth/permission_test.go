package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grok-ai/BeER/internal/models"
	"github.com/grok-ai/BeER/internal/repository"
)

var allLevels = []models.PermissionLevel{models.PermissionOwner, models.PermissionAdmin, models.PermissionUser}

func TestHasLevel(t *testing.T) {
	if !HasLevel(models.PermissionOwner, models.PermissionAdmin) {
		t.Error("Owner should have admin level")
	}
	if HasLevel(models.PermissionUser, models.PermissionAdmin) {
		t.Error("User should not have admin level")
	}
	if HasLevel(models.PermissionLevel(9), models.PermissionUser) {
		t.Error("Invalid level should not grant access")
	}
}

func TestEscalationTarget(t *testing.T) {
	assert.Equal(t, models.PermissionOwner, EscalationTarget(models.PermissionOwner))
	assert.Equal(t, models.PermissionOwner, EscalationTarget(models.PermissionAdmin))
	assert.Equal(t, models.PermissionAdmin, EscalationTarget(models.PermissionUser))
}

func newEngine(t *testing.T) (*Engine, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	return NewEngine(repo, nil), repo
}

func caller(id string) models.RequestUser {
	name := "user" + id
	return models.RequestUser{UserID: id, Username: &name, FullName: "User " + id}
}

func TestAdmit_AllLevelPairs(t *testing.T) {
	ctx := context.Background()
	for _, held := range allLevels {
		for _, required := range allLevels {
			engine, repo := newEngine(t)
			_, err := repo.RegisterUser(ctx, "42", held)
			require.NoError(t, err)

			user, err := engine.Admit(ctx, caller("42"), required)
			if held <= required {
				require.NoError(t, err, "held=%s required=%s", held, required)
				assert.Equal(t, held, user.PermissionLevel)
			} else {
				var pe *PermissionError
				require.True(t, errors.As(err, &pe), "held=%s required=%s", held, required)
				assert.Equal(t, required, pe.Required)
				require.NotNil(t, pe.Actual)
				assert.Equal(t, held, *pe.Actual)
			}
		}
	}
}

func TestAdmit_Unregistered(t *testing.T) {
	ctx := context.Background()
	engine, repo := newEngine(t)
	require.NoError(t, repo.EnsureOwner(ctx, "1"))
	owner := "boss"
	require.NoError(t, repo.UpsertContactInfo(ctx, "1", &owner, "The Boss"))
	_, err := repo.RegisterUser(ctx, "2", models.PermissionAdmin)
	require.NoError(t, err)

	_, err = engine.Admit(ctx, caller("99"), models.PermissionUser)
	var nre *NotRegisteredError
	require.True(t, errors.As(err, &nre))
	assert.Equal(t, []string{"@boss", "2"}, nre.Admins)

	for _, required := range []models.PermissionLevel{models.PermissionOwner, models.PermissionAdmin} {
		_, err = engine.Admit(ctx, caller("99"), required)
		var pe *PermissionError
		require.True(t, errors.As(err, &pe))
		assert.Nil(t, pe.Actual)
	}

	ok, err := repo.IsRegistered(ctx, "99")
	require.NoError(t, err)
	assert.False(t, ok, "admission must not register the caller")
}

func TestAdmit_RefreshesContactInfoEvenWhenDenied(t *testing.T) {
	ctx := context.Background()
	engine, repo := newEngine(t)
	_, err := repo.RegisterUser(ctx, "42", models.PermissionUser)
	require.NoError(t, err)

	_, err = engine.Admit(ctx, caller("42"), models.PermissionOwner)
	require.Error(t, err)

	u, err := repo.GetUser(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, u.Username)
	assert.Equal(t, "user42", *u.Username)
}

func TestAdmit_StorageFailure(t *testing.T) {
	engine, repo := newEngine(t)
	repo.FailWith = errors.New("disk full")

	_, err := engine.Admit(context.Background(), caller("42"), models.PermissionUser)
	var se *repository.StorageError
	assert.True(t, errors.As(err, &se))
}

func TestAdmitGrant_Escalation(t *testing.T) {
	ctx := context.Background()
	for _, held := range allLevels {
		for _, granted := range allLevels {
			engine, repo := newEngine(t)
			_, err := repo.RegisterUser(ctx, "42", held)
			require.NoError(t, err)

			_, err = engine.AdmitGrant(ctx, caller("42"), granted)
			allowed := held <= EscalationTarget(granted)
			assert.Equal(t, allowed, err == nil, "held=%s granted=%s", held, granted)
		}
	}
}

func TestCanModify(t *testing.T) {
	owner := &models.User{ID: "1", PermissionLevel: models.PermissionOwner}
	admin := &models.User{ID: "2", PermissionLevel: models.PermissionAdmin}
	otherAdmin := &models.User{ID: "3", PermissionLevel: models.PermissionAdmin}
	user := &models.User{ID: "4", PermissionLevel: models.PermissionUser}

	assert.NoError(t, CanModify(owner, owner))
	assert.NoError(t, CanModify(owner, admin))
	assert.NoError(t, CanModify(admin, user))
	assert.Error(t, CanModify(admin, otherAdmin))
	assert.Error(t, CanModify(admin, owner))
	assert.Error(t, CanModify(user, user))
}
