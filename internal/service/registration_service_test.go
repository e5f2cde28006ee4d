package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grok-ai/BeER/internal/auth"
	"github.com/grok-ai/BeER/internal/models"
)

func TestRegisterUser_Scenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.user(t, "1", models.PermissionOwner)
	svc := NewRegistrationService(f.repo, nil)

	u, err := svc.RegisterUser(ctx, owner, "42", models.PermissionAdmin)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionAdmin, u.PermissionLevel)

	_, err = svc.RegisterUser(ctx, owner, "42", models.PermissionAdmin)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = svc.RegisterUser(ctx, owner, "", models.PermissionUser)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.RegisterUser(ctx, owner, "43", models.PermissionLevel(5))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRegisterUser_RejectsIDsUnfitForTheOrchestrator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.user(t, "1", models.PermissionOwner)
	svc := NewRegistrationService(f.repo, nil)

	for _, id := range []string{"Alice", "a_b", "-x", "../x", ".."} {
		_, err := svc.RegisterUser(ctx, owner, id, models.PermissionUser)
		assert.ErrorIs(t, err, ErrInvalidRequest, id)
		_, err = f.repo.GetUser(ctx, id)
		assert.Error(t, err, "%s must not be stored", id)
	}

	_, err := svc.RegisterUser(ctx, owner, "42", models.PermissionUser)
	assert.NoError(t, err)
}

func TestSetPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.user(t, "1", models.PermissionOwner)
	admin := f.user(t, "2", models.PermissionAdmin)
	f.user(t, "3", models.PermissionAdmin)
	f.user(t, "4", models.PermissionUser)
	svc := NewRegistrationService(f.repo, nil)

	u, err := svc.SetPermission(ctx, owner, "4", models.PermissionAdmin)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionAdmin, u.PermissionLevel)

	_, err = svc.SetPermission(ctx, admin, "3", models.PermissionUser)
	var pe *auth.PermissionError
	assert.True(t, errors.As(err, &pe), "an admin cannot demote a peer")

	stored, err := f.repo.GetUser(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, models.PermissionAdmin, stored.PermissionLevel)

	_, err = svc.SetPermission(ctx, owner, "ghost", models.PermissionUser)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewRegistrationService(f.repo, nil)

	w, err := svc.Join(ctx, &models.WorkerModel{
		Hostname:    "gpu-01",
		ExternalIP:  "192.0.2.10",
		VolumesRoot: "/srv/beer",
		GPUs:        []models.GPUModel{{UUID: "GPU-a", Index: 0}, {UUID: "GPU-b", Index: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", w.IP)

	inv, err := f.repo.GPUsByWorkers(ctx, []string{"gpu-01"})
	require.NoError(t, err)
	require.Len(t, inv, 1)
	assert.Len(t, inv[0].GPUs, 2)

	bad := []*models.WorkerModel{
		{VolumesRoot: "/srv"},
		{Hostname: "gpu-02", VolumesRoot: "srv"},
		{Hostname: "gpu-02", VolumesRoot: "/srv", GPUs: []models.GPUModel{{UUID: "GPU-a"}, {UUID: "GPU-a", Index: 1}}},
		{Hostname: "gpu-02", VolumesRoot: "/srv", GPUs: []models.GPUModel{{UUID: "GPU-a"}, {UUID: "GPU-b"}}},
	}
	for _, wm := range bad {
		_, err := svc.Join(ctx, wm)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}
