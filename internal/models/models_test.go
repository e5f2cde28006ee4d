package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionLevel_Order(t *testing.T) {
	assert.True(t, PermissionOwner.StrongerThan(PermissionAdmin))
	assert.True(t, PermissionAdmin.StrongerThan(PermissionUser))
	assert.False(t, PermissionUser.StrongerThan(PermissionUser))

	assert.True(t, PermissionOwner.Satisfies(PermissionUser))
	assert.True(t, PermissionAdmin.Satisfies(PermissionAdmin))
	assert.False(t, PermissionUser.Satisfies(PermissionAdmin))
}

func TestPermissionLevel_UnmarshalJSON(t *testing.T) {
	cases := map[string]PermissionLevel{
		`0`:       PermissionOwner,
		`1`:       PermissionAdmin,
		`"USER"`:  PermissionUser,
		`"admin"`: PermissionAdmin,
		`"2"`:     PermissionUser,
	}
	for in, want := range cases {
		var got PermissionLevel
		require.NoError(t, json.Unmarshal([]byte(in), &got), in)
		assert.Equal(t, want, got, in)
	}

	var bad PermissionLevel
	assert.Error(t, json.Unmarshal([]byte(`7`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`"root"`), &bad))
}

func TestExpiry_RoundTrip(t *testing.T) {
	instant := time.Date(2026, 3, 9, 17, 4, 59, 999, time.FixedZone("CET", 3600))

	encoded := FormatExpiry(instant)
	assert.Len(t, encoded, len(ExpiryLayout))
	assert.Equal(t, "03092026160459", encoded)

	decoded, err := ParseExpiry(encoded)
	require.NoError(t, err)
	assert.True(t, decoded.Equal(instant.Truncate(time.Second)))
	assert.Equal(t, encoded, FormatExpiry(decoded))
}

func TestParseExpiry_RejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "0309202616045", "13092026160459", "abcdefghijklmn"} {
		_, err := ParseExpiry(in)
		assert.Error(t, err, in)
	}
}

func TestJobRequest_Validate(t *testing.T) {
	valid := JobRequest{UserID: "42", Image: "grokai/beer_job:0.0.1", WorkerHostname: "gpu-01", GPUs: []string{"GPU-a"}, ExpectedDuration: 2}
	assert.NoError(t, valid.Validate())

	missing := JobRequest{GPUs: []string{"GPU-a", "GPU-a"}, VolumeMount: "relative"}
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image is required")
	assert.Contains(t, err.Error(), "worker_hostname is required")
	assert.Contains(t, err.Error(), "expected_duration")
	assert.Contains(t, err.Error(), "volume_mount")
	assert.Contains(t, err.Error(), "requested twice")
}

func TestJobRequest_ValidateDurationFitsInExpiry(t *testing.T) {
	now := time.Date(2026, 3, 9, 16, 4, 59, 0, time.UTC)
	req := JobRequest{Image: "grokai/beer_job:0.0.1", WorkerHostname: "gpu-01", ExpectedDuration: MaxExpectedDurationHours}
	require.NoError(t, req.Validate())
	assert.True(t, now.Add(time.Duration(req.ExpectedDuration)*time.Hour).After(now))

	for _, hours := range []int{MaxExpectedDurationHours + 1, 3000000} {
		req.ExpectedDuration = hours
		err := req.Validate()
		require.Error(t, err, hours)
		assert.Contains(t, err.Error(), "expected_duration must be at most")
	}
}

func TestUser_HasKey(t *testing.T) {
	u := &User{ID: "42"}
	assert.False(t, u.HasKey())
	empty := ""
	u.PublicSSHKey = &empty
	assert.False(t, u.HasKey())
	key := "ssh-ed25519 AAAA"
	u.PublicSSHKey = &key
	assert.True(t, u.HasKey())
}
