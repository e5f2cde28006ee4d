package models

import (
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// Labels carried by every dispatched job. The orchestrator is the only job ledger, so reapers and
// inspection tools must parse these exactly as written here.
const (
	LabelUserID = "beer.user_id"
	LabelExpire = "beer.expire"
)

// ExpiryLayout is the fixed-width (14 characters, second resolution, UTC) encoding of the expiry label.
const ExpiryLayout = "01022006150405"

// DefaultVolumeMount is where the per-user volume lands when a request does not name a path.
const DefaultVolumeMount = "/workspace"

// MaxExpectedDurationHours is the longest duration whose expiry still fits in a time.Duration.
const MaxExpectedDurationHours = int(math.MaxInt64 / int64(time.Hour))

// FormatExpiry encodes t for the expiry label.
func FormatExpiry(t time.Time) string {
	return t.UTC().Format(ExpiryLayout)
}

// ParseExpiry decodes an expiry label value. FormatExpiry(ParseExpiry(s)) == s for every valid s.
func ParseExpiry(s string) (time.Time, error) {
	if len(s) != len(ExpiryLayout) {
		return time.Time{}, fmt.Errorf("expiry label %q: want %d characters", s, len(ExpiryLayout))
	}
	t, err := time.ParseInLocation(ExpiryLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("expiry label %q: %w", s, err)
	}
	return t, nil
}

// JobRequest asks for one time-boxed container on one worker.
type JobRequest struct {
	UserID           string   `json:"user_id"`
	Image            string   `json:"image"`
	WorkerHostname   string   `json:"worker_hostname"`
	GPUs             []string `json:"gpus"`
	ExpectedDuration int      `json:"expected_duration"` // hours
	VolumeMount      string   `json:"volume_mount,omitempty"`
}

// Validate checks the fields that do not need a registry lookup.
func (r *JobRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Image) == "" {
		problems = append(problems, "image is required")
	}
	if strings.TrimSpace(r.WorkerHostname) == "" {
		problems = append(problems, "worker_hostname is required")
	}
	if r.ExpectedDuration <= 0 {
		problems = append(problems, "expected_duration must be a positive number of hours")
	} else if r.ExpectedDuration > MaxExpectedDurationHours {
		problems = append(problems, fmt.Sprintf("expected_duration must be at most %d hours", MaxExpectedDurationHours))
	}
	if r.VolumeMount != "" && (!path.IsAbs(r.VolumeMount) || path.Clean(r.VolumeMount) == "/") {
		problems = append(problems, "volume_mount must be an absolute path below /")
	}
	seen := make(map[string]bool, len(r.GPUs))
	for _, id := range r.GPUs {
		if strings.TrimSpace(id) == "" {
			problems = append(problems, "gpu identifiers must not be empty")
			break
		}
		if seen[id] {
			problems = append(problems, fmt.Sprintf("gpu %s requested twice", id))
		}
		seen[id] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// JobDescriptor describes a dispatched job as read back from the orchestrator.
type JobDescriptor struct {
	Name           string    `json:"name"`
	Namespace      string    `json:"namespace"`
	UserID         string    `json:"user_id"`
	WorkerHostname string    `json:"worker_hostname"`
	Image          string    `json:"image"`
	GPUs           []string  `json:"gpus"`
	Expire         time.Time `json:"expire"`
	CreatedAt      time.Time `json:"created_at"`
	Phase          string    `json:"phase"`
	SSHNodePort    int32     `json:"ssh_node_port,omitempty"`
	VolumeMount    string    `json:"volume_mount,omitempty"`

	// Pod and Service are the objects as the API server returned them on dispatch. Listings
	// leave them nil.
	Pod     *corev1.Pod     `json:"-"`
	Service *corev1.Service `json:"-"`
}
