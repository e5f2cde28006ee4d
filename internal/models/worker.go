package models

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Worker is a cluster node able to host jobs, keyed by hostname.
type Worker struct {
	Hostname     string         `json:"hostname" db:"hostname"`
	IP           string         `json:"ip" db:"ip"`
	VolumesRoot  string         `json:"volumes_root" db:"volumes_root"`
	Info         types.JSONText `json:"info" db:"info"`
	RegisteredAt time.Time      `json:"registered_at" db:"registered_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// GPU is an accelerator reported by a worker at join time.
type GPU struct {
	UUID           string         `json:"uuid" db:"uuid"`
	WorkerHostname string         `json:"worker" db:"worker_hostname"`
	Name           string         `json:"name" db:"name"`
	Index          int            `json:"index" db:"gpu_index"`
	TotalMemory    int64          `json:"total_memory" db:"total_memory"` // MiB
	Available      bool           `json:"available" db:"available"`
	Info           types.JSONText `json:"info" db:"info"`
}

// GPUModel is the per-device payload a worker sends when joining.
type GPUModel struct {
	UUID        string          `json:"uuid"`
	Name        string          `json:"name"`
	Index       int             `json:"index"`
	TotalMemory int64           `json:"total_memory"`
	Info        json.RawMessage `json:"info,omitempty"`
}

// WorkerModel is the body of a join request.
type WorkerModel struct {
	Hostname    string          `json:"hostname"`
	ExternalIP  string          `json:"external_ip,omitempty"`
	VolumesRoot string          `json:"volumes_root"`
	GPUs        []GPUModel      `json:"gpus"`
	Info        json.RawMessage `json:"info,omitempty"`
}

// WorkerGPUs groups the inventory of one worker.
type WorkerGPUs struct {
	Worker Worker `json:"worker"`
	GPUs   []GPU  `json:"gpus"`
}
