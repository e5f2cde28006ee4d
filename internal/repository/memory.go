package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grok-ai/BeER/internal/models"
)

// MemoryRepository is an in-process Registry used by tests and local runs without a database.
// Records are copied on the way in and out so callers never share state with the store.
type MemoryRepository struct {
	mu      sync.RWMutex
	users   map[string]models.User
	workers map[string]models.Worker
	gpus    map[string][]models.GPU

	// FailWith, when set, is returned (wrapped in StorageError) by every call.
	FailWith error
}

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:   make(map[string]models.User),
		workers: make(map[string]models.Worker),
		gpus:    make(map[string][]models.GPU),
	}
}

func (m *MemoryRepository) fail(op string) error {
	if m.FailWith != nil {
		return storageErr(op, m.FailWith)
	}
	return nil
}

// Ping fails only when FailWith is set.
func (m *MemoryRepository) Ping(_ context.Context) error {
	return m.fail("ping")
}

func (m *MemoryRepository) GetUser(_ context.Context, id string) (*models.User, error) {
	if err := m.fail("get user"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryRepository) IsRegistered(_ context.Context, id string) (bool, error) {
	if err := m.fail("is registered"); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[id]
	return ok, nil
}

func (m *MemoryRepository) ListAdmins(_ context.Context) ([]*models.User, error) {
	if err := m.fail("list admins"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.User
	for _, u := range m.users {
		if u.PermissionLevel.Satisfies(models.PermissionAdmin) {
			u := u
			out = append(out, &u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PermissionLevel != out[j].PermissionLevel {
			return out[i].PermissionLevel < out[j].PermissionLevel
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryRepository) UpsertContactInfo(_ context.Context, id string, username *string, fullName string) error {
	if err := m.fail("update contact info"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	if equalPtr(u.Username, username) && u.FullName != nil && *u.FullName == fullName {
		return nil
	}
	u.Username = copyPtr(username)
	u.FullName = &fullName
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return nil
}

func (m *MemoryRepository) RegisterUser(_ context.Context, id string, level models.PermissionLevel) (*models.User, error) {
	if err := m.fail("register user"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; ok {
		return nil, ErrAlreadyExists
	}
	now := time.Now().UTC()
	u := models.User{ID: id, PermissionLevel: level, CreatedAt: now, UpdatedAt: now}
	m.users[id] = u
	return &u, nil
}

func (m *MemoryRepository) SetPermission(_ context.Context, id string, level models.PermissionLevel) error {
	if err := m.fail("set permission"); err != nil {
		return err
	}
	return m.mutateUser(id, func(u *models.User) { u.PermissionLevel = level })
}

func (m *MemoryRepository) SetPublicKey(_ context.Context, id string, key string) error {
	if err := m.fail("set public key"); err != nil {
		return err
	}
	return m.mutateUser(id, func(u *models.User) { u.PublicSSHKey = &key })
}

func (m *MemoryRepository) EnsureOwner(_ context.Context, id string) error {
	if err := m.fail("ensure owner"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	u, ok := m.users[id]
	if !ok {
		u = models.User{ID: id, CreatedAt: now}
	}
	u.PermissionLevel = models.PermissionOwner
	u.UpdatedAt = now
	m.users[id] = u
	return nil
}

func (m *MemoryRepository) mutateUser(id string, fn func(*models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return nil
}

func (m *MemoryRepository) RegisterWorker(_ context.Context, wm *models.WorkerModel) (*models.Worker, error) {
	if err := m.fail("register worker"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	w, ok := m.workers[wm.Hostname]
	if !ok {
		w = models.Worker{Hostname: wm.Hostname, RegisteredAt: now}
	}
	w.IP = wm.ExternalIP
	w.VolumesRoot = wm.VolumesRoot
	w.Info = jsonText(wm.Info)
	w.UpdatedAt = now
	m.workers[wm.Hostname] = w

	gpus := make([]models.GPU, 0, len(wm.GPUs))
	for _, g := range wm.GPUs {
		gpus = append(gpus, models.GPU{
			UUID:           g.UUID,
			WorkerHostname: wm.Hostname,
			Name:           g.Name,
			Index:          g.Index,
			TotalMemory:    g.TotalMemory,
			Available:      true,
			Info:           jsonText(g.Info),
		})
	}
	sort.Slice(gpus, func(i, j int) bool { return gpus[i].Index < gpus[j].Index })
	m.gpus[wm.Hostname] = gpus
	return &w, nil
}

func (m *MemoryRepository) GetWorker(_ context.Context, hostname string) (*models.Worker, error) {
	if err := m.fail("get worker"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[hostname]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *MemoryRepository) GPUsByWorkers(_ context.Context, hostnames []string) ([]models.WorkerGPUs, error) {
	if err := m.fail("gpus by workers"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var workers []models.Worker
	var gpus []models.GPU
	seen := make(map[string]bool)
	for _, h := range hostnames {
		w, ok := m.workers[h]
		if !ok || seen[h] {
			continue
		}
		seen[h] = true
		workers = append(workers, w)
		gpus = append(gpus, m.gpus[h]...)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Hostname < workers[j].Hostname })
	return groupGPUs(workers, gpus), nil
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func copyPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

var _ Registry = (*MemoryRepository)(nil)
