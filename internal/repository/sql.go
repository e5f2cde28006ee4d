package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/grok-ai/BeER/internal/models"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	userColumns   = `id, username, full_name, permission_level, public_ssh_key, created_at, updated_at`
	workerColumns = `hostname, ip, volumes_root, info, registered_at, updated_at`
	gpuColumns    = `worker_hostname, uuid, name, gpu_index, total_memory, available, info`
)

// SQLRepository implements Registry on top of sqlx. Queries are written with '?' placeholders and
// rebound for the active driver, so the same code serves sqlite and postgres.
type SQLRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLRepository opens a connection using driver ("sqlite" or "postgres") and dsn.
func NewSQLRepository(driver, dsn string) (*SQLRepository, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// One connection: sqlite allows a single writer, and ":memory:" databases are per-connection.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	return &SQLRepository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database connection
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// Ping checks that the database answers.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return storageErr("ping", r.db.PingContext(ctx))
}

// RunMigrations applies every *.sql file of fsys in name order.
func (r *SQLRepository) RunMigrations(ctx context.Context, fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := r.db.ExecContext(ctx, string(body)); err != nil {
			return storageErr("migrate "+name, err)
		}
	}
	return nil
}

func (r *SQLRepository) q(query string) string {
	return r.db.Rebind(query)
}

// UserRepository implementation

func (r *SQLRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, r.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return &u, nil
}

func (r *SQLRepository) IsRegistered(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, r.q(`SELECT COUNT(*) FROM users WHERE id = ?`), id); err != nil {
		return false, storageErr("is registered", err)
	}
	return n > 0, nil
}

func (r *SQLRepository) ListAdmins(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	query := r.q(`SELECT ` + userColumns + ` FROM users WHERE permission_level <= ? ORDER BY permission_level, id`)
	if err := r.db.SelectContext(ctx, &users, query, models.PermissionAdmin); err != nil {
		return nil, storageErr("list admins", err)
	}
	return users, nil
}

func (r *SQLRepository) UpsertContactInfo(ctx context.Context, id string, username *string, fullName string) error {
	query := r.q(`
		UPDATE users SET username = ?, full_name = ?, updated_at = ?
		WHERE id = ? AND (username IS DISTINCT FROM ? OR full_name IS DISTINCT FROM ?)
	`)
	_, err := r.db.ExecContext(ctx, query, username, fullName, r.now(), id, username, fullName)
	return storageErr("update contact info", err)
}

func (r *SQLRepository) RegisterUser(ctx context.Context, id string, level models.PermissionLevel) (*models.User, error) {
	now := r.now()
	query := r.q(`
		INSERT INTO users (id, permission_level, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	res, err := r.db.ExecContext(ctx, query, id, level, now, now)
	if err != nil {
		return nil, storageErr("register user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storageErr("register user", err)
	}
	if n == 0 {
		return nil, ErrAlreadyExists
	}
	return &models.User{ID: id, PermissionLevel: level, CreatedAt: now, UpdatedAt: now}, nil
}

func (r *SQLRepository) SetPermission(ctx context.Context, id string, level models.PermissionLevel) error {
	return r.updateOne(ctx, "set permission", `UPDATE users SET permission_level = ?, updated_at = ? WHERE id = ?`, level, r.now(), id)
}

func (r *SQLRepository) SetPublicKey(ctx context.Context, id string, key string) error {
	return r.updateOne(ctx, "set public key", `UPDATE users SET public_ssh_key = ?, updated_at = ? WHERE id = ?`, key, r.now(), id)
}

func (r *SQLRepository) EnsureOwner(ctx context.Context, id string) error {
	now := r.now()
	query := r.q(`
		INSERT INTO users (id, permission_level, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET permission_level = excluded.permission_level, updated_at = excluded.updated_at
	`)
	_, err := r.db.ExecContext(ctx, query, id, models.PermissionOwner, now, now)
	return storageErr("ensure owner", err)
}

func (r *SQLRepository) updateOne(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// WorkerRepository implementation

func (r *SQLRepository) RegisterWorker(ctx context.Context, wm *models.WorkerModel) (*models.Worker, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storageErr("register worker", err)
	}
	defer tx.Rollback()

	now := r.now()
	upsert := tx.Rebind(`
		INSERT INTO workers (hostname, ip, volumes_root, info, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (hostname) DO UPDATE SET
			ip = excluded.ip, volumes_root = excluded.volumes_root, info = excluded.info, updated_at = excluded.updated_at
	`)
	if _, err := tx.ExecContext(ctx, upsert, wm.Hostname, wm.ExternalIP, wm.VolumesRoot, jsonText(wm.Info), now, now); err != nil {
		return nil, storageErr("register worker", err)
	}

	// The worker reports its complete inventory on every join; replace what was there.
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM gpus WHERE worker_hostname = ?`), wm.Hostname); err != nil {
		return nil, storageErr("register worker gpus", err)
	}
	insert := tx.Rebind(`INSERT INTO gpus (` + gpuColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, g := range wm.GPUs {
		if _, err := tx.ExecContext(ctx, insert, wm.Hostname, g.UUID, g.Name, g.Index, g.TotalMemory, true, jsonText(g.Info)); err != nil {
			return nil, storageErr("register worker gpus", err)
		}
	}

	var w models.Worker
	if err := tx.GetContext(ctx, &w, tx.Rebind(`SELECT `+workerColumns+` FROM workers WHERE hostname = ?`), wm.Hostname); err != nil {
		return nil, storageErr("register worker", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("register worker", err)
	}
	return &w, nil
}

func (r *SQLRepository) GetWorker(ctx context.Context, hostname string) (*models.Worker, error) {
	var w models.Worker
	err := r.db.GetContext(ctx, &w, r.q(`SELECT `+workerColumns+` FROM workers WHERE hostname = ?`), hostname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get worker", err)
	}
	return &w, nil
}

func (r *SQLRepository) GPUsByWorkers(ctx context.Context, hostnames []string) ([]models.WorkerGPUs, error) {
	if len(hostnames) == 0 {
		return []models.WorkerGPUs{}, nil
	}

	query, args, err := sqlx.In(`SELECT `+workerColumns+` FROM workers WHERE hostname IN (?) ORDER BY hostname`, hostnames)
	if err != nil {
		return nil, storageErr("gpus by workers", err)
	}
	var workers []models.Worker
	if err := r.db.SelectContext(ctx, &workers, r.q(query), args...); err != nil {
		return nil, storageErr("gpus by workers", err)
	}

	query, args, err = sqlx.In(`SELECT `+gpuColumns+` FROM gpus WHERE worker_hostname IN (?) ORDER BY worker_hostname, gpu_index`, hostnames)
	if err != nil {
		return nil, storageErr("gpus by workers", err)
	}
	var gpus []models.GPU
	if err := r.db.SelectContext(ctx, &gpus, r.q(query), args...); err != nil {
		return nil, storageErr("gpus by workers", err)
	}

	return groupGPUs(workers, gpus), nil
}

func groupGPUs(workers []models.Worker, gpus []models.GPU) []models.WorkerGPUs {
	byWorker := make(map[string][]models.GPU, len(workers))
	for _, g := range gpus {
		byWorker[g.WorkerHostname] = append(byWorker[g.WorkerHostname], g)
	}
	out := make([]models.WorkerGPUs, 0, len(workers))
	for _, w := range workers {
		list := byWorker[w.Hostname]
		if list == nil {
			list = []models.GPU{}
		}
		out = append(out, models.WorkerGPUs{Worker: w, GPUs: list})
	}
	return out
}

func jsonText(raw []byte) types.JSONText {
	if len(raw) == 0 {
		return types.JSONText("{}")
	}
	return types.JSONText(raw)
}

var _ Registry = (*SQLRepository)(nil)
