// Package storage persists tasks, accounts, member records, and settings in
// SQLite, and provides sinks for the optional remote stores.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/artai8/la/internal/model"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewStore opens (or creates) the database at dbPath.
func NewStore(logger *zap.Logger, dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{logger: logger.Named("store"), db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			run_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			counters TEXT,
			error TEXT,
			log TEXT DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_run_at ON tasks(run_at);

		CREATE TABLE IF NOT EXISTS accounts (
			phone TEXT PRIMARY KEY,
			credential TEXT,
			group_name TEXT DEFAULT 'default',
			proxy TEXT,
			health TEXT NOT NULL DEFAULT 'unknown',
			errors INTEGER NOT NULL DEFAULT 0,
			last_leased_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS members (
			member_id INTEGER NOT NULL,
			source_group TEXT NOT NULL,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			phone TEXT,
			ok INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (source_group, member_id)
		);
		CREATE INDEX IF NOT EXISTS idx_members_source ON members(source_group);

		CREATE TABLE IF NOT EXISTS members_added (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			account TEXT,
			task_id INTEGER,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_members_added_username ON members_added(username);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT
		);

		CREATE TABLE IF NOT EXISTS lists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			list_type TEXT NOT NULL,
			value TEXT NOT NULL,
			UNIQUE (list_type, value)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func nowTS() int64 { return time.Now().Unix() }

// --- tasks ---

// CreateTask inserts a task in queued status and returns its id.
func (s *Store) CreateTask(ctx context.Context, typ model.TaskType, payload json.RawMessage, runAt int64) (int64, error) {
	now := nowTS()
	if runAt == 0 {
		runAt = now
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (type, payload, status, run_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		typ, string(payload), model.TaskStatusQueued, runAt, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read task id: %w", err)
	}
	return id, nil
}

func scanTask(scan func(...any) error) (*model.Task, error) {
	var t model.Task
	var payload string
	var started, finished sql.NullInt64
	var counters, errMsg sql.NullString
	if err := scan(&t.ID, &t.Type, &payload, &t.Status, &t.RunAt, &t.CreatedAt,
		&started, &finished, &counters, &errMsg); err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	if started.Valid {
		t.StartedAt = &started.Int64
	}
	if finished.Valid {
		t.FinishedAt = &finished.Int64
	}
	if counters.Valid && counters.String != "" {
		_ = json.Unmarshal([]byte(counters.String), &t.Counters)
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	return &t, nil
}

const taskColumns = "id, type, payload, status, run_at, created_at, started_at, finished_at, counters, error"

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, model.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*model.Task, error) {
	return s.queryTasks(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY id DESC")
}

// PendingTasks returns tasks that have not reached a terminal state,
// ordered by (run_at, id).
func (s *Store) PendingTasks(ctx context.Context) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?, ?)
		ORDER BY run_at, id`,
		model.TaskStatusQueued, model.TaskStatusScheduled, model.TaskStatusRunning)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetTaskStatus records a status transition.
func (s *Store) SetTaskStatus(ctx context.Context, id int64, status model.TaskStatus, errMsg string) error {
	var finished sql.NullInt64
	if status.Terminal() {
		finished = sql.NullInt64{Int64: nowTS(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE id = ?`,
		status, sql.NullString{String: errMsg, Valid: errMsg != ""}, finished, id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// SetTaskRunning marks a task running and stamps its start time.
func (s *Store) SetTaskRunning(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, started_at = ? WHERE id = ?",
		model.TaskStatusRunning, nowTS(), id)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	return nil
}

// UpdateTaskCounters persists the accumulated counters.
func (s *Store) UpdateTaskCounters(ctx context.Context, id int64, c model.Counters) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE tasks SET counters = ? WHERE id = ?", string(data), id)
	if err != nil {
		return fmt.Errorf("failed to update task counters: %w", err)
	}
	return nil
}

// AppendTaskLog appends one line to the task's accumulated log.
func (s *Store) AppendTaskLog(ctx context.Context, id int64, line string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET log = log || ? || char(10) WHERE id = ?", line, id)
	if err != nil {
		return fmt.Errorf("failed to append task log: %w", err)
	}
	return nil
}

// TaskLog returns the accumulated log of a task.
func (s *Store) TaskLog(ctx context.Context, id int64) (string, error) {
	var log string
	err := s.db.QueryRowContext(ctx, "SELECT log FROM tasks WHERE id = ?", id).Scan(&log)
	if err == sql.ErrNoRows {
		return "", model.ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read task log: %w", err)
	}
	return log, nil
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// DeleteFinishedBefore prunes terminal tasks that finished before the cutoff.
func (s *Store) DeleteFinishedBefore(ctx context.Context, before time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND finished_at < ?`,
		model.TaskStatusDone, model.TaskStatusFailed, model.TaskStatusStopped, before.Unix())
	if err != nil {
		return fmt.Errorf("failed to prune tasks: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("Pruned finished tasks", zap.Int64("deleted", n))
	}
	return nil
}

// --- accounts ---

// UpsertAccount stores the durable part of an account (identity, health,
// error counter); engagement state stays in memory with the pool.
func (s *Store) UpsertAccount(ctx context.Context, a model.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (phone, credential, group_name, proxy, health, errors, last_leased_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET
			credential = excluded.credential,
			group_name = excluded.group_name,
			proxy = excluded.proxy,
			health = excluded.health,
			errors = excluded.errors,
			last_leased_at = excluded.last_leased_at`,
		a.Phone, a.Credential, a.Group, a.Proxy, a.Health, a.Errors, a.LastLeasedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// ListAccounts returns all stored accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT phone, credential, group_name, proxy, health, errors, last_leased_at FROM accounts ORDER BY phone")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var credential, proxy sql.NullString
		var lastLeased sql.NullInt64
		if err := rows.Scan(&a.Phone, &credential, &a.Group, &proxy, &a.Health, &a.Errors, &lastLeased); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.Credential = credential.String
		a.Proxy = proxy.String
		a.LastLeasedAt = lastLeased.Int64
		a.State = model.EngagementIdle
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// RemoveAccount deletes an account row.
func (s *Store) RemoveAccount(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE phone = ?", phone)
	if err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}
	return nil
}

// --- member records ---

// UpsertMembers inserts or updates member records. For a given source group
// the set is keyed by member id, so re-extraction never duplicates entries.
func (s *Store) UpsertMembers(ctx context.Context, members []model.Member) error {
	if len(members) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO members (member_id, source_group, username, first_name, last_name, phone, ok, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_group, member_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			phone = excluded.phone,
			ok = excluded.ok,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := nowTS()
	for _, m := range members {
		if _, err := stmt.ExecContext(ctx, m.ID, m.SourceGroup, m.Username,
			m.FirstName, m.LastName, m.Phone, m.OK, now); err != nil {
			return fmt.Errorf("failed to upsert member %d: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// CountMembers returns the number of distinct member records for a source group.
func (s *Store) CountMembers(ctx context.Context, sourceGroup string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM members WHERE source_group = ?", sourceGroup).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return n, nil
}

// CountAllMembers returns the total number of extracted member records.
func (s *Store) CountAllMembers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM members").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return n, nil
}

// CountAddedMembers returns the size of the added-members ledger.
func (s *Store) CountAddedMembers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM members_added").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count added members: %w", err)
	}
	return n, nil
}

// MemberUsernames returns the usernames of ok-classified members of a source
// group, up to limit (0 = no limit). An empty source group selects every
// group.
func (s *Store) MemberUsernames(ctx context.Context, sourceGroup string, limit int) ([]string, error) {
	query := "SELECT username FROM members WHERE (? = '' OR source_group = ?) AND ok = 1 AND username != ''"
	args := []any{sourceGroup, sourceGroup}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list member usernames: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// --- added-members ledger ---

// IsMemberAdded reports whether a username was already processed by a
// previous add/invite run.
func (s *Store) IsMemberAdded(ctx context.Context, username string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM members_added WHERE username = ?", username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return n > 0, nil
}

// RecordMemberAdded marks a username processed, successful or not.
func (s *Store) RecordMemberAdded(ctx context.Context, username, account string, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members_added (username, account, task_id, created_at)
		VALUES (?, ?, ?, ?)`, username, account, taskID, nowTS())
	if err != nil {
		return fmt.Errorf("failed to record added member: %w", err)
	}
	return nil
}

// --- settings ---

// GetSetting returns the stored value for key, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting: %w", err)
	}
	return value, nil
}

// SetSetting stores a key-value pair. Unrecognized keys are stored as-is.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to store setting: %w", err)
	}
	return nil
}

// AllSettings returns the full settings map.
func (s *Store) AllSettings() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- lists (blacklist / whitelist) ---

// ListValues returns the values of a named list.
func (s *Store) ListValues(listType string) ([]string, error) {
	rows, err := s.db.Query("SELECT value FROM lists WHERE list_type = ? ORDER BY id", listType)
	if err != nil {
		return nil, fmt.Errorf("failed to read list: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// AddListValue adds a value to a named list, ignoring duplicates.
func (s *Store) AddListValue(listType, value string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO lists (list_type, value) VALUES (?, ?)", listType, value)
	if err != nil {
		return fmt.Errorf("failed to add list value: %w", err)
	}
	return nil
}

// RemoveListValue removes a value from a named list.
func (s *Store) RemoveListValue(listType, value string) error {
	_, err := s.db.Exec("DELETE FROM lists WHERE list_type = ? AND value = ?", listType, value)
	if err != nil {
		return fmt.Errorf("failed to remove list value: %w", err)
	}
	return nil
}
