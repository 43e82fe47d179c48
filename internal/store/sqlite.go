package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/sethvargo/go-retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/seantiz/stagehand/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	busyTimeoutMS  = 5000
	txMaxRetries   = 5
	txRetryBackoff = 20 * time.Millisecond
)

const taskColumns = `t.id, t.name, t.parameters, t.version, s.description, t.created_at, t.completed_at,
	t.time_pre_execute, t.time_pre_execute_task, t.time_pre_execute_bundle_overhead,
	t.time_execute, t.time_execute_task, t.time_execute_bundle_overhead,
	t.time_post_execute, t.time_post_execute_task, t.time_post_execute_bundle_overhead,
	t.time_total`

const taskFrom = ` FROM tasks t JOIN statuses s ON s.id = t.status_id`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and applies the embedded
// migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases are
	// private to the connection that created them.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS),
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, retrying the whole transaction while
// SQLite reports the database as busy.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	backoff := retry.WithMaxRetries(txMaxRetries, retry.NewExponential(txRetryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.runTx(ctx, fn)
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var params string
	if err := row.Scan(
		&t.ID, &t.Name, &params, &t.Version, &t.Status, &t.CreatedAt, &t.CompletedAt,
		&t.TimePreExecute, &t.TimePreExecuteTask, &t.TimePreExecuteBundleOverhead,
		&t.TimeExecute, &t.TimeExecuteTask, &t.TimeExecuteBundleOverhead,
		&t.TimePostExecute, &t.TimePostExecuteTask, &t.TimePostExecuteBundleOverhead,
		&t.TimeTotal,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of task %s: %w", t.ID, err)
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	defer rows.Close()
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// CreateTask inserts a new task record and its input links.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task, productIDs []int64) error {
	if t.ID == "" {
		t.ID = model.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, name, parameters, version, status_id, created_at)
			VALUES (?, ?, ?, ?, (SELECT id FROM statuses WHERE description = ?), ?)`,
			t.ID, t.Name, string(params), t.Version, model.StatusCreated, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		for i, pid := range productIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_inputs (task_id, data_product_id, position) VALUES (?, ?, ?)
				ON CONFLICT (task_id, data_product_id) DO NOTHING`,
				t.ID, pid, i,
			); err != nil {
				return fmt.Errorf("link input %d: %w", pid, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.Status = model.StatusCreated
	return nil
}

// CreateBundle inserts a bundle record and links the given tasks to it.
func (s *SQLiteStore) CreateBundle(ctx context.Context, b *model.Bundle, taskIDs []string) error {
	if b.ID == "" {
		b.ID = model.NewID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bundles (id, status_id, created_at)
			VALUES (?, (SELECT id FROM statuses WHERE description = ?), ?)`,
			b.ID, model.StatusCreated, b.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert bundle: %w", err)
		}
		for i, id := range taskIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO task_bundles (bundle_id, task_id, position) VALUES (?, ?, ?)",
				b.ID, id, i,
			); err != nil {
				return fmt.Errorf("link task %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.Status = model.StatusCreated
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+taskFrom+" WHERE t.id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of the tasks matching filter ordered newest first,
// along with the total count of matches.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter squirrel.Sqlizer, limit, offset int) ([]*model.Task, int, error) {
	countQuery := squirrel.Select("COUNT(*)").From("tasks t").Join("statuses s ON s.id = t.status_id")
	listQuery := squirrel.Select(taskColumns).From("tasks t").Join("statuses s ON s.id = t.status_id").
		OrderBy("t.created_at DESC", "t.id DESC").
		Limit(uint64(max(limit, 0))).
		Offset(uint64(max(offset, 0)))
	if filter != nil {
		countQuery = countQuery.Where(filter)
		listQuery = listQuery.Where(filter)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := countQuery.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build task count: %w", err)
	}
	var total int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query, args, err = listQuery.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build task list: %w", err)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// GetTaskStats aggregates task counts by status and name, and the mean total
// time of completed tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByName:   make(map[string]int),
	}

	countBy := func(query string, into map[string]int) error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			into[key] = n
			stats.Total += n
		}
		return rows.Err()
	}

	if err := countBy(`SELECT s.description, COUNT(*)`+taskFrom+` GROUP BY s.description`, stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	stats.Total = 0
	if err := countBy(`SELECT t.name, COUNT(*) FROM tasks t GROUP BY t.name`, stats.CountByName); err != nil {
		return nil, fmt.Errorf("count tasks by name: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(t.time_total)`+taskFrom+` WHERE s.description = ?`, model.StatusCompleted,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average task time: %w", err)
	}
	if avg.Valid {
		stats.AvgTimeTotal = avg.Float64
	}
	return stats, nil
}

// GetTaskBundleID returns the ID of the bundle the task belongs to.
func (s *SQLiteStore) GetTaskBundleID(ctx context.Context, taskID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT bundle_id FROM task_bundles WHERE task_id = ?", taskID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get task bundle: %w", err)
	}
	return id, nil
}

// GetBundle retrieves a bundle by ID.
func (s *SQLiteStore) GetBundle(ctx context.Context, id string) (*model.Bundle, error) {
	b := &model.Bundle{}
	err := s.db.QueryRowContext(ctx,
		`SELECT b.id, s.description, b.created_at
		FROM bundles b JOIN statuses s ON s.id = b.status_id WHERE b.id = ?`, id,
	).Scan(&b.ID, &b.Status, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle: %w", err)
	}
	return b, nil
}

// ListBundleTasks returns the tasks of a bundle in the order they were created.
func (s *SQLiteStore) ListBundleTasks(ctx context.Context, bundleID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+taskFrom+
			" JOIN task_bundles tb ON tb.task_id = t.id WHERE tb.bundle_id = ? ORDER BY tb.position",
		bundleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list bundle tasks: %w", err)
	}
	return collectTasks(rows)
}

// GetStatus looks a status up by its description.
func (s *SQLiteStore) GetStatus(ctx context.Context, description string) (*model.Status, error) {
	st := &model.Status{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, description FROM statuses WHERE description = ?", description,
	).Scan(&st.ID, &st.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, description)
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return st, nil
}

// ListStatuses returns every known status ordered by ID.
func (s *SQLiteStore) ListStatuses(ctx context.Context) ([]model.Status, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, description FROM statuses ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var statuses []model.Status
	for rows.Next() {
		var st model.Status
		if err := rows.Scan(&st.ID, &st.Description); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statuses: %w", err)
	}
	return statuses, nil
}

// UpdateBundleStatus sets the status of a bundle and returns the number of
// rows changed.
func (s *SQLiteStore) UpdateBundleStatus(ctx context.Context, bundleID string, statusID int64) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "UPDATE bundles SET status_id = ? WHERE id = ?", statusID, bundleID)
		if err != nil {
			return fmt.Errorf("update bundle status: %w", err)
		}
		n, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

// UpdateTasksStatus sets the status of the listed tasks that match filter.
func (s *SQLiteStore) UpdateTasksStatus(ctx context.Context, ids []string, statusID int64, completedAt *time.Time, filter squirrel.Sqlizer) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ub := squirrel.Update("tasks").
		Set("status_id", statusID).
		Where(squirrel.Eq{"id": ids})
	if completedAt != nil {
		ub = ub.Set("completed_at", *completedAt)
	}
	if filter != nil {
		ub = ub.Where(filter)
	}
	query, args, err := ub.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build task status update: %w", err)
	}

	var n int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update task statuses: %w", err)
		}
		n, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateTaskStatus sets the status of a single task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, statusID int64, completedAt *time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var result sql.Result
		var err error
		if completedAt != nil {
			result, err = tx.ExecContext(ctx,
				"UPDATE tasks SET status_id = ?, completed_at = ? WHERE id = ?",
				statusID, *completedAt, id,
			)
		} else {
			result, err = tx.ExecContext(ctx,
				"UPDATE tasks SET status_id = ? WHERE id = ?",
				statusID, id,
			)
		}
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SaveTaskTimings writes the timing columns of the given tasks.
func (s *SQLiteStore) SaveTaskTimings(ctx context.Context, tasks []*model.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE tasks SET
			time_pre_execute = ?, time_pre_execute_task = ?, time_pre_execute_bundle_overhead = ?,
			time_execute = ?, time_execute_task = ?, time_execute_bundle_overhead = ?,
			time_post_execute = ?, time_post_execute_task = ?, time_post_execute_bundle_overhead = ?,
			time_total = ?
			WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare timing update: %w", err)
		}
		defer stmt.Close()

		for _, t := range tasks {
			result, err := stmt.ExecContext(ctx,
				t.TimePreExecute, t.TimePreExecuteTask, t.TimePreExecuteBundleOverhead,
				t.TimeExecute, t.TimeExecuteTask, t.TimeExecuteBundleOverhead,
				t.TimePostExecute, t.TimePostExecuteTask, t.TimePostExecuteBundleOverhead,
				t.TimeTotal, t.ID,
			)
			if err != nil {
				return fmt.Errorf("update timings of task %s: %w", t.ID, err)
			}
			if n, err := result.RowsAffected(); err == nil && n == 0 {
				return fmt.Errorf("update timings of task %s: %w", t.ID, ErrNotFound)
			}
		}
		return nil
	})
}

// GetDataProduct retrieves a data product by ID.
func (s *SQLiteStore) GetDataProduct(ctx context.Context, id int64) (*model.DataProduct, error) {
	dp := &model.DataProduct{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, kind, path, created_at FROM data_products WHERE id = ?", id,
	).Scan(&dp.ID, &dp.Kind, &dp.Path, &dp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get data product: %w", err)
	}
	return dp, nil
}

// GetOrCreateDataProduct inserts a product for path unless one exists, and
// returns the stored row either way.
func (s *SQLiteStore) GetOrCreateDataProduct(ctx context.Context, kind, path string) (*model.DataProduct, error) {
	dp := &model.DataProduct{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		err := tx.QueryRowContext(ctx,
			`INSERT INTO data_products (kind, path, created_at) VALUES (?, ?, ?)
			ON CONFLICT (path) DO NOTHING RETURNING id`,
			kind, path, now,
		).Scan(&dp.ID)
		switch {
		case err == nil:
			dp.Kind, dp.Path, dp.CreatedAt = kind, path, now
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("insert data product: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT id, kind, path, created_at FROM data_products WHERE path = ?", path,
		).Scan(&dp.ID, &dp.Kind, &dp.Path, &dp.CreatedAt); err != nil {
			return fmt.Errorf("get data product by path: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dp, nil
}

// ListTaskInputs returns the input products of a task in link order.
func (s *SQLiteStore) ListTaskInputs(ctx context.Context, taskID string) ([]*model.DataProduct, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dp.id, dp.kind, dp.path, dp.created_at
		FROM data_products dp JOIN task_inputs ti ON ti.data_product_id = dp.id
		WHERE ti.task_id = ? ORDER BY ti.position`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task inputs: %w", err)
	}
	defer rows.Close()

	var products []*model.DataProduct
	for rows.Next() {
		dp := &model.DataProduct{}
		if err := rows.Scan(&dp.ID, &dp.Kind, &dp.Path, &dp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan data product: %w", err)
		}
		products = append(products, dp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data products: %w", err)
	}
	return products, nil
}

// CreateOutput inserts an output record and sets its ID.
func (s *SQLiteStore) CreateOutput(ctx context.Context, o *model.Output) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			"INSERT INTO outputs (task_id, kind, payload, created_at) VALUES (?, ?, ?, ?) RETURNING id",
			o.TaskID, o.Kind, string(o.Payload), o.CreatedAt,
		).Scan(&o.ID); err != nil {
			return fmt.Errorf("insert output: %w", err)
		}
		return nil
	})
}

// ListTaskOutputs returns the outputs recorded for a task, oldest first.
func (s *SQLiteStore) ListTaskOutputs(ctx context.Context, taskID string) ([]*model.Output, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, kind, payload, created_at FROM outputs WHERE task_id = ? ORDER BY id",
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	var outputs []*model.Output
	for rows.Next() {
		o := &model.Output{}
		var payload string
		if err := rows.Scan(&o.ID, &o.TaskID, &o.Kind, &payload, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		o.Payload = json.RawMessage(payload)
		outputs = append(outputs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outputs: %w", err)
	}
	return outputs, nil
}
