package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/visionbridge/internal/common"
	"github.com/jo-hoe/visionbridge/internal/extract"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists jobs in a single SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	policy RetentionPolicy
	log    *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and migrates) the database at path. A nil policy keeps jobs forever.
func NewSQLiteStore(path string, policy RetentionPolicy, log *slog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single writer; concurrent callers queue on the pool instead of SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if policy == nil {
		policy = KeepForever{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &SQLiteStore{db: db, policy: policy, log: log}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		result_mode TEXT,
		result_json TEXT,
		error TEXT,
		details TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("create job: id is required")
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		job.ID, string(StatusProcessing), createdAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, ErrJobExists)
	}
	return nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, result extract.Result, completedAt time.Time) error {
	raw, err := result.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs
		SET status = ?, result_mode = ?, result_json = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCompleted), string(result.Mode), string(raw), completedAt.UTC().Format(timeLayout),
		id, string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return s.checkTransition(ctx, id, res)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, errKind string, details string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs
		SET status = ?, error = ?, details = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusFailed), errKind, details, completedAt.UTC().Format(timeLayout),
		id, string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("save error: %w", err)
	}
	return s.checkTransition(ctx, id, res)
}

// checkTransition maps a zero-row update to ErrJobNotFound or ErrJobTerminal.
func (s *SQLiteStore) checkTransition(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("finish job %s: %w", id, ErrJobTerminal)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, status, result_mode, result_json, error, details, created_at, completed_at
		FROM jobs WHERE id = ?`, id)

	var job Job
	var status string
	var mode, resultJSON, errKind, details, completed sql.NullString
	var created string
	if err := row.Scan(&job.ID, &status, &mode, &resultJSON, &errKind, &details, &created, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get job %s: %w", id, ErrJobNotFound)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Status = Status(status)
	if mode.Valid && resultJSON.Valid {
		r, err := extract.Decode(extract.Mode(mode.String), []byte(resultJSON.String))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", id, err)
		}
		job.Result = &r
	}
	job.Error = errKind.String
	job.Details = details.String
	if t, err := time.Parse(timeLayout, created); err == nil {
		job.CreatedAt = t
	}
	if completed.Valid {
		if t, err := time.Parse(timeLayout, completed.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return &job, nil
}

// Sweep deletes terminal jobs whose retention expired. Only TTL policies
// translate to SQL; other policies keep everything.
func (s *SQLiteStore) Sweep(now time.Time) int {
	ttl, ok := s.policy.(TTL)
	if !ok {
		return 0
	}
	cutoff := now.Add(-time.Duration(ttl)).UTC().Format(timeLayout)
	res, err := s.db.Exec(`DELETE FROM jobs WHERE status != ? AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StatusProcessing), cutoff)
	if err != nil {
		s.log.Warn("sweep sqlite jobs", "err", err)
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
