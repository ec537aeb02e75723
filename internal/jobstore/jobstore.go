// Package jobstore persists running jobs and their terminal results in an
// embedded SQLite database shared by the server and every worker process.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/ssuji15/kmerq/internal/job_tracer"
	"github.com/ssuji15/kmerq/internal/util"
	"github.com/ssuji15/kmerq/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound    = errors.New("job not found")
	ErrDuplicateID = errors.New("job id already exists")
	ErrLocked      = errors.New("job store is locked by another server")
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                      TEXT PRIMARY KEY,
	created_at              INTEGER NOT NULL,
	query_label             TEXT NOT NULL,
	query_seq               TEXT NOT NULL,
	database                TEXT NOT NULL,
	subset                  TEXT NOT NULL DEFAULT '',
	index_name              TEXT NOT NULL,
	kmer_size               INTEGER NOT NULL,
	occur_bit_len           INTEGER NOT NULL,
	max_p_appear            REAL NOT NULL,
	max_n_appear            INTEGER NOT NULL,
	preclude_high_freq_kmer INTEGER NOT NULL,
	max_n_seq               INTEGER NOT NULL,
	min_score               INTEGER NOT NULL,
	min_p_shared_kmer       REAL NOT NULL,
	mode                    TEXT NOT NULL,
	status                  TEXT NOT NULL CHECK (status IN ('running','cancelled')),
	worker_handle           TEXT NOT NULL DEFAULT '',
	timeout_at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);

CREATE TABLE IF NOT EXISTS results (
	id           TEXT PRIMARY KEY,
	created_at   INTEGER NOT NULL,
	completed_at INTEGER NOT NULL,
	failed       INTEGER NOT NULL DEFAULT 0,
	payload      BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS results_completed_at_idx ON results (completed_at);
`

const jobColumns = `id, created_at, query_label, query_seq, database, subset, index_name,
	kmer_size, occur_bit_len, max_p_appear, max_n_appear, preclude_high_freq_kmer,
	max_n_seq, min_score, min_p_shared_kmer, mode, status, worker_handle, timeout_at`

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store is safe for concurrent use and for use from several processes
// against the same file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := util.EnsureDirExist(filepath.Dir(cfg.Path)); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	// busy_timeout first so concurrent openers wait instead of failing on
	// the journal_mode switch
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_txlock", "immediate")
	dsn := "file:" + cfg.Path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	// single writer per process
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialise job store schema: %w", err)
	}
	return &Store{db: db, path: cfg.Path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

// AcquireServerLock makes sure a single server instance owns the store.
func AcquireServerLock(storePath string) (*flock.Flock, error) {
	lock := flock.New(storePath + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", lock.Path(), err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return lock, nil
}

func startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "JobStore/"+name)
	if id != "" {
		span.SetAttributes(attribute.String("job_id", id))
	}
	return ctx, span
}

// CreateJob inserts a new job. It returns ErrDuplicateID when the id is taken
// by a job or a result.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	ctx, span := startSpan(ctx, "CreateJob", j.ID)
	defer span.End()

	var taken int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results WHERE id = ?`, j.ID).Scan(&taken)
	if err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to check result ids: %w", err)
	}
	if taken > 0 {
		return ErrDuplicateID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING`,
		j.ID,
		j.CreatedAt.UTC().UnixMicro(),
		j.QueryLabel,
		j.QuerySeq,
		j.Database,
		j.Subset,
		j.IndexName,
		j.KmerSize,
		j.OccurBitLen,
		j.MaxPAppear,
		j.MaxNAppear,
		j.PrecludeHighFreqKmer,
		j.MaxNSeq,
		j.MinScore,
		j.MinPSharedKmer,
		string(j.Mode),
		string(j.Status),
		j.WorkerHandle,
		unixMicroOrZero(j.TimeoutAt),
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateID
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var (
		j                model.Job
		created, timeout int64
		mode, status     string
	)
	err := row.Scan(
		&j.ID,
		&created,
		&j.QueryLabel,
		&j.QuerySeq,
		&j.Database,
		&j.Subset,
		&j.IndexName,
		&j.KmerSize,
		&j.OccurBitLen,
		&j.MaxPAppear,
		&j.MaxNAppear,
		&j.PrecludeHighFreqKmer,
		&j.MaxNSeq,
		&j.MinScore,
		&j.MinPSharedKmer,
		&mode,
		&status,
		&j.WorkerHandle,
		&timeout,
	)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = time.UnixMicro(created).UTC()
	if timeout != 0 {
		j.TimeoutAt = time.UnixMicro(timeout).UTC()
	}
	j.Mode = model.OutputMode(mode)
	j.Status = model.JobStatus(status)
	return &j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	ctx, span := startSpan(ctx, "GetJob", id)
	defer span.End()

	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return j, nil
}

// SetWorkerHandle attaches the handle of the process executing the job.
func (s *Store) SetWorkerHandle(ctx context.Context, id, handle string) error {
	ctx, span := startSpan(ctx, "SetWorkerHandle", id)
	defer span.End()

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET worker_handle = ? WHERE id = ?`, handle, id)
	if err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to set worker handle for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCancelled flips a running job to cancelled. It reports false when the
// job is not running any more.
func (s *Store) MarkCancelled(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "MarkCancelled", id)
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		string(model.JobCancelled), id, string(model.JobRunning))
	if err != nil {
		util.RecordSpanError(span, err)
		return false, fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteJob removes a job row whatever its status.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "DeleteJob", id)
	defer span.End()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// CompleteJob replaces a running job with its result. A job that was
// cancelled or already completed is left untouched and false is returned.
func (s *Store) CompleteJob(ctx context.Context, r model.Result) (bool, error) {
	ctx, span := startSpan(ctx, "CompleteJob", r.JobID)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		util.RecordSpanError(span, err)
		return false, err
	}
	defer tx.Rollback()

	var created int64
	err = tx.QueryRowContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND status = ? RETURNING created_at`,
		r.JobID, string(model.JobRunning)).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return false, fmt.Errorf("failed to delete job %s: %w", r.JobID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO results (id, created_at, completed_at, failed, payload) VALUES (?, ?, ?, ?, ?)`,
		r.JobID, created, r.CompletedAt.UTC().UnixMicro(), r.Failed, r.Payload)
	if err != nil {
		util.RecordSpanError(span, err)
		return false, fmt.Errorf("failed to insert result %s: %w", r.JobID, err)
	}
	if err := tx.Commit(); err != nil {
		util.RecordSpanError(span, err)
		return false, fmt.Errorf("failed to commit result %s: %w", r.JobID, err)
	}
	return true, nil
}

// ResultInfo returns the result metadata without its payload.
func (s *Store) ResultInfo(ctx context.Context, id string) (*model.Result, error) {
	ctx, span := startSpan(ctx, "ResultInfo", id)
	defer span.End()

	var created, completed int64
	r := model.Result{JobID: id}
	err := s.db.QueryRowContext(ctx, `SELECT created_at, completed_at, failed FROM results WHERE id = ?`, id).
		Scan(&created, &completed, &r.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to get result %s: %w", id, err)
	}
	r.CreatedAt = time.UnixMicro(created).UTC()
	r.CompletedAt = time.UnixMicro(completed).UTC()
	return &r, nil
}

// TakeResult reads and deletes a result in one statement, so only one
// caller ever receives it.
func (s *Store) TakeResult(ctx context.Context, id string) (*model.Result, error) {
	ctx, span := startSpan(ctx, "TakeResult", id)
	defer span.End()

	var created, completed int64
	r := model.Result{JobID: id}
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM results WHERE id = ? RETURNING created_at, completed_at, failed, payload`, id).
		Scan(&created, &completed, &r.Failed, &r.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to take result %s: %w", id, err)
	}
	r.CreatedAt = time.UnixMicro(created).UTC()
	r.CompletedAt = time.UnixMicro(completed).UTC()
	return &r, nil
}

func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, string(model.JobRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return n, nil
}

// ListJobs returns the jobs with the given status, oldest first.
func (s *Store) ListJobs(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	ctx, span := startSpan(ctx, "ListJobs", "")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return jobs, nil
}

// PurgeResults deletes results completed before cutoff.
func (s *Store) PurgeResults(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE completed_at < ?`, cutoff.UTC().UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to purge results: %w", err)
	}
	return res.RowsAffected()
}

// PurgeCancelled deletes cancelled jobs submitted before cutoff.
func (s *Store) PurgeCancelled(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND created_at < ?`,
		string(model.JobCancelled), cutoff.UTC().UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cancelled jobs: %w", err)
	}
	return res.RowsAffected()
}

// unixMicroOrZero stores "no deadline" as 0.
func unixMicroOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}
