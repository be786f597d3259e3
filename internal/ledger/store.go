package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// DefaultStaleAfter is how long a processing row may go without a terminal
// report before another claim may take it over
const DefaultStaleAfter = 5 * time.Minute

// StaleMessage is the error recorded on rows failed by ReapStale
const StaleMessage = "stale: bridge did not report"

// Store is the job ledger over database/sql
type Store struct {
	db         *sql.DB
	dialect    string
	staleAfter time.Duration
	now        func() time.Time
	closeExtra func()
}

// Option configures a Store
type Option func(*Store)

// WithStaleAfter sets the processing staleness threshold
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// OpenSQLite opens (or creates) a ledger in a SQLite file
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	return newStore(ctx, db, dialectSQLite, nil, opts)
}

// OpenPostgres connects to a shared Postgres ledger
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	return newStore(ctx, db, dialectPostgres, pool.Close, opts)
}

// Open picks the backend by driver name. target is the SQLite file path or
// the Postgres DSN.
func Open(ctx context.Context, driver, target string, opts ...Option) (*Store, error) {
	switch driver {
	case dialectSQLite:
		if dir := filepath.Dir(target); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create ledger directory: %w", err)
			}
		}
		return OpenSQLite(ctx, target, opts...)
	case dialectPostgres:
		return OpenPostgres(ctx, target, opts...)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}

func newStore(ctx context.Context, db *sql.DB, dialect string, closeExtra func(), opts []Option) (*Store, error) {
	s := &Store{
		db:         db,
		dialect:    dialect,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		closeExtra: closeExtra,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database
func (s *Store) Close() error {
	err := s.db.Close()
	if s.closeExtra != nil {
		s.closeExtra()
	}
	return err
}

// rebind turns ? placeholders into $n for Postgres
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

const jobColumns = `id, payload, target_device_id, document_type, metadata, submitted_by, record_id,
	status, attempts, max_attempts, created_at, processing_started_at, finished_at,
	processing_duration_ms, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job                             Job
		status                          string
		metadata, submittedBy, recordID sql.NullString
		errorMessage                    sql.NullString
		createdAt                       int64
		startedAt, finishedAt, duration sql.NullInt64
	)
	if err := row.Scan(
		&job.ID,
		&job.Payload,
		&job.TargetDeviceID,
		&job.DocumentType,
		&metadata,
		&submittedBy,
		&recordID,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&createdAt,
		&startedAt,
		&finishedAt,
		&duration,
		&errorMessage,
	); err != nil {
		return nil, err
	}

	job.Status = Status(status)
	if metadata.Valid && metadata.String != "" {
		job.Metadata = []byte(metadata.String)
	}
	job.SubmittedBy = submittedBy.String
	job.RecordID = recordID.String
	job.ErrorMessage = errorMessage.String
	job.CreatedAt = time.UnixMilli(createdAt)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		job.ProcessingStartedAt = &t
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		job.FinishedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		job.ProcessingDurationMs = &d
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create inserts a pending job. An empty target becomes Unassigned.
func (s *Store) Create(ctx context.Context, nj NewJob) (*Job, error) {
	if len(nj.Payload) == 0 {
		return nil, errors.New("payload is empty")
	}
	target := nj.TargetDeviceID
	if target == "" {
		target = Unassigned
	}
	maxAttempts := nj.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO print_jobs (
		id, payload, target_device_id, document_type, metadata, submitted_by, record_id,
		status, attempts, max_attempts, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`),
		id,
		nj.Payload,
		target,
		nj.DocumentType,
		nullString(string(nj.Metadata)),
		nullString(nj.SubmittedBy),
		nullString(nj.RecordID),
		string(StatusPending),
		maxAttempts,
		s.nowMillis(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return s.Get(ctx, id)
}

// Get loads one job
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM print_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return job, nil
}

// List returns jobs newest first
func (s *Store) List(ctx context.Context, f Filter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM print_jobs WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.DeviceID != "" {
		query += ` AND target_device_id = ?`
		args = append(args, f.DeviceID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// LatestTarget returns the device of the most recent job that had a concrete
// target
func (s *Store) LatestTarget(ctx context.Context) (string, bool, error) {
	var target string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT target_device_id FROM print_jobs
		WHERE target_device_id <> ? AND target_device_id <> ''
		ORDER BY created_at DESC, seq DESC LIMIT 1`), Unassigned).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query latest target: %w", err)
	}
	return target, true, nil
}

// HasProcessing reports whether the device currently holds a processing job
func (s *Store) HasProcessing(ctx context.Context, deviceID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM print_jobs
		WHERE target_device_id = ? AND status = ?`), deviceID, string(StatusProcessing)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count processing jobs: %w", err)
	}
	return n > 0, nil
}

type claimCandidate struct {
	id        string
	status    Status
	startedAt sql.NullInt64
}

// ClaimNextFor claims the oldest pending job addressed to the device or to
// Unassigned, rewriting an Unassigned target to the device. Processing rows
// older than the staleness threshold with attempts left are claimable too.
// The bool is false when nothing was claimable.
func (s *Store) ClaimNextFor(ctx context.Context, deviceID string) (*Job, bool, error) {
	if deviceID == "" || deviceID == Unassigned {
		return nil, false, fmt.Errorf("invalid device id %q", deviceID)
	}

	now := s.nowMillis()
	cutoff := now - s.staleAfter.Milliseconds()

	// collect first: the SQLite pool holds a single connection
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, status, processing_started_at FROM print_jobs
		WHERE target_device_id IN (?, ?)
		  AND attempts < max_attempts
		  AND (status = ? OR (status = ? AND processing_started_at < ?))
		ORDER BY created_at ASC, seq ASC
		LIMIT 16`),
		deviceID, Unassigned,
		string(StatusPending), string(StatusProcessing), cutoff,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query claimable jobs: %w", err)
	}
	var candidates []claimCandidate
	for rows.Next() {
		var c claimCandidate
		var status string
		if err := rows.Scan(&c.id, &status, &c.startedAt); err != nil {
			rows.Close()
			return nil, false, err
		}
		c.status = Status(status)
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	for _, c := range candidates {
		ok, err := s.casClaim(ctx, c, deviceID, now)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			// another bridge won this row
			continue
		}
		job, err := s.Get(ctx, c.id)
		if err != nil {
			return nil, false, err
		}
		return job, true, nil
	}
	return nil, false, nil
}

func (s *Store) casClaim(ctx context.Context, c claimCandidate, deviceID string, now int64) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if c.status == StatusPending {
		res, err = s.db.ExecContext(ctx, s.rebind(`UPDATE print_jobs
			SET status = ?, target_device_id = ?, processing_started_at = ?
			WHERE id = ? AND status = ?`),
			string(StatusProcessing), deviceID, now, c.id, string(StatusPending))
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(`UPDATE print_jobs
			SET target_device_id = ?, processing_started_at = ?
			WHERE id = ? AND status = ? AND processing_started_at = ?`),
			deviceID, now, c.id, string(StatusProcessing), c.startedAt.Int64)
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", c.id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Claim moves a channel-delivered job to processing for the device. It fails
// with ErrNotClaimable when the job already left pending, belongs to another
// device, or has no attempts left.
func (s *Store) Claim(ctx context.Context, jobID, deviceID string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE print_jobs
		SET status = ?, target_device_id = ?, processing_started_at = ?
		WHERE id = ? AND status = ? AND target_device_id IN (?, ?) AND attempts < max_attempts`),
		string(StatusProcessing), deviceID, s.nowMillis(),
		jobID, string(StatusPending), deviceID, Unassigned,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, ErrNotClaimable
	}
	return s.Get(ctx, jobID)
}

// RecordAttempt counts one delivery attempt on a processing job held by the
// device and returns the new attempt count
func (s *Store) RecordAttempt(ctx context.Context, jobID, deviceID string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, s.rebind(`UPDATE print_jobs
		SET attempts = attempts + 1
		WHERE id = ? AND target_device_id = ? AND status = ?
		RETURNING attempts`),
		jobID, deviceID, string(StatusProcessing),
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotClaimable
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt on %s: %w", jobID, err)
	}
	return attempts, nil
}

// UpdateStatus moves a job along its lifecycle. Repeating a terminal status
// is a no-op; any other transition outside the lifecycle is rejected.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status Status, errorMessage string) error {
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Status == status && status.Terminal() {
		return nil
	}
	if !CanTransition(current.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	now := s.nowMillis()
	var res sql.Result
	switch status {
	case StatusProcessing:
		res, err = s.db.ExecContext(ctx, s.rebind(`UPDATE print_jobs
			SET status = ?, processing_started_at = ?
			WHERE id = ? AND status = ?`),
			string(status), now, jobID, string(current.Status))
	default:
		var duration sql.NullInt64
		if current.ProcessingStartedAt != nil {
			duration = sql.NullInt64{Int64: now - current.ProcessingStartedAt.UnixMilli(), Valid: true}
		}
		res, err = s.db.ExecContext(ctx, s.rebind(`UPDATE print_jobs
			SET status = ?, finished_at = ?, processing_duration_ms = ?, error_message = ?
			WHERE id = ? AND status = ?`),
			string(status), now, duration, nullString(errorMessage), jobID, string(current.Status))
	}
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// lost a race; re-evaluate against the row as it is now
		latest, err := s.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if latest.Status == status && status.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, latest.Status, status)
	}
	return nil
}

// Finish records the terminal status of a processing job held by the
// device. It fails with ErrNotClaimable once the job left processing or is
// held by another device; repeating the same finish is a no-op.
func (s *Store) Finish(ctx context.Context, jobID, deviceID string, status Status, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StatusProcessing, status)
	}

	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE print_jobs
		SET status = ?, finished_at = ?, processing_duration_ms = ? - processing_started_at, error_message = ?
		WHERE id = ? AND target_device_id = ? AND status = ?`),
		string(status), now, now, nullString(errorMessage),
		jobID, deviceID, string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		latest, err := s.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if latest.Status == status && latest.TargetDeviceID == deviceID {
			return nil
		}
		return ErrNotClaimable
	}
	return nil
}

// ReapStale fails processing rows that outlived the staleness threshold with
// no attempts left, returning how many were failed
func (s *Store) ReapStale(ctx context.Context) (int64, error) {
	now := s.nowMillis()
	cutoff := now - s.staleAfter.Milliseconds()

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE print_jobs
		SET status = ?, finished_at = ?, processing_duration_ms = ? - processing_started_at, error_message = ?
		WHERE status = ? AND processing_started_at < ? AND attempts >= max_attempts`),
		string(StatusFailed), now, now, StaleMessage,
		string(StatusProcessing), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale jobs: %w", err)
	}
	return res.RowsAffected()
}
