package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stagecraft/pkg/api"
)

// SQLiteStore implements every repository interface on top of a single
// SQLite database.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ JobStore      = (*SQLiteStore)(nil)
	_ ArtifactStore = (*SQLiteStore)(nil)
	_ ApprovalStore = (*SQLiteStore)(nil)
	_ CommandStore  = (*SQLiteStore)(nil)
	_ EventStore    = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	if err := s.initEventSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Stores returns a Stores bundle where every repository is this SQLiteStore.
func (s *SQLiteStore) Stores() Stores {
	return Stores{
		Jobs:      s,
		Artifacts: s,
		Approvals: s,
		Commands:  s,
		Events:    s,
	}
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			current_stage TEXT NOT NULL,
			config BLOB,
			auto_mode INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			type TEXT NOT NULL,
			version INTEGER NOT NULL,
			content BLOB,
			blob_url TEXT NOT NULL DEFAULT '',
			meta BLOB,
			created_by TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			UNIQUE (job_id, stage, type, version)
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_lookup ON artifacts(job_id, stage, type, version);
		CREATE TABLE IF NOT EXISTS approvals (
			job_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (job_id, stage)
		);
		CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			command TEXT NOT NULL,
			params BLOB,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_commands_job ON commands(job_id, created_at);
	`)
	return err
}

// encodeMap serializes a map payload as JSON. Stage payloads are JSON by
// contract, so JSON is used over gob to keep rows inspectable with plain
// sqlite tooling.
func encodeMap[M ~map[string]any](m M) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *api.Job) error {
	cfg, err := encodeMap(job.Config)
	if err != nil {
		return err
	}

	now := time.Now()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, current_stage, config, auto_mode, retry_count, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		string(job.Status),
		string(job.CurrentStage),
		cfg,
		boolToInt(job.AutoMode),
		job.RetryCount,
		job.Error,
		createdAt.UnixNano(),
		now.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*api.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, current_stage, config, auto_mode, retry_count, error, created_at, updated_at
		FROM jobs
		WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *api.Job) error {
	cfg, err := encodeMap(job.Config)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, current_stage = ?, config = ?, auto_mode = ?, retry_count = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(job.Status),
		string(job.CurrentStage),
		cfg,
		boolToInt(job.AutoMode),
		job.RetryCount,
		job.Error,
		time.Now().UnixNano(),
		job.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) EnsureJob(ctx context.Context, id string) (*api.Job, error) {
	now := time.Now().UnixNano()
	// INSERT OR IGNORE keeps this idempotent under concurrent callers.
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO jobs (id, status, current_stage, config, auto_mode, retry_count, error, created_at, updated_at)
		VALUES (?, ?, ?, NULL, 0, 0, '', ?, ?)`,
		id,
		string(api.StatusDraft),
		string(api.StagePlan),
		now,
		now,
	)
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*api.Job, error) {
	query := `
		SELECT id, status, current_stage, config, auto_mode, retry_count, error, created_at, updated_at
		FROM jobs`
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*api.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*api.Job, error) {
	var (
		j         api.Job
		status    string
		stage     string
		cfg       []byte
		autoMode  int
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&j.ID, &status, &stage, &cfg, &autoMode, &j.RetryCount, &j.Error, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	j.Status = api.JobStatus(status)
	j.CurrentStage = api.Stage(stage)
	j.AutoMode = autoMode != 0
	j.CreatedAt = time.Unix(0, createdAt)
	j.UpdatedAt = time.Unix(0, updatedAt)

	config, err := decodeMap(cfg)
	if err != nil {
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	j.Config = config
	return &j, nil
}

func (s *SQLiteStore) Create(ctx context.Context, art *api.Artifact) error {
	content, err := encodeMap(art.Content)
	if err != nil {
		return err
	}
	meta, err := encodeMap(art.Meta)
	if err != nil {
		return err
	}

	createdAt := art.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	// INSERT OR IGNORE + affected-row check turns the unique constraint
	// into a driver-agnostic conflict signal.
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO artifacts (id, job_id, stage, type, version, content, blob_url, meta, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		art.ID,
		art.JobID,
		string(art.Stage),
		string(art.Type),
		art.Version,
		content,
		art.BlobURL,
		meta,
		art.CreatedBy,
		createdAt.UnixNano(),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) FindLatest(ctx context.Context, jobID string, stage api.Stage, typ api.ArtifactType) (*api.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, stage, type, version, content, blob_url, meta, created_by, created_at
		FROM artifacts
		WHERE job_id = ? AND stage = ? AND type = ?
		ORDER BY version DESC
		LIMIT 1`,
		jobID, string(stage), string(typ))

	art, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return art, nil
}

func (s *SQLiteStore) ListRecent(ctx context.Context, jobID string, stage api.Stage, limit int) ([]*api.Artifact, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, stage, type, version, content, blob_url, meta, created_by, created_at
		FROM artifacts
		WHERE job_id = ? AND stage = ?
		ORDER BY version DESC
		LIMIT ?`,
		jobID, string(stage), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Artifact
	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, art)
	}
	return out, rows.Err()
}

func scanArtifact(row rowScanner) (*api.Artifact, error) {
	var (
		a         api.Artifact
		stage     string
		typ       string
		content   []byte
		meta      []byte
		createdAt int64
	)
	err := row.Scan(&a.ID, &a.JobID, &stage, &typ, &a.Version, &content, &a.BlobURL, &meta, &a.CreatedBy, &createdAt)
	if err != nil {
		return nil, err
	}

	a.Stage = api.Stage(stage)
	a.Type = api.ArtifactType(typ)
	a.CreatedAt = time.Unix(0, createdAt)

	c, err := decodeMap(content)
	if err != nil {
		return nil, fmt.Errorf("decode artifact content: %w", err)
	}
	a.Content = c

	m, err := decodeMap(meta)
	if err != nil {
		return nil, fmt.Errorf("decode artifact meta: %w", err)
	}
	a.Meta = m
	return &a, nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string, stage api.Stage) (*api.Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, stage, status, comment, updated_at
		FROM approvals
		WHERE job_id = ? AND stage = ?`,
		jobID, string(stage))

	var (
		ap        api.Approval
		stg       string
		status    string
		updatedAt int64
	)
	if err := row.Scan(&ap.JobID, &stg, &status, &ap.Comment, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, err
	}

	ap.Stage = api.Stage(stg)
	ap.Status = api.ApprovalStatus(status)
	ap.UpdatedAt = time.Unix(0, updatedAt)
	return &ap, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, jobID string, stage api.Stage, status api.ApprovalStatus, comment string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (job_id, stage, status, comment, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id, stage) DO UPDATE SET
			status = excluded.status,
			comment = excluded.comment,
			updated_at = excluded.updated_at`,
		jobID,
		string(stage),
		string(status),
		comment,
		time.Now().UnixNano(),
	)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, rec *api.CommandRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return err
	}

	now := time.Now()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands (id, job_id, command, params, status, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.JobID,
		string(rec.Command),
		params,
		string(rec.Status),
		rec.Result,
		rec.Error,
		createdAt.UnixNano(),
		now.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, rec *api.CommandRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(rec.Status),
		rec.Result,
		rec.Error,
		time.Now().UnixNano(),
		rec.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCommandNotFound
	}
	return nil
}

func (s *SQLiteStore) ListByJob(ctx context.Context, jobID string) ([]*api.CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, command, params, status, result, error, created_at, updated_at
		FROM commands
		WHERE job_id = ?
		ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.CommandRecord
	for rows.Next() {
		var (
			r         api.CommandRecord
			cmd       string
			params    []byte
			status    string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&r.ID, &r.JobID, &cmd, &params, &status, &r.Result, &r.Error, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.Command = api.Command(cmd)
		r.Status = api.CommandStatus(status)
		r.CreatedAt = time.Unix(0, createdAt)
		r.UpdatedAt = time.Unix(0, updatedAt)
		if len(params) > 0 {
			if err := json.Unmarshal(params, &r.Params); err != nil {
				return nil, fmt.Errorf("decode command params: %w", err)
			}
		}
		copied := r
		out = append(out, &copied)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
