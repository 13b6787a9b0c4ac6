package store

import (
	"context"
	"time"

	"stagecraft/pkg/api"
)

func (s *SQLiteStore) initEventSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pipeline_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_pipeline_events_job ON pipeline_events(job_id, id);
	`)
	return err
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev api.PipelineEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_events (job_id, at, type, stage, detail)
		VALUES (?, ?, ?, ?, ?)`,
		ev.JobID,
		at.UnixNano(),
		string(ev.Type),
		string(ev.Stage),
		ev.Detail,
	)
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, jobID string) ([]api.PipelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, at, type, stage, detail
		FROM pipeline_events
		WHERE job_id = ?
		ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.PipelineEvent
	for rows.Next() {
		var (
			id     string
			atN    int64
			typ    string
			stage  string
			detail string
		)
		if err := rows.Scan(&id, &atN, &typ, &stage, &detail); err != nil {
			return nil, err
		}
		out = append(out, api.PipelineEvent{
			JobID:  id,
			At:     time.Unix(0, atN),
			Type:   api.EventType(typ),
			Stage:  api.Stage(stage),
			Detail: detail,
		})
	}
	return out, rows.Err()
}
