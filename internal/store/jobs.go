package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

const jobColumns = `id, project_id, user_id, status, priority, progress, current_step, logs,
	error, port, preview_url, notification_sent, created_at, started_at, completed_at`

const terminalGuard = `status NOT IN ('completed','failed','cancelled')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                      Job
		logs                   string
		errMsg, previewURL     sql.NullString
		port                   sql.NullInt64
		notified               int
		createdAt              int64
		startedAt, completedAt sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.ProjectID, &j.UserID, &j.Status, &j.Priority, &j.Progress, &j.CurrentStep, &logs,
		&errMsg, &port, &previewURL, &notified, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if logs != "" {
		if err := json.Unmarshal([]byte(logs), &j.Logs); err != nil {
			return nil, fmt.Errorf("decode logs for job %s: %w", j.ID, err)
		}
	}
	j.Error = errMsg.String
	j.PreviewURL = previewURL.String
	j.Port = int(port.Int64)
	j.NotificationSent = notified != 0
	j.CreatedAt = fromUnix(createdAt)
	j.StartedAt = nullTime(startedAt)
	j.CompletedAt = nullTime(completedAt)
	return &j, nil
}

// CreateJob inserts a new job. CreatedAt is stamped when zero.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	logs, err := encodeLogs(job.Logs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (id, project_id, user_id, status, priority, progress, current_step, logs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProjectID, job.UserID, job.Status, job.Priority, job.Progress, job.CurrentStep, logs, toUnix(job.CreatedAt))
	if err != nil {
		return storageErr(err, "insert job")
	}
	return nil
}

// GetJob returns the job with id or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound.WithContext("job_id", id)
	}
	if err != nil {
		return nil, storageErr(err, "get job")
	}
	return job, nil
}

// ListJobsByUser returns a user's jobs, newest first.
func (s *Store) ListJobsByUser(ctx context.Context, userID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`, userID, limit)
}

// ListJobsByStatus returns jobs in any of the given statuses, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status IN (`+placeholders+`) ORDER BY created_at, seq`, args...)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storageErr(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate jobs")
	}
	return jobs, nil
}

// ClaimNextPending atomically moves the highest-precedence pending job to queued.
// Precedence is priority descending, then creation time, then insertion order.
// It returns false when nothing is pending.
func (s *Store) ClaimNextPending(ctx context.Context) (*Job, bool, error) {
	var claimed *Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC, seq ASC LIMIT 1`)
		job, err := scanJob(row)
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return storageErr(err, "select pending job")
		}

		now := s.now()
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'queued', started_at = ? WHERE id = ? AND status = 'pending'`,
			toUnix(now), job.ID)
		if err != nil {
			return storageErr(err, "claim job")
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		job.Status = StatusQueued
		job.StartedAt = &now
		claimed = job
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, claimed != nil, nil
}

// UpdateJob applies a partial update to a non-terminal job.
// It returns ErrJobNotFound or ErrJobTerminal without changing anything when refused.
func (s *Store) UpdateJob(ctx context.Context, id string, upd JobUpdate) (*Job, error) {
	var updated *Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if stderrors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound.WithContext("job_id", id)
		}
		if err != nil {
			return storageErr(err, "load job")
		}
		if current.Status.Terminal() {
			return ErrJobTerminal.WithContext("job_id", id).WithContext("status", string(current.Status))
		}

		sets, args, err := buildJobSets(current, upd)
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			updated = current
			return nil
		}

		args = append(args, id)
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND `+terminalGuard, args...)
		if err != nil {
			return storageErr(err, "update job")
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrJobTerminal.WithContext("job_id", id)
		}

		updated, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if err != nil {
			return storageErr(err, "reload job")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func buildJobSets(current *Job, upd JobUpdate) ([]string, []any, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.Progress != nil {
		add("progress", clampProgress(*upd.Progress))
	}
	if upd.CurrentStep != nil {
		add("current_step", *upd.CurrentStep)
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}
	if upd.Port != nil {
		add("port", *upd.Port)
	}
	if upd.PreviewURL != nil {
		add("preview_url", *upd.PreviewURL)
	}
	if upd.StartedAt != nil {
		add("started_at", toUnix(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		add("completed_at", toUnix(*upd.CompletedAt))
	}

	if upd.Logs != nil || len(upd.AppendLogs) > 0 {
		logs := current.Logs
		if upd.Logs != nil {
			logs = upd.Logs
		}
		logs = append(append([]LogEntry(nil), logs...), upd.AppendLogs...)
		if upd.MaxLogs > 0 && len(logs) > upd.MaxLogs {
			logs = logs[len(logs)-upd.MaxLogs:]
		}
		encoded, err := encodeLogs(logs)
		if err != nil {
			return nil, nil, err
		}
		add("logs", encoded)
	}
	return sets, args, nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func encodeLogs(logs []LogEntry) (string, error) {
	if logs == nil {
		return "[]", nil
	}
	data, err := json.Marshal(logs)
	if err != nil {
		return "", fmt.Errorf("encode logs: %w", err)
	}
	return string(data), nil
}

// MarkNotificationSent flags that the job's outcome notification was delivered.
func (s *Store) MarkNotificationSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET notification_sent = 1 WHERE id = ?`, id)
	if err != nil {
		return storageErr(err, "mark notification sent")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound.WithContext("job_id", id)
	}
	return nil
}

// CountAhead returns how many pending jobs would be claimed before job id.
func (s *Store) CountAhead(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs j, jobs t
		WHERE t.id = ? AND j.status = 'pending' AND j.id != t.id AND (
			j.priority > t.priority OR (j.priority = t.priority AND (
				j.created_at < t.created_at OR (j.created_at = t.created_at AND j.seq < t.seq))))`, id).Scan(&n)
	if err != nil {
		return 0, storageErr(err, "count jobs ahead")
	}
	return n, nil
}

// CountByStatus returns the number of jobs per status. Every status is present.
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	counts := make(map[JobStatus]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, storageErr(err, "count jobs")
	}
	defer rows.Close()
	for rows.Next() {
		var st JobStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, storageErr(err, "scan job counts")
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate job counts")
	}
	return counts, nil
}

// FailInterrupted marks every queued or building job as failed and returns them.
// It is run once at startup, since in-process build state does not survive a restart.
func (s *Store) FailInterrupted(ctx context.Context, reason string) ([]*Job, error) {
	jobs, err := s.ListJobsByStatus(ctx, StatusQueued, StatusBuilding)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var failed []*Job
	for _, job := range jobs {
		updated, err := s.UpdateJob(ctx, job.ID, JobUpdate{
			Status:      Ptr(StatusFailed),
			Error:       Ptr(reason),
			CompletedAt: &now,
		})
		if err != nil {
			if stderrors.Is(err, ErrJobTerminal) {
				continue
			}
			return failed, err
		}
		failed = append(failed, updated)
	}
	return failed, nil
}
