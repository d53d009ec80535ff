package store

import (
	"context"
	"errors"
)

// AppendJobLog records one execution of a job.
func (s *Store) AppendJobLog(ctx context.Context, entry JobLog) (JobLog, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO mailer_job_logs
		   (job_id, executed_at, logical_date, status, details, mails_sent, error_count, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		entry.JobID, entry.ExecutedAt, entry.LogicalDate, entry.Status,
		entry.Details, entry.MailsSent, entry.ErrorCount, entry.DurationMS,
	).Scan(&entry.ID)
	if err != nil {
		return JobLog{}, errors.Join(ErrQueryFailed, err)
	}
	return entry, nil
}

// ListJobLogs returns the most recent executions of a job, newest first.
func (s *Store) ListJobLogs(ctx context.Context, jobID int64, limit int) ([]JobLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, executed_at, logical_date, status, details,
		        mails_sent, error_count, duration_ms
		 FROM mailer_job_logs
		 WHERE job_id = $1
		 ORDER BY executed_at DESC
		 LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	defer rows.Close()

	var logs []JobLog
	for rows.Next() {
		var l JobLog
		if err := rows.Scan(
			&l.ID, &l.JobID, &l.ExecutedAt, &l.LogicalDate, &l.Status,
			&l.Details, &l.MailsSent, &l.ErrorCount, &l.DurationMS,
		); err != nil {
			return nil, errors.Join(ErrQueryFailed, err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ClearJobLogs purges all execution logs of one job.
func (s *Store) ClearJobLogs(ctx context.Context, jobID int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM mailer_job_logs WHERE job_id = $1`, jobID); err != nil {
		return errors.Join(ErrQueryFailed, err)
	}
	return nil
}
