package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const jobColumns = `id, name, template_id, selection, group_id, cron, once_at,
	bcc_address, recipients, created_at, updated_at`

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (MailerJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM mailer_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// FindJobByName returns the job with the given name, if any.
func (s *Store) FindJobByName(ctx context.Context, name string) (MailerJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM mailer_jobs WHERE name = $1`, name)
	return scanJob(row)
}

// ListJobs returns all jobs ordered by name.
func (s *Store) ListJobs(ctx context.Context) ([]MailerJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM mailer_jobs ORDER BY name`)
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	defer rows.Close()

	var jobs []MailerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FindGroupJob returns the job with the given selection in the given group,
// excluding excludeID (pass 0 to exclude nothing). Used both for the
// one-recurring-job-per-group rule and for default-group fallback.
func (s *Store) FindGroupJob(ctx context.Context, selection Selection, groupID, excludeID int64) (MailerJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM mailer_jobs
		 WHERE selection = $1 AND group_id = $2 AND id <> $3
		 LIMIT 1`,
		selection, groupID, excludeID)
	return scanJob(row)
}

// FindRecurringGroupJob is FindGroupJob restricted to cron-scheduled jobs,
// used to enforce the one-recurring-job-per-(selection, group) rule.
func (s *Store) FindRecurringGroupJob(ctx context.Context, selection Selection, groupID, excludeID int64) (MailerJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM mailer_jobs
		 WHERE selection = $1 AND group_id = $2 AND id <> $3 AND cron <> ''
		 LIMIT 1`,
		selection, groupID, excludeID)
	return scanJob(row)
}

// CreateJob inserts a job and returns it with the generated id.
func (s *Store) CreateJob(ctx context.Context, job MailerJob) (MailerJob, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO mailer_jobs
		   (name, template_id, selection, group_id, cron, once_at, bcc_address, recipients)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		job.Name, job.TemplateID, job.Selection, job.GroupID,
		job.Cron, job.OnceAt, job.BCCAddress, job.Recipients,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if isUniqueViolation(err) {
		return MailerJob{}, errors.Join(ErrDuplicate, err)
	}
	if err != nil {
		return MailerJob{}, errors.Join(ErrQueryFailed, err)
	}
	return job, nil
}

// UpdateJob overwrites a job's definition.
func (s *Store) UpdateJob(ctx context.Context, job MailerJob) (MailerJob, error) {
	err := s.pool.QueryRow(ctx,
		`UPDATE mailer_jobs SET
		   name = $2, template_id = $3, selection = $4, group_id = $5,
		   cron = $6, once_at = $7, bcc_address = $8, recipients = $9,
		   updated_at = now()
		 WHERE id = $1
		 RETURNING created_at, updated_at`,
		job.ID, job.Name, job.TemplateID, job.Selection, job.GroupID,
		job.Cron, job.OnceAt, job.BCCAddress, job.Recipients,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return MailerJob{}, ErrNotFound
	}
	if isUniqueViolation(err) {
		return MailerJob{}, errors.Join(ErrDuplicate, err)
	}
	if err != nil {
		return MailerJob{}, errors.Join(ErrQueryFailed, err)
	}
	return job, nil
}

// isUniqueViolation reports a Postgres unique constraint error, the race
// window left open by the service-level duplicate checks.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// DeleteJob removes a job together with its execution logs.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Join(ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM mailer_job_logs WHERE job_id = $1`, id); err != nil {
		return errors.Join(ErrQueryFailed, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM mailer_jobs WHERE id = $1`, id)
	if err != nil {
		return errors.Join(ErrQueryFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func scanJob(row pgx.Row) (MailerJob, error) {
	var job MailerJob
	err := row.Scan(
		&job.ID, &job.Name, &job.TemplateID, &job.Selection, &job.GroupID,
		&job.Cron, &job.OnceAt, &job.BCCAddress, &job.Recipients,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return MailerJob{}, ErrNotFound
	}
	if err != nil {
		return MailerJob{}, errors.Join(ErrQueryFailed, err)
	}
	return job, nil
}
