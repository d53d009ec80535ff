package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetMailerConfig returns the delivery configuration row. ErrNotFound means
// no configuration has been set up yet; jobs must not send in that case.
func (s *Store) GetMailerConfig(ctx context.Context) (MailerConfig, error) {
	var (
		cfg           MailerConfig
		windowSeconds int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, from_address, reply_to, admin_email, rate_limit, rate_window_seconds, updated_at
		 FROM mailer_config
		 ORDER BY id
		 LIMIT 1`).
		Scan(&cfg.ID, &cfg.FromAddress, &cfg.ReplyTo, &cfg.AdminEmail,
			&cfg.RateLimit, &windowSeconds, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return MailerConfig{}, ErrNotFound
	}
	if err != nil {
		return MailerConfig{}, errors.Join(ErrQueryFailed, err)
	}
	cfg.RateWindow = time.Duration(windowSeconds) * time.Second
	return cfg, nil
}

// SaveMailerConfig upserts the single delivery configuration row.
func (s *Store) SaveMailerConfig(ctx context.Context, cfg MailerConfig) (MailerConfig, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO mailer_config (id, from_address, reply_to, admin_email, rate_limit, rate_window_seconds)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   from_address = EXCLUDED.from_address,
		   reply_to = EXCLUDED.reply_to,
		   admin_email = EXCLUDED.admin_email,
		   rate_limit = EXCLUDED.rate_limit,
		   rate_window_seconds = EXCLUDED.rate_window_seconds,
		   updated_at = now()
		 RETURNING id, updated_at`,
		cfg.FromAddress, cfg.ReplyTo, cfg.AdminEmail,
		cfg.RateLimit, int64(cfg.RateWindow.Seconds()),
	).Scan(&cfg.ID, &cfg.UpdatedAt)
	if err != nil {
		return MailerConfig{}, errors.Join(ErrQueryFailed, err)
	}
	return cfg, nil
}
