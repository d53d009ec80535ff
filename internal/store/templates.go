package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// GetTemplate returns one template by id.
func (s *Store) GetTemplate(ctx context.Context, id int64) (Template, error) {
	var t Template
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, content, updated_at FROM templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Content, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Template{}, ErrNotFound
	}
	if err != nil {
		return Template{}, errors.Join(ErrQueryFailed, err)
	}
	return t, nil
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, content, updated_at FROM templates ORDER BY name`)
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Content, &t.UpdatedAt); err != nil {
			return nil, errors.Join(ErrQueryFailed, err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// SaveTemplate inserts or updates a template by name.
func (s *Store) SaveTemplate(ctx context.Context, t Template) (Template, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO templates (name, content)
		 VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET content = EXCLUDED.content, updated_at = now()
		 RETURNING id, updated_at`,
		t.Name, t.Content,
	).Scan(&t.ID, &t.UpdatedAt)
	if err != nil {
		return Template{}, errors.Join(ErrQueryFailed, err)
	}
	return t, nil
}
