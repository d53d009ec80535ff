package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

const memberColumns = `id, first_name, last_name, email, gender, birthdate, member_since, group_id, deleted_at`

// ListGroups returns all groups, default group first, then by name.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, is_default FROM groups ORDER BY is_default DESC, name`)
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.IsDefault); err != nil {
			return nil, errors.Join(ErrQueryFailed, err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GetGroup returns one group by id.
func (s *Store) GetGroup(ctx context.Context, id int64) (Group, error) {
	var g Group
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, is_default FROM groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.IsDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, errors.Join(ErrQueryFailed, err)
	}
	return g, nil
}

// DefaultGroup returns the group marked as default.
func (s *Store) DefaultGroup(ctx context.Context) (Group, error) {
	var g Group
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, is_default FROM groups WHERE is_default LIMIT 1`).
		Scan(&g.ID, &g.Name, &g.IsDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, errors.Join(ErrQueryFailed, err)
	}
	return g, nil
}

// ActiveMembersByGroup returns the active members of a group. If the group
// is the default group, members with no explicit group assignment are
// included as well.
func (s *Store) ActiveMembersByGroup(ctx context.Context, groupID int64, isDefault bool) ([]Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members
		WHERE deleted_at IS NULL AND group_id = $1`
	if isDefault {
		query = `SELECT ` + memberColumns + ` FROM members
			WHERE deleted_at IS NULL AND (group_id = $1 OR group_id IS NULL)`
	}

	rows, err := s.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	defer rows.Close()

	return scanMembers(rows)
}

func scanMembers(rows pgx.Rows) ([]Member, error) {
	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(
			&m.ID, &m.FirstName, &m.LastName, &m.Email, &m.Gender,
			&m.Birthdate, &m.MemberSince, &m.GroupID, &m.DeletedAt,
		); err != nil {
			return nil, errors.Join(ErrQueryFailed, err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
