package repo

import (
	"context"
	"database/sql"
	"errors"

	"glow/internal/domain"
)

// InsertGrant records the outcome of a completed consent flow.
func (r Repo) InsertGrant(ctx context.Context, g domain.AppGrant) error {
	if g.ID == "" {
		return errors.New("id required")
	}
	if g.Owner == "" {
		return errors.New("owner required")
	}
	if g.ClientID == "" {
		return errors.New("client_id required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO app_grants(id,owner,client_id,scopes_json,granted_at,revoked) VALUES (?,?,?,?,?,0)`,
		g.ID, g.Owner, g.ClientID, encodeScopes(g.Scopes), g.GrantedAt)
	return err
}

func scanGrant(scan func(...any) error) (domain.AppGrant, error) {
	var g domain.AppGrant
	var scopesJSON string
	var revoked int
	err := scan(&g.ID, &g.Owner, &g.ClientID, &scopesJSON, &g.GrantedAt, &revoked)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Scopes = decodeScopes(scopesJSON)
	g.Revoked = revoked != 0
	return g, nil
}

const grantColumns = `id,owner,client_id,scopes_json,granted_at,revoked`

func (r Repo) GetGrant(ctx context.Context, id string) (domain.AppGrant, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM app_grants WHERE id=?`, id)
	return scanGrant(row.Scan)
}

// ListGrants returns app grants owned by owner, newest first.
func (r Repo) ListGrants(ctx context.Context, owner string) ([]domain.AppGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM app_grants`
	var args []any
	if owner != "" {
		query += ` WHERE owner=?`
		args = append(args, owner)
	}
	query += ` ORDER BY granted_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AppGrant
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// RevokeGrant marks a grant revoked. Idempotent; the row is kept so the
// authorization guard sees the revocation on the next validation.
func (r Repo) RevokeGrant(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE app_grants SET revoked=1 WHERE id=?`, id)
	return err
}
