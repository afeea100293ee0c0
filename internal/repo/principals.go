package repo

import (
	"context"
	"database/sql"
	"errors"

	"glow/internal/domain"
)

// InsertPrincipal registers an actor and its capability set.
func (r Repo) InsertPrincipal(ctx context.Context, p domain.Principal) error {
	if p.ID == "" {
		return errors.New("id required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO principals(id,scopes_json,created_at) VALUES (?,?,?)`,
		p.ID, encodeScopes(p.Scopes), p.CreatedAt)
	return err
}

// EnsurePrincipal registers an actor if it does not already exist. An
// existing row is left untouched, scopes included.
func (r Repo) EnsurePrincipal(ctx context.Context, p domain.Principal) error {
	if p.ID == "" {
		return errors.New("id required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO principals(id,scopes_json,created_at) VALUES (?,?,?)`,
		p.ID, encodeScopes(p.Scopes), p.CreatedAt)
	return err
}

func (r Repo) GetPrincipal(ctx context.Context, id string) (domain.Principal, error) {
	var p domain.Principal
	var scopesJSON string
	err := r.DB.QueryRowContext(ctx, `SELECT id,scopes_json,created_at FROM principals WHERE id=?`, id).
		Scan(&p.ID, &scopesJSON, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Scopes = decodeScopes(scopesJSON)
	return p, nil
}

func (r Repo) ListPrincipals(ctx context.Context) ([]domain.Principal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,scopes_json,created_at FROM principals ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Principal
	for rows.Next() {
		var p domain.Principal
		var scopesJSON string
		if err := rows.Scan(&p.ID, &scopesJSON, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Scopes = decodeScopes(scopesJSON)
		res = append(res, p)
	}
	return res, rows.Err()
}
