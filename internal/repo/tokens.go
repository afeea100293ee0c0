package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"glow/internal/domain"
)

// HashTokenSecret returns the hex SHA-256 digest of salt||secret.
func HashTokenSecret(salt, secret string) string {
	sum := sha256.Sum256([]byte(salt + secret))
	return hex.EncodeToString(sum[:])
}

// InsertToken stores token metadata. SecretHash must already be hashed; the
// raw secret never reaches this layer.
func (r Repo) InsertToken(ctx context.Context, t domain.PersonalAccessToken) error {
	if t.ID == "" {
		return errors.New("id required")
	}
	if t.Owner == "" {
		return errors.New("owner required")
	}
	if t.SecretHash == "" {
		return errors.New("secret_hash required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tokens(id,owner,name,secret_hash,salt,scopes_json,created_at,expires_at,revoked) VALUES (?,?,?,?,?,?,?,?,0)`,
		t.ID, t.Owner, nullable(t.Name), t.SecretHash, t.Salt, encodeScopes(t.Scopes), t.CreatedAt, nullableStringPtr(t.ExpiresAt))
	return err
}

func scanToken(scan func(...any) error) (domain.PersonalAccessToken, error) {
	var t domain.PersonalAccessToken
	var name, expires sql.NullString
	var scopesJSON string
	var revoked int
	err := scan(&t.ID, &t.Owner, &name, &t.SecretHash, &t.Salt, &scopesJSON, &t.CreatedAt, &expires, &revoked)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if name.Valid {
		t.Name = name.String
	}
	if expires.Valid {
		t.ExpiresAt = &expires.String
	}
	t.Scopes = decodeScopes(scopesJSON)
	t.Revoked = revoked != 0
	return t, nil
}

const tokenColumns = `id,owner,name,secret_hash,salt,scopes_json,created_at,expires_at,revoked`

func (r Repo) GetToken(ctx context.Context, id string) (domain.PersonalAccessToken, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id=?`, id)
	return scanToken(row.Scan)
}

// ListTokens returns tokens owned by owner, newest first.
func (r Repo) ListTokens(ctx context.Context, owner string) ([]domain.PersonalAccessToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens`
	var args []any
	if owner != "" {
		query += ` WHERE owner=?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PersonalAccessToken
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// RevokeToken marks a token revoked. Idempotent: revoking a revoked token is
// a no-op. Tokens are never deleted; the row remains for the audit trail.
func (r Repo) RevokeToken(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tokens SET revoked=1 WHERE id=?`, id)
	return err
}
