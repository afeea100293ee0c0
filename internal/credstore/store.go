// Package credstore issues, validates, and revokes personal access tokens
// and authorized-app grants.
package credstore

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"glow/internal/domain"
	"glow/internal/repo"
)

// SecretPrefix marks personal access token secrets on the wire.
const SecretPrefix = "glowpat_"

var (
	// ErrCredentialInvalid covers unknown, revoked, and expired credentials
	// alike. The causes are deliberately indistinguishable to the caller.
	ErrCredentialInvalid = errors.New("credential invalid")

	// ErrInvalidScope means the requested scopes exceed the owner's own
	// capability set or name an unknown scope.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrNotOwner means the caller neither owns the credential nor holds
	// the admin scope.
	ErrNotOwner = errors.New("not owner")
)

type Store struct {
	Repo  repo.Repo
	Audit repo.AuditWriter
	Now   func() time.Time
}

func New(r repo.Repo) Store {
	return Store{
		Repo:  r,
		Audit: repo.AuditWriter{Repo: r},
		Now:   time.Now,
	}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// IssueToken mints a personal access token for owner. The raw secret is
// returned exactly once; only its salted hash is stored. A zero ttl means
// the token never expires.
func (s Store) IssueToken(ctx context.Context, owner, name string, scopes []string, ttl time.Duration) (domain.PersonalAccessToken, string, error) {
	principal, err := s.Repo.GetPrincipal(ctx, owner)
	if err != nil {
		return domain.PersonalAccessToken{}, "", err
	}
	if err := checkScopes(scopes, principal.Scopes); err != nil {
		return domain.PersonalAccessToken{}, "", err
	}
	id := uuid.New().String()
	salt, err := randomString(16)
	if err != nil {
		return domain.PersonalAccessToken{}, "", err
	}
	random, err := randomString(32)
	if err != nil {
		return domain.PersonalAccessToken{}, "", err
	}
	// The token id is embedded in the secret so validation can find the
	// per-token salt without scanning the table.
	rawSecret := SecretPrefix + id + "." + random
	now := s.now().UTC()
	t := domain.PersonalAccessToken{
		ID:         id,
		Owner:      owner,
		Name:       name,
		SecretHash: repo.HashTokenSecret(salt, rawSecret),
		Salt:       salt,
		Scopes:     scopes,
		CreatedAt:  now.Format(time.RFC3339),
	}
	if ttl > 0 {
		expires := now.Add(ttl).Format(time.RFC3339)
		t.ExpiresAt = &expires
	}
	if err := s.Repo.InsertToken(ctx, t); err != nil {
		return domain.PersonalAccessToken{}, "", err
	}
	if err := s.Audit.Append(ctx, "token.issued", owner, "token", id, repo.AuditPayload{"scopes": scopes, "name": name}); err != nil {
		return domain.PersonalAccessToken{}, "", err
	}
	return t, rawSecret, nil
}

// ValidateToken resolves a raw secret to its owner principal and granted
// scopes. Unknown, revoked, and expired secrets all fail with
// ErrCredentialInvalid.
func (s Store) ValidateToken(ctx context.Context, rawSecret string) (domain.Principal, []string, error) {
	id, ok := parseSecret(rawSecret)
	if !ok {
		return domain.Principal{}, nil, ErrCredentialInvalid
	}
	t, err := s.Repo.GetToken(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Principal{}, nil, ErrCredentialInvalid
		}
		return domain.Principal{}, nil, err
	}
	hash := repo.HashTokenSecret(t.Salt, rawSecret)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(t.SecretHash)) != 1 {
		return domain.Principal{}, nil, ErrCredentialInvalid
	}
	if t.Revoked {
		return domain.Principal{}, nil, ErrCredentialInvalid
	}
	if t.ExpiresAt != nil {
		exp, err := time.Parse(time.RFC3339, *t.ExpiresAt)
		if err != nil || !s.now().Before(exp) {
			return domain.Principal{}, nil, ErrCredentialInvalid
		}
	}
	return domain.Principal{ID: t.Owner, Scopes: t.Scopes, Source: "token"}, t.Scopes, nil
}

// RevokeToken marks a token revoked. Idempotent: a second revoke of the same
// token succeeds without effect.
func (s Store) RevokeToken(ctx context.Context, id string, requestedBy domain.Principal) error {
	t, err := s.Repo.GetToken(ctx, id)
	if err != nil {
		return err
	}
	if t.Owner != requestedBy.ID && !requestedBy.Admin() {
		return ErrNotOwner
	}
	if t.Revoked {
		return nil
	}
	if err := s.Repo.RevokeToken(ctx, id); err != nil {
		return err
	}
	return s.Audit.Append(ctx, "token.revoked", requestedBy.ID, "token", id, repo.AuditPayload{"owner": t.Owner})
}

// RecordGrant stores the outcome of a completed consent flow.
func (s Store) RecordGrant(ctx context.Context, owner, clientID string, scopes []string) (domain.AppGrant, error) {
	principal, err := s.Repo.GetPrincipal(ctx, owner)
	if err != nil {
		return domain.AppGrant{}, err
	}
	if err := checkScopes(scopes, principal.Scopes); err != nil {
		return domain.AppGrant{}, err
	}
	g := domain.AppGrant{
		ID:        uuid.New().String(),
		Owner:     owner,
		ClientID:  clientID,
		Scopes:    scopes,
		GrantedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertGrant(ctx, g); err != nil {
		return domain.AppGrant{}, err
	}
	if err := s.Audit.Append(ctx, "app.granted", owner, "app_grant", g.ID, repo.AuditPayload{"client_id": clientID, "scopes": scopes}); err != nil {
		return domain.AppGrant{}, err
	}
	return g, nil
}

// RevokeGrant marks an app grant revoked. No new token exchange succeeds
// afterwards; already-issued app tokens fail on their next validation.
func (s Store) RevokeGrant(ctx context.Context, id string, requestedBy domain.Principal) error {
	g, err := s.Repo.GetGrant(ctx, id)
	if err != nil {
		return err
	}
	if g.Owner != requestedBy.ID && !requestedBy.Admin() {
		return ErrNotOwner
	}
	if g.Revoked {
		return nil
	}
	if err := s.Repo.RevokeGrant(ctx, id); err != nil {
		return err
	}
	return s.Audit.Append(ctx, "app.revoked", requestedBy.ID, "app_grant", id, repo.AuditPayload{"owner": g.Owner, "client_id": g.ClientID})
}

func checkScopes(requested, owned []string) error {
	if len(requested) == 0 {
		return fmt.Errorf("%w: at least one scope required", ErrInvalidScope)
	}
	for _, sc := range requested {
		if !domain.KnownScope(sc) {
			return fmt.Errorf("%w: unknown scope %s", ErrInvalidScope, sc)
		}
	}
	if !domain.SubsetOf(requested, owned) {
		return fmt.Errorf("%w: requested scopes exceed owner capabilities", ErrInvalidScope)
	}
	return nil
}

func parseSecret(rawSecret string) (string, bool) {
	rest, ok := strings.CutPrefix(rawSecret, SecretPrefix)
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, ".")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
