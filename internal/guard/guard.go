// Package guard maps an inbound credential to a principal and checks the
// scope an operation requires. It holds no state of its own; every decision
// is a function of the credential and the current credential store.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"glow/internal/credstore"
	"glow/internal/domain"
	"glow/internal/repo"
)

var (
	// ErrUnauthenticated means the credential itself is bad. Unknown,
	// expired, and revoked are deliberately indistinguishable.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// ForbiddenError means the credential is valid but lacks a required scope.
type ForbiddenError struct {
	Scope string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("scope %s required", e.Scope)
}

type Guard struct {
	Store     credstore.Store
	JWTSecret string
	Now       func() time.Time
}

func New(store credstore.Store, jwtSecret string) Guard {
	return Guard{Store: store, JWTSecret: jwtSecret, Now: time.Now}
}

type appClaims struct {
	jwt.RegisteredClaims
	GrantID string   `json:"grant_id"`
	Scopes  []string `json:"scopes"`
}

// Authorize validates the credential and checks requiredScope against its
// granted scopes. Personal access token secrets carry the credstore prefix;
// anything else is parsed as a delegated app token.
func (g Guard) Authorize(ctx context.Context, credential, requiredScope string) (domain.Principal, error) {
	principal, scopes, err := g.authenticate(ctx, credential)
	if err != nil {
		return domain.Principal{}, err
	}
	if requiredScope != "" && !domain.HasScope(scopes, requiredScope) {
		return domain.Principal{}, ForbiddenError{Scope: requiredScope}
	}
	return principal, nil
}

func (g Guard) authenticate(ctx context.Context, credential string) (domain.Principal, []string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return domain.Principal{}, nil, ErrUnauthenticated
	}
	if strings.HasPrefix(credential, credstore.SecretPrefix) {
		principal, scopes, err := g.Store.ValidateToken(ctx, credential)
		if err != nil {
			if errors.Is(err, credstore.ErrCredentialInvalid) {
				return domain.Principal{}, nil, ErrUnauthenticated
			}
			return domain.Principal{}, nil, err
		}
		return principal, scopes, nil
	}
	return g.authenticateAppToken(ctx, credential)
}

// authenticateAppToken verifies a delegated app JWT and re-reads its grant,
// so a revocation is effective for every validation after it lands.
func (g Guard) authenticateAppToken(ctx context.Context, token string) (domain.Principal, []string, error) {
	if strings.TrimSpace(g.JWTSecret) == "" {
		return domain.Principal{}, nil, ErrUnauthenticated
	}
	now := g.Now
	if now == nil {
		now = time.Now
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
	)
	claims := &appClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(g.JWTSecret), nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" || claims.GrantID == "" {
		return domain.Principal{}, nil, ErrUnauthenticated
	}
	grant, err := g.Store.Repo.GetGrant(ctx, claims.GrantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Principal{}, nil, ErrUnauthenticated
		}
		return domain.Principal{}, nil, err
	}
	if grant.Revoked || grant.Owner != claims.Subject {
		return domain.Principal{}, nil, ErrUnauthenticated
	}
	// Scopes in the token may have been narrowed at exchange time but never
	// exceed the grant.
	scopes := claims.Scopes
	if len(scopes) == 0 {
		scopes = grant.Scopes
	}
	if !domain.SubsetOf(scopes, grant.Scopes) {
		return domain.Principal{}, nil, ErrUnauthenticated
	}
	return domain.Principal{
		ID:      grant.Owner,
		Scopes:  scopes,
		GrantID: grant.ID,
		Source:  "app",
	}, scopes, nil
}

// ExchangeAppToken issues a short-lived delegated token for an app grant.
// The grant owner (or an administrator) performs the exchange; a revoked
// grant can never be exchanged again.
func (g Guard) ExchangeAppToken(ctx context.Context, grantID string, requestedBy domain.Principal, ttl time.Duration) (string, error) {
	grant, err := g.Store.Repo.GetGrant(ctx, grantID)
	if err != nil {
		return "", err
	}
	if grant.Owner != requestedBy.ID && !requestedBy.Admin() {
		return "", credstore.ErrNotOwner
	}
	if grant.Revoked {
		return "", credstore.ErrCredentialInvalid
	}
	if strings.TrimSpace(g.JWTSecret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := g.Now
	if now == nil {
		now = time.Now
	}
	issued := now().UTC()
	claims := appClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   grant.Owner,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
		GrantID: grant.ID,
		Scopes:  grant.Scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(g.JWTSecret))
	if err != nil {
		return "", err
	}
	if err := g.Store.Audit.Append(ctx, "app.token.exchanged", requestedBy.ID, "app_grant", grant.ID, repo.AuditPayload{"client_id": grant.ClientID}); err != nil {
		return "", err
	}
	return signed, nil
}
