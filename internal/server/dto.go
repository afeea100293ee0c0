package server

import (
	"encoding/json"

	"glow/internal/domain"
)

type SubmitJobRequest struct {
	Kind       string          `json:"kind" example:"reduce"`
	Parameters json.RawMessage `json:"parameters,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type JobResponse struct {
	ID         string          `json:"id"`
	Owner      string          `json:"owner"`
	Kind       string          `json:"kind"`
	Parameters json.RawMessage `json:"parameters" jsonschema:"type=object,additionalProperties=true"`
	State      string          `json:"state" enum:"pending,running,cancelling,completed,failed,cancelled"`
	Result     json.RawMessage `json:"result,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Error      json.RawMessage `json:"error,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
	UpdatedAt  string          `json:"updated_at" format:"date-time"`
}

func jobResponse(j domain.Job) JobResponse {
	r := JobResponse{
		ID:         j.ID,
		Owner:      j.Owner,
		Kind:       j.Kind,
		Parameters: rawOrEmpty(j.Parameters),
		State:      j.State,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
	if j.ResultJSON != nil {
		r.Result = rawOrEmpty(*j.ResultJSON)
	}
	if j.ErrorJSON != nil {
		r.Error = rawOrEmpty(*j.ErrorJSON)
	}
	return r
}

func mapJobs(items []domain.Job) []JobResponse {
	res := make([]JobResponse, 0, len(items))
	for _, j := range items {
		res = append(res, jobResponse(j))
	}
	return res
}

func rawOrEmpty(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

type IssueTokenRequest struct {
	Name       string   `json:"name,omitempty" example:"laptop"`
	Scopes     []string `json:"scopes" example:"[\"jobs:read\",\"jobs:write\"]"`
	TTLSeconds int      `json:"ttl_seconds,omitempty" minimum:"0"`
	// Owner is honoured for administrators only; everyone else issues for
	// themselves.
	Owner string `json:"owner,omitempty"`
}

type TokenResponse struct {
	ID        string   `json:"id"`
	Owner     string   `json:"owner"`
	Name      string   `json:"name,omitempty"`
	Scopes    []string `json:"scopes"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	ExpiresAt *string  `json:"expires_at,omitempty" format:"date-time"`
	Revoked   bool     `json:"revoked"`
}

// IssuedTokenResponse carries the raw secret. It appears in exactly one
// response, at issuance.
type IssuedTokenResponse struct {
	TokenResponse
	Secret string `json:"secret"`
}

func tokenResponse(t domain.PersonalAccessToken) TokenResponse {
	return TokenResponse{
		ID:        t.ID,
		Owner:     t.Owner,
		Name:      t.Name,
		Scopes:    t.Scopes,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
		Revoked:   t.Revoked,
	}
}

func mapTokens(items []domain.PersonalAccessToken) []TokenResponse {
	res := make([]TokenResponse, 0, len(items))
	for _, t := range items {
		res = append(res, tokenResponse(t))
	}
	return res
}

type RecordGrantRequest struct {
	ClientID string   `json:"client_id" example:"sky-dashboard"`
	Scopes   []string `json:"scopes" example:"[\"jobs:read\"]"`
	Owner    string   `json:"owner,omitempty"`
}

type GrantResponse struct {
	ID        string   `json:"id"`
	Owner     string   `json:"owner"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	GrantedAt string   `json:"granted_at" format:"date-time"`
	Revoked   bool     `json:"revoked"`
}

func grantResponse(g domain.AppGrant) GrantResponse {
	return GrantResponse{
		ID:        g.ID,
		Owner:     g.Owner,
		ClientID:  g.ClientID,
		Scopes:    g.Scopes,
		GrantedAt: g.GrantedAt,
		Revoked:   g.Revoked,
	}
}

func mapGrants(items []domain.AppGrant) []GrantResponse {
	res := make([]GrantResponse, 0, len(items))
	for _, g := range items {
		res = append(res, grantResponse(g))
	}
	return res
}

type AppTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in" example:"900"`
}

type AuditEntryResponse struct {
	ID       int64           `json:"id"`
	TS       string          `json:"ts" format:"date-time"`
	Type     string          `json:"type"`
	Actor    string          `json:"actor"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entity_id,omitempty"`
	Payload  json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

func auditResponse(e domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		Actor:    e.Actor,
		Entity:   e.Entity,
		EntityID: e.EntityID,
		Payload:  rawOrEmpty(e.Payload),
	}
}

func mapAudit(items []domain.AuditEntry) []AuditEntryResponse {
	res := make([]AuditEntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, auditResponse(e))
	}
	return res
}
