package domain

// Job states. Terminal states are completed, failed, and cancelled; no
// transition leaves a terminal state.
const (
	JobPending    = "pending"
	JobRunning    = "running"
	JobCancelling = "cancelling"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// TerminalState reports whether a job state admits no further transitions.
func TerminalState(state string) bool {
	return state == JobCompleted || state == JobFailed || state == JobCancelled
}

// Capability scopes granted to credentials.
const (
	ScopeJobsRead    = "jobs:read"
	ScopeJobsWrite   = "jobs:write"
	ScopeTokensRead  = "tokens:read"
	ScopeTokensWrite = "tokens:write"
	ScopeAppsRead    = "apps:read"
	ScopeAppsWrite   = "apps:write"
	ScopeAdmin       = "admin"
)

// KnownScope reports whether s is one of the defined capability scopes.
func KnownScope(s string) bool {
	switch s {
	case ScopeJobsRead, ScopeJobsWrite, ScopeTokensRead, ScopeTokensWrite,
		ScopeAppsRead, ScopeAppsWrite, ScopeAdmin:
		return true
	}
	return false
}

type Job struct {
	ID         string  `json:"id"`
	Owner      string  `json:"owner"`
	Kind       string  `json:"kind"`
	Parameters string  `json:"parameters"`
	State      string  `json:"state" enum:"pending,running,cancelling,completed,failed,cancelled"`
	ResultJSON *string `json:"result_json,omitempty"`
	ErrorJSON  *string `json:"error_json,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// PersonalAccessToken holds token metadata. The raw secret is returned once
// at issuance and never stored; SecretHash is sha256(salt||secret).
type PersonalAccessToken struct {
	ID         string   `json:"id"`
	Owner      string   `json:"owner"`
	Name       string   `json:"name,omitempty"`
	SecretHash string   `json:"-"`
	Salt       string   `json:"-"`
	Scopes     []string `json:"scopes"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	ExpiresAt  *string  `json:"expires_at,omitempty" format:"date-time"`
	Revoked    bool     `json:"revoked"`
}

// AppGrant records the outcome of a completed third-party consent flow.
type AppGrant struct {
	ID        string   `json:"id"`
	Owner     string   `json:"owner"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	GrantedAt string   `json:"granted_at" format:"date-time"`
	Revoked   bool     `json:"revoked"`
}

// Principal is the authenticated actor that owns jobs and credentials. When
// an app acts on a user's behalf, ID is the granting user and GrantID records
// the delegation.
type Principal struct {
	ID        string   `json:"id"`
	Scopes    []string `json:"scopes"`
	GrantID   string   `json:"grant_id,omitempty"`
	Source    string   `json:"source,omitempty"`
	CreatedAt string   `json:"created_at,omitempty" format:"date-time"`
}

// Admin reports whether the principal carries the admin scope.
func (p Principal) Admin() bool {
	return HasScope(p.Scopes, ScopeAdmin)
}

// HasScope reports whether scopes contains want. Admin implies every scope.
func HasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every scope in sub appears in super.
func SubsetOf(sub, super []string) bool {
	for _, s := range sub {
		if !HasScope(super, s) {
			return false
		}
	}
	return true
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	Actor    string `json:"actor"`
	Entity   string `json:"entity"`
	EntityID string `json:"entity_id,omitempty"`
	Payload  string `json:"payload_json"`
}
