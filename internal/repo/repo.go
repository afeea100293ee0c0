package repo

import (
	"database/sql"
	"encoding/json"
	"errors"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrStaleTransition means a compare-and-swap job transition lost its
	// race: the current state was not in the expected set. Callers should
	// re-read the job rather than retry the same transition.
	ErrStaleTransition = errors.New("stale transition")
)

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func encodeScopes(scopes []string) string {
	if len(scopes) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(scopes)
	return string(b)
}

func decodeScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		return nil
	}
	return scopes
}
