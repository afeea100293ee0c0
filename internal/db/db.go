// Package db opens the workspace-scoped sqlite database under .glow/.
package db

import (
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".glow"
	dbFileName   = "glow.db"
)

// Pragmas applied to every connection. foreign_keys backs the owner
// references on jobs, tokens, and app grants; busy_timeout keeps the
// scheduler and the API from failing on each other's write locks.
var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .glow directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Path returns the database path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, dbFileName)
}

// Open opens the workspace database, creating the .glow directory when
// needed.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", dsn(Path(cfg.Workspace)))
}

func dsn(path string) string {
	params := []string{"cache=shared"}
	for _, p := range pragmas {
		params = append(params, "_pragma="+url.QueryEscape(p))
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}
