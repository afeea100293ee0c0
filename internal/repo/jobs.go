package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"glow/internal/domain"
)

func (r Repo) InsertJob(ctx context.Context, j domain.Job) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO jobs(id,owner,kind,parameters,state,result_json,error_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Owner, j.Kind, j.Parameters, j.State, nullableStringPtr(j.ResultJSON), nullableStringPtr(j.ErrorJSON), j.CreatedAt, j.UpdatedAt)
	return err
}

func scanJob(scan func(...any) error) (domain.Job, error) {
	var j domain.Job
	var result, errJSON sql.NullString
	err := scan(&j.ID, &j.Owner, &j.Kind, &j.Parameters, &j.State, &result, &errJSON, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if result.Valid {
		j.ResultJSON = &result.String
	}
	if errJSON.Valid {
		j.ErrorJSON = &errJSON.String
	}
	return j, nil
}

const jobColumns = `id,owner,kind,parameters,state,result_json,error_json,created_at,updated_at`

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

type JobFilters struct {
	Owner           string
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListJobs returns jobs newest first, optionally filtered and cursor-paged.
func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// NextPendingJob returns the oldest pending job. Admission is strictly FIFO
// by creation time, so starvation is impossible.
func (r Repo) NextPendingJob(ctx context.Context) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state=? ORDER BY created_at ASC, id ASC LIMIT 1`, domain.JobPending)
	return scanJob(row.Scan)
}

// TransitionJob applies a compare-and-swap state change: the update succeeds
// only if the job's current state is in from. Result and error payloads are
// written together with the state so a reader never observes a completed job
// without its result. Exactly one of two racing transitions out of the same
// state can win; the loser gets ErrStaleTransition.
func (r Repo) TransitionJob(ctx context.Context, id string, from []string, to string, resultJSON, errorJSON *string, now string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition %s: empty from set", id)
	}
	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{to, nullableStringPtr(resultJSON), nullableStringPtr(errorJSON), now, id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET state=?, result_json=COALESCE(?,result_json), error_json=COALESCE(?,error_json), updated_at=? WHERE id=? AND state IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	// Distinguish a lost race from a missing job.
	var exists int
	err = r.DB.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id=?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStaleTransition
}

// CountJobsByState returns job counts grouped by state.
func (r Repo) CountJobsByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}
