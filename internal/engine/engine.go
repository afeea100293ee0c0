// Package engine holds the job registry operations: submission, lookup,
// listing, cancellation, and the compare-and-swap state transitions the
// scheduler drives jobs through.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"glow/internal/domain"
	"glow/internal/repo"
)

var (
	// ErrInvalidParameters means a submission failed its kind's structural
	// validation.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrUnknownKind means no handler is registered for the job kind.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrForbidden means the requester does not own the job and is not an
	// administrator.
	ErrForbidden = errors.New("forbidden")
)

// ParamValidator checks a kind's parameters structurally before a job is
// accepted. Kind-specific schemas plug in here.
type ParamValidator func(parameters json.RawMessage) error

type Engine struct {
	Repo       repo.Repo
	Audit      repo.AuditWriter
	Validators map[string]ParamValidator
	Now        func() time.Time

	// Notify is called after a job is created so an in-process scheduler
	// can wake without waiting for its poll tick. Optional.
	Notify func()

	// CancelSignal is called with a job ID after a cancel lands so an
	// in-process scheduler can interrupt the running handler. Optional.
	CancelSignal func(jobID string)
}

func New(r repo.Repo) *Engine {
	return &Engine{
		Repo:       r,
		Audit:      repo.AuditWriter{Repo: r},
		Validators: map[string]ParamValidator{},
		Now:        time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RegisterKind makes a job kind submittable. A nil validator accepts any
// well-formed JSON object.
func (e *Engine) RegisterKind(kind string, v ParamValidator) {
	if v == nil {
		v = func(parameters json.RawMessage) error {
			var tmp map[string]any
			if err := json.Unmarshal(parameters, &tmp); err != nil {
				return fmt.Errorf("%w: parameters must be a JSON object", ErrInvalidParameters)
			}
			return nil
		}
	}
	e.Validators[kind] = v
}

// SubmitJob creates a job in state pending, owned by owner.
func (e *Engine) SubmitJob(ctx context.Context, owner, kind string, parameters json.RawMessage) (domain.Job, error) {
	if kind == "" {
		return domain.Job{}, fmt.Errorf("%w: kind is required", ErrInvalidParameters)
	}
	validate, ok := e.Validators[kind]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if len(parameters) == 0 {
		parameters = json.RawMessage("{}")
	}
	if err := validate(parameters); err != nil {
		if errors.Is(err, ErrInvalidParameters) {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	j := domain.Job{
		ID:         uuid.New().String(),
		Owner:      owner,
		Kind:       kind,
		Parameters: string(parameters),
		State:      domain.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertJob(ctx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.Audit.Append(ctx, "job.created", owner, "job", j.ID, repo.AuditPayload{"kind": kind}); err != nil {
		return domain.Job{}, err
	}
	if e.Notify != nil {
		e.Notify()
	}
	return j, nil
}

// GetJob returns a job the requester may see. A job owned by someone else
// looks exactly like a missing one.
func (e *Engine) GetJob(ctx context.Context, id string, requester domain.Principal) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Owner != requester.ID && !requester.Admin() {
		return domain.Job{}, repo.ErrNotFound
	}
	return j, nil
}

// ListJobs returns the requester's jobs, newest first. Administrators see
// every owner's jobs.
func (e *Engine) ListJobs(ctx context.Context, requester domain.Principal, f repo.JobFilters) ([]domain.Job, error) {
	if !requester.Admin() {
		f.Owner = requester.ID
	}
	return e.Repo.ListJobs(ctx, f)
}

// Transition applies a CAS state change and records it in the audit trail.
func (e *Engine) Transition(ctx context.Context, id string, from []string, to string, resultJSON, errorJSON *string) error {
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.TransitionJob(ctx, id, from, to, resultJSON, errorJSON, now); err != nil {
		return err
	}
	return e.Audit.Append(ctx, "job.state", "scheduler", "job", id, repo.AuditPayload{"from": from, "to": to})
}

// Cancel requests cooperative cancellation. Valid from pending or running;
// repeating a cancel once the job is cancelling or cancelled is a no-op
// success. Cancelling a completed or failed job fails with
// repo.ErrStaleTransition.
func (e *Engine) Cancel(ctx context.Context, id string, requester domain.Principal) (domain.Job, error) {
	j, err := e.GetJob(ctx, id, requester)
	if err != nil {
		return domain.Job{}, err
	}
	switch j.State {
	case domain.JobCancelling, domain.JobCancelled:
		return j, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	err = e.Repo.TransitionJob(ctx, id, []string{domain.JobPending, domain.JobRunning}, domain.JobCancelling, nil, nil, now)
	if err != nil {
		if errors.Is(err, repo.ErrStaleTransition) {
			// Lost the race; re-read to see whether another cancel won.
			cur, gerr := e.Repo.GetJob(ctx, id)
			if gerr == nil && (cur.State == domain.JobCancelling || cur.State == domain.JobCancelled) {
				return cur, nil
			}
		}
		return domain.Job{}, err
	}
	if err := e.Audit.Append(ctx, "job.cancel", requester.ID, "job", id, nil); err != nil {
		return domain.Job{}, err
	}
	if e.CancelSignal != nil {
		e.CancelSignal(id)
	}
	return e.Repo.GetJob(ctx, id)
}
