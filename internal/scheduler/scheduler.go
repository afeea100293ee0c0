// Package scheduler claims pending jobs, runs their handlers on a bounded
// worker pool, and persists the terminal transition for each.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"glow/internal/config"
	"glow/internal/domain"
	"glow/internal/engine"
	"glow/internal/metrics"
	"glow/internal/repo"
)

// Handler executes one job kind. Run must honour ctx cancellation; a handler
// that ignores it keeps its worker slot until it returns on its own.
type Handler interface {
	Run(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Run(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error) {
	return f(ctx, parameters)
}

type Scheduler struct {
	Engine   *engine.Engine
	Config   *config.Config
	Metrics  *metrics.Metrics
	Handlers map[string]Handler

	slots chan struct{}
	wake  chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(eng *engine.Engine, cfg *config.Config, m *metrics.Metrics) *Scheduler {
	s := &Scheduler{
		Engine:   eng,
		Config:   cfg,
		Metrics:  m,
		Handlers: map[string]Handler{},
		slots:    make(chan struct{}, cfg.Scheduler.Workers),
		wake:     make(chan struct{}, 1),
		cancels:  map[string]context.CancelFunc{},
	}
	eng.Notify = s.Wake
	eng.CancelSignal = s.RequestCancel
	return s
}

// RegisterHandler binds a handler to a job kind and registers the kind with
// the engine so submissions for it are accepted.
func (s *Scheduler) RegisterHandler(kind string, h Handler, v engine.ParamValidator) {
	s.Handlers[kind] = h
	s.Engine.RegisterKind(kind, v)
}

// Wake nudges the admission loop without waiting for the next poll tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RequestCancel interrupts the handler of a running job, if this process is
// executing it. The state change to cancelling has already been persisted by
// the caller; this only propagates it to the handler's context.
func (s *Scheduler) RequestCancel(jobID string) {
	s.mu.Lock()
	cancel := s.cancels[jobID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives admission until ctx is cancelled, then waits for in-flight
// handlers to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Config.PollInterval())
	defer ticker.Stop()
	for {
		s.sweepCancelling(ctx)
		s.admit(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// sweepCancelling finalizes cancelling jobs no handler is executing, which
// covers jobs cancelled before admission. Jobs with a live handler in this
// process reach cancelled through their own finish path.
func (s *Scheduler) sweepCancelling(ctx context.Context) {
	jobs, err := s.Engine.Repo.ListJobs(ctx, repo.JobFilters{State: domain.JobCancelling})
	if err != nil {
		log.Printf("scheduler: list cancelling: %v", err)
		return
	}
	for _, j := range jobs {
		s.mu.Lock()
		_, executing := s.cancels[j.ID]
		s.mu.Unlock()
		if executing {
			continue
		}
		err := s.Engine.Transition(ctx, j.ID, []string{domain.JobCancelling}, domain.JobCancelled, nil, nil)
		if err != nil && !errors.Is(err, repo.ErrStaleTransition) && !errors.Is(err, repo.ErrNotFound) {
			log.Printf("scheduler: finalize cancel %s: %v", j.ID, err)
		}
	}
}

// admit claims pending jobs FIFO while free slots remain.
func (s *Scheduler) admit(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s.slots <- struct{}{}:
		default:
			return
		}
		job, ok := s.claim(ctx)
		if !ok {
			<-s.slots
			return
		}
		// The handler context is detached from the admission context so
		// shutdown does not abort a handler mid-flight. It is registered
		// here, before the worker starts, so the cancelling sweep never
		// mistakes a claimed job for an orphan.
		runCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancels[job.ID] = cancel
		s.mu.Unlock()
		s.mark(1)
		s.wg.Add(1)
		go func(j domain.Job) {
			defer s.wg.Done()
			defer func() {
				<-s.slots
				s.mark(-1)
			}()
			s.execute(runCtx, cancel, j)
		}(job)
	}
}

// claim takes the oldest pending job via CAS. A lost race means another
// worker got there first; try the next one.
func (s *Scheduler) claim(ctx context.Context) (domain.Job, bool) {
	for {
		job, err := s.Engine.Repo.NextPendingJob(ctx)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				log.Printf("scheduler: next pending: %v", err)
			}
			s.observeQueue(ctx)
			return domain.Job{}, false
		}
		err = s.Engine.Transition(ctx, job.ID, []string{domain.JobPending}, domain.JobRunning, nil, nil)
		if err == nil {
			job.State = domain.JobRunning
			s.observeQueue(ctx)
			return job, true
		}
		if errors.Is(err, repo.ErrStaleTransition) || errors.Is(err, repo.ErrNotFound) {
			continue
		}
		log.Printf("scheduler: claim %s: %v", job.ID, err)
		return domain.Job{}, false
	}
}

func (s *Scheduler) execute(runCtx context.Context, cancel context.CancelFunc, job domain.Job) {
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, job.ID)
		s.mu.Unlock()
	}()

	if timeout := s.Config.KindTimeout(job.Kind); timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			err := s.Engine.Transition(context.Background(), job.ID, []string{domain.JobRunning}, domain.JobCancelling, nil, nil)
			if err == nil || errors.Is(err, repo.ErrStaleTransition) {
				cancel()
			}
		})
		defer timer.Stop()
	}

	h := s.Handlers[job.Kind]
	started := time.Now()
	var result json.RawMessage
	var runErr error
	if h == nil {
		runErr = fmt.Errorf("no handler registered for kind %s", job.Kind)
	} else {
		result, runErr = h.Run(runCtx, json.RawMessage(job.Parameters))
	}
	elapsed := time.Since(started)

	state := s.finish(job, result, runErr, runCtx.Err() != nil)
	if s.Metrics != nil {
		s.Metrics.JobDuration.WithLabelValues(job.Kind).Observe(elapsed.Seconds())
		if state != "" {
			s.Metrics.JobsFinished.WithLabelValues(job.Kind, state).Inc()
		}
	}
}

// finish persists the terminal state and returns it. A cancelled handler
// context plus a persisted cancelling state yields cancelled; otherwise the
// handler's own outcome decides between completed and failed.
func (s *Scheduler) finish(job domain.Job, result json.RawMessage, runErr error, interrupted bool) string {
	from := []string{domain.JobRunning, domain.JobCancelling}
	if interrupted {
		if err := s.persist(job.ID, []string{domain.JobCancelling}, domain.JobCancelled, nil, nil); err == nil {
			return domain.JobCancelled
		}
		// The job was never moved to cancelling (handler aborted on its own
		// terms); fall through to the normal outcome.
	}
	if runErr != nil {
		payload, _ := json.Marshal(map[string]string{"message": runErr.Error()})
		errJSON := string(payload)
		if err := s.persist(job.ID, from, domain.JobFailed, nil, &errJSON); err != nil {
			log.Printf("scheduler: job %s: persist failed state: %v", job.ID, err)
			return ""
		}
		return domain.JobFailed
	}
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	resJSON := string(result)
	if err := s.persist(job.ID, from, domain.JobCompleted, &resJSON, nil); err != nil {
		log.Printf("scheduler: job %s: persist completed state: %v", job.ID, err)
		return ""
	}
	return domain.JobCompleted
}

// persist retries the terminal transition with bounded exponential backoff.
// Stale transitions are not retried; the state machine has already moved on.
func (s *Scheduler) persist(jobID string, from []string, to string, resultJSON, errorJSON *string) error {
	retries := s.Config.Scheduler.TransitionRetries
	backoff := s.Config.TransitionBackoff()
	var err error
	for attempt := 0; ; attempt++ {
		err = s.Engine.Transition(context.Background(), jobID, from, to, resultJSON, errorJSON)
		if err == nil || errors.Is(err, repo.ErrStaleTransition) || errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if attempt >= retries {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (s *Scheduler) mark(delta float64) {
	if s.Metrics != nil {
		s.Metrics.BusySlots.Add(delta)
	}
}

func (s *Scheduler) observeQueue(ctx context.Context) {
	if s.Metrics == nil {
		return
	}
	counts, err := s.Engine.Repo.CountJobsByState(ctx)
	if err != nil {
		return
	}
	s.Metrics.QueueDepth.Set(float64(counts[domain.JobPending]))
}
