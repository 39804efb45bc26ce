package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/traineehub/notify/internal/domain/history"
	"github.com/traineehub/notify/internal/platform/db"
)

// processLockName is the shared lease that elects the claiming replica.
const processLockName = "notification-scheduler"

// retryBackoff is the capped schedule applied to transient dispatch
// failures, indexed by attempt.
var retryBackoff = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

func backoffFor(attempt int) time.Duration {
	if attempt >= len(retryBackoff) {
		return retryBackoff[len(retryBackoff)-1]
	}
	return retryBackoff[attempt]
}

// transient is implemented by errors worth a retry.
type transient interface {
	IsTransient() bool
}

func isTransient(err error) bool {
	var t transient
	if errors.As(err, &t) {
		return t.IsTransient()
	}
	return false
}

// Dispatcher executes a fired trigger. Dispatch returns a transient error to
// request a retry; Abandon records the terminal failure once retries are
// exhausted.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *Trigger) error
	Abandon(ctx context.Context, t *Trigger, cause error)
}

// Options are the scheduler tunables.
type Options struct {
	MinDelay     time.Duration
	PollInterval time.Duration
	LockTTL      time.Duration
	Concurrency  int
	MaxAttempts  int
}

// Scheduler owns the trigger table: idempotent scheduling, cancellation and
// the claim-and-run fire loop.
type Scheduler struct {
	triggers   TriggerRepository
	locks      ProcessLockRepository
	hist       *history.Service
	pool       *pgxpool.Pool
	dispatcher Dispatcher
	opts       Options
	logger     zerolog.Logger

	owner  string
	now    func() time.Time
	jitter func(bound time.Duration) time.Duration

	jobs chan *Trigger
	wg   sync.WaitGroup
}

func New(triggers TriggerRepository, locks ProcessLockRepository, hist *history.Service, pool *pgxpool.Pool, dispatcher Dispatcher, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Scheduler{
		triggers:   triggers,
		locks:      locks,
		hist:       hist,
		pool:       pool,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		owner:      uuid.New().String(),
		now:        time.Now,
		jitter: func(bound time.Duration) time.Duration {
			if bound <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(bound)))
		},
		jobs: make(chan *Trigger),
	}
}

// inTx runs fn transactionally when a pool is present, directly otherwise.
func (s *Scheduler) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, s.pool, fn)
}

// Schedule arms a trigger and its SCHEDULED history row in one transaction.
// Idempotent on jobID: re-scheduling replaces the trigger and leaves an
// existing history row alone. Fire times inside the minimum delay are pushed
// out to now+minDelay; later ones get a uniform jitter in [0, jitterBound).
func (s *Scheduler) Schedule(ctx context.Context, jobID string, fireAt time.Time, payload Payload, jitterBound time.Duration) error {
	now := s.now()
	earliest := now.Add(s.opts.MinDelay)
	if !fireAt.After(earliest) {
		fireAt = earliest
	} else {
		fireAt = fireAt.Add(s.jitter(jitterBound))
	}

	return s.inTx(ctx, func(ctx context.Context) error {
		trig := &Trigger{JobID: jobID, FireAt: fireAt, Payload: payload}
		if err := s.triggers.Upsert(ctx, trig); err != nil {
			return fmt.Errorf("upsert trigger %s: %w", jobID, err)
		}

		_, err := s.hist.Get(ctx, jobID)
		if errors.Is(err, history.ErrNotFound) {
			rec := &history.History{
				ID:        jobID,
				TraineeID: payload.TraineeID,
				Ref:       payload.Ref,
				Type:      payload.Type,
				Recipient: payload.Recipient,
				Template:  payload.Template,
				SentAt:    fireAt,
				Status:    history.StatusScheduled,
			}
			return s.hist.Save(ctx, rec)
		}
		return err
	})
}

// Cancel removes a trigger and deletes its SCHEDULED history row. A job
// mid-fire on any replica keeps its lease, so cancel quietly does nothing
// and the dispatch completes normally.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	removed, err := s.triggers.Delete(ctx, jobID, s.now())
	if err != nil {
		return fmt.Errorf("delete trigger %s: %w", jobID, err)
	}
	if !removed {
		return nil
	}

	rec, err := s.hist.Get(ctx, jobID)
	if errors.Is(err, history.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != history.StatusScheduled {
		return nil
	}
	return s.hist.Delete(ctx, jobID)
}

// Run starts the worker pool, drains overdue triggers missed during
// downtime, then polls for due work until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for i := 0; i < s.opts.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.drainOverdue(ctx)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(s.jobs)
			s.wg.Wait()
			if err := s.locks.Release(context.Background(), processLockName, s.owner); err != nil {
				s.logger.Warn().Err(err).Msg("process lock release failed")
			}
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	held, err := s.locks.Acquire(ctx, processLockName, s.owner, s.opts.LockTTL, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("process lock acquire failed")
		return
	}
	if !held {
		return
	}

	claimed, err := s.triggers.Claim(ctx, s.owner, s.opts.Concurrency*2, s.opts.LockTTL, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("trigger claim failed")
		return
	}
	for _, trig := range claimed {
		select {
		case s.jobs <- trig:
		case <-ctx.Done():
			return
		}
	}
}

// drainOverdue claims everything already due so milestones missed during
// downtime fire immediately on startup.
func (s *Scheduler) drainOverdue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		held, err := s.locks.Acquire(ctx, processLockName, s.owner, s.opts.LockTTL, s.now())
		if err != nil || !held {
			return
		}
		claimed, err := s.triggers.Claim(ctx, s.owner, s.opts.Concurrency*2, s.opts.LockTTL, s.now())
		if err != nil {
			s.logger.Error().Err(err).Msg("overdue drain claim failed")
			return
		}
		if len(claimed) == 0 {
			return
		}
		s.logger.Info().Int("count", len(claimed)).Msg("draining overdue triggers")
		for _, trig := range claimed {
			select {
			case s.jobs <- trig:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for trig := range s.jobs {
		s.fire(ctx, trig)
	}
}

func (s *Scheduler) fire(ctx context.Context, trig *Trigger) {
	err := s.dispatcher.Dispatch(ctx, trig)
	switch {
	case err == nil:
		if err := s.triggers.Complete(ctx, trig.JobID, s.owner); err != nil {
			s.logger.Error().Err(err).Str("jobId", trig.JobID).Msg("trigger completion failed")
		}
	case isTransient(err) && trig.Attempt+1 < s.opts.MaxAttempts:
		fireAt := s.now().Add(backoffFor(trig.Attempt))
		s.logger.Warn().Err(err).
			Str("jobId", trig.JobID).
			Int("attempt", trig.Attempt+1).
			Time("retryAt", fireAt).
			Msg("dispatch failed, retrying")
		if err := s.triggers.Reschedule(ctx, trig.JobID, s.owner, fireAt, trig.Attempt+1); err != nil {
			s.logger.Error().Err(err).Str("jobId", trig.JobID).Msg("trigger reschedule failed")
		}
	default:
		s.logger.Error().Err(err).Str("jobId", trig.JobID).Msg("dispatch failed permanently")
		s.dispatcher.Abandon(ctx, trig, err)
		if err := s.triggers.Complete(ctx, trig.JobID, s.owner); err != nil {
			s.logger.Error().Err(err).Str("jobId", trig.JobID).Msg("trigger completion failed")
		}
	}
}
