// Package backfill replays a stream from a dedicated checkpoint until it goes quiet.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/checkpoint"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/retry"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 100
	defaultMaxBatches  = 100
	defaultIdleTimeout = 10 * time.Second
	defaultLeaseTTL    = 2 * time.Minute
	minIdleTick        = 10 * time.Millisecond
)

var (
	ErrMissingID      = errors.New("backfill: checkpoint id is required")
	ErrClaimLost      = errors.New("backfill: claim was taken over by another runner")
	errMissingSource  = errors.New("backfill: source is required")
	errMissingStore   = errors.New("backfill: checkpoint store is required")
	errMissingApplier = errors.New("backfill: applier is required")
	errIdle           = errors.New("backfill: source went idle")
)

// StopReason says why a run ended.
type StopReason string

const (
	StopIdle         StopReason = "idle"
	StopCaughtUp     StopReason = "caught_up"
	StopSourceClosed StopReason = "source_closed"
	StopMaxBatches   StopReason = "max_batches"
	StopFailed       StopReason = "failed"
)

// Applier projects one event.
type Applier interface {
	Apply(ctx context.Context, event stream.CommitEvent) error
}

// Checkpoints is the part of the checkpoint store the runner needs.
type Checkpoints interface {
	Get(ctx context.Context, streamID string) (checkpoint.State, error)
	WithLock(ctx context.Context, streamID string, fn checkpoint.LockedFunc) (checkpoint.State, error)
}

type RunnerConfig struct {
	Source      stream.Source
	Checkpoints Checkpoints
	Applier     Applier
	DefaultID   string
	BatchSize   int
	MaxBatches  int
	IdleTimeout time.Duration
	LeaseTTL    time.Duration
	Policy      retry.Policy
	Clock       func() time.Time
	NewOwner    func() string
	Logger      *zap.Logger
}

// Request selects the checkpoint to run against. Zero values fall back to the runner defaults.
type Request struct {
	ID         string
	MaxBatches int
}

// Result reports what a run did. InProgress means another run holds the claim and nothing was done.
type Result struct {
	ID              string
	Position        *int64
	Processed       int64
	Batches         int
	Finished        bool
	AlreadyFinished bool
	InProgress      bool
	StopReason      StopReason
}

// Runner executes backfill runs. At most one run per checkpoint id is active at a time:
// in-process through a per-id lock and across processes through a leased claim stored in
// the checkpoint metadata.
type Runner struct {
	source      stream.Source
	checkpoints Checkpoints
	applier     Applier
	defaultID   string
	batchSize   int
	maxBatches  int
	idleTimeout time.Duration
	leaseTTL    time.Duration
	policy      retry.Policy
	clock       func() time.Time
	newOwner    func() string
	logger      *zap.Logger

	locks sync.Map
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Checkpoints == nil {
		return nil, errMissingStore
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	runner := &Runner{
		source:      cfg.Source,
		checkpoints: cfg.Checkpoints,
		applier:     cfg.Applier,
		defaultID:   strings.TrimSpace(cfg.DefaultID),
		batchSize:   cfg.BatchSize,
		maxBatches:  cfg.MaxBatches,
		idleTimeout: cfg.IdleTimeout,
		leaseTTL:    cfg.LeaseTTL,
		policy:      cfg.Policy,
		clock:       cfg.Clock,
		newOwner:    cfg.NewOwner,
		logger:      cfg.Logger,
	}
	if runner.batchSize <= 0 {
		runner.batchSize = defaultBatchSize
	}
	if runner.maxBatches <= 0 {
		runner.maxBatches = defaultMaxBatches
	}
	if runner.idleTimeout <= 0 {
		runner.idleTimeout = defaultIdleTimeout
	}
	if runner.leaseTTL <= 0 {
		runner.leaseTTL = defaultLeaseTTL
	}
	if runner.clock == nil {
		runner.clock = time.Now
	}
	if runner.newOwner == nil {
		runner.newOwner = newOwnerID
	}
	if runner.logger == nil {
		runner.logger = zap.NewNop()
	}
	return runner, nil
}

// DefaultID is the checkpoint id used when a request names none.
func (r *Runner) DefaultID() string {
	return r.defaultID
}

// Status reads the checkpoint without claiming it.
func (r *Runner) Status(ctx context.Context, id string) (Result, error) {
	id = r.resolveID(id)
	if id == "" {
		return Result{}, ErrMissingID
	}
	state, err := r.checkpoints.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return Result{
		ID:         id,
		Position:   state.Position,
		Processed:  state.Metadata.Processed,
		Finished:   state.Metadata.Finished,
		InProgress: state.Metadata.LeaseActive(r.clock()),
	}, nil
}

// Run replays the source from the stored position. Events are applied one at a time and
// the position is committed every batch. The run ends finished when the source goes idle,
// signals the end of its backlog or closes cleanly; it ends unfinished after the batch limit.
// On failure the last successfully applied position is kept and the error is returned.
func (r *Runner) Run(ctx context.Context, request Request) (Result, error) {
	id := r.resolveID(request.ID)
	if id == "" {
		return Result{}, ErrMissingID
	}
	maxBatches := request.MaxBatches
	if maxBatches <= 0 {
		maxBatches = r.maxBatches
	}

	lock := r.lockFor(id)
	if !lock.TryLock() {
		return Result{ID: id, InProgress: true}, nil
	}
	defer lock.Unlock()

	logger := r.logger.With(zap.String("backfill_id", id))
	owner := r.newOwner()
	claim, outcome, err := r.claim(ctx, id, owner)
	if err != nil {
		return Result{ID: id}, err
	}
	switch outcome {
	case claimFinished:
		return Result{ID: id, Position: claim.Position, Finished: true, AlreadyFinished: true}, nil
	case claimBusy:
		return Result{ID: id, Position: claim.Position, InProgress: true}, nil
	}

	run := &runState{
		id:         id,
		owner:      owner,
		maxBatches: maxBatches,
		position:   claim.Position,
		logger:     logger,
	}
	logger.Info("backfill started", zap.Int64p("position", claim.Position), zap.Int("max_batches", maxBatches))

	reason, runErr := r.replay(ctx, run)
	finished := runErr == nil && reason != StopMaxBatches
	if runErr != nil {
		reason = StopFailed
	}

	final, commitErr := r.commit(context.WithoutCancel(ctx), run, true, finished)
	if commitErr != nil {
		logger.Error("backfill final commit failed", zap.Error(commitErr))
		if runErr == nil {
			runErr = commitErr
		}
	}

	result := Result{
		ID:         id,
		Position:   run.position,
		Processed:  run.processed,
		Batches:    run.batches,
		Finished:   commitErr == nil && finished,
		StopReason: reason,
	}
	if commitErr == nil {
		result.Position = final.Position
	}
	if runErr != nil {
		logger.Warn("backfill stopped with error",
			zap.Int64p("position", result.Position),
			zap.Int64("processed", run.processed),
			zap.Error(runErr))
		return result, runErr
	}
	logger.Info("backfill stopped",
		zap.String("reason", string(reason)),
		zap.Bool("finished", result.Finished),
		zap.Int64p("position", result.Position),
		zap.Int64("processed", run.processed),
		zap.Int("batches", run.batches))
	return result, nil
}

type runState struct {
	id         string
	owner      string
	maxBatches int
	logger     *zap.Logger

	position    *int64
	pending     *int64
	processed   int64
	uncommitted int64
	inBatch     int
	batches     int
}

type claimOutcome int

const (
	claimAcquired claimOutcome = iota
	claimFinished
	claimBusy
)

func (r *Runner) claim(ctx context.Context, id, owner string) (checkpoint.State, claimOutcome, error) {
	outcome := claimAcquired
	state, err := r.checkpoints.WithLock(ctx, id, func(_ context.Context, current checkpoint.State) (checkpoint.Mutation, error) {
		now := r.clock()
		if current.Metadata.Finished {
			outcome = claimFinished
			return checkpoint.Unchanged, nil
		}
		if current.Metadata.LeaseActive(now) && current.Metadata.Owner != owner {
			outcome = claimBusy
			return checkpoint.Unchanged, nil
		}
		metadata := current.Metadata
		metadata.Owner = owner
		leaseUntil := now.Add(r.leaseTTL).UTC()
		metadata.LeaseUntil = &leaseUntil
		return checkpoint.Mutation{Metadata: &metadata}, nil
	})
	if err != nil {
		return checkpoint.State{}, claimAcquired, fmt.Errorf("backfill: claim %s: %w", id, err)
	}
	return state, outcome, nil
}

// commit persists the pending position under the claim. A final commit releases the claim.
func (r *Runner) commit(ctx context.Context, run *runState, final, finished bool) (checkpoint.State, error) {
	uncommitted := run.uncommitted
	state, err := r.checkpoints.WithLock(ctx, run.id, func(_ context.Context, current checkpoint.State) (checkpoint.Mutation, error) {
		if current.Metadata.Owner != run.owner {
			return checkpoint.Unchanged, ErrClaimLost
		}
		metadata := current.Metadata
		metadata.Processed += uncommitted
		if final {
			metadata.Owner = ""
			metadata.LeaseUntil = nil
			metadata.Finished = finished
		} else {
			leaseUntil := r.clock().Add(r.leaseTTL).UTC()
			metadata.LeaseUntil = &leaseUntil
		}
		return checkpoint.Mutation{Position: run.pending, Metadata: &metadata}, nil
	})
	if err != nil {
		return checkpoint.State{}, fmt.Errorf("backfill: commit %s: %w", run.id, err)
	}
	run.uncommitted -= uncommitted
	run.position = state.Position
	return state, nil
}

func (r *Runner) replay(ctx context.Context, run *runState) (StopReason, error) {
	sessionCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	resumeFrom := run.position
	if resumeFrom == nil {
		resumeFrom = checkpoint.Int64(0)
	}

	var sub stream.Subscription
	err := r.policy.Do(sessionCtx, func(ctx context.Context) error {
		var subscribeErr error
		sub, subscribeErr = r.source.Subscribe(ctx, resumeFrom)
		return subscribeErr
	}, func(err error, attempt int, wait time.Duration) {
		run.logger.Warn("backfill subscribe failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return StopFailed, fmt.Errorf("backfill: subscribe: %w", err)
	}
	defer func() {
		if closeErr := sub.Close(); closeErr != nil {
			run.logger.Debug("closing backfill subscription failed", zap.Error(closeErr))
		}
	}()

	var caughtUp <-chan struct{}
	if notifier, ok := sub.(stream.BacklogNotifier); ok {
		caughtUp = notifier.CaughtUp()
	}

	watch := newIdleWatch(r.clock, r.idleTimeout)
	go watch.supervise(sessionCtx, cancel)

	events := sub.Events()
	for {
		select {
		case <-sessionCtx.Done():
			return sessionEnded(ctx, sessionCtx)
		case <-caughtUp:
			return StopCaughtUp, nil
		case event, ok := <-events:
			if !ok {
				if sessionCtx.Err() != nil {
					return sessionEnded(ctx, sessionCtx)
				}
				err := sub.Err()
				if err == nil || errors.Is(err, stream.ErrClosed) {
					return StopSourceClosed, nil
				}
				return StopFailed, fmt.Errorf("backfill: stream: %w", err)
			}
			watch.begin()
			err := r.applier.Apply(context.WithoutCancel(ctx), event)
			watch.end()
			if err != nil {
				return StopFailed, fmt.Errorf("backfill: apply %s: %w", event.URI(), err)
			}
			run.processed++
			run.uncommitted++
			if position, ok := event.Position(); ok {
				run.pending = &position
			}
			run.inBatch++
			if run.inBatch < r.batchSize {
				continue
			}
			if _, err := r.commit(ctx, run, false, false); err != nil {
				return StopFailed, err
			}
			run.inBatch = 0
			run.batches++
			run.logger.Debug("backfill batch committed",
				zap.Int("batch", run.batches),
				zap.Int64p("position", run.position))
			if run.batches >= run.maxBatches {
				return StopMaxBatches, nil
			}
		}
	}
}

func sessionEnded(ctx, sessionCtx context.Context) (StopReason, error) {
	if ctx.Err() == nil && errors.Is(context.Cause(sessionCtx), errIdle) {
		return StopIdle, nil
	}
	if err := ctx.Err(); err != nil {
		return StopFailed, err
	}
	return StopFailed, context.Cause(sessionCtx)
}

func (r *Runner) resolveID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return r.defaultID
	}
	return id
}

func (r *Runner) lockFor(id string) *sync.Mutex {
	lock, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func newOwnerID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// idleWatch cancels a session when no event arrived for the timeout. Time spent applying
// an event does not count as idle.
type idleWatch struct {
	clock   func() time.Time
	timeout time.Duration
	last    atomic.Int64
	busy    atomic.Bool
}

func newIdleWatch(clock func() time.Time, timeout time.Duration) *idleWatch {
	watch := &idleWatch{clock: clock, timeout: timeout}
	watch.last.Store(clock().UnixNano())
	return watch
}

func (w *idleWatch) begin() {
	w.busy.Store(true)
	w.last.Store(w.clock().UnixNano())
}

func (w *idleWatch) end() {
	w.last.Store(w.clock().UnixNano())
	w.busy.Store(false)
}

func (w *idleWatch) supervise(ctx context.Context, cancel context.CancelCauseFunc) {
	tick := w.timeout / 4
	if tick < minIdleTick {
		tick = minIdleTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.busy.Load() {
				continue
			}
			if w.clock().Sub(time.Unix(0, w.last.Load())) >= w.timeout {
				cancel(errIdle)
				return
			}
		}
	}
}
