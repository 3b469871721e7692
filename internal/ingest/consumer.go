// Package ingest runs the live, checkpointed consumer of a commit event stream.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/checkpoint"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/retry"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
	"go.uber.org/zap"
)

var (
	errMissingStreamID    = errors.New("ingest: stream id is required")
	errMissingSource      = errors.New("ingest: source is required")
	errMissingCheckpoints = errors.New("ingest: checkpoint store is required")
	errMissingApplier     = errors.New("ingest: applier is required")
)

// Applier projects one event.
type Applier interface {
	Apply(ctx context.Context, event stream.CommitEvent) error
}

// Checkpoints is the part of the checkpoint store the live consumer uses.
type Checkpoints interface {
	Get(ctx context.Context, streamID string) (checkpoint.State, error)
	Set(ctx context.Context, streamID string, position *int64, metadata checkpoint.Metadata) error
}

type ConsumerConfig struct {
	StreamID    string
	Source      stream.Source
	Checkpoints Checkpoints
	Applier     Applier
	Policy      retry.Policy
	Logger      *zap.Logger
}

// Status is a snapshot for health reporting.
type Status struct {
	StreamID            string
	State               ConnectionState
	Position            *int64
	ConsecutiveFailures int
}

// Consumer processes one stream strictly in order. A failing event is never skipped: the
// session is dropped and the event is retried after reconnecting, and once the retry
// budget is spent Run returns the error so the process can exit.
type Consumer struct {
	streamID    string
	source      stream.Source
	checkpoints Checkpoints
	applier     Applier
	policy      retry.Policy
	logger      *zap.Logger

	mu       sync.RWMutex
	state    ConnectionState
	position *int64
	failures int
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if strings.TrimSpace(cfg.StreamID) == "" {
		return nil, errMissingStreamID
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Checkpoints == nil {
		return nil, errMissingCheckpoints
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		streamID:    cfg.StreamID,
		source:      cfg.Source,
		checkpoints: cfg.Checkpoints,
		applier:     cfg.Applier,
		policy:      cfg.Policy,
		logger:      logger.With(zap.String("stream_id", cfg.StreamID)),
	}, nil
}

// Run consumes until ctx is cancelled, which returns nil after the in-flight event
// finishes, or until a fatal or exhausted failure, which is returned.
func (c *Consumer) Run(ctx context.Context) error {
	stored, err := c.checkpoints.Get(ctx, c.streamID)
	if err != nil {
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return nil
		}
		c.setState(StateFailed)
		return fmt.Errorf("ingest: load checkpoint: %w", err)
	}
	c.setPosition(stored.Position)
	c.logger.Info("stream consumer starting", zap.Int64p("position", stored.Position))

	backOff := c.policy.NewBackOff()
	failures := 0
	c.setState(StateConnecting)
	for {
		progressed, err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateStopped)
			c.logger.Info("stream consumer stopped", zap.Int64p("position", c.Status().Position))
			return nil
		}
		if progressed {
			failures = 0
			backOff.Reset()
		}
		if !errors.Is(err, stream.ErrClosed) && !retry.IsRetriable(err) {
			c.setState(StateFailed)
			c.logger.Error("stream consumer failed", zap.Error(err))
			return fmt.Errorf("ingest: fatal stream error: %w", err)
		}

		failures++
		c.setFailures(failures)
		if failures >= c.policy.Attempts() {
			c.setState(StateFailed)
			c.logger.Error("stream consumer giving up", zap.Int("attempts", failures), zap.Error(err))
			return fmt.Errorf("ingest: giving up after %d attempts: %w", failures, err)
		}

		wait := backOff.NextBackOff()
		c.setState(StateReconnecting)
		c.logger.Warn("stream session ended, reconnecting",
			zap.Int("attempt", failures),
			zap.Duration("wait", wait),
			zap.Error(err))
		if !sleep(ctx, wait) {
			c.setState(StateStopped)
			return nil
		}
	}
}

// session reads one subscription. progressed reports whether at least one event was
// applied and acknowledged.
func (c *Consumer) session(ctx context.Context) (bool, error) {
	sub, err := c.source.Subscribe(ctx, c.Status().Position)
	if err != nil {
		return false, err
	}
	defer func() {
		if closeErr := sub.Close(); closeErr != nil {
			c.logger.Debug("closing subscription failed", zap.Error(closeErr))
		}
	}()
	c.setState(StateConnected)

	progressed := false
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return progressed, nil
		case event, ok := <-events:
			if !ok {
				if err := sub.Err(); err != nil {
					return progressed, err
				}
				return progressed, stream.ErrClosed
			}
			if ctx.Err() != nil {
				return progressed, nil
			}
			if err := c.handle(ctx, event); err != nil {
				return progressed, err
			}
			progressed = true
		}
	}
}

// handle applies an event and then acknowledges its position. Cancellation of ctx does not
// interrupt either step.
func (c *Consumer) handle(ctx context.Context, event stream.CommitEvent) error {
	workCtx := context.WithoutCancel(ctx)
	if err := c.applier.Apply(workCtx, event); err != nil {
		return retry.Retriable(fmt.Errorf("ingest: apply %s: %w", event.URI(), err))
	}
	position, ok := event.Position()
	if !ok {
		return nil
	}
	if err := c.checkpoints.Set(workCtx, c.streamID, &position, checkpoint.Metadata{}); err != nil {
		return retry.Retriable(fmt.Errorf("ingest: save checkpoint %d: %w", position, err))
	}
	c.setPosition(&position)
	return nil
}

func (c *Consumer) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status := Status{StreamID: c.streamID, State: c.state, ConsecutiveFailures: c.failures}
	if c.position != nil {
		position := *c.position
		status.Position = &position
	}
	return status
}

func (c *Consumer) setState(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	if state == StateConnected {
		c.failures = 0
	}
	c.mu.Unlock()
}

func (c *Consumer) setFailures(failures int) {
	c.mu.Lock()
	c.failures = failures
	c.mu.Unlock()
}

func (c *Consumer) setPosition(position *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if position == nil {
		c.position = nil
		return
	}
	value := *position
	c.position = &value
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
