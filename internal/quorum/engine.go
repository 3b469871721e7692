// Package quorum decides peer-review outcomes as soon as they are mathematically certain.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Decision is the review status of a subject. Approved and Rejected are terminal.
type Decision string

const (
	Preliminary Decision = "preliminary"
	Approved    Decision = "approved"
	Rejected    Decision = "rejected"
)

var (
	ErrInvalidSize    = errors.New("quorum: size must be positive")
	ErrMissingStore   = errors.New("quorum: store is required")
	ErrMissingSubject = errors.New("quorum: subject is required")
)

// Final reports whether d can no longer change.
func (d Decision) Final() bool {
	return d == Approved || d == Rejected
}

// ParseDecision maps a stored status onto a Decision. Empty values are preliminary.
func ParseDecision(raw string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(raw))) {
	case Preliminary, "":
		return Preliminary, nil
	case Approved:
		return Approved, nil
	case Rejected:
		return Rejected, nil
	default:
		return "", fmt.Errorf("quorum: unknown decision %q", raw)
	}
}

// Tally counts the non-deleted responses for a subject.
type Tally struct {
	Approvals  int64
	Rejections int64
	Total      int64
}

// Outstanding returns how many responses are still missing to reach size.
func (t Tally) Outstanding(size int) int64 {
	remaining := int64(size) - t.Total
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Decide applies the early-decision rule for quorum size n with threshold n/2.
// Approval needs approvals > n/2. Rejection is certain once approvals plus every
// outstanding response cannot exceed n/2. Comparisons are done on 2x to keep odd n exact.
func Decide(size int, tally Tally) Decision {
	if size <= 0 {
		return Preliminary
	}
	n := int64(size)
	if 2*tally.Approvals > n {
		return Approved
	}
	if 2*(tally.Approvals+tally.Outstanding(size)) <= n {
		return Rejected
	}
	return Preliminary
}

// Store is the persistence the engine needs. FinalizeIfPreliminary must only change a
// subject whose status is still preliminary and report whether it did.
type Store interface {
	Tally(ctx context.Context, subject string) (Tally, error)
	FinalizeIfPreliminary(ctx context.Context, subject string, decision Decision) (bool, error)
}

// Publisher is told about decisions the engine recorded.
type Publisher interface {
	PublishDecision(ctx context.Context, subject string, decision Decision)
}

// Outcome is the result of one evaluation.
type Outcome struct {
	Subject   string
	Decision  Decision
	Tally     Tally
	Finalized bool
}

type EngineConfig struct {
	Size   int
	Logger *zap.Logger
}

type Engine struct {
	size   int
	logger *zap.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Size <= 0 {
		return nil, ErrInvalidSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{size: cfg.Size, logger: logger}, nil
}

func (e *Engine) Size() int {
	return e.size
}

// Evaluate recounts the subject and records a final decision when one is certain.
// Run it inside the transaction that wrote the triggering response so count and
// finalization see the same rows.
func (e *Engine) Evaluate(ctx context.Context, store Store, subject string) (Outcome, error) {
	if store == nil {
		return Outcome{}, ErrMissingStore
	}
	if strings.TrimSpace(subject) == "" {
		return Outcome{}, ErrMissingSubject
	}
	tally, err := store.Tally(ctx, subject)
	if err != nil {
		return Outcome{}, fmt.Errorf("quorum: tally %s: %w", subject, err)
	}
	outcome := Outcome{Subject: subject, Decision: Decide(e.size, tally), Tally: tally}
	if !outcome.Decision.Final() {
		return outcome, nil
	}
	finalized, err := store.FinalizeIfPreliminary(ctx, subject, outcome.Decision)
	if err != nil {
		return Outcome{}, fmt.Errorf("quorum: finalize %s: %w", subject, err)
	}
	outcome.Finalized = finalized
	if finalized {
		e.logger.Info("review decision finalized",
			zap.String("subject", subject),
			zap.String("decision", string(outcome.Decision)),
			zap.Int64("approvals", tally.Approvals),
			zap.Int64("rejections", tally.Rejections),
			zap.Int64("total", tally.Total),
			zap.Int("quorum", e.size))
	}
	return outcome, nil
}
