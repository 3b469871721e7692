// Package retry holds the retry policy shared by every reconnecting component.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxAttempts         = 5
	defaultInitialInterval     = time.Second
	defaultMaxInterval         = 30 * time.Second
	defaultMultiplier          = 2.0
	defaultRandomizationFactor = 0.1
)

// Policy bounds how often and how slowly a failing operation is retried.
type Policy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultPolicy mirrors the firehose reconnect schedule: 1s doubling up to 30s, five attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         defaultMaxAttempts,
		InitialInterval:     defaultInitialInterval,
		MaxInterval:         defaultMaxInterval,
		Multiplier:          defaultMultiplier,
		RandomizationFactor: defaultRandomizationFactor,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = 0
	}
	return p
}

// Attempts returns the normalized attempt bound.
func (p Policy) Attempts() int {
	return p.normalized().MaxAttempts
}

// NewBackOff builds an exponential backoff capped at MaxInterval.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	n := p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.InitialInterval
	b.MaxInterval = n.MaxInterval
	b.Multiplier = n.Multiplier
	b.RandomizationFactor = n.RandomizationFactor
	b.Reset()
	return b
}

// Notify is called before each wait with the error that triggered it.
type Notify func(err error, attempt int, wait time.Duration)

// Do runs op until it succeeds, fails fatally, exhausts the attempt bound or ctx ends.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify Notify) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsRetriable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.NewBackOff()),
		backoff.WithMaxTries(uint(p.Attempts())),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(err, attempt, wait)
			}
		}),
	)
	return err
}

type classifiedError struct {
	err       error
	retriable bool
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Retriable marks err as transient.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, retriable: true}
}

// Fatal marks err as permanent.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, retriable: false}
}

// IsRetriable reports whether err should be retried. The outermost mark wins; unmarked
// network errors and unexpected EOFs are transient; everything else, including context
// cancellation, is not.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retriable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
