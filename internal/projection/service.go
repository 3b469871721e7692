// Package projection turns commit events into relational state.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/mirror"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/quorum"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMirrorQueueSize = 64

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingQuorum   = errors.New("quorum engine is required")
	ErrNotFound        = errors.New("projection: record not found")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "projection.service.new"
	opApply       = "projection.apply"
	opMirror      = "projection.mirror"
	opReviewState = "projection.review_status"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Mirror publishes a record to the secondary network.
type Mirror interface {
	Mirror(ctx context.Context, request mirror.Request) (mirror.Result, error)
}

type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	Quorum          *quorum.Engine
	Publisher       quorum.Publisher
	Mirror          Mirror
	MirrorQueueSize int
	Logger          *zap.Logger
}

// Service applies commit events. Each event is one transaction covering the record write,
// aggregate recounts and quorum evaluation. Decisions are published and mirroring is queued
// only after the transaction commits.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	quorum    *quorum.Engine
	publisher quorum.Publisher
	mirror    Mirror
	jobs      chan mirrorJob
	router    *router
	logger    *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Quorum == nil {
		return nil, newServiceError(opServiceNew, "missing_quorum", errMissingQuorum)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	service := &Service{
		db:        cfg.Database,
		clock:     clock,
		quorum:    cfg.Quorum,
		publisher: cfg.Publisher,
		mirror:    cfg.Mirror,
		router:    newRouter(),
		logger:    logger,
	}
	if cfg.Mirror != nil {
		size := cfg.MirrorQueueSize
		if size <= 0 {
			size = defaultMirrorQueueSize
		}
		service.jobs = make(chan mirrorJob, size)
	}
	return service, nil
}

// Handles reports whether recordType has a registered handler.
func (s *Service) Handles(recordType string) bool {
	_, ok := s.router.handlers[recordType]
	return ok
}

// Apply projects one event. Unknown record types and payloads that fail validation are
// logged and skipped; only storage failures are returned.
func (s *Service) Apply(ctx context.Context, event stream.CommitEvent) error {
	entry, ok := s.router.handlers[event.RecordType]
	if !ok {
		s.logger.Debug("ignoring unhandled record type", zap.String("record_type", event.RecordType))
		return nil
	}

	uri := event.URI()
	var payload Payload
	if event.Operation != stream.OperationDelete {
		decoded, err := DecodePayload(event.RecordType, event.Record)
		if err != nil {
			s.logger.Warn("skipping invalid record payload",
				zap.String("uri", uri),
				zap.String("operation", string(event.Operation)),
				zap.Error(err))
			return nil
		}
		payload = decoded
	}

	scope := &applyScope{
		meta: recordMeta{
			URI:        uri,
			CID:        event.CID,
			OwnerDID:   event.Repo,
			RecordKey:  event.RecordKey,
			RecordType: event.RecordType,
			IndexedAt:  s.clock().UTC(),
		},
		service: s,
	}

	reason := "upsert_failed"
	if event.Operation == stream.OperationDelete {
		reason = "delete_failed"
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope.ctx = ctx
		scope.tx = tx
		scope.effects = effects{}
		if event.Operation == stream.OperationDelete {
			return entry.remove(scope)
		}
		return entry.upsert(scope, payload)
	})
	if txErr != nil {
		s.logError(opApply, reason, txErr,
			zap.String("uri", uri),
			zap.String("record_type", event.RecordType))
		return newServiceError(opApply, reason, txErr)
	}

	s.afterCommit(ctx, scope.effects)
	return nil
}

func (s *Service) afterCommit(ctx context.Context, fx effects) {
	for _, outcome := range fx.decisions {
		if s.publisher != nil {
			s.publisher.PublishDecision(ctx, outcome.Subject, outcome.Decision)
		}
	}
	for _, job := range fx.mirrors {
		s.enqueueMirror(job)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("projection operation failed", allFields...)
}
