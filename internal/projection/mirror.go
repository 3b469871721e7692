package projection

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/mirror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mirrorKind string

const (
	mirrorBallot   mirrorKind = "ballot"
	mirrorArgument mirrorKind = "argument"
)

type mirrorJob struct {
	kind mirrorKind
	uri  string
}

// enqueueMirror never blocks the projection path. A dropped job is retried the next time
// the record is written, since only records without an external id are queued.
func (s *Service) enqueueMirror(job mirrorJob) {
	if s.jobs == nil {
		return
	}
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("mirror queue full, dropping job",
			zap.String("uri", job.uri),
			zap.String("kind", string(job.kind)))
	}
}

// RunMirror drains queued mirror jobs until ctx is done. It returns immediately when no
// mirror is configured.
func (s *Service) RunMirror(ctx context.Context) error {
	if s.jobs == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-s.jobs:
			if err := s.mirrorRecord(ctx, job); err != nil && ctx.Err() == nil {
				s.logError(opMirror, "mirror_failed", err,
					zap.String("uri", job.uri),
					zap.String("kind", string(job.kind)))
			}
		}
	}
}

// mirrorRecord rebuilds the request from the stored row so a record is mirrored at most
// once and never after it was deleted.
func (s *Service) mirrorRecord(ctx context.Context, job mirrorJob) error {
	db := s.db.WithContext(ctx)
	var (
		request mirror.Request
		model   interface{}
	)
	switch job.kind {
	case mirrorBallot:
		var ballot Ballot
		if err := db.Where("uri = ?", job.uri).Take(&ballot).Error; err != nil {
			return ignoreMissing(err)
		}
		if ballot.Deleted || ballot.MirrorURI != nil {
			return nil
		}
		request = mirror.Request{SourceURI: ballot.URI, Title: ballot.Title, Body: derefString(ballot.Text), CreatedAt: ballot.RecordCreatedAt}
		model = &Ballot{}
	case mirrorArgument:
		var argument Argument
		if err := db.Where("uri = ?", job.uri).Take(&argument).Error; err != nil {
			return ignoreMissing(err)
		}
		if argument.Deleted || argument.MirrorURI != nil {
			return nil
		}
		request = mirror.Request{SourceURI: argument.URI, Title: argument.Title, Body: argument.Body, CreatedAt: argument.RecordCreatedAt}
		var ballot Ballot
		err := db.Where("uri = ?", argument.BallotURI).Take(&ballot).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && ballot.MirrorURI != nil && ballot.MirrorCID != nil {
			request.Reply = &mirror.Ref{URI: *ballot.MirrorURI, CID: *ballot.MirrorCID}
		}
		model = &Argument{}
	default:
		return nil
	}

	result, err := s.mirror.Mirror(ctx, request)
	if err != nil {
		return err
	}
	return db.Model(model).
		Where("uri = ? AND bsky_post_uri IS NULL", job.uri).
		Updates(map[string]interface{}{
			"bsky_post_uri": result.ExternalURI,
			"bsky_post_cid": result.ExternalCID,
		}).Error
}

func ignoreMissing(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
