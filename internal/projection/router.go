package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/quorum"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type recordMeta struct {
	URI        string
	CID        string
	OwnerDID   string
	RecordKey  string
	RecordType string
	IndexedAt  time.Time
}

type effects struct {
	decisions []quorum.Outcome
	mirrors   []mirrorJob
}

// applyScope carries one event's transaction and the side effects to run after commit.
type applyScope struct {
	ctx     context.Context
	tx      *gorm.DB
	meta    recordMeta
	effects effects
	service *Service
}

func (s *applyScope) columns(createdAt *string) RecordColumns {
	return RecordColumns{
		URI:             s.meta.URI,
		CID:             s.meta.CID,
		OwnerDID:        s.meta.OwnerDID,
		RecordKey:       s.meta.RecordKey,
		RecordCreatedAt: parseTimestamp(createdAt),
		Deleted:         false,
		IndexedAt:       s.meta.IndexedAt,
	}
}

// upsert inserts row or overwrites the listed columns plus the shared ones, which always
// includes clearing the deleted flag.
func (s *applyScope) upsert(row interface{}, columns ...string) error {
	assignments := make([]string, 0, len(recordColumnNames)+len(columns))
	assignments = append(assignments, recordColumnNames...)
	assignments = append(assignments, columns...)
	return s.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		DoUpdates: clause.AssignmentColumns(assignments),
	}).Create(row).Error
}

// markDeleted flags the row; rows are never removed.
func (s *applyScope) markDeleted(model interface{}) error {
	return s.tx.Model(model).
		Where("uri = ?", s.meta.URI).
		Updates(map[string]interface{}{"deleted": true, "indexed_at": s.meta.IndexedAt}).Error
}

// load reads the stored row for the event's record, deleted or not. found is false when
// the record was never projected.
func (s *applyScope) load(row interface{}) (bool, error) {
	err := s.tx.Where("uri = ?", s.meta.URI).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *applyScope) evaluateQuorum(argumentURI string) error {
	outcome, err := s.service.quorum.Evaluate(s.ctx, txQuorumStore{tx: s.tx}, argumentURI)
	if err != nil {
		return err
	}
	if outcome.Finalized {
		s.effects.decisions = append(s.effects.decisions, outcome)
	}
	return nil
}

func (s *applyScope) queueMirror(kind mirrorKind, mirrorURI *string) {
	if s.service.mirror == nil || mirrorURI != nil {
		return
	}
	s.effects.mirrors = append(s.effects.mirrors, mirrorJob{kind: kind, uri: s.meta.URI})
}

type handlerEntry struct {
	upsert func(*applyScope, Payload) error
	remove func(*applyScope) error
}

type router struct {
	handlers map[string]handlerEntry
}

// handleRecord registers typed handlers for one or more record types sharing a payload.
func handleRecord[P Payload](r *router, recordTypes []string, upsert func(*applyScope, P) error, remove func(*applyScope) error) {
	entry := handlerEntry{
		upsert: func(scope *applyScope, payload Payload) error {
			typed, ok := payload.(P)
			if !ok {
				return fmt.Errorf("projection: %s handler received %T", scope.meta.RecordType, payload)
			}
			return upsert(scope, typed)
		},
		remove: remove,
	}
	for _, recordType := range recordTypes {
		r.handlers[recordType] = entry
	}
}

func newRouter() *router {
	r := &router{handlers: make(map[string]handlerEntry)}
	handleRecord(r, []string{TypeBallot, TypeLegacyProposal}, upsertBallot, removeBallot)
	handleRecord(r, []string{TypeArgument}, upsertArgument, removeArgument)
	handleRecord(r, []string{TypeRating}, upsertRating, removeRating)
	handleRecord(r, []string{TypeComment}, upsertComment, removeComment)
	handleRecord(r, []string{TypeProfile}, upsertProfile, removeProfile)
	handleRecord(r, []string{TypeReviewInvitation}, upsertReviewInvitation, removeReviewInvitation)
	handleRecord(r, []string{TypeReviewResponse}, upsertReviewResponse, removeReviewResponse)
	return r
}
