package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/quorum"
	"gorm.io/gorm"
)

// Ballot resolves a ballot by uri, including deleted ones.
func (s *Service) Ballot(ctx context.Context, uri string) (Ballot, error) {
	var ballot Ballot
	if err := s.take(ctx, uri, &ballot); err != nil {
		return Ballot{}, err
	}
	return ballot, nil
}

// Argument resolves an argument by uri, including deleted ones.
func (s *Service) Argument(ctx context.Context, uri string) (Argument, error) {
	var argument Argument
	if err := s.take(ctx, uri, &argument); err != nil {
		return Argument{}, err
	}
	return argument, nil
}

// ActiveArguments lists the non-deleted arguments of a ballot, oldest first.
func (s *Service) ActiveArguments(ctx context.Context, ballotURI string) ([]Argument, error) {
	var arguments []Argument
	err := s.db.WithContext(ctx).
		Where("ballot_uri = ? AND deleted = ?", ballotURI, false).
		Order("created_at ASC").Order("uri ASC").
		Find(&arguments).Error
	if err != nil {
		return nil, fmt.Errorf("projection: list arguments: %w", err)
	}
	return arguments, nil
}

// ActiveComments lists the non-deleted comments on a ballot or argument, oldest first.
func (s *Service) ActiveComments(ctx context.Context, subjectURI string) ([]Comment, error) {
	var comments []Comment
	err := s.db.WithContext(ctx).
		Where("subject_uri = ? AND deleted = ?", subjectURI, false).
		Order("created_at ASC").Order("uri ASC").
		Find(&comments).Error
	if err != nil {
		return nil, fmt.Errorf("projection: list comments: %w", err)
	}
	return comments, nil
}

// CommentParent resolves the comment a reply points at. Deleted parents still resolve.
func (s *Service) CommentParent(ctx context.Context, commentURI string) (Comment, error) {
	var reply Comment
	if err := s.take(ctx, commentURI, &reply); err != nil {
		return Comment{}, err
	}
	if reply.ParentURI == nil {
		return Comment{}, ErrNotFound
	}
	var parent Comment
	if err := s.take(ctx, *reply.ParentURI, &parent); err != nil {
		return Comment{}, err
	}
	return parent, nil
}

// ReviewStatus is the review state of one argument.
type ReviewStatus struct {
	ArgumentURI string
	Decision    quorum.Decision
	Quorum      int
	Tally       quorum.Tally
	Invitations int64
	Deleted     bool
}

func (s *Service) ReviewStatus(ctx context.Context, argumentURI string) (ReviewStatus, error) {
	argument, err := s.Argument(ctx, argumentURI)
	if err != nil {
		return ReviewStatus{}, err
	}
	decision, err := quorum.ParseDecision(argument.ReviewStatus)
	if err != nil {
		s.logError(opReviewState, "invalid_status", err)
		return ReviewStatus{}, newServiceError(opReviewState, "invalid_status", err)
	}
	db := s.db.WithContext(ctx)
	tally, err := tallyResponses(db, argumentURI)
	if err != nil {
		s.logError(opReviewState, "tally_failed", err)
		return ReviewStatus{}, newServiceError(opReviewState, "tally_failed", err)
	}
	var invitations int64
	if err := db.Model(&ReviewInvitation{}).
		Where("argument_uri = ? AND deleted = ?", argumentURI, false).
		Count(&invitations).Error; err != nil {
		s.logError(opReviewState, "invitation_count_failed", err)
		return ReviewStatus{}, newServiceError(opReviewState, "invitation_count_failed", err)
	}
	return ReviewStatus{
		ArgumentURI: argumentURI,
		Decision:    decision,
		Quorum:      s.quorum.Size(),
		Tally:       tally,
		Invitations: invitations,
		Deleted:     argument.Deleted,
	}, nil
}

func (s *Service) take(ctx context.Context, uri string, row interface{}) error {
	err := s.db.WithContext(ctx).Where("uri = ?", uri).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("projection: load %s: %w", uri, err)
	}
	return nil
}
