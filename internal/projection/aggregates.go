package projection

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/quorum"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Aggregates are always recounted from the source rows so duplicates, replays and
// reordering converge on the same value.

func subjectModel(subjectURI string) interface{} {
	_, recordType, _, err := stream.ParseRecordURI(subjectURI)
	if err != nil {
		return nil
	}
	switch recordType {
	case TypeBallot, TypeLegacyProposal:
		return &Ballot{}
	case TypeArgument:
		return &Argument{}
	default:
		return nil
	}
}

func recountLikes(tx *gorm.DB, subjectURI string) error {
	model := subjectModel(subjectURI)
	if model == nil {
		return nil
	}
	likes := tx.Model(&Rating{}).
		Select("COUNT(*)").
		Where("subject_uri = ? AND deleted = ? AND preference > 0", subjectURI, false)
	return tx.Model(model).Where("uri = ?", subjectURI).Update("like_count", likes).Error
}

func recountComments(tx *gorm.DB, subjectURI string) error {
	model := subjectModel(subjectURI)
	if model == nil {
		return nil
	}
	comments := tx.Model(&Comment{}).
		Select("COUNT(*)").
		Where("subject_uri = ? AND deleted = ?", subjectURI, false)
	return tx.Model(model).Where("uri = ?", subjectURI).Update("comment_count", comments).Error
}

func recountArguments(tx *gorm.DB, ballotURI string) error {
	if ballotURI == "" {
		return nil
	}
	arguments := tx.Model(&Argument{}).
		Select("COUNT(*)").
		Where("ballot_uri = ? AND deleted = ?", ballotURI, false)
	return tx.Model(&Ballot{}).Where("uri = ?", ballotURI).Update("argument_count", arguments).Error
}

// recountSubject refreshes the counters a ballot or argument carries about its dependents,
// which may have been indexed before it.
func recountSubject(tx *gorm.DB, subjectURI string) error {
	if err := recountLikes(tx, subjectURI); err != nil {
		return err
	}
	return recountComments(tx, subjectURI)
}

// txQuorumStore reads and finalizes review state inside the applying transaction.
type txQuorumStore struct {
	tx *gorm.DB
}

// Tally locks the argument row first so concurrent writers on the same argument count
// each other's committed responses. A missing argument has nothing to finalize.
func (s txQuorumStore) Tally(_ context.Context, subject string) (quorum.Tally, error) {
	var argument Argument
	err := s.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("uri").
		Where("uri = ?", subject).
		Take(&argument).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return quorum.Tally{}, err
	}
	return tallyResponses(s.tx, subject)
}

func (s txQuorumStore) FinalizeIfPreliminary(_ context.Context, subject string, decision quorum.Decision) (bool, error) {
	result := s.tx.Model(&Argument{}).
		Where("uri = ? AND review_status = ?", subject, string(quorum.Preliminary)).
		Update("review_status", string(decision))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func tallyResponses(db *gorm.DB, subject string) (quorum.Tally, error) {
	var counts struct {
		Approvals  int64
		Rejections int64
		Total      int64
	}
	err := db.Model(&ReviewResponse{}).
		Select(
			"COALESCE(SUM(CASE WHEN vote = ? THEN 1 ELSE 0 END), 0) AS approvals, "+
				"COALESCE(SUM(CASE WHEN vote = ? THEN 1 ELSE 0 END), 0) AS rejections, "+
				"COUNT(*) AS total",
			VoteApprove, VoteReject).
		Where("argument_uri = ? AND deleted = ?", subject, false).
		Scan(&counts).Error
	if err != nil {
		return quorum.Tally{}, err
	}
	return quorum.Tally{Approvals: counts.Approvals, Rejections: counts.Rejections, Total: counts.Total}, nil
}
