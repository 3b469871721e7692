package projection

import (
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/quorum"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
)

func upsertBallot(scope *applyScope, payload BallotPayload) error {
	row := Ballot{
		RecordColumns: scope.columns(payload.CreatedAt),
		Title:         payload.Title,
		Topic:         payload.Topic,
		Text:          payload.body(),
		OfficialRef:   payload.OfficialRef,
		VoteDate:      payload.VoteDate,
		Language:      payload.Language,
	}
	if err := scope.upsert(&row, "title", "topic", "text", "official_ref", "vote_date", "language"); err != nil {
		return err
	}
	if err := recountSubject(scope.tx, scope.meta.URI); err != nil {
		return err
	}
	if err := recountArguments(scope.tx, scope.meta.URI); err != nil {
		return err
	}
	var stored Ballot
	if _, err := scope.load(&stored); err != nil {
		return err
	}
	scope.queueMirror(mirrorBallot, stored.MirrorURI)
	return nil
}

func removeBallot(scope *applyScope) error {
	return scope.markDeleted(&Ballot{})
}

func upsertArgument(scope *applyScope, payload ArgumentPayload) error {
	var previous Argument
	existed, err := scope.load(&previous)
	if err != nil {
		return err
	}
	_, _, ballotKey, err := stream.ParseRecordURI(payload.Ballot.URI)
	if err != nil {
		return err
	}
	row := Argument{
		RecordColumns: scope.columns(payload.CreatedAt),
		Title:         payload.Title,
		Body:          payload.Body,
		Type:          payload.argumentType(),
		BallotURI:     payload.Ballot.URI,
		BallotRkey:    ballotKey,
		ReviewStatus:  string(quorum.Preliminary),
	}
	if err := scope.upsert(&row, "title", "body", "type", "ballot_uri", "ballot_rkey"); err != nil {
		return err
	}
	if err := recountArguments(scope.tx, row.BallotURI); err != nil {
		return err
	}
	if existed && previous.BallotURI != row.BallotURI {
		if err := recountArguments(scope.tx, previous.BallotURI); err != nil {
			return err
		}
	}
	if err := recountSubject(scope.tx, scope.meta.URI); err != nil {
		return err
	}
	// Responses can be indexed before their argument.
	if err := scope.evaluateQuorum(scope.meta.URI); err != nil {
		return err
	}
	scope.queueMirror(mirrorArgument, previous.MirrorURI)
	return nil
}

func removeArgument(scope *applyScope) error {
	var stored Argument
	found, err := scope.load(&stored)
	if err != nil || !found {
		return err
	}
	if err := scope.markDeleted(&Argument{}); err != nil {
		return err
	}
	return recountArguments(scope.tx, stored.BallotURI)
}

func upsertRating(scope *applyScope, payload RatingPayload) error {
	var previous Rating
	existed, err := scope.load(&previous)
	if err != nil {
		return err
	}
	row := Rating{
		RecordColumns: scope.columns(payload.CreatedAt),
		SubjectURI:    payload.Subject.URI,
		Preference:    payload.preference(),
	}
	if err := scope.upsert(&row, "subject_uri", "preference"); err != nil {
		return err
	}
	if err := recountLikes(scope.tx, row.SubjectURI); err != nil {
		return err
	}
	if existed && previous.SubjectURI != row.SubjectURI {
		return recountLikes(scope.tx, previous.SubjectURI)
	}
	return nil
}

func removeRating(scope *applyScope) error {
	var stored Rating
	found, err := scope.load(&stored)
	if err != nil || !found {
		return err
	}
	if err := scope.markDeleted(&Rating{}); err != nil {
		return err
	}
	return recountLikes(scope.tx, stored.SubjectURI)
}

func upsertComment(scope *applyScope, payload CommentPayload) error {
	var previous Comment
	existed, err := scope.load(&previous)
	if err != nil {
		return err
	}
	row := Comment{
		RecordColumns: scope.columns(payload.CreatedAt),
		SubjectURI:    payload.Subject.URI,
		Text:          payload.Text,
	}
	if payload.Parent != nil {
		parent := payload.Parent.URI
		row.ParentURI = &parent
	}
	if err := scope.upsert(&row, "subject_uri", "parent_uri", "text"); err != nil {
		return err
	}
	if err := recountComments(scope.tx, row.SubjectURI); err != nil {
		return err
	}
	if existed && previous.SubjectURI != row.SubjectURI {
		return recountComments(scope.tx, previous.SubjectURI)
	}
	return nil
}

func removeComment(scope *applyScope) error {
	var stored Comment
	found, err := scope.load(&stored)
	if err != nil || !found {
		return err
	}
	if err := scope.markDeleted(&Comment{}); err != nil {
		return err
	}
	return recountComments(scope.tx, stored.SubjectURI)
}

func upsertProfile(scope *applyScope, payload ProfilePayload) error {
	row := Profile{
		RecordColumns: scope.columns(nil),
		DisplayName:   payload.DisplayName,
		MountainName:  payload.MountainName,
		Canton:        payload.Canton,
		Color:         payload.Color,
	}
	return scope.upsert(&row, "display_name", "mountain_name", "canton", "color")
}

func removeProfile(scope *applyScope) error {
	return scope.markDeleted(&Profile{})
}

func upsertReviewInvitation(scope *applyScope, payload ReviewInvitationPayload) error {
	row := ReviewInvitation{
		RecordColumns: scope.columns(payload.CreatedAt),
		ArgumentURI:   payload.Argument.URI,
		InviteeDID:    payload.Invitee,
	}
	return scope.upsert(&row, "argument_uri", "invitee_did")
}

func removeReviewInvitation(scope *applyScope) error {
	return scope.markDeleted(&ReviewInvitation{})
}

func upsertReviewResponse(scope *applyScope, payload ReviewResponsePayload) error {
	var previous ReviewResponse
	existed, err := scope.load(&previous)
	if err != nil {
		return err
	}
	reviewer := payload.Reviewer
	if reviewer == "" {
		reviewer = scope.meta.OwnerDID
	}
	row := ReviewResponse{
		RecordColumns: scope.columns(payload.CreatedAt),
		ArgumentURI:   payload.Argument.URI,
		ReviewerDID:   reviewer,
		Vote:          payload.Vote,
		Criteria:      payload.Criteria,
		Justification: payload.Justification,
	}
	if err := scope.upsert(&row, "argument_uri", "reviewer_did", "vote", "criteria", "justification"); err != nil {
		return err
	}
	if err := scope.evaluateQuorum(row.ArgumentURI); err != nil {
		return err
	}
	if existed && previous.ArgumentURI != row.ArgumentURI {
		return scope.evaluateQuorum(previous.ArgumentURI)
	}
	return nil
}

// removeReviewResponse does not re-evaluate: dropping a response can only move a subject
// away from a decision.
func removeReviewResponse(scope *applyScope) error {
	return scope.markDeleted(&ReviewResponse{})
}
