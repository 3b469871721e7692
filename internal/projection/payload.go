package projection

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
	"github.com/fxamacker/cbor/v2"
)

// Record types the projection understands.
const (
	TypeBallot           = "app.ch.poltr.ballot.entry"
	TypeLegacyProposal   = "app.ch.poltr.vote.proposal"
	TypeArgument         = "app.ch.poltr.ballot.argument"
	TypeRating           = "app.ch.poltr.content.rating"
	TypeComment          = "app.ch.poltr.comment"
	TypeProfile          = "app.ch.poltr.actor.pseudonym"
	TypeReviewInvitation = "app.ch.poltr.review.invitation"
	TypeReviewResponse   = "app.ch.poltr.review.response"
)

const (
	ArgumentTypePro    = "PRO"
	ArgumentTypeContra = "CONTRA"

	VoteApprove = "APPROVE"
	VoteReject  = "REJECT"

	maxTitleLength = 512
)

var (
	ErrInvalidPayload = errors.New("projection: invalid payload")
	ErrMissingPayload = errors.New("projection: record payload is missing")
)

// Payload is the typed body of a create or update event. Each record type has exactly one
// payload type; decoding validates it before any handler sees it.
type Payload interface {
	RecordType() string
	validate() error
}

// recordRef is a reference to another record. It accepts a bare URI or a strong ref
// {uri, cid}.
type recordRef struct {
	URI string
	CID string
}

func (r *recordRef) UnmarshalCBOR(data []byte) error {
	var uri string
	if err := cbor.Unmarshal(data, &uri); err == nil {
		r.URI = uri
		return nil
	}
	var strong struct {
		URI string `cbor:"uri"`
		CID string `cbor:"cid"`
	}
	if err := cbor.Unmarshal(data, &strong); err != nil {
		return err
	}
	r.URI = strong.URI
	r.CID = strong.CID
	return nil
}

func (r recordRef) validate(field string, allowedTypes ...string) error {
	_, recordType, _, err := stream.ParseRecordURI(r.URI)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, field, err)
	}
	if len(allowedTypes) == 0 {
		return nil
	}
	for _, allowed := range allowedTypes {
		if recordType == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must reference one of %s", ErrInvalidPayload, field, strings.Join(allowedTypes, ", "))
}

type BallotPayload struct {
	Title       string  `cbor:"title"`
	Topic       *string `cbor:"topic"`
	Text        *string `cbor:"text"`
	Description *string `cbor:"description"`
	OfficialRef *string `cbor:"officialRef"`
	VoteDate    *string `cbor:"voteDate"`
	Language    *string `cbor:"language"`
	CreatedAt   *string `cbor:"createdAt"`
}

func (BallotPayload) RecordType() string { return TypeBallot }

func (p BallotPayload) validate() error {
	return requireTitle(p.Title)
}

// body prefers the ballot text and falls back to the legacy proposal description.
func (p BallotPayload) body() *string {
	if p.Text != nil {
		return p.Text
	}
	return p.Description
}

type ArgumentPayload struct {
	Title     string    `cbor:"title"`
	Body      string    `cbor:"body"`
	Type      string    `cbor:"type"`
	Ballot    recordRef `cbor:"ballot"`
	CreatedAt *string   `cbor:"createdAt"`
}

func (ArgumentPayload) RecordType() string { return TypeArgument }

func (p ArgumentPayload) validate() error {
	if err := requireTitle(p.Title); err != nil {
		return err
	}
	switch p.argumentType() {
	case ArgumentTypePro, ArgumentTypeContra:
	default:
		return fmt.Errorf("%w: argument type %q", ErrInvalidPayload, p.Type)
	}
	return p.Ballot.validate("ballot", TypeBallot, TypeLegacyProposal)
}

func (p ArgumentPayload) argumentType() string {
	return strings.ToUpper(strings.TrimSpace(p.Type))
}

type RatingPayload struct {
	Subject    recordRef `cbor:"subject"`
	Preference *int64    `cbor:"preference"`
	CreatedAt  *string   `cbor:"createdAt"`
}

func (RatingPayload) RecordType() string { return TypeRating }

func (p RatingPayload) validate() error {
	return p.Subject.validate("subject", TypeBallot, TypeLegacyProposal, TypeArgument)
}

// preference treats a missing value as a plain like.
func (p RatingPayload) preference() int64 {
	if p.Preference == nil {
		return 1
	}
	return *p.Preference
}

type CommentPayload struct {
	Subject   recordRef  `cbor:"subject"`
	Parent    *recordRef `cbor:"parent"`
	Text      string     `cbor:"text"`
	CreatedAt *string    `cbor:"createdAt"`
}

func (CommentPayload) RecordType() string { return TypeComment }

func (p CommentPayload) validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: comment text is empty", ErrInvalidPayload)
	}
	if err := p.Subject.validate("subject", TypeBallot, TypeLegacyProposal, TypeArgument); err != nil {
		return err
	}
	if p.Parent != nil {
		return p.Parent.validate("parent", TypeComment)
	}
	return nil
}

type ProfilePayload struct {
	DisplayName  *string `cbor:"displayName"`
	MountainName *string `cbor:"mountainName"`
	Canton       *string `cbor:"canton"`
	Color        *string `cbor:"color"`
}

func (ProfilePayload) RecordType() string { return TypeProfile }

func (ProfilePayload) validate() error { return nil }

type ReviewInvitationPayload struct {
	Argument  recordRef `cbor:"argument"`
	Invitee   string    `cbor:"invitee"`
	CreatedAt *string   `cbor:"createdAt"`
}

func (ReviewInvitationPayload) RecordType() string { return TypeReviewInvitation }

func (p ReviewInvitationPayload) validate() error {
	if !strings.HasPrefix(p.Invitee, "did:") {
		return fmt.Errorf("%w: invitee %q is not a did", ErrInvalidPayload, p.Invitee)
	}
	return p.Argument.validate("argument", TypeArgument)
}

// Criterion is one rated review criterion.
type Criterion struct {
	Key    string `cbor:"key" json:"key"`
	Label  string `cbor:"label,omitempty" json:"label,omitempty"`
	Rating int64  `cbor:"rating" json:"rating"`
}

type ReviewResponsePayload struct {
	Argument      recordRef   `cbor:"argument"`
	Reviewer      string      `cbor:"reviewer"`
	Criteria      []Criterion `cbor:"criteria"`
	Vote          string      `cbor:"vote"`
	Justification *string     `cbor:"justification"`
	CreatedAt     *string     `cbor:"createdAt"`
}

func (ReviewResponsePayload) RecordType() string { return TypeReviewResponse }

func (p ReviewResponsePayload) validate() error {
	switch p.Vote {
	case VoteApprove, VoteReject:
	default:
		return fmt.Errorf("%w: vote %q", ErrInvalidPayload, p.Vote)
	}
	for _, criterion := range p.Criteria {
		if strings.TrimSpace(criterion.Key) == "" {
			return fmt.Errorf("%w: criterion without key", ErrInvalidPayload)
		}
	}
	return p.Argument.validate("argument", TypeArgument)
}

// DecodePayload decodes and validates the record body for a known record type.
// The legacy proposal type decodes into a BallotPayload.
func DecodePayload(recordType string, raw cbor.RawMessage) (Payload, error) {
	switch recordType {
	case TypeBallot, TypeLegacyProposal:
		return decodeAs[BallotPayload](raw)
	case TypeArgument:
		return decodeAs[ArgumentPayload](raw)
	case TypeRating:
		return decodeAs[RatingPayload](raw)
	case TypeComment:
		return decodeAs[CommentPayload](raw)
	case TypeProfile:
		return decodeAs[ProfilePayload](raw)
	case TypeReviewInvitation:
		return decodeAs[ReviewInvitationPayload](raw)
	case TypeReviewResponse:
		return decodeAs[ReviewResponsePayload](raw)
	default:
		return nil, fmt.Errorf("%w: unknown record type %q", ErrInvalidPayload, recordType)
	}
}

func decodeAs[P Payload](raw cbor.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, ErrMissingPayload
	}
	var payload P
	if err := cbor.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func requireTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is empty", ErrInvalidPayload)
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalidPayload, maxTitleLength)
	}
	return nil
}

// parseTimestamp returns nil for missing or unparseable timestamps.
func parseTimestamp(raw *string) *time.Time {
	if raw == nil {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*raw))
	if err != nil {
		return nil
	}
	utc := parsed.UTC()
	return &utc
}
