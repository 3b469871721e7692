package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadValidates(t *testing.T) {
	testCases := []struct {
		name       string
		recordType string
		fields     map[string]any
		wantErr    bool
	}{
		{name: "ballot", recordType: TypeBallot, fields: map[string]any{"title": "Velo"}},
		{name: "ballot without title", recordType: TypeBallot, fields: map[string]any{"text": "x"}, wantErr: true},
		{name: "argument contra", recordType: TypeArgument, fields: map[string]any{"title": "t", "type": "CONTRA", "ballot": ballotURI("b1")}},
		{name: "argument pointing at comment", recordType: TypeArgument, fields: map[string]any{"title": "t", "type": "PRO", "ballot": "at://did:plc:x/app.ch.poltr.comment/c"}, wantErr: true},
		{name: "rating strong ref", recordType: TypeRating, fields: map[string]any{"subject": map[string]any{"uri": argumentURI("a1"), "cid": "bafy"}}},
		{name: "rating bad subject", recordType: TypeRating, fields: map[string]any{"subject": "nope"}, wantErr: true},
		{name: "comment without text", recordType: TypeComment, fields: map[string]any{"subject": ballotURI("b1")}, wantErr: true},
		{name: "invitation without did", recordType: TypeReviewInvitation, fields: map[string]any{"argument": argumentURI("a1"), "invitee": "alice"}, wantErr: true},
		{name: "response bad vote", recordType: TypeReviewResponse, fields: map[string]any{"argument": argumentURI("a1"), "vote": "ABSTAIN"}, wantErr: true},
		{name: "response", recordType: TypeReviewResponse, fields: map[string]any{"argument": argumentURI("a1"), "vote": "REJECT"}},
		{name: "profile", recordType: TypeProfile, fields: map[string]any{}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			payload, err := DecodePayload(testCase.recordType, mustRecord(t, testCase.fields))
			if testCase.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, payload)
		})
	}
}

func TestDecodePayloadTypes(t *testing.T) {
	payload, err := DecodePayload(TypeRating, mustRecord(t, map[string]any{
		"subject":    map[string]any{"uri": argumentURI("a1"), "cid": "bafy-a1"},
		"preference": 0,
	}))
	require.NoError(t, err)
	rating, ok := payload.(RatingPayload)
	require.True(t, ok)
	assert.Equal(t, argumentURI("a1"), rating.Subject.URI)
	assert.Equal(t, "bafy-a1", rating.Subject.CID)
	assert.Equal(t, int64(0), rating.preference())

	_, err = DecodePayload(TypeBallot, nil)
	assert.ErrorIs(t, err, ErrMissingPayload)
	_, err = DecodePayload("app.example.unknown", mustRecord(t, map[string]any{}))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestParseTimestamp(t *testing.T) {
	valid := "2026-01-10T08:00:00.123Z"
	invalid := "yesterday"
	require.NotNil(t, parseTimestamp(&valid))
	assert.Nil(t, parseTimestamp(&invalid))
	assert.Nil(t, parseTimestamp(nil))
}
