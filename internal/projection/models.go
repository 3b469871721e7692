package projection

import "time"

// RecordColumns are shared by every projected record family.
type RecordColumns struct {
	URI             string     `gorm:"column:uri;primaryKey;size:512;not null"`
	CID             string     `gorm:"column:cid;size:190;not null"`
	OwnerDID        string     `gorm:"column:did;size:190;not null;index"`
	RecordKey       string     `gorm:"column:rkey;size:190;not null"`
	RecordCreatedAt *time.Time `gorm:"column:created_at"`
	Deleted         bool       `gorm:"column:deleted;not null;index"`
	IndexedAt       time.Time  `gorm:"column:indexed_at;not null"`
}

var recordColumnNames = []string{"cid", "did", "rkey", "created_at", "deleted", "indexed_at"}

type Ballot struct {
	RecordColumns
	Title         string  `gorm:"column:title;size:512;not null"`
	Topic         *string `gorm:"column:topic;size:190"`
	Text          *string `gorm:"column:text;type:text"`
	OfficialRef   *string `gorm:"column:official_ref;size:190"`
	VoteDate      *string `gorm:"column:vote_date;size:32"`
	Language      *string `gorm:"column:language;size:16"`
	LikeCount     int64   `gorm:"column:like_count;not null"`
	ArgumentCount int64   `gorm:"column:argument_count;not null"`
	CommentCount  int64   `gorm:"column:comment_count;not null"`
	MirrorURI     *string `gorm:"column:bsky_post_uri;size:512"`
	MirrorCID     *string `gorm:"column:bsky_post_cid;size:190"`
}

func (Ballot) TableName() string {
	return "ballots"
}

type Argument struct {
	RecordColumns
	Title        string  `gorm:"column:title;size:512;not null"`
	Body         string  `gorm:"column:body;type:text;not null"`
	Type         string  `gorm:"column:type;size:16;not null"`
	BallotURI    string  `gorm:"column:ballot_uri;size:512;not null;index"`
	BallotRkey   string  `gorm:"column:ballot_rkey;size:190;not null"`
	ReviewStatus string  `gorm:"column:review_status;size:32;not null"`
	LikeCount    int64   `gorm:"column:like_count;not null"`
	CommentCount int64   `gorm:"column:comment_count;not null"`
	MirrorURI    *string `gorm:"column:bsky_post_uri;size:512"`
	MirrorCID    *string `gorm:"column:bsky_post_cid;size:190"`
}

func (Argument) TableName() string {
	return "arguments"
}

type Rating struct {
	RecordColumns
	SubjectURI string `gorm:"column:subject_uri;size:512;not null;index"`
	Preference int64  `gorm:"column:preference;not null"`
}

func (Rating) TableName() string {
	return "ratings"
}

type Comment struct {
	RecordColumns
	SubjectURI string  `gorm:"column:subject_uri;size:512;not null;index"`
	ParentURI  *string `gorm:"column:parent_uri;size:512;index"`
	Text       string  `gorm:"column:text;type:text;not null"`
}

func (Comment) TableName() string {
	return "comments"
}

type Profile struct {
	RecordColumns
	DisplayName  *string `gorm:"column:display_name;size:190"`
	MountainName *string `gorm:"column:mountain_name;size:190"`
	Canton       *string `gorm:"column:canton;size:8"`
	Color        *string `gorm:"column:color;size:16"`
}

func (Profile) TableName() string {
	return "profiles"
}

type ReviewInvitation struct {
	RecordColumns
	ArgumentURI string `gorm:"column:argument_uri;size:512;not null;index"`
	InviteeDID  string `gorm:"column:invitee_did;size:190;not null"`
}

func (ReviewInvitation) TableName() string {
	return "review_invitations"
}

type ReviewResponse struct {
	RecordColumns
	ArgumentURI   string      `gorm:"column:argument_uri;size:512;not null;index"`
	ReviewerDID   string      `gorm:"column:reviewer_did;size:190;not null"`
	Vote          string      `gorm:"column:vote;size:16;not null"`
	Criteria      []Criterion `gorm:"column:criteria;serializer:json;type:text"`
	Justification *string     `gorm:"column:justification;type:text"`
}

func (ReviewResponse) TableName() string {
	return "review_responses"
}

// Models lists every projection table for schema migration.
func Models() []interface{} {
	return []interface{}{
		&Ballot{},
		&Argument{},
		&Rating{},
		&Comment{},
		&Profile{},
		&ReviewInvitation{},
		&ReviewResponse{},
	}
}
