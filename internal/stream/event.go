// Package stream defines commit events and the source abstraction consumers read them from.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Operation is the kind of change a commit event carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

var (
	ErrUnknownOperation = errors.New("stream: unknown operation")
	// ErrClosed reports that the source ended the subscription without an error.
	ErrClosed = errors.New("stream: subscription closed")
)

// ParseOperation normalizes a raw action name.
func ParseOperation(raw string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(raw))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, raw)
	}
}

// CommitEvent is one create, update or delete of a single record.
//
// Sequence is nil for pure replay sources. Several events can share one sequence when a
// commit touches several records; only the last of them has EndOfCommit set.
type CommitEvent struct {
	Sequence    *int64
	EndOfCommit bool
	Repo        string
	RecordType  string
	RecordKey   string
	Operation   Operation
	CID         string
	Record      cbor.RawMessage
}

// URI returns the global record identifier at://repo/type/key.
func (e CommitEvent) URI() string {
	return RecordURI(e.Repo, e.RecordType, e.RecordKey)
}

// Position returns the sequence number as a resume position once the whole commit is
// delivered, and false otherwise.
func (e CommitEvent) Position() (int64, bool) {
	if e.Sequence == nil || !e.EndOfCommit {
		return 0, false
	}
	return *e.Sequence, true
}

// Seq returns a pointer to a sequence number.
func Seq(v int64) *int64 {
	return &v
}

func RecordURI(repo, recordType, recordKey string) string {
	return "at://" + repo + "/" + recordType + "/" + recordKey
}

// ParseRecordURI splits at://repo/type/key into its parts.
func ParseRecordURI(uri string) (repo, recordType, recordKey string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("stream: record uri %q lacks at:// scheme", uri)
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("stream: record uri %q is malformed", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

// Source opens subscriptions that deliver events in order starting after resumeFrom.
// A nil resumeFrom starts at the source's live head.
type Source interface {
	Subscribe(ctx context.Context, resumeFrom *int64) (Subscription, error)
}

// Subscription has one owner that reads Events until the channel closes, then checks Err.
type Subscription interface {
	Events() <-chan CommitEvent
	// Err returns why Events closed: nil after Close, ErrClosed when the source hung up cleanly.
	Err() error
	Close() error
}

// BacklogNotifier is implemented by subscriptions that can tell when a replay has reached
// the live head.
type BacklogNotifier interface {
	CaughtUp() <-chan struct{}
}
