package projection

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/mirror"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/quorum"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
	"github.com/fxamacker/cbor/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu        sync.Mutex
	decisions map[string][]quorum.Decision
}

func (p *recordingPublisher) PublishDecision(_ context.Context, subject string, decision quorum.Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.decisions == nil {
		p.decisions = make(map[string][]quorum.Decision)
	}
	p.decisions[subject] = append(p.decisions[subject], decision)
}

func (p *recordingPublisher) published(subject string) []quorum.Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]quorum.Decision(nil), p.decisions[subject]...)
}

type fakeMirror struct {
	mu       sync.Mutex
	requests []mirror.Request
	err      error
}

func (m *fakeMirror) Mirror(_ context.Context, request mirror.Request) (mirror.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return mirror.Result{}, m.err
	}
	m.requests = append(m.requests, request)
	return mirror.Result{
		ExternalURI: "at://did:plc:mirror/app.bsky.feed.post/" + request.Title,
		ExternalCID: "bafy-" + request.Title,
	}, nil
}

func (m *fakeMirror) calls() []mirror.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mirror.Request(nil), m.requests...)
}

type testEnv struct {
	db        *gorm.DB
	service   *Service
	publisher *recordingPublisher
}

type envOption func(*ServiceConfig)

func withMirror(m Mirror) envOption {
	return func(cfg *ServiceConfig) { cfg.Mirror = m }
}

func newTestEnv(t *testing.T, quorumSize int, opts ...envOption) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "projection.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...))

	engine, err := quorum.NewEngine(quorum.EngineConfig{Size: quorumSize})
	require.NoError(t, err)
	publisher := &recordingPublisher{}
	cfg := ServiceConfig{
		Database:  db,
		Clock:     func() time.Time { return fixedNow },
		Quorum:    engine,
		Publisher: publisher,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)
	return &testEnv{db: db, service: service, publisher: publisher}
}

func mustRecord(t *testing.T, fields map[string]any) cbor.RawMessage {
	t.Helper()
	data, err := cbor.Marshal(fields)
	require.NoError(t, err)
	return data
}

func event(repo, recordType, key string, op stream.Operation, record cbor.RawMessage) stream.CommitEvent {
	return stream.CommitEvent{
		Repo:        repo,
		RecordType:  recordType,
		RecordKey:   key,
		Operation:   op,
		CID:         "bafy-" + key,
		Record:      record,
		EndOfCommit: true,
	}
}

func (e *testEnv) mustApply(t *testing.T, events ...stream.CommitEvent) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, e.service.Apply(context.Background(), ev))
	}
}

const (
	alice = "did:plc:alice"
	bob   = "did:plc:bob"
)

func ballotURI(key string) string {
	return stream.RecordURI(alice, TypeBallot, key)
}

func argumentURI(key string) string {
	return stream.RecordURI(bob, TypeArgument, key)
}

func ballotEvent(t *testing.T, key, title string, op stream.Operation) stream.CommitEvent {
	return event(alice, TypeBallot, key, op, mustRecord(t, map[string]any{
		"title":     title,
		"topic":     "Verkehr",
		"text":      "Ballot text for " + title,
		"voteDate":  "2026-03-08",
		"language":  "de",
		"createdAt": "2026-01-10T08:00:00Z",
	}))
}

func argumentEvent(t *testing.T, key, ballotKey, title string) stream.CommitEvent {
	return event(bob, TypeArgument, key, stream.OperationCreate, mustRecord(t, map[string]any{
		"title":     title,
		"body":      "Argument body",
		"type":      "pro",
		"ballot":    map[string]any{"uri": ballotURI(ballotKey), "cid": "bafy-" + ballotKey},
		"createdAt": "2026-01-11T08:00:00Z",
	}))
}

func ratingEvent(t *testing.T, repo, key, subject string) stream.CommitEvent {
	return event(repo, TypeRating, key, stream.OperationCreate, mustRecord(t, map[string]any{
		"subject":    subject,
		"preference": 1,
	}))
}

func responseEvent(t *testing.T, reviewer, key, argument, vote string) stream.CommitEvent {
	return event(reviewer, TypeReviewResponse, key, stream.OperationCreate, mustRecord(t, map[string]any{
		"argument": argument,
		"vote":     vote,
		"criteria": []map[string]any{
			{"key": "factual_accuracy", "rating": 4},
			{"key": "relevance", "rating": 5},
		},
		"justification": "ok",
	}))
}

func reviewerDID(i int) string {
	return "did:plc:reviewer" + string(rune('a'+i))
}
