package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "checkpoints.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Checkpoint{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func TestGetReturnsEmptyStateForUnknownStream(t *testing.T) {
	store := newTestStore(t)

	state, err := store.Get(context.Background(), "firehose:subscription")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Position != nil {
		t.Fatalf("expected nil position, got %d", *state.Position)
	}
	if state.Metadata != (Metadata{}) {
		t.Fatalf("expected empty metadata, got %+v", state.Metadata)
	}
}

func TestSetUpsertsPositionAndMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "stream-a", Int64(10), Metadata{}); err != nil {
		t.Fatalf("first set failed: %v", err)
	}
	if err := store.Set(ctx, "stream-a", Int64(42), Metadata{Finished: true}); err != nil {
		t.Fatalf("second set failed: %v", err)
	}

	state, err := store.Get(ctx, "stream-a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if state.Position == nil || *state.Position != 42 {
		t.Fatalf("expected position 42, got %v", state.Position)
	}
	if !state.Metadata.Finished {
		t.Fatalf("expected finished metadata")
	}
}

func TestWithLockCreatesRowLazilyAndPersistsMutation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state, err := store.WithLock(ctx, "backfill", func(_ context.Context, current State) (Mutation, error) {
		if current.Position != nil {
			t.Fatalf("expected fresh row to have nil position")
		}
		return Mutation{Position: Int64(7)}, nil
	})
	if err != nil {
		t.Fatalf("with lock failed: %v", err)
	}
	if state.Position == nil || *state.Position != 7 {
		t.Fatalf("expected returned position 7, got %v", state.Position)
	}

	stored, err := store.Get(ctx, "backfill")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Position == nil || *stored.Position != 7 {
		t.Fatalf("expected stored position 7, got %v", stored.Position)
	}
}

func TestWithLockRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Set(ctx, "backfill", Int64(3), Metadata{}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	failure := errors.New("batch failed")
	_, err := store.WithLock(ctx, "backfill", func(_ context.Context, _ State) (Mutation, error) {
		return Mutation{Position: Int64(99)}, failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected batch failure, got %v", err)
	}

	state, err := store.Get(ctx, "backfill")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if state.Position == nil || *state.Position != 3 {
		t.Fatalf("expected position to stay at 3, got %v", state.Position)
	}
}

func TestWithLockIgnoresInvalidPosition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Set(ctx, "backfill", Int64(5), Metadata{}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	state, err := store.WithLock(ctx, "backfill", func(_ context.Context, _ State) (Mutation, error) {
		return Mutation{Position: Int64(-1)}, nil
	})
	if err != nil {
		t.Fatalf("with lock failed: %v", err)
	}
	if state.Position == nil || *state.Position != 5 {
		t.Fatalf("expected position to stay at 5, got %v", state.Position)
	}
}

func TestWithLockSerializesConcurrentCallers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.WithLock(ctx, "counter", func(_ context.Context, current State) (Mutation, error) {
				next := int64(1)
				if current.Position != nil {
					next = *current.Position + 1
				}
				return Mutation{Position: &next}, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("with lock failed: %v", err)
		}
	}

	state, err := store.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if state.Position == nil || *state.Position != workers {
		t.Fatalf("expected position %d, got %v", workers, state.Position)
	}
}

func TestMetadataLeaseActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	if (Metadata{Owner: "a", LeaseUntil: &future}).LeaseActive(now) != true {
		t.Fatalf("expected live lease")
	}
	if (Metadata{Owner: "a", LeaseUntil: &past}).LeaseActive(now) {
		t.Fatalf("expected expired lease")
	}
	if (Metadata{LeaseUntil: &future}).LeaseActive(now) {
		t.Fatalf("expected ownerless lease to be inactive")
	}
}

func TestStoreRejectsEmptyStreamID(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), " "); !errors.Is(err, ErrMissingStreamID) {
		t.Fatalf("expected ErrMissingStreamID, got %v", err)
	}
}
