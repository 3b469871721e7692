// Package checkpoint persists resume positions for event streams.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMissingDatabase = errors.New("checkpoint: database handle is required")
	ErrMissingStreamID = errors.New("checkpoint: stream id is required")
	ErrMissingFunc     = errors.New("checkpoint: locked function is required")
)

// Metadata is the structured side data stored next to a position.
type Metadata struct {
	Finished   bool       `json:"finished,omitempty"`
	Owner      string     `json:"owner,omitempty"`
	LeaseUntil *time.Time `json:"leaseUntil,omitempty"`
	Processed  int64      `json:"processed,omitempty"`
}

// LeaseActive reports whether an owner holds an unexpired claim at the given instant.
func (m Metadata) LeaseActive(now time.Time) bool {
	if m.Owner == "" || m.LeaseUntil == nil {
		return false
	}
	return now.Before(*m.LeaseUntil)
}

// Checkpoint is the persisted row. There is exactly one row per stream id.
type Checkpoint struct {
	StreamID  string    `gorm:"column:stream_id;primaryKey;size:190;not null"`
	Position  *int64    `gorm:"column:position"`
	Metadata  Metadata  `gorm:"column:metadata;serializer:json;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (Checkpoint) TableName() string {
	return "checkpoints"
}

// State is what callers observe for a stream id. Position is nil when nothing was processed yet.
type State struct {
	Position  *int64
	Metadata  Metadata
	UpdatedAt time.Time
}

// Mutation describes the change a locked function wants persisted.
// Nil fields leave the stored value unchanged.
type Mutation struct {
	Position *int64
	Metadata *Metadata
}

// Unchanged is the zero mutation.
var Unchanged = Mutation{}

// LockedFunc runs while the checkpoint row is held under an exclusive lock.
// It must not use the database: the lock owns the transaction.
type LockedFunc func(ctx context.Context, state State) (Mutation, error)

type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes checkpoints through gorm.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the stored state, or an empty state when the stream id was never written.
func (s *Store) Get(ctx context.Context, streamID string) (State, error) {
	if err := validateStreamID(streamID); err != nil {
		return State{}, err
	}
	var row Checkpoint
	err := s.db.WithContext(ctx).Where("stream_id = ?", streamID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("checkpoint: get %s: %w", streamID, err)
	}
	return row.state(), nil
}

// Set upserts position and metadata for a stream id.
func (s *Store) Set(ctx context.Context, streamID string, position *int64, metadata Metadata) error {
	if err := validateStreamID(streamID); err != nil {
		return err
	}
	row := Checkpoint{
		StreamID:  streamID,
		Position:  position,
		Metadata:  metadata,
		UpdatedAt: s.clock().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stream_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "metadata", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("checkpoint: set %s: %w", streamID, err)
	}
	return nil
}

// WithLock creates the row if missing, locks it, runs fn and persists the returned mutation
// in the same transaction. An error from fn rolls the transaction back.
func (s *Store) WithLock(ctx context.Context, streamID string, fn LockedFunc) (State, error) {
	if err := validateStreamID(streamID); err != nil {
		return State{}, err
	}
	if fn == nil {
		return State{}, ErrMissingFunc
	}

	var result State
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := Checkpoint{StreamID: streamID, UpdatedAt: s.clock().UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return fmt.Errorf("checkpoint: seed %s: %w", streamID, err)
		}

		var row Checkpoint
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("stream_id = ?", streamID).
			Take(&row).Error; err != nil {
			return fmt.Errorf("checkpoint: lock %s: %w", streamID, err)
		}

		mutation, err := fn(ctx, row.state())
		if err != nil {
			return err
		}

		changed := false
		if mutation.Position != nil && *mutation.Position >= 0 {
			position := *mutation.Position
			row.Position = &position
			changed = true
		} else if mutation.Position != nil {
			s.logger.Warn("ignoring invalid checkpoint position",
				zap.String("stream_id", streamID),
				zap.Int64("position", *mutation.Position))
		}
		if mutation.Metadata != nil {
			row.Metadata = *mutation.Metadata
			changed = true
		}
		if changed {
			row.UpdatedAt = s.clock().UTC()
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("checkpoint: save %s: %w", streamID, err)
			}
		}
		result = row.state()
		return nil
	})
	if txErr != nil {
		return State{}, txErr
	}
	return result, nil
}

func (c Checkpoint) state() State {
	return State{Position: c.Position, Metadata: c.Metadata, UpdatedAt: c.UpdatedAt}
}

func validateStreamID(streamID string) error {
	if strings.TrimSpace(streamID) == "" {
		return ErrMissingStreamID
	}
	return nil
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
