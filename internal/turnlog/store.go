package turnlog

import (
	"context"
	"errors"

	"github.com/eleven-am/avatar-relay/internal/relay"
	"github.com/eleven-am/avatar-relay/internal/shared"
	"gorm.io/gorm"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Turn{})
}

func (s *Store) RecordTurn(ctx context.Context, summary relay.TurnSummary) error {
	turn := &Turn{
		ID:         summary.ID,
		Mode:       string(summary.Mode),
		Status:     summary.Status,
		StartedAt:  summary.StartedAt,
		EndedAt:    summary.EndedAt,
		DurationMs: summary.Duration().Milliseconds(),
		TextChars:  summary.TextChars,
		AudioClips: summary.AudioClips,
		Error:      summary.Error,
	}
	return s.db.WithContext(ctx).Create(turn).Error
}

func (s *Store) GetByID(ctx context.Context, id string) (*Turn, error) {
	var turn Turn
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&turn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	return &turn, err
}

// Recent returns up to limit turns, newest first, optionally filtered by status.
func (s *Store) Recent(ctx context.Context, limit int, status string) ([]*Turn, error) {
	var turns []*Turn
	q := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&turns).Error
	return turns, err
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
