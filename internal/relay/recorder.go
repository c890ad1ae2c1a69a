package relay

import (
	"context"
	"log/slog"
	"time"
)

const recordTimeout = 2 * time.Second

// TurnSummary describes how one turn ended. It never carries conversation text.
type TurnSummary struct {
	ID         string
	Mode       Mode
	Status     string
	StartedAt  time.Time
	EndedAt    time.Time
	TextChars  int
	AudioClips int
	Error      string
}

func (t TurnSummary) Duration() time.Duration {
	if t.EndedAt.Before(t.StartedAt) {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

type Recorder interface {
	RecordTurn(ctx context.Context, turn TurnSummary) error
}

// Recorders fans a summary out to every recorder, logging failures.
type Recorders struct {
	list []Recorder
	log  *slog.Logger
}

func NewRecorders(log *slog.Logger, recorders ...Recorder) *Recorders {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorders{log: log}
	for _, rec := range recorders {
		if rec != nil {
			r.list = append(r.list, rec)
		}
	}
	return r
}

func (r *Recorders) RecordTurn(ctx context.Context, turn TurnSummary) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	for _, rec := range r.list {
		if err := rec.RecordTurn(ctx, turn); err != nil {
			r.log.Warn("failed to record turn", "error", err, "turn_id", turn.ID)
		}
	}
	return nil
}
