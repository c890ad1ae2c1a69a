package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/eleven-am/avatar-relay/internal/relay"
	"github.com/redis/go-redis/v9"
)

const metricsTTL = 7 * 24 * time.Hour

// Store keeps hourly relay counters in Redis hashes.
type Store struct {
	redis *redis.Client
	now   func() time.Time
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient, now: time.Now}
}

func (s *Store) IncrementMetric(ctx context.Context, field string, value int64) error {
	key := RedisKey(s.now().UTC())

	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, key, field, value)
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) IncrementConnects(ctx context.Context) error {
	return s.IncrementMetric(ctx, fieldConnects, 1)
}

// RecordTurn counts one finished turn under the hour it ended in.
func (s *Store) RecordTurn(ctx context.Context, turn relay.TurnSummary) error {
	ended := turn.EndedAt
	if ended.IsZero() {
		ended = s.now()
	}
	key := RedisKey(ended.UTC())

	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, key, fieldTurns, 1)
	if field := statusField(turn.Status); field != "" {
		pipe.HIncrBy(ctx, key, field, 1)
	}
	if turn.AudioClips > 0 {
		pipe.HIncrBy(ctx, key, fieldAudioClips, int64(turn.AudioClips))
	}
	if turn.TextChars > 0 {
		pipe.HIncrBy(ctx, key, fieldTextChars, int64(turn.TextChars))
	}
	if turn.Status == relay.StateComplete.String() {
		pipe.HIncrBy(ctx, key, fieldTotalLatencyMs, turn.Duration().Milliseconds())
		pipe.HIncrBy(ctx, key, fieldLatencyCount, 1)
	}
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func statusField(status string) string {
	switch status {
	case relay.StateComplete.String():
		return fieldCompleted
	case relay.StateCancelled.String():
		return fieldCancelled
	case relay.StateFailed.String():
		return fieldFailed
	default:
		return ""
	}
}

// GetMetrics returns the non-empty buckets of the last hours, newest first.
func (s *Store) GetMetrics(ctx context.Context, hours int) ([]*Metrics, error) {
	now := s.now().UTC()
	var metrics []*Metrics

	for i := 0; i < hours; i++ {
		t := now.Add(-time.Duration(i) * time.Hour)

		data, err := s.redis.HGetAll(ctx, RedisKey(t)).Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}

		m := &Metrics{
			Date: t.Format("2006-01-02"),
			Hour: t.Hour(),
		}
		m.Turns = parseCount(data, fieldTurns)
		m.Completed = parseCount(data, fieldCompleted)
		m.Cancelled = parseCount(data, fieldCancelled)
		m.Failed = parseCount(data, fieldFailed)
		m.AudioClips = parseCount(data, fieldAudioClips)
		m.TextChars = parseCount(data, fieldTextChars)
		m.Connects = parseCount(data, fieldConnects)

		totalLatency := parseCount(data, fieldTotalLatencyMs)
		latencyCount := parseCount(data, fieldLatencyCount)
		if latencyCount > 0 {
			m.AvgLatencyMs = totalLatency / latencyCount
		}

		metrics = append(metrics, m)
	}

	return metrics, nil
}

func (s *Store) GetMetricsForLast7Days(ctx context.Context) ([]*Metrics, error) {
	return s.GetMetrics(ctx, 7*24)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func parseCount(data map[string]string, field string) int64 {
	v, ok := data[field]
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
