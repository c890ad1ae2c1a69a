package metrics

import (
	"strconv"
	"time"
)

const (
	fieldTurns          = "turns"
	fieldCompleted      = "completed"
	fieldCancelled      = "cancelled"
	fieldFailed         = "failed"
	fieldAudioClips     = "audio_clips"
	fieldTextChars      = "text_chars"
	fieldConnects       = "connects"
	fieldTotalLatencyMs = "total_latency_ms"
	fieldLatencyCount   = "latency_count"
)

// Metrics is one hour of relay activity.
type Metrics struct {
	Date         string `json:"date"`
	Hour         int    `json:"hour"`
	Turns        int64  `json:"turns"`
	Completed    int64  `json:"completed"`
	Cancelled    int64  `json:"cancelled"`
	Failed       int64  `json:"failed"`
	AudioClips   int64  `json:"audio_clips"`
	TextChars    int64  `json:"text_chars"`
	Connects     int64  `json:"connects"`
	AvgLatencyMs int64  `json:"avg_latency_ms"`
}

type Summary struct {
	Period          string  `json:"period"`
	TotalTurns      int64   `json:"total_turns"`
	TotalCompleted  int64   `json:"total_completed"`
	TotalCancelled  int64   `json:"total_cancelled"`
	TotalFailed     int64   `json:"total_failed"`
	TotalAudioClips int64   `json:"total_audio_clips"`
	TotalConnects   int64   `json:"total_connects"`
	AvgLatencyMs    int64   `json:"avg_latency_ms"`
	FailureRate     float64 `json:"failure_rate"`
}

type ListResponse struct {
	Hours   int        `json:"hours"`
	Metrics []*Metrics `json:"metrics"`
}

func RedisKey(t time.Time) string {
	return "relay:metrics:" + t.Format("2006-01-02") + ":" + strconv.Itoa(t.Hour())
}

// Summarize folds hourly buckets into one period total.
func Summarize(period string, hourly []*Metrics) Summary {
	s := Summary{Period: period}

	var totalLatency, latencyBuckets int64
	for _, m := range hourly {
		s.TotalTurns += m.Turns
		s.TotalCompleted += m.Completed
		s.TotalCancelled += m.Cancelled
		s.TotalFailed += m.Failed
		s.TotalAudioClips += m.AudioClips
		s.TotalConnects += m.Connects

		if m.AvgLatencyMs > 0 {
			totalLatency += m.AvgLatencyMs
			latencyBuckets++
		}
	}

	if latencyBuckets > 0 {
		s.AvgLatencyMs = totalLatency / latencyBuckets
	}
	if s.TotalTurns > 0 {
		s.FailureRate = float64(s.TotalFailed) / float64(s.TotalTurns) * 100
	}
	return s
}
