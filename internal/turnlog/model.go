package turnlog

import "time"

// Turn is the persisted outcome of one relay turn. Conversation text is
// never stored.
type Turn struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	Mode       string    `gorm:"not null" json:"mode"`
	Status     string    `gorm:"not null;index" json:"status"`
	StartedAt  time.Time `gorm:"not null;index" json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
	TextChars  int       `json:"text_chars"`
	AudioClips int       `json:"audio_clips"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type ListResponse struct {
	Turns []*Turn `json:"turns"`
	Limit int     `json:"limit"`
}
