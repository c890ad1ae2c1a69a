package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/eleven-am/avatar-relay/internal/audio"
	"github.com/eleven-am/avatar-relay/internal/upstream"
	"github.com/google/uuid"
)

const defaultEventBuffer = 64

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) label() string {
	if r == RoleAssistant {
		return "Assistant"
	}
	return "User"
}

type Turn struct {
	Role Role
	Text string
}

type Config struct {
	// Format describes the PCM the upstream emits.
	Format audio.Format
	// OutputSampleRate resamples clips before encoding. Zero keeps Format's rate.
	OutputSampleRate int
	QuietPeriod      time.Duration
	Instructions     string
	Voice            string
	EventBuffer      int
}

// ConnectionSource hands out the shared upstream connection.
type ConnectionSource interface {
	Acquire(ctx context.Context) (*upstream.Conn, error)
}

// Controller starts sessions on the shared upstream connection.
type Controller struct {
	source ConnectionSource
	cfg    Config
	log    *slog.Logger
}

func NewController(source ConnectionSource, cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Format == (audio.Format{}) {
		cfg.Format = audio.DefaultFormat
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = audio.DefaultQuietPeriod
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Controller{
		source: source,
		cfg:    cfg,
		log:    log.With("component", "relay"),
	}
}

// Start sends the user turn upstream and returns the running session. The
// two writes go out in order before the session begins reading.
func (c *Controller) Start(ctx context.Context, prior []Turn, text string) (*Session, error) {
	conn, err := c.source.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := conn.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe upstream: %w", err)
	}

	if err := conn.Send(ctx, upstream.NewUserMessage(composeInput(prior, text))); err != nil {
		sub.Close()
		return nil, fmt.Errorf("send user turn: %w", err)
	}

	opts := &upstream.ResponseOptions{
		Modalities:        []string{"text", "audio"},
		Instructions:      c.cfg.Instructions,
		Voice:             c.cfg.Voice,
		OutputAudioFormat: "pcm16",
	}
	if err := conn.Send(ctx, upstream.NewResponseCreate(opts)); err != nil {
		sub.Close()
		return nil, fmt.Errorf("send response trigger: %w", err)
	}

	s := newSession(uuid.New().String(), conn, sub, c.cfg, c.log)
	s.log.Info("session started", "prior_turns", len(prior), "conn_id", conn.ID())
	go s.run()
	return s, nil
}

// composeInput flattens prior turns and the new user text into one input.
func composeInput(prior []Turn, text string) string {
	if len(prior) == 0 {
		return text
	}

	var b strings.Builder
	for _, t := range prior {
		b.WriteString(t.Role.label())
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString(RoleUser.label())
	b.WriteString(": ")
	b.WriteString(text)
	return b.String()
}
