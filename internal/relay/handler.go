package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/avatar-relay/internal/audio"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Mode string

const (
	ModeStreaming Mode = "streaming"
	ModeBuffered  Mode = "buffered"
)

var errInvalidRequest = errors.New("invalid request")

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStreaming, "":
		return ModeStreaming, nil
	case ModeBuffered:
		return ModeBuffered, nil
	default:
		return "", fmt.Errorf("unknown relay mode %q", s)
	}
}

type Message struct {
	Text   string `json:"text"`
	IsUser bool   `json:"isUser"`
}

type Request struct {
	Messages []Message `json:"messages"`
}

type SessionStarter interface {
	Start(ctx context.Context, prior []Turn, text string) (*Session, error)
}

type HandlerConfig struct {
	Starter  SessionStarter
	Mode     Mode
	Format   audio.Format
	Recorder Recorder
	Log      *slog.Logger
}

type activeTurn struct {
	session  *Session
	finished chan struct{}
}

// Handler is the client-facing relay endpoint. It runs one turn at a time:
// a new request cancels the turn in flight and waits for it to settle before
// starting its own.
type Handler struct {
	starter  SessionStarter
	mode     Mode
	format   audio.Format
	recorder Recorder
	log      *slog.Logger

	// handoff serializes turn start-up. active is read without it.
	handoff sync.Mutex
	active  atomic.Pointer[activeTurn]
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStreaming
	}
	if cfg.Format == (audio.Format{}) {
		cfg.Format = audio.DefaultFormat
	}
	return &Handler{
		starter:  cfg.Starter,
		mode:     cfg.Mode,
		format:   cfg.Format,
		recorder: cfg.Recorder,
		log:      cfg.Log.With("component", "relay_handler"),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.Any("", h.HandleRealtime)
}

// ActiveSession reports the session currently holding the relay, if any.
func (h *Handler) ActiveSession() (string, State, bool) {
	turn := h.active.Load()
	if turn == nil {
		return "", 0, false
	}
	return turn.session.ID(), turn.session.State(), true
}

func (h *Handler) HandleRealtime(c echo.Context) error {
	if c.Request().Method != http.MethodPost {
		c.Response().Header().Set(echo.HeaderAllow, http.MethodPost)
		return c.JSON(http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	}

	var req Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	prior, text, err := splitTurns(req.Messages)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	mode := h.mode
	if q := c.QueryParam("mode"); q != "" {
		if mode, err = ParseMode(q); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		}
	}

	ctx := c.Request().Context()
	startedAt := time.Now()

	turn, err := h.begin(ctx, prior, text)
	if err != nil {
		h.log.Error("failed to start session", "error", err)
		h.record(ctx, TurnSummary{
			ID:        uuid.New().String(),
			Mode:      mode,
			Status:    StateFailed.String(),
			StartedAt: startedAt,
			EndedAt:   time.Now(),
			Error:     err.Error(),
		})
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: errorMessage(err)})
	}
	defer h.end(turn)

	s := turn.session
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.Done():
		}
	}()

	if mode == ModeBuffered {
		err = h.respondBuffered(c, s)
	} else {
		err = h.respondStreaming(c, s)
	}

	sum := s.Summary()
	sum.Mode = mode
	h.record(ctx, sum)
	return err
}

func (h *Handler) begin(ctx context.Context, prior []Turn, text string) (*activeTurn, error) {
	h.handoff.Lock()
	defer h.handoff.Unlock()

	if prev := h.active.Load(); prev != nil {
		h.log.Info("cancelling active session for new request", "session_id", prev.session.ID())
		prev.session.Cancel()
		select {
		case <-prev.finished:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		h.active.CompareAndSwap(prev, nil)
	}

	s, err := h.starter.Start(ctx, prior, text)
	if err != nil {
		return nil, err
	}

	turn := &activeTurn{session: s, finished: make(chan struct{})}
	h.active.Store(turn)
	return turn, nil
}

// end marks the turn's response as fully written.
func (h *Handler) end(turn *activeTurn) {
	close(turn.finished)
	h.active.CompareAndSwap(turn, nil)
}

func (h *Handler) respondStreaming(c echo.Context, s *Session) error {
	stream, err := newEventStream(c.Response())
	if err != nil {
		s.Cancel()
		drain(s)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported"})
	}

	// A cancelled turn gets a short grace period to write its final frame,
	// so a client that stopped reading cannot hold up the next turn.
	defer stream.release()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.cancelCh:
			stream.expedite()
		case <-stop:
		}
	}()

	var earlyErr error
	writeFailed := false

	for ev := range s.Events() {
		if writeFailed {
			continue
		}
		if !ev.Kind.Terminal() && s.cancelled() {
			continue
		}
		if ev.Kind == EventError && !stream.started {
			earlyErr = ev.Err
			continue
		}
		if err := stream.send(ev.Frame()); err != nil {
			h.log.Warn("client stream write failed", "error", err, "session_id", s.ID())
			writeFailed = true
			s.Cancel()
		}
	}

	if earlyErr != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: errorMessage(earlyErr)})
	}
	return nil
}

func (h *Handler) respondBuffered(c echo.Context, s *Session) error {
	var (
		text  string
		pcm   []byte
		final OutgoingEvent
	)

	for ev := range s.Events() {
		switch ev.Kind {
		case EventText:
			text = ev.Text
		case EventAudio:
			if ev.Clip != nil {
				pcm = append(pcm, ev.Clip.PCM...)
			}
		default:
			final = ev
		}
	}

	switch final.Kind {
	case EventComplete:
		resp := BufferedResponse{Response: text, AudioMimeType: audio.MimeTypeWAV}
		if len(pcm) > 0 {
			resp.AudioData = base64.StdEncoding.EncodeToString(audio.EncodeWAV(pcm, h.format))
		}
		return c.JSON(http.StatusOK, resp)
	case EventCancelled:
		return c.JSON(http.StatusOK, CancelledResponse{Cancelled: true})
	default:
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: errorMessage(final.Err)})
	}
}

func (h *Handler) record(ctx context.Context, sum TurnSummary) {
	if h.recorder == nil {
		return
	}
	_ = h.recorder.RecordTurn(ctx, sum)
}

func drain(s *Session) {
	for range s.Events() {
	}
}

// splitTurns separates the trailing user message from the turns before it.
func splitTurns(msgs []Message) ([]Turn, string, error) {
	if len(msgs) == 0 {
		return nil, "", fmt.Errorf("%w: messages must not be empty", errInvalidRequest)
	}

	last := msgs[len(msgs)-1]
	if !last.IsUser {
		return nil, "", fmt.Errorf("%w: last message must be from the user", errInvalidRequest)
	}
	text := strings.TrimSpace(last.Text)
	if text == "" {
		return nil, "", fmt.Errorf("%w: last message must not be empty", errInvalidRequest)
	}

	prior := make([]Turn, 0, len(msgs)-1)
	for _, m := range msgs[:len(msgs)-1] {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := RoleAssistant
		if m.IsUser {
			role = RoleUser
		}
		prior = append(prior, Turn{Role: role, Text: m.Text})
	}
	return prior, text, nil
}
