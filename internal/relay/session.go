package relay

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/avatar-relay/internal/audio"
	"github.com/eleven-am/avatar-relay/internal/upstream"
)

type State int

const (
	StateStarted State = iota
	StateTextStreaming
	StateAudioBuffering
	StateCompleting
	StateComplete
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateTextStreaming:
		return "text_streaming"
	case StateAudioBuffering:
		return "audio_buffering"
	case StateCompleting:
		return "completing"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

type EventKind int

const (
	EventText EventKind = iota
	EventAudio
	EventComplete
	EventCancelled
	EventError
)

func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventCancelled || k == EventError
}

// OutgoingEvent is one artifact a session hands to its caller.
type OutgoingEvent struct {
	Kind EventKind

	// Text is the cumulative response so far (EventText).
	Text string

	// Clip and MimeType describe one flushed utterance (EventAudio). IsFinal
	// marks the clip as a complete, decodable container.
	Clip     *audio.Clip
	MimeType string
	IsFinal  bool

	Err error
}

// Session is one conversational turn in flight. It owns the connection's
// subscription from Start until its single terminal event.
type Session struct {
	id        string
	conn      *upstream.Conn
	sub       *upstream.Subscription
	agg       *audio.Aggregator
	log       *slog.Logger
	startedAt time.Time

	events   chan OutgoingEvent
	cancelCh chan struct{}
	cancelMu sync.Once
	done     chan struct{}

	clipMu     sync.Mutex
	clipQueue  []audio.Clip
	clipNotify chan struct{}

	// responseID is the upstream response this session consumes. Only the
	// run goroutine touches it.
	responseID string

	mu        sync.RWMutex
	state     State
	text      strings.Builder
	textDone  bool
	audioDone bool
	fragsIn   int
	fragsOut  int
	clips     int
	terminal  bool
	err       error
	endedAt   time.Time
}

func newSession(id string, conn *upstream.Conn, sub *upstream.Subscription, cfg Config, log *slog.Logger) *Session {
	s := &Session{
		id:         id,
		conn:       conn,
		sub:        sub,
		log:        log.With("session_id", id),
		startedAt:  time.Now(),
		events:     make(chan OutgoingEvent, cfg.EventBuffer),
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
		clipNotify: make(chan struct{}, 1),
		state:      StateStarted,
		audioDone:  true,
	}
	s.agg = audio.NewAggregator(cfg.Format, cfg.QuietPeriod, s.enqueueClip)
	if err := s.agg.SetOutputRate(cfg.OutputSampleRate); err != nil {
		s.log.Warn("keeping upstream sample rate", "error", err)
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Events yields the session's artifacts in order and is closed after the
// terminal event. Callers must drain it until it closes.
func (s *Session) Events() <-chan OutgoingEvent {
	return s.events
}

// Done is closed once the session has released every resource it holds.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Cancel triggers the session's one-shot cancellation signal. The shared
// upstream connection is closed as part of settling the cancellation.
func (s *Session) Cancel() {
	s.cancelMu.Do(func() {
		close(s.cancelCh)
	})
}

func (s *Session) cancelled() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

func (s *Session) Summary() TurnSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := TurnSummary{
		ID:         s.id,
		Status:     s.state.String(),
		StartedAt:  s.startedAt,
		EndedAt:    s.endedAt,
		TextChars:  s.text.Len(),
		AudioClips: s.clips,
	}
	if s.err != nil {
		sum.Error = s.err.Error()
	}
	return sum
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.events)

	for {
		select {
		case <-s.cancelCh:
			s.finishCancelled()
			return
		default:
		}

		select {
		case <-s.cancelCh:
			s.finishCancelled()
			return
		case <-s.conn.Done():
			select {
			case <-s.cancelCh:
				s.finishCancelled()
			default:
				s.finishFailed(fmt.Errorf("%w: %v", upstream.ErrConnClosed, s.conn.Err()))
			}
			return
		case ev := <-s.sub.Events():
			if s.handleUpstream(ev) {
				return
			}
		case <-s.clipNotify:
			if s.drainClips() {
				return
			}
		}
	}
}

func (s *Session) handleUpstream(ev *upstream.ServerEvent) bool {
	if !s.ownsResponse(ev) {
		s.log.Debug("dropping frame of another response", "type", ev.Type, "response_id", ev.ResponseRef())
		return false
	}

	switch ev.Kind() {
	case upstream.KindError:
		s.finishFailed(ev.Error)
		return true

	case upstream.KindTextDelta:
		s.mu.Lock()
		s.text.WriteString(ev.Delta)
		text := s.text.String()
		s.transitionLocked(StateTextStreaming)
		s.mu.Unlock()
		s.emit(OutgoingEvent{Kind: EventText, Text: text})
		return false

	case upstream.KindAudioDelta:
		if len(ev.Audio) == 0 {
			return false
		}
		s.mu.Lock()
		s.fragsIn++
		s.audioDone = false
		s.transitionLocked(StateAudioBuffering)
		s.mu.Unlock()
		s.agg.OnFragment(ev.Audio)
		return false

	case upstream.KindResponseDone:
		s.mu.Lock()
		s.textDone = true
		s.audioDone = s.fragsIn == s.fragsOut
		s.transitionLocked(StateCompleting)
		s.mu.Unlock()
		return s.checkComplete()

	default:
		s.log.Debug("ignoring upstream event", "type", ev.Type)
		return false
	}
}

// ownsResponse pins the session to the first response created after its
// trigger. Frames naming any other response are leftovers of an earlier turn
// on the same connection.
func (s *Session) ownsResponse(ev *upstream.ServerEvent) bool {
	ref := ev.ResponseRef()
	if ev.Type == upstream.EventResponseCreated && s.responseID == "" && ref != "" {
		s.responseID = ref
		return true
	}
	return ref == "" || ref == s.responseID
}

// enqueueClip runs on the aggregator's timer goroutine and never blocks.
func (s *Session) enqueueClip(clip audio.Clip) {
	s.clipMu.Lock()
	s.clipQueue = append(s.clipQueue, clip)
	s.clipMu.Unlock()

	select {
	case s.clipNotify <- struct{}{}:
	default:
	}
}

func (s *Session) drainClips() bool {
	s.clipMu.Lock()
	queue := s.clipQueue
	s.clipQueue = nil
	s.clipMu.Unlock()

	for i := range queue {
		if s.cancelled() {
			return false
		}
		clip := queue[i]

		s.mu.Lock()
		s.fragsOut += clip.Fragments
		s.clips++
		s.audioDone = s.fragsIn == s.fragsOut
		s.mu.Unlock()

		s.log.Debug("clip ready", "seq", clip.Seq, "fragments", clip.Fragments, "duration", clip.Duration)
		s.emit(OutgoingEvent{
			Kind:     EventAudio,
			Clip:     &clip,
			MimeType: audio.MimeTypeWAV,
			IsFinal:  true,
		})

		if s.checkComplete() {
			return true
		}
	}
	return false
}

func (s *Session) checkComplete() bool {
	s.mu.Lock()
	complete := s.textDone && s.audioDone
	if complete {
		s.transitionLocked(StateComplete)
	}
	s.mu.Unlock()

	if !complete {
		return false
	}

	s.sub.Close()
	s.emit(OutgoingEvent{Kind: EventComplete})
	s.log.Info("session complete", "clips", s.Summary().AudioClips)
	return true
}

func (s *Session) finishCancelled() {
	dropped := s.agg.Stop()
	s.sub.Close()
	_ = s.conn.Close()

	s.mu.Lock()
	s.transitionLocked(StateCancelled)
	s.mu.Unlock()

	s.emit(OutgoingEvent{Kind: EventCancelled})
	s.log.Info("session cancelled", "dropped_fragments", dropped)
}

func (s *Session) finishFailed(err error) {
	s.agg.Stop()
	s.sub.Close()

	s.mu.Lock()
	s.err = err
	s.transitionLocked(StateFailed)
	s.mu.Unlock()

	s.emit(OutgoingEvent{Kind: EventError, Err: err})
	s.log.Warn("session failed", "error", err)
}

// transitionLocked is the only place the state changes. Terminal states are
// final. Caller holds s.mu.
func (s *Session) transitionLocked(to State) {
	if s.state.Terminal() || s.state == to {
		return
	}
	if s.state == StateCompleting && (to == StateTextStreaming || to == StateAudioBuffering) {
		return
	}
	s.log.Debug("session transition", "from", s.state, "to", to)
	s.state = to
	if to.Terminal() {
		s.endedAt = time.Now()
	}
}

func (s *Session) emit(ev OutgoingEvent) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	if ev.Kind.Terminal() {
		s.terminal = true
	}
	s.mu.Unlock()

	// Once cancelled, nothing queued for the caller may reach it ahead of
	// the terminal event.
	if ev.Kind.Terminal() {
		if s.cancelled() {
			s.discardPending()
		}
		s.events <- ev
		return
	}
	if s.cancelled() {
		return
	}
	select {
	case s.events <- ev:
	case <-s.cancelCh:
	}
}

func (s *Session) discardPending() {
	for {
		select {
		case <-s.events:
		default:
			return
		}
	}
}
