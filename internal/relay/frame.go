package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/eleven-am/avatar-relay/internal/upstream"
)

// Frame is the JSON body of one streamed event.
type Frame struct {
	Response      string `json:"response,omitempty"`
	AudioChunk    string `json:"audioChunk,omitempty"`
	AudioMimeType string `json:"audioMimeType,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	IsComplete    *bool  `json:"isComplete,omitempty"`
	AudioComplete bool   `json:"audioComplete,omitempty"`
	Cancelled     bool   `json:"cancelled,omitempty"`
	Error         string `json:"error,omitempty"`
}

type BufferedResponse struct {
	Response      string `json:"response"`
	AudioData     string `json:"audioData"`
	AudioMimeType string `json:"audioMimeType"`
}

type CancelledResponse struct {
	Cancelled bool `json:"cancelled"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (e OutgoingEvent) Frame() Frame {
	switch e.Kind {
	case EventText:
		return Frame{Response: e.Text}
	case EventAudio:
		final := e.IsFinal
		f := Frame{
			AudioMimeType: e.MimeType,
			IsComplete:    &final,
		}
		if e.Clip != nil {
			f.AudioChunk = base64.StdEncoding.EncodeToString(e.Clip.WAV)
			f.Timestamp = e.Clip.FlushedAt.UnixMilli()
		}
		return f
	case EventComplete:
		return Frame{AudioComplete: true}
	case EventCancelled:
		return Frame{Cancelled: true}
	default:
		return Frame{Error: errorMessage(e.Err)}
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	var uerr *upstream.UpstreamError
	if errors.As(err, &uerr) && uerr.Message != "" {
		return uerr.Message
	}
	return err.Error()
}

const (
	frameWriteTimeout = 5 * time.Second
	cancelWriteGrace  = 250 * time.Millisecond
)

// eventStream writes `data: <json>\n\n` frames, flushing each one. Headers
// are committed lazily so a failure before the first frame can still be
// reported with an error status. Every frame carries a write deadline.
type eventStream struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	control *http.ResponseController
	hurried atomic.Bool
	started bool
}

func newEventStream(w http.ResponseWriter) (*eventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, http.ErrNotSupported
	}
	return &eventStream{
		writer:  w,
		flusher: flusher,
		control: http.NewResponseController(w),
	}, nil
}

// expedite shortens the deadline of the write in progress and of every
// later frame. It is safe to call while send is blocked.
func (s *eventStream) expedite() {
	s.hurried.Store(true)
	_ = s.control.SetWriteDeadline(time.Now().Add(cancelWriteGrace))
}

func (s *eventStream) armDeadline() {
	timeout := frameWriteTimeout
	if s.hurried.Load() {
		timeout = cancelWriteGrace
	}
	// Writers without deadline support return ErrNotSupported and simply
	// block as before.
	_ = s.control.SetWriteDeadline(time.Now().Add(timeout))
}

// release clears the deadline so a kept-alive connection is not left with it.
func (s *eventStream) release() {
	_ = s.control.SetWriteDeadline(time.Time{})
}

func (s *eventStream) start() {
	if s.started {
		return
	}
	h := s.writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.writer.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *eventStream) send(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	s.armDeadline()
	s.start()

	if _, err := s.writer.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	if _, err := s.writer.Write([]byte("\n\n")); err != nil {
		return err
	}

	s.flusher.Flush()
	return nil
}
