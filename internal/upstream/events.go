package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Client events.
const (
	EventConversationItemCreate = "conversation.item.create"
	EventResponseCreate         = "response.create"
)

// Server events.
const (
	EventError                        = "error"
	EventResponseCreated              = "response.created"
	EventResponseTextDelta            = "response.text.delta"
	EventResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	EventResponseAudioDelta           = "response.audio.delta"
	EventResponseDone                 = "response.done"
)

type Kind int

const (
	KindOther Kind = iota
	KindTextDelta
	KindAudioDelta
	KindResponseDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindTextDelta:
		return "text_delta"
	case KindAudioDelta:
		return "audio_delta"
	case KindResponseDone:
		return "response_done"
	case KindError:
		return "error"
	default:
		return "other"
	}
}

type ResponseInfo struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
}

// ServerEvent is one frame received from the upstream service.
type ServerEvent struct {
	Type       string         `json:"type"`
	EventID    string         `json:"event_id,omitempty"`
	ResponseID string         `json:"response_id,omitempty"`
	Delta      string         `json:"delta,omitempty"`
	Error      *UpstreamError `json:"error,omitempty"`
	Response   *ResponseInfo  `json:"response,omitempty"`

	// Audio holds the decoded PCM of a response.audio.delta frame.
	Audio []byte `json:"-"`
}

func (e *ServerEvent) Kind() Kind {
	switch e.Type {
	case EventResponseTextDelta, EventResponseAudioTranscriptDelta:
		return KindTextDelta
	case EventResponseAudioDelta:
		return KindAudioDelta
	case EventResponseDone:
		return KindResponseDone
	case EventError:
		return KindError
	default:
		return KindOther
	}
}

// ResponseRef names the response a frame belongs to, or "" when the frame
// is not tied to one.
func (e *ServerEvent) ResponseRef() string {
	if e.ResponseID != "" {
		return e.ResponseID
	}
	if e.Response != nil {
		return e.Response.ID
	}
	return ""
}

// ParseServerEvent decodes a frame. Frames that are not JSON, lack a type, or
// lack the field their type requires are reported as ErrMalformedFrame.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch ev.Kind() {
	case KindTextDelta:
		if ev.Delta == "" {
			return nil, fmt.Errorf("%w: %s without delta", ErrMalformedFrame, ev.Type)
		}
	case KindAudioDelta:
		if ev.Delta == "" {
			return nil, fmt.Errorf("%w: %s without delta", ErrMalformedFrame, ev.Type)
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, fmt.Errorf("%w: audio delta is not base64: %v", ErrMalformedFrame, err)
		}
		ev.Audio = pcm
	case KindError:
		if ev.Error == nil {
			return nil, fmt.Errorf("%w: error frame without error object", ErrMalformedFrame)
		}
	}

	return &ev, nil
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ResponseOptions struct {
	Modalities        []string `json:"modalities,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	OutputAudioFormat string   `json:"output_audio_format,omitempty"`
}

// ClientEvent is one frame sent to the upstream service.
type ClientEvent struct {
	EventID  string           `json:"event_id,omitempty"`
	Type     string           `json:"type"`
	Item     *Item            `json:"item,omitempty"`
	Response *ResponseOptions `json:"response,omitempty"`
}

func newEventID() string {
	return "evt_" + uuid.New().String()[:12]
}

func NewUserMessage(text string) ClientEvent {
	return ClientEvent{
		EventID: newEventID(),
		Type:    EventConversationItemCreate,
		Item: &Item{
			Type: "message",
			Role: "user",
			Content: []ContentPart{
				{Type: "input_text", Text: text},
			},
		},
	}
}

func NewResponseCreate(opts *ResponseOptions) ClientEvent {
	return ClientEvent{
		EventID:  newEventID(),
		Type:     EventResponseCreate,
		Response: opts,
	}
}
