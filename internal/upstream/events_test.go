package upstream

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseServerEvent_Kinds(t *testing.T) {
	cases := []struct {
		frame string
		kind  Kind
	}{
		{`{"type":"response.text.delta","delta":"a"}`, KindTextDelta},
		{`{"type":"response.audio_transcript.delta","delta":"a"}`, KindTextDelta},
		{`{"type":"response.audio.delta","delta":"AAA="}`, KindAudioDelta},
		{`{"type":"response.done"}`, KindResponseDone},
		{`{"type":"error","error":{"message":"boom"}}`, KindError},
		{`{"type":"session.created"}`, KindOther},
	}

	for _, tc := range cases {
		ev, err := ParseServerEvent([]byte(tc.frame))
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.frame, err)
		}
		if ev.Kind() != tc.kind {
			t.Errorf("%s: expected %s, got %s", tc.frame, tc.kind, ev.Kind())
		}
	}
}

func TestParseServerEvent_Malformed(t *testing.T) {
	frames := []string{
		`{`,
		`{"delta":"x"}`,
		`{"type":"response.audio.delta"}`,
		`{"type":"response.text.delta"}`,
		`{"type":"response.audio_transcript.delta","delta":""}`,
		`{"type":"response.audio.delta","delta":"not base64!"}`,
		`{"type":"error"}`,
	}

	for _, fr := range frames {
		_, err := ParseServerEvent([]byte(fr))
		if !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: expected ErrMalformedFrame, got %v", fr, err)
		}
	}
}

func TestServerEvent_ResponseRef(t *testing.T) {
	cases := []struct {
		frame string
		want  string
	}{
		{`{"type":"response.created","response":{"id":"resp_1"}}`, "resp_1"},
		{`{"type":"response.text.delta","response_id":"resp_2","delta":"a"}`, "resp_2"},
		{`{"type":"response.done","response":{"id":"resp_3","status":"completed"}}`, "resp_3"},
		{`{"type":"error","error":{"message":"boom"}}`, ""},
	}

	for _, tc := range cases {
		ev, err := ParseServerEvent([]byte(tc.frame))
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.frame, err)
		}
		if got := ev.ResponseRef(); got != tc.want {
			t.Errorf("%s: expected ref %q, got %q", tc.frame, tc.want, got)
		}
	}
}

func TestParseServerEvent_Error(t *testing.T) {
	ev, err := ParseServerEvent([]byte(`{"type":"error","error":{"type":"invalid_request_error","code":"bad","message":"nope"}}`))
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if ev.Error.Message != "nope" {
		t.Errorf("expected message nope, got %q", ev.Error.Message)
	}
	if !strings.Contains(ev.Error.Error(), "bad") {
		t.Errorf("expected code in error string, got %q", ev.Error.Error())
	}
}

func TestClientEvents_Wire(t *testing.T) {
	data, err := json.Marshal(NewUserMessage("hi there"))
	if err != nil {
		t.Fatal(err)
	}
	var msg map[string]any
	_ = json.Unmarshal(data, &msg)

	if msg["type"] != EventConversationItemCreate {
		t.Errorf("unexpected type %v", msg["type"])
	}
	if !strings.HasPrefix(msg["event_id"].(string), "evt_") {
		t.Errorf("unexpected event id %v", msg["event_id"])
	}
	item := msg["item"].(map[string]any)
	if item["role"] != "user" || item["type"] != "message" {
		t.Errorf("unexpected item %v", item)
	}

	data, _ = json.Marshal(NewResponseCreate(&ResponseOptions{Modalities: []string{"text", "audio"}}))
	if !strings.Contains(string(data), `"type":"response.create"`) || !strings.Contains(string(data), `"modalities":["text","audio"]`) {
		t.Errorf("unexpected response.create %s", data)
	}

	data, _ = json.Marshal(NewResponseCreate(nil))
	if strings.Contains(string(data), `"response"`) {
		t.Errorf("nil options should omit response, got %s", data)
	}
}
