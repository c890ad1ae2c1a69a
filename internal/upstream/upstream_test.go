package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeUpstream struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	handshakes atomic.Int32
	mu         sync.Mutex
	headers    []http.Header
	queries    []string
	received   chan ClientEvent
	conns      chan *websocket.Conn
	reject     bool
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{
		t:        t,
		received: make(chan ClientEvent, 32),
		conns:    make(chan *websocket.Conn, 8),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	f.handshakes.Add(1)
	f.mu.Lock()
	f.headers = append(f.headers, r.Header.Clone())
	f.queries = append(f.queries, r.URL.RawQuery)
	reject := f.reject
	f.mu.Unlock()

	if reject {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.conns <- ws

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var ev ClientEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			f.received <- ev
		}
	}
}

func (f *fakeUpstream) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-f.conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("upstream was never dialed")
		return nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(f *fakeUpstream) *Manager {
	return NewManager(Config{
		URL:        f.url(),
		Model:      "test-model",
		APIKey:     "sk-test",
		BetaHeader: "realtime=v1",
		Project:    "proj_1",
	}, nil, testLogger())
}

func TestManager_AcquireHandshake(t *testing.T) {
	f := newFakeUpstream(t)
	mgr := newTestManager(f)

	conn, err := mgr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer conn.Close()

	if mgr.State() != StateOpen {
		t.Errorf("expected open, got %s", mgr.State())
	}

	f.mu.Lock()
	h := f.headers[0]
	q := f.queries[0]
	f.mu.Unlock()

	if got := h.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("expected bearer header, got %q", got)
	}
	if got := h.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("expected beta header, got %q", got)
	}
	if got := h.Get("OpenAI-Project"); got != "proj_1" {
		t.Errorf("expected project header, got %q", got)
	}
	if h.Get("OpenAI-Organization") != "" {
		t.Error("organization header should be omitted when unset")
	}
	if q != "model=test-model" {
		t.Errorf("expected model query, got %q", q)
	}
}

func TestManager_ReusesOpenConnection(t *testing.T) {
	f := newFakeUpstream(t)
	mgr := newTestManager(f)

	first, err := mgr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	second, err := mgr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	if first != second {
		t.Error("expected the same connection to be reused")
	}
	if n := f.handshakes.Load(); n != 1 {
		t.Errorf("expected one handshake, got %d", n)
	}
}

func TestManager_ConcurrentAcquireDialsOnce(t *testing.T) {
	f := newFakeUpstream(t)
	mgr := newTestManager(f)

	var wg sync.WaitGroup
	conns := make([]*Conn, 8)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := mgr.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire error: %v", err)
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range conns[1:] {
		if c != conns[0] {
			t.Fatal("all callers should share one connection")
		}
	}
	if n := f.handshakes.Load(); n != 1 {
		t.Errorf("expected one handshake, got %d", n)
	}
}

func TestManager_ReconnectsAfterUpstreamClose(t *testing.T) {
	f := newFakeUpstream(t)
	mgr := newTestManager(f)

	first, err := mgr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	ws := f.nextConn(t)
	_ = ws.Close()

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection should observe the upstream close")
	}
	if mgr.State() != StateClosed {
		t.Errorf("expected closed, got %s", mgr.State())
	}

	second, err := mgr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer second.Close()

	if second == first {
		t.Error("stale connection must not be reused")
	}
	if n := f.handshakes.Load(); n != 2 {
		t.Errorf("expected two handshakes, got %d", n)
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	f := newFakeUpstream(t)
	f.reject = true
	mgr := newTestManager(f)

	_, err := mgr.Acquire(context.Background())

	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if cerr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", cerr.StatusCode)
	}
	if mgr.State() != StateClosed {
		t.Errorf("expected closed after failure, got %s", mgr.State())
	}
}

func TestManager_CloseAndOnConnect(t *testing.T) {
	f := newFakeUpstream(t)
	mgr := newTestManager(f)

	var connects atomic.Int32
	mgr.OnConnect(func() { connects.Add(1) })

	conn, err := mgr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	if !conn.IsClosed() {
		t.Error("connection should be closed")
	}
	if !errors.Is(conn.Err(), ErrConnClosed) {
		t.Errorf("expected ErrConnClosed, got %v", conn.Err())
	}
	if mgr.State() != StateClosed {
		t.Errorf("expected closed, got %s", mgr.State())
	}
	if connects.Load() != 1 {
		t.Errorf("expected one connect hook call, got %d", connects.Load())
	}
	if err := conn.Send(context.Background(), NewUserMessage("hi")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed on send, got %v", err)
	}
}

func TestConn_SendAndSubscribe(t *testing.T) {
	f := newFakeUpstream(t)
	mgr := newTestManager(f)

	conn, err := mgr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer conn.Close()
	ws := f.nextConn(t)

	sub, err := conn.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Close()

	if err := conn.Send(context.Background(), NewUserMessage("hello")); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	select {
	case ev := <-f.received:
		if ev.Type != EventConversationItemCreate || ev.Item.Content[0].Text != "hello" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received the event")
	}

	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	frames := []string{
		`not json`,
		`{"type":"response.audio.delta","delta":"%%%"}`,
		`{"type":"response.text.delta","delta":"Hel"}`,
		`{"type":"response.audio.delta","delta":"` + audio + `"}`,
		`{"type":"response.done","response":{"id":"resp_1","status":"completed"}}`,
	}
	for _, fr := range frames {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(fr)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	want := []Kind{KindTextDelta, KindAudioDelta, KindResponseDone}
	for i, k := range want {
		select {
		case ev := <-sub.Events():
			if ev.Kind() != k {
				t.Fatalf("event %d: expected %s, got %s", i, k, ev.Kind())
			}
			if k == KindAudioDelta && len(ev.Audio) != 4 {
				t.Errorf("expected decoded audio, got %v", ev.Audio)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never delivered", i)
		}
	}
}

func TestConn_SubscribeReplacesPrevious(t *testing.T) {
	f := newFakeUpstream(t)
	mgr := newTestManager(f)

	conn, err := mgr.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer conn.Close()
	ws := f.nextConn(t)

	first, _ := conn.Subscribe()
	second, _ := conn.Subscribe()
	defer second.Close()

	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done"}`))

	select {
	case <-second.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("new subscriber should receive frames")
	}
	select {
	case ev := <-first.Events():
		t.Fatalf("released subscriber received %+v", ev)
	default:
	}
}
