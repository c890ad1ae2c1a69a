package upstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultURL        = "wss://api.openai.com/v1/realtime"
	DefaultModel      = "gpt-4o-realtime-preview-2024-10-01"
	DefaultBetaHeader = "realtime=v1"

	defaultHandshakeTimeout = 10 * time.Second
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

type Config struct {
	URL              string
	Model            string
	APIKey           string
	BetaHeader       string
	Organization     string
	Project          string
	HandshakeTimeout time.Duration
}

// Dialer opens the websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Manager owns the single process-wide upstream connection. It connects on
// first demand, hands the open connection to every caller, and forgets it as
// soon as it closes so the next Acquire reconnects. It never retries.
type Manager struct {
	cfg    Config
	dialer Dialer
	log    *slog.Logger

	dialMu sync.Mutex

	mu        sync.RWMutex
	conn      *Conn
	state     State
	onConnect func()
}

func NewManager(cfg Config, dialer Dialer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BetaHeader == "" {
		cfg.BetaHeader = DefaultBetaHeader
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		log:    log.With("component", "upstream"),
	}
}

// OnConnect registers a hook run after every successful handshake.
func (m *Manager) OnConnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = fn
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Acquire returns the open connection, dialing a new one if there is none.
// Concurrent callers block until the single in-flight dial settles.
func (m *Manager) Acquire(ctx context.Context) (*Conn, error) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.RLock()
	existing := m.conn
	m.mu.RUnlock()
	if existing != nil && !existing.IsClosed() {
		return existing, nil
	}

	m.setState(StateConnecting)

	endpoint, err := m.endpoint()
	if err != nil {
		m.setState(StateClosed)
		return nil, &ConnectError{Err: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	ws, resp, err := m.dialer.DialContext(dialCtx, endpoint, m.headers())
	if err != nil {
		m.setState(StateClosed)
		cerr := &ConnectError{Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		m.log.Error("upstream handshake failed", "error", err, "status", cerr.StatusCode)
		return nil, cerr
	}

	conn := newConn(ws, m.log, m.release)

	m.mu.Lock()
	m.conn = conn
	m.state = StateOpen
	hook := m.onConnect
	m.mu.Unlock()

	// The connection may have died between the handshake and now.
	if conn.IsClosed() {
		m.release(conn)
		return nil, &ConnectError{Err: errors.Join(ErrConnClosed, conn.Err())}
	}

	m.log.Info("upstream connected", "conn_id", conn.ID(), "model", m.cfg.Model)
	if hook != nil {
		hook()
	}
	return conn, nil
}

// Close tears down the current connection, if any.
func (m *Manager) Close() error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (m *Manager) release(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == c {
		m.conn = nil
		m.state = StateClosed
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) endpoint() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", m.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+m.cfg.APIKey)
	h.Set("OpenAI-Beta", m.cfg.BetaHeader)
	if m.cfg.Organization != "" {
		h.Set("OpenAI-Organization", m.cfg.Organization)
	}
	if m.cfg.Project != "" {
		h.Set("OpenAI-Project", m.cfg.Project)
	}
	return h
}
