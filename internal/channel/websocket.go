package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/workerbus/internal/protocol/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	ErrWorkerURLRequired = errors.New("channel: worker url required")
	ErrUnauthorized      = errors.New("channel: worker rejected credentials")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// DialConfig controls how a controller reaches a remote worker.
type DialConfig struct {
	Token            string
	HandshakeTimeout time.Duration
	// MaxAttempts <= 0 retries until ctx is done.
	MaxAttempts int
	Backoff     BackoffConfig
	Limits      frame.Limits
}

func DefaultDialConfig() DialConfig {
	return DialConfig{
		HandshakeTimeout: 5 * time.Second,
		MaxAttempts:      5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Limits: frame.DefaultLimits(),
	}
}

// WebSocket carries one frame per binary message.
type WebSocket struct {
	conn   *websocket.Conn
	in     *inbox
	limits frame.Limits

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

var _ Channel = (*WebSocket)(nil)

func NewWebSocket(conn *websocket.Conn, limits frame.Limits) *WebSocket {
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	ws := &WebSocket{
		conn:   conn,
		in:     newInbox(),
		limits: limits,
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(int64(limits.MaxPayloadBytes) + int64(frame.FixedHeaderLen))
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go ws.readLoop()
	go ws.pingLoop()
	return ws
}

// DialWebSocket connects to a worker listening at url, retrying with backoff.
// A 401/403 handshake response is not retried.
func DialWebSocket(ctx context.Context, url string, cfg DialConfig) (*WebSocket, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrWorkerURLRequired
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	header := http.Header{}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			log.Info().Str("url", url).Int("attempt", attempt).Msg("worker websocket connected")
			return NewWebSocket(conn, cfg.Limits), nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status=%d", ErrUnauthorized, resp.StatusCode)
		}
		log.Warn().Str("url", url).Int("attempt", attempt).Err(err).Msg("worker websocket dial failed")
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, fmt.Errorf("channel: dial %s: %w", url, err)
		}
		timer := time.NewTimer(NextBackoffDelay(cfg.Backoff, attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// AcceptWebSocket upgrades an HTTP request into a worker-side channel.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, limits frame.Limits) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("channel: upgrade: %w", err)
	}
	return NewWebSocket(conn, limits), nil
}

func (ws *WebSocket) Send(f frame.Frame) error {
	if ws.closed.Load() {
		return ErrClosed
	}
	b, err := frame.Marshal(f)
	if err != nil {
		return err
	}
	ws.wmu.Lock()
	defer ws.wmu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		if ws.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("channel: websocket send %s: %w", frame.Canonical(f.Action), err)
	}
	return nil
}

func (ws *WebSocket) OnReceive(fn func(frame.Frame)) {
	ws.in.setReceiver(fn)
}

func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.closed.Store(true)
		ws.in.close()
		ws.wmu.Lock()
		_ = ws.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		ws.wmu.Unlock()
		err = ws.conn.Close()
		close(ws.done)
	})
	return err
}

func (ws *WebSocket) Done() <-chan struct{} {
	return ws.done
}

func (ws *WebSocket) readLoop() {
	for {
		mt, data, err := ws.conn.ReadMessage()
		if err != nil {
			if !ws.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("worker websocket read failed")
			}
			ws.in.drain(func() { _ = ws.Close() })
			return
		}
		if mt != websocket.BinaryMessage {
			log.Debug().Int("type", mt).Msg("worker websocket ignoring non-binary message")
			continue
		}
		f, err := frame.Unmarshal(data, ws.limits)
		if err != nil {
			log.Warn().Err(err).Msg("worker websocket dropped malformed frame")
			continue
		}
		ws.in.push(f)
	}
}

func (ws *WebSocket) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			ws.wmu.Lock()
			err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			ws.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
