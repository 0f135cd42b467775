package consult

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler receives one decoded inbound event.
type Handler func(env *Envelope)

// Transport is the duplex named-event channel to the relay. Delivery is
// at-most-once per attempt with no deduplication; order is preserved only
// within one event name from one sender.
type Transport interface {
	Send(name EventName, param EventParam) error
	Subscribe(name EventName, h Handler) *Subscription
	// OnDisconnect fires once reconnection attempts are exhausted.
	OnDisconnect(fn func(error)) *Subscription
	Connected() bool
}

// Subscription is a scoped registration; Close is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// handlerSet keeps handlers in registration order.
type handlerSet[F any] struct {
	mu     sync.RWMutex
	nextID uint64
	ids    []uint64
	fns    map[uint64]F
}

func (hs *handlerSet[F]) add(fn F) *Subscription {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.fns == nil {
		hs.fns = make(map[uint64]F)
	}
	hs.nextID++
	id := hs.nextID
	hs.ids = append(hs.ids, id)
	hs.fns[id] = fn
	return newSubscription(func() {
		hs.mu.Lock()
		defer hs.mu.Unlock()
		delete(hs.fns, id)
		for i, v := range hs.ids {
			if v == id {
				hs.ids = append(hs.ids[:i], hs.ids[i+1:]...)
				break
			}
		}
	})
}

func (hs *handlerSet[F]) snapshot() []F {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	out := make([]F, 0, len(hs.ids))
	for _, id := range hs.ids {
		out = append(out, hs.fns[id])
	}
	return out
}

type WSTransportConfig struct {
	URL        string
	Credential string
	Reconnect  shared.ReconnectConfig
	Keepalive  time.Duration
	Dialer     *websocket.Dialer
}

// WSTransport is a reconnecting websocket Transport. Frames are JSON
// envelopes; handlers run on the read goroutine in arrival order.
type WSTransport struct {
	logger  shared.LoggerAdapter
	metrics *shared.Metrics
	cfg     WSTransportConfig
	url     string

	handlersMu sync.RWMutex
	handlers   map[EventName]*handlerSet[Handler]
	lost       handlerSet[func(error)]
	status     handlerSet[func(bool)]

	writeMu sync.Mutex
	conn    *websocket.Conn

	connected atomic.Bool

	// lifeMu guards the start/stop handoff of the dial loop.
	lifeMu sync.Mutex
	cancel context.CancelCauseFunc
	done   chan struct{}
}

var _ Transport = (*WSTransport)(nil)

func NewWSTransport(logger shared.LoggerAdapter, metrics *shared.Metrics, cfg WSTransportConfig) (*WSTransport, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Credential == "" {
		return nil, shared.ErrNoCredential
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing relay URL: %w", err)
	}
	q := u.Query()
	q.Set("token", cfg.Credential)
	u.RawQuery = q.Encode()
	if cfg.Reconnect.Attempts <= 0 {
		cfg.Reconnect.Attempts = 5
	}
	if cfg.Reconnect.Delay < 0 {
		cfg.Reconnect.Delay = time.Second
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &WSTransport{
		logger:   logger.With(zap.String("component", "transport")),
		metrics:  metrics,
		cfg:      cfg,
		url:      u.String(),
		handlers: make(map[EventName]*handlerSet[Handler]),
		done:     make(chan struct{}),
	}, nil
}

// Connect starts the dial loop and returns immediately. Dial failures are
// retried in the background and surface only through OnDisconnect.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if t.cancel != nil {
		return shared.ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancelCause(ctx)
	t.cancel = cancel
	go t.run(ctx)
	return nil
}

func (t *WSTransport) Connected() bool {
	return t.connected.Load()
}

// Done is closed when the dial loop has exited, either through Close or
// after exhausting reconnection attempts.
func (t *WSTransport) Done() <-chan struct{} {
	return t.done
}

func (t *WSTransport) Subscribe(name EventName, h Handler) *Subscription {
	if h == nil {
		return newSubscription(nil)
	}
	t.handlersMu.Lock()
	hs, ok := t.handlers[name]
	if !ok {
		hs = new(handlerSet[Handler])
		t.handlers[name] = hs
	}
	t.handlersMu.Unlock()
	return hs.add(h)
}

func (t *WSTransport) OnDisconnect(fn func(error)) *Subscription {
	return t.lost.add(fn)
}

// OnStatus reports every connectivity change.
func (t *WSTransport) OnStatus(fn func(connected bool)) *Subscription {
	return t.status.add(fn)
}

func (t *WSTransport) Send(name EventName, param EventParam) error {
	data, err := EncodeEnvelope(name, param)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil || !t.connected.Load() {
		return shared.ErrNotConnected
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	t.logger.Trace("sent event", zap.String("event", string(name)))
	return nil
}

// Close stops the dial loop without firing OnDisconnect.
func (t *WSTransport) Close() error {
	t.lifeMu.Lock()
	cancel := t.cancel
	t.lifeMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel(shared.ErrTransportClosed)
	t.writeMu.Lock()
	if t.conn != nil {
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = t.conn.Close()
	}
	t.writeMu.Unlock()
	<-t.done
	return nil
}

func (t *WSTransport) run(ctx context.Context) {
	defer close(t.done)
	failures := 0
	var lastErr error
	for {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			lastErr = err
			t.logger.Warn("relay dial failed",
				zap.Int("attempt", failures),
				zap.Int("max_attempts", t.cfg.Reconnect.Attempts),
				zap.Error(err),
			)
			if failures >= t.cfg.Reconnect.Attempts {
				t.terminate(lastErr)
				return
			}
			t.metrics.Reconnect()
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.cfg.Reconnect.Delay):
			}
			continue
		}
		failures = 0
		t.attach(conn)
		t.logger.Info("relay connected")
		err = t.readLoop(ctx, conn)
		t.detach(conn)
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("relay connection dropped", zap.Error(err))
	}
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.cfg.Credential)
	conn, resp, err := t.cfg.Dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing relay (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	return conn, nil
}

func (t *WSTransport) attach(conn *websocket.Conn) {
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
	t.setConnected(true)
}

func (t *WSTransport) detach(conn *websocket.Conn) {
	t.writeMu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.writeMu.Unlock()
	_ = conn.Close()
	t.setConnected(false)
}

func (t *WSTransport) setConnected(up bool) {
	if t.connected.Swap(up) == up {
		return
	}
	t.metrics.TransportUp(up)
	for _, fn := range t.status.snapshot() {
		fn(up)
	}
}

func (t *WSTransport) terminate(cause error) {
	t.setConnected(false)
	err := fmt.Errorf("%w: %v", shared.ErrTransportLost, cause)
	t.logger.Error("relay unreachable, giving up", err)
	for _, fn := range t.lost.snapshot() {
		fn(err)
	}
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	wait := t.cfg.Keepalive * 2
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go t.pingLoop(conn, stopPing)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		env, err := DecodeEnvelope(data)
		if err != nil {
			if errors.Is(err, shared.ErrUnknownEvent) {
				t.logger.Debug("ignoring unknown event", zap.Error(err))
				continue
			}
			t.logger.Warn("dropping malformed frame", zap.Error(err), zap.ByteString("data", data))
			continue
		}
		t.dispatch(env)
	}
}

func (t *WSTransport) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) dispatch(env *Envelope) {
	t.handlersMu.RLock()
	hs := t.handlers[env.Event]
	t.handlersMu.RUnlock()
	if hs == nil {
		return
	}
	for _, h := range hs.snapshot() {
		h(env)
	}
}
