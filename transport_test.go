package consult

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    atomic.Int32

	mu     sync.Mutex
	tokens []string
	auth   []string
	// onConn replaces the echo loop when set; n counts from 1.
	onConn func(n int, c *websocket.Conn)
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	e := &echoServer{}
	e.srv = httptest.NewServer(http.HandlerFunc(e.serve))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *echoServer) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

func (e *echoServer) serve(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	e.tokens = append(e.tokens, r.URL.Query().Get("token"))
	e.auth = append(e.auth, r.Header.Get("Authorization"))
	onConn := e.onConn
	e.mu.Unlock()
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := int(e.conns.Add(1))
	if onConn != nil {
		onConn(n, conn)
		return
	}
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func newTestTransport(t *testing.T, url string, attempts int) *WSTransport {
	t.Helper()
	tr, err := NewWSTransport(shared.NewNopLogger(), nil, WSTransportConfig{
		URL:        url,
		Credential: "token-123",
		Reconnect:  shared.ReconnectConfig{Attempts: attempts, Delay: 10 * time.Millisecond},
		Keepalive:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func waitConnected(t *testing.T, tr *WSTransport) {
	t.Helper()
	require.Eventually(t, tr.Connected, 2*time.Second, 5*time.Millisecond)
}

func TestNewWSTransport(t *testing.T) {
	_, err := NewWSTransport(nil, nil, WSTransportConfig{URL: "ws://x", Credential: "t"})
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewWSTransport(shared.NewNopLogger(), nil, WSTransportConfig{URL: "ws://x"})
	assert.ErrorIs(t, err, shared.ErrNoCredential)
	_, err = NewWSTransport(shared.NewNopLogger(), nil, WSTransportConfig{URL: "://bad", Credential: "t"})
	assert.Error(t, err)
}

func TestWSTransportRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	tr := newTestTransport(t, srv.url(), 3)

	assert.ErrorIs(t, tr.Send(EventTyping, &TypingParam{Pair: Pair{UserID: "u1", DoctorID: "d1"}}), shared.ErrNotConnected)

	var mu sync.Mutex
	var order []string
	tr.Subscribe(EventTyping, func(env *Envelope) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	tr.Subscribe(EventTyping, func(env *Envelope) {
		p := env.Param.(*TypingParam)
		mu.Lock()
		order = append(order, "second")
		if p.IsTyping {
			order = append(order, "typing")
		}
		mu.Unlock()
	})
	dropped := tr.Subscribe(EventTyping, func(*Envelope) {
		t.Error("closed subscription still called")
	})
	dropped.Close()
	dropped.Close()

	require.NoError(t, tr.Connect(context.Background()))
	assert.ErrorIs(t, tr.Connect(context.Background()), shared.ErrAlreadyConnected)
	waitConnected(t, tr)

	require.NoError(t, tr.Send(EventTyping, &TypingParam{Pair: Pair{UserID: "u1", DoctorID: "d1"}, IsTyping: true}))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"first", "second", "typing"}, order)
	mu.Unlock()

	srv.mu.Lock()
	assert.Equal(t, "token-123", srv.tokens[0])
	assert.Equal(t, "Bearer token-123", srv.auth[0])
	srv.mu.Unlock()

	_, err := EncodeEnvelope(EventTyping, &TypingParam{})
	require.Error(t, err)
	assert.ErrorIs(t, tr.Send(EventTyping, &TypingParam{}), shared.ErrInvalidEvent)
}

func TestWSTransportSkipsBadFrames(t *testing.T) {
	srv := newEchoServer(t)
	srv.onConn = func(_ int, c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"callWaiting","data":{}}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"callEnded","data":{"userId":"u1"}}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"callEnded","data":{"userId":"u1","doctorId":"d1"}}`))
		_, _, _ = c.ReadMessage()
	}
	tr := newTestTransport(t, srv.url(), 3)
	got := make(chan *Envelope, 4)
	tr.Subscribe(EventCallEnded, func(env *Envelope) { got <- env })
	require.NoError(t, tr.Connect(context.Background()))

	select {
	case env := <-got:
		assert.Equal(t, Pair{UserID: "u1", DoctorID: "d1"}, env.Param.(*PairParam).Pair)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame never delivered")
	}
	assert.Empty(t, got)
	assert.True(t, tr.Connected())
}

func TestWSTransportReconnectsAfterDrop(t *testing.T) {
	srv := newEchoServer(t)
	srv.onConn = func(n int, c *websocket.Conn) {
		if n == 1 {
			return
		}
		_, _, _ = c.ReadMessage()
	}
	tr := newTestTransport(t, srv.url(), 2)
	var ups atomic.Int32
	tr.OnStatus(func(up bool) {
		if up {
			ups.Add(1)
		}
	})
	lost := make(chan error, 1)
	tr.OnDisconnect(func(err error) { lost <- err })
	require.NoError(t, tr.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return srv.conns.Load() >= 2 && tr.Connected()
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, ups.Load(), int32(2))
	assert.Empty(t, lost)
}

func TestWSTransportGivesUp(t *testing.T) {
	srv := newEchoServer(t)
	url := srv.url()
	srv.srv.Close()

	tr := newTestTransport(t, url, 3)
	var calls atomic.Int32
	lost := make(chan error, 2)
	tr.OnDisconnect(func(err error) {
		calls.Add(1)
		lost <- err
	})
	start := time.Now()
	require.NoError(t, tr.Connect(context.Background()))

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, shared.ErrTransportLost)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never propagated")
	}
	<-tr.Done()
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, tr.Connected())
	assert.ErrorIs(t, tr.Send(EventEndCall, &PairParam{Pair: Pair{UserID: "u1", DoctorID: "d1"}}), shared.ErrNotConnected)
}

func TestWSTransportCloseIsQuiet(t *testing.T) {
	srv := newEchoServer(t)
	tr := newTestTransport(t, srv.url(), 3)
	tr.OnDisconnect(func(err error) {
		t.Errorf("unexpected disconnect: %v", err)
	})
	require.NoError(t, tr.Connect(context.Background()))
	waitConnected(t, tr)

	require.NoError(t, tr.Close())
	assert.False(t, tr.Connected())
	select {
	case <-tr.Done():
	default:
		t.Fatal("loop still running after Close")
	}
	require.NoError(t, tr.Close())
}

func TestWSTransportConcurrentConnectClose(t *testing.T) {
	srv := newEchoServer(t)
	for i := 0; i < 20; i++ {
		tr := newTestTransport(t, srv.url(), 1)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = tr.Connect(context.Background())
		}()
		go func() {
			defer wg.Done()
			assert.NotPanics(t, func() { _ = tr.Close() })
		}()
		wg.Wait()
		require.NoError(t, tr.Close())
		assert.ErrorIs(t, tr.Connect(context.Background()), shared.ErrAlreadyConnected)
	}
}

func TestWSTransportFeedsSession(t *testing.T) {
	srv := newEchoServer(t)
	srv.onConn = func(_ int, c *websocket.Conn) {
		frame := `{"event":"callReceived","data":{"userId":"u1","doctorId":"d1","offer":{"type":"offer","sdp":"v=0"},"callerRole":"user","callerName":"Pat"}}`
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
		_, _, _ = c.ReadMessage()
	}
	tr := newTestTransport(t, srv.url(), 3)
	links := new(fakeLinks)
	s, err := NewCallSession(shared.NewNopLogger(), SessionConfig{
		Identity:    doctor,
		Transport:   tr,
		Acquirer:    new(fakeAcquirer),
		NewPeerLink: links.factory,
	})
	require.NoError(t, err)
	defer s.Close()

	ringing := make(chan Snapshot, 1)
	s.OnChange(func(snap Snapshot) {
		if snap.State != CallStateRinging {
			return
		}
		select {
		case ringing <- snap:
		default:
		}
	})
	require.NoError(t, tr.Connect(context.Background()))
	select {
	case snap := <-ringing:
		assert.Equal(t, "Pat", snap.CallData.CallerName)
	case <-time.After(2 * time.Second):
		t.Fatal(errors.New("call never rang"))
	}
}
