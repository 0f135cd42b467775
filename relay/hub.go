// Package relay is a development relay: the websocket router both parties
// of a consultation connect to. It reads identities from bearer claims
// without verifying them and keeps chat history in memory.
package relay

import (
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	consult "github.com/bt-bridge/consult-rtc"
	"github.com/bt-bridge/consult-rtc/directory"
	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// forwarded maps an inbound event to the name the other party receives.
var forwarded = map[consult.EventName]consult.EventName{
	consult.EventCallUser:     consult.EventCallReceived,
	consult.EventAnswerCall:   consult.EventCallAnswered,
	consult.EventICECandidate: consult.EventICECandidate,
	consult.EventEndCall:      consult.EventCallEnded,
	consult.EventRejectCall:   consult.EventCallRejected,
	consult.EventTyping:       consult.EventTyping,
}

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

type client struct {
	id   shared.Identity
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

type Hub struct {
	logger   shared.LoggerAdapter
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.RWMutex
	clients map[string]*client
	known   map[string]shared.Identity
	history map[consult.Pair][]consult.Message
	wg      sync.WaitGroup
}

func NewHub(logger shared.LoggerAdapter) (*Hub, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Hub{
		logger: logger.With(zap.String("component", "relay")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:     time.Now,
		clients: make(map[string]*client),
		known:   make(map[string]shared.Identity),
		history: make(map[consult.Pair][]consult.Message),
	}, nil
}

// Handler mounts the websocket endpoint at /ws and the contact list at
// /api/contacts.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/api/contacts", h.ServeContacts)
	return mux
}

func credentialFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseCredential(credentialFrom(r))
	if err != nil {
		h.logger.Warn("rejecting connection", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &client{id: id, conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	h.register(c)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()
	h.readPump(c)
	h.unregister(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	old := h.clients[c.id.ID]
	h.clients[c.id.ID] = c
	h.known[c.id.ID] = c.id
	h.mu.Unlock()
	if old != nil {
		h.logger.Info("replacing connection", zap.String("party", c.id.ID))
		old.close()
	}
	h.logger.Info("party connected", zap.String("party", c.id.ID), zap.String("role", string(c.id.Role)))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.id.ID] == c {
		delete(h.clients, c.id.ID)
	}
	h.mu.Unlock()
	c.close()
	h.logger.Info("party disconnected", zap.String("party", c.id.ID))
}

func (h *Hub) readPump(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := consult.DecodeEnvelope(data)
		if err != nil {
			h.logger.Warn("dropping frame", zap.String("party", c.id.ID), zap.Error(err))
			continue
		}
		h.route(c, env)
	}
}

func (h *Hub) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Hub) route(from *client, env *consult.Envelope) {
	pair, ok := consult.PairOf(env.Param)
	if !ok || pair.Local(from.id.Role) != from.id.ID {
		h.logger.Warn("sender not in pair", zap.String("party", from.id.ID), zap.String("event", string(env.Event)))
		return
	}
	if out, ok := forwarded[env.Event]; ok {
		h.deliver(pair.Remote(from.id.Role), out, env.Param)
		return
	}
	switch env.Event {
	case consult.EventJoinChat:
		h.deliver(from.id.ID, consult.EventPreviousMessages, &consult.MessageList{Messages: h.History(pair)})
	case consult.EventSendMessage:
		msg := *env.Param.(*consult.Message)
		msg.ID = uuid.NewString()
		msg.SenderID = from.id.ID
		msg.SenderRole = from.id.Role
		msg.Timestamp = h.now().UTC()
		h.mu.Lock()
		h.history[pair] = append(h.history[pair], msg)
		h.mu.Unlock()
		h.deliver(pair.UserID, consult.EventReceiveMessage, &msg)
		h.deliver(pair.DoctorID, consult.EventReceiveMessage, &msg)
	default:
		h.logger.Debug("ignoring client event", zap.String("event", string(env.Event)))
	}
}

// deliver queues an event for a party; events for offline parties are lost.
func (h *Hub) deliver(to string, name consult.EventName, param consult.EventParam) {
	data, err := consult.EncodeEnvelope(name, param)
	if err != nil {
		h.logger.Error("encoding event", err, zap.String("event", string(name)))
		return
	}
	h.mu.RLock()
	c := h.clients[to]
	h.mu.RUnlock()
	if c == nil {
		h.logger.Debug("party offline", zap.String("party", to), zap.String("event", string(name)))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		h.logger.Warn("send buffer full, dropping", zap.String("party", to), zap.String("event", string(name)))
	}
}

// History returns a copy of the stored thread for p.
func (h *Hub) History(p consult.Pair) []consult.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.history[p])
}

func (h *Hub) Online(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[id]
	return ok
}

// ServeContacts lists every party of the other role seen so far.
func (h *Hub) ServeContacts(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseCredential(credentialFrom(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.mu.RLock()
	contacts := make([]directory.Contact, 0, len(h.known))
	for _, k := range h.known {
		if k.Role == id.Role {
			continue
		}
		_, online := h.clients[k.ID]
		contacts = append(contacts, directory.Contact{ID: k.ID, Name: k.Name, Role: k.Role, Online: online})
	}
	h.mu.RUnlock()
	slices.SortFunc(contacts, func(a, b directory.Contact) int { return strings.Compare(a.ID, b.ID) })

	body, err := sonic.Marshal(contacts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// Close drops every connection and waits for the writers to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
	return nil
}
