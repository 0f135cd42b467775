package consult

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/consult-rtc/shared"
	"go.uber.org/zap"
)

type ChatConfig struct {
	Identity  shared.Identity
	Transport Transport
	// TypingIdle is how long after the last keystroke "stopped typing" is sent.
	TypingIdle time.Duration
	// PresenceTTL is how long an inbound typing signal stays visible.
	PresenceTTL time.Duration
	Metrics     *shared.Metrics
}

// ChatSnapshot is the chat state a UI renders.
type ChatSnapshot struct {
	Open     string
	Thread   []Message
	Unread   map[string]int
	Typing   map[string]bool
	LastSeen time.Time
}

type typingState struct {
	gen   uint64
	timer *time.Timer
}

// ChatChannel keeps chat threads, unread counters and typing presence for
// one local party. Messages are only appended when the relay echoes them
// back, so every party sees the same order.
type ChatChannel struct {
	logger      shared.LoggerAdapter
	metrics     *shared.Metrics
	identity    shared.Identity
	transport   Transport
	typingIdle  time.Duration
	presenceTTL time.Duration

	mu       sync.Mutex
	open     string
	threads  map[string][]Message
	seen     map[string]map[string]struct{}
	unread   map[string]int
	outgoing map[string]*typingState
	presence map[string]*typingState
	gen      uint64
	lastSeen time.Time
	subs     []*Subscription
	closed   bool

	observers handlerSet[func(ChatSnapshot)]
}

func NewChatChannel(logger shared.LoggerAdapter, cfg ChatConfig) (*ChatChannel, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Identity.ID == "" {
		return nil, shared.ErrNoCredential
	}
	if !cfg.Identity.Role.Valid() {
		return nil, shared.ErrInvalidRole
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", shared.ErrNoConfig)
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = 2 * time.Second
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 2 * time.Second
	}
	c := &ChatChannel{
		logger: logger.With(
			zap.String("component", "chat"),
			zap.String("party", cfg.Identity.ID),
		),
		metrics:     cfg.Metrics,
		identity:    cfg.Identity,
		transport:   cfg.Transport,
		typingIdle:  cfg.TypingIdle,
		presenceTTL: cfg.PresenceTTL,
		threads:     make(map[string][]Message),
		seen:        make(map[string]map[string]struct{}),
		unread:      make(map[string]int),
		outgoing:    make(map[string]*typingState),
		presence:    make(map[string]*typingState),
	}
	t := cfg.Transport
	c.subs = []*Subscription{
		t.Subscribe(EventPreviousMessages, c.onPreviousMessages),
		t.Subscribe(EventReceiveMessage, c.onReceiveMessage),
		t.Subscribe(EventTyping, c.onTyping),
		t.OnDisconnect(c.onTransportLost),
	}
	return c, nil
}

func (c *ChatChannel) pair(remoteID string) Pair {
	return PairFor(c.identity.Role, c.identity.ID, remoteID)
}

// OpenThread makes remoteID the visible thread, resets its unread counter
// and asks the relay for its history.
func (c *ChatChannel) OpenThread(remoteID string) error {
	if remoteID == "" {
		return shared.ErrNoRemoteParty
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return shared.ErrSessionClosed
	}
	c.open = remoteID
	c.unread[remoteID] = 0
	c.mu.Unlock()
	c.emit()
	if err := c.transport.Send(EventJoinChat, &PairParam{Pair: c.pair(remoteID)}); err != nil {
		return fmt.Errorf("joining chat: %w", err)
	}
	return nil
}

// CloseThread leaves the open thread; further messages count as unread.
func (c *ChatChannel) CloseThread() {
	c.mu.Lock()
	c.open = ""
	c.mu.Unlock()
	c.emit()
}

// Send submits body to remoteID. The message shows up in the thread once
// the relay echoes it.
func (c *ChatChannel) Send(remoteID, body string) error {
	if remoteID == "" {
		return shared.ErrNoRemoteParty
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return shared.ErrEmptyMessage
	}
	msg := &Message{
		Pair:       c.pair(remoteID),
		SenderID:   c.identity.ID,
		SenderRole: c.identity.Role,
		Body:       body,
	}
	if err := c.transport.Send(EventSendMessage, msg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return c.StopTyping(remoteID)
}

// Keystroke reports local typing towards remoteID: "started" goes out at
// once, "stopped" after TypingIdle without another keystroke.
func (c *ChatChannel) Keystroke(remoteID string) error {
	if remoteID == "" {
		return shared.ErrNoRemoteParty
	}
	c.mu.Lock()
	st, active := c.outgoing[remoteID]
	if active {
		st.timer.Stop()
	} else {
		st = new(typingState)
		c.outgoing[remoteID] = st
	}
	c.gen++
	gen := c.gen
	st.gen = gen
	st.timer = time.AfterFunc(c.typingIdle, func() { c.typingExpired(remoteID, gen) })
	c.mu.Unlock()
	if active {
		return nil
	}
	if err := c.sendTyping(remoteID, true); err != nil {
		// the peer never saw "started"; the next keystroke retries it
		c.mu.Lock()
		if cur, ok := c.outgoing[remoteID]; ok && cur.gen == gen {
			cur.timer.Stop()
			delete(c.outgoing, remoteID)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// StopTyping sends "stopped" immediately if a typing burst is open.
func (c *ChatChannel) StopTyping(remoteID string) error {
	c.mu.Lock()
	st, active := c.outgoing[remoteID]
	if active {
		st.timer.Stop()
		delete(c.outgoing, remoteID)
	}
	c.mu.Unlock()
	if !active {
		return nil
	}
	return c.sendTyping(remoteID, false)
}

func (c *ChatChannel) typingExpired(remoteID string, gen uint64) {
	c.mu.Lock()
	st, ok := c.outgoing[remoteID]
	if !ok || st.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.outgoing, remoteID)
	c.mu.Unlock()
	if err := c.sendTyping(remoteID, false); err != nil {
		c.logger.Warn("sending typing stop failed", zap.Error(err))
	}
}

func (c *ChatChannel) sendTyping(remoteID string, typing bool) error {
	err := c.transport.Send(EventTyping, &TypingParam{Pair: c.pair(remoteID), IsTyping: typing})
	if err != nil {
		return fmt.Errorf("sending typing: %w", err)
	}
	return nil
}

func (c *ChatChannel) Thread(remoteID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.threads[remoteID]...)
}

func (c *ChatChannel) Unread(remoteID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[remoteID]
}

func (c *ChatChannel) IsTyping(remoteID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.presence[remoteID]
	return ok
}

func (c *ChatChannel) Snapshot() ChatSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := ChatSnapshot{
		Open:     c.open,
		Unread:   make(map[string]int, len(c.unread)),
		Typing:   make(map[string]bool, len(c.presence)),
		LastSeen: c.lastSeen,
	}
	if c.open != "" {
		snap.Thread = append([]Message(nil), c.threads[c.open]...)
	}
	for k, v := range c.unread {
		if v > 0 {
			snap.Unread[k] = v
		}
	}
	for k := range c.presence {
		snap.Typing[k] = true
	}
	return snap
}

func (c *ChatChannel) OnChange(fn func(ChatSnapshot)) *Subscription {
	if fn == nil {
		return newSubscription(nil)
	}
	return c.observers.add(fn)
}

func (c *ChatChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.resetTimersLocked()
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (c *ChatChannel) onPreviousMessages(env *Envelope) {
	p, ok := env.Param.(*MessageList)
	if !ok {
		c.discard(env.Event, "bad-param")
		return
	}
	c.mu.Lock()
	if c.open == "" {
		c.mu.Unlock()
		c.discard(env.Event, "no-open-thread")
		return
	}
	want := c.pair(c.open)
	thread := make([]Message, 0, len(p.Messages))
	ids := make(map[string]struct{}, len(p.Messages))
	for _, m := range p.Messages {
		// Records without a pair belong to whatever thread was requested.
		if m.UserID != "" && m.DoctorID != "" && m.Pair != want {
			continue
		}
		if m.ID != "" {
			ids[m.ID] = struct{}{}
		}
		thread = append(thread, m)
	}
	if len(p.Messages) > 0 && len(thread) == 0 {
		c.mu.Unlock()
		c.discard(env.Event, "other-thread")
		return
	}
	c.threads[c.open] = thread
	c.seen[c.open] = ids
	c.mu.Unlock()
	c.emit()
}

func (c *ChatChannel) onReceiveMessage(env *Envelope) {
	m, ok := env.Param.(*Message)
	if !ok {
		c.discard(env.Event, "bad-param")
		return
	}
	role := c.identity.Role
	if m.Local(role) != c.identity.ID {
		c.discard(env.Event, "not-addressed")
		return
	}
	remoteID := m.Remote(role)
	c.mu.Lock()
	if m.ID != "" {
		ids, ok := c.seen[remoteID]
		if !ok {
			ids = make(map[string]struct{})
			c.seen[remoteID] = ids
		}
		if _, dup := ids[m.ID]; dup {
			c.mu.Unlock()
			c.discard(env.Event, "duplicate")
			return
		}
		ids[m.ID] = struct{}{}
	}
	c.threads[remoteID] = append(c.threads[remoteID], *m)
	if m.SenderID != c.identity.ID {
		if remoteID != c.open {
			c.unread[remoteID]++
		}
		// A delivered message ends the sender's typing burst.
		if st, ok := c.presence[remoteID]; ok {
			st.timer.Stop()
			delete(c.presence, remoteID)
		}
		c.lastSeen = time.Now()
	}
	c.mu.Unlock()
	c.metrics.MessageReceived()
	c.emit()
}

func (c *ChatChannel) onTyping(env *Envelope) {
	p, ok := env.Param.(*TypingParam)
	if !ok {
		c.discard(env.Event, "bad-param")
		return
	}
	role := c.identity.Role
	if p.Local(role) != c.identity.ID {
		c.discard(env.Event, "not-addressed")
		return
	}
	remoteID := p.Remote(role)
	c.mu.Lock()
	st, present := c.presence[remoteID]
	if present {
		st.timer.Stop()
	}
	if !p.IsTyping {
		delete(c.presence, remoteID)
		c.mu.Unlock()
		if present {
			c.emit()
		}
		return
	}
	if !present {
		st = new(typingState)
		c.presence[remoteID] = st
	}
	c.gen++
	gen := c.gen
	st.gen = gen
	st.timer = time.AfterFunc(c.presenceTTL, func() { c.presenceExpired(remoteID, gen) })
	c.mu.Unlock()
	if !present {
		c.emit()
	}
}

func (c *ChatChannel) presenceExpired(remoteID string, gen uint64) {
	c.mu.Lock()
	st, ok := c.presence[remoteID]
	if !ok || st.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.presence, remoteID)
	c.mu.Unlock()
	c.emit()
}

func (c *ChatChannel) onTransportLost(err error) {
	c.mu.Lock()
	c.resetTimersLocked()
	c.mu.Unlock()
	c.logger.Warn("transport lost, typing state cleared", zap.Error(err))
	c.emit()
}

func (c *ChatChannel) resetTimersLocked() {
	for k, st := range c.outgoing {
		st.timer.Stop()
		delete(c.outgoing, k)
	}
	for k, st := range c.presence {
		st.timer.Stop()
		delete(c.presence, k)
	}
}

func (c *ChatChannel) discard(event EventName, reason string) {
	c.metrics.Discarded(string(event), reason)
	c.logger.Debug("discarding event", zap.String("event", string(event)), zap.String("reason", reason))
}

func (c *ChatChannel) emit() {
	snap := c.Snapshot()
	for _, fn := range c.observers.snapshot() {
		fn(snap)
	}
}
