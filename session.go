package consult

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/consult-rtc/media"
	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type CallState int

const (
	CallStateIdle CallState = iota
	CallStateOffering
	CallStateRinging
	CallStateConnected
	// CallStateEnded is reported while a finished call is being torn down;
	// the session settles in CallStateIdle right after.
	CallStateEnded
)

func (s CallState) String() string {
	switch s {
	case CallStateIdle:
		return "Idle"
	case CallStateOffering:
		return "Offering"
	case CallStateRinging:
		return "Ringing"
	case CallStateConnected:
		return "Connected"
	case CallStateEnded:
		return "Ended"
	}
	return fmt.Sprintf("CallState(%d)", int(s))
}

func (s CallState) active() bool {
	return s == CallStateOffering || s == CallStateRinging || s == CallStateConnected
}

// PendingOffer is an inbound call awaiting the local decision.
type PendingOffer struct {
	CallerID   string
	CalleeID   string
	CallerRole shared.Role
	CallerName string
	Offer      webrtc.SessionDescription
}

// Snapshot is everything a UI renders from a call session.
type Snapshot struct {
	State           CallState
	RemotePartyID   string
	IsCalling       bool
	IsReceivingCall bool
	CallData        *PendingOffer
	LocalMedia      *media.Stream
	RemoteMedia     *media.RemoteStream
	AudioMuted      bool
	VideoMuted      bool
	LastError       error
}

type SessionConfig struct {
	Identity    shared.Identity
	Transport   Transport
	Acquirer    media.Acquirer
	NewPeerLink PeerLinkFactory
	Constraints media.Constraints
	// SetupTimeout bounds Offering and Ringing; zero waits forever.
	SetupTimeout time.Duration
	Metrics      *shared.Metrics
}

// Remote candidates that arrive before their callReceived are kept briefly.
const (
	maxEarlyCandidates = 64
	earlyCandidateTTL  = 10 * time.Second
)

type earlyCandidates struct {
	pair Pair
	at   time.Time
	list []webrtc.ICECandidateInit
}

func (e *earlyCandidates) add(p Pair, c webrtc.ICECandidateInit) {
	if e.pair != p || time.Since(e.at) > earlyCandidateTTL {
		e.pair = p
		e.list = nil
	}
	e.at = time.Now()
	if len(e.list) < maxEarlyCandidates {
		e.list = append(e.list, c)
	}
}

func (e *earlyCandidates) take(p Pair) []webrtc.ICECandidateInit {
	var out []webrtc.ICECandidateInit
	if e.pair == p && time.Since(e.at) <= earlyCandidateTTL {
		out = e.list
	}
	*e = earlyCandidates{}
	return out
}

// teardown is what a finished call leaves to release outside the lock.
type teardown struct {
	gen    uint64
	link   PeerLink
	local  *media.Stream
	remote *media.RemoteStream
	event  EventName
	pair   Pair
}

// CallSession drives one party's side of at most one call at a time.
//
// State changes happen under mu, which is never held across media
// acquisition, offer/answer creation or a transport send. Every
// continuation re-checks the generation it started under and is dropped
// when the session has moved on.
type CallSession struct {
	logger       shared.LoggerAdapter
	metrics      *shared.Metrics
	identity     shared.Identity
	transport    Transport
	acquirer     media.Acquirer
	newLink      PeerLinkFactory
	constraints  media.Constraints
	setupTimeout time.Duration

	mu         sync.Mutex
	state      CallState
	gen        uint64
	remoteID   string
	pending    *PendingOffer
	answering  bool
	link       PeerLink
	local      *media.Stream
	remote     *media.RemoteStream
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
	early      earlyCandidates
	timer      *time.Timer
	cancelOp   context.CancelFunc
	muted      map[webrtc.RTPCodecType]bool
	lastErr    error
	closed     bool
	subs       []*Subscription
	seq        uint64

	emitMu    sync.Mutex
	emitted   uint64
	observers handlerSet[func(Snapshot)]
}

func NewCallSession(logger shared.LoggerAdapter, cfg SessionConfig) (*CallSession, error) {
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
	if cfg.Acquirer == nil {
		return nil, fmt.Errorf("%w: media acquirer is required", shared.ErrNoConfig)
	}
	if cfg.NewPeerLink == nil {
		return nil, fmt.Errorf("%w: peer link factory is required", shared.ErrNoConfig)
	}
	if cfg.Constraints == (media.Constraints{}) {
		cfg.Constraints = media.DefaultConstraints()
	}
	s := &CallSession{
		logger: logger.With(
			zap.String("component", "session"),
			zap.String("party", cfg.Identity.ID),
			zap.String("role", string(cfg.Identity.Role)),
		),
		metrics:      cfg.Metrics,
		identity:     cfg.Identity,
		transport:    cfg.Transport,
		acquirer:     cfg.Acquirer,
		newLink:      cfg.NewPeerLink,
		constraints:  cfg.Constraints,
		setupTimeout: cfg.SetupTimeout,
		muted:        make(map[webrtc.RTPCodecType]bool),
	}
	t := cfg.Transport
	s.subs = []*Subscription{
		t.Subscribe(EventCallReceived, s.onCallReceived),
		t.Subscribe(EventCallAnswered, s.onCallAnswered),
		t.Subscribe(EventICECandidate, s.onRemoteCandidate),
		t.Subscribe(EventCallEnded, s.onRemoteEnd),
		t.Subscribe(EventEndCall, s.onRemoteEnd),
		t.Subscribe(EventCallRejected, s.onRemoteReject),
		t.Subscribe(EventRejectCall, s.onRemoteReject),
		t.OnDisconnect(s.onTransportLost),
	}
	return s, nil
}

func (s *CallSession) Identity() shared.Identity {
	return s.identity
}

func (s *CallSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnChange registers fn for every state or media change. Observers run
// serially; they may read Snapshot but must not drive the session from
// inside the callback.
func (s *CallSession) OnChange(fn func(Snapshot)) *Subscription {
	if fn == nil {
		return newSubscription(nil)
	}
	return s.observers.add(fn)
}

// StartCall places a call to remoteID. It returns once the offer is sent;
// the call connects when the remote answer arrives.
func (s *CallSession) StartCall(ctx context.Context, remoteID, callerName string) error {
	if remoteID == "" {
		return shared.ErrNoRemoteParty
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if s.state != CallStateIdle {
		s.mu.Unlock()
		return shared.ErrCallInProgress
	}
	if !s.transport.Connected() {
		s.mu.Unlock()
		return shared.ErrNotConnected
	}
	gen := s.beginLocked(CallStateOffering, remoteID)
	opCtx, cancel := context.WithCancel(ctx)
	s.cancelOp = cancel
	s.unlockAndEmit()

	stream, err := s.acquirer.Acquire(opCtx, s.constraints)
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		s.dropStale("media acquisition", stream)
		return shared.ErrStaleCompletion
	}
	if err != nil {
		return s.failLocked(err, "")
	}
	s.local = stream
	link, err := s.newLink(s.linkHandlers(gen))
	if err != nil {
		return s.failLocked(fmt.Errorf("%w: %v", shared.ErrPeerLinkFailed, err), "")
	}
	s.link = link
	if err := link.AddLocalStream(stream); err != nil {
		return s.failLocked(fmt.Errorf("%w: %v", shared.ErrPeerLinkFailed, err), "")
	}
	s.mu.Unlock()

	offer, err := link.CreateOffer(opCtx)
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		s.dropStale("offer creation", nil)
		return shared.ErrStaleCompletion
	}
	if err != nil {
		return s.failLocked(fmt.Errorf("%w: %v", shared.ErrPeerLinkFailed, err), "")
	}
	pair := PairFor(s.identity.Role, s.identity.ID, remoteID)
	s.mu.Unlock()

	err = s.transport.Send(EventCallUser, &CallOffer{
		Pair:       pair,
		Offer:      offer,
		CallerRole: s.identity.Role,
		CallerName: callerName,
	})
	if err != nil {
		s.mu.Lock()
		if !s.currentLocked(gen) {
			s.mu.Unlock()
			return shared.ErrStaleCompletion
		}
		return s.failLocked(fmt.Errorf("sending call offer: %w", err), "")
	}
	s.logger.Info("call offer sent", zap.String("remote", remoteID))
	return nil
}

// AnswerCall accepts the ringing call.
func (s *CallSession) AnswerCall(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if s.state != CallStateRinging || s.pending == nil {
		s.mu.Unlock()
		return shared.ErrNotRinging
	}
	if s.answering {
		s.mu.Unlock()
		return shared.ErrCallInProgress
	}
	s.answering = true
	gen, offer, link := s.gen, s.pending.Offer, s.link
	opCtx, cancel := context.WithCancel(ctx)
	s.cancelOp = cancel
	s.mu.Unlock()

	stream, err := s.acquirer.Acquire(opCtx, s.constraints)
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		s.dropStale("media acquisition", stream)
		return shared.ErrStaleCompletion
	}
	if err != nil {
		return s.failLocked(err, EventRejectCall)
	}
	s.local = stream
	if err := link.AddLocalStream(stream); err != nil {
		return s.failLocked(fmt.Errorf("%w: %v", shared.ErrPeerLinkFailed, err), EventRejectCall)
	}
	if err := link.SetRemoteDescription(offer); err != nil {
		return s.failLocked(fmt.Errorf("%w: %v", shared.ErrPeerLinkFailed, err), EventRejectCall)
	}
	s.remoteSet = true
	if err := s.flushCandidatesLocked(); err != nil {
		return s.failLocked(err, EventRejectCall)
	}
	s.mu.Unlock()

	answer, err := link.CreateAnswer(opCtx)
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		s.dropStale("answer creation", nil)
		return shared.ErrStaleCompletion
	}
	if err != nil {
		return s.failLocked(fmt.Errorf("%w: %v", shared.ErrPeerLinkFailed, err), EventRejectCall)
	}
	pair := PairFor(s.identity.Role, s.identity.ID, s.remoteID)
	s.pending = nil
	s.answering = false
	s.stopTimerLocked()
	s.setStateLocked(CallStateConnected)
	s.unlockAndEmit()

	if err := s.transport.Send(EventAnswerCall, &CallAnswer{Pair: pair, Answer: answer}); err != nil {
		s.mu.Lock()
		if !s.currentLocked(gen) {
			s.mu.Unlock()
			return shared.ErrStaleCompletion
		}
		return s.failLocked(fmt.Errorf("sending answer: %w", err), "")
	}
	s.logger.Info("call answered", zap.String("remote", pair.Remote(s.identity.Role)))
	return nil
}

// RejectCall declines the ringing call.
func (s *CallSession) RejectCall() error {
	s.mu.Lock()
	if s.state != CallStateRinging {
		s.mu.Unlock()
		return shared.ErrNotRinging
	}
	t := s.endLocked(nil, EventRejectCall)
	s.unlockAndEmit()
	s.finish(t)
	return nil
}

// EndCall hangs up whatever call is active. A ringing call is rejected.
func (s *CallSession) EndCall() error {
	s.mu.Lock()
	var notify EventName
	switch s.state {
	case CallStateOffering, CallStateConnected:
		notify = EventEndCall
	case CallStateRinging:
		notify = EventRejectCall
	default:
		s.mu.Unlock()
		return shared.ErrNoActiveCall
	}
	t := s.endLocked(nil, notify)
	s.unlockAndEmit()
	s.finish(t)
	return nil
}

// ToggleAudio flips the local audio mute and reports the new mute state.
func (s *CallSession) ToggleAudio() (bool, error) {
	return s.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the local video mute and reports the new mute state.
func (s *CallSession) ToggleVideo() (bool, error) {
	return s.toggle(webrtc.RTPCodecTypeVideo)
}

func (s *CallSession) toggle(kind webrtc.RTPCodecType) (bool, error) {
	s.mu.Lock()
	if s.link == nil || s.local == nil {
		s.mu.Unlock()
		return false, shared.ErrNoActiveCall
	}
	muted := !s.muted[kind]
	if err := s.link.SetTrackEnabled(kind, !muted); err != nil {
		prev := s.muted[kind]
		s.mu.Unlock()
		return prev, err
	}
	s.muted[kind] = muted
	s.unlockAndEmit()
	return muted, nil
}

// Close ends any active call and drops the transport subscriptions.
func (s *CallSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	var t *teardown
	switch s.state {
	case CallStateOffering, CallStateConnected:
		t = s.endLocked(nil, EventEndCall)
	case CallStateRinging:
		t = s.endLocked(nil, EventRejectCall)
	}
	if t != nil {
		s.unlockAndEmit()
		s.finish(t)
	} else {
		s.mu.Unlock()
	}
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

// Inbound signaling

func (s *CallSession) onCallReceived(env *Envelope) {
	p, ok := env.Param.(*CallOffer)
	if !ok {
		s.discard(env.Event, "bad-param")
		return
	}
	role := s.identity.Role
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return
	case p.Local(role) != s.identity.ID:
		s.mu.Unlock()
		s.discard(env.Event, "not-addressed")
		return
	case p.CallerRole != role.Other():
		s.mu.Unlock()
		s.discard(env.Event, "same-role")
		return
	case s.state != CallStateIdle:
		s.mu.Unlock()
		s.discard(env.Event, "busy")
		return
	}
	callerID := p.Remote(role)
	gen := s.beginLocked(CallStateRinging, callerID)
	link, err := s.newLink(s.linkHandlers(gen))
	if err != nil {
		s.logger.Error("creating peer link for incoming call", err, zap.String("caller", callerID))
		t := s.endLocked(fmt.Errorf("%w: %v", shared.ErrPeerLinkFailed, err), EventRejectCall)
		s.unlockAndEmit()
		s.finish(t)
		return
	}
	s.link = link
	s.pending = &PendingOffer{
		CallerID:   callerID,
		CalleeID:   s.identity.ID,
		CallerRole: p.CallerRole,
		CallerName: p.CallerName,
		Offer:      p.Offer,
	}
	s.candidates = append(s.candidates, s.early.take(p.Pair)...)
	s.logger.Info("incoming call", zap.String("caller", callerID), zap.String("caller_name", p.CallerName))
	s.unlockAndEmit()
}

func (s *CallSession) onCallAnswered(env *Envelope) {
	p, ok := env.Param.(*CallAnswer)
	if !ok {
		s.discard(env.Event, "bad-param")
		return
	}
	s.mu.Lock()
	if !s.matchesLocked(p.Pair) {
		s.mu.Unlock()
		s.discard(env.Event, "not-addressed")
		return
	}
	if s.state != CallStateOffering || s.link == nil || s.remoteSet {
		s.mu.Unlock()
		s.discard(env.Event, "unexpected")
		return
	}
	if err := s.link.SetRemoteDescription(p.Answer); err != nil {
		s.failLocked(fmt.Errorf("%w: %v", shared.ErrPeerLinkFailed, err), EventEndCall)
		return
	}
	s.remoteSet = true
	if err := s.flushCandidatesLocked(); err != nil {
		s.failLocked(err, EventEndCall)
		return
	}
	s.stopTimerLocked()
	s.setStateLocked(CallStateConnected)
	s.unlockAndEmit()
}

func (s *CallSession) onRemoteCandidate(env *Envelope) {
	p, ok := env.Param.(*CandidateParam)
	if !ok {
		s.discard(env.Event, "bad-param")
		return
	}
	s.mu.Lock()
	if p.Local(s.identity.Role) != s.identity.ID {
		s.mu.Unlock()
		s.discard(env.Event, "not-addressed")
		return
	}
	if s.state == CallStateIdle {
		s.early.add(p.Pair, p.Candidate)
		s.mu.Unlock()
		return
	}
	if !s.state.active() || !s.matchesLocked(p.Pair) {
		s.mu.Unlock()
		s.discard(env.Event, "not-addressed")
		return
	}
	if s.link == nil || !s.remoteSet {
		s.candidates = append(s.candidates, p.Candidate)
		s.mu.Unlock()
		return
	}
	if err := s.link.AddICECandidate(p.Candidate); err != nil {
		if s.state == CallStateOffering || s.state == CallStateConnected {
			s.failLocked(fmt.Errorf("%w: %v", shared.ErrPeerLinkFailed, err), EventEndCall)
			return
		}
		s.logger.Warn("applying remote candidate failed", zap.Error(err))
	}
	s.mu.Unlock()
}

func (s *CallSession) onRemoteEnd(env *Envelope) {
	p, ok := env.Param.(*PairParam)
	if !ok {
		s.discard(env.Event, "bad-param")
		return
	}
	s.mu.Lock()
	if !s.state.active() {
		s.mu.Unlock()
		s.discard(env.Event, "no-call")
		return
	}
	if !s.matchesLocked(p.Pair) {
		s.mu.Unlock()
		s.discard(env.Event, "not-addressed")
		return
	}
	s.logger.Info("remote party ended the call", zap.String("remote", s.remoteID))
	t := s.endLocked(nil, "")
	s.unlockAndEmit()
	s.finish(t)
}

func (s *CallSession) onRemoteReject(env *Envelope) {
	p, ok := env.Param.(*PairParam)
	if !ok {
		s.discard(env.Event, "bad-param")
		return
	}
	s.mu.Lock()
	if !s.matchesLocked(p.Pair) {
		s.mu.Unlock()
		s.discard(env.Event, "not-addressed")
		return
	}
	if s.state != CallStateOffering {
		s.mu.Unlock()
		s.discard(env.Event, "unexpected")
		return
	}
	s.logger.Info("call rejected", zap.String("remote", s.remoteID))
	t := s.endLocked(shared.ErrCallRejected, "")
	s.unlockAndEmit()
	s.finish(t)
}

func (s *CallSession) onTransportLost(err error) {
	s.mu.Lock()
	if !s.state.active() {
		s.mu.Unlock()
		return
	}
	s.logger.Warn("transport lost, ending call", zap.Error(err))
	t := s.endLocked(err, "")
	s.unlockAndEmit()
	s.finish(t)
}

// Peer link callbacks

func (s *CallSession) linkHandlers(gen uint64) PeerLinkHandlers {
	return PeerLinkHandlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) { s.onLocalCandidate(gen, c) },
		OnRemoteTrack:  func(t media.RemoteTrack) { s.onRemoteTrack(gen, t) },
		OnStateChange:  func(st webrtc.PeerConnectionState) { s.onLinkState(gen, st) },
	}
}

func (s *CallSession) onLocalCandidate(gen uint64, c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.remoteID == "" {
		s.mu.Unlock()
		return
	}
	pair := PairFor(s.identity.Role, s.identity.ID, s.remoteID)
	s.mu.Unlock()
	if err := s.transport.Send(EventICECandidate, &CandidateParam{Pair: pair, Candidate: c}); err != nil {
		s.logger.Warn("sending local candidate failed", zap.Error(err))
	}
}

func (s *CallSession) onRemoteTrack(gen uint64, t media.RemoteTrack) {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.remote == nil {
		s.mu.Unlock()
		return
	}
	s.remote.Add(t)
	s.unlockAndEmit()
}

func (s *CallSession) onLinkState(gen uint64, st webrtc.PeerConnectionState) {
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	switch st {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		if s.state.active() {
			s.failLocked(fmt.Errorf("%w: %s", shared.ErrPeerLinkFailed, st), EventEndCall)
			return
		}
	case webrtc.PeerConnectionStateConnected:
		s.logger.Info("media path established", zap.String("remote", s.remoteID))
	}
	s.mu.Unlock()
}

func (s *CallSession) onSetupTimeout(gen uint64) {
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case CallStateOffering:
		s.failLocked(shared.ErrSetupTimeout, EventEndCall)
	case CallStateRinging:
		s.failLocked(shared.ErrSetupTimeout, EventRejectCall)
	default:
		s.mu.Unlock()
	}
}

// Internals. Methods suffixed Locked expect mu held.

func (s *CallSession) beginLocked(state CallState, remoteID string) uint64 {
	s.gen++
	s.remoteID = remoteID
	s.remote = media.NewRemoteStream()
	s.remoteSet = false
	s.candidates = nil
	s.answering = false
	s.lastErr = nil
	clear(s.muted)
	s.setStateLocked(state)
	if s.setupTimeout > 0 {
		gen := s.gen
		s.timer = time.AfterFunc(s.setupTimeout, func() { s.onSetupTimeout(gen) })
	}
	return s.gen
}

func (s *CallSession) currentLocked(gen uint64) bool {
	return s.gen == gen && s.state.active()
}

// matchesLocked applies the party filter: the local id must match our
// role's slot and the other id the party we are talking to.
func (s *CallSession) matchesLocked(p Pair) bool {
	role := s.identity.Role
	if p.Local(role) != s.identity.ID {
		return false
	}
	return s.remoteID != "" && p.Remote(role) == s.remoteID
}

func (s *CallSession) flushCandidatesLocked() error {
	pending := s.candidates
	s.candidates = nil
	for i, c := range pending {
		if err := s.link.AddICECandidate(c); err != nil {
			return fmt.Errorf("%w: buffered candidate %d: %v", shared.ErrPeerLinkFailed, i, err)
		}
	}
	if len(pending) > 0 {
		s.logger.Debug("flushed buffered candidates", zap.Int("count", len(pending)))
	}
	return nil
}

func (s *CallSession) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *CallSession) setStateLocked(to CallState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.metrics.Transition(from.String(), to.String())
	s.logger.Debug("call state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("remote", s.remoteID),
	)
}

// endLocked detaches the call's resources and moves to Ended. The caller
// must unlockAndEmit and then finish the returned teardown.
func (s *CallSession) endLocked(cause error, notify EventName) *teardown {
	t := &teardown{link: s.link, local: s.local, remote: s.remote}
	if notify != "" && s.remoteID != "" {
		t.event = notify
		t.pair = PairFor(s.identity.Role, s.identity.ID, s.remoteID)
	}
	if s.cancelOp != nil {
		s.cancelOp()
		s.cancelOp = nil
	}
	s.stopTimerLocked()
	s.gen++
	t.gen = s.gen
	s.link = nil
	s.local = nil
	s.remote = nil
	s.pending = nil
	s.answering = false
	s.remoteSet = false
	s.candidates = nil
	s.early = earlyCandidates{}
	clear(s.muted)
	if cause != nil {
		s.lastErr = cause
	}
	s.setStateLocked(CallStateEnded)
	return t
}

// failLocked ends the call because of err and returns err. It releases mu.
func (s *CallSession) failLocked(err error, notify EventName) error {
	var me *media.Error
	if errors.As(err, &me) {
		s.metrics.MediaFailure(me.Kind.String())
		s.logger.Warn("media acquisition failed", zap.String("kind", me.Kind.String()), zap.Error(err))
	} else {
		s.logger.Error("call failed", err, zap.String("state", s.state.String()), zap.String("remote", s.remoteID))
	}
	t := s.endLocked(err, notify)
	s.unlockAndEmit()
	s.finish(t)
	return err
}

// finish releases a torn-down call and settles the session in Idle.
func (s *CallSession) finish(t *teardown) {
	if t.link != nil {
		if err := t.link.Close(); err != nil {
			s.logger.Warn("closing peer link", zap.Error(err))
		}
	}
	if t.local != nil {
		if err := t.local.Release(); err != nil {
			s.logger.Warn("releasing local media", zap.Error(err))
		}
	}
	if t.remote != nil {
		t.remote.Clear()
	}
	if t.event != "" {
		if err := s.transport.Send(t.event, &PairParam{Pair: t.pair}); err != nil {
			s.logger.Warn("notifying remote party failed", zap.String("event", string(t.event)), zap.Error(err))
		}
	}
	s.mu.Lock()
	if s.gen != t.gen || s.state != CallStateEnded {
		s.mu.Unlock()
		return
	}
	s.remoteID = ""
	s.setStateLocked(CallStateIdle)
	s.unlockAndEmit()
}

func (s *CallSession) dropStale(what string, stream *media.Stream) {
	if stream != nil {
		_ = stream.Release()
	}
	s.logger.Debug("discarding stale completion", zap.String("operation", what))
}

func (s *CallSession) discard(event EventName, reason string) {
	s.metrics.Discarded(string(event), reason)
	s.logger.Debug("discarding event", zap.String("event", string(event)), zap.String("reason", reason))
}

func (s *CallSession) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:           s.state,
		RemotePartyID:   s.remoteID,
		IsCalling:       s.state == CallStateOffering || s.state == CallStateConnected,
		IsReceivingCall: s.state == CallStateRinging,
		LocalMedia:      s.local,
		RemoteMedia:     s.remote,
		AudioMuted:      s.muted[webrtc.RTPCodecTypeAudio],
		VideoMuted:      s.muted[webrtc.RTPCodecTypeVideo],
		LastError:       s.lastErr,
	}
	if s.pending != nil {
		cp := *s.pending
		snap.CallData = &cp
	}
	return snap
}

// unlockAndEmit snapshots under mu, releases it and notifies observers. A
// snapshot overtaken by a newer one is skipped so observers never go back
// in time.
func (s *CallSession) unlockAndEmit() {
	s.seq++
	seq := s.seq
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if seq <= s.emitted {
		return
	}
	s.emitted = seq
	for _, fn := range s.observers.snapshot() {
		fn(snap)
	}
}
