package consult

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/consult-rtc/media"
	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/pion/webrtc/v4"
)

type sentEvent struct {
	Name  EventName
	Param EventParam
}

// fakeTransport delivers synchronously; route, when set, forwards each
// sent event as a relay would.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []sentEvent
	handlers  map[EventName]*handlerSet[Handler]
	lost      handlerSet[func(error)]
	sendErr   error
	route     func(from *fakeTransport, name EventName, param EventParam)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		handlers:  make(map[EventName]*handlerSet[Handler]),
	}
}

func (f *fakeTransport) Send(name EventName, param EventParam) error {
	if _, err := EncodeEnvelope(name, param); err != nil {
		return err
	}
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return shared.ErrNotConnected
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, sentEvent{Name: name, Param: param})
	route := f.route
	f.mu.Unlock()
	if route != nil {
		route(f, name, param)
	}
	return nil
}

func (f *fakeTransport) Subscribe(name EventName, h Handler) *Subscription {
	f.mu.Lock()
	hs, ok := f.handlers[name]
	if !ok {
		hs = new(handlerSet[Handler])
		f.handlers[name] = hs
	}
	f.mu.Unlock()
	return hs.add(h)
}

func (f *fakeTransport) OnDisconnect(fn func(error)) *Subscription {
	return f.lost.add(fn)
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// deliver runs the wire round trip so handlers see decoded params.
func (f *fakeTransport) deliver(name EventName, param EventParam) {
	data, err := EncodeEnvelope(name, param)
	if err != nil {
		panic(err)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	hs := f.handlers[name]
	f.mu.Unlock()
	if hs == nil {
		return
	}
	for _, h := range hs.snapshot() {
		h(env)
	}
}

func (f *fakeTransport) loseConnection() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	for _, fn := range f.lost.snapshot() {
		fn(shared.ErrTransportLost)
	}
}

func (f *fakeTransport) sentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeTransport) sentNames() []EventName {
	var out []EventName
	for _, e := range f.sentEvents() {
		out = append(out, e.Name)
	}
	return out
}

func (f *fakeTransport) countSent(name EventName) int {
	n := 0
	for _, e := range f.sentEvents() {
		if e.Name == name {
			n++
		}
	}
	return n
}

// memRelay routes between fake transports keyed by party id.
type memRelay struct {
	mu      sync.Mutex
	parties map[string]*fakeTransport
	roles   map[*fakeTransport]shared.Identity
	delay   map[EventName]bool
	held    []func()
}

func newMemRelay() *memRelay {
	return &memRelay{
		parties: make(map[string]*fakeTransport),
		roles:   make(map[*fakeTransport]shared.Identity),
		delay:   make(map[EventName]bool),
	}
}

func (r *memRelay) join(id shared.Identity) *fakeTransport {
	t := newFakeTransport()
	t.route = r.route
	r.mu.Lock()
	r.parties[id.ID] = t
	r.roles[t] = id
	r.mu.Unlock()
	return t
}

// hold queues events of name until release, to reorder deliveries.
func (r *memRelay) hold(name EventName) {
	r.mu.Lock()
	r.delay[name] = true
	r.mu.Unlock()
}

func (r *memRelay) release() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	r.delay = make(map[EventName]bool)
	r.mu.Unlock()
	for _, fn := range held {
		fn()
	}
}

var relayed = map[EventName]EventName{
	EventCallUser:     EventCallReceived,
	EventAnswerCall:   EventCallAnswered,
	EventICECandidate: EventICECandidate,
	EventEndCall:      EventCallEnded,
	EventRejectCall:   EventCallRejected,
	EventTyping:       EventTyping,
}

func (r *memRelay) route(from *fakeTransport, name EventName, param EventParam) {
	out, ok := relayed[name]
	if !ok {
		return
	}
	pair, ok := PairOf(param)
	if !ok {
		return
	}
	r.mu.Lock()
	sender := r.roles[from]
	target := r.parties[pair.Remote(sender.Role)]
	held := r.delay[name]
	if held && target != nil {
		r.held = append(r.held, func() { target.deliver(out, param) })
	}
	r.mu.Unlock()
	if target == nil || held {
		return
	}
	target.deliver(out, param)
}

type fakeTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	mu     sync.Mutex
	closes int
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// fakeAcquirer hands out two-track streams. When gate is set, Acquire
// blocks until it is closed or ctx is done, and still returns a stream so
// stale completions can be observed.
type fakeAcquirer struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	started chan struct{}
	streams []*media.Stream
	tracks  []*fakeTrack
}

func (a *fakeAcquirer) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	gate, started, err := a.gate, a.started, a.err
	a.started = nil
	a.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			<-gate
		}
	}
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.streams)
	video := &fakeTrack{id: fmt.Sprintf("video-%d", n), kind: webrtc.RTPCodecTypeVideo}
	audio := &fakeTrack{id: fmt.Sprintf("audio-%d", n), kind: webrtc.RTPCodecTypeAudio}
	s := media.NewStream(fmt.Sprintf("stream-%d", n), video, audio)
	a.streams = append(a.streams, s)
	a.tracks = append(a.tracks, video, audio)
	return s, nil
}

func (a *fakeAcquirer) allStreams() []*media.Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*media.Stream(nil), a.streams...)
}

type fakeLink struct {
	h PeerLinkHandlers

	mu         sync.Mutex
	streams    []*media.Stream
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	enabled    map[webrtc.RTPCodecType]bool
	closed     bool
	remoteErr  error
	iceErr     error

	offerGate  *linkGate
	answerGate *linkGate
}

// linkGate holds a pending offer/answer creation until released.
type linkGate struct {
	entered chan struct{}
	open    chan struct{}
}

func newLinkGate() *linkGate {
	return &linkGate{entered: make(chan struct{}, 1), open: make(chan struct{})}
}

func (g *linkGate) wait() {
	if g == nil {
		return
	}
	g.entered <- struct{}{}
	<-g.open
}

func (g *linkGate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(time.Second):
		t.Fatal("link operation never started")
	}
}

func (g *linkGate) release() {
	close(g.open)
}

func (l *fakeLink) AddLocalStream(s *media.Stream) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streams = append(l.streams, s)
	return nil
}

func (l *fakeLink) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	l.offerGate.wait()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, ctx.Err()
}

func (l *fakeLink) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	l.answerGate.wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, ctx.Err()
}

func (l *fakeLink) SetRemoteDescription(sd webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remoteErr != nil {
		return l.remoteErr
	}
	l.remote = &sd
	return nil
}

func (l *fakeLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil {
		return errors.New("remote description not set")
	}
	if l.iceErr != nil {
		return l.iceErr
	}
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabled == nil {
		l.enabled = make(map[webrtc.RTPCodecType]bool)
	}
	l.enabled[kind] = enabled
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) appliedCandidates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.candidates))
	for _, c := range l.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

type fakeLinks struct {
	mu    sync.Mutex
	links []*fakeLink
	err   error
	setup func(l *fakeLink)
}

func (f *fakeLinks) factory(h PeerLinkHandlers) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l := &fakeLink{h: h}
	if f.setup != nil {
		f.setup(l)
	}
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeLinks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func (f *fakeLinks) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func candidate(s string) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}
