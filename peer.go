package consult

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/consult-rtc/media"
	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PeerLink is the per-call peer connection. Candidate buffering before the
// remote description is the session's concern; AddICECandidate is only
// called once SetRemoteDescription has succeeded.
type PeerLink interface {
	AddLocalStream(s *media.Stream) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error
	Close() error
}

// PeerLinkHandlers are invoked from the link's own goroutines.
type PeerLinkHandlers struct {
	OnICECandidate func(c webrtc.ICECandidateInit)
	OnRemoteTrack  func(t media.RemoteTrack)
	OnStateChange  func(s webrtc.PeerConnectionState)
}

type PeerLinkFactory func(h PeerLinkHandlers) (PeerLink, error)

type PeerConfig struct {
	STUNServers []string
	// PopulateMediaEngine registers codecs; nil registers pion's defaults.
	PopulateMediaEngine func(m *webrtc.MediaEngine)
}

// NewPionLinkFactory returns a factory building pion peer connections that
// share one configured API.
func NewPionLinkFactory(logger shared.LoggerAdapter, cfg PeerConfig) (PeerLinkFactory, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.PopulateMediaEngine != nil {
		cfg.PopulateMediaEngine(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering default codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}
	// Generous disconnect/failed timeouts: brief network hiccups should not
	// end a consultation.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	rtcCfg := webrtc.Configuration{}
	if len(cfg.STUNServers) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}
	logger = logger.With(zap.String("component", "peer"))
	return func(h PeerLinkHandlers) (PeerLink, error) {
		return newPionLink(logger, api, rtcCfg, h)
	}, nil
}

type pionLink struct {
	logger shared.LoggerAdapter

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks  map[webrtc.RTPCodecType]webrtc.TrackLocal
	closed  bool
}

func newPionLink(logger shared.LoggerAdapter, api *webrtc.API, cfg webrtc.Configuration, h PeerLinkHandlers) (*pionLink, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	l := &pionLink{
		logger:  logger,
		pc:      pc,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		tracks:  make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.logger.Info(
			"remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		if h.OnRemoteTrack != nil {
			h.OnRemoteTrack(track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.logger.Trace("peer connection state changed", zap.String("state", state.String()))
		if h.OnStateChange != nil {
			h.OnStateChange(state)
		}
	})
	return l, nil
}

func (l *pionLink) AddLocalStream(s *media.Stream) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: link closed", shared.ErrPeerLinkFailed)
	}
	for _, t := range s.Tracks() {
		tl, ok := t.(webrtc.TrackLocal)
		if !ok {
			return fmt.Errorf("track %s cannot be sent", t.ID())
		}
		sender, err := l.pc.AddTrack(tl)
		if err != nil {
			return fmt.Errorf("adding %s track: %w", t.Kind(), err)
		}
		l.senders[t.Kind()] = sender
		l.tracks[t.Kind()] = tl
		// RTCP must be drained for the interceptors to work.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (l *pionLink) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return offer, fmt.Errorf("creating offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return offer, fmt.Errorf("setting local description: %w", err)
	}
	return offer, ctx.Err()
}

func (l *pionLink) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return answer, fmt.Errorf("creating answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return answer, fmt.Errorf("setting local description: %w", err)
	}
	return answer, ctx.Err()
}

func (l *pionLink) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("setting remote %s: %w", sd.Type, err)
	}
	return nil
}

func (l *pionLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := l.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

// SetTrackEnabled mutes by detaching the track from its sender; the capture
// keeps running so unmuting is instant.
func (l *pionLink) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sender, ok := l.senders[kind]
	if !ok {
		return fmt.Errorf("no local %s track", kind)
	}
	var track webrtc.TrackLocal
	if enabled {
		track = l.tracks[kind]
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replacing %s track: %w", kind, err)
	}
	return nil
}

func (l *pionLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	if err := l.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}
