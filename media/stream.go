// Package media wraps camera and microphone capture for call sessions and maps
// capture failures onto a closed set of kinds.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

type Constraints struct {
	Video     bool
	Audio     bool
	MaxWidth  int
	MaxHeight int
}

func (c Constraints) Validate() error {
	if !c.Video && !c.Audio {
		return NewError(InvalidConstraints, errors.New("neither video nor audio requested"))
	}
	if c.MaxWidth < 0 || c.MaxHeight < 0 {
		return NewError(InvalidConstraints, errors.New("negative resolution bound"))
	}
	return nil
}

// DefaultConstraints asks for camera and microphone, capped at 640x480.
func DefaultConstraints() Constraints {
	return Constraints{Video: true, Audio: true, MaxWidth: 640, MaxHeight: 480}
}

// Acquirer opens local capture devices.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// LocalTrack is one captured track. Implementations that can be sent over a
// peer connection also satisfy webrtc.TrackLocal.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Close() error
}

// Stream owns a set of local tracks until Release.
type Stream struct {
	id     string
	tracks []LocalTrack

	once     sync.Once
	released chan struct{}
}

func NewStream(id string, tracks ...LocalTrack) *Stream {
	return &Stream{
		id:       id,
		tracks:   tracks,
		released: make(chan struct{}),
	}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Tracks() []LocalTrack {
	out := make([]LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) Len() int {
	return len(s.tracks)
}

// Release stops every track exactly once. Later calls are no-ops. Close
// errors are collected and returned on the first call only.
func (s *Stream) Release() error {
	var errs []error
	s.once.Do(func() {
		for _, t := range s.tracks {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		close(s.released)
	})
	return errors.Join(errs...)
}

func (s *Stream) Released() bool {
	select {
	case <-s.released:
		return true
	default:
		return false
	}
}

// RemoteTrack is the part of an inbound track the session surfaces.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream collects the tracks delivered by the peer connection. It is
// owned by the connection; the session only hands out the reference.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []RemoteTrack
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

func (r *RemoteStream) Add(t RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tracks {
		if existing.ID() == t.ID() {
			return
		}
	}
	r.tracks = append(r.tracks, t)
}

func (r *RemoteStream) Tracks() []RemoteTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RemoteTrack, len(r.tracks))
	copy(out, r.tracks)
	return out
}

func (r *RemoteStream) Clear() {
	r.mu.Lock()
	r.tracks = nil
	r.mu.Unlock()
}
