// Package capture acquires camera and microphone tracks through
// pion/mediadevices. Drivers are registered by the binary (blank imports of
// mediadevices/pkg/driver/camera and /microphone), not here.
package capture

import (
	"context"
	"errors"

	"github.com/bt-bridge/consult-rtc/media"
	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type Acquirer struct {
	logger  shared.LoggerAdapter
	allowed bool
	codecs  *mediadevices.CodecSelector
}

var _ media.Acquirer = (*Acquirer)(nil)

// New builds an acquirer encoding VP8 video and Opus audio. allowed=false
// makes every Acquire fail with ContextDisallowed (headless processes).
func New(logger shared.LoggerAdapter, allowed bool) (*Acquirer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &Acquirer{
		logger:  logger.With(zap.String("component", "capture")),
		allowed: allowed,
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateMediaEngine registers the selected codecs on m so the peer
// connection negotiates what the capture pipeline produces.
func (a *Acquirer) PopulateMediaEngine(m *webrtc.MediaEngine) {
	a.codecs.Populate(m)
}

type acquired struct {
	stream mediadevices.MediaStream
	err    error
}

// await runs open, which cannot be cancelled, and gives up when ctx is done.
// A late stream is closed once it arrives.
func await(ctx context.Context, open func() (mediadevices.MediaStream, error)) acquired {
	done := make(chan acquired, 1)
	go func() {
		s, err := open()
		done <- acquired{stream: s, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if late := <-done; late.err == nil && late.stream != nil {
				for _, t := range late.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return acquired{err: media.NewError(media.Unknown, ctx.Err())}
	case res := <-done:
		return res
	}
}

func (a *Acquirer) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !a.allowed {
		return nil, media.NewError(media.ContextDisallowed, errors.New("capture disabled for this process"))
	}

	var hasVideo, hasAudio bool
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.VideoInput:
			hasVideo = true
		case mediadevices.AudioInput:
			hasAudio = true
		}
	}
	if (c.Video && !hasVideo) || (c.Audio && !hasAudio) {
		return nil, media.NewError(media.DeviceNotFound, errors.New("required capture device not present"))
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: a.codecs}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras produce frames the VP8 encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if c.MaxWidth > 0 {
				mc.Width = prop.IntRanged{Max: c.MaxWidth}
			}
			if c.MaxHeight > 0 {
				mc.Height = prop.IntRanged{Max: c.MaxHeight}
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	res := await(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
	if res.err != nil {
		me := media.Classify(res.err, true)
		a.logger.Warn("capture failed", zap.String("kind", me.Kind.String()), zap.Error(res.err))
		return nil, me
	}

	tracks := res.stream.GetTracks()
	if len(tracks) == 0 {
		return nil, media.NewError(media.DeviceNotFound, errors.New("capture returned no tracks"))
	}
	local := make([]media.LocalTrack, 0, len(tracks))
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				a.logger.Warn("local track ended", zap.String("track", t.ID()), zap.Error(err))
			}
		})
		local = append(local, t)
	}
	a.logger.Info("local media captured", zap.Int("tracks", len(local)))
	return media.NewStream(uuid.NewString(), local...), nil
}
