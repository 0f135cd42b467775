package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// RTPReader is the read side of an inbound track; *webrtc.TrackRemote
// satisfies it.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// ReceiveStats counts what arrived on one remote track. Loss is estimated
// from sequence number gaps; late packets are not counted as recovered.
type ReceiveStats struct {
	mu      sync.Mutex
	packets uint64
	bytes   uint64
	lost    uint64
	seq     uint16
	started bool
	last    time.Time
}

type ReceiveSnapshot struct {
	Packets uint64
	Bytes   uint64
	Lost    uint64
	Last    time.Time
}

func (s ReceiveSnapshot) String() string {
	return fmt.Sprintf("%d packets, %.1f KiB, %d lost", s.Packets, float64(s.Bytes)/1024, s.Lost)
}

func (s *ReceiveStats) Observe(p *rtp.Packet, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	s.bytes += uint64(len(p.Payload))
	s.last = at
	if !s.started {
		s.started = true
		s.seq = p.SequenceNumber
		return
	}
	// uint16 arithmetic handles wrap-around; a gap in the upper half is a
	// late or duplicate packet.
	gap := p.SequenceNumber - s.seq
	if gap == 0 || gap >= 0x8000 {
		return
	}
	s.lost += uint64(gap - 1)
	s.seq = p.SequenceNumber
}

func (s *ReceiveStats) Snapshot() ReceiveSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReceiveSnapshot{Packets: s.packets, Bytes: s.bytes, Lost: s.lost, Last: s.last}
}

// Drain reads r until it ends or ctx is done, feeding stats. Reading keeps
// the receiver's buffers moving when nothing renders the track. End of
// stream returns nil.
func Drain(ctx context.Context, logger shared.LoggerAdapter, r RTPReader, stats *ReceiveStats) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		packet, _, err := r.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("reading RTP packet", zap.Error(err))
			return err
		}
		if len(packet.Payload) == 0 {
			continue
		}
		stats.Observe(packet, time.Now())
	}
}
