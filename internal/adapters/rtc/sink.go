package rtc

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// SinkStats counts what a Sink has read.
type SinkStats struct {
	Packets uint64
	Bytes   uint64
	Lost    uint64
}

// Sink consumes a remote track. Without a renderer, reading is still
// required so the receiver interceptors keep flowing.
type Sink struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
	lost    atomic.Uint64

	lastSeq uint16
	started bool
}

func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Packets: s.packets.Load(),
		Bytes:   s.bytes.Load(),
		Lost:    s.lost.Load(),
	}
}

// Run reads track until ctx is done or the track ends.
func (s *Sink) Run(ctx context.Context, track *webrtc.TrackRemote, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sink ctx done")
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Uint64("packets", s.packets.Load()).Msg("sink read ended")
			return
		}
		s.observe(pkt)
	}
}

func (s *Sink) observe(pkt *rtp.Packet) {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Payload)))
	if s.started {
		if gap := pkt.SequenceNumber - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.lost.Add(uint64(gap - 1))
		}
	}
	s.started = true
	s.lastSeq = pkt.SequenceNumber
}
