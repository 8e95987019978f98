package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Connection is a pion peer connection to one remote participant. ICE
// candidates are trickled through OnICECandidate.
type Connection struct {
	pc     *webrtc.PeerConnection
	peer   domain.ParticipantID
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	drains sync.WaitGroup

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteMedia)
	onState func(webrtc.PeerConnectionState)
}

func NewFactory(api *webrtc.API, cfg webrtc.Configuration) core.TransportFactory {
	return func(peer domain.ParticipantID) (core.Transport, error) {
		return NewConnection(api, cfg, peer)
	}
}

func NewConnection(api *webrtc.API, cfg webrtc.Configuration, peer domain.ParticipantID) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, &core.TransportError{Op: "peer connection", Err: err}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:     pc,
		peer:   peer,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With().Str("module", "webrtc").Str("peer", string(peer)).Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(core.RemoteMedia{
				Peer:     c.peer,
				StreamID: track.StreamID(),
				TrackID:  track.ID(),
				Kind:     track.Kind(),
				Track:    track,
			})
		}
	})
	return c, nil
}

// AddTrack binds a local track and drains RTCP from its sender so the
// interceptors keep running.
func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.drains.Add(1)
	go func() {
		defer c.drains.Done()
		buf := make([]byte, 1500)
		for c.ctx.Err() == nil {
			if _, _, err := sender.Read(buf); err != nil {
				c.logger.Debug().Err(err).Str("track_id", track.ID()).Msg("rtcp drain stopped")
				return
			}
		}
	}()
	return nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) SetAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(core.RemoteMedia)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close stops the peer connection and waits for the RTCP drains.
func (c *Connection) Close() error {
	c.cancel()
	err := c.pc.Close()
	c.drains.Wait()
	if err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
