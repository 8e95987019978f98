package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var ErrPermissionDenied = errors.New("permission denied")

const (
	SourceSynthetic = "synthetic"
	SourceDenied    = "denied"
)

// NewSource returns the capture source named by kind.
func NewSource(kind string) (core.MediaSource, error) {
	switch kind {
	case "", SourceSynthetic:
		return &Synthetic{Video: true, Audio: true}, nil
	case SourceDenied:
		return Denied{Device: "camera"}, nil
	}
	return nil, fmt.Errorf("unknown media source %q", kind)
}

// Denied is a source whose device access is always refused.
type Denied struct {
	Device string
}

func (d Denied) Capture(context.Context) (*core.LocalMedia, error) {
	return nil, &core.MediaAccessError{Device: d.Device, Err: ErrPermissionDenied}
}

// Synthetic produces placeholder VP8 video and Opus silence at real-time
// pace, for headless participants.
type Synthetic struct {
	Video bool
	Audio bool
	// FrameInterval defaults to 33ms.
	FrameInterval time.Duration
}

var opusSilence = []byte{0xf8, 0xff, 0xfe}

func (s *Synthetic) Capture(ctx context.Context) (*core.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Video && !s.Audio {
		return nil, &core.MediaAccessError{Device: "any", Err: errors.New("no device selected")}
	}
	interval := s.FrameInterval
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}

	stream := "classroom-" + uuid.NewString()
	var tracks []webrtc.TrackLocal
	var video, audio *webrtc.TrackLocalStaticSample
	var err error
	if s.Video {
		video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
		if err != nil {
			return nil, &core.MediaAccessError{Device: "camera", Err: err}
		}
		tracks = append(tracks, video)
	}
	if s.Audio {
		audio, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
		if err != nil {
			return nil, &core.MediaAccessError{Device: "microphone", Err: err}
		}
		tracks = append(tracks, audio)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go pump(runCtx, video, audio, interval)
	log.Info().Str("module", "media").Str("stream", stream).Int("tracks", len(tracks)).Msg("capture started")

	return core.NewLocalMedia(tracks, func() {
		cancel()
		log.Info().Str("module", "media").Str("stream", stream).Msg("capture stopped")
	}), nil
}

func pump(ctx context.Context, video, audio *webrtc.TrackLocalStaticSample, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	frame := make([]byte, 256)
	var n uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n++
		if video != nil {
			frame[0] = byte(n)
			_ = video.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
		}
		if audio != nil {
			_ = audio.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: interval})
		}
	}
}
