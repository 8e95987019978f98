package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are public STUN servers used when none are configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewAPI builds a webrtc API with the default codecs and interceptors plus
// periodic keyframe requests on received video.
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("pli interceptor: %w", err)
	}
	registry.Add(pli)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func Configuration(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		servers = DefaultICEServers
	}
	ice := make([]webrtc.ICEServer, 0, len(servers))
	for _, url := range servers {
		ice = append(ice, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.Configuration{ICEServers: ice}
}
