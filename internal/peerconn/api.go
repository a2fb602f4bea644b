package peerconn

import (
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// EnginePopulator registers codecs on a MediaEngine. The media package's
// capture backend implements this so the API speaks the codecs the capture
// encoders produce.
type EnginePopulator interface {
	Populate(engine *webrtc.MediaEngine)
}

// NewAPI builds the webrtc API shared by every transport this client
// creates.
func NewAPI(logger *slog.Logger, populator EnginePopulator) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if populator != nil {
		populator.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(logger),
	}
	// Generous ICE timeouts: the default 5s disconnectedTimeout is too short
	// for relay paths with brief outages during re-keying or failover.
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
