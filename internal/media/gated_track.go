package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// gatedTrack wraps a capture track so the enabled flag gates the outbound
// packet flow rather than just UI state. The track stays attached and
// negotiated while muted; only the packets stop.
type gatedTrack struct {
	inner   webrtc.TrackLocal
	enabled *atomic.Bool
}

func (g *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return g.inner.Bind(&gatedContext{TrackLocalContext: ctx, enabled: g.enabled})
}

func (g *gatedTrack) Unbind(ctx webrtc.TrackLocalContext) error { return g.inner.Unbind(ctx) }

func (g *gatedTrack) ID() string                { return g.inner.ID() }
func (g *gatedTrack) RID() string               { return g.inner.RID() }
func (g *gatedTrack) StreamID() string          { return g.inner.StreamID() }
func (g *gatedTrack) Kind() webrtc.RTPCodecType { return g.inner.Kind() }

type gatedContext struct {
	webrtc.TrackLocalContext
	enabled *atomic.Bool
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{inner: c.TrackLocalContext.WriteStream(), enabled: c.enabled}
}

// gatedWriter drops packets while the track is disabled. Dropped writes
// report their full size so the sampler upstream keeps its pacing.
type gatedWriter struct {
	inner   webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled.Load() {
		return len(payload), nil
	}
	return w.inner.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled.Load() {
		return len(b), nil
	}
	return w.inner.Write(b)
}
