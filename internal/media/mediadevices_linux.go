//go:build linux && cgo

package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// CaptureDevices is the production Devices backend: V4L2 camera and malgo
// microphone capture encoded as VP8 and Opus.
type CaptureDevices struct {
	codecSelector *mediadevices.CodecSelector
}

func NewDevices() (*CaptureDevices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &CaptureDevices{
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the capture codecs with a MediaEngine. The peer
// connection API must be built from an engine populated here or AddTrack
// rejects the capture tracks.
func (d *CaptureDevices) Populate(engine *webrtc.MediaEngine) {
	d.codecSelector.Populate(engine)
}

func (d *CaptureDevices) GetUserMedia(c Constraints) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecSelector}
	if c.Video {
		constraints.Video = func(mt *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node producing
			// malformed JPEG frames that poison the VP8 encoder.
			mt.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mt.Width = prop.IntRanged{Ideal: c.Width}
			mt.Height = prop.IntRanged{Ideal: c.Height}
			mt.FrameRate = prop.FloatRanged{Ideal: float32(c.FrameRate)}
		}
	}
	if c.Audio {
		constraints.Audio = func(mt *mediadevices.MediaTrackConstraints) {
			if c.SampleRate > 0 {
				mt.SampleRate = prop.IntRanged{Ideal: c.SampleRate}
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	tracks := make([]*Track, 0, len(stream.GetTracks()))
	for _, t := range stream.GetTracks() {
		kind := KindAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		tracks = append(tracks, NewTrack(kind, t, t.Close))
	}
	return NewStream(tracks...), nil
}
