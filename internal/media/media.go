// Package media acquires local capture tracks for calls: camera plus
// microphone for video calls, microphone only for audio calls. Acquisition
// tries an ideal constraint set first and degrades to a minimal one before
// giving up.
package media

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Constraints describes one acquisition attempt. Video fields are ignored for
// audio-only acquisition.
type Constraints struct {
	Video     bool
	Width     int
	Height    int
	FrameRate int

	Audio      bool
	SampleRate int
}

// IdealConstraints is the first acquisition attempt for the given kind.
func IdealConstraints(kind Kind) Constraints {
	c := Constraints{Audio: true, SampleRate: 48000}
	if kind == KindVideo {
		c.Video = true
		c.Width = 1280
		c.Height = 720
		c.FrameRate = 30
	}
	return c
}

// MinimalConstraints is the degraded retry after the ideal attempt fails.
func MinimalConstraints(kind Kind) Constraints {
	c := Constraints{Audio: true}
	if kind == KindVideo {
		c.Video = true
		c.Width = 640
		c.Height = 480
		c.FrameRate = 24
	}
	return c
}

// Error reports a definitive acquisition failure: both the ideal and the
// minimal constraint sets were refused by the device layer.
type Error struct {
	Kind       Kind
	IdealErr   error
	MinimalErr error
}

func (e *Error) Error() string {
	return fmt.Sprintf("media acquisition failed for %s: ideal: %v; minimal: %v", e.Kind, e.IdealErr, e.MinimalErr)
}

func (e *Error) Unwrap() []error {
	return []error{e.IdealErr, e.MinimalErr}
}

// Track is one local capture track. Muting flips the enabled flag without
// touching the transport or signaling; the gated wrapper returned by Local
// drops outbound packets while the flag is off.
type Track struct {
	kind    Kind
	local   webrtc.TrackLocal
	closeFn func() error

	enabled   atomic.Bool
	closeOnce sync.Once
}

func NewTrack(kind Kind, local webrtc.TrackLocal, closeFn func() error) *Track {
	t := &Track{kind: kind, closeFn: closeFn}
	t.enabled.Store(true)
	if local != nil {
		t.local = &gatedTrack{inner: local, enabled: &t.enabled}
	}
	return t
}

func (t *Track) Kind() Kind { return t.kind }

// Local returns the transport-attachable form of the track.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Close releases the underlying capture device. Idempotent.
func (t *Track) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.closeFn != nil {
			err = t.closeFn()
		}
	})
	return err
}

// Stream is the set of tracks from one acquisition. Close is idempotent and
// safe on a nil receiver, so teardown paths can release unconditionally.
type Stream struct {
	tracks    []*Track
	closeOnce sync.Once
}

func NewStream(tracks ...*Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []*Track {
	if s == nil {
		return nil
	}
	return s.tracks
}

// SetAudioEnabled flips the enabled flag on every audio track and reports
// whether any audio track exists.
func (s *Stream) SetAudioEnabled(enabled bool) bool {
	if s == nil {
		return false
	}
	found := false
	for _, t := range s.tracks {
		if t.Kind() == KindAudio {
			t.SetEnabled(enabled)
			found = true
		}
	}
	return found
}

// AudioEnabled reports whether any audio track is currently enabled.
func (s *Stream) AudioEnabled() bool {
	if s == nil {
		return false
	}
	for _, t := range s.tracks {
		if t.Kind() == KindAudio && t.Enabled() {
			return true
		}
	}
	return false
}

func (s *Stream) Close() error {
	if s == nil {
		return nil
	}
	var first error
	s.closeOnce.Do(func() {
		for _, t := range s.tracks {
			if err := t.Close(); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}

// Devices is the capture backend. The production implementation sits on
// pion/mediadevices; tests substitute fakes.
type Devices interface {
	GetUserMedia(c Constraints) (*Stream, error)
}

// Manager runs the ideal → minimal acquisition ladder over a Devices backend.
type Manager struct {
	devices Devices
	logger  *slog.Logger
}

func NewManager(devices Devices, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{devices: devices, logger: logger}
}

// Acquire obtains local tracks for a call of the given kind. On failure the
// returned error is a *Error carrying both attempts' causes; no tracks are
// left open.
func (m *Manager) Acquire(kind Kind) (*Stream, error) {
	stream, idealErr := m.devices.GetUserMedia(IdealConstraints(kind))
	if idealErr == nil {
		return stream, nil
	}
	m.logger.Warn("ideal media constraints refused, retrying minimal", "kind", kind, "err", idealErr)

	stream, minimalErr := m.devices.GetUserMedia(MinimalConstraints(kind))
	if minimalErr == nil {
		return stream, nil
	}
	return nil, &Error{Kind: kind, IdealErr: idealErr, MinimalErr: minimalErr}
}
