//go:build !linux || !cgo

package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// CaptureDevices on non-Linux platforms has no capture drivers wired in;
// acquisition always fails and calls proceed receive-only.
type CaptureDevices struct{}

func NewDevices() (*CaptureDevices, error) {
	return &CaptureDevices{}, nil
}

func (d *CaptureDevices) Populate(engine *webrtc.MediaEngine) {}

func (d *CaptureDevices) GetUserMedia(c Constraints) (*Stream, error) {
	return nil, errors.New("media capture is not supported on this platform")
}
