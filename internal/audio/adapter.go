// Package audio holds the audio capability consumed by the voice controller:
// capture frames in, playback frames out.
package audio

import (
	"context"
	"fmt"
)

// FrameFunc receives one captured PCM16LE frame. The slice is only valid for
// the duration of the call.
type FrameFunc func(pcm []byte)

// Capture is a running capture source.
type Capture interface {
	Stop() error
}

// Adapter is the audio device capability.
type Adapter interface {
	StartCapture(ctx context.Context, device string, onFrame FrameFunc) (Capture, error)
	Play(pcm []byte)
	ClearPlayback()
}

// DeviceAccessError reports a permission or hardware failure while acquiring
// an audio device.
type DeviceAccessError struct {
	Device string
	Err    error
}

func (e *DeviceAccessError) Error() string {
	device := e.Device
	if device == "" {
		device = "default"
	}
	return fmt.Sprintf("audio device %q: %v", device, e.Err)
}

func (e *DeviceAccessError) Unwrap() error { return e.Err }
