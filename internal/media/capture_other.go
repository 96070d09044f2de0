//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// DeviceCapturer has no hardware access outside Linux; pion/mediadevices
// needs the V4L2 and malgo drivers. Calls still negotiate and receive.
type DeviceCapturer struct{}

func NewDeviceCapturer(int) (*DeviceCapturer, error) {
	return &DeviceCapturer{}, nil
}

func (c *DeviceCapturer) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (c *DeviceCapturer) GetUserMedia(context.Context, Constraints) ([]Track, error) {
	return nil, ErrDeviceUnavailable
}

func (c *DeviceCapturer) GetDisplayMedia(context.Context) (Track, error) {
	return nil, ErrScreenShareDenied
}

func (c *DeviceCapturer) EnumerateDevices(context.Context) ([]DeviceInfo, error) {
	return nil, nil
}
