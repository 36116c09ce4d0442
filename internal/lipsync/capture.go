package lipsync

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// ErrNotStarted is returned when a capture device is used after Close
var ErrNotStarted = errors.New("lipsync: capture device not initialized")

// SampleFunc receives mono float samples on the audio thread
type SampleFunc func(samples []float32)

// Capture records mono float32 audio from a microphone
type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	logger zerolog.Logger

	SampleRate int
}

// NewCapture opens the capture device whose name contains deviceName, or
// the system default when deviceName is empty or not found. Samples are
// delivered to fn.
func NewCapture(sampleRate int, deviceName string, fn SampleFunc, logger zerolog.Logger) (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	c := &Capture{
		ctx:        ctx,
		logger:     logger.With().Str("component", "capture").Logger(),
		SampleRate: sampleRate,
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if deviceName != "" {
		infos, err := ctx.Devices(malgo.Capture)
		if err != nil {
			c.logger.Warn().Err(err).Msg("list capture devices")
		}
		for _, info := range infos {
			if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(deviceName)) {
				deviceConfig.Capture.DeviceID = info.ID.Pointer()
				c.logger.Info().Str("device", info.Name()).Msg("capture device selected")
				break
			}
		}
	}

	onRecv := func(_, input []byte, frames uint32) {
		if fn == nil || len(input) == 0 {
			return
		}
		fn(unsafe.Slice((*float32)(unsafe.Pointer(&input[0])), int(frames)))
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	c.device = device
	c.logger.Info().Uint32("rate", device.SampleRate()).Msg("capture device initialized")

	return c, nil
}

// Start begins recording
func (c *Capture) Start() error {
	if c.device == nil {
		return ErrNotStarted
	}
	return c.device.Start()
}

// Close stops recording and releases the device
func (c *Capture) Close() {
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}
