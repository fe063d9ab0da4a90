// internal/core/context.go
package core

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/rs/zerolog/log"
)

type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCUDA Device = "cuda"
	DeviceMPS  Device = "mps"
	DeviceCPU  Device = "cpu"
)

// DevicePreference is walked in order when the requested device is absent.
var DevicePreference = []Device{DeviceMPS, DeviceCUDA, DeviceCPU}

// compiledBackends lists the devices this build can execute on.
var compiledBackends = map[Device]bool{DeviceCPU: true}

// ParseDevice accepts auto, cuda, mps and cpu (case-insensitive).
func ParseDevice(s string) (Device, error) {
	d := Device(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case "":
		return DeviceAuto, nil
	case DeviceAuto, DeviceCUDA, DeviceMPS, DeviceCPU:
		return d, nil
	}
	return "", fmt.Errorf("core: unknown device %q", s)
}

// Available reports whether d has a compiled backend.
func Available(d Device) bool {
	return compiledBackends[d]
}

// SelectDevice returns the requested device when available, otherwise the
// first available device in DevicePreference. It never fails.
func SelectDevice(requested Device) Device {
	if requested != DeviceAuto && Available(requested) {
		return requested
	}
	for _, d := range DevicePreference {
		if Available(d) {
			if requested != DeviceAuto {
				log.Warn().Str("requested", string(requested)).Str("using", string(d)).Msg("Device unavailable, falling back")
			}
			return d
		}
	}
	return DeviceCPU
}

// Context - the compute context chosen once at process start and passed to
// model construction, training and inference.
type Context struct {
	Device Device
	RNG    *rand.Rand
}

func NewContext(requested Device, seed int64) *Context {
	return &Context{
		Device: SelectDevice(requested),
		RNG:    rand.New(rand.NewSource(seed)),
	}
}
