package liveaudio

import (
	"encoding/hex"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/scorefollow/scorefollow-go/internal/errors"
)

// DeviceInfo describes one available capture device.
type DeviceInfo struct {
	Index   int
	Name    string
	ID      string
	Default bool
}

// ListDevices enumerates the capture devices the audio backend exposes.
func ListDevices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component("liveaudio").
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_context").
			Build()
	}
	defer mctx.Uninit() //nolint:errcheck

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.New(err).
			Component("liveaudio").
			Category(errors.CategoryAudioDevice).
			Context("operation", "enumerate_devices").
			Build()
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i, info := range infos {
		id, err := decodeDeviceID(info.ID.String())
		if err != nil {
			continue
		}
		devices = append(devices, DeviceInfo{
			Index:   i,
			Name:    info.Name(),
			ID:      id,
			Default: info.IsDefault == 1,
		})
	}
	return devices, nil
}

// findDevice returns the index of the device matching source by decoded
// ID or name substring.
func findDevice(infos []malgo.DeviceInfo, source string) (int, error) {
	for i, info := range infos {
		decodedID, err := decodeDeviceID(info.ID.String())
		if err != nil {
			continue
		}
		if matchesDevice(decodedID, info, source) {
			return i, nil
		}
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return 0, errors.Newf("no capture device matches %q", source).
		Component("liveaudio").
		Category(errors.CategoryAudioDevice).
		Context("available", strings.Join(names, ", ")).
		Build()
}

// matchesDevice checks a device against the configured source string.
func matchesDevice(decodedID string, info malgo.DeviceInfo, source string) bool {
	if runtime.GOOS == "windows" && source == "sysdefault" {
		// Windows has no sysdefault device, use the backend default
		return info.IsDefault == 1
	}
	return decodedID == source || strings.Contains(info.Name(), source)
}

// decodeDeviceID converts malgo's hex device ID to a readable string.
func decodeDeviceID(hexStr string) (string, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00"), nil
}
