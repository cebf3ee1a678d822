// internal/config/normalize.go
package config

import "os"

const (
	DefaultIntervalMs  = 1000
	DefaultTokenEnv    = "INFLUX_TOKEN"
	DefaultMeasurement = "devpoll"
	maxDeviceNameChars = 16
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	dp := &cfg.Devpoll

	if dp.Poll.IntervalMs == 0 {
		dp.Poll.IntervalMs = DefaultIntervalMs
	}

	if in := dp.Influx; in != nil {
		if in.TokenEnv == "" {
			in.TokenEnv = DefaultTokenEnv
		}
		if in.Token == "" {
			in.Token = os.Getenv(in.TokenEnv)
		}
		if in.Measurement == "" {
			in.Measurement = DefaultMeasurement
		}
	}

	for di := range dp.Devices {
		d := &dp.Devices[di]

		if d.Poll.IntervalMs == 0 {
			d.Poll.IntervalMs = dp.Poll.IntervalMs
		}
		if d.Poll.StaleAfterMs == 0 {
			d.Poll.StaleAfterMs = dp.Poll.StaleAfterMs
		}

		for ti := range d.Targets {
			if d.Targets[ti].Protocol == "" {
				d.Targets[ti].Protocol = ProtocolModbus
			}
		}

		// ------------------------------------------------------------
		// DEVICE STATUS BLOCK NORMALIZATION (OPT-IN)
		// ------------------------------------------------------------

		// Skip devices that did not opt in
		if d.StatusSlot == nil {
			continue
		}

		// Normalize device_name:
		// - ASCII already validated
		// - Defaults to the device id
		// - Truncate to max 16 characters
		if d.DeviceName == "" {
			d.DeviceName = d.ID
		}
		if len(d.DeviceName) > maxDeviceNameChars {
			d.DeviceName = d.DeviceName[:maxDeviceNameChars]
		}
	}
}
