// internal/config/validate_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
)

// helper to build a publishing device quickly
func device(id string, endpoint string, unitID uint8, addr uint16, readings ...string) DeviceConfig {
	return DeviceConfig{
		ID:         id,
		Model:      "dfrobot-orp",
		Connection: "sim:bench",
		Publish:    readings,
		Targets: []TargetConfig{
			{
				Endpoint: endpoint,
				UnitID:   unitID,
				Address:  addr,
			},
		},
	}
}

func cfgOf(devices ...DeviceConfig) *Config {
	return &Config{Devpoll: DevpollConfig{Devices: devices}}
}

// ---- tests ----

func TestValidate_NoOverlapDifferentEndpoints(t *testing.T) {
	cfg := cfgOf(
		device("d1", "ep1", 1, 0, "orp_mv", "volts"),
		device("d2", "ep2", 1, 0, "orp_mv", "volts"),
	)

	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_NoOverlapDifferentUnit(t *testing.T) {
	cfg := cfgOf(
		device("d1", "ep1", 1, 0, "orp_mv"),
		device("d2", "ep1", 2, 0, "orp_mv"),
	)

	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_TouchingRangesAllowed(t *testing.T) {
	cfg := cfgOf(
		device("d1", "ep1", 1, 0, "orp_mv", "volts"), // 0–3
		device("d2", "ep1", 1, 4, "orp_mv"),          // 4–5
	)

	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_OverlapDetected(t *testing.T) {
	cfg := cfgOf(
		device("d1", "ep1", 1, 0, "orp_mv", "volts"), // 0–3
		device("d2", "ep1", 1, 3, "orp_mv"),          // 3–4 → overlap
	)

	if err := Validate(cfg); err == nil {
		t.Fatalf("expected overlap error, got nil")
	}
}

func TestValidate_DifferentProtocolsDoNotOverlap(t *testing.T) {
	a := device("d1", "ep1", 1, 0, "orp_mv")
	b := device("d2", "ep1", 1, 0, "orp_mv")
	b.Targets[0].Protocol = ProtocolIngest

	if err := Validate(cfgOf(a, b)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_DeviceSanity(t *testing.T) {
	cases := map[string]*Config{
		"no devices":     cfgOf(),
		"duplicate id":   cfgOf(device("d1", "ep", 1, 0, "x"), device("d1", "ep", 1, 10, "x")),
		"missing model":  cfgOf(DeviceConfig{ID: "d1", Connection: "sim:x"}),
		"no connection":  cfgOf(DeviceConfig{ID: "d1", Model: "dht22"}),
		"targets no pub": cfgOf(DeviceConfig{ID: "d1", Model: "dht22", Connection: "gpio", Targets: []TargetConfig{{Endpoint: "ep"}}}),
		"twice":          cfgOf(device("d1", "ep", 1, 0, "x", "x")),
		"bad protocol": func() *Config {
			d := device("d1", "ep", 1, 0, "x")
			d.Targets[0].Protocol = "mqtt"
			return cfgOf(d)
		}(),
		"past end": cfgOf(device("d1", "ep", 1, 0xFFFE, "a", "b")),
	}

	for name, cfg := range cases {
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected error, got nil", name)
		}
	}
}

func TestValidate_StatusSlots(t *testing.T) {
	slot := uint16(2)
	a := device("d1", "ep1", 1, 0, "x")
	a.StatusSlot = &slot
	b := device("d2", "ep1", 1, 10, "x")
	b.StatusSlot = &slot

	cfg := cfgOf(a)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for status_slot without status_memory")
	}

	cfg.Devpoll.StatusMemory.Endpoint = "127.0.0.1:1502"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Devpoll.Devices = append(cfg.Devpoll.Devices, b)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected status_slot collision")
	}
}

func TestValidate_StatusSlotUpperBound(t *testing.T) {
	d := device("d1", "ep1", 1, 0, "x")
	cfg := cfgOf(d)
	cfg.Devpoll.StatusMemory.Endpoint = "127.0.0.1:1502"

	// 3275*20+19 = 65519 is the highest block that still fits
	ok := uint16(3275)
	cfg.Devpoll.Devices[0].StatusSlot = &ok
	if err := Validate(cfg); err != nil {
		t.Fatalf("slot %d: unexpected error: %v", ok, err)
	}

	for _, s := range []uint16{3276, 3277, 65535} {
		slot := s
		cfg.Devpoll.Devices[0].StatusSlot = &slot
		if err := Validate(cfg); err == nil {
			t.Fatalf("slot %d: expected address overflow error", slot)
		}
	}
}

func TestValidate_NonASCIIName(t *testing.T) {
	d := device("d1", "ep1", 1, 0, "x")
	d.DeviceName = "pH-sonde-über"

	if err := Validate(cfgOf(d)); err == nil {
		t.Fatalf("expected ASCII error")
	}
}

func TestNormalize(t *testing.T) {
	t.Setenv("TEST_INFLUX_TOKEN", "s3cret")

	slot := uint16(0)
	d := device("a-rather-long-device-id", "ep1", 1, 0, "x")
	d.StatusSlot = &slot

	cfg := cfgOf(d)
	cfg.Devpoll.Poll.StaleAfterMs = 5000
	cfg.Devpoll.Influx = &InfluxConfig{URL: "http://influx:8086", Bucket: "b", TokenEnv: "TEST_INFLUX_TOKEN"}

	Normalize(cfg)

	got := cfg.Devpoll.Devices[0]
	if got.Poll.IntervalMs != DefaultIntervalMs {
		t.Fatalf("interval = %d", got.Poll.IntervalMs)
	}
	if got.Poll.StaleAfterMs != 5000 {
		t.Fatalf("stale_after = %d", got.Poll.StaleAfterMs)
	}
	if got.DeviceName != "a-rather-long-de" {
		t.Fatalf("device name = %q", got.DeviceName)
	}
	if got.Targets[0].Protocol != ProtocolModbus {
		t.Fatalf("protocol = %q", got.Targets[0].Protocol)
	}
	if cfg.Devpoll.Influx.Token != "s3cret" || cfg.Devpoll.Influx.Measurement != DefaultMeasurement {
		t.Fatalf("influx = %+v", cfg.Devpoll.Influx)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("DIMMER_PORT", "/dev/ttyACM0")

	path := filepath.Join(t.TempDir(), "devices.yaml")
	doc := `
devpoll:
  poll: { interval_ms: 500 }
  devices:
    - id: dimmer-9
      model: aeotec-sdg2
      address: 9
      connection: ${DIMMER_PORT}
      options: { command_timeout: 2s, meter_poll: true }
      transport: { baud_rate: 115200 }
    - id: orp-0
      model: dfrobot-orp
      address: 0
      aref: 5.0
      calibration_offset: 0.97
      connection: "sim:bench"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	devs := cfg.Devpoll.Devices
	if len(devs) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devs))
	}
	if devs[0].Connection != "/dev/ttyACM0" {
		t.Fatalf("connection = %q", devs[0].Connection)
	}
	if devs[0].Options["command_timeout"] != "2s" {
		t.Fatalf("options = %v", devs[0].Options)
	}
	if devs[1].CalibrationOffset != 0.97 || devs[1].Aref != 5.0 {
		t.Fatalf("probe = %+v", devs[1])
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	if _, err := Parse([]byte("devpoll:\n  devices: []\n  bogus: 1\n")); err == nil {
		t.Fatalf("expected unknown key error")
	}
}
