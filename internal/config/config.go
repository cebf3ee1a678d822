// internal/config/config.go
package config

type Config struct {
	Devpoll DevpollConfig `yaml:"devpoll"`
}

type DevpollConfig struct {
	Poll         PollConfig         `yaml:"poll"`
	StatusMemory StatusMemoryConfig `yaml:"status_memory"`
	Influx       *InfluxConfig      `yaml:"influx"`
	HTTP         *HTTPConfig        `yaml:"http"`
	Devices      []DeviceConfig     `yaml:"devices"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	ID         string `yaml:"id"`
	Model      string `yaml:"model"`
	Address    int    `yaml:"address"`
	Connection string `yaml:"connection"`
	TimeoutMs  int    `yaml:"timeout_ms"`

	// Driver options, applied before the options are locked.
	Options map[string]any `yaml:"options"`
	// Transport settings (serial line parameters and similar).
	Transport map[string]any `yaml:"transport"`

	// Analog probes only.
	Aref              float64 `yaml:"aref"`
	CalibrationOffset float64 `yaml:"calibration_offset"`

	// Device status block (optional, opt-in)
	StatusSlot *uint16 `yaml:"status_slot"`
	DeviceName string  `yaml:"device_name"`

	// Reading names published to targets, in register order.
	Publish []string       `yaml:"publish"`
	Targets []TargetConfig `yaml:"targets"`

	// Per-device override of the global interval.
	Poll PollConfig `yaml:"poll"`
}

// ---- TARGET ----

const (
	ProtocolModbus = "modbus"
	ProtocolIngest = "ingest"
)

type TargetConfig struct {
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // modbus (default) | ingest
	UnitID   uint8  `yaml:"unit_id"`
	Address  uint16 `yaml:"address"`
}

// ---- STATUS MEMORY ----

type StatusMemoryConfig struct {
	Endpoint string `yaml:"endpoint"`
	UnitID   uint8  `yaml:"unit_id"`
}

// ---- SINKS ----

type InfluxConfig struct {
	URL         string `yaml:"url"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
	// Token is normally left empty and read from TokenEnv.
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// ---- POLL ----

type PollConfig struct {
	IntervalMs int `yaml:"interval_ms"`
	// StaleAfterMs marks a healthy device stale when no update succeeded for this long.
	StaleAfterMs int `yaml:"stale_after_ms"`
}
