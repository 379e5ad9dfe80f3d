package app

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seamless-hci/glovelink/internal/ble"
	"github.com/seamless-hci/glovelink/internal/glove"
	"github.com/seamless-hci/glovelink/internal/mqtt"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// TimeDuration is a time.Duration that unmarshals from the "250ms",
// "5s" notation in configuration files.
type TimeDuration time.Duration

func (d TimeDuration) String() string {
	return time.Duration(d).String()
}

func (d TimeDuration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config represents the main application configuration
type Config struct {
	Settings Settings      `yaml:"settings"`
	Device   DeviceConfig  `yaml:"device"`
	Sensors  SensorsConfig `yaml:"sensors"`
	Trace    TraceConfig   `yaml:"trace"`
	Storage  StorageConfig `yaml:"storage"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// Level maps the configured log level onto its slog value. Validate has
// already rejected unknown names.
func (s Settings) Level() slog.Level {
	return logLevels[strings.ToLower(s.LogLevel)]
}

// DeviceConfig selects the glove to drive and how persistently to chase
// it. An empty address means the first glove advertising the configured
// name wins.
type DeviceConfig struct {
	Address           string       `yaml:"address"`
	Name              string       `yaml:"name"`
	ScanTimeout       TimeDuration `yaml:"scanTimeout"`
	ConnectTimeout    TimeDuration `yaml:"connectTimeout"`
	ReconnectAttempts int          `yaml:"reconnectAttempts"`
	ReconnectDelay    TimeDuration `yaml:"reconnectDelay"`
	QueueSize         int          `yaml:"queueSize"`
}

// SensorsConfig is the sampling setup requested from the glove on
// connect. The device acknowledges what it actually applied, which may
// differ.
type SensorsConfig struct {
	IMU1         glove.IMUConfig `yaml:"imu1"`
	IMU2         glove.IMUConfig `yaml:"imu2"`
	UpdatePeriod TimeDuration    `yaml:"updatePeriod"`
}

// SensorConfig builds the device configuration requested on connect.
// The glove streams only while running, so the command is always run.
func (c SensorsConfig) SensorConfig() glove.SensorConfig {
	return glove.SensorConfig{
		Command:      glove.CommandRun,
		IMU1:         c.IMU1,
		IMU2:         c.IMU2,
		UpdatePeriod: c.UpdatePeriod.Duration(),
	}
}

// TraceConfig represents trace recording settings
type TraceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
}

// MQTTConfig represents display surface settings
type MQTTConfig struct {
	Enabled     bool         `yaml:"enabled"`
	Broker      string       `yaml:"broker"`
	Throttle    TimeDuration `yaml:"throttle"`
	InsecureTLS bool         `yaml:"insecureTLS"`
}

// DefaultConfig returns the configuration used when no file is given.
// Sensor defaults follow the glove's own power-on configuration.
func DefaultConfig() *Config {
	sensors := glove.DefaultConfig()
	return &Config{
		Settings: Settings{LogLevel: "info"},
		Device: DeviceConfig{
			Name:              ble.DeviceName,
			ScanTimeout:       TimeDuration(10 * time.Second),
			ConnectTimeout:    TimeDuration(10 * time.Second),
			ReconnectAttempts: 5,
			ReconnectDelay:    TimeDuration(5 * time.Second),
		},
		Sensors: SensorsConfig{
			IMU1:         sensors.IMU1,
			IMU2:         sensors.IMU2,
			UpdatePeriod: TimeDuration(sensors.UpdatePeriod),
		},
		Trace:   TraceConfig{Directory: "traces"},
		Storage: StorageConfig{DataDirectory: "data"},
		MQTT:    MQTTConfig{Throttle: TimeDuration(mqtt.DefaultThrottle)},
	}
}

// LoadConfig reads the configuration file at path, laid over the
// defaults. An empty path returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open configuration file: %w", err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(config); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if _, ok := logLevels[strings.ToLower(c.Settings.LogLevel)]; !ok {
		return fmt.Errorf("unknown log level '%s'", c.Settings.LogLevel)
	}
	if c.Device.Address == "" && c.Device.Name == "" {
		return fmt.Errorf("device address or name is required")
	}
	if c.Device.ScanTimeout <= 0 {
		return fmt.Errorf("scan timeout must be positive")
	}
	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.Device.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect attempts must not be negative")
	}
	if c.Device.ReconnectAttempts > 0 && c.Device.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}
	if c.Device.QueueSize < 0 {
		return fmt.Errorf("queue size must not be negative")
	}

	sensors := c.Sensors.SensorConfig()
	if err := sensors.Validate(); err != nil {
		return fmt.Errorf("invalid sensor configuration: %w", err)
	}

	if c.Trace.Enabled && c.Trace.Directory == "" {
		return fmt.Errorf("trace directory is required when trace recording is enabled")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("MQTT broker URL is required when MQTT is enabled")
		}
		if c.MQTT.Throttle < 0 {
			return fmt.Errorf("MQTT throttle must not be negative")
		}
	}
	return nil
}
