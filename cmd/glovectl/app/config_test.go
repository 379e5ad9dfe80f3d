package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seamless-hci/glovelink/internal/ble"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "glovectl.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %s", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %s", err)
	}

	if config.Settings.LogLevel != "info" {
		t.Errorf("log level = %q, want info", config.Settings.LogLevel)
	}
	if config.Device.Name != ble.DeviceName {
		t.Errorf("device name = %q, want %q", config.Device.Name, ble.DeviceName)
	}
	if got := config.Device.ScanTimeout.Duration(); got != 10*time.Second {
		t.Errorf("scan timeout = %s, want 10s", got)
	}
	if config.Device.ReconnectAttempts != 5 {
		t.Errorf("reconnect attempts = %d, want 5", config.Device.ReconnectAttempts)
	}

	sensors := config.Sensors.SensorConfig()
	if sensors.IMU1.SampleRate != 104 || sensors.IMU2.SampleRate != 104 {
		t.Errorf("default sample rates = %g/%g, want 104/104",
			sensors.IMU1.SampleRate, sensors.IMU2.SampleRate)
	}
	if sensors.UpdatePeriod != 20*time.Millisecond {
		t.Errorf("update period = %s, want 20ms", sensors.UpdatePeriod)
	}
	if config.MQTT.Enabled {
		t.Error("MQTT enabled by default")
	}
	if config.Trace.Enabled {
		t.Error("trace recording enabled by default")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
settings:
  logLevel: debug
device:
  address: C0:98:E5:49:12:AB
  scanTimeout: 3s
  reconnectAttempts: 2
  reconnectDelay: 250ms
sensors:
  imu1:
    sampleRate: 52
    magRate: 10
    accelRange: 8
    gyroRange: 1000
    magRange: 8
  updatePeriod: 50ms
trace:
  enabled: true
  directory: /tmp/traces
mqtt:
  enabled: true
  broker: mqtt://broker.local:1883
  throttle: 200ms
`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %s", err)
	}

	if config.Settings.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", config.Settings.Level())
	}
	if config.Device.Address != "C0:98:E5:49:12:AB" {
		t.Errorf("address = %q", config.Device.Address)
	}
	if got := config.Device.ScanTimeout.Duration(); got != 3*time.Second {
		t.Errorf("scan timeout = %s, want 3s", got)
	}
	if got := config.Device.ReconnectDelay.Duration(); got != 250*time.Millisecond {
		t.Errorf("reconnect delay = %s, want 250ms", got)
	}
	// Fields the file does not mention keep their defaults.
	if got := config.Device.ConnectTimeout.Duration(); got != 10*time.Second {
		t.Errorf("connect timeout = %s, want default 10s", got)
	}
	if config.Device.Name != ble.DeviceName {
		t.Errorf("device name = %q, want default %q", config.Device.Name, ble.DeviceName)
	}

	if config.Sensors.IMU1.SampleRate != 52 || config.Sensors.IMU1.GyroRange != 1000 {
		t.Errorf("imu1 = %+v", config.Sensors.IMU1)
	}
	if config.Sensors.IMU2.SampleRate != 104 {
		t.Errorf("imu2 sample rate = %g, want default 104", config.Sensors.IMU2.SampleRate)
	}
	if got := config.Sensors.UpdatePeriod.Duration(); got != 50*time.Millisecond {
		t.Errorf("update period = %s, want 50ms", got)
	}

	if !config.Trace.Enabled || config.Trace.Directory != "/tmp/traces" {
		t.Errorf("trace = %+v", config.Trace)
	}
	if !config.MQTT.Enabled || config.MQTT.Broker != "mqtt://broker.local:1883" {
		t.Errorf("mqtt = %+v", config.MQTT)
	}
	if got := config.MQTT.Throttle.Duration(); got != 200*time.Millisecond {
		t.Errorf("throttle = %s, want 200ms", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "unknown log level",
			content: "settings:\n  logLevel: chatty\n",
			want:    "log level",
		},
		{
			name:    "zero scan timeout",
			content: "device:\n  scanTimeout: 0s\n",
			want:    "scan timeout",
		},
		{
			name:    "negative reconnect attempts",
			content: "device:\n  reconnectAttempts: -1\n",
			want:    "reconnect attempts",
		},
		{
			name:    "unsupported sample rate",
			content: "sensors:\n  imu1:\n    sampleRate: 100\n",
			want:    "sensor configuration",
		},
		{
			name:    "trace without directory",
			content: "trace:\n  enabled: true\n  directory: \"\"\n",
			want:    "trace directory",
		},
		{
			name:    "mqtt without broker",
			content: "mqtt:\n  enabled: true\n",
			want:    "broker URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigRejectsMalformedDuration(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "device:\n  scanTimeout: fast\n"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("error %q does not mention the duration parse failure", err)
	}
}

func TestSettingsLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"Error", slog.LevelError},
	}
	for _, tt := range tests {
		if got := (Settings{LogLevel: tt.in}).Level(); got != tt.want {
			t.Errorf("Level(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
