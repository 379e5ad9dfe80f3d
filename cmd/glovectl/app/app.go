package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seamless-hci/glovelink/internal/ble"
	"github.com/seamless-hci/glovelink/internal/calib"
	"github.com/seamless-hci/glovelink/internal/glove"
	"github.com/seamless-hci/glovelink/internal/registry"
	"github.com/seamless-hci/glovelink/internal/storage"
)

const (
	storageDir   = "data"
	databaseFile = "glovelink.sqlite"
)

// Run drives the controller until the context is cancelled: it finds the
// glove, connects, streams corrected frames into the trace recorder and
// the MQTT display surface, and serves inbound commands.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	radio, err := ble.OpenRadio()
	if err != nil {
		return fmt.Errorf("failed to open radio: %w", err)
	}

	return NewSupervisor(config, store, logger).Run(ctx, radio)
}

// Scan lists nearby gloves with their addresses and signal strength.
func Scan(ctx context.Context, config *Config, logger *slog.Logger) error {
	radio, err := ble.OpenRadio()
	if err != nil {
		return fmt.Errorf("failed to open radio: %w", err)
	}

	logger.Info("scanning for gloves",
		slog.String("name", config.Device.Name),
		slog.Duration("timeout", config.Device.ScanTimeout.Duration()))

	handles, err := ble.Discover(ctx, radio, config.Device.ScanTimeout.Duration(),
		ble.MatchName(config.Device.Name))
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	if len(handles) == 0 {
		logger.Info("no gloves found")
		return nil
	}
	for _, h := range handles {
		fmt.Printf("%-20s %-16s %4d dBm\n", h.Address, h.Name, h.RSSI)
	}
	return nil
}

// Calibrate connects to the glove, zero-calibrates the named sensor from
// a resting capture window, persists the profile and exits.
func Calibrate(ctx context.Context, config *Config, logger *slog.Logger, sensorName string) error {
	sensor, ok := calib.SensorByName(sensorName)
	if !ok {
		return fmt.Errorf("unknown sensor '%s'", sensorName)
	}

	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	radio, err := ble.OpenRadio()
	if err != nil {
		return fmt.Errorf("failed to open radio: %w", err)
	}

	session, reg, err := connectDevice(ctx, radio, config, logger)
	if err != nil {
		return err
	}
	defer session.Disconnect()

	engine := calib.NewEngine(session.Handle().Address,
		calib.WithLogger(logger), calib.WithStore(store))
	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("failed to load calibration profiles: %w", err)
	}
	engine.SetConfig(reg.Config())

	frames := make(chan glove.Frame, frameQueue)
	done, err := session.BeginStreaming(ctx, frames)
	if err != nil {
		return fmt.Errorf("failed to begin streaming: %w", err)
	}
	stop := make(chan struct{})
	go func() {
		defer close(stop)
		for {
			select {
			case <-done:
				return
			case frame := <-frames:
				engine.Process(frame)
			}
		}
	}()

	logger.Info("hold the glove still", slog.String("sensor", sensor.String()))
	profile, err := engine.ZeroCalibrate(ctx, sensor)
	if err != nil {
		return err
	}

	fmt.Printf("sensor:  %s\n", profile.Sensor)
	fmt.Printf("samples: %d\n", profile.Samples)
	for ch, offset := range profile.Offset {
		fmt.Printf("offset[%d]: %+.6f\n", ch, offset)
	}

	if err := session.Disconnect(); err != nil {
		return err
	}
	<-stop
	return nil
}

// ShowConfig connects to the glove, prints the configuration the device
// acknowledged during bring-up along with its identity, and exits.
func ShowConfig(ctx context.Context, config *Config, logger *slog.Logger) error {
	radio, err := ble.OpenRadio()
	if err != nil {
		return fmt.Errorf("failed to open radio: %w", err)
	}

	session, reg, err := connectDevice(ctx, radio, config, logger)
	if err != nil {
		return err
	}
	defer session.Disconnect()

	info := session.Info()
	applied := reg.Config()

	fmt.Printf("device:        %s\n", session.Handle())
	fmt.Printf("model:         %s\n", info.Model)
	fmt.Printf("manufacturer:  %s\n", info.Manufacturer)
	fmt.Printf("firmware:      %s\n", info.Firmware)
	fmt.Printf("hardware:      %s\n", info.Hardware)
	fmt.Printf("imu1:          %s\n", describeIMU(applied.IMU1))
	fmt.Printf("imu2:          %s\n", describeIMU(applied.IMU2))
	fmt.Printf("update period: %s\n", applied.UpdatePeriod)
	return session.Disconnect()
}

func describeIMU(c glove.IMUConfig) string {
	return fmt.Sprintf("%gHz/%gHz ±%dG ±%ddps ±%dgauss",
		c.SampleRate, c.MagRate, c.AccelRange, c.GyroRange, c.MagRange)
}

// connectDevice finds the configured glove and brings a session up with
// the registry as its configuration source, so the device acknowledgment
// is committed before the first frame.
func connectDevice(ctx context.Context, radio ble.Radio, config *Config, logger *slog.Logger) (*ble.Session, *registry.Registry, error) {
	handle, err := findDevice(ctx, radio, config, logger)
	if err != nil {
		return nil, nil, err
	}

	reg := registry.New(registry.WithLogger(logger),
		registry.WithConfig(config.Sensors.SensorConfig()))

	session, err := ble.Connect(ctx, radio, handle,
		ble.WithLogger(logger),
		ble.WithConnectTimeout(config.Device.ConnectTimeout.Duration()),
		ble.WithConfigSource(reg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}

	reg.Bind(session)
	reg.SetInfo(session.Info())
	return session, reg, nil
}

func findDevice(ctx context.Context, radio ble.Radio, config *Config, logger *slog.Logger) (ble.DeviceHandle, error) {
	match := ble.MatchName(config.Device.Name)
	if config.Device.Address != "" {
		match = ble.MatchAddress(config.Device.Address)
	}

	logger.Info("scanning for glove",
		slog.Duration("timeout", config.Device.ScanTimeout.Duration()))

	handle, err := ble.Find(ctx, radio, config.Device.ScanTimeout.Duration(), match)
	if err != nil {
		return ble.DeviceHandle{}, fmt.Errorf("failed to find device: %w", err)
	}

	logger.Info("glove found",
		slog.String("device", handle.String()),
		slog.Int("rssi", int(handle.RSSI)))
	return handle, nil
}

func createStorage(config *StorageConfig) (*storage.Store, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	dir := config.DataDirectory
	if dir == "" {
		dir = storageDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(wd, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory '%s': %w", dir, err)
	}

	return storage.New(filepath.Join(dir, databaseFile)), nil
}

// opContext bounds storage and recording work that must not inherit an
// already cancelled run context.
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
