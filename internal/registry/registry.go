// Package registry is the owner of device state on the host side: the
// last configuration the glove acknowledged and the device information
// strings read at connection. Configuration changes are written through
// the transport and committed only once the device reports them back; a
// rejected or failed write leaves the prior record intact.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/seamless-hci/glovelink/internal/glove"
)

var (
	// ErrDeviceBusy is returned while an earlier write to the same
	// characteristic is still outstanding
	ErrDeviceBusy = errors.New("device busy")

	// ErrNoDevice is returned when no transport is bound
	ErrNoDevice = errors.New("no connected device")
)

// Transport is the registry's write path to the glove. The returned
// bytes are the device's read back of the characteristic after the
// write, which is what gets committed.
type Transport interface {
	WriteConfig(ctx context.Context, id glove.CharID, payload []byte) ([]byte, error)
}

// WithLogger sets the logger for the registry
func WithLogger(logger *slog.Logger) func(r *Registry) {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithConfig sets the initial configuration record, replacing the
// defaults. Useful when the host carries settings from a previous run.
func WithConfig(c glove.SensorConfig) func(r *Registry) {
	return func(r *Registry) {
		r.config = c
	}
}

// WithChangeHandler sets the callback invoked after every commit with a
// snapshot of the new record.
func WithChangeHandler(fn func(glove.SensorConfig)) func(r *Registry) {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// Registry tracks the glove's acknowledged configuration and identity.
// Reads return snapshot copies; the record mutates only on device
// acknowledgment or on a device-initiated config notification.
type Registry struct {
	logger   *slog.Logger
	onChange func(glove.SensorConfig)

	mu        sync.Mutex
	config    glove.SensorConfig
	info      glove.DeviceInfo
	transport Transport
	inflight  map[glove.CharID]bool
}

// New creates a registry seeded with the default sensor configuration.
func New(options ...func(r *Registry)) *Registry {
	r := Registry{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		config:   glove.DefaultConfig(),
		inflight: make(map[glove.CharID]bool),
	}
	for _, option := range options {
		option(&r)
	}
	return &r
}

// Bind attaches the write path of an established session. Until a
// transport is bound, RequestConfig fails with ErrNoDevice.
func (r *Registry) Bind(t Transport) {
	r.mu.Lock()
	r.transport = t
	r.mu.Unlock()
}

// Release detaches the transport, keeping the last acknowledged record
// for the next connection.
func (r *Registry) Release() {
	r.mu.Lock()
	r.transport = nil
	r.mu.Unlock()
}

// SetInfo records the device information strings read at bring-up.
func (r *Registry) SetInfo(info glove.DeviceInfo) {
	r.mu.Lock()
	r.info = info
	r.mu.Unlock()
	r.logger.Info("device identified",
		slog.String("model", info.Model),
		slog.String("manufacturer", info.Manufacturer),
		slog.String("firmware", info.Firmware),
		slog.String("hardware", info.Hardware))
}

// Info returns a snapshot of the device information strings.
func (r *Registry) Info() glove.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// Config returns a snapshot of the last acknowledged configuration.
func (r *Registry) Config() glove.SensorConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// RequestConfig validates and writes a configuration change, committing
// the value the device acknowledges. Invalid values fail before any
// write; a write already outstanding on the config characteristic fails
// with ErrDeviceBusy; a write the device refuses leaves the record
// unchanged. The returned configuration is the acknowledged one, which
// may differ from the request when the device clamps a value.
func (r *Registry) RequestConfig(ctx context.Context, change glove.SensorConfig) (glove.SensorConfig, error) {
	payload, err := glove.EncodeConfig(change)
	if err != nil {
		return glove.SensorConfig{}, err
	}

	if err := r.acquire(glove.CharConfig); err != nil {
		return glove.SensorConfig{}, err
	}
	defer r.release(glove.CharConfig)

	r.mu.Lock()
	transport := r.transport
	r.mu.Unlock()
	if transport == nil {
		return glove.SensorConfig{}, fmt.Errorf("registry: %w", ErrNoDevice)
	}

	acked, err := transport.WriteConfig(ctx, glove.CharConfig, payload)
	if err != nil {
		return glove.SensorConfig{}, err
	}
	applied, err := glove.DecodeConfig(acked)
	if err != nil {
		return glove.SensorConfig{}, fmt.Errorf("registry: acknowledgment: %w", err)
	}

	r.commit(applied, "request")
	return applied, nil
}

// RequestCommand changes only the glove's run state, carrying the rest
// of the acknowledged configuration unchanged.
func (r *Registry) RequestCommand(ctx context.Context, cmd glove.Command) (glove.SensorConfig, error) {
	change := r.Config()
	change.Command = cmd
	return r.RequestConfig(ctx, change)
}

// ConfigPayload returns the current record encoded for the config
// characteristic. The session writes it at bring-up and again after
// every reconnect, so the device always runs the last acknowledged
// configuration.
func (r *Registry) ConfigPayload() ([]byte, error) {
	return glove.EncodeConfig(r.Config())
}

// CommitConfig records the payload the device reported back during
// bring-up.
func (r *Registry) CommitConfig(data []byte) error {
	applied, err := glove.DecodeConfig(data)
	if err != nil {
		return fmt.Errorf("registry: acknowledgment: %w", err)
	}
	r.commit(applied, "bring-up")
	return nil
}

// Observe handles a device-initiated config notification, such as the
// run state changing when an on-device calibration completes. Malformed
// payloads are logged and ignored; the record only ever holds values the
// device actually reported.
func (r *Registry) Observe(data []byte) {
	applied, err := glove.DecodeConfig(data)
	if err != nil {
		r.logger.Warn(fmt.Sprintf("ignoring config notification: %s", err.Error()))
		return
	}
	r.commit(applied, "notification")
}

func (r *Registry) commit(c glove.SensorConfig, origin string) {
	r.mu.Lock()
	r.config = c
	r.mu.Unlock()

	r.logger.Info("configuration committed",
		slog.String("origin", origin),
		slog.String("command", c.Command.String()),
		slog.String("imu1", describeIMU(c.IMU1)),
		slog.String("imu2", describeIMU(c.IMU2)),
		slog.Duration("updatePeriod", c.UpdatePeriod))

	if r.onChange != nil {
		r.onChange(c)
	}
}

func describeIMU(c glove.IMUConfig) string {
	return fmt.Sprintf("%gHz/%gHz ±%dG ±%ddps ±%dgauss",
		c.SampleRate, c.MagRate, c.AccelRange, c.GyroRange, c.MagRange)
}

func (r *Registry) acquire(id glove.CharID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] {
		return fmt.Errorf("registry: %s write in flight: %w", glove.Characteristics[id].Name, ErrDeviceBusy)
	}
	r.inflight[id] = true
	return nil
}

func (r *Registry) release(id glove.CharID) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}
