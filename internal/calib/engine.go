package calib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/seamless-hci/glovelink/internal/glove"
)

const (
	// DefaultWindow is the number of resting samples a zero-calibration captures
	DefaultWindow = 100

	// DefaultMinSamples is the fewest captured samples accepted when the window times out
	DefaultMinSamples = 50

	// DefaultTimeout bounds how long a zero-calibration waits for its sample window
	DefaultTimeout = 5 * time.Second

	// DriftLimit is the advisory bound on the corrected resting mean, as a fraction of full scale
	DriftLimit = 0.01
)

var (
	// ErrInsufficientSamples is returned when a zero-calibration times out below the minimum sample count
	ErrInsufficientSamples = errors.New("insufficient calibration samples")

	// ErrDriftExceeded reports a corrected resting mean beyond DriftLimit. It is advisory and never fatal
	ErrDriftExceeded = errors.New("sensor drift exceeds limit")

	// ErrCalibrationActive is returned when a zero-calibration for the same sensor is already running
	ErrCalibrationActive = errors.New("calibration already in progress")
)

// Store persists calibration profiles across sessions
type Store interface {
	SaveCalibration(ctx context.Context, device string, p Profile) error
	Calibrations(ctx context.Context, device string) ([]Profile, error)
}

// WithLogger sets the logger for the engine
func WithLogger(logger *slog.Logger) func(e *Engine) {
	return func(e *Engine) {
		e.logger = logger.With(slog.String("device", e.device))
	}
}

// WithStore sets the persistence backend for calibration profiles
func WithStore(store Store) func(e *Engine) {
	return func(e *Engine) {
		e.store = store
	}
}

// WithWindow sets the number of resting samples a zero-calibration captures
func WithWindow(n int) func(e *Engine) {
	return func(e *Engine) {
		e.window = n
	}
}

// WithMinSamples sets the fewest samples accepted when the capture times out
func WithMinSamples(n int) func(e *Engine) {
	return func(e *Engine) {
		e.minSamples = n
	}
}

// WithTimeout bounds how long a zero-calibration waits for its sample window
func WithTimeout(d time.Duration) func(e *Engine) {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithDriftHandler sets the callback invoked when a sensor crosses the drift limit
func WithDriftHandler(fn func(sensor Sensor, fraction float64)) func(e *Engine) {
	return func(e *Engine) {
		e.onDrift = fn
	}
}

// Engine applies per-sensor corrections to decoded frames, runs zero-calibrations
// and tracks drift of the corrected resting mean
type Engine struct {
	device string
	store  Store
	logger *slog.Logger

	window     int
	minSamples int
	timeout    time.Duration
	onDrift    func(sensor Sensor, fraction float64)

	mu        sync.Mutex
	profiles  map[Sensor]Profile
	captures  map[Sensor]*capture
	drift     map[Sensor]*driftWindow
	fullScale map[Sensor]float64
	fusion    map[glove.Source]uint8
}

// NewEngine creates an Engine for the device with a discard logger
func NewEngine(device string, options ...func(e *Engine)) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	e := Engine{
		device:     device,
		logger:     logger,
		window:     DefaultWindow,
		minSamples: DefaultMinSamples,
		timeout:    DefaultTimeout,
		profiles:   make(map[Sensor]Profile),
		captures:   make(map[Sensor]*capture),
		drift:      make(map[Sensor]*driftWindow),
		fullScale:  make(map[Sensor]float64),
		fusion:     make(map[glove.Source]uint8),
	}

	for _, option := range options {
		option(&e)
	}

	e.applyConfig(glove.DefaultConfig())

	if e.onDrift == nil {
		e.onDrift = func(sensor Sensor, fraction float64) {
			e.logger.Warn(fmt.Sprintf("%s: corrected resting mean at %.2f%% of full scale", ErrDriftExceeded, fraction*100),
				slog.String("sensor", sensor.String()))
		}
	}

	return &e
}

// Load restores stored profiles for the engine's device
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	profiles, err := e.store.Calibrations(ctx, e.device)
	if err != nil {
		return fmt.Errorf("calib.Engine: load profiles: %w", err)
	}

	e.mu.Lock()
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			e.logger.Warn(fmt.Sprintf("skipping stored profile: %s", err.Error()))
			continue
		}
		e.profiles[p.Sensor] = p.Clone()
	}
	e.mu.Unlock()

	e.logger.Info("calibration profiles loaded", slog.Int("count", len(profiles)))
	return nil
}

// SetConfig updates the full-scale bounds the drift check measures against
// from the acknowledged sensor configuration
func (e *Engine) SetConfig(cfg glove.SensorConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyConfig(cfg)
}

func (e *Engine) applyConfig(cfg glove.SensorConfig) {
	e.fullScale[SensorIMU1Accel] = float64(cfg.IMU1.AccelRange) * 1000 // mg
	e.fullScale[SensorIMU1Gyro] = float64(cfg.IMU1.GyroRange) * math.Pi / 180
	e.fullScale[SensorIMU1Mag] = float64(cfg.IMU1.MagRange) * 100 // gauss to uT
	e.fullScale[SensorIMU2Accel] = float64(cfg.IMU2.AccelRange) * 1000
	e.fullScale[SensorIMU2Gyro] = float64(cfg.IMU2.GyroRange) * math.Pi / 180
	e.fullScale[SensorIMU2Mag] = float64(cfg.IMU2.MagRange) * 100
	e.fullScale[SensorJoystick] = glove.JoystickCenter
	// resistive channels have no fixed full scale, the drift check skips them
}

// ZeroCalibrate captures a resting sample window for the sensor and installs
// the mean as the profile's offset, so the corrected resting output is zero.
// If the window times out with fewer than the minimum number of samples it
// returns ErrInsufficientSamples. The profile is persisted when a store is
// configured; a persistence failure is returned alongside the applied profile.
func (e *Engine) ZeroCalibrate(ctx context.Context, sensor Sensor) (Profile, error) {
	if _, ok := sensorChannels[sensor]; !ok {
		return Profile{}, fmt.Errorf("calib.Engine: %w: %d", ErrUnknownSensor, int(sensor))
	}

	e.mu.Lock()
	if _, ok := e.captures[sensor]; ok {
		e.mu.Unlock()
		return Profile{}, fmt.Errorf("calib.Engine: %s: %w", sensor, ErrCalibrationActive)
	}
	c := &capture{want: e.window, done: make(chan struct{})}
	e.captures[sensor] = c
	e.mu.Unlock()

	e.logger.Info("zero-calibration started",
		slog.String("sensor", sensor.String()), slog.Int("window", e.window))

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	var timedOut bool
	select {
	case <-c.done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.captures, sensor)
		e.mu.Unlock()
		return Profile{}, ctx.Err()
	}

	e.mu.Lock()
	delete(e.captures, sensor)
	n := len(c.samples)
	if timedOut && n < e.minSamples {
		e.mu.Unlock()
		return Profile{}, fmt.Errorf("calib.Engine: %s: %w: %d of %d within %s",
			sensor, ErrInsufficientSamples, n, e.minSamples, e.timeout)
	}

	p, ok := e.profiles[sensor]
	if ok {
		p = p.Clone()
	} else {
		p = NewProfile(sensor)
	}
	for ch := range p.Offset {
		p.Offset[ch] = mean(c.samples, ch) * p.Scale[ch]
	}
	p.Drift = 0
	p.Samples = n
	p.UpdatedAt = time.Now().UTC()
	e.profiles[sensor] = p
	delete(e.drift, sensor) // restart the rolling window from the new zero
	e.mu.Unlock()

	e.logger.Info("zero-calibration complete",
		slog.String("sensor", sensor.String()), slog.Int("samples", n))

	if e.store != nil {
		if err := e.store.SaveCalibration(ctx, e.device, p.Clone()); err != nil {
			return p.Clone(), fmt.Errorf("calib.Engine: save profile: %w", err)
		}
	}
	return p.Clone(), nil
}

// SetProfile installs an externally computed profile, e.g. offsets received
// from a calibration oracle, and persists it when a store is configured
func (e *Engine) SetProfile(ctx context.Context, p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	p = p.Clone()
	p.UpdatedAt = time.Now().UTC()

	e.mu.Lock()
	e.profiles[p.Sensor] = p
	delete(e.drift, p.Sensor)
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.SaveCalibration(ctx, e.device, p.Clone()); err != nil {
			return fmt.Errorf("calib.Engine: save profile: %w", err)
		}
	}
	return nil
}

// Profile returns a snapshot of the active profile for the sensor
func (e *Engine) Profile(sensor Sensor) (Profile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[sensor]
	if !ok {
		return Profile{}, false
	}
	return p.Clone(), true
}

// FusionStatus returns the device fusion filter's last reported
// calibration state (0..3) for the IMU source's euler frames
func (e *Engine) FusionStatus(source glove.Source) (uint8, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, ok := e.fusion[source]
	return status, ok
}

// Profiles returns a snapshot of all active profiles in sensor order
func (e *Engine) Profiles() []Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Profile, 0, len(e.profiles))
	for _, s := range Sensors() {
		if p, ok := e.profiles[s]; ok {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Process runs one decoded frame through the engine: raw channel values feed
// any active zero-calibration capture, stored profiles are applied and the
// corrected values update the per-sensor drift window. Frames without a
// calibratable payload pass through unchanged. Calibrated joystick axes are
// reported as offsets from the captured center.
func (e *Engine) Process(frame glove.Frame) glove.Frame {
	var events []driftEvent

	switch data := frame.Data.(type) {
	case glove.Inertial:
		accelS, gyroS, magS, ok := imuSensors(frame.Source)
		if !ok {
			return frame
		}
		accel, gyro, mag := data.Accel, data.Gyro, data.Mag
		e.mu.Lock()
		events = e.processSensor(accelS, accel[:], events)
		events = e.processSensor(gyroS, gyro[:], events)
		events = e.processSensor(magS, mag[:], events)
		e.mu.Unlock()
		frame.Data = glove.Inertial{Accel: accel, Gyro: gyro, Mag: mag}

	case glove.Orientation:
		// Euler angles are fused on the device; the host records the
		// filter's own calibration state and passes the frame through.
		e.mu.Lock()
		prev, seen := e.fusion[frame.Source]
		e.fusion[frame.Source] = data.Fusion
		e.mu.Unlock()
		if !seen || prev != data.Fusion {
			e.logger.Info("fusion filter calibration state",
				slog.String("source", frame.Source.String()),
				slog.Int("status", int(data.Fusion)))
		}
		return frame

	case glove.Joystick:
		vals := [2]float64{float64(data.X), float64(data.Y)}
		e.mu.Lock()
		events = e.processSensor(SensorJoystick, vals[:], events)
		e.mu.Unlock()
		data.X = int16(math.Round(vals[0]))
		data.Y = int16(math.Round(vals[1]))
		frame.Data = data

	case glove.Flex:
		kohm := data.KOhm
		e.mu.Lock()
		events = e.processSensor(SensorFlex, kohm[:], events)
		e.mu.Unlock()
		frame.Data = glove.Flex{KOhm: kohm}

	case glove.Force:
		vals := [1]float64{data.KOhm}
		e.mu.Lock()
		events = e.processSensor(SensorForce, vals[:], events)
		e.mu.Unlock()
		frame.Data = glove.Force{KOhm: vals[0]}

	default:
		return frame
	}

	for _, ev := range events {
		e.onDrift(ev.sensor, ev.fraction)
	}
	return frame
}

type driftEvent struct {
	sensor   Sensor
	fraction float64
}

// processSensor feeds, corrects and drift-checks one channel group in place,
// appending any drift transition to events. Caller holds mu.
func (e *Engine) processSensor(sensor Sensor, vals []float64, events []driftEvent) []driftEvent {
	e.feed(sensor, vals)
	e.correct(sensor, vals)
	if fraction, fired := e.observeDrift(sensor, vals); fired {
		events = append(events, driftEvent{sensor: sensor, fraction: fraction})
	}
	return events
}

func (e *Engine) feed(sensor Sensor, vals []float64) {
	c, ok := e.captures[sensor]
	if !ok || len(c.samples) >= c.want {
		return
	}
	c.samples = append(c.samples, append([]float64(nil), vals...))
	if len(c.samples) == c.want {
		close(c.done)
	}
}

func (e *Engine) correct(sensor Sensor, vals []float64) {
	if p, ok := e.profiles[sensor]; ok {
		p.Correct(vals)
	}
}

// observeDrift pushes corrected values into the sensor's rolling window and
// reports the drift fraction, firing once on each crossing of DriftLimit
func (e *Engine) observeDrift(sensor Sensor, vals []float64) (float64, bool) {
	full := e.fullScale[sensor]
	if full <= 0 {
		return 0, false
	}
	if _, ok := e.profiles[sensor]; !ok {
		return 0, false // drift is measured against a zero-calibration
	}

	w := e.drift[sensor]
	if w == nil {
		w = newDriftWindow(e.window, len(vals))
		e.drift[sensor] = w
	}

	worst, filled := w.push(vals)
	if !filled {
		return 0, false
	}

	fraction := worst / full
	p := e.profiles[sensor]
	p.Drift = fraction
	e.profiles[sensor] = p

	if fraction > DriftLimit {
		if !w.flagged {
			w.flagged = true
			return fraction, true
		}
		return fraction, false
	}
	w.flagged = false
	return fraction, false
}

func imuSensors(source glove.Source) (accel, gyro, mag Sensor, ok bool) {
	switch source {
	case glove.SourceIMU1:
		return SensorIMU1Accel, SensorIMU1Gyro, SensorIMU1Mag, true
	case glove.SourceIMU2:
		return SensorIMU2Accel, SensorIMU2Gyro, SensorIMU2Mag, true
	}
	return 0, 0, 0, false
}

type capture struct {
	want    int
	samples [][]float64
	done    chan struct{}
}

type driftWindow struct {
	ring    [][]float64
	sums    []float64
	idx     int
	filled  bool
	flagged bool
}

func newDriftWindow(size, channels int) *driftWindow {
	w := driftWindow{
		ring: make([][]float64, size),
		sums: make([]float64, channels),
	}
	for i := range w.ring {
		w.ring[i] = make([]float64, channels)
	}
	return &w
}

// push adds one sample and returns the worst absolute rolling mean across
// channels once the window has filled
func (w *driftWindow) push(vals []float64) (float64, bool) {
	for ch, v := range vals {
		if w.filled {
			w.sums[ch] -= w.ring[w.idx][ch]
		}
		w.ring[w.idx][ch] = v
		w.sums[ch] += v
	}
	w.idx++
	if w.idx == len(w.ring) {
		w.idx = 0
		w.filled = true
	}
	if !w.filled {
		return 0, false
	}

	worst := 0.0
	for _, sum := range w.sums {
		if m := math.Abs(sum / float64(len(w.ring))); m > worst {
			worst = m
		}
	}
	return worst, true
}

func mean(samples [][]float64, ch int) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s[ch]
	}
	return sum / float64(len(samples))
}
