package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/seamless-hci/glovelink/internal/ble"
	"github.com/seamless-hci/glovelink/internal/calib"
	"github.com/seamless-hci/glovelink/internal/glove"
	"github.com/seamless-hci/glovelink/internal/mqtt"
	"github.com/seamless-hci/glovelink/internal/registry"
	"github.com/seamless-hci/glovelink/internal/router"
	"github.com/seamless-hci/glovelink/internal/storage"
	"github.com/seamless-hci/glovelink/internal/tracelog"
)

const (
	frameQueue     = 256
	traceQueue     = 256
	displayQueue   = 64
	configTapDepth = 8

	statsInterval  = 10 * time.Second
	commandTimeout = 10 * time.Second
)

// Supervisor owns the controller's moving parts for one device: the BLE
// session, the calibration engine, the frame router and its consumers.
// It runs until the context is cancelled or the reconnect budget is
// spent.
type Supervisor struct {
	config *Config
	logger *slog.Logger
	store  *storage.Store

	registry  *registry.Registry
	engine    *calib.Engine
	router    *router.Router
	publisher *mqtt.Publisher // nil when the display surface is disabled
	session   *ble.Session

	mu    sync.Mutex
	trace *tracelog.Session // active recording, nil when idle
}

func NewSupervisor(config *Config, store *storage.Store, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		config: config,
		logger: logger,
		store:  store,
		router: router.New(router.WithLogger(logger)),
	}
}

func (s *Supervisor) Run(ctx context.Context, radio ble.Radio) (err error) {
	handle, err := findDevice(ctx, radio, s.config, s.logger)
	if err != nil {
		return err
	}

	if s.config.MQTT.Enabled {
		options := []func(p *mqtt.Publisher){
			mqtt.WithLogger(s.logger),
			mqtt.WithThrottle(s.config.MQTT.Throttle.Duration()),
		}
		if s.config.MQTT.InsecureTLS {
			options = append(options, mqtt.WithInsecureTLS())
		}
		s.publisher, err = mqtt.New(s.config.MQTT.Broker, handle.Address, options...)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		defer s.publisher.Close()
	}

	s.engine = calib.NewEngine(handle.Address,
		calib.WithLogger(s.logger),
		calib.WithStore(s.store),
		calib.WithDriftHandler(s.onDrift))
	if err := s.engine.Load(ctx); err != nil {
		return fmt.Errorf("failed to load calibration profiles: %w", err)
	}

	s.registry = registry.New(
		registry.WithLogger(s.logger),
		registry.WithConfig(s.config.Sensors.SensorConfig()),
		registry.WithChangeHandler(s.onConfigChange))

	options := []func(sess *ble.Session){
		ble.WithLogger(s.logger),
		ble.WithConnectTimeout(s.config.Device.ConnectTimeout.Duration()),
		ble.WithReconnectPolicy(s.config.Device.ReconnectAttempts, s.config.Device.ReconnectDelay.Duration()),
		ble.WithConfigSource(s.registry),
		ble.WithStateHandler(s.onState),
	}
	if s.config.Device.QueueSize > 0 {
		options = append(options, ble.WithQueueSize(s.config.Device.QueueSize))
	}

	s.session, err = ble.Connect(ctx, radio, handle, options...)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer s.session.Disconnect()

	s.registry.Bind(s.session)
	defer s.registry.Release()
	s.registry.SetInfo(s.session.Info())

	if s.publisher != nil {
		if err := s.subscribeCommands(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to command topics: %w", err)
		}
		s.publishAsync("info", func() error {
			return s.publisher.PublishInfo(s.session.Info())
		})
	}

	if s.config.Trace.Enabled {
		cctx, cancel := opContext()
		err = s.StartTrace(cctx, s.config.Trace.Directory)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to start trace recording: %w", err)
		}
	}
	defer func() {
		cctx, cancel := opContext()
		defer cancel()
		if stopErr := s.StopTrace(cctx); stopErr != nil {
			s.logger.Warn(fmt.Sprintf("trace recording close: %s", stopErr))
		}
	}()

	tap, err := s.session.Subscribe(glove.CharConfig, configTapDepth)
	if err != nil {
		return fmt.Errorf("failed to subscribe to configuration notifications: %w", err)
	}
	defer tap.Cancel()

	group, gctx := errgroup.WithContext(ctx)

	frames := make(chan glove.Frame, frameQueue)
	done, err := s.session.BeginStreaming(gctx, frames)
	if err != nil {
		return fmt.Errorf("failed to begin streaming: %w", err)
	}

	// Link watch: a closed channel is an ordered stop, an error means the
	// reconnect budget is spent.
	group.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err, ok := <-done:
			if !ok || err == nil {
				return nil
			}
			return fmt.Errorf("device link lost: %w", err)
		}
	})

	// Decode pump: corrected frames fan out through the router.
	group.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case frame := <-frames:
				s.router.Publish(s.engine.Process(frame))
			}
		}
	})

	// Configuration notifications bypass the frame path entirely.
	group.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case raw := <-tap.Values():
				s.registry.Observe(raw.Data)
			}
		}
	})

	traceSub := s.router.SubscribeBuffered("tracelog", traceQueue)
	group.Go(func() error {
		defer traceSub.Cancel()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case frame := <-traceSub.Frames():
				s.appendTrace(frame)
			}
		}
	})

	if s.publisher != nil {
		displaySub := s.router.SubscribeBuffered("mqtt", displayQueue)
		group.Go(func() error {
			defer displaySub.Cancel()
			return s.publisher.Run(gctx, displaySub.Frames())
		})
	}

	group.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				s.reportStats()
			}
		}
	})

	s.logger.Info("controller running", slog.String("device", handle.String()))

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// StartTrace begins recording corrected frames under dir. Starting while
// a recording is active is a no-op.
func (s *Supervisor) StartTrace(ctx context.Context, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trace != nil {
		return nil
	}

	info := s.registry.Info()
	device := tracelog.Device{
		Address:  s.session.Handle().Address,
		Model:    info.Model,
		Firmware: info.Firmware,
	}
	trace, err := tracelog.Start(ctx, dir, device,
		tracelog.WithLogger(s.logger),
		tracelog.WithIndex(s.store))
	if err != nil {
		return err
	}
	s.trace = trace
	return nil
}

// StopTrace flushes and closes the active recording, if any.
func (s *Supervisor) StopTrace(ctx context.Context) error {
	s.mu.Lock()
	trace := s.trace
	s.trace = nil
	s.mu.Unlock()
	if trace == nil {
		return nil
	}
	return trace.Close(ctx)
}

func (s *Supervisor) appendTrace(frame glove.Frame) {
	s.mu.Lock()
	trace := s.trace
	s.mu.Unlock()
	if trace == nil {
		return
	}
	// Append sheds internally when a stream lags. Errors are either a
	// degraded stream already raising its own alarm or a recording closed
	// under us; neither is actionable on the frame path.
	_ = trace.Append(frame)
}

func (s *Supervisor) subscribeCommands(ctx context.Context) error {
	return s.publisher.SubscribeCommands(mqtt.CommandHandlers{
		Config: func(change glove.SensorConfig) error {
			cctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			// The display surface does not carry the run state or the
			// reserved tail, only sampling parameters.
			current := s.registry.Config()
			change.Command = current.Command
			change.Reserved = current.Reserved
			_, err := s.registry.RequestConfig(cctx, change)
			return err
		},
		Command: func(cmd glove.Command) error {
			cctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			_, err := s.registry.RequestCommand(cctx, cmd)
			return err
		},
		Calibrate: func(sensor calib.Sensor) error {
			go func() {
				profile, err := s.engine.ZeroCalibrate(ctx, sensor)
				if err != nil {
					s.logger.Error(fmt.Sprintf("zero-calibration failed: %s", err),
						slog.String("sensor", sensor.String()))
					return
				}
				s.publishAsync("calibration", func() error {
					return s.publisher.PublishCalibration(profile)
				})
			}()
			return nil
		},
		Logging: func(start bool, dir string) error {
			cctx, cancel := opContext()
			defer cancel()
			if start {
				if dir == "" {
					dir = s.config.Trace.Directory
				}
				return s.StartTrace(cctx, dir)
			}
			return s.StopTrace(cctx)
		},
	})
}

// publishAsync keeps broker round-trips off the session and decode
// paths. Failures are logged, never propagated.
func (s *Supervisor) publishAsync(what string, fn func() error) {
	if s.publisher == nil {
		return
	}
	go func() {
		if err := fn(); err != nil {
			s.logger.Warn(fmt.Sprintf("display publish failed: %s", err),
				slog.String("topic", what))
		}
	}()
}

func (s *Supervisor) onState(state ble.State) {
	s.publishAsync("state", func() error {
		return s.publisher.PublishState(state.String())
	})
}

func (s *Supervisor) onConfigChange(c glove.SensorConfig) {
	s.engine.SetConfig(c)
	s.publishAsync("config", func() error {
		return s.publisher.PublishConfig(c)
	})
}

func (s *Supervisor) onDrift(sensor calib.Sensor, fraction float64) {
	s.publishAsync("drift", func() error {
		return s.publisher.PublishDrift(sensor, fraction)
	})
}

func (s *Supervisor) reportStats() {
	link := s.session.Stats()
	routed := s.router.Stats()

	var routerDropped uint64
	for _, sub := range routed.Subscriptions {
		routerDropped += sub.Dropped
	}
	logRows, logDropped := s.traceTotals()

	s.logger.Info("session stats",
		slog.String("state", link.State.String()),
		slog.String("received", humanize.Comma(int64(link.Received))),
		slog.String("decoded", humanize.Comma(int64(link.Decoded))),
		slog.Uint64("decodeErrors", link.DecodeErrors),
		slog.Uint64("dropped", link.Dropped+routerDropped),
		slog.Uint64("reconnects", link.Reconnects),
		slog.String("logged", humanize.Comma(int64(logRows))))

	if s.publisher != nil {
		s.publishAsync("stats", func() error {
			return s.publisher.PublishStats(mqtt.Stats{
				State:        link.State.String(),
				Received:     link.Received,
				Decoded:      link.Decoded,
				DecodeErrors: link.DecodeErrors,
				Dropped:      link.Dropped + routerDropped,
				Reconnects:   link.Reconnects,
				LogRecords:   logRows,
				LogDropped:   logDropped,
			})
		})
	}
}

func (s *Supervisor) traceTotals() (rows, dropped uint64) {
	s.mu.Lock()
	trace := s.trace
	s.mu.Unlock()
	if trace == nil {
		return 0, 0
	}
	stats := trace.Stats()
	for _, stream := range stats.Streams {
		rows += stream.Rows
		dropped += stream.Dropped
	}
	return rows, dropped
}
