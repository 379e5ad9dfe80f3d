// Package mqtt mirrors the controller's live state onto an MQTT broker
// for the UI collaborator: connection state, battery, device health,
// throttled telemetry and calibration events, plus the command topics
// the UI writes back on. The publisher is one router subscriber among
// others; it may lag behind the telemetry rate but never stalls the
// pipeline.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/seamless-hci/glovelink/internal/calib"
	"github.com/seamless-hci/glovelink/internal/glove"
)

const (
	// DefaultThrottle is the minimum interval between two published
	// frames of the same source
	DefaultThrottle = 100 * time.Millisecond

	tokenTimeout      = 5 * time.Second
	keepAlive         = 60 * time.Second
	maxReconnectWait  = 10 * time.Second
	disconnectQuiesce = 250 // ms
)

// WithLogger sets the logger for the publisher
func WithLogger(logger *slog.Logger) func(p *Publisher) {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithThrottle sets the minimum interval between two published frames of
// the same source. Zero disables throttling.
func WithThrottle(d time.Duration) func(p *Publisher) {
	return func(p *Publisher) {
		p.throttle = d
	}
}

// WithInsecureTLS skips broker certificate verification, for brokers
// with self-signed certificates.
func WithInsecureTLS() func(p *Publisher) {
	return func(p *Publisher) {
		p.insecure = true
	}
}

// Publisher owns the MQTT side of the display surface. State topics are
// retained so a UI attaching late sees the current picture; frame topics
// are fire-and-forget.
type Publisher struct {
	logger   *slog.Logger
	client   paho.Client
	root     string
	throttle time.Duration
	insecure bool

	// touched only by the Run goroutine
	lastPub map[glove.Source]time.Time
	battery batteryMessage

	published atomic.Uint64
	throttled atomic.Uint64
}

// CommandHandlers binds the UI's command topics to controller actions.
// Handlers run on the MQTT client's callback goroutine and should hand
// off promptly. A nil handler leaves its topic unsubscribed.
type CommandHandlers struct {
	// Config receives decoded rate/range/period changes from cmd/config.
	// The topic does not carry the run state; the handler overlays the
	// current command before applying.
	Config func(glove.SensorConfig) error

	// Command receives run state changes from cmd/command
	Command func(glove.Command) error

	// Calibrate receives zero-calibration triggers from cmd/calibrate
	Calibrate func(calib.Sensor) error

	// Logging receives start/stop requests from cmd/logging
	Logging func(start bool, dir string) error
}

// Stats is the periodic counters message published on the stats topic.
type Stats struct {
	State        string `json:"state"`
	Received     uint64 `json:"received"`
	Decoded      uint64 `json:"decoded"`
	DecodeErrors uint64 `json:"decodeErrors"`
	Dropped      uint64 `json:"dropped"`
	Reconnects   uint64 `json:"reconnects"`
	Published    uint64 `json:"published"`
	Throttled    uint64 `json:"throttled"`
	LogRecords   uint64 `json:"logRecords"`
	LogDropped   uint64 `json:"logDropped"`
}

type frameMessage struct {
	Seq      uint64    `json:"seq"`
	Captured time.Time `json:"captured"`
	Valid    bool      `json:"valid"`
	Data     any       `json:"data"`
}

type batteryMessage struct {
	Percent  *uint8 `json:"percent,omitempty"`
	Charging string `json:"charging,omitempty"`
}

type statusMessage struct {
	Error     uint8  `json:"error"`
	FuelGauge string `json:"fuelGauge"`
	IMU1      string `json:"imu1"`
	IMU2      string `json:"imu2"`
}

type infoMessage struct {
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
	Firmware     string `json:"firmware"`
	Hardware     string `json:"hardware"`
}

type configMessage struct {
	Command        string          `json:"command"`
	IMU1           glove.IMUConfig `json:"imu1"`
	IMU2           glove.IMUConfig `json:"imu2"`
	UpdatePeriodMs int64           `json:"updatePeriodMs"`
}

type calibrationMessage struct {
	Sensor    string    `json:"sensor"`
	Offset    []float64 `json:"offset"`
	Scale     []float64 `json:"scale"`
	Drift     float64   `json:"drift"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type driftMessage struct {
	Sensor   string  `json:"sensor"`
	Fraction float64 `json:"fraction"`
	Limit    float64 `json:"limit"`
}

type loggingCommand struct {
	Start     bool   `json:"start"`
	Directory string `json:"directory"`
}

// New connects a publisher to the broker. The URL scheme picks the
// transport (mqtt, mqtts, ws, wss); credentials ride in the URL user
// info. The broker's last-will marks the controller offline should the
// process die with the connection up.
func New(brokerURL, device string, options ...func(p *Publisher)) (*Publisher, error) {
	parsed, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt: invalid broker URL: %w", err)
	}

	p := Publisher{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		root:     "glove/" + sanitizeTopic(device),
		throttle: DefaultThrottle,
		lastPub:  make(map[glove.Source]time.Time),
	}
	for _, option := range options {
		option(&p)
	}

	opts := paho.NewClientOptions()

	broker := brokerURL
	switch parsed.Scheme {
	case "ws":
	case "wss":
		opts.SetTLSConfig(p.tlsConfig())
	case "mqtt":
		broker = strings.Replace(brokerURL, "mqtt://", "tcp://", 1)
	case "mqtts":
		broker = strings.Replace(brokerURL, "mqtts://", "ssl://", 1)
		opts.SetTLSConfig(p.tlsConfig())
	case "tcp", "ssl":
	default:
		return nil, fmt.Errorf("mqtt: unsupported scheme %q (use mqtt, mqtts, ws or wss)", parsed.Scheme)
	}

	opts.AddBroker(broker)
	opts.SetClientID("glovelink-" + sanitizeTopic(device))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(keepAlive)
	opts.SetConnectTimeout(tokenTimeout)
	opts.SetMaxReconnectInterval(maxReconnectWait)
	opts.SetWill(p.topic("availability"), "offline", 1, true)

	if parsed.User != nil {
		opts.SetUsername(parsed.User.Username())
		if password, ok := parsed.User.Password(); ok {
			opts.SetPassword(password)
		}
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.logger.Warn(fmt.Sprintf("broker connection lost: %s", err.Error()))
	})
	opts.SetOnConnectHandler(func(client paho.Client) {
		// Re-assert availability after every (re)connect so the
		// last-will's offline never sticks while we are alive
		client.Publish(p.topic("availability"), 1, true, "online")
		p.logger.Info("broker connected", slog.String("root", p.root))
	})

	p.client = paho.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connecting to %s: %w", redactURL(parsed), token.Error())
	}
	return &p, nil
}

func (p *Publisher) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.insecure,
	}
}

// Run forwards decoded frames from a router subscription until the
// context is done or the channel closes. High rate sources are throttled
// per source; battery and status changes always go out and refresh their
// retained state topics.
func (p *Publisher) Run(ctx context.Context, frames <-chan glove.Frame) error {
	p.logger.Info("display publisher started", slog.String("root", p.root))
	defer p.logger.Info("display publisher stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			p.forward(frame)
		}
	}
}

func (p *Publisher) forward(frame glove.Frame) {
	switch d := frame.Data.(type) {
	case glove.Battery:
		pct := d.Percent
		p.battery.Percent = &pct
		p.send(p.topic("battery"), true, p.battery)
	case glove.Charging:
		p.battery.Charging = d.State.String()
		p.send(p.topic("battery"), true, p.battery)
	case glove.Status:
		p.send(p.topic("status"), true, statusMessage{
			Error:     d.Error,
			FuelGauge: d.FuelGauge.String(),
			IMU1:      d.IMU1.String(),
			IMU2:      d.IMU2.String(),
		})
	}

	if p.throttle > 0 {
		switch frame.Source {
		case glove.SourceBattery, glove.SourceStatus:
		default:
			if last, ok := p.lastPub[frame.Source]; ok && frame.Captured.Sub(last) < p.throttle {
				p.throttled.Add(1)
				return
			}
			p.lastPub[frame.Source] = frame.Captured
		}
	}

	p.send(p.topic("frames", frame.Source.String()), false, frameMessage{
		Seq:      frame.Seq,
		Captured: frame.Captured,
		Valid:    frame.Valid,
		Data:     frame.Data,
	})
}

// send is the fire-and-forget path for telemetry-rate topics.
func (p *Publisher) send(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn(fmt.Sprintf("marshaling %s: %s", topic, err.Error()))
		return
	}
	p.client.Publish(topic, 0, retained, payload)
	p.published.Add(1)
}

// publish is the confirmed path for control-plane topics.
func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("mqtt: publish %s timed out after %s", topic, tokenTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	p.published.Add(1)
	return nil
}

func (p *Publisher) publishJSON(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mqtt: marshaling %s: %w", topic, err)
	}
	return p.publish(topic, retained, payload)
}

// PublishState pushes a connection state change to the retained state
// topic.
func (p *Publisher) PublishState(state string) error {
	return p.publish(p.topic("state"), true, []byte(state))
}

// PublishInfo pushes the device information strings read at bring-up.
func (p *Publisher) PublishInfo(info glove.DeviceInfo) error {
	return p.publishJSON(p.topic("info"), true, infoMessage{
		Model:        info.Model,
		Manufacturer: info.Manufacturer,
		Firmware:     info.Firmware,
		Hardware:     info.Hardware,
	})
}

// PublishConfig pushes the acknowledged device configuration.
func (p *Publisher) PublishConfig(cfg glove.SensorConfig) error {
	return p.publishJSON(p.topic("config"), true, configMessage{
		Command:        cfg.Command.String(),
		IMU1:           cfg.IMU1,
		IMU2:           cfg.IMU2,
		UpdatePeriodMs: cfg.UpdatePeriod.Milliseconds(),
	})
}

// PublishCalibration pushes an installed calibration profile.
func (p *Publisher) PublishCalibration(profile calib.Profile) error {
	return p.publishJSON(p.topic("calibration", sanitizeTopic(profile.Sensor.String())), true, calibrationMessage{
		Sensor:    profile.Sensor.String(),
		Offset:    profile.Offset,
		Scale:     profile.Scale,
		Drift:     profile.Drift,
		Samples:   profile.Samples,
		UpdatedAt: profile.UpdatedAt,
	})
}

// PublishDrift pushes a drift advisory for a sensor.
func (p *Publisher) PublishDrift(sensor calib.Sensor, fraction float64) error {
	return p.publishJSON(p.topic("calibration", sanitizeTopic(sensor.String()), "drift"), false, driftMessage{
		Sensor:   sensor.String(),
		Fraction: fraction,
		Limit:    calib.DriftLimit,
	})
}

// PublishStats pushes the periodic counters snapshot.
func (p *Publisher) PublishStats(s Stats) error {
	s.Published = p.published.Load()
	s.Throttled = p.throttled.Load()
	return p.publishJSON(p.topic("stats"), false, s)
}

// SubscribeCommands attaches the UI's command topics. Malformed payloads
// and handler failures are logged and dropped; the broker session never
// tears down over a bad command.
func (p *Publisher) SubscribeCommands(h CommandHandlers) error {
	type subscription struct {
		topic   string
		handler paho.MessageHandler
	}

	var subs []subscription
	if h.Config != nil {
		subs = append(subs, subscription{p.topic("cmd", "config"), p.handleConfig(h.Config)})
	}
	if h.Command != nil {
		subs = append(subs, subscription{p.topic("cmd", "command"), p.handleCommand(h.Command)})
	}
	if h.Calibrate != nil {
		subs = append(subs, subscription{p.topic("cmd", "calibrate"), p.handleCalibrate(h.Calibrate)})
	}
	if h.Logging != nil {
		subs = append(subs, subscription{p.topic("cmd", "logging"), p.handleLogging(h.Logging)})
	}

	for _, sub := range subs {
		token := p.client.Subscribe(sub.topic, 1, sub.handler)
		if !token.WaitTimeout(tokenTimeout) {
			return fmt.Errorf("mqtt: subscribe %s timed out after %s", sub.topic, tokenTimeout)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: subscribe %s: %w", sub.topic, err)
		}
		p.logger.Debug("command topic attached", slog.String("topic", sub.topic))
	}
	return nil
}

func (p *Publisher) handleConfig(fn func(glove.SensorConfig) error) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		var cmd configMessage
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			p.logger.Warn(fmt.Sprintf("bad config command: %s", err.Error()))
			return
		}
		cfg := glove.SensorConfig{
			IMU1:         cmd.IMU1,
			IMU2:         cmd.IMU2,
			UpdatePeriod: time.Duration(cmd.UpdatePeriodMs) * time.Millisecond,
		}
		if err := fn(cfg); err != nil {
			p.logger.Warn(fmt.Sprintf("config command failed: %s", err.Error()))
		}
	}
}

func (p *Publisher) handleCommand(fn func(glove.Command) error) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		cmd, ok := parseCommand(string(msg.Payload()))
		if !ok {
			p.logger.Warn(fmt.Sprintf("bad run state command %q", msg.Payload()))
			return
		}
		if err := fn(cmd); err != nil {
			p.logger.Warn(fmt.Sprintf("run state command failed: %s", err.Error()))
		}
	}
}

func (p *Publisher) handleCalibrate(fn func(calib.Sensor) error) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		name := strings.TrimSpace(string(msg.Payload()))
		sensor, ok := calib.SensorByName(name)
		if !ok {
			p.logger.Warn(fmt.Sprintf("bad calibrate command %q", name))
			return
		}
		if err := fn(sensor); err != nil {
			p.logger.Warn(fmt.Sprintf("calibrate command failed: %s", err.Error()))
		}
	}
}

func (p *Publisher) handleLogging(fn func(start bool, dir string) error) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		var cmd loggingCommand
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			p.logger.Warn(fmt.Sprintf("bad logging command: %s", err.Error()))
			return
		}
		if err := fn(cmd.Start, cmd.Directory); err != nil {
			p.logger.Warn(fmt.Sprintf("logging command failed: %s", err.Error()))
		}
	}
}

// Published returns how many messages have gone out since start.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Close marks the controller offline and disconnects from the broker.
func (p *Publisher) Close() error {
	err := p.publish(p.topic("availability"), true, []byte("offline"))
	p.client.Disconnect(disconnectQuiesce)
	p.logger.Info("broker disconnected")
	return err
}

func (p *Publisher) topic(parts ...string) string {
	return p.root + "/" + strings.Join(parts, "/")
}

// sanitizeTopic makes a string safe as one MQTT topic level.
func sanitizeTopic(s string) string {
	s = strings.ToLower(s)
	for _, bad := range []string{"/", "+", "#", " "} {
		s = strings.ReplaceAll(s, bad, "_")
	}
	return s
}

func parseCommand(s string) (glove.Command, bool) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "idle":
		return glove.CommandIdle, true
	case "run":
		return glove.CommandRun, true
	case "calibrate imu1", "calibrate_imu1":
		return glove.CommandCalibrateIMU1, true
	case "calibrate imu2", "calibrate_imu2":
		return glove.CommandCalibrateIMU2, true
	}
	return 0, false
}

func redactURL(u *url.URL) string {
	if u.User != nil {
		clean := *u
		clean.User = url.User("***")
		return clean.String()
	}
	return u.String()
}
