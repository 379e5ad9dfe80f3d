package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/seamless-hci/glovelink/internal/calib"
	"github.com/seamless-hci/glovelink/internal/glove"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishedMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu       sync.Mutex
	messages []publishedMsg
	routes   map[string]paho.MessageHandler
}

func (b *fakeBroker) IsConnected() bool      { return true }
func (b *fakeBroker) IsConnectionOpen() bool { return true }
func (b *fakeBroker) Connect() paho.Token    { return &fakeToken{} }
func (b *fakeBroker) Disconnect(uint)        {}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	b.mu.Lock()
	b.messages = append(b.messages, publishedMsg{topic, qos, retained, data})
	b.mu.Unlock()
	return &fakeToken{}
}

func (b *fakeBroker) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	b.mu.Lock()
	if b.routes == nil {
		b.routes = make(map[string]paho.MessageHandler)
	}
	b.routes[topic] = callback
	b.mu.Unlock()
	return &fakeToken{}
}

func (b *fakeBroker) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &fakeToken{}
}
func (b *fakeBroker) Unsubscribe(...string) paho.Token        { return &fakeToken{} }
func (b *fakeBroker) AddRoute(string, paho.MessageHandler)    {}
func (b *fakeBroker) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

func (b *fakeBroker) published() []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMsg(nil), b.messages...)
}

func (b *fakeBroker) onTopic(topic string) []publishedMsg {
	var out []publishedMsg
	for _, m := range b.published() {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBroker) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	b.mu.Lock()
	handler := b.routes[topic]
	b.mu.Unlock()
	if handler == nil {
		t.Fatalf("No subscriber on %s", topic)
	}
	handler(b, &fakeMessage{topic: topic, payload: payload})
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func testPublisher(broker *fakeBroker, options ...func(p *Publisher)) *Publisher {
	p := &Publisher{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		client:   broker,
		root:     "glove/c0:98:e5:49:12:ab",
		throttle: DefaultThrottle,
		lastPub:  make(map[glove.Source]time.Time),
	}
	for _, option := range options {
		option(p)
	}
	return p
}

func imuFrame(seq uint64, captured time.Time) glove.Frame {
	return glove.Frame{
		Char:     glove.CharIMU1,
		Source:   glove.SourceIMU1,
		Captured: captured,
		Seq:      seq,
		Valid:    true,
		Data:     glove.Inertial{Accel: [3]float64{0, 0, 1000}},
	}
}

func TestPublisher_ForwardThrottlesPerSource(t *testing.T) {
	broker := &fakeBroker{}
	p := testPublisher(broker)
	base := time.Now()

	p.forward(imuFrame(1, base))
	p.forward(glove.Frame{
		Char: glove.CharJoystick, Source: glove.SourceJoystick,
		Captured: base.Add(5 * time.Millisecond), Seq: 1, Valid: true,
		Data: glove.Joystick{X: 2048, Y: 2048},
	})
	p.forward(imuFrame(2, base.Add(10*time.Millisecond)))  // inside the throttle window
	p.forward(imuFrame(3, base.Add(150*time.Millisecond))) // outside

	imu := broker.onTopic("glove/c0:98:e5:49:12:ab/frames/imu1")
	if len(imu) != 2 {
		t.Fatalf("Expected 2 imu1 messages after throttling, got %d", len(imu))
	}
	var first frameMessage
	if err := json.Unmarshal(imu[0].payload, &first); err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if first.Seq != 1 || !first.Valid {
		t.Errorf("Expected seq 1 valid, got seq %d valid %t", first.Seq, first.Valid)
	}
	var last frameMessage
	if err := json.Unmarshal(imu[1].payload, &last); err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if last.Seq != 3 {
		t.Errorf("Expected the throttled frame to be seq 2, surviving seq 3, got %d", last.Seq)
	}

	// A second source is not held back by the first one's window
	if got := len(broker.onTopic("glove/c0:98:e5:49:12:ab/frames/joystick")); got != 1 {
		t.Errorf("Expected 1 joystick message, got %d", got)
	}
}

func TestPublisher_BatteryRefreshesRetainedTopic(t *testing.T) {
	broker := &fakeBroker{}
	p := testPublisher(broker)
	now := time.Now()

	p.forward(glove.Frame{
		Char: glove.CharBatteryLevel, Source: glove.SourceBattery,
		Captured: now, Seq: 1, Valid: true,
		Data: glove.Battery{Percent: 87},
	})
	p.forward(glove.Frame{
		Char: glove.CharBatteryCharging, Source: glove.SourceBattery,
		Captured: now, Seq: 2, Valid: true,
		Data: glove.Charging{State: glove.ChargeCharging},
	})

	state := broker.onTopic("glove/c0:98:e5:49:12:ab/battery")
	if len(state) != 2 {
		t.Fatalf("Expected 2 battery state updates, got %d", len(state))
	}
	if !state[1].retained {
		t.Error("Expected the battery topic retained")
	}

	var msg batteryMessage
	if err := json.Unmarshal(state[1].payload, &msg); err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if msg.Percent == nil || *msg.Percent != 87 {
		t.Errorf("Expected the charging update to keep percent 87, got %v", msg.Percent)
	}
	if msg.Charging != "charging" {
		t.Errorf("Expected charging state, got %q", msg.Charging)
	}

	// Battery frames also reach the frame stream, unthrottled
	if got := len(broker.onTopic("glove/c0:98:e5:49:12:ab/frames/battery")); got != 2 {
		t.Errorf("Expected 2 battery frames, got %d", got)
	}
}

func TestPublisher_StatusRetained(t *testing.T) {
	broker := &fakeBroker{}
	p := testPublisher(broker)

	p.forward(glove.Frame{
		Char: glove.CharStatus, Source: glove.SourceStatus,
		Captured: time.Now(), Seq: 1, Valid: true,
		Data: glove.Status{
			Error:     0,
			FuelGauge: glove.ComponentRunning,
			IMU1:      glove.ComponentRunning,
			IMU2:      glove.ComponentFailed,
		},
	})

	state := broker.onTopic("glove/c0:98:e5:49:12:ab/status")
	if len(state) != 1 {
		t.Fatalf("Expected 1 status update, got %d", len(state))
	}
	var msg statusMessage
	if err := json.Unmarshal(state[0].payload, &msg); err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if msg.IMU2 != "failed" || msg.IMU1 != "running" {
		t.Errorf("Expected component states failed/running, got %q / %q", msg.IMU2, msg.IMU1)
	}
}

func TestPublisher_PublishConfig(t *testing.T) {
	broker := &fakeBroker{}
	p := testPublisher(broker)

	if err := p.PublishConfig(glove.DefaultConfig()); err != nil {
		t.Fatalf("PublishConfig: %s", err)
	}

	msgs := broker.onTopic("glove/c0:98:e5:49:12:ab/config")
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 config message, got %d", len(msgs))
	}
	if !msgs[0].retained {
		t.Error("Expected the config topic retained")
	}

	var msg configMessage
	if err := json.Unmarshal(msgs[0].payload, &msg); err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if msg.Command != "run" {
		t.Errorf("Expected command run, got %q", msg.Command)
	}
	if msg.IMU1.SampleRate != 104 || msg.UpdatePeriodMs != 20 {
		t.Errorf("Expected 104 Hz / 20 ms, got %g Hz / %d ms", msg.IMU1.SampleRate, msg.UpdatePeriodMs)
	}
}

func TestPublisher_CommandTopics(t *testing.T) {
	broker := &fakeBroker{}
	p := testPublisher(broker)

	var (
		mu         sync.Mutex
		gotConfig  *glove.SensorConfig
		gotCommand *glove.Command
		gotSensor  *calib.Sensor
		gotLogging *loggingCommand
	)
	err := p.SubscribeCommands(CommandHandlers{
		Config: func(c glove.SensorConfig) error {
			mu.Lock()
			gotConfig = &c
			mu.Unlock()
			return nil
		},
		Command: func(c glove.Command) error {
			mu.Lock()
			gotCommand = &c
			mu.Unlock()
			return nil
		},
		Calibrate: func(s calib.Sensor) error {
			mu.Lock()
			gotSensor = &s
			mu.Unlock()
			return nil
		},
		Logging: func(start bool, dir string) error {
			mu.Lock()
			gotLogging = &loggingCommand{Start: start, Directory: dir}
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("SubscribeCommands: %s", err)
	}

	t.Run("config", func(t *testing.T) {
		payload := []byte(`{"imu1":{"sampleRate":208,"magRate":20,"accelRange":8,"gyroRange":500,"magRange":4},` +
			`"imu2":{"sampleRate":104,"magRate":20,"accelRange":4,"gyroRange":500,"magRange":4},"updatePeriodMs":10}`)
		broker.deliver(t, "glove/c0:98:e5:49:12:ab/cmd/config", payload)

		mu.Lock()
		defer mu.Unlock()
		if gotConfig == nil {
			t.Fatal("Config handler never ran")
		}
		if gotConfig.IMU1.SampleRate != 208 || gotConfig.IMU1.AccelRange != 8 {
			t.Errorf("Expected 208 Hz ±8G, got %g Hz ±%dG", gotConfig.IMU1.SampleRate, gotConfig.IMU1.AccelRange)
		}
		if gotConfig.UpdatePeriod != 10*time.Millisecond {
			t.Errorf("Expected a 10ms period, got %s", gotConfig.UpdatePeriod)
		}
	})

	t.Run("run state", func(t *testing.T) {
		broker.deliver(t, "glove/c0:98:e5:49:12:ab/cmd/command", []byte("idle"))
		mu.Lock()
		defer mu.Unlock()
		if gotCommand == nil || *gotCommand != glove.CommandIdle {
			t.Fatalf("Expected command idle, got %v", gotCommand)
		}
	})

	t.Run("calibrate", func(t *testing.T) {
		broker.deliver(t, "glove/c0:98:e5:49:12:ab/cmd/calibrate", []byte("imu1.gyro"))
		mu.Lock()
		defer mu.Unlock()
		if gotSensor == nil || *gotSensor != calib.SensorIMU1Gyro {
			t.Fatalf("Expected imu1.gyro, got %v", gotSensor)
		}
	})

	t.Run("logging", func(t *testing.T) {
		broker.deliver(t, "glove/c0:98:e5:49:12:ab/cmd/logging", []byte(`{"start":true,"directory":"/traces"}`))
		mu.Lock()
		defer mu.Unlock()
		if gotLogging == nil || !gotLogging.Start || gotLogging.Directory != "/traces" {
			t.Fatalf("Expected a start request for /traces, got %+v", gotLogging)
		}
	})

	t.Run("malformed payloads are dropped", func(t *testing.T) {
		mu.Lock()
		before := *gotCommand
		mu.Unlock()

		broker.deliver(t, "glove/c0:98:e5:49:12:ab/cmd/command", []byte("sleepwalk"))
		broker.deliver(t, "glove/c0:98:e5:49:12:ab/cmd/calibrate", []byte("imu9.laser"))
		broker.deliver(t, "glove/c0:98:e5:49:12:ab/cmd/config", []byte("{not json"))

		mu.Lock()
		defer mu.Unlock()
		if *gotCommand != before {
			t.Error("A malformed run state command reached the handler")
		}
	})
}

func TestPublisher_RunStopsOnCancel(t *testing.T) {
	broker := &fakeBroker{}
	p := testPublisher(broker)

	frames := make(chan glove.Frame, 4)
	frames <- imuFrame(1, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, frames)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.Published() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Frame was never forwarded")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected a clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		want glove.Command
		ok   bool
	}{
		{"run", glove.CommandRun, true},
		{" IDLE ", glove.CommandIdle, true},
		{"calibrate_imu1", glove.CommandCalibrateIMU1, true},
		{"calibrate imu2", glove.CommandCalibrateIMU2, true},
		{"reboot", 0, false},
	}
	for _, c := range cases {
		got, ok := parseCommand(c.in)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("parseCommand(%q) = %v/%t, want %v/%t", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestSanitizeTopic(t *testing.T) {
	if got := sanitizeTopic("C0:98:E5:49:12:AB"); got != "c0:98:e5:49:12:ab" {
		t.Errorf("Expected a lowercased address, got %q", got)
	}
	if got := sanitizeTopic("some device+name#1"); got != "some_device_name_1" {
		t.Errorf("Expected separators replaced, got %q", got)
	}
}
