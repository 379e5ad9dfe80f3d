package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seamless-hci/glovelink/internal/glove"
)

type fakeTransport struct {
	mu     sync.Mutex
	writes int
	ack    func([]byte) []byte // device-side transform of the written value
	err    error
	gate   chan struct{} // when set, WriteConfig blocks until closed
}

func (t *fakeTransport) WriteConfig(ctx context.Context, id glove.CharID, payload []byte) ([]byte, error) {
	t.mu.Lock()
	t.writes++
	gate, ack, err := t.gate, t.ack, t.err
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), payload...)
	if ack != nil {
		out = ack(out)
	}
	return out, nil
}

func (t *fakeTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

func TestRegistry_RequestConfigCommitsAcknowledgment(t *testing.T) {
	transport := &fakeTransport{
		// The device clamps the requested IMU1 sample rate to 52 Hz
		ack: func(p []byte) []byte {
			p[1] = 2
			return p
		},
	}

	var (
		mu      sync.Mutex
		changes []glove.SensorConfig
	)
	r := New(WithChangeHandler(func(c glove.SensorConfig) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	}))
	r.Bind(transport)

	change := glove.DefaultConfig()
	applied, err := r.RequestConfig(context.Background(), change)
	if err != nil {
		t.Fatalf("RequestConfig: %s", err)
	}

	if applied.IMU1.SampleRate != 52 {
		t.Errorf("Expected the device's 52 Hz in the applied config, got %g", applied.IMU1.SampleRate)
	}
	if got := r.Config().IMU1.SampleRate; got != 52 {
		t.Errorf("Expected the record to hold the acknowledged 52 Hz, got %g", got)
	}
	if got := r.Config().IMU2.SampleRate; got != change.IMU2.SampleRate {
		t.Errorf("Expected untouched IMU2 rate %g, got %g", change.IMU2.SampleRate, got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 {
		t.Fatalf("Expected 1 change notification, got %d", len(changes))
	}
	if changes[0].IMU1.SampleRate != 52 {
		t.Errorf("Expected the change handler to see the acknowledged value, got %g", changes[0].IMU1.SampleRate)
	}
}

func TestRegistry_RequestConfigRejectsInvalid(t *testing.T) {
	transport := &fakeTransport{}
	r := New()
	r.Bind(transport)

	change := glove.DefaultConfig()
	change.IMU1.SampleRate = 100 // not an enumerated rate

	if _, err := r.RequestConfig(context.Background(), change); !errors.Is(err, glove.ErrInvalidConfig) {
		t.Fatalf("Expected ErrInvalidConfig, got %v", err)
	}
	if got := transport.writeCount(); got != 0 {
		t.Errorf("Expected no write for an invalid config, got %d", got)
	}
	if got := r.Config().IMU1.SampleRate; got != 104 {
		t.Errorf("Expected the record untouched at 104 Hz, got %g", got)
	}
}

func TestRegistry_RequestConfigWithoutDevice(t *testing.T) {
	r := New()
	if _, err := r.RequestConfig(context.Background(), glove.DefaultConfig()); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("Expected ErrNoDevice, got %v", err)
	}

	transport := &fakeTransport{}
	r.Bind(transport)
	if _, err := r.RequestConfig(context.Background(), glove.DefaultConfig()); err != nil {
		t.Fatalf("RequestConfig after Bind: %s", err)
	}

	r.Release()
	if _, err := r.RequestConfig(context.Background(), glove.DefaultConfig()); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("Expected ErrNoDevice after Release, got %v", err)
	}
}

func TestRegistry_SingleWriterPerCharacteristic(t *testing.T) {
	gate := make(chan struct{})
	transport := &fakeTransport{gate: gate}
	r := New()
	r.Bind(transport)

	done := make(chan error, 1)
	go func() {
		_, err := r.RequestConfig(context.Background(), glove.DefaultConfig())
		done <- err
	}()

	// Wait for the first write to be in flight
	deadline := time.Now().Add(2 * time.Second)
	for transport.writeCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("First write never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := r.RequestConfig(context.Background(), glove.DefaultConfig()); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Expected ErrDeviceBusy while a write is outstanding, got %v", err)
	}

	close(gate)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("First write failed: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("First write never completed")
	}

	// The gate is released with the write
	if _, err := r.RequestConfig(context.Background(), glove.DefaultConfig()); err != nil {
		t.Fatalf("RequestConfig after completion: %s", err)
	}
}

func TestRegistry_FailedWriteLeavesRecordIntact(t *testing.T) {
	transport := &fakeTransport{err: errors.New("device declined the write")}

	called := false
	r := New(WithChangeHandler(func(glove.SensorConfig) { called = true }))
	r.Bind(transport)

	change := glove.DefaultConfig()
	change.IMU1.SampleRate = 208

	if _, err := r.RequestConfig(context.Background(), change); err == nil {
		t.Fatal("Expected the transport error to surface")
	}
	if got := r.Config().IMU1.SampleRate; got != 104 {
		t.Errorf("Expected the record untouched at 104 Hz, got %g", got)
	}
	if called {
		t.Error("Change handler fired for a failed write")
	}
}

func TestRegistry_BringUpRoundTrip(t *testing.T) {
	r := New()

	payload, err := r.ConfigPayload()
	if err != nil {
		t.Fatalf("ConfigPayload: %s", err)
	}
	want, _ := glove.EncodeConfig(glove.DefaultConfig())
	if len(payload) != len(want) {
		t.Fatalf("Expected a %d byte payload, got %d", len(want), len(payload))
	}
	for i := range want {
		if payload[i] != want[i] {
			t.Fatalf("Payload differs from the record at byte %d", i)
		}
	}

	// The device reports a rounded update period back
	acked := append([]byte(nil), payload...)
	acked[11] = 50
	acked[12] = 0
	if err := r.CommitConfig(acked); err != nil {
		t.Fatalf("CommitConfig: %s", err)
	}
	if got := r.Config().UpdatePeriod; got != 50*time.Millisecond {
		t.Errorf("Expected the committed 50ms period, got %s", got)
	}

	if err := r.CommitConfig(acked[:4]); err == nil {
		t.Error("Expected an error committing a truncated acknowledgment")
	}
}

func TestRegistry_ObserveNotification(t *testing.T) {
	r := New()

	cfg := glove.DefaultConfig()
	cfg.Command = glove.CommandCalibrateIMU1
	payload, err := glove.EncodeConfig(cfg)
	if err != nil {
		t.Fatalf("EncodeConfig: %s", err)
	}

	r.Observe(payload)
	if got := r.Config().Command; got != glove.CommandCalibrateIMU1 {
		t.Errorf("Expected the notified command, got %s", got)
	}

	r.Observe([]byte{0xff, 0xee})
	if got := r.Config().Command; got != glove.CommandCalibrateIMU1 {
		t.Errorf("Expected a malformed notification to be ignored, record shows %s", got)
	}
}

func TestRegistry_RequestCommand(t *testing.T) {
	transport := &fakeTransport{}
	r := New()
	r.Bind(transport)

	applied, err := r.RequestCommand(context.Background(), glove.CommandIdle)
	if err != nil {
		t.Fatalf("RequestCommand: %s", err)
	}
	if applied.Command != glove.CommandIdle {
		t.Errorf("Expected command idle, got %s", applied.Command)
	}
	if applied.IMU1.SampleRate != 104 {
		t.Errorf("Expected the rest of the record carried unchanged, got %g Hz", applied.IMU1.SampleRate)
	}
	if got := r.Config().Command; got != glove.CommandIdle {
		t.Errorf("Expected the record to hold command idle, got %s", got)
	}
}
