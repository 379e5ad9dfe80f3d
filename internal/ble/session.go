package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seamless-hci/glovelink/internal/glove"
)

const (
	// DefaultConnectTimeout bounds one connection attempt
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReconnectAttempts is the attempt budget after unexpected link loss
	DefaultReconnectAttempts = 5

	// DefaultReconnectDelay is the pause before each reconnect attempt
	DefaultReconnectDelay = 5 * time.Second

	// DefaultQueueSize is the raw notification queue depth
	DefaultQueueSize = 256

	// serviceChecks bounds how many times service discovery is re-run
	// before the required service set is declared missing. The host stack
	// can resolve remote services a little after the link reports up.
	serviceChecks = 3

	serviceRecheckDelay = 500 * time.Millisecond
)

const (
	StateIdle State = iota
	StateScanning
	StateDiscovered
	StateConnecting
	StateServiceDiscovery
	StateReady
	StateDisconnected
	StateReconnecting
)

// State is the session's position in the link lifecycle.
type State uint8

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateServiceDiscovery:
		return "service_discovery"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ConfigSource supplies the sensor configuration payload the session
// writes during bring-up and receives the payload the device reports
// back. The device is not assumed to retain configuration across a link
// reset, so the payload is re-applied after every reconnect, before frame
// delivery resumes.
type ConfigSource interface {
	ConfigPayload() ([]byte, error)
	CommitConfig(data []byte) error
}

// WithLogger sets the logger for the session
func WithLogger(logger *slog.Logger) func(s *Session) {
	return func(s *Session) {
		s.logger = logger.With(slog.String("address", s.handle.Address))
	}
}

// WithConnectTimeout bounds each connection attempt
func WithConnectTimeout(d time.Duration) func(s *Session) {
	return func(s *Session) {
		s.connectTimeout = d
	}
}

// WithReconnectPolicy sets the attempt budget and the pause between
// attempts used after unexpected link loss
func WithReconnectPolicy(attempts int, delay time.Duration) func(s *Session) {
	return func(s *Session) {
		s.reconnectAttempts = attempts
		s.reconnectDelay = delay
	}
}

// WithQueueSize sets the raw notification queue depth
func WithQueueSize(n int) func(s *Session) {
	return func(s *Session) {
		s.queueSize = n
	}
}

// WithConfigSource sets the configuration supplier applied at bring-up
// and after every reconnect
func WithConfigSource(source ConfigSource) func(s *Session) {
	return func(s *Session) {
		s.source = source
	}
}

// WithStateHandler sets the callback invoked on every state transition
func WithStateHandler(fn func(State)) func(s *Session) {
	return func(s *Session) {
		s.onState = fn
	}
}

// Session owns one glove connection from dial to teardown: service
// verification, device information and clock alignment at bring-up,
// notification dispatch and the reconnect policy.
type Session struct {
	radio  Radio
	handle DeviceHandle
	logger *slog.Logger

	connectTimeout    time.Duration
	reconnectAttempts int
	reconnectDelay    time.Duration
	queueSize         int
	source            ConfigSource
	onState           func(State)

	queue *rawQueue
	stop  chan struct{}

	mu    sync.RWMutex
	state State
	link  Link
	chars map[glove.CharID]RemoteChar
	info  glove.DeviceInfo
	taps  map[glove.CharID][]*RawStream

	streaming atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	received   atomic.Uint64
	decoded    atomic.Uint64
	decodeErrs atomic.Uint64
	reconnects atomic.Uint64

	seq map[glove.Source]uint64 // receive goroutine only
}

// Stats is a snapshot of the session's receive path counters.
type Stats struct {
	State        State
	Received     uint64
	Decoded      uint64
	DecodeErrors uint64
	Dropped      uint64
	Reconnects   uint64
}

// Connect dials a discovered glove and brings the link up: the required
// service set is verified, device information is read, host time is
// written to the device clock and the configuration source's payload is
// applied. The session is Ready when Connect returns.
func Connect(ctx context.Context, radio Radio, handle DeviceHandle, options ...func(s *Session)) (*Session, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	s := Session{
		radio:             radio,
		handle:            handle,
		logger:            logger,
		connectTimeout:    DefaultConnectTimeout,
		reconnectAttempts: DefaultReconnectAttempts,
		reconnectDelay:    DefaultReconnectDelay,
		queueSize:         DefaultQueueSize,
		state:             StateDiscovered,
		stop:              make(chan struct{}),
		taps:              make(map[glove.CharID][]*RawStream),
		seq:               make(map[glove.Source]uint64),
	}

	for _, option := range options {
		option(&s)
	}

	s.queue = newRawQueue(s.queueSize)

	if err := s.dial(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

// dial runs one connection attempt through bring-up. On success the
// session is Ready with notifications flowing into the raw queue.
func (s *Session) dial(ctx context.Context) error {
	s.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	link, err := s.radio.Connect(ctx, s.handle.Address, s.connectTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("ble: %s: %w", s.handle.Address, ErrConnectTimeout)
		}
		return fmt.Errorf("ble: %s: %w: %w", s.handle.Address, ErrDeviceUnreachable, err)
	}

	if err := s.bringUp(link); err != nil {
		link.Disconnect()
		return err
	}
	return nil
}

// bringUp verifies the service set, reads the device information strings,
// aligns the device clock to host time, applies the configuration payload
// and subscribes the notify set. Notifications flow only after the
// configuration has been acknowledged.
func (s *Session) bringUp(link Link) error {
	s.setState(StateServiceDiscovery)

	chars, err := s.verifyServices(link)
	if err != nil {
		return err
	}

	info, err := readDeviceInfo(chars)
	if err != nil {
		return fmt.Errorf("ble: device info: %w", err)
	}

	if err := s.syncClock(chars); err != nil {
		return fmt.Errorf("ble: clock sync: %w", err)
	}

	if err := s.applyConfig(chars); err != nil {
		return err
	}

	if err := s.subscribeAll(chars); err != nil {
		return fmt.Errorf("ble: subscribe: %w", err)
	}

	s.mu.Lock()
	s.link = link
	s.chars = chars
	s.info = info
	s.mu.Unlock()

	s.setState(StateReady)
	s.logger.Info("session ready",
		slog.String("model", info.Model),
		slog.String("firmware", info.Firmware),
		slog.Int("characteristics", len(chars)))
	return nil
}

// verifyServices discovers the GATT table and confirms the required
// service set, re-running discovery a bounded number of times to ride
// out late service resolution.
func (s *Session) verifyServices(link Link) (map[glove.CharID]RemoteChar, error) {
	var last error
	for attempt := 0; attempt < serviceChecks; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(serviceRecheckDelay):
			case <-s.stop:
				return nil, ErrClosed
			}
		}

		chars, err := link.Characteristics()
		if err != nil {
			last = err
			continue
		}
		if missing := missingServices(chars); len(missing) > 0 {
			last = fmt.Errorf("%w: %s", ErrServiceMissing, strings.Join(missing, ", "))
			continue
		}
		return chars, nil
	}
	return nil, fmt.Errorf("ble: service discovery: %w", last)
}

func missingServices(chars map[glove.CharID]RemoteChar) []string {
	present := make(map[string]bool)
	for id := range chars {
		present[glove.Characteristics[id].Service] = true
	}

	var missing []string
	for _, service := range glove.RequiredServices {
		if !present[service] {
			missing = append(missing, service)
		}
	}
	return missing
}

// readDeviceInfo reads the device information strings, once per
// connection.
func readDeviceInfo(chars map[glove.CharID]RemoteChar) (glove.DeviceInfo, error) {
	var info glove.DeviceInfo
	fields := []struct {
		id  glove.CharID
		dst *string
	}{
		{glove.CharModelNumber, &info.Model},
		{glove.CharManufacturer, &info.Manufacturer},
		{glove.CharFirmwareRev, &info.Firmware},
		{glove.CharHardwareRev, &info.Hardware},
	}

	buf := make([]byte, 64)
	for _, f := range fields {
		ch, ok := chars[f.id]
		if !ok {
			return glove.DeviceInfo{}, fmt.Errorf("%s not discovered", f.id)
		}
		n, err := ch.Read(buf)
		if err != nil {
			return glove.DeviceInfo{}, fmt.Errorf("%s: %w", f.id, err)
		}
		*f.dst = glove.DecodeString(buf[:n])
	}
	return info, nil
}

// syncClock writes host time to the device clock and reads it back, so
// both IMUs' device-side timestamps share the host epoch from session
// start.
func (s *Session) syncClock(chars map[glove.CharID]RemoteChar) error {
	ch, ok := chars[glove.CharTimestamp]
	if !ok {
		return fmt.Errorf("%s not discovered", glove.CharTimestamp)
	}

	now := time.Now()
	if _, err := ch.Write(glove.EncodeTimestamp(now)); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, 8)
	n, err := ch.Read(buf)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	frame, err := glove.Decode(glove.CharTimestamp, buf[:n], now)
	if err != nil {
		return err
	}

	ts := frame.Data.(glove.Timestamp)
	skew := time.Duration(int64(ts.Unix)-now.Unix()) * time.Second
	s.logger.Info("device clock synced", slog.Duration("skew", skew))
	return nil
}

// applyConfig writes the configuration source's payload and hands the
// device's read back to the source. The committed state is what the
// device reports, never what was requested.
func (s *Session) applyConfig(chars map[glove.CharID]RemoteChar) error {
	if s.source == nil {
		return nil
	}

	payload, err := s.source.ConfigPayload()
	if err != nil {
		return fmt.Errorf("ble: config payload: %w", err)
	}
	acked, err := writeThenRead(chars, glove.CharConfig, payload)
	if err != nil {
		return fmt.Errorf("ble: apply config: %w", err)
	}
	if err := s.source.CommitConfig(acked); err != nil {
		return fmt.Errorf("ble: commit config: %w", err)
	}
	return nil
}

// subscribeAll enables notifications on the glove's notify set, IMU
// streams first.
func (s *Session) subscribeAll(chars map[glove.CharID]RemoteChar) error {
	for _, id := range glove.NotifyChars() {
		ch, ok := chars[id]
		if !ok {
			return fmt.Errorf("%s not discovered", id)
		}
		if err := ch.EnableNotifications(func(p []byte) {
			s.receive(id, p)
		}); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}

// receive is the notification entry point. It runs on the host stack's
// callback goroutine and must not block: the payload is copied once and
// offered to the bounded queues.
func (s *Session) receive(id glove.CharID, p []byte) {
	v := Raw{
		Char: id,
		Data: append([]byte(nil), p...),
		At:   time.Now(),
	}
	s.received.Add(1)
	s.queue.push(v)

	s.mu.RLock()
	taps := s.taps[id]
	s.mu.RUnlock()
	for _, t := range taps {
		t.q.push(v)
	}
}

// Subscribe taps the raw payload stream of one notifying characteristic.
// Values arrive on a bounded queue that sheds its oldest entry when the
// subscriber lags. A depth of zero uses the default queue size.
func (s *Session) Subscribe(id glove.CharID, depth int) (*RawStream, error) {
	spec, ok := glove.Characteristics[id]
	if !ok {
		return nil, fmt.Errorf("ble: unknown characteristic %d", id)
	}
	if !spec.Notify {
		return nil, fmt.Errorf("ble: %s does not notify", spec.Name)
	}
	if depth <= 0 {
		depth = DefaultQueueSize
	}

	r := &RawStream{char: id, q: newRawQueue(depth)}
	r.cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		taps := s.taps[id]
		next := make([]*RawStream, 0, len(taps))
		for _, t := range taps {
			if t != r {
				next = append(next, t)
			}
		}
		s.taps[id] = next
	}

	s.mu.Lock()
	s.taps[id] = append(s.taps[id], r)
	s.mu.Unlock()
	return r, nil
}

// BeginStreaming decodes queued notifications into frames on the given
// channel until the context is done, the session is disconnected or the
// reconnect budget is exhausted. The returned channel reports the
// terminal error, if any, and closes once streaming has stopped.
// Unexpected link loss is handled inside: the session redials, re-applies
// the last acknowledged configuration and resumes frame delivery.
func (s *Session) BeginStreaming(ctx context.Context, frames chan<- glove.Frame) (<-chan error, error) {
	if !s.streaming.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("ble: session is already streaming")
	}
	if state := s.State(); state != StateReady {
		s.streaming.Store(false)
		return nil, fmt.Errorf("ble: %w: state %s", ErrNotReady, state)
	}

	stopped := make(chan error, 1)

	s.wg.Add(1)
	go func() {
		defer close(stopped)
		defer s.wg.Done()

		err := s.pump(ctx, frames)
		s.streaming.Store(false)
		if err != nil {
			stopped <- err
		}
	}()

	return stopped, nil
}

// pump is the receive loop: it drains the raw queue, decodes and
// sequences frames and reacts to link loss.
func (s *Session) pump(ctx context.Context, frames chan<- glove.Frame) error {
	s.logger.Info("telemetry streaming started")
	defer s.logger.Info("telemetry streaming stopped")

	for {
		s.mu.RLock()
		link := s.link
		s.mu.RUnlock()
		if link == nil { // Disconnect ran
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-link.Lost():
			if err := s.reconnect(ctx); err != nil {
				return err
			}
		case v := <-s.queue.values():
			s.emit(ctx, frames, v)
		}
	}
}

// emit decodes one raw value and delivers the frame. Config and clock
// payloads are device state reports, not telemetry: they reach raw
// subscribers only. Decode failures are counted and never fatal.
func (s *Session) emit(ctx context.Context, frames chan<- glove.Frame, v Raw) {
	if v.Char == glove.CharConfig || v.Char == glove.CharTimestamp {
		return
	}

	frame, err := glove.Decode(v.Char, v.Data, v.At)
	if err != nil {
		s.decodeErrs.Add(1)
		s.logger.Debug(fmt.Sprintf("dropping frame: %s", err.Error()))
		return
	}

	s.seq[frame.Source]++
	frame.Seq = s.seq[frame.Source]
	s.decoded.Add(1)

	select {
	case frames <- frame:
	case <-ctx.Done():
	case <-s.stop:
	}
}

// reconnect runs the auto-reconnect policy after unexpected link loss: a
// fixed number of attempts on a fixed interval, each redoing the full
// bring-up so the last acknowledged configuration is applied before
// frames resume. An exhausted budget surfaces ErrConnectionLost.
func (s *Session) reconnect(ctx context.Context) error {
	s.setState(StateReconnecting)
	s.logger.Warn("link lost, reconnecting",
		slog.Int("attempts", s.reconnectAttempts),
		slog.Duration("interval", s.reconnectDelay))

	s.mu.Lock()
	if s.link != nil {
		s.link.Disconnect() // release the dead handle
	}
	s.mu.Unlock()

	for attempt := 1; attempt <= s.reconnectAttempts; attempt++ {
		select {
		case <-time.After(s.reconnectDelay):
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		}

		err := s.dial(ctx)
		if err == nil {
			s.reconnects.Add(1)
			s.logger.Info("link restored", slog.Int("attempt", attempt))
			return nil
		}
		s.logger.Warn(fmt.Sprintf("reconnect failed: %s", err.Error()), slog.Int("attempt", attempt))
		s.setState(StateReconnecting)
	}

	s.setState(StateDisconnected)
	return fmt.Errorf("ble: %s: %w after %d attempts", s.handle.Address, ErrConnectionLost, s.reconnectAttempts)
}

// WriteConfig writes a payload to a writable characteristic and returns
// the value the device reports back. Callers treat the returned bytes,
// not the request, as the applied state. At most one write per
// characteristic may be outstanding; the registry enforces that.
func (s *Session) WriteConfig(ctx context.Context, id glove.CharID, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-s.stop:
		return nil, ErrClosed
	default:
	}

	s.mu.RLock()
	state := s.state
	chars := s.chars
	s.mu.RUnlock()
	if state != StateReady {
		return nil, fmt.Errorf("ble: %w: state %s", ErrNotReady, state)
	}
	return writeThenRead(chars, id, payload)
}

// writeThenRead writes a payload and reads the characteristic back. The
// read back is the device's acknowledgment of what it actually applied.
func writeThenRead(chars map[glove.CharID]RemoteChar, id glove.CharID, payload []byte) ([]byte, error) {
	spec := glove.Characteristics[id]
	if !spec.Write {
		return nil, fmt.Errorf("%w: %s is read only", ErrWriteRejected, spec.Name)
	}
	if spec.Size > 0 && len(payload) != spec.Size {
		return nil, fmt.Errorf("%w: %s expects %d bytes, got %d", ErrWriteRejected, spec.Name, spec.Size, len(payload))
	}
	ch, ok := chars[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s not discovered", ErrWriteRejected, spec.Name)
	}

	if _, err := ch.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWriteRejected, spec.Name, err)
	}

	buf := make([]byte, spec.Size)
	n, err := ch.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s read back: %w", ErrWriteRejected, spec.Name, err)
	}
	return buf[:n], nil
}

// Disconnect ends the session and releases all subscriptions. Pending
// operations are unblocked within the connect timeout. Safe to call more
// than once.
func (s *Session) Disconnect() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)

		s.mu.Lock()
		link := s.link
		s.link = nil
		s.mu.Unlock()

		if link != nil {
			err = link.Disconnect()
		}
		s.wg.Wait()
		s.setState(StateIdle)
		s.logger.Info("session closed")
	})
	return err
}

// Handle returns the discovery handle the session was dialed from.
func (s *Session) Handle() DeviceHandle {
	return s.handle
}

// Info returns the device information read at bring-up.
func (s *Session) Info() glove.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stats returns a snapshot of the receive path counters.
func (s *Session) Stats() Stats {
	return Stats{
		State:        s.State(),
		Received:     s.received.Load(),
		Decoded:      s.decoded.Load(),
		DecodeErrors: s.decodeErrs.Load(),
		Dropped:      s.queue.drops(),
		Reconnects:   s.reconnects.Load(),
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	fn := s.onState
	s.mu.Unlock()

	s.logger.Debug("state change", slog.String("state", state.String()))
	if fn != nil {
		fn(state)
	}
}
