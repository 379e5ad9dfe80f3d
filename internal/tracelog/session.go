package tracelog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seamless-hci/glovelink/internal/glove"
)

const (
	// DefaultQueueSize is the per-stream frame queue depth
	DefaultQueueSize = 1000

	// DefaultPendingRows bounds the rows held in memory while a stream is degraded
	DefaultPendingRows = 1000

	// DefaultRetryInterval is the fixed interval between reopen attempts of a degraded stream
	DefaultRetryInterval = 2 * time.Second

	logVersion = "00.00.01"
)

var (
	// ErrWriteFailure is reported while a stream cannot write its trace file
	ErrWriteFailure = errors.New("trace write failure")

	// ErrClosed is returned by Append after the session has been closed
	ErrClosed = errors.New("session closed")
)

// Index records trace sessions in a catalog for later replay
type Index interface {
	CreateSession(ctx context.Context, device, model, firmware, dir string, startedAt time.Time) (int64, error)
	FinishSession(ctx context.Context, id int64, endedAt time.Time, rows, dropped uint64) error
}

// Device identifies the glove a session records
type Device struct {
	Address  string
	Model    string
	Firmware string
}

// WithLogger sets the logger for the session and its streams
func WithLogger(logger *slog.Logger) func(s *Session) {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithIndex sets the session catalog
func WithIndex(index Index) func(s *Session) {
	return func(s *Session) {
		s.index = index
	}
}

// WithBuilders replaces the default stream set
func WithBuilders(builders ...Builder) func(s *Session) {
	return func(s *Session) {
		s.builders = builders
	}
}

// WithQueueSize sets the per-stream frame queue depth
func WithQueueSize(n int) func(s *Session) {
	return func(s *Session) {
		s.queueSize = n
	}
}

// WithPendingRows bounds the rows buffered while a stream is degraded
func WithPendingRows(n int) func(s *Session) {
	return func(s *Session) {
		s.pendingRows = n
	}
}

// WithRetryInterval sets the interval between reopen attempts of a degraded stream
func WithRetryInterval(d time.Duration) func(s *Session) {
	return func(s *Session) {
		s.retryInterval = d
	}
}

func withOpenFile(fn func(path string) (io.WriteCloser, error)) func(s *Session) {
	return func(s *Session) {
		s.openFile = fn
	}
}

// Session owns one recording: a timestamped directory with one trace file per
// stream, all sharing the session identifier
type Session struct {
	id     string
	dir    string
	device Device
	logger *slog.Logger

	queueSize     int
	pendingRows   int
	retryInterval time.Duration
	builders      []Builder
	index         Index
	openFile      func(path string) (io.WriteCloser, error)

	started time.Time
	indexID int64

	mu      sync.RWMutex
	closed  bool
	streams []*Stream
	route   map[glove.Source]*Stream

	closeOnce sync.Once
	closeErr  error
}

// Start creates the session directory and one stream per builder, all or
// nothing: a failure while opening any stream removes everything created so
// far. Every stream has started its writer when Start returns.
func Start(ctx context.Context, dir string, device Device, options ...func(s *Session)) (*Session, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	s := Session{
		device:        device,
		logger:        logger,
		queueSize:     DefaultQueueSize,
		pendingRows:   DefaultPendingRows,
		retryInterval: DefaultRetryInterval,
		openFile:      openAppend,
		started:       time.Now(),
		route:         make(map[glove.Source]*Stream),
	}

	for _, option := range options {
		option(&s)
	}
	if len(s.builders) == 0 {
		s.builders = DefaultBuilders()
	}

	model := device.Model
	if model == "" {
		model = "glove"
	}
	s.id = fmt.Sprintf("%s_%s", sanitize(model), s.started.UTC().Format("20060102_150405"))
	s.dir = filepath.Join(dir, s.id)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tracelog.Session: create directory: %w", err)
	}
	if err := os.Mkdir(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("tracelog.Session: create session directory: %w", err)
	}

	for _, builder := range s.builders {
		st, err := s.openStream(builder)
		if err != nil {
			s.discard()
			return nil, fmt.Errorf("tracelog.Session: %s: %w", builder.Name(), err)
		}
		s.streams = append(s.streams, st)
		for _, source := range builder.Sources() {
			s.route[source] = st
		}
	}

	if s.index != nil {
		id, err := s.index.CreateSession(ctx, device.Address, device.Model, device.Firmware, s.dir, s.started)
		if err != nil {
			s.discard()
			return nil, fmt.Errorf("tracelog.Session: index: %w", err)
		}
		s.indexID = id
	}

	for _, st := range s.streams {
		go st.run()
	}

	s.logger.Info("trace session started",
		slog.String("session", s.id),
		slog.String("dir", s.dir),
		slog.Int("streams", len(s.streams)))
	return &s, nil
}

// openStream opens the trace file for one builder and writes its preamble
func (s *Session) openStream(builder Builder) (*Stream, error) {
	pending, err := newRowBuffer(s.pendingRows)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, builder.Name()+".csv")
	f, err := s.openFile(path)
	if err != nil {
		return nil, err
	}

	st := &Stream{
		builder:       builder,
		path:          path,
		logger:        s.logger,
		retryInterval: s.retryInterval,
		openFile:      s.openFile,
		file:          f,
		w:             csv.NewWriter(f),
		in:            make(chan glove.Frame, s.queueSize),
		done:          make(chan struct{}),
		pending:       pending,
	}

	preamble := [][]string{
		{fmt.Sprintf("%s version %s", s.started.Format("15:04:05_20060102"), logVersion)},
		{fmt.Sprintf("Device: %s, Firmware: %s", s.device.Model, s.device.Firmware)},
		{},
		builder.Header(),
	}
	for _, row := range preamble {
		if err := st.w.Write(row); err != nil {
			f.Close()
			return nil, err
		}
	}
	st.w.Flush()
	if err := st.w.Error(); err != nil {
		f.Close()
		return nil, err
	}
	return st, nil
}

// discard closes any opened trace files and removes the session directory.
// Used when Start fails partway.
func (s *Session) discard() {
	for _, st := range s.streams {
		if st.file != nil {
			st.file.Close()
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn(fmt.Sprintf("discard session directory: %s", err.Error()))
	}
}

// Append routes one frame to its stream's writer queue. It never blocks: a
// full queue sheds its oldest frame. Frames whose source is not part of any
// stream are ignored. While a stream is degraded its frames are buffered and
// ErrWriteFailure is returned.
func (s *Session) Append(frame glove.Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("tracelog.Session: %s: %w", s.id, ErrClosed)
	}
	st, ok := s.route[frame.Source]
	if !ok {
		return nil
	}
	return st.append(frame)
}

// Close stops every stream writer, waits for footers and finalizes the
// session index row. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for _, st := range s.streams {
			close(st.in)
		}
		s.mu.Unlock()

		var errs []error
		for _, st := range s.streams {
			<-st.done
			if st.closeErr != nil {
				errs = append(errs, st.closeErr)
			}
		}

		if s.index != nil {
			rows, dropped := s.totals()
			if err := s.index.FinishSession(ctx, s.indexID, time.Now().UTC(), rows, dropped); err != nil {
				errs = append(errs, fmt.Errorf("tracelog.Session: index: %w", err))
			}
		}

		s.closeErr = errors.Join(errs...)
		s.logger.Info("trace session closed", slog.String("session", s.id))
	})
	return s.closeErr
}

// ID returns the session identifier shared by all streams
func (s *Session) ID() string { return s.id }

// Dir returns the session directory
func (s *Session) Dir() string { return s.dir }

func (s *Session) totals() (rows, dropped uint64) {
	for _, st := range s.streams {
		rows += st.rows.Load()
		dropped += st.dropped.Load() + st.pending.Dropped()
	}
	return rows, dropped
}

// StreamStats is a point-in-time snapshot of one stream's counters
type StreamStats struct {
	Name     string
	Rows     uint64
	Dropped  uint64
	Pending  int
	Degraded bool
}

// Stats is a point-in-time snapshot of the session
type Stats struct {
	ID      string
	Dir     string
	Streams []StreamStats
}

// Stats returns a snapshot of all stream counters
func (s *Session) Stats() Stats {
	out := Stats{ID: s.id, Dir: s.dir}
	for _, st := range s.streams {
		out.Streams = append(out.Streams, StreamStats{
			Name:     st.builder.Name(),
			Rows:     st.rows.Load(),
			Dropped:  st.dropped.Load() + st.pending.Dropped(),
			Pending:  st.pending.Size(),
			Degraded: st.degraded.Load(),
		})
	}
	return out
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
