package tracelog

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/seamless-hci/glovelink/internal/glove"
)

// Stream owns one trace file and the single goroutine allowed to write it.
// Frames enter through a bounded queue that sheds its oldest entry instead of
// blocking the caller. A write error degrades the stream: rows accumulate in
// a bounded pending buffer and a reopen is attempted on a fixed interval
// until the file accepts writes again.
type Stream struct {
	builder       Builder
	path          string
	logger        *slog.Logger
	retryInterval time.Duration
	openFile      func(path string) (io.WriteCloser, error)

	file io.WriteCloser
	w    *csv.Writer

	in   chan glove.Frame
	done chan struct{}

	pending  *rowBuffer
	degraded atomic.Bool
	rows     atomic.Uint64
	dropped  atomic.Uint64

	closeErr error
}

// append queues one frame for the writer. A full queue sheds its oldest
// frame. While the stream is degraded the frame is still buffered and
// ErrWriteFailure is reported.
func (st *Stream) append(frame glove.Frame) error {
	select {
	case st.in <- frame:
	default:
		select {
		case <-st.in:
			st.dropped.Add(1)
		default:
		}
		select {
		case st.in <- frame:
		default:
			st.dropped.Add(1)
		}
	}
	if st.degraded.Load() {
		return fmt.Errorf("tracelog.Stream: %s: %w", st.builder.Name(), ErrWriteFailure)
	}
	return nil
}

// run drains the queue until it is closed, then flushes what it can and
// writes the stream footer
func (st *Stream) run() {
	defer close(st.done)

	retry := time.NewTicker(st.retryInterval)
	defer retry.Stop()

	for {
		select {
		case frame, ok := <-st.in:
			if !ok {
				st.finish()
				return
			}
			st.handle(frame)
		case <-retry.C:
			if st.degraded.Load() {
				st.recover()
			}
		}
	}
}

func (st *Stream) handle(frame glove.Frame) {
	row, ok := st.builder.Row(frame)
	if !ok {
		return
	}
	if st.degraded.Load() {
		st.pending.Insert(row)
		return
	}
	if err := st.writeRow(row); err != nil {
		st.degrade(err)
		st.pending.Insert(row)
	}
}

func (st *Stream) writeRow(row []string) error {
	if err := st.w.Write(row); err != nil {
		return err
	}
	st.w.Flush()
	if err := st.w.Error(); err != nil {
		return err
	}
	st.rows.Add(1)
	return nil
}

func (st *Stream) degrade(err error) {
	st.degraded.Store(true)
	st.logger.Error(fmt.Sprintf("%s: %s", ErrWriteFailure, err.Error()),
		slog.String("stream", st.builder.Name()))
}

// recover reopens the trace file and replays the pending rows in order.
// The stream stays degraded until every pending row has been written.
func (st *Stream) recover() {
	if st.file != nil {
		st.file.Close() // handle may be stale after the failure
		st.file = nil
	}

	f, err := st.openFile(st.path)
	if err != nil {
		st.logger.Warn(fmt.Sprintf("reopen failed: %s", err.Error()),
			slog.String("stream", st.builder.Name()))
		return
	}
	st.file = f
	st.w = csv.NewWriter(f)

	rows := st.pending.DrainAll()
	for i, row := range rows {
		if err := st.writeRow(row); err != nil {
			for _, r := range rows[i:] {
				st.pending.Insert(r)
			}
			st.logger.Warn(fmt.Sprintf("replay failed: %s", err.Error()),
				slog.String("stream", st.builder.Name()))
			return
		}
	}

	st.degraded.Store(false)
	st.logger.Info("stream recovered",
		slog.String("stream", st.builder.Name()), slog.Int("replayed", len(rows)))
}

func (st *Stream) finish() {
	if st.degraded.Load() {
		st.recover() // last chance to flush the pending rows
	}

	if st.degraded.Load() {
		st.closeErr = fmt.Errorf("tracelog.Stream: %s: closed degraded with %d pending rows: %w",
			st.builder.Name(), st.pending.Size(), ErrWriteFailure)
	} else {
		st.closeErr = st.writeFooter()
	}

	if st.file != nil {
		if err := st.file.Close(); err != nil && st.closeErr == nil {
			st.closeErr = fmt.Errorf("tracelog.Stream: %s: close: %w", st.builder.Name(), err)
		}
		st.file = nil
	}
}

func (st *Stream) writeFooter() error {
	footer := [][]string{
		{},
		{"Summary"},
		{fmt.Sprintf("Total rows: %d", st.rows.Load())},
		{"End of recording"},
	}
	for _, row := range footer {
		if err := st.w.Write(row); err != nil {
			return fmt.Errorf("tracelog.Stream: %s: footer: %w", st.builder.Name(), err)
		}
	}
	st.w.Flush()
	if err := st.w.Error(); err != nil {
		return fmt.Errorf("tracelog.Stream: %s: footer: %w", st.builder.Name(), err)
	}
	return nil
}

func openAppend(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
}
