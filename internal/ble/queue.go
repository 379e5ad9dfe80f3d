package ble

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/seamless-hci/glovelink/internal/glove"
)

// Raw is one undecoded characteristic value as delivered by the link.
// Data is owned by the receiver and never written again.
type Raw struct {
	Char glove.CharID
	Data []byte
	At   time.Time
}

// rawQueue is the bounded buffer between the notification callback and
// its consumer. push never blocks: a full queue sheds its oldest value
// and counts the loss.
type rawQueue struct {
	ch      chan Raw
	dropped atomic.Uint64
}

func newRawQueue(depth int) *rawQueue {
	return &rawQueue{ch: make(chan Raw, depth)}
}

func (q *rawQueue) push(v Raw) {
	select {
	case q.ch <- v:
		return
	default:
	}

	// Shed the oldest value to make room. The consumer may have raced a
	// slot free, so the enqueue is retried once and the value is
	// sacrificed instead when even that fails.
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- v:
	default:
		q.dropped.Add(1)
	}
}

func (q *rawQueue) values() <-chan Raw {
	return q.ch
}

func (q *rawQueue) drops() uint64 {
	return q.dropped.Load()
}

// RawStream delivers the undecoded payload stream of one characteristic.
// A slow consumer loses the oldest queued values, never the notification
// path's liveness.
type RawStream struct {
	char   glove.CharID
	q      *rawQueue
	cancel func()
	once   sync.Once
}

// Char returns the characteristic the stream is subscribed to.
func (r *RawStream) Char() glove.CharID {
	return r.char
}

// Values returns the stream's channel. It is never closed; use Cancel to
// stop receiving.
func (r *RawStream) Values() <-chan Raw {
	return r.q.ch
}

// Dropped returns how many values were shed because the stream was full.
func (r *RawStream) Dropped() uint64 {
	return r.q.drops()
}

// Cancel detaches the stream from the session.
func (r *RawStream) Cancel() {
	r.once.Do(r.cancel)
}
