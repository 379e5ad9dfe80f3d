package tracelog

import (
	"fmt"
	"sync"
)

// node represents an internal linked list node for the pending row buffer.
type node struct {
	row  []string
	next *node
}

// rowBuffer implements a thread-safe bounded FIFO for CSV rows that could not
// be written while a stream is degraded. Rows are kept in arrival order and
// the oldest row is dropped once the buffer reaches capacity, so a long
// outage consumes bounded memory while keeping the most recent records.
type rowBuffer struct {
	capacity int // Maximum number of rows to hold

	mu      sync.Mutex
	head    *node
	tail    *node
	size    int
	dropped uint64
}

// newRowBuffer creates a pending row buffer holding up to capacity rows.
// Returns an error if capacity is not positive.
func newRowBuffer(capacity int) (*rowBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid buffer capacity: %d", capacity)
	}
	return &rowBuffer{capacity: capacity}, nil
}

// Insert appends a row to the buffer, dropping the oldest row when full.
func (rb *rowBuffer) Insert(row []string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size >= rb.capacity {
		rb.head = rb.head.next
		if rb.head == nil {
			rb.tail = nil
		}
		rb.size--
		rb.dropped++
	}

	n := &node{row: row}
	if rb.tail == nil {
		rb.head = n
	} else {
		rb.tail.next = n
	}
	rb.tail = n
	rb.size++
}

// DrainAll removes and returns all buffered rows in arrival order.
// Returns nil if the buffer is empty.
func (rb *rowBuffer) DrainAll() [][]string {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.head == nil || rb.size == 0 {
		return nil
	}

	rows := make([][]string, 0, rb.size) // Preallocate with capacity
	current := rb.head
	for current != nil {
		rows = append(rows, current.row)
		current = current.next
	}

	rb.head = nil
	rb.tail = nil
	rb.size = 0
	return rows
}

// Size returns the current number of buffered rows.
func (rb *rowBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Dropped returns the number of rows shed because the buffer was full.
func (rb *rowBuffer) Dropped() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}

// Clear removes all buffered rows.
func (rb *rowBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = nil
	rb.tail = nil
	rb.size = 0
}
