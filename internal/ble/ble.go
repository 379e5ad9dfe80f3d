// Package ble owns the wireless link to the glove: discovery, connection
// and service verification, notification dispatch and the reconnect
// policy. Raw payloads cross from the host stack's callback goroutine
// into bounded queues; nothing on the notification path ever blocks.
package ble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seamless-hci/glovelink/internal/glove"
)

// DeviceName is the local name the glove advertises.
const DeviceName = "DegapVrGlove"

var (
	// ErrConnectTimeout is returned when a connection attempt does not complete in time
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrDeviceUnreachable is returned when the glove cannot be reached or found
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrConnectionLost is surfaced after unexpected link loss exhausts the reconnect budget
	ErrConnectionLost = errors.New("connection lost")

	// ErrWriteRejected is returned when the device refuses a characteristic write
	ErrWriteRejected = errors.New("write rejected")

	// ErrServiceMissing is returned when service discovery cannot confirm the required service set
	ErrServiceMissing = errors.New("required service missing")

	// ErrNotReady is returned for operations that need an established link
	ErrNotReady = errors.New("session not ready")

	// ErrClosed is returned for operations on a disconnected session
	ErrClosed = errors.New("session disconnected")
)

// DeviceHandle identifies one advertising glove seen during discovery.
type DeviceHandle struct {
	Address string
	Name    string
	RSSI    int16
}

func (h DeviceHandle) String() string {
	if h.Name == "" {
		return h.Address
	}
	return fmt.Sprintf("%s (%s)", h.Name, h.Address)
}

// Radio is the host Bluetooth adapter surface the session drives.
// OpenRadio implements it over tinygo.org/x/bluetooth; tests substitute
// their own.
type Radio interface {
	// Scan streams advertisements to found until found returns true or
	// the context is done.
	Scan(ctx context.Context, found func(DeviceHandle) bool) error

	// Connect establishes a link to the address within the timeout.
	Connect(ctx context.Context, address string, timeout time.Duration) (Link, error)
}

// Link is one established connection to the glove.
type Link interface {
	// Characteristics discovers the remote GATT table and maps every
	// known UUID onto the glove's characteristic set.
	Characteristics() (map[glove.CharID]RemoteChar, error)

	// Lost is closed when the link drops out from under the session.
	Lost() <-chan struct{}

	// Disconnect tears the link down. Safe to call more than once.
	Disconnect() error
}

// RemoteChar is one remote GATT characteristic.
type RemoteChar interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	EnableNotifications(fn func(p []byte)) error
}

// MatchName accepts advertisements by exact local name.
func MatchName(name string) func(DeviceHandle) bool {
	return func(h DeviceHandle) bool {
		return h.Name == name
	}
}

// MatchAddress accepts advertisements by address, case insensitive.
func MatchAddress(address string) func(DeviceHandle) bool {
	return func(h DeviceHandle) bool {
		return strings.EqualFold(h.Address, address)
	}
}

// Discover scans for advertising gloves until the timeout elapses and
// returns every distinct handle seen, strongest signal first. A nil match
// accepts any advertisement carrying the glove's local name.
func Discover(ctx context.Context, radio Radio, timeout time.Duration, match func(DeviceHandle) bool) ([]DeviceHandle, error) {
	if match == nil {
		match = MatchName(DeviceName)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		out  []DeviceHandle
	)
	err := radio.Scan(ctx, func(h DeviceHandle) bool {
		if !match(h) {
			return false
		}
		mu.Lock()
		if i, ok := seen[h.Address]; ok {
			if h.RSSI > out[i].RSSI {
				out[i] = h
			}
		} else {
			seen[h.Address] = len(out)
			out = append(out, h)
		}
		mu.Unlock()
		return false // keep collecting until the window closes
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RSSI > out[j].RSSI
	})
	return out, nil
}

// Find scans until one handle matches and returns it. A timeout with no
// match fails with ErrDeviceUnreachable.
func Find(ctx context.Context, radio Radio, timeout time.Duration, match func(DeviceHandle) bool) (DeviceHandle, error) {
	if match == nil {
		match = MatchName(DeviceName)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		target DeviceHandle
		found  bool
	)
	err := radio.Scan(ctx, func(h DeviceHandle) bool {
		if !match(h) {
			return false
		}
		mu.Lock()
		target, found = h, true
		mu.Unlock()
		return true
	})

	mu.Lock()
	defer mu.Unlock()
	if found {
		return target, nil
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return DeviceHandle{}, fmt.Errorf("ble: scan: %w", err)
	}
	return DeviceHandle{}, fmt.Errorf("ble: %w: no glove found within %s", ErrDeviceUnreachable, timeout)
}
