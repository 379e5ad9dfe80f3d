package ble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/seamless-hci/glovelink/internal/glove"
)

// HostRadio drives the platform Bluetooth adapter through
// tinygo.org/x/bluetooth. One scan and any number of links may be active
// at a time.
type HostRadio struct {
	adapter *bluetooth.Adapter

	mu    sync.Mutex
	links map[string]*hostLink
}

// OpenRadio enables the default platform adapter and starts watching for
// link state changes.
func OpenRadio() (*HostRadio, error) {
	r := HostRadio{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*hostLink),
	}

	if err := r.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	r.adapter.SetConnectHandler(func(device bluetooth.Address, connected bool) {
		if connected {
			return
		}
		r.mu.Lock()
		link := r.links[device.String()]
		delete(r.links, device.String())
		r.mu.Unlock()
		if link != nil {
			link.drop()
		}
	})

	return &r, nil
}

// Scan streams advertisements until found returns true or the context is
// done. The platform scan blocks until stopped, so it runs on its own
// goroutine and is stopped from here.
func (r *HostRadio) Scan(ctx context.Context, found func(DeviceHandle) bool) error {
	var stopped atomic.Bool

	done := make(chan error, 1)
	go func() {
		done <- r.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if stopped.Load() {
				return
			}
			h := DeviceHandle{
				Address: result.Address.String(),
				Name:    result.LocalName(),
				RSSI:    result.RSSI,
			}
			if found(h) {
				stopped.Store(true)
				adapter.StopScan()
			}
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ble: scan: %w", err)
		}
		return nil
	case <-ctx.Done():
		stopped.Store(true)
		r.adapter.StopScan()
		<-done
		return ctx.Err()
	}
}

// Connect dials the address. The timeout bounds the platform connect;
// cancelling the context abandons the wait and tears down a connection
// that lands late.
func (r *HostRadio) Connect(ctx context.Context, address string, timeout time.Duration) (Link, error) {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("ble: address %q: %w", address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}
	key := addr.String()

	type result struct {
		device *bluetooth.Device
		err    error
	}
	done := make(chan result, 1)
	go func() {
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{
			ConnectionTimeout: bluetooth.NewDuration(timeout),
		})
		done <- result{device: device, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("ble: connect %s: %w", key, res.err)
		}
		link := &hostLink{
			radio:   r,
			address: key,
			device:  res.device,
			lost:    make(chan struct{}),
		}
		r.mu.Lock()
		r.links[key] = link
		r.mu.Unlock()
		return link, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				res.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

// hostLink is one BlueZ connection.
type hostLink struct {
	radio   *HostRadio
	address string
	device  *bluetooth.Device
	lost    chan struct{}
	once    sync.Once
}

// drop marks the link lost. Called from the adapter's connect handler or
// on explicit disconnect, whichever comes first.
func (l *hostLink) drop() {
	l.once.Do(func() {
		close(l.lost)
	})
}

func (l *hostLink) Lost() <-chan struct{} {
	return l.lost
}

// Characteristics walks the remote GATT table and maps every known UUID
// onto the glove's characteristic set. Unknown services and
// characteristics are skipped.
func (l *hostLink) Characteristics() (map[glove.CharID]RemoteChar, error) {
	services, err := l.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	chars := make(map[glove.CharID]RemoteChar)
	for i := range services {
		discovered, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics: %w", err)
		}
		for j := range discovered {
			if id, ok := glove.CharByUUID(discovered[j].UUID().String()); ok {
				chars[id] = &hostChar{char: &discovered[j]}
			}
		}
	}
	return chars, nil
}

func (l *hostLink) Disconnect() error {
	l.radio.mu.Lock()
	if l.radio.links[l.address] == l {
		delete(l.radio.links, l.address)
	}
	l.radio.mu.Unlock()
	l.drop()

	if err := l.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", l.address, err)
	}
	return nil
}

// hostChar adapts one discovered characteristic. Glove writes go without
// response; the acknowledgment is the read back.
type hostChar struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *hostChar) Read(p []byte) (int, error) {
	return c.char.Read(p)
}

func (c *hostChar) Write(p []byte) (int, error) {
	return c.char.WriteWithoutResponse(p)
}

func (c *hostChar) EnableNotifications(fn func(p []byte)) error {
	return c.char.EnableNotifications(fn)
}
