package capture

import (
	"context"
	"sync"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

// Device is the shared camera. At most one owner holds it at a time.
type Device struct {
	source Source

	mu    sync.Mutex
	owner string
	lease *Lease
}

func NewDevice(source Source) *Device {
	return &Device{source: source}
}

// Acquire hands the device to owner. Re-acquiring by the current owner
// returns the existing lease.
func (d *Device) Acquire(owner string) (*Lease, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lease != nil {
		if d.owner == owner {
			return d.lease, nil
		}
		return nil, domain.ErrDeviceBusy
	}

	d.owner = owner
	d.lease = &Lease{device: d, owner: owner}
	return d.lease, nil
}

// Owner returns the current holder, or "" when free.
func (d *Device) Owner() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner
}

func (d *Device) release(l *Lease) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lease == l {
		d.lease = nil
		d.owner = ""
	}
}

// Lease is a Source bound to one owner. It stops producing frames once
// released.
type Lease struct {
	device *Device
	owner  string

	mu       sync.Mutex
	released bool
}

func (l *Lease) Capture(ctx context.Context) (domain.Frame, error) {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()

	if released {
		return domain.Frame{}, domain.ErrDeviceUnavailable.WithMessage("Camera was released by this session")
	}
	return l.device.source.Capture(ctx)
}

// Release is idempotent.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	l.device.release(l)
}
