// Package device is the actuator layer for badminton serving machines:
// device discovery, connection handles, the shot wire format, and the
// mock and simulated backends used when no hardware is attached.
package device

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Side string

const (
	SideLeft   Side = "left"
	SideRight  Side = "right"
	SideSingle Side = "single"
)

// ShotParams are the four raw machine parameters for one serve, plus the
// court section they were resolved from.
type ShotParams struct {
	Speed           byte
	HorizontalAngle byte
	VerticalAngle   byte
	Height          byte
	Area            string
}

// StatusEvent reports a connectivity change or shot acknowledgement for
// one machine.
type StatusEvent struct {
	DeviceID  string
	Connected bool
	ShotDone  bool
	Detail    string
	Timestamp time.Time
}

// DeviceInfo describes a machine seen during a scan, before connecting.
type DeviceInfo struct {
	Name    string
	Address string
	RSSI    int
}

// Scanner discovers nearby serving machines.
type Scanner interface {
	Scan(ctx context.Context) ([]DeviceInfo, error)
}

// Actuator drives one or more serving machines. IssueShot reports
// acceptance of the frame by the machine, not completion of the serve.
type Actuator interface {
	Connect(ctx context.Context, deviceID string) (*Handle, error)
	Disconnect(h *Handle) error
	IssueShot(ctx context.Context, h *Handle, p ShotParams) error
	Status(h *Handle) <-chan StatusEvent
}

// Handle is the live reference to one connected machine. The side is
// assigned by the manager after identification.
type Handle struct {
	ID   string
	Name string
	Side Side

	mu        sync.Mutex
	connected bool
	lastShot  time.Time
}

func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *Handle) setConnected(v bool) {
	h.mu.Lock()
	h.connected = v
	h.mu.Unlock()
}

// LastShot returns the time the most recent shot was accepted. The zero
// time means no shot has been issued on this handle yet.
func (h *Handle) LastShot() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastShot
}

func (h *Handle) markShot(t time.Time) {
	h.mu.Lock()
	h.lastShot = t
	h.mu.Unlock()
}

// ErrNotConnected is returned by IssueShot and Disconnect when the handle
// has lost its connection.
var ErrNotConnected = errors.New("device: not connected")

// ConnectError marks a failed or timed-out connection attempt.
type ConnectError struct {
	DeviceID string
	Reason   string
	Err      error
}

func (e *ConnectError) Error() string {
	msg := "device: connect " + e.DeviceID + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.Err }
