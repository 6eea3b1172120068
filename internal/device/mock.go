package device

import (
	"context"
	"sync"
	"time"
)

// MockShot records one accepted shot for assertions.
type MockShot struct {
	DeviceID string
	Params   ShotParams
	At       time.Time
}

// Mock is an in-memory actuator and scanner. It backs the default
// device.mode=mock profile and the test suites.
type Mock struct {
	mu          sync.Mutex
	now         func() time.Time
	devices     []DeviceInfo
	shots       []MockShot
	status      map[string]chan StatusEvent
	failConnect map[string]string
	failShot    map[string]error
}

func NewMock() *Mock {
	return &Mock{
		now:         time.Now,
		status:      make(map[string]chan StatusEvent),
		failConnect: make(map[string]string),
		failShot:    make(map[string]error),
	}
}

// AddDevice makes a device visible to Scan.
func (m *Mock) AddDevice(name, address string) {
	m.mu.Lock()
	m.devices = append(m.devices, DeviceInfo{Name: name, Address: address, RSSI: -50})
	m.mu.Unlock()
}

// FailConnect makes Connect for the given device fail with the reason.
func (m *Mock) FailConnect(deviceID, reason string) {
	m.mu.Lock()
	m.failConnect[deviceID] = reason
	m.mu.Unlock()
}

// FailShots makes IssueShot on the given device return err.
func (m *Mock) FailShots(deviceID string, err error) {
	m.mu.Lock()
	if err == nil {
		delete(m.failShot, deviceID)
	} else {
		m.failShot[deviceID] = err
	}
	m.mu.Unlock()
}

// SetClock replaces the time source used for shot timestamps.
func (m *Mock) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Mock) Scan(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeviceInfo(nil), m.devices...), nil
}

func (m *Mock) Connect(ctx context.Context, deviceID string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{DeviceID: deviceID, Reason: "canceled", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason, ok := m.failConnect[deviceID]; ok {
		return nil, &ConnectError{DeviceID: deviceID, Reason: reason}
	}
	h := &Handle{ID: deviceID, Name: deviceID, connected: true}
	if _, ok := m.status[deviceID]; !ok {
		m.status[deviceID] = make(chan StatusEvent, 8)
	}
	return h, nil
}

func (m *Mock) Disconnect(h *Handle) error {
	if !h.Connected() {
		return ErrNotConnected
	}
	h.setConnected(false)
	m.emit(h.ID, StatusEvent{DeviceID: h.ID, Connected: false, Detail: "disconnected"})
	return nil
}

func (m *Mock) IssueShot(ctx context.Context, h *Handle, p ShotParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !h.Connected() {
		return ErrNotConnected
	}
	m.mu.Lock()
	if err, ok := m.failShot[h.ID]; ok {
		m.mu.Unlock()
		return err
	}
	at := m.now()
	m.shots = append(m.shots, MockShot{DeviceID: h.ID, Params: p, At: at})
	m.mu.Unlock()

	h.markShot(at)
	m.emit(h.ID, StatusEvent{DeviceID: h.ID, Connected: true, ShotDone: true, Detail: p.Area})
	return nil
}

func (m *Mock) Status(h *Handle) <-chan StatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.status[h.ID]
	if !ok {
		ch = make(chan StatusEvent, 8)
		m.status[h.ID] = ch
	}
	return ch
}

// DropConnection simulates losing the link to a machine mid-session.
func (m *Mock) DropConnection(h *Handle) {
	h.setConnected(false)
	m.emit(h.ID, StatusEvent{DeviceID: h.ID, Connected: false, Detail: "link lost"})
}

// Shots returns all accepted shots in order.
func (m *Mock) Shots() []MockShot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockShot(nil), m.shots...)
}

// ShotsFor returns accepted shots for one device in order.
func (m *Mock) ShotsFor(deviceID string) []MockShot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockShot
	for _, s := range m.shots {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	return out
}

func (m *Mock) emit(deviceID string, ev StatusEvent) {
	m.mu.Lock()
	ch, ok := m.status[deviceID]
	now := m.now
	m.mu.Unlock()
	if !ok {
		return
	}
	ev.Timestamp = now()
	select {
	case ch <- ev:
	default:
	}
}
