package device

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/rallylabs/rally-core/internal/bus"
	"github.com/rallylabs/rally-core/internal/config"
	"github.com/rallylabs/rally-core/internal/protocol"
)

// Manager owns discovery and the set of connected handles. It assigns
// sides, bounds connect attempts by the configured timeout, and forwards
// actuator status events onto the bus.
type Manager struct {
	cfg     config.DeviceConfig
	log     *slog.Logger
	bus     *bus.Client
	act     Actuator
	scanner Scanner

	mu      sync.Mutex
	found   []DeviceInfo
	handles map[Side]*Handle

	cancel context.CancelFunc
	wg     sync.WaitGroup
	meter  metric.Meter
}

func NewManager(cfg config.DeviceConfig, act Actuator, scanner Scanner, busClient *bus.Client, log *slog.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     log.With(slog.String("component", "device-manager")),
		bus:     busClient,
		act:     act,
		scanner: scanner,
		handles: make(map[Side]*Handle),
		meter:   otel.Meter("github.com/rallylabs/rally-core/runtime"),
	}
	m.initMetrics()
	return m
}

// NewBackend builds the actuator and scanner for the configured mode.
// The sim backend is also selected when the simulate overlay is on,
// regardless of the configured mode.
func NewBackend(cfg config.DeviceConfig, simulate bool, log *slog.Logger) (Actuator, Scanner) {
	if simulate || cfg.Mode == "sim" {
		s := NewSim(log)
		return s, s
	}
	mock := NewMock()
	mock.AddDevice(cfg.NamePrefix+"-L-01", "AA:BB:CC:DD:EE:02")
	mock.AddDevice(cfg.NamePrefix+"-R-01", "AA:BB:CC:DD:EE:03")
	return mock, mock
}

// Scan discovers machines whose name carries the configured prefix.
// Results are retained for a later ConnectAll.
func (m *Manager) Scan(ctx context.Context) ([]DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.ScanTimeoutMS)*time.Millisecond)
	defer cancel()

	devices, err := m.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	var matched []DeviceInfo
	for _, d := range devices {
		if strings.HasPrefix(d.Name, m.cfg.NamePrefix) {
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	m.mu.Lock()
	m.found = matched
	m.mu.Unlock()

	m.log.Info("scan complete",
		slog.Int("seen", len(devices)),
		slog.Int("matched", len(matched)))
	return matched, nil
}

// IdentifySide classifies a machine as left or right by a name marker,
// falling back to the parity of the last address character.
func IdentifySide(name, address string) Side {
	upper := strings.ToUpper(name)
	switch {
	case strings.Contains(upper, "LEFT"), strings.Contains(upper, "-L"):
		return SideLeft
	case strings.Contains(upper, "RIGHT"), strings.Contains(upper, "-R"):
		return SideRight
	}
	if address == "" {
		return SideLeft
	}
	last := address[len(address)-1]
	if last%2 == 0 {
		return SideLeft
	}
	return SideRight
}

// ConnectAll connects every machine found by the last Scan, in parallel,
// each attempt bounded by the connect timeout. A single machine is
// assigned the single side; with two or more, one left and one right
// handle are kept.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.Lock()
	found := append([]DeviceInfo(nil), m.found...)
	m.mu.Unlock()

	if len(found) == 0 {
		return &ConnectError{DeviceID: "-", Reason: "no devices found, scan first"}
	}

	type result struct {
		info   DeviceInfo
		handle *Handle
		err    error
	}
	results := make([]result, len(found))
	var wg sync.WaitGroup
	for i, info := range found {
		wg.Add(1)
		go func(i int, info DeviceInfo) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.ConnectTimeoutMS)*time.Millisecond)
			defer cancel()
			h, err := m.connectOne(cctx, info)
			results[i] = result{info: info, handle: h, err: err}
		}(i, info)
	}
	wg.Wait()

	handles := make(map[Side]*Handle)
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			m.log.Error("connect failed",
				slog.String("device", r.info.Address),
				slog.String("error", r.err.Error()))
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		side := IdentifySide(r.info.Name, r.info.Address)
		if len(found) == 1 {
			side = SideSingle
		}
		if _, taken := handles[side]; taken {
			side = otherSide(side)
		}
		if _, taken := handles[side]; taken {
			m.log.Warn("extra device ignored", slog.String("device", r.info.Address))
			_ = m.act.Disconnect(r.handle)
			continue
		}
		r.handle.Side = side
		handles[side] = r.handle
		m.log.Info("connected",
			slog.String("device", r.info.Address),
			slog.String("name", r.info.Name),
			slog.String("side", string(side)))
	}

	if len(handles) == 0 {
		return firstErr
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.handles = handles
	m.mu.Unlock()

	for _, h := range handles {
		m.wg.Add(1)
		go m.watchStatus(runCtx, h)
		m.publishStatus(h, true, "connected")
	}
	return nil
}

func (m *Manager) connectOne(ctx context.Context, info DeviceInfo) (*Handle, error) {
	type outcome struct {
		h   *Handle
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		h, err := m.act.Connect(ctx, info.Address)
		done <- outcome{h: h, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, &ConnectError{DeviceID: info.Address, Reason: "timeout", Err: ctx.Err()}
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		o.h.Name = info.Name
		return o.h, nil
	}
}

func otherSide(s Side) Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

// Actuator exposes the backing actuator for the coordinator and router.
func (m *Manager) Actuator() Actuator { return m.act }

// Handles returns the connected handles ordered left, right, single.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Handle
	for _, side := range []Side{SideLeft, SideRight, SideSingle} {
		if h, ok := m.handles[side]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Handle returns the handle for one side, or nil.
func (m *Manager) Handle(side Side) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[side]
}

// Connected reports whether at least one machine is connected.
func (m *Manager) Connected() bool {
	for _, h := range m.Handles() {
		if h.Connected() {
			return true
		}
	}
	return false
}

// DualConnected reports whether both the left and right machines are up.
func (m *Manager) DualConnected() bool {
	left := m.Handle(SideLeft)
	right := m.Handle(SideRight)
	return left != nil && right != nil && left.Connected() && right.Connected()
}

// DisconnectAll tears down every handle. Errors are logged, not returned,
// so teardown always completes.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	handles := m.handles
	m.handles = make(map[Side]*Handle)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, h := range handles {
		if h.Connected() {
			if err := m.act.Disconnect(h); err != nil {
				m.log.Warn("disconnect failed",
					slog.String("device", h.ID),
					slog.String("error", err.Error()))
			}
		}
		m.publishStatus(h, false, "disconnected")
	}
	m.wg.Wait()
}

func (m *Manager) Close() {
	m.DisconnectAll()
}

func (m *Manager) watchStatus(ctx context.Context, h *Handle) {
	defer m.wg.Done()
	events := m.act.Status(h)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Connected && !ev.ShotDone {
				h.setConnected(false)
			}
			m.publishEvent(h, ev)
		}
	}
}

func (m *Manager) publishStatus(h *Handle, connected bool, detail string) {
	m.publishEvent(h, StatusEvent{
		DeviceID:  h.ID,
		Connected: connected,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

func (m *Manager) publishEvent(h *Handle, ev StatusEvent) {
	if m.bus == nil {
		return
	}
	msg := protocol.DeviceStatus{
		DeviceID:  ev.DeviceID,
		Side:      string(h.Side),
		Connected: ev.Connected,
		ShotDone:  ev.ShotDone,
		Detail:    ev.Detail,
		Timestamp: ev.Timestamp,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	subject := protocol.SubjectDeviceStatus + "." + ev.DeviceID
	if err := m.bus.Conn().Publish(subject, payload); err != nil {
		m.log.Warn("publish device status failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) initMetrics() {
	gauge, err := m.meter.Int64ObservableGauge("rally.devices.connected",
		metric.WithDescription("Number of connected serving machines"))
	if err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var n int64
		for _, h := range m.Handles() {
			if h.Connected() {
				n++
			}
		}
		obs.ObserveInt64(gauge, n)
		return nil
	}, gauge)
	if err != nil {
		m.log.Warn("failed to register metrics callback", slog.String("error", err.Error()))
	}
}
