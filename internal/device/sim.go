package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sim is the simulate-overlay actuator. It accepts every shot, encodes
// the real wire frame for the log, and synthesizes status events, so the
// whole command path can be exercised without hardware.
type Sim struct {
	log *slog.Logger

	mu      sync.Mutex
	devices []DeviceInfo
	frames  [][]byte
	status  map[string]chan StatusEvent
}

func NewSim(log *slog.Logger) *Sim {
	s := &Sim{
		log:    log.With(slog.String("component", "device-sim")),
		status: make(map[string]chan StatusEvent),
	}
	// Two phantom machines so dual-machine flows work out of the box.
	s.devices = []DeviceInfo{
		{Name: "YX-BE241-L-SIM", Address: "AA:BB:CC:DD:EE:02", RSSI: -40},
		{Name: "YX-BE241-R-SIM", Address: "AA:BB:CC:DD:EE:03", RSSI: -42},
	}
	return s
}

func (s *Sim) Scan(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeviceInfo(nil), s.devices...), nil
}

func (s *Sim) Connect(ctx context.Context, deviceID string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{DeviceID: deviceID, Reason: "canceled", Err: err}
	}
	s.mu.Lock()
	if _, ok := s.status[deviceID]; !ok {
		s.status[deviceID] = make(chan StatusEvent, 8)
	}
	s.mu.Unlock()

	s.log.Info("simulated connect", slog.String("device", deviceID))
	return &Handle{ID: deviceID, Name: deviceID, connected: true}, nil
}

func (s *Sim) Disconnect(h *Handle) error {
	if !h.Connected() {
		return ErrNotConnected
	}
	h.setConnected(false)
	s.emit(h.ID, StatusEvent{DeviceID: h.ID, Connected: false, Detail: "disconnected"})
	s.log.Info("simulated disconnect", slog.String("device", h.ID))
	return nil
}

func (s *Sim) IssueShot(ctx context.Context, h *Handle, p ShotParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !h.Connected() {
		return ErrNotConnected
	}
	frame := EncodeShotFrame(p)
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()

	h.markShot(time.Now())
	s.emit(h.ID, StatusEvent{DeviceID: h.ID, Connected: true, ShotDone: true, Detail: p.Area})
	s.log.Info("simulated shot",
		slog.String("device", h.ID),
		slog.String("area", p.Area),
		slog.String("frame", fmt.Sprintf("% X", frame)))
	return nil
}

func (s *Sim) Status(h *Handle) <-chan StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.status[h.ID]
	if !ok {
		ch = make(chan StatusEvent, 8)
		s.status[h.ID] = ch
	}
	return ch
}

// Frames returns every encoded frame accepted so far.
func (s *Sim) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	for i, f := range s.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

func (s *Sim) emit(deviceID string, ev StatusEvent) {
	s.mu.Lock()
	ch, ok := s.status[deviceID]
	s.mu.Unlock()
	if !ok {
		return
	}
	ev.Timestamp = time.Now()
	select {
	case ch <- ev:
	default:
	}
}
