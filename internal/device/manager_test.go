package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/rallylabs/rally-core/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDeviceConfig() config.DeviceConfig {
	cfg := config.Default().Device
	cfg.ScanTimeoutMS = 1000
	cfg.ConnectTimeoutMS = 1000
	return cfg
}

func TestIdentifySide(t *testing.T) {
	cases := []struct {
		name, address string
		want          Side
	}{
		{"YX-BE241-L-01", "AA:BB:CC:DD:EE:07", SideLeft},
		{"YX-BE241-R-01", "AA:BB:CC:DD:EE:02", SideRight},
		{"YX-BE241-LEFT", "", SideLeft},
		{"YX-BE241-01", "AA:BB:CC:DD:EE:02", SideLeft},
		{"YX-BE241-01", "AA:BB:CC:DD:EE:03", SideRight},
	}
	for _, c := range cases {
		if got := IdentifySide(c.name, c.address); got != c.want {
			t.Fatalf("IdentifySide(%q, %q) = %s, want %s", c.name, c.address, got, c.want)
		}
	}
}

func TestScanFiltersByNamePrefix(t *testing.T) {
	mock := NewMock()
	mock.AddDevice("YX-BE241-L-01", "AA:BB:CC:DD:EE:02")
	mock.AddDevice("YX-BE241-R-01", "AA:BB:CC:DD:EE:03")
	mock.AddDevice("HEADPHONES", "11:22:33:44:55:66")

	m := NewManager(testDeviceConfig(), mock, mock, nil, testLogger())
	found, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d devices, want 2", len(found))
	}
	for _, d := range found {
		if d.Name == "HEADPHONES" {
			t.Fatal("prefix filter let a foreign device through")
		}
	}
}

func TestConnectAllAssignsSides(t *testing.T) {
	mock := NewMock()
	mock.AddDevice("YX-BE241-L-01", "AA:BB:CC:DD:EE:02")
	mock.AddDevice("YX-BE241-R-01", "AA:BB:CC:DD:EE:03")

	m := NewManager(testDeviceConfig(), mock, mock, nil, testLogger())
	if _, err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := m.ConnectAll(context.Background()); err != nil {
		t.Fatalf("connect all: %v", err)
	}
	defer m.Close()

	if m.Handle(SideLeft) == nil || m.Handle(SideRight) == nil {
		t.Fatal("expected both left and right handles")
	}
	if !m.DualConnected() {
		t.Fatal("expected dual connection")
	}
}

func TestConnectAllSingleDeviceIsSingleSide(t *testing.T) {
	mock := NewMock()
	mock.AddDevice("YX-BE241-01", "AA:BB:CC:DD:EE:02")

	m := NewManager(testDeviceConfig(), mock, mock, nil, testLogger())
	if _, err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := m.ConnectAll(context.Background()); err != nil {
		t.Fatalf("connect all: %v", err)
	}
	defer m.Close()

	if m.Handle(SideSingle) == nil {
		t.Fatal("expected a single-side handle")
	}
	if m.DualConnected() {
		t.Fatal("single machine must not report dual connection")
	}
}

// blockingActuator never completes a connect, for timeout coverage.
type blockingActuator struct {
	*Mock
}

func (b *blockingActuator) Connect(ctx context.Context, deviceID string) (*Handle, error) {
	<-ctx.Done()
	return nil, &ConnectError{DeviceID: deviceID, Reason: "canceled", Err: ctx.Err()}
}

func TestConnectAllTimesOut(t *testing.T) {
	mock := NewMock()
	mock.AddDevice("YX-BE241-L-01", "AA:BB:CC:DD:EE:02")

	cfg := testDeviceConfig()
	cfg.ConnectTimeoutMS = 20
	m := NewManager(cfg, &blockingActuator{Mock: mock}, mock, nil, testLogger())
	if _, err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	err := m.ConnectAll(context.Background())
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", err)
	}
}

func TestIssueShotRequiresConnection(t *testing.T) {
	mock := NewMock()
	h, err := mock.Connect(context.Background(), "AA:BB:CC:DD:EE:02")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	mock.DropConnection(h)

	err = mock.IssueShot(context.Background(), h, ShotParams{Area: "sec1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
