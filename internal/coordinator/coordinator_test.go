package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rallylabs/rally-core/internal/command"
	"github.com/rallylabs/rally-core/internal/config"
	"github.com/rallylabs/rally-core/internal/device"
)

// fakeClock advances instantly on sleep so timing-sensitive paths run
// deterministically.
type fakeClock struct {
	mu      sync.Mutex
	t       time.Time
	sleeps  int
	onSleep func(n int)
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	if d > 0 {
		c.t = c.t.Add(d)
	}
	c.sleeps++
	n := c.sleeps
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCoordinator(t *testing.T) (*Coordinator, *device.Mock, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mock := device.NewMock()
	mock.SetClock(clock.Now)
	c := New(config.Default().Device, mock, testLogger())
	c.now = clock.Now
	c.sleep = clock.Sleep
	return c, mock, clock
}

func connectPair(t *testing.T, mock *device.Mock) (*device.Handle, *device.Handle) {
	t.Helper()
	left, err := mock.Connect(context.Background(), "dev-left")
	if err != nil {
		t.Fatalf("connect left: %v", err)
	}
	left.Side = device.SideLeft
	right, err := mock.Connect(context.Background(), "dev-right")
	if err != nil {
		t.Fatalf("connect right: %v", err)
	}
	right.Side = device.SideRight
	return left, right
}

func drain(ch <-chan Outcome) (shots, warnings, failures []Outcome) {
	for o := range ch {
		switch o.Kind {
		case OutcomeShot:
			shots = append(shots, o)
		case OutcomeWarning:
			warnings = append(warnings, o)
		default:
			failures = append(failures, o)
		}
	}
	return shots, warnings, failures
}

func TestAlternateShotSpacing(t *testing.T) {
	c, mock, _ := newTestCoordinator(t)
	left, right := connectPair(t, mock)

	job := Job{
		Mode:     command.ModeAlternate,
		Left:     []string{"sec1"},
		Right:    []string{"sec21"},
		Interval: 300 * time.Millisecond,
		Count:    4,
	}
	ch, err := c.Run(context.Background(), job, []*device.Handle{left, right})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	shots, warnings, failures := drain(ch)

	if len(shots) != 8 || len(warnings) != 0 || len(failures) != 0 {
		t.Fatalf("got %d shots, %d warnings, %d failures; want 8/0/0",
			len(shots), len(warnings), len(failures))
	}
	for i, o := range shots {
		wantSide := device.SideLeft
		if i%2 == 1 {
			wantSide = device.SideRight
		}
		if o.Side != wantSide {
			t.Fatalf("shot %d on %s, want %s", i, o.Side, wantSide)
		}
	}
	recorded := mock.Shots()
	for i := 1; i < len(recorded); i++ {
		if gap := recorded[i].At.Sub(recorded[i-1].At); gap != 300*time.Millisecond {
			t.Fatalf("gap between shot %d and %d = %v, want 300ms", i-1, i, gap)
		}
	}
}

func TestCooldownDelaysRepeatsNeverDrops(t *testing.T) {
	c, mock, _ := newTestCoordinator(t)
	left, right := connectPair(t, mock)

	job := Job{
		Mode:     command.ModeAlternate,
		Left:     []string{"sec1"},
		Right:    []string{"sec21"},
		Interval: 100 * time.Millisecond,
		Count:    2,
	}
	ch, err := c.Run(context.Background(), job, []*device.Handle{left, right})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	shots, _, failures := drain(ch)
	if len(shots) != 4 || len(failures) != 0 {
		t.Fatalf("got %d shots, %d failures; want 4/0", len(shots), len(failures))
	}

	cooldown := time.Duration(config.Default().Device.ShotCooldownMS) * time.Millisecond
	for _, id := range []string{"dev-left", "dev-right"} {
		recorded := mock.ShotsFor(id)
		if len(recorded) != 2 {
			t.Fatalf("%s got %d shots, want 2", id, len(recorded))
		}
		if gap := recorded[1].At.Sub(recorded[0].At); gap < cooldown {
			t.Fatalf("%s repeat gap %v violates cooldown %v", id, gap, cooldown)
		}
	}
}

// skewedActuator burns fake time inside each accept so simultaneous
// repeats exceed the sync tolerance.
type skewedActuator struct {
	*device.Mock
	clock *fakeClock
	delay time.Duration
}

func (a *skewedActuator) IssueShot(ctx context.Context, h *device.Handle, p device.ShotParams) error {
	a.clock.mu.Lock()
	a.clock.t = a.clock.t.Add(a.delay)
	a.clock.mu.Unlock()
	return a.Mock.IssueShot(ctx, h, p)
}

func TestSimultaneousPairsAndSyncWarning(t *testing.T) {
	clock := newFakeClock()
	mock := device.NewMock()
	mock.SetClock(clock.Now)
	act := &skewedActuator{Mock: mock, clock: clock, delay: 80 * time.Millisecond}
	c := New(config.Default().Device, act, testLogger())
	c.now = clock.Now
	c.sleep = clock.Sleep
	left, right := connectPair(t, mock)

	job := Job{
		Mode:     command.ModeSimultaneous,
		Left:     []string{"sec5"},
		Right:    []string{"sec25"},
		Interval: 300 * time.Millisecond,
		Count:    2,
	}
	ch, err := c.Run(context.Background(), job, []*device.Handle{left, right})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	shots, warnings, failures := drain(ch)

	if len(shots) != 4 || len(failures) != 0 {
		t.Fatalf("got %d shots, %d failures; want 4/0", len(shots), len(failures))
	}
	// Every repeat must issue a full pair.
	byRepeat := map[int]int{}
	for _, o := range shots {
		byRepeat[o.Repeat]++
	}
	for r, n := range byRepeat {
		if n != 2 {
			t.Fatalf("repeat %d issued %d shots, want a pair", r, n)
		}
	}
	if len(warnings) != 2 {
		t.Fatalf("got %d sync warnings, want 2", len(warnings))
	}
	tolerance := time.Duration(config.Default().Device.SyncToleranceMS) * time.Millisecond
	for _, w := range warnings {
		if w.Skew <= tolerance {
			t.Fatalf("warning skew %v not above tolerance %v", w.Skew, tolerance)
		}
	}
}

func TestSimultaneousAbortsOnDisconnect(t *testing.T) {
	c, mock, _ := newTestCoordinator(t)
	left, right := connectPair(t, mock)
	mock.DropConnection(right)

	job := Job{
		Mode:  command.ModeSimultaneous,
		Left:  []string{"sec5"},
		Right: []string{"sec25"},
		Count: 3,
	}
	ch, err := c.Run(context.Background(), job, []*device.Handle{left, right})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	shots, _, failures := drain(ch)
	if len(shots) != 0 {
		t.Fatalf("aborted job issued %d shots, want none", len(shots))
	}
	if len(failures) != 1 || !errors.Is(failures[0].Err, device.ErrNotConnected) {
		t.Fatalf("failures = %+v, want one ErrNotConnected", failures)
	}
}

func TestAlternateDegradesToSurvivingMachine(t *testing.T) {
	c, mock, _ := newTestCoordinator(t)
	left, right := connectPair(t, mock)
	mock.DropConnection(right)

	job := Job{
		Mode:     command.ModeAlternate,
		Left:     []string{"sec1"},
		Right:    []string{"sec21"},
		Interval: 300 * time.Millisecond,
		Count:    2,
	}
	ch, err := c.Run(context.Background(), job, []*device.Handle{left, right})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	shots, _, failures := drain(ch)

	if len(shots) != 4 {
		t.Fatalf("got %d shots, want 4 on the survivor", len(shots))
	}
	for _, o := range shots {
		if o.DeviceID != "dev-left" {
			t.Fatalf("shot issued on %s after degradation", o.DeviceID)
		}
	}
	if len(failures) != 2 {
		t.Fatalf("got %d degradation notices, want 2", len(failures))
	}
}

func TestSequenceRunsOneSideThenTheOther(t *testing.T) {
	c, mock, _ := newTestCoordinator(t)
	left, right := connectPair(t, mock)

	job := Job{
		Mode:     command.ModeSequence,
		Left:     []string{"sec1", "sec3"},
		Right:    []string{"sec21", "sec23"},
		Interval: 600 * time.Millisecond,
		Count:    1,
	}
	ch, err := c.Run(context.Background(), job, []*device.Handle{left, right})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	shots, _, failures := drain(ch)
	if len(shots) != 4 || len(failures) != 0 {
		t.Fatalf("got %d shots, %d failures; want 4/0", len(shots), len(failures))
	}
	wantOrder := []struct {
		id   string
		area string
	}{
		{"dev-left", "sec1"},
		{"dev-left", "sec3"},
		{"dev-right", "sec21"},
		{"dev-right", "sec23"},
	}
	for i, want := range wantOrder {
		if shots[i].DeviceID != want.id || shots[i].Area != want.area {
			t.Fatalf("shot %d = %s/%s, want %s/%s",
				i, shots[i].DeviceID, shots[i].Area, want.id, want.area)
		}
	}
}

func TestCancellationPreservesIssuedOutcomes(t *testing.T) {
	c, mock, clock := newTestCoordinator(t)
	left, right := connectPair(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock.onSleep = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	job := Job{
		Mode:     command.ModeAlternate,
		Left:     []string{"sec1"},
		Right:    []string{"sec21"},
		Interval: 100 * time.Millisecond,
		Count:    10,
	}
	ch, err := c.Run(ctx, job, []*device.Handle{left, right})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	shots, _, failures := drain(ch)

	if len(shots) != 2 {
		t.Fatalf("got %d shots before cancellation, want 2", len(shots))
	}
	if len(mock.Shots()) != len(shots) {
		t.Fatalf("device saw %d shots but %d outcomes were reported",
			len(mock.Shots()), len(shots))
	}
	for _, f := range failures {
		if !errors.Is(f.Err, context.Canceled) {
			t.Fatalf("unexpected failure after cancel: %v", f.Err)
		}
	}
}

func TestRunRefusesOverlappingJobs(t *testing.T) {
	c, mock, _ := newTestCoordinator(t)
	left, right := connectPair(t, mock)
	handles := []*device.Handle{left, right}

	gate := make(chan struct{})
	c.sleep = func(ctx context.Context, d time.Duration) error {
		<-gate
		return ctx.Err()
	}

	job := Job{
		Mode:     command.ModeAlternate,
		Left:     []string{"sec1"},
		Right:    []string{"sec21"},
		Interval: 100 * time.Millisecond,
		Count:    2,
	}
	first, err := c.Run(context.Background(), job, handles)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if !c.Busy(handles) {
		t.Fatal("coordinator must report busy while a job runs")
	}
	if _, err := c.Run(context.Background(), job, handles); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("second run err = %v, want ErrDeviceBusy", err)
	}

	close(gate)
	drain(first)

	if c.Busy(handles) {
		t.Fatal("handles still busy after job completion")
	}
	if _, err := c.Run(context.Background(), job, handles); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestSingleHandleCyclesAreas(t *testing.T) {
	c, mock, _ := newTestCoordinator(t)
	h, err := mock.Connect(context.Background(), "dev-single")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.Side = device.SideSingle

	job := Job{
		Left:     []string{"sec1", "sec13"},
		Interval: 600 * time.Millisecond,
		Count:    3,
	}
	ch, err := c.Run(context.Background(), job, []*device.Handle{h})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	shots, _, failures := drain(ch)
	if len(shots) != 6 || len(failures) != 0 {
		t.Fatalf("got %d shots, %d failures; want 6/0", len(shots), len(failures))
	}
	for i, o := range shots {
		want := "sec1"
		if i%2 == 1 {
			want = "sec13"
		}
		if o.Area != want {
			t.Fatalf("shot %d area = %s, want %s", i, o.Area, want)
		}
	}
}
