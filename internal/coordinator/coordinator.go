// Package coordinator schedules shots across one or two serving
// machines. A job runs to completion, cancellation, or abort on its own
// goroutine and reports every issued or failed shot as an Outcome.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rallylabs/rally-core/internal/command"
	"github.com/rallylabs/rally-core/internal/config"
	"github.com/rallylabs/rally-core/internal/device"
)

// ErrDeviceBusy is returned when a job is already running on any of the
// requested handles.
var ErrDeviceBusy = errors.New("coordinator: device busy")

// ErrNoHandles is returned when a job is started without a connected
// machine.
var ErrNoHandles = errors.New("coordinator: no connected handles")

type OutcomeKind string

const (
	OutcomeShot    OutcomeKind = "shot"
	OutcomeWarning OutcomeKind = "warning"
	OutcomeError   OutcomeKind = "error"
)

// Outcome reports one scheduled shot, a sync warning, or a failure.
type Outcome struct {
	Kind     OutcomeKind
	Repeat   int
	Side     device.Side
	DeviceID string
	Area     string
	Skew     time.Duration
	Err      error
	At       time.Time
}

// Job describes one coordinated serving run. Area lists are cycled when
// shorter than Count.
type Job struct {
	Mode     command.CoordinationMode
	Left     []string
	Right    []string
	Interval time.Duration
	Count    int
}

type Coordinator struct {
	cfg config.DeviceConfig
	act device.Actuator
	log *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	active map[string]struct{}

	shots metric.Int64Counter
}

func New(cfg config.DeviceConfig, act device.Actuator, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		act:    act,
		log:    log.With(slog.String("component", "coordinator")),
		now:    time.Now,
		sleep:  sleepCtx,
		active: make(map[string]struct{}),
	}
	meter := otel.Meter("github.com/rallylabs/rally-core/runtime")
	counter, err := meter.Int64Counter("rally.shots.issued",
		metric.WithDescription("Shots accepted by serving machines"))
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		c.shots = counter
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run starts a job on the given handles. It fails fast with
// ErrDeviceBusy when any handle already carries a job; otherwise the
// returned channel yields one Outcome per shot and closes when the job
// completes, aborts, or is cancelled at a repeat boundary.
func (c *Coordinator) Run(ctx context.Context, job Job, handles []*device.Handle) (<-chan Outcome, error) {
	if len(handles) == 0 {
		return nil, ErrNoHandles
	}
	if job.Count <= 0 {
		job.Count = 1
	}
	if err := c.acquire(handles); err != nil {
		return nil, err
	}

	minWrite := time.Duration(c.cfg.MinWriteLatency) * time.Millisecond
	if job.Interval > 0 && job.Interval < minWrite {
		c.log.Warn("interval below minimum write latency",
			slog.Duration("interval", job.Interval),
			slog.Duration("min_write_latency", minWrite))
	}

	out := make(chan Outcome, job.Count*2+4)
	go func() {
		defer close(out)
		defer c.release(handles)
		switch {
		case len(handles) == 1:
			c.runSingle(ctx, job, handles[0], out)
		case job.Mode == command.ModeSimultaneous:
			c.runSimultaneous(ctx, job, handles, out)
		case job.Mode == command.ModeSequence:
			c.runSequence(ctx, job, handles, out)
		default:
			c.runAlternate(ctx, job, handles, out)
		}
	}()
	return out, nil
}

// Busy reports whether any of the handles carries a running job.
func (c *Coordinator) Busy(handles []*device.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range handles {
		if _, ok := c.active[h.ID]; ok {
			return true
		}
	}
	return false
}

func (c *Coordinator) acquire(handles []*device.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range handles {
		if _, ok := c.active[h.ID]; ok {
			return ErrDeviceBusy
		}
	}
	for _, h := range handles {
		c.active[h.ID] = struct{}{}
	}
	return nil
}

func (c *Coordinator) release(handles []*device.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range handles {
		delete(c.active, h.ID)
	}
}

func (c *Coordinator) runSingle(ctx context.Context, job Job, h *device.Handle, out chan<- Outcome) {
	areas := job.Left
	if len(areas) == 0 {
		areas = job.Right
	}
	total := job.Count * max(1, len(areas))
	issued := 0
	for r := 0; r < job.Count; r++ {
		if ctx.Err() != nil {
			return
		}
		for i := 0; i < max(1, len(areas)); i++ {
			area := ""
			if len(areas) > 0 {
				area = areas[i%len(areas)]
			}
			ok := c.issue(ctx, job, h, area, r, out)
			issued++
			if !ok {
				return
			}
			if issued < total {
				if err := c.sleep(ctx, job.Interval); err != nil {
					return
				}
			}
		}
	}
}

func (c *Coordinator) runAlternate(ctx context.Context, job Job, handles []*device.Handle, out chan<- Outcome) {
	left, right := handles[0], handles[1]
	totalSlots := job.Count * 2
	slot := 0
	for r := 0; r < job.Count; r++ {
		if ctx.Err() != nil {
			return
		}
		for _, side := range []*device.Handle{left, right} {
			target := side
			if !target.Connected() {
				// Degrade to the surviving machine.
				survivor := c.survivor(left, right)
				if survivor == nil {
					out <- c.errorOutcome(r, target, errors.New("both machines disconnected"))
					return
				}
				out <- c.errorOutcome(r, target, device.ErrNotConnected)
				target = survivor
			}
			area := c.areaFor(job, target, r)
			if !c.issue(ctx, job, target, area, r, out) {
				return
			}
			slot++
			if slot < totalSlots {
				if err := c.sleep(ctx, job.Interval); err != nil {
					return
				}
			}
		}
	}
}

func (c *Coordinator) runSimultaneous(ctx context.Context, job Job, handles []*device.Handle, out chan<- Outcome) {
	left, right := handles[0], handles[1]
	tolerance := time.Duration(c.cfg.SyncToleranceMS) * time.Millisecond
	for r := 0; r < job.Count; r++ {
		if ctx.Err() != nil {
			return
		}
		// A pair is all or nothing: one dead machine aborts the job.
		if !left.Connected() || !right.Connected() {
			dead := left
			if left.Connected() {
				dead = right
			}
			out <- c.errorOutcome(r, dead, device.ErrNotConnected)
			return
		}

		start := c.now()
		results := make([]Outcome, 2)
		var wg sync.WaitGroup
		for i, h := range []*device.Handle{left, right} {
			wg.Add(1)
			go func(i int, h *device.Handle) {
				defer wg.Done()
				results[i] = c.issueOutcome(ctx, job, h, c.areaFor(job, h, r), r)
			}(i, h)
		}
		wg.Wait()
		skew := c.now().Sub(start)

		failed := false
		for _, o := range results {
			out <- o
			if o.Kind == OutcomeError {
				failed = true
			}
		}
		if skew > tolerance {
			c.log.Warn("sync tolerance exceeded",
				slog.Duration("skew", skew),
				slog.Duration("tolerance", tolerance))
			out <- Outcome{Kind: OutcomeWarning, Repeat: r, Skew: skew, At: c.now()}
		}
		if failed {
			return
		}
		if r+1 < job.Count {
			if err := c.sleep(ctx, job.Interval); err != nil {
				return
			}
		}
	}
}

func (c *Coordinator) runSequence(ctx context.Context, job Job, handles []*device.Handle, out chan<- Outcome) {
	left, right := handles[0], handles[1]
	for r := 0; r < job.Count; r++ {
		if ctx.Err() != nil {
			return
		}
		for _, h := range []*device.Handle{left, right} {
			target := h
			if !target.Connected() {
				survivor := c.survivor(left, right)
				if survivor == nil {
					out <- c.errorOutcome(r, target, errors.New("both machines disconnected"))
					return
				}
				out <- c.errorOutcome(r, target, device.ErrNotConnected)
				target = survivor
			}
			areas := c.areasFor(job, target)
			for i, area := range areas {
				if !c.issue(ctx, job, target, area, r, out) {
					return
				}
				if i+1 < len(areas) {
					if err := c.sleep(ctx, job.Interval); err != nil {
						return
					}
				}
			}
		}
	}
}

func (c *Coordinator) survivor(left, right *device.Handle) *device.Handle {
	if left.Connected() {
		return left
	}
	if right.Connected() {
		return right
	}
	return nil
}

func (c *Coordinator) areaFor(job Job, h *device.Handle, repeat int) string {
	areas := c.areasFor(job, h)
	if len(areas) == 0 {
		return ""
	}
	return areas[repeat%len(areas)]
}

func (c *Coordinator) areasFor(job Job, h *device.Handle) []string {
	if h.Side == device.SideRight && len(job.Right) > 0 {
		return job.Right
	}
	if len(job.Left) > 0 {
		return job.Left
	}
	return job.Right
}

// issue performs the cooldown wait and one IssueShot, sending the
// resulting Outcome. It reports whether the job should continue.
func (c *Coordinator) issue(ctx context.Context, job Job, h *device.Handle, area string, repeat int, out chan<- Outcome) bool {
	o := c.issueOutcome(ctx, job, h, area, repeat)
	out <- o
	return o.Kind != OutcomeError
}

func (c *Coordinator) issueOutcome(ctx context.Context, job Job, h *device.Handle, area string, repeat int) Outcome {
	params, ok := device.LookupArea(area)
	if !ok && area != "" {
		return c.errorOutcome(repeat, h, errors.New("unknown court section "+area))
	}
	params.Area = area

	// A repeat that lands inside the cooldown window is delayed, never
	// dropped.
	cooldown := time.Duration(c.cfg.ShotCooldownMS) * time.Millisecond
	if last := h.LastShot(); !last.IsZero() {
		if wait := cooldown - c.now().Sub(last); wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				return c.errorOutcome(repeat, h, err)
			}
		}
	}

	if err := c.act.IssueShot(ctx, h, params); err != nil {
		return c.errorOutcome(repeat, h, err)
	}
	if c.shots != nil {
		c.shots.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("side", string(h.Side)),
				attribute.String("mode", string(job.Mode))))
	}
	return Outcome{
		Kind:     OutcomeShot,
		Repeat:   repeat,
		Side:     h.Side,
		DeviceID: h.ID,
		Area:     area,
		At:       c.now(),
	}
}

func (c *Coordinator) errorOutcome(repeat int, h *device.Handle, err error) Outcome {
	return Outcome{
		Kind:     OutcomeError,
		Repeat:   repeat,
		Side:     h.Side,
		DeviceID: h.ID,
		Err:      err,
		At:       c.now(),
	}
}
