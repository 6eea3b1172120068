// Package training plays registry programs through the coordinator and
// tracks the resulting session.
package training

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rallylabs/rally-core/internal/command"
	"github.com/rallylabs/rally-core/internal/coordinator"
	"github.com/rallylabs/rally-core/internal/device"
	"github.com/rallylabs/rally-core/internal/registry"
)

// Summary is the terminal report of one training session.
type Summary struct {
	ProgramID   string
	ProgramName string
	Issued      int
	Failed      int
	Warnings    int
	Started     time.Time
	Finished    time.Time
}

type Service struct {
	coord   *coordinator.Coordinator
	manager *device.Manager
	log     *slog.Logger
}

func New(coord *coordinator.Coordinator, manager *device.Manager, log *slog.Logger) *Service {
	return &Service{
		coord:   coord,
		manager: manager,
		log:     log.With(slog.String("component", "training")),
	}
}

// Session is one running program playback. Stop cancels it at the next
// repeat boundary; Wait blocks until the outcome stream closes.
type Session struct {
	Program *registry.Program

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	summary Summary
}

// Start resolves handles for the requested side, builds the job, and
// launches it. The onOutcome hook sees every Outcome before it is
// counted, so callers can audit shots as they happen.
func (s *Service) Start(ctx context.Context, prog *registry.Program, p command.Params, onOutcome func(coordinator.Outcome)) (*Session, error) {
	handles := s.SelectHandles(p.Side)
	if len(handles) == 0 {
		return nil, coordinator.ErrNoHandles
	}

	job := buildJob(prog, p, len(handles))
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := s.coord.Run(runCtx, job, handles)
	if err != nil {
		cancel()
		return nil, err
	}

	sess := &Session{
		Program: prog,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	sess.summary = Summary{
		ProgramID:   prog.ID,
		ProgramName: prog.Name,
		Started:     time.Now().UTC(),
	}

	s.log.Info("training started",
		slog.String("program", prog.ID),
		slog.Int("balls", p.Balls),
		slog.Duration("interval", p.Interval),
		slog.String("mode", string(job.Mode)),
		slog.Int("machines", len(handles)))

	go func() {
		defer close(sess.done)
		defer cancel()
		for o := range ch {
			if onOutcome != nil {
				onOutcome(o)
			}
			sess.mu.Lock()
			switch o.Kind {
			case coordinator.OutcomeShot:
				sess.summary.Issued++
			case coordinator.OutcomeWarning:
				sess.summary.Warnings++
			default:
				sess.summary.Failed++
			}
			sess.mu.Unlock()
		}
		sess.mu.Lock()
		sess.summary.Finished = time.Now().UTC()
		summary := sess.summary
		sess.mu.Unlock()
		s.log.Info("training finished",
			slog.String("program", summary.ProgramID),
			slog.Int("issued", summary.Issued),
			slog.Int("failed", summary.Failed),
			slog.Int("warnings", summary.Warnings))
	}()
	return sess, nil
}

// SelectHandles resolves a spoken side to connected handles: a named
// side gives that one machine, anything else gives every machine.
func (s *Service) SelectHandles(side string) []*device.Handle {
	switch side {
	case "left":
		if h := s.manager.Handle(device.SideLeft); h != nil {
			return []*device.Handle{h}
		}
		return nil
	case "right":
		if h := s.manager.Handle(device.SideRight); h != nil {
			return []*device.Handle{h}
		}
		return nil
	}
	return s.manager.Handles()
}

// buildJob flattens the program's shot list into per-side area lists.
// On a single machine the list is unrolled to exactly the requested ball
// count; on two machines the ball count becomes the repeat count and the
// list cycles.
func buildJob(prog *registry.Program, p command.Params, machines int) coordinator.Job {
	areas := make([]string, 0, len(prog.Shots))
	for _, shot := range prog.Shots {
		if shot.Area != "" {
			areas = append(areas, shot.Area)
		}
	}
	interval := ApplySpeed(p.Interval, p.Speed)

	if machines <= 1 {
		return coordinator.Job{
			Left:     cycleAreas(areas, p.Balls),
			Interval: interval,
			Count:    1,
		}
	}
	return coordinator.Job{
		Mode:     p.Mode,
		Left:     areas,
		Right:    areas,
		Interval: interval,
		Count:    p.Balls,
	}
}

func cycleAreas(areas []string, n int) []string {
	if len(areas) == 0 || n <= 0 {
		return areas
	}
	out := make([]string, n)
	for i := range out {
		out[i] = areas[i%len(areas)]
	}
	return out
}

// ApplySpeed scales the interval for the spoken tempo words.
func ApplySpeed(interval time.Duration, speed string) time.Duration {
	switch speed {
	case "極限快":
		return interval / 2
	case "快":
		return interval * 7 / 10
	case "慢":
		return interval * 3 / 2
	}
	return interval
}

func (sess *Session) Stop() {
	sess.cancel()
}

func (sess *Session) Done() <-chan struct{} {
	return sess.done
}

// Wait blocks until the session ends and returns the final summary.
func (sess *Session) Wait() Summary {
	<-sess.done
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.summary
}

// Active reports whether the session is still producing outcomes.
func (sess *Session) Active() bool {
	select {
	case <-sess.done:
		return false
	default:
		return true
	}
}
