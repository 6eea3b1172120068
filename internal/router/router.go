// Package router owns the authoritative system state and dispatches
// structured commands to the device, training, and audit layers. Only
// the router mutates the state value; everyone else reads snapshots.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rallylabs/rally-core/internal/audit"
	"github.com/rallylabs/rally-core/internal/command"
	"github.com/rallylabs/rally-core/internal/config"
	"github.com/rallylabs/rally-core/internal/coordinator"
	"github.com/rallylabs/rally-core/internal/device"
	"github.com/rallylabs/rally-core/internal/registry"
	"github.com/rallylabs/rally-core/internal/training"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateTraining   State = "training"
	StateError      State = "error"
)

// IllegalTransitionError reports a command that is not valid from the
// current state. State is left untouched.
type IllegalTransitionError struct {
	From State
	Kind command.Kind
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("router: %s not allowed from %s", e.Kind, e.From)
}

// Router validates transitions and hands commands to the target
// services. Dispatch is serialized; it returns once the target service
// accepts the command, not once it completes.
type Router struct {
	cfg       config.RouterConfig
	deviceCfg config.DeviceConfig
	log       *slog.Logger

	manager *device.Manager
	coord   *coordinator.Coordinator
	trainer *training.Service
	reg     *registry.Registry
	emitter *audit.Emitter

	// dispatchMu serializes Dispatch; mu guards the state snapshot for
	// concurrent readers.
	dispatchMu sync.Mutex
	mu         sync.Mutex
	state      State
	simulate   bool
	session    *training.Session
	wg         sync.WaitGroup
}

func New(cfg config.RouterConfig, deviceCfg config.DeviceConfig, manager *device.Manager, coord *coordinator.Coordinator, trainer *training.Service, reg *registry.Registry, emitter *audit.Emitter, log *slog.Logger) *Router {
	return &Router{
		cfg:       cfg,
		deviceCfg: deviceCfg,
		log:       log.With(slog.String("component", "router")),
		manager:   manager,
		coord:     coord,
		trainer:   trainer,
		reg:       reg,
		emitter:   emitter,
		state:     StateIdle,
		simulate:  cfg.Simulate,
	}
}

// State returns a snapshot of the current state value.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Simulate reports whether the dispatch overlay targets the simulated
// actuator.
func (r *Router) Simulate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.simulate
}

// Fault forces the state machine into Error from any state.
func (r *Router) Fault(detail string) {
	r.mu.Lock()
	before := r.state
	r.state = StateError
	r.mu.Unlock()
	r.log.Error("unrecoverable fault", slog.String("detail", detail))
	r.record(audit.Event{
		Command:     "fault",
		StateBefore: string(before),
		StateAfter:  string(StateError),
		Result:      audit.ResultError,
		Detail:      detail,
	})
}

// Close stops any running session and waits for watchers.
func (r *Router) Close() {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess != nil {
		sess.Stop()
		sess.Wait()
	}
	r.wg.Wait()
}

// Dispatch validates and executes one command, returning the reply text
// for the user. Every call produces exactly one audit record.
func (r *Router) Dispatch(ctx context.Context, cmd *command.Command) (string, error) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.mu.Lock()
	before := r.state
	r.mu.Unlock()

	reply, after, err := r.dispatch(ctx, before, cmd)

	ev := audit.Event{
		SessionID:   cmd.Trace.SessionID,
		Source:      cmd.Trace.Source,
		Raw:         cmd.Trace.Raw,
		Matched:     cmd.Trace.Matched,
		Score:       cmd.Trace.Score,
		Command:     string(cmd.Kind),
		StateBefore: string(before),
		StateAfter:  string(after),
		Target:      r.target(),
		Result:      audit.ResultOK,
	}
	if err != nil {
		ev.Result = audit.ResultError
		ev.Detail = err.Error()
	}
	r.record(ev)
	return reply, err
}

func (r *Router) target() string {
	if r.Simulate() {
		return "sim"
	}
	return string(r.deviceCfg.Mode)
}

func (r *Router) record(ev audit.Event) {
	if r.emitter != nil {
		r.emitter.Record(ev)
	}
}

func (r *Router) dispatch(ctx context.Context, before State, cmd *command.Command) (string, State, error) {
	switch cmd.Kind {
	case command.KindWake:
		return "我在，請下指令", before, nil
	case command.KindScan:
		return r.doScan(ctx, before)
	case command.KindConnect:
		return r.doConnect(ctx, before)
	case command.KindDisconnect:
		return r.doDisconnect(before)
	case command.KindStartTraining:
		return r.doStartTraining(ctx, before, cmd)
	case command.KindShot:
		return r.doShot(ctx, before, cmd)
	case command.KindStopTraining:
		return r.doStopTraining(before)
	case command.KindReset:
		return r.doReset(before)
	}
	return "", before, &IllegalTransitionError{From: before, Kind: cmd.Kind}
}

func (r *Router) doScan(ctx context.Context, before State) (string, State, error) {
	if before != StateIdle {
		return "", before, &IllegalTransitionError{From: before, Kind: command.KindScan}
	}
	r.setState(StateConnecting)

	found, err := r.manager.Scan(ctx)
	if err != nil {
		r.setState(StateError)
		return "掃描失敗", StateError, &device.ConnectError{DeviceID: "-", Reason: "scan failed", Err: err}
	}
	if len(found) == 0 {
		r.setState(StateError)
		return "未找到發球機", StateError, &device.ConnectError{DeviceID: "-", Reason: "no devices found"}
	}
	// Discovery alone keeps us in Connecting until connect succeeds.
	return fmt.Sprintf("找到 %d 台發球機，請說連線", len(found)), StateConnecting, nil
}

func (r *Router) doConnect(ctx context.Context, before State) (string, State, error) {
	if before != StateIdle && before != StateConnecting {
		return "", before, &IllegalTransitionError{From: before, Kind: command.KindConnect}
	}
	r.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.deviceCfg.ConnectTimeoutMS)*time.Millisecond)
	defer cancel()

	if len(r.manager.Handles()) == 0 {
		if _, err := r.manager.Scan(ctx); err != nil {
			r.setState(StateError)
			return "掃描失敗", StateError, err
		}
	}
	if err := r.manager.ConnectAll(ctx); err != nil {
		r.setState(StateError)
		if errors.Is(err, context.DeadlineExceeded) {
			return "連線逾時", StateError, fmt.Errorf("router: connect timeout: %w", err)
		}
		return "連線失敗", StateError, err
	}

	r.setState(StateConnected)
	if r.manager.DualConnected() {
		return "雙發球機已連線", StateConnected, nil
	}
	return "發球機已連線", StateConnected, nil
}

func (r *Router) doDisconnect(before State) (string, State, error) {
	if before != StateConnected && before != StateTraining {
		return "", before, &IllegalTransitionError{From: before, Kind: command.KindDisconnect}
	}
	r.stopSession()
	r.manager.DisconnectAll()
	r.setState(StateIdle)
	return "已斷開連線", StateIdle, nil
}

func (r *Router) doStartTraining(ctx context.Context, before State, cmd *command.Command) (string, State, error) {
	switch before {
	case StateTraining:
		// A job already owns the handles; refuse, state untouched.
		return "", before, coordinator.ErrDeviceBusy
	case StateConnected:
	default:
		return "", before, &IllegalTransitionError{From: before, Kind: command.KindStartTraining}
	}
	if r.coord.Busy(r.manager.Handles()) {
		return "", before, coordinator.ErrDeviceBusy
	}

	prog := r.reg.Snapshot().ByID(cmd.Params.ProgramID)
	if prog == nil {
		return "", before, fmt.Errorf("router: unknown program %q", cmd.Params.ProgramID)
	}

	sess, err := r.trainer.Start(ctx, prog, cmd.Params, r.auditOutcome(cmd.Trace.SessionID))
	if err != nil {
		return "", before, err
	}

	r.mu.Lock()
	r.session = sess
	r.state = StateTraining
	r.mu.Unlock()

	r.wg.Add(1)
	go r.watchSession(sess)

	return fmt.Sprintf("開始%s，共%d顆", prog.Name, cmd.Params.Balls), StateTraining, nil
}

// doShot serves one shot type repeatedly on a single machine: the
// requested side when one was spoken, otherwise the first connected
// handle. Ball count, interval, and spoken tempo all come from the
// command payload.
func (r *Router) doShot(ctx context.Context, before State, cmd *command.Command) (string, State, error) {
	if before != StateConnected {
		return "", before, &IllegalTransitionError{From: before, Kind: command.KindShot}
	}
	handles := r.trainer.SelectHandles(cmd.Params.Side)
	if len(handles) == 0 {
		return "", before, coordinator.ErrNoHandles
	}
	handles = handles[:1]
	if r.coord.Busy(handles) {
		return "", before, coordinator.ErrDeviceBusy
	}

	balls := cmd.Params.Balls
	if balls <= 0 {
		balls = 1
	}
	job := coordinator.Job{
		Left:     []string{cmd.Params.Area},
		Interval: training.ApplySpeed(cmd.Params.Interval, cmd.Params.Speed),
		Count:    balls,
	}
	ch, err := r.coord.Run(ctx, job, handles)
	if err != nil {
		return "", before, err
	}
	hook := r.auditOutcome(cmd.Trace.SessionID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for o := range ch {
			hook(o)
		}
	}()
	return fmt.Sprintf("發球 %s，共%d顆", cmd.Params.ProgramName, balls), before, nil
}

func (r *Router) doStopTraining(before State) (string, State, error) {
	if before != StateTraining {
		return "", before, &IllegalTransitionError{From: before, Kind: command.KindStopTraining}
	}
	r.stopSession()
	r.setState(StateConnected)
	return "訓練已停止", StateConnected, nil
}

func (r *Router) doReset(before State) (string, State, error) {
	if before != StateError {
		return "", before, &IllegalTransitionError{From: before, Kind: command.KindReset}
	}
	r.setState(StateIdle)
	return "已重置", StateIdle, nil
}

func (r *Router) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Router) stopSession() {
	r.mu.Lock()
	sess := r.session
	r.session = nil
	r.mu.Unlock()
	if sess != nil {
		sess.Stop()
		sess.Wait()
	}
}

// watchSession returns the state to Connected when a training session
// runs to completion on its own. A manually stopped session is audited
// by the stop dispatch, not here.
func (r *Router) watchSession(sess *training.Session) {
	defer r.wg.Done()
	summary := sess.Wait()

	r.mu.Lock()
	if r.session != sess {
		r.mu.Unlock()
		return
	}
	r.session = nil
	before := r.state
	after := before
	if before == StateTraining {
		after = StateConnected
		r.state = after
	}
	r.mu.Unlock()

	r.record(audit.Event{
		Command:     "training_complete",
		Matched:     summary.ProgramName,
		StateBefore: string(before),
		StateAfter:  string(after),
		Target:      r.target(),
		Result:      audit.ResultOK,
		Detail:      fmt.Sprintf("issued=%d failed=%d warnings=%d", summary.Issued, summary.Failed, summary.Warnings),
	})
}

// auditOutcome records each coordinator outcome under the session.
func (r *Router) auditOutcome(sessionID string) func(coordinator.Outcome) {
	return func(o coordinator.Outcome) {
		ev := audit.Event{
			SessionID: sessionID,
			Command:   "shot",
			Target:    o.DeviceID,
			Result:    audit.ResultOK,
		}
		switch o.Kind {
		case coordinator.OutcomeWarning:
			ev.Command = "sync_warning"
			ev.Detail = fmt.Sprintf("skew=%s", o.Skew)
		case coordinator.OutcomeError:
			ev.Result = audit.ResultError
			if o.Err != nil {
				ev.Detail = o.Err.Error()
			}
		default:
			ev.Detail = o.Area
		}
		r.record(ev)
	}
}
