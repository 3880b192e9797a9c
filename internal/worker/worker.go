package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/relay/internal/actions"
	"github.com/rendis/relay/internal/backoff"
	"github.com/rendis/relay/internal/listener"
	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/transport"
	"github.com/rendis/relay/pkg/schema"
)

// Drop reasons recorded when an action is discarded before execution.
const (
	dropUnknownAction  = "unknown_action"
	dropUnknownType    = "unknown_type"
	dropInvalidPayload = "invalid_payload"
	dropDuplicate      = "duplicate"
	dropSettled        = "already_settled"
	dropShuttingDown   = "shutting_down"
)

const restartedMessage = "worker restarted during execution"

// Worker receives actions from the dispatcher, runs them on registered
// handlers and reports each step run's lifecycle back.
type Worker struct {
	session  transport.Session
	registry *actions.Registry
	cfg      config
	logger   *slog.Logger
	pool     *Pool
	recent   *lru.Cache[string, outcome]

	// Handler contexts derive from base so that stopping the action
	// listener never cancels running handlers.
	base       context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	started   bool
	killing   bool
	workerID  string
	startedAt time.Time
	listener  *listener.ActionListener
	runEvents *listener.PooledListener
	inflight  map[string]*task

	tasks    sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

type task struct {
	action    *schema.Action
	handler   actions.Handler
	params    map[string]any
	ctx       context.Context
	cancel    context.CancelFunc
	fsm       *stepRunFSM
	startedAt time.Time
	settled   atomic.Bool
	// reported is closed once the Started event has been sent.
	reported chan struct{}
}

// outcome is the terminal event a settled step run reported.
type outcome struct {
	typ     schema.ActionEventType
	payload json.RawMessage
}

func statusOutcome(status schema.StepRunStatus, data json.RawMessage, cause error) outcome {
	if status == schema.StepRunSucceeded {
		return outcome{typ: schema.ActionEventCompleted, payload: data}
	}
	return outcome{typ: schema.ActionEventFailed, payload: failurePayload(cause)}
}

// New creates a worker executing the handlers in registry.
func New(session transport.Session, registry *actions.Registry, opts ...Option) (*Worker, error) {
	if session == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "session is required")
	}
	if registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "action registry is required")
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	recent, err := lru.New[string, outcome](cfg.dedupSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Worker{
		session:    session,
		registry:   registry,
		cfg:        cfg,
		logger:     logging.OrDiscard(cfg.logger),
		pool:       NewPool(cfg.maxRuns),
		recent:     recent,
		base:       base,
		cancelBase: cancel,
		inflight:   make(map[string]*task),
	}, nil
}

// WorkerID returns the ID assigned by the dispatcher, or "" before registration.
func (w *Worker) WorkerID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workerID
}

// Registry returns the handlers this worker executes.
func (w *Worker) Registry() *actions.Registry { return w.registry }

// Start registers the worker, settles step runs a previous process left
// unfinished, and processes actions until the listener stops. It returns
// nil after Stop or when ctx is done, and an error if the worker could not
// register or the action stream failed for good.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "worker already started")
	}
	if w.killing {
		w.mu.Unlock()
		return schema.NewError(schema.ErrCodeCancelled, "worker is stopped")
	}
	w.started = true
	w.startedAt = time.Now()
	w.mu.Unlock()

	l, err := w.connect(ctx)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	w.recoverUnsettled(ctx)
	return w.loop(ctx, l)
}

// connect registers with startup retries and prepares the action listener.
// It returns a nil listener if the worker was stopped meanwhile.
func (w *Worker) connect(ctx context.Context) (*listener.ActionListener, error) {
	reg := &schema.WorkerRegistration{
		WorkerName: w.cfg.name,
		Actions:    w.registry.Names(),
		MaxRuns:    w.cfg.maxRuns,
		Labels:     w.cfg.labels,
	}

	var resp *schema.WorkerRegistered
	for attempt := 0; ; attempt++ {
		var err error
		resp, err = w.session.Register(ctx, reg)
		if err == nil {
			break
		}
		if ctx.Err() != nil || transport.IsCancelled(err) {
			return nil, fmt.Errorf("register worker: %w", err)
		}
		if attempt >= w.cfg.startupRetries {
			return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"could not register worker after %d retries", w.cfg.startupRetries).WithCause(err)
		}
		w.logger.Warn("worker registration failed, retrying",
			"attempt", attempt+1, "interval", w.cfg.startupInterval, "error", err)
		if err := backoff.Sleep(ctx, w.cfg.startupInterval); err != nil {
			return nil, fmt.Errorf("register worker: %w", err)
		}
	}

	opts := append([]listener.Option{
		listener.WithLogger(w.logger.With("worker_id", resp.WorkerID)),
		listener.WithMetrics(w.cfg.metrics),
	}, w.cfg.listenerOpts...)
	l := listener.NewActionListener(w.session, resp.WorkerID, opts...)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.workerID = resp.WorkerID
	if w.killing {
		l.Close()
		return nil, nil
	}
	w.listener = l
	w.logger.Info("worker registered", "worker_id", resp.WorkerID, "actions", len(reg.Actions))
	return l, nil
}

func (w *Worker) loop(ctx context.Context, l *listener.ActionListener) error {
	for {
		a, err := l.Next(ctx)
		if err != nil {
			if errors.Is(err, listener.ErrListenerClosed) || w.isKilling() || ctx.Err() != nil {
				w.logger.Info("action listener closed")
				return nil
			}
			w.logger.Error("action listener failed", "error", err)
			return err
		}
		w.cfg.metrics.ActionReceived(string(a.ActionType))
		switch a.ActionType {
		case schema.ActionTypeStart:
			w.handleStart(a)
		case schema.ActionTypeCancel:
			w.handleCancel(a)
		default:
			w.logger.Warn("unknown action type, dropping",
				"action_type", a.ActionType, "step_run_id", a.StepRunID)
			w.cfg.metrics.ActionDropped(dropUnknownType)
		}
	}
}

func (w *Worker) isKilling() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killing
}

func (w *Worker) drop(log *slog.Logger, reason, msg string, args ...any) {
	log.Warn(msg, args...)
	w.cfg.metrics.ActionDropped(reason)
}

func (w *Worker) handleStart(a *schema.Action) {
	log := w.logger.With("step_run_id", a.StepRunID, "action_id", a.ActionID)

	h, ok := w.registry.Lookup(a.ActionID)
	if !ok {
		w.drop(log, dropUnknownAction, "no handler registered for action, dropping")
		return
	}
	params, err := decodePayload(a.Payload)
	if err != nil {
		w.drop(log, dropInvalidPayload, "action payload is not valid JSON, dropping", "error", err)
		return
	}

	w.mu.Lock()
	if w.killing {
		w.mu.Unlock()
		w.drop(log, dropShuttingDown, "worker is shutting down, dropping action")
		return
	}
	if _, ok := w.inflight[a.StepRunID]; ok {
		w.mu.Unlock()
		w.drop(log, dropDuplicate, "step run already in flight, dropping")
		return
	}
	if prev, ok := w.recent.Get(a.StepRunID); ok {
		w.tasks.Add(1)
		w.mu.Unlock()
		w.replay(log, a, prev)
		return
	}
	t := w.newTask(a, h, params)
	w.inflight[a.StepRunID] = t
	w.tasks.Add(1)
	workerID := w.workerID
	w.mu.Unlock()

	if j := w.cfg.journal; j != nil {
		if err := j.RecordDispatched(context.Background(), workerID, a); err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				w.mu.Lock()
				delete(w.inflight, a.StepRunID)
				w.mu.Unlock()
				t.cancel()
				if prev, ok := w.journaledOutcome(context.Background(), a.StepRunID); ok {
					w.remember(a.StepRunID, prev)
					w.replay(log, a, prev)
					return
				}
				w.tasks.Done()
				w.drop(log, dropDuplicate, "step run already journaled, dropping")
				return
			}
			log.Error("journal step run failed", "error", err)
		}
	}
	go w.execute(t)
}

// replay reports the terminal event of an already settled step run again,
// for a Start the dispatcher redelivered. The caller has added to w.tasks.
func (w *Worker) replay(log *slog.Logger, a *schema.Action, o outcome) {
	log.Info("step run already settled, reporting outcome again", "event_type", o.typ)
	w.cfg.metrics.ActionDropped(dropSettled)
	go func() {
		defer w.tasks.Done()
		w.report(a, o.typ, o.payload)
	}()
}

func (w *Worker) remember(stepRunID string, o outcome) {
	w.mu.Lock()
	w.recent.Add(stepRunID, o)
	w.mu.Unlock()
}

// journaledOutcome recovers the terminal event of a journaled step run,
// from its event log or, failing that, from its settled status.
func (w *Worker) journaledOutcome(ctx context.Context, stepRunID string) (outcome, bool) {
	j := w.cfg.journal
	if events, err := j.GetEvents(ctx, stepRunID); err == nil {
		if ev, ok := store.LastTerminal(events); ok {
			return outcome{typ: ev.Type, payload: ev.Payload}, true
		}
	}
	r, err := j.GetStepRun(ctx, stepRunID)
	if err != nil || !r.Status.IsTerminal() {
		return outcome{}, false
	}
	var cause error
	if r.Error != "" {
		cause = errors.New(r.Error)
	}
	return statusOutcome(r.Status, nil, cause), true
}

func (w *Worker) newTask(a *schema.Action, h actions.Handler, params map[string]any) *task {
	ctx := logging.WithStepRunID(logging.WithWorkerID(w.base, w.workerID), a.StepRunID)
	ctx, cancel := context.WithCancel(ctx)
	t := &task{
		action:    a,
		handler:   h,
		params:    params,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
		reported:  make(chan struct{}),
	}
	t.fsm = newStepRunFSM(a.StepRunID, w.journalHook())
	return t
}

// journalHook mirrors step-run transitions into the journal.
func (w *Worker) journalHook() TransitionHook {
	return func(stepRunID string, _, to schema.StepRunStatus, reason string) {
		j := w.cfg.journal
		if j == nil {
			return
		}
		if err := j.UpdateStatus(context.Background(), stepRunID, to, reason); err != nil {
			w.logger.Warn("journal status update failed",
				"step_run_id", stepRunID, "status", to, "error", err)
		}
	}
}

func (w *Worker) execute(t *task) {
	w.cfg.metrics.StepRunStarted()
	w.report(t.action, schema.ActionEventStarted, nil)
	close(t.reported)
	w.logger.Debug("step run started", "step_run_id", t.action.StepRunID, "action_id", t.action.ActionID)

	err := w.pool.Submit(t.ctx, func(ctx context.Context) error {
		defer w.tasks.Done()
		return w.run(ctx, t)
	})
	if err != nil {
		// Never started: cancelled while queued or the pool is shut down.
		w.settle(t, schema.StepRunFailed, nil,
			schema.NewErrorf(schema.ErrCodeCancelled, "step run not started: %v", err).WithStepRun(t.action.StepRunID))
		w.tasks.Done()
	}
}

func (w *Worker) run(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeHandlerPanic, "handler %s panicked: %v", t.action.ActionID, r).
				WithStepRun(t.action.StepRunID)
			w.logger.Error("handler panicked",
				"step_run_id", t.action.StepRunID, "action_id", t.action.ActionID,
				"panic", r, "stack", string(debug.Stack()))
			w.settle(t, schema.StepRunFailed, nil, err)
		}
	}()

	if err := t.fsm.Transition(schema.StepRunRunning, ""); err != nil {
		// Settled before it got a slot.
		return nil
	}
	if err := w.validate(t); err != nil {
		w.settle(t, schema.StepRunFailed, nil, err)
		return err
	}

	out, err := t.handler.Execute(ctx, actions.Input{
		Payload: t.action.Payload,
		Params:  t.params,
		Action:  t.action,
	})
	if err != nil {
		w.settle(t, schema.StepRunFailed, nil, err)
		return err
	}
	var data json.RawMessage
	if out != nil {
		data = out.Data
	}
	w.settle(t, schema.StepRunSucceeded, data, nil)
	return nil
}

func (w *Worker) validate(t *task) error {
	in := t.handler.Schema().InputSchema
	if len(in) == 0 || w.cfg.validator == nil {
		return nil
	}
	if err := w.cfg.validator.ValidatePayload(t.action.Payload, in); err != nil {
		var re *schema.RelayError
		if errors.As(err, &re) {
			return re.WithStepRun(t.action.StepRunID)
		}
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err).WithStepRun(t.action.StepRunID)
	}
	return nil
}

// settle moves t to its final status and reports the terminal event. Only
// the first call for a task has any effect.
func (w *Worker) settle(t *task, status schema.StepRunStatus, data json.RawMessage, cause error) bool {
	if !w.claim(t) {
		return false
	}
	w.complete(t, status, data, cause)
	return true
}

// claim marks t settled and cancels its handler. It reports whether the
// caller won the right to complete t.
func (w *Worker) claim(t *task) bool {
	if !t.settled.CompareAndSwap(false, true) {
		return false
	}
	t.cancel()
	return true
}

func (w *Worker) complete(t *task, status schema.StepRunStatus, data json.RawMessage, cause error) {
	id := t.action.StepRunID
	o := statusOutcome(status, data, cause)

	w.mu.Lock()
	delete(w.inflight, id)
	w.recent.Add(id, o)
	w.mu.Unlock()

	var reason string
	if cause != nil {
		reason = cause.Error()
	}
	if err := t.fsm.Transition(status, reason); err != nil {
		w.logger.Warn("step run transition rejected", "step_run_id", id, "error", err)
	}

	<-t.reported
	w.report(t.action, o.typ, o.payload)
	w.cfg.metrics.StepRunSettled(string(status), time.Since(t.startedAt))

	log := w.logger.With("step_run_id", id, "action_id", t.action.ActionID, "status", status)
	if cause != nil && status != schema.StepRunCancelled {
		log.Warn("step run failed", "error", cause)
	} else {
		log.Info("step run settled")
	}
}

func (w *Worker) handleCancel(a *schema.Action) {
	w.mu.Lock()
	t, ok := w.inflight[a.StepRunID]
	if ok {
		w.tasks.Add(1)
	}
	w.mu.Unlock()
	if !ok {
		w.logger.Debug("cancel for unknown step run", "step_run_id", a.StepRunID)
		return
	}
	if !w.claim(t) {
		w.tasks.Done()
		return
	}
	w.logger.Info("cancelling step run", "step_run_id", a.StepRunID)
	// Completing waits on the Started report; keep it off the dispatch loop.
	go func() {
		defer w.tasks.Done()
		w.complete(t, schema.StepRunCancelled, nil,
			schema.NewError(schema.ErrCodeCancelled, "step run cancelled by dispatcher").WithStepRun(a.StepRunID))
	}()
}

// recoverUnsettled settles journaled step runs left open by a previous process.
func (w *Worker) recoverUnsettled(ctx context.Context) {
	j := w.cfg.journal
	if j == nil {
		return
	}
	runs, err := j.ListUnsettled(ctx)
	if err != nil {
		w.logger.Error("list unsettled step runs failed", "error", err)
		return
	}
	for _, r := range runs {
		log := w.logger.With("step_run_id", r.StepRunID, "action_id", r.ActionID)
		status := r.Status
		var events []*store.Event
		if evs, err := j.GetEvents(ctx, r.StepRunID); err != nil {
			log.Warn("load step run events failed", "error", err)
		} else if replayed, err := store.ReplayStatus(r.StepRunID, evs); err != nil {
			log.Warn("replay step run events failed", "error", err)
		} else {
			status, events = replayed, evs
		}

		if last, ok := store.LastTerminal(events); ok && status.IsTerminal() {
			// The terminal event was reported; only the journal lagged.
			w.remember(r.StepRunID, outcome{typ: last.Type, payload: last.Payload})
			w.journalSettle(ctx, r, status, "")
			continue
		}
		cause := schema.NewError(schema.ErrCodeExecution, restartedMessage).WithStepRun(r.StepRunID)
		o := statusOutcome(schema.StepRunFailed, nil, cause)
		w.remember(r.StepRunID, o)
		w.report(r.Action(), o.typ, o.payload)
		w.journalSettle(ctx, r, schema.StepRunFailed, restartedMessage)
		log.Info("settled step run left by previous process", "status", schema.StepRunFailed)
	}
}

func (w *Worker) journalSettle(ctx context.Context, r *store.StepRun, status schema.StepRunStatus, errMsg string) {
	j := w.cfg.journal
	if !schema.CanTransition(r.Status, status) && r.Status == schema.StepRunDispatched {
		if err := j.UpdateStatus(ctx, r.StepRunID, schema.StepRunRunning, ""); err != nil {
			w.logger.Warn("journal status update failed", "step_run_id", r.StepRunID, "error", err)
			return
		}
	}
	if err := j.UpdateStatus(ctx, r.StepRunID, status, errMsg); err != nil {
		w.logger.Warn("journal status update failed", "step_run_id", r.StepRunID, "error", err)
	}
}

// Stop shuts the worker down: it stops accepting actions, unsubscribes,
// waits for in-flight step runs (bounded by ctx and the shutdown timeout,
// after which the remaining ones are cancelled) and releases run-event
// subscriptions. Later calls return the first call's result.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.stopErr = w.shutdown(ctx)
		if w.cfg.exit != nil {
			code := 0
			if w.stopErr != nil {
				code = 1
			}
			w.cfg.exit(code)
		}
	})
	return w.stopErr
}

func (w *Worker) shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.killing = true
	l := w.listener
	runEvents := w.runEvents
	w.mu.Unlock()

	w.logger.Info("stopping worker")
	if l != nil {
		l.Unregister(ctx)
		l.Close()
	}

	waitCtx := ctx
	if w.cfg.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, w.cfg.shutdownTimeout)
		defer cancel()
	}

	var result error
	if !waitTasks(waitCtx, &w.tasks) {
		n := w.cancelInflight()
		w.logger.Warn("shutdown timed out, cancelled in-flight step runs", "cancelled", n)
		result = schema.NewErrorf(schema.ErrCodeCancelled, "shutdown timed out, cancelled %d step runs", n)
	}
	if err := w.pool.Shutdown(waitCtx); err != nil {
		w.logger.Debug("handler pool did not drain", "error", err)
	}
	w.cancelBase()

	if runEvents != nil {
		runEvents.Close()
	}
	w.logger.Info("worker stopped")
	return result
}

func (w *Worker) cancelInflight() int {
	w.mu.Lock()
	pending := make([]*task, 0, len(w.inflight))
	for _, t := range w.inflight {
		pending = append(pending, t)
	}
	w.mu.Unlock()

	n := 0
	for _, t := range pending {
		cause := schema.NewError(schema.ErrCodeCancelled, "worker shutting down").WithStepRun(t.action.StepRunID)
		if w.settle(t, schema.StepRunCancelled, nil, cause) {
			n++
		}
	}
	return n
}

func waitTasks(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// SubscribeToRun returns a waiter for the events of runID. Run-event
// subscriptions share one stream, opened on first use and reopened after
// it gives up.
func (w *Worker) SubscribeToRun(runID string) (*listener.Streamable, error) {
	if runID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "run id is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.killing {
		return nil, schema.NewError(schema.ErrCodeCancelled, "worker is stopped")
	}
	if w.runEvents == nil {
		var p *listener.PooledListener
		opts := append([]listener.Option{
			listener.WithLogger(w.logger),
			listener.WithMetrics(w.cfg.metrics),
			listener.WithOnFinish(func() {
				w.mu.Lock()
				if w.runEvents == p {
					w.runEvents = nil
				}
				w.mu.Unlock()
			}),
		}, w.cfg.poolOpts...)
		p = listener.NewPooledListener(w.session, opts...)
		w.runEvents = p
	}
	return w.runEvents.Subscribe(runID), nil
}

// decodePayload parses a JSON payload. Objects are returned as params;
// other valid JSON yields nil params.
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	params, _ := v.(map[string]any)
	return params, nil
}

type failure struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// failurePayload renders err as the payload of a Failed event.
func failurePayload(err error) json.RawMessage {
	f := failure{Error: "step run failed"}
	var re *schema.RelayError
	switch {
	case errors.As(err, &re):
		f = failure{Error: re.Message, Code: re.Code, Details: re.Details}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f = failure{Error: err.Error(), Code: schema.ErrCodeCancelled}
	case err != nil:
		f = failure{Error: err.Error(), Code: schema.ErrCodeExecution}
	}
	b, mErr := json.Marshal(f)
	if mErr != nil {
		b, _ = json.Marshal(failure{Error: f.Error, Code: f.Code})
	}
	return b
}
