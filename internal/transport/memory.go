package transport

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc/status"

	"github.com/rendis/relay/pkg/schema"
)

// MemorySession is an in-process dispatcher implementing Session. It routes
// dispatched actions to listening workers, fans run events out to subscribed
// streams, records everything the worker reports, and can inject failures
// into any call.
type MemorySession struct {
	mu sync.Mutex

	workerSeq  int
	registered []*schema.WorkerRegistration
	listeners  map[string]*memoryActionStream
	backlog    map[string][]*schema.Action
	runStreams map[*memoryRunStream]struct{}

	reported     []*schema.ActionEvent
	unsubscribed []string
	subscribes   []string
	listens      int

	registerErrs  []error
	listenErrs    []error
	subscribeErrs []error
	reportErrs    []error
}

// NewMemorySession creates an empty in-process dispatcher.
func NewMemorySession() *MemorySession {
	return &MemorySession{
		listeners:  make(map[string]*memoryActionStream),
		backlog:    make(map[string][]*schema.Action),
		runStreams: make(map[*memoryRunStream]struct{}),
	}
}

// FailRegister queues errors returned by successive Register calls.
func (m *MemorySession) FailRegister(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerErrs = append(m.registerErrs, errs...)
}

// FailListen queues errors returned by successive Listen calls.
func (m *MemorySession) FailListen(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenErrs = append(m.listenErrs, errs...)
}

// FailSubscribe queues errors returned by successive SubscribeToRunEvents calls.
func (m *MemorySession) FailSubscribe(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErrs = append(m.subscribeErrs, errs...)
}

// FailReport queues errors returned by successive ReportActionEvent calls.
func (m *MemorySession) FailReport(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportErrs = append(m.reportErrs, errs...)
}

func popErr(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func (m *MemorySession) Register(ctx context.Context, reg *schema.WorkerRegistration) (*schema.WorkerRegistered, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.registerErrs); err != nil {
		return nil, err
	}
	m.workerSeq++
	m.registered = append(m.registered, reg)
	return &schema.WorkerRegistered{WorkerID: fmt.Sprintf("worker-%d", m.workerSeq)}, nil
}

func (m *MemorySession) Listen(ctx context.Context, workerID string) (ActionStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listens++
	if err := popErr(&m.listenErrs); err != nil {
		return nil, err
	}
	s := &memoryActionStream{ctx: ctx, notify: make(chan struct{}, 1)}
	s.queue = append(s.queue, m.backlog[workerID]...)
	delete(m.backlog, workerID)
	if len(s.queue) > 0 {
		s.signal()
	}
	m.listeners[workerID] = s
	return s, nil
}

func (m *MemorySession) SubscribeToRunEvents(ctx context.Context) (RunEventStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.subscribeErrs); err != nil {
		return nil, err
	}
	s := &memoryRunStream{
		session: m,
		ctx:     ctx,
		subs:    make(map[string]bool),
		notify:  make(chan struct{}, 1),
	}
	m.runStreams[s] = struct{}{}
	return s, nil
}

func (m *MemorySession) ReportActionEvent(ctx context.Context, ev *schema.ActionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.reportErrs); err != nil {
		return err
	}
	m.reported = append(m.reported, ev)
	return nil
}

func (m *MemorySession) Unsubscribe(ctx context.Context, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, workerID)
	return nil
}

// Dispatch delivers an action to the worker's current listener, or holds it
// until the worker next calls Listen.
func (m *MemorySession) Dispatch(workerID string, a *schema.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.listeners[workerID]; ok && s.push(a) {
		return
	}
	m.backlog[workerID] = append(m.backlog[workerID], a)
}

// DropActionStream breaks the worker's current listen stream with err.
func (m *MemorySession) DropActionStream(workerID string, err error) {
	m.mu.Lock()
	s, ok := m.listeners[workerID]
	delete(m.listeners, workerID)
	m.mu.Unlock()
	if ok {
		s.fail(err)
	}
}

// PublishRunEvent sends ev to every open stream subscribed to its run.
// It returns the number of streams the event was delivered to.
func (m *MemorySession) PublishRunEvent(ev *schema.RunEvent) int {
	m.mu.Lock()
	streams := make([]*memoryRunStream, 0, len(m.runStreams))
	for s := range m.runStreams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range streams {
		if s.deliver(ev) {
			n++
		}
	}
	return n
}

// DropRunStreams breaks every open run-event stream with err.
func (m *MemorySession) DropRunStreams(err error) {
	m.mu.Lock()
	streams := m.runStreams
	m.runStreams = make(map[*memoryRunStream]struct{})
	m.mu.Unlock()
	for s := range streams {
		s.fail(err)
	}
}

// Reported returns a copy of every action event reported so far.
func (m *MemorySession) Reported() []*schema.ActionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.ActionEvent, len(m.reported))
	copy(out, m.reported)
	return out
}

// ReportedFor returns the reported events for one step run, in order.
func (m *MemorySession) ReportedFor(stepRunID string) []*schema.ActionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.ActionEvent
	for _, ev := range m.reported {
		if ev.StepRunID == stepRunID {
			out = append(out, ev)
		}
	}
	return out
}

// SubscribeCount returns how many subscribe requests were received for runID.
func (m *MemorySession) SubscribeCount(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.subscribes {
		if id == runID {
			n++
		}
	}
	return n
}

// Unsubscribed returns the worker IDs that called Unsubscribe.
func (m *MemorySession) Unsubscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubscribed...)
}

// Registrations returns every registration received.
func (m *MemorySession) Registrations() []*schema.WorkerRegistration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*schema.WorkerRegistration(nil), m.registered...)
}

// ListenCalls returns how many times Listen was called, including failed calls.
func (m *MemorySession) ListenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listens
}

func (m *MemorySession) recordSubscribe(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribes = append(m.subscribes, runID)
}

// contextErr mirrors how a gRPC stream reports its context ending.
func contextErr(ctx context.Context) error {
	return status.FromContextError(ctx.Err()).Err()
}

type memoryActionStream struct {
	ctx    context.Context
	mu     sync.Mutex
	queue  []*schema.Action
	err    error
	notify chan struct{}
}

func (s *memoryActionStream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memoryActionStream) push(a *schema.Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil || s.ctx.Err() != nil {
		return false
	}
	s.queue = append(s.queue, a)
	s.signal()
	return true
}

func (s *memoryActionStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.signal()
}

func (s *memoryActionStream) Recv() (*schema.Action, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			a := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return a, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.ctx.Done():
			return nil, contextErr(s.ctx)
		}
	}
}

type memoryRunStream struct {
	session *MemorySession
	ctx     context.Context
	mu      sync.Mutex
	subs    map[string]bool
	queue   []*schema.RunEvent
	err     error
	notify  chan struct{}
}

func (s *memoryRunStream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memoryRunStream) Send(req *schema.SubscribeRequest) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	if err := s.ctx.Err(); err != nil {
		s.mu.Unlock()
		return contextErr(s.ctx)
	}
	s.subs[req.RunID] = true
	s.mu.Unlock()

	s.session.recordSubscribe(req.RunID)
	return nil
}

func (s *memoryRunStream) deliver(ev *schema.RunEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil || !s.subs[ev.RunID] {
		return false
	}
	s.queue = append(s.queue, ev)
	s.signal()
	return true
}

func (s *memoryRunStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.signal()
}

func (s *memoryRunStream) Recv() (*schema.RunEvent, error) {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.ctx.Done():
			return nil, contextErr(s.ctx)
		}
	}
}

var _ Session = (*MemorySession)(nil)
