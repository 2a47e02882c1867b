// Package scheduler implements QueueScheduler (spec.md §4.1): the sole
// coordinator of test admission, ordering, and single-runner enforcement.
// Like fsm.FSM, it is one goroutine owning its own state — entries, the
// spawned FSMs, the pending queue, and the currently-testing id — reached
// only through its own message loop, never by direct field access.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/fsm"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/logging"
)

// defaultReplyTimeout bounds a forwarded FSM call the scheduler issues on a
// caller's behalf (Init at Submit, Start at Start) when nothing else bounds
// it; it matches the façade's own default reply timeout (SPEC_FULL.md §6).
const defaultReplyTimeout = 25 * time.Second

// SubmitResult is returned by Submit.
type SubmitResult struct {
	TestId      model.TestId
	HintMessage string
}

// StartResult is returned by Start.
type StartResult struct {
	Accepted bool
}

// QueueStatusResult is returned by QueueStatus.
type QueueStatusResult struct {
	TotalTests       int
	CountsByState    map[model.TestState]int
	CurrentlyTesting *model.TestId
}

type submitMsg struct{ reply chan submitReply }
type submitReply struct {
	result SubmitResult
	err    error
}

type startMsg struct {
	testId           model.TestId
	bucket, testType string
	reply            chan startReply
}
type startReply struct {
	result StartResult
	err    error
}

type statusMsg struct {
	testId model.TestId
	ctx    context.Context
	reply  chan statusReply
}
type statusReply struct {
	snapshot fsm.StatusSnapshot
	err      error
}

type cancelMsg struct {
	testId model.TestId
	ctx    context.Context
	reply  chan cancelReply
}
type cancelReply struct {
	result fsm.CancelResponse
	err    error
}

type queueStatusMsg struct {
	testId *model.TestId // advisory filter, spec.md Open Question; currently ignored, see DESIGN.md
	reply  chan QueueStatusResult
}

// Recorder receives observational callbacks from the scheduler's own event
// handling. It is consulted for nothing: a nil-safe observer, never a
// decision-maker, per SPEC_FULL.md's metrics feature.
type Recorder interface {
	TestSubmitted()
	TestLoaded()
	TestCompleted(success bool)
	TestException(kind string)
	QueueDepth(n int)
}

type noopRecorder struct{}

func (noopRecorder) TestSubmitted()       {}
func (noopRecorder) TestLoaded()          {}
func (noopRecorder) TestCompleted(bool)   {}
func (noopRecorder) TestException(string) {}
func (noopRecorder) QueueDepth(int)       {}

// Scheduler is the single coordinator described above.
type Scheduler struct {
	deps     fsm.Dependencies
	metrics  Recorder
	capacity int

	inbox     chan interface{}
	fsmEvents chan fsm.Event

	entries      map[model.TestId]*model.TestEntry
	fsms         map[model.TestId]*fsm.FSM
	pendingQueue []model.TestId
	currentTest  *model.TestId
}

// New constructs a Scheduler. deps is shared across every test the
// scheduler admits: FeatureLoader, CredentialBroker, the registry
// Directory, and the producer/consumer/BDD starters are process-wide
// collaborators, not per-test ones. Metrics observation is a no-op and
// admission is unbounded; see NewWithMetrics/NewWithCapacity for either.
func New(deps fsm.Dependencies) *Scheduler {
	return newScheduler(deps, noopRecorder{}, 0)
}

// NewWithMetrics is New with an explicit Recorder, typically *metrics.Metrics.
func NewWithMetrics(deps fsm.Dependencies, rec Recorder) *Scheduler {
	return newScheduler(deps, rec, 0)
}

// NewWithCapacity is NewWithMetrics with an admission cap: once capacity
// tracked tests exist, Submit refuses new ones with ServiceUnavailableException
// rather than growing the queue unbounded (spec.md §6's queue.capacity).
// capacity <= 0 means unbounded, matching New/NewWithMetrics.
func NewWithCapacity(deps fsm.Dependencies, rec Recorder, capacity int) *Scheduler {
	return newScheduler(deps, rec, capacity)
}

func newScheduler(deps fsm.Dependencies, rec Recorder, capacity int) *Scheduler {
	s := &Scheduler{
		deps:      deps,
		metrics:   rec,
		capacity:  capacity,
		inbox:     make(chan interface{}, 64),
		fsmEvents: make(chan fsm.Event, 256),
		entries:   make(map[model.TestId]*model.TestEntry),
		fsms:      make(map[model.TestId]*fsm.FSM),
	}
	go s.run()
	return s
}

// Submit allocates a fresh TestId, registers it in Setup, spawns its FSM,
// and forwards Init. The FSM's own reply to Init is not awaited here: the
// scheduler's reply carries a generic upload hint since the bucket isn't
// known until the caller's separate Start call.
func (s *Scheduler) Submit(ctx context.Context) (SubmitResult, error) {
	reply := make(chan submitReply, 1)
	s.inbox <- submitMsg{reply: reply}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return SubmitResult{}, errs.New(errs.ServiceTimeoutException, "submit reply timed out")
	}
}

// Start records bucket/testType against testId and forwards Start to its
// FSM. Replies accepted=true unconditionally for a known testId, per
// spec.md §4.1; NotFound for an unknown one.
func (s *Scheduler) Start(ctx context.Context, testId model.TestId, bucket, testType string) (StartResult, error) {
	reply := make(chan startReply, 1)
	s.inbox <- startMsg{testId: testId, bucket: bucket, testType: testType, reply: reply}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return StartResult{}, errs.New(errs.ServiceTimeoutException, "start reply timed out")
	}
}

// Status forwards GetStatus to testId's FSM, which replies directly (this
// call does not go through the scheduler's own state). NotFound is
// synthesised here when testId is unknown.
func (s *Scheduler) Status(ctx context.Context, testId model.TestId) (fsm.StatusSnapshot, error) {
	reply := make(chan statusReply, 1)
	s.inbox <- statusMsg{testId: testId, ctx: ctx, reply: reply}
	select {
	case r := <-reply:
		return r.snapshot, r.err
	case <-ctx.Done():
		return fsm.StatusSnapshot{}, errs.New(errs.ServiceTimeoutException, "status reply timed out")
	}
}

// Cancel forwards Cancel to testId's FSM. NotFound is synthesised here when
// testId is unknown.
func (s *Scheduler) Cancel(ctx context.Context, testId model.TestId) (fsm.CancelResponse, error) {
	reply := make(chan cancelReply, 1)
	s.inbox <- cancelMsg{testId: testId, ctx: ctx, reply: reply}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return fsm.CancelResponse{}, errs.New(errs.ServiceTimeoutException, "cancel reply timed out")
	}
}

// QueueStatus returns counts per state plus the currently-testing id. The
// optional testId filter is advisory and currently has no effect; see
// DESIGN.md.
func (s *Scheduler) QueueStatus(ctx context.Context, testId *model.TestId) (QueueStatusResult, error) {
	reply := make(chan QueueStatusResult, 1)
	s.inbox <- queueStatusMsg{testId: testId, reply: reply}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return QueueStatusResult{}, errs.New(errs.ServiceTimeoutException, "queue status reply timed out")
	}
}

func (s *Scheduler) run() {
	for {
		select {
		case msg := <-s.inbox:
			s.handleRequest(msg)
		case ev := <-s.fsmEvents:
			s.handleEvent(ev)
		}
	}
}

func (s *Scheduler) handleRequest(msg interface{}) {
	switch m := msg.(type) {
	case submitMsg:
		s.onSubmit(m)
	case startMsg:
		s.onStart(m)
	case statusMsg:
		s.onStatus(m)
	case cancelMsg:
		s.onCancel(m)
	case queueStatusMsg:
		s.onQueueStatus(m)
	}
}

func (s *Scheduler) onSubmit(m submitMsg) {
	if s.capacity > 0 && len(s.entries) >= s.capacity {
		m.reply <- submitReply{err: errs.New(errs.ServiceUnavailableException, "queue at capacity")}
		return
	}

	testId := model.NewTestId()
	s.entries[testId] = &model.TestEntry{TestId: testId, State: model.StateSetup}
	f := fsm.Spawn(testId, s.deps, s.fsmEvents)
	s.fsms[testId] = f

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultReplyTimeout)
		defer cancel()
		if _, err := f.Init(ctx); err != nil {
			logging.Warn("scheduler", "test %s: forwarding Init failed: %v", logging.TruncateID(testId.String()), err)
		}
	}()

	s.metrics.TestSubmitted()

	m.reply <- submitReply{result: SubmitResult{
		TestId:      testId,
		HintMessage: fmt.Sprintf("upload feature files to <bucket>/%s/, then call Start with that bucket", testId),
	}}
}

func (s *Scheduler) onStart(m startMsg) {
	entry, ok := s.entries[m.testId]
	f, fok := s.fsms[m.testId]
	if !ok || !fok {
		m.reply <- startReply{err: errs.New(errs.NotFound, "unknown testId")}
		return
	}

	now := time.Now()
	entry.Bucket = m.bucket
	entry.TestType = m.testType
	entry.StartRequestAt = &now

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultReplyTimeout)
		defer cancel()
		if _, err := f.Start(ctx, m.bucket, m.testType); err != nil {
			logging.Warn("scheduler", "test %s: forwarding Start failed: %v", logging.TruncateID(m.testId.String()), err)
		}
	}()

	m.reply <- startReply{result: StartResult{Accepted: true}}
}

func (s *Scheduler) onStatus(m statusMsg) {
	f, ok := s.fsms[m.testId]
	if !ok {
		m.reply <- statusReply{err: errs.New(errs.NotFound, "unknown testId")}
		return
	}
	go func() {
		snap, err := f.GetStatus(m.ctx)
		m.reply <- statusReply{snapshot: snap, err: err}
	}()
}

func (s *Scheduler) onCancel(m cancelMsg) {
	f, ok := s.fsms[m.testId]
	if !ok {
		m.reply <- cancelReply{result: fsm.CancelResponse{Cancelled: false}, err: errs.New(errs.NotFound, "unknown testId")}
		return
	}
	go func() {
		result, err := f.Cancel(m.ctx)
		m.reply <- cancelReply{result: result, err: err}
	}()
}

func (s *Scheduler) onQueueStatus(m queueStatusMsg) {
	counts := make(map[model.TestState]int, len(s.entries))
	for _, e := range s.entries {
		counts[e.State]++
	}
	m.reply <- QueueStatusResult{
		TotalTests:       len(s.entries),
		CountsByState:    counts,
		CurrentlyTesting: s.currentTest,
	}
}

// handleEvent updates the TestEntry for the event's test and, for the four
// events spec.md §4.1 names, re-runs processQueue.
func (s *Scheduler) handleEvent(ev fsm.Event) {
	switch e := ev.(type) {
	case fsm.EventTestInitialized:
		s.setState(e.TestId, model.StateLoading)
	case fsm.EventTestLoaded:
		s.onTestLoaded(e.TestId)
	case fsm.EventTestStarted:
		s.setState(e.TestId, model.StateTesting)
	case fsm.EventTestCompleted:
		s.onTestCompleted(e)
	case fsm.EventTestException:
		s.onTestException(e)
	case fsm.EventTestStopping:
		s.onTestStopping(e.TestId)
	}
}

func (s *Scheduler) setState(testId model.TestId, state model.TestState) {
	entry, ok := s.entries[testId]
	if !ok {
		logging.Warn("scheduler", "test %s: event for unknown entry, dropping", logging.TruncateID(testId.String()))
		return
	}
	if !entry.State.Advances(state) {
		return
	}
	entry.State = state
}

// onTestLoaded admits testId to the pending queue in arrival order (this is
// invariant 2, FIFO-by-Loaded-time: appending here, in the single-threaded
// event handler, rather than at Start as spec.md §4.1's operation table
// literally reads, is what actually keeps promotion order tied to Loaded
// arrival instead of Start-call order; see DESIGN.md) and re-runs
// processQueue.
func (s *Scheduler) onTestLoaded(testId model.TestId) {
	s.setState(testId, model.StateLoaded)
	if _, ok := s.entries[testId]; !ok {
		return
	}
	now := time.Now()
	s.entries[testId].LoadedAt = &now
	s.pendingQueue = append(s.pendingQueue, testId)
	s.metrics.TestLoaded()
	s.metrics.QueueDepth(len(s.pendingQueue))
	s.processQueue()
}

func (s *Scheduler) onTestCompleted(e fsm.EventTestCompleted) {
	entry, ok := s.entries[e.TestId]
	if !ok {
		return
	}
	if entry.State.Advances(model.StateCompleted) {
		entry.State = model.StateCompleted
	}
	passed := e.Result.Passed
	entry.Success = &passed
	now := time.Now()
	entry.EndedAt = &now
	s.metrics.TestCompleted(passed)
	s.clearCurrentTestIfSelf(e.TestId)
	s.processQueue()
}

func (s *Scheduler) onTestException(e fsm.EventTestException) {
	entry, ok := s.entries[e.TestId]
	if !ok {
		return
	}
	entry.State = model.StateException
	entry.ErrorKind = string(e.Kind)
	s.metrics.TestException(string(e.Kind))
	s.clearCurrentTestIfSelf(e.TestId)
	s.processQueue()
}

// onTestStopping is the closest signal this scheduler gets to "the FSM is
// terminating": spec.md §4.1's "child FSM termination signal" clears the
// TestEntry and currentTest and re-runs processQueue, and TestStopping is
// the last notification a terminating FSM ever sends (see DESIGN.md).
func (s *Scheduler) onTestStopping(testId model.TestId) {
	delete(s.entries, testId)
	delete(s.fsms, testId)
	s.removeFromPendingQueue(testId)
	s.clearCurrentTestIfSelf(testId)
	s.processQueue()
}

func (s *Scheduler) clearCurrentTestIfSelf(testId model.TestId) {
	if s.currentTest != nil && *s.currentTest == testId {
		s.currentTest = nil
	}
}

func (s *Scheduler) removeFromPendingQueue(testId model.TestId) {
	for i, id := range s.pendingQueue {
		if id == testId {
			s.pendingQueue = append(s.pendingQueue[:i], s.pendingQueue[i+1:]...)
			s.metrics.QueueDepth(len(s.pendingQueue))
			return
		}
	}
}

// processQueue promotes the head of the pending queue to currentTest and
// tells its FSM to start testing, if no test is currently running.
func (s *Scheduler) processQueue() {
	if s.currentTest != nil || len(s.pendingQueue) == 0 {
		return
	}
	next := s.pendingQueue[0]
	s.pendingQueue = s.pendingQueue[1:]
	s.metrics.QueueDepth(len(s.pendingQueue))
	s.currentTest = &next

	f, ok := s.fsms[next]
	if !ok {
		// Raced with the test's own termination; drop and try the next one.
		s.currentTest = nil
		s.processQueue()
		return
	}
	f.StartTesting()
}
