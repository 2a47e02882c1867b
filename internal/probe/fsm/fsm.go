// Package fsm implements TestExecutionFSM (spec.md §4.2): one goroutine per
// test, one inbound channel, driving the test through its seven-state
// lifecycle and supervising the five children (feature loader, credential
// broker, BDD runner, producer pool, consumer pool) that do the actual work.
//
// The state field, and every other piece of FSM-owned state including the
// producers/consumers maps, is mutated only inside the FSM's own run loop.
// The one exception is directive, tree and security, which
// loadBlockStorageThenVault sets on its own goroutine before sending the
// msgChildReady that reports them; runTesting and runCompleted read tree and
// directive only in goroutines the run loop starts after that message. The
// other worker goroutines (loadBDD, loadProducers, loadConsumers) write no
// FSM state; they report back through the inbox and the run loop applies
// the change. This is the single-owner discipline muster's
// BaseService applies to its state/health fields, taken to its logical
// conclusion of one goroutine per unit rather than a mutex-guarded struct.
package fsm

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/credentials"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/features"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/registry"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/logging"
)

// ChildName identifies one of the five children the FSM supervises.
type ChildName string

const (
	ChildBlockStorage ChildName = "BlockStorage"
	ChildVault        ChildName = "Vault"
	ChildBDD          ChildName = "BDD"
	ChildProducer     ChildName = "Producer"
	ChildConsumer     ChildName = "Consumer"
)

var allChildren = [...]ChildName{ChildBlockStorage, ChildVault, ChildBDD, ChildProducer, ChildConsumer}

// ProducerChild is a running producer worker plus its lifecycle control.
type ProducerChild interface {
	registry.ProducerHandle
	Stop()
}

// ConsumerChild is a running consumer worker plus its lifecycle control.
type ConsumerChild interface {
	registry.ConsumerHandle
	Stop()
}

// ProducerStarter constructs and starts a producer worker for one topic.
type ProducerStarter func(testId model.TestId, directive model.KafkaSecurityDirective) (ProducerChild, error)

// ConsumerStarter constructs and starts a consumer worker for one topic.
type ConsumerStarter func(testId model.TestId, directive model.KafkaSecurityDirective, filters []model.EventFilter) (ConsumerChild, error)

// Dependencies are the collaborators injected into every FSM instance by the
// supervisor that spawns it.
type Dependencies struct {
	Loader         *features.Loader
	Broker         *credentials.Broker
	Directory      *registry.Directory
	StartProducer  ProducerStarter
	StartConsumer  ConsumerStarter
	RunBDD         BDDRunFunc
	PoisonPillWait time.Duration
	CleanupWait    time.Duration
}

// BDDRunFunc runs a test's staged feature tree and returns its result.
// fstest.MapFS satisfies fs.FS; the concrete type is threaded through as
// interface{} at this layer so the fsm package does not need to import
// testing/fstest directly.
type BDDRunFunc func(ctx context.Context, testId model.TestId, tree interface{}) (model.TestExecutionResult, error)

// Event is one of the unsolicited notifications the FSM sends to the
// scheduler. The scheduler type-switches on these.
type Event interface{ testId() model.TestId }

type baseEvent struct{ TestId model.TestId }

func (e baseEvent) testId() model.TestId { return e.TestId }

// TestID returns the TestId an Event pertains to, for callers outside this
// package that only have the Event interface (e.g. the scheduler dispatching
// on a shared events channel before type-switching to the concrete case).
func TestID(e Event) model.TestId { return e.testId() }

type EventTestInitialized struct{ baseEvent }
type EventTestLoaded struct{ baseEvent }
type EventTestStarted struct{ baseEvent }
type EventTestCompleted struct {
	baseEvent
	Result model.TestExecutionResult
}
type EventTestException struct {
	baseEvent
	Kind errs.Kind
}
type EventTestStopping struct{ baseEvent }

// InitResponse is returned by Init.
type InitResponse struct {
	TestId      model.TestId
	HintMessage string
}

// StartResponse is returned by Start.
type StartResponse struct {
	Accepted bool
}

// CancelResponse is returned by Cancel.
type CancelResponse struct {
	Cancelled bool
}

// StatusSnapshot is returned by GetStatus.
type StatusSnapshot struct {
	TestId    model.TestId
	State     model.TestState
	Success   *bool
	Result    model.TestExecutionResult
	ErrorKind errs.Kind
}

// Inbox messages, unexported: only this package's run loop ever receives
// them.
type (
	msgInit struct{ reply chan InitResponse }
	msgStart struct {
		bucket, testType string
		reply            chan StartResponse
	}
	msgGetStatus    struct{ reply chan StatusSnapshot }
	msgCancel       struct{ reply chan CancelResponse }
	msgStartTesting struct{}

	msgChildReady struct{ name ChildName }
	msgChildFailed struct {
		name ChildName
		kind errs.Kind
		err  error
	}
	msgChildTerminated struct{ name ChildName }
	msgProducerStarted struct {
		topic string
		child ProducerChild
	}
	msgConsumerStarted struct {
		topic string
		child ConsumerChild
	}
	msgBDDComplete      struct{ result model.TestExecutionResult }
	msgEvidenceUploaded struct{}
	msgPoisonPillFired  struct{}
	msgCleanupFired     struct{}

	msgTrnLoading   struct{}
	msgTrnLoaded    struct{}
	msgTrnTesting   struct{}
	msgTrnComplete  struct{}
	msgTrnException struct{ kind errs.Kind }
	msgTrnShutdown  struct{}
)

// FSM is one test's execution state machine.
type FSM struct {
	testId model.TestId
	state  model.TestState
	bucket string
	testType string

	deps   Dependencies
	events chan<- Event

	inbox chan interface{}

	tree      fsTree
	directive model.BlockStorageDirective
	security  map[string]model.KafkaSecurityDirective

	producers map[string]ProducerChild
	consumers map[string]ConsumerChild

	ready          map[ChildName]bool
	terminated     map[ChildName]bool
	stopping       bool
	loadingStarted bool
	result      model.TestExecutionResult
	success     *bool
	failureKind errs.Kind

	poisonPillTimer *time.Timer
	cleanupTimer    *time.Timer
}

// fsTree is the virtual feature tree handed to BDDRunner; kept as a narrow
// interface so this package does not need to import testing/fstest.
type fsTree interface{}

// Spawn constructs a new FSM for testId and starts its message loop. events
// receives every unsolicited notification (TestLoaded, TestCompleted,
// TestException, TestStopping) the scheduler needs to drive processQueue.
func Spawn(testId model.TestId, deps Dependencies, events chan<- Event) *FSM {
	f := &FSM{
		testId:     testId,
		state:      model.StateSetup,
		deps:       deps,
		events:     events,
		inbox:      make(chan interface{}, 32),
		security:   make(map[string]model.KafkaSecurityDirective),
		producers:  make(map[string]ProducerChild),
		consumers:  make(map[string]ConsumerChild),
		ready:      make(map[ChildName]bool, 5),
		terminated: make(map[ChildName]bool, 5),
	}
	go f.run()
	return f
}

// send is for use by the FSM's own goroutine and its worker goroutines
// (loadBDD, loadProducers, loadConsumers, runTesting, runCompleted, and the
// poison-pill/cleanup timers). Any of those can still be in flight after
// onChildTerminated closes the inbox, so send recovers instead of panicking
// on a send to a closed channel, identically to sendExternal.
func (f *FSM) send(msg interface{}) {
	defer func() { recover() }()
	f.inbox <- msg
}

// sendExternal is for the public API (Init/Start/GetStatus/Cancel), which
// callers may invoke after the FSM has already terminated and closed its
// inbox (e.g. a second Cancel, or a status poll that loses the race with
// ShuttingDown completing), and for loadProducers/loadConsumers, whose
// started-child message can likewise arrive after the close. It reports
// ok=false instead of panicking on a closed channel.
func (f *FSM) sendExternal(msg interface{}) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	f.inbox <- msg
	return true
}

// Init triggers Setup -> Loading.
func (f *FSM) Init(ctx context.Context) (InitResponse, error) {
	reply := make(chan InitResponse, 1)
	if !f.sendExternal(msgInit{reply: reply}) {
		return InitResponse{}, errs.New(errs.ServiceUnavailableException, "test has already terminated")
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return InitResponse{}, errs.New(errs.ServiceTimeoutException, "init reply timed out")
	}
}

// Start records bucket/testType and lets Loading/Loaded proceed.
func (f *FSM) Start(ctx context.Context, bucket, testType string) (StartResponse, error) {
	reply := make(chan StartResponse, 1)
	if !f.sendExternal(msgStart{bucket: bucket, testType: testType, reply: reply}) {
		return StartResponse{}, errs.New(errs.ServiceUnavailableException, "test has already terminated")
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return StartResponse{}, errs.New(errs.ServiceTimeoutException, "start reply timed out")
	}
}

// GetStatus synthesises a status snapshot without transitioning.
func (f *FSM) GetStatus(ctx context.Context) (StatusSnapshot, error) {
	reply := make(chan StatusSnapshot, 1)
	if !f.sendExternal(msgGetStatus{reply: reply}) {
		return StatusSnapshot{}, errs.New(errs.ServiceUnavailableException, "test has already terminated")
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return StatusSnapshot{}, errs.New(errs.ServiceTimeoutException, "status reply timed out")
	}
}

// Cancel forces ShuttingDown. Idempotent: calling it again after the test
// has already torn itself down reports cancelled=true rather than erroring,
// since the end state the caller wanted is already true.
func (f *FSM) Cancel(ctx context.Context) (CancelResponse, error) {
	reply := make(chan CancelResponse, 1)
	if !f.sendExternal(msgCancel{reply: reply}) {
		return CancelResponse{Cancelled: true}, nil
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return CancelResponse{}, errs.New(errs.ServiceTimeoutException, "cancel reply timed out")
	}
}

// StartTesting is sent only by the scheduler when this test is promoted
// off the pending queue.
func (f *FSM) StartTesting() {
	f.sendExternal(msgStartTesting{})
}

func (f *FSM) run() {
	f.armPoisonPill() // entering Setup
	for msg := range f.inbox {
		f.handle(msg)
	}
}

func (f *FSM) handle(msg interface{}) {
	switch m := msg.(type) {
	case msgInit:
		f.onInit(m)
	case msgStart:
		f.onStart(m)
	case msgGetStatus:
		f.onGetStatus(m)
	case msgCancel:
		f.onCancel(m)
	case msgStartTesting:
		f.onStartTesting()
	case msgChildReady:
		f.onChildReady(m.name)
	case msgChildFailed:
		f.transitionToException(m.kind, m.err)
	case msgChildTerminated:
		f.onChildTerminated(m.name)
	case msgProducerStarted:
		f.onProducerStarted(m)
	case msgConsumerStarted:
		f.onConsumerStarted(m)
	case msgBDDComplete:
		f.onBDDComplete(m.result)
	case msgEvidenceUploaded:
		f.enterShuttingDown()
	case msgPoisonPillFired:
		f.enterShuttingDown()
	case msgCleanupFired:
		f.enterShuttingDown()
	case msgTrnLoading:
		f.notify(EventTestInitialized{baseEvent{f.testId}})
		f.onTrnLoading()
	case msgTrnLoaded:
		f.notify(EventTestLoaded{baseEvent{f.testId}})
	case msgTrnTesting:
		f.notify(EventTestStarted{baseEvent{f.testId}})
		f.runTesting()
	case msgTrnComplete:
		f.notify(EventTestCompleted{baseEvent{f.testId}, f.result})
		f.runCompleted()
	case msgTrnException:
		f.notify(EventTestException{baseEvent{f.testId}, m.kind})
	case msgTrnShutdown:
		f.notify(EventTestStopping{baseEvent{f.testId}})
	}
}

func (f *FSM) onInit(m msgInit) {
	f.stopPoisonPill() // leaving Setup
	f.transitionTo(model.StateLoading)
	f.send(msgTrnLoading{})
	m.reply <- InitResponse{TestId: f.testId, HintMessage: "evidence will be uploaded under the test's bucket prefix"}
}

// onStart records bucket/testType and, if Loading hasn't already kicked off
// the FeatureLoader download (the bucket wasn't known when Init fired the
// TrnLoading hook), starts it now.
func (f *FSM) onStart(m msgStart) {
	f.bucket = m.bucket
	f.testType = m.testType
	if f.state == model.StateLoading && !f.loadingStarted {
		f.loadingStarted = true
		go f.loadBlockStorageThenVault()
	}
	m.reply <- StartResponse{Accepted: true}
}

func (f *FSM) onGetStatus(m msgGetStatus) {
	m.reply <- StatusSnapshot{TestId: f.testId, State: f.state, Success: f.success, Result: f.result, ErrorKind: f.failureKind}
}

func (f *FSM) onCancel(m msgCancel) {
	f.enterShuttingDown()
	m.reply <- CancelResponse{Cancelled: true}
}

// enterShuttingDown transitions to ShuttingDown and tells every child to
// stop, exactly once per test regardless of how many of Cancel, the
// poison-pill timer, the cleanup timer, and evidence upload race to trigger
// it.
func (f *FSM) enterShuttingDown() {
	if f.stopping {
		return
	}
	f.stopping = true
	f.stopPoisonPill()
	if f.cleanupTimer != nil {
		f.cleanupTimer.Stop()
	}
	f.transitionTo(model.StateShuttingDown)
	f.send(msgTrnShutdown{})
	f.broadcastStop()
}

func (f *FSM) stopPoisonPill() {
	if f.poisonPillTimer != nil {
		f.poisonPillTimer.Stop()
	}
}

func (f *FSM) onStartTesting() {
	if f.state != model.StateLoaded {
		return
	}
	f.transitionTo(model.StateTesting)
	f.send(msgTrnTesting{})
}

func (f *FSM) onChildReady(name ChildName) {
	f.ready[name] = true
	if len(f.ready) == len(allChildren) && f.state == model.StateLoading {
		f.transitionTo(model.StateLoaded)
		f.send(msgTrnLoaded{})
	}
}

// onProducerStarted is the only place f.producers is ever written, keeping
// it owned exclusively by the run loop: loadProducers reports each started
// child here instead of writing the map itself. A child that loses the race
// against shutdown (f.stopping already true by the time its start message
// is processed) is stopped immediately rather than left running unmanaged.
func (f *FSM) onProducerStarted(m msgProducerStarted) {
	if f.stopping {
		m.child.Stop()
		f.deps.Directory.UnregisterProducer(f.testId, m.topic)
		return
	}
	f.producers[m.topic] = m.child
}

func (f *FSM) onConsumerStarted(m msgConsumerStarted) {
	if f.stopping {
		m.child.Stop()
		f.deps.Directory.UnregisterConsumer(f.testId, m.topic)
		return
	}
	f.consumers[m.topic] = m.child
}

func (f *FSM) onChildTerminated(name ChildName) {
	f.terminated[name] = true
	if len(f.terminated) == len(allChildren) && f.state == model.StateShuttingDown {
		close(f.inbox)
	}
}

func (f *FSM) onBDDComplete(result model.TestExecutionResult) {
	if f.state != model.StateTesting {
		return
	}
	f.result = result
	f.success = &result.Passed
	f.transitionTo(model.StateCompleted)
	f.send(msgTrnComplete{})
}

func (f *FSM) transitionTo(next model.TestState) {
	if !f.state.Advances(next) {
		logging.Warn("fsm", "test %s: refusing non-monotonic transition %s -> %s", logging.TruncateID(f.testId.String()), f.state, next)
		return
	}
	f.state = next
}

func (f *FSM) transitionToException(kind errs.Kind, cause error) {
	if cause != nil {
		logging.Error("fsm", cause, "test %s: child exception (%s)", logging.TruncateID(f.testId.String()), kind)
	}
	f.failureKind = kind
	f.transitionTo(model.StateException)
	f.armCleanupTimer()
	f.send(msgTrnException{kind: kind})
}

func (f *FSM) notify(e Event) {
	select {
	case f.events <- e:
	default:
		logging.Warn("fsm", "test %s: scheduler event channel full, dropping %T", logging.TruncateID(f.testId.String()), e)
	}
}

func (f *FSM) armPoisonPill() {
	if f.deps.PoisonPillWait <= 0 {
		return
	}
	f.poisonPillTimer = time.AfterFunc(f.deps.PoisonPillWait, func() {
		f.send(msgPoisonPillFired{})
	})
}

func (f *FSM) armCleanupTimer() {
	wait := f.deps.CleanupWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	f.cleanupTimer = time.AfterFunc(wait, func() {
		f.send(msgCleanupFired{})
	})
}

// onTrnLoading is the deferred self-message hook fired immediately after
// Setup -> Loading. It does not yet know the bucket (that arrives with the
// scheduler's separate Start call), so the actual startup ordering of
// spec.md §4.2 — FeatureLoader and CredentialBroker sequentially, then
// BDDRunner/ProducerStreamPool/ConsumerStreamPool concurrently — kicks off
// from onStart instead. See loadBlockStorageThenVault.
func (f *FSM) onTrnLoading() {}

// loadBlockStorageThenVault runs FeatureLoader and CredentialBroker
// sequentially (the latter needs the former's topic list), then hands the
// resolved topics and security directives to BDDRunner, ProducerStreamPool
// and ConsumerStreamPool as plain arguments, so the three concurrent
// loaders never read FSM fields written by a sibling goroutine.
func (f *FSM) loadBlockStorageThenVault() {
	ctx := context.Background()
	directive, tree, err := f.deps.Loader.Initialize(ctx, f.testId, f.bucket)
	if err != nil {
		f.reportFailure(ChildBlockStorage, errs.BlockStorageException, err)
		return
	}
	f.directive = directive
	f.tree = tree
	f.send(msgChildReady{name: ChildBlockStorage})

	security := make(map[string]model.KafkaSecurityDirective, len(directive.TopicDirectives))
	for _, topic := range directive.TopicDirectives {
		d, derr := f.deps.Broker.Resolve(ctx, topic)
		if derr != nil {
			f.reportFailure(ChildVault, errs.VaultConsumerException, derr)
			return
		}
		security[topic.Topic] = d
	}
	f.security = security
	f.send(msgChildReady{name: ChildVault})

	go f.loadBDD()
	go f.loadProducers(directive.TopicDirectives, security)
	go f.loadConsumers(directive.TopicDirectives, security)
}

func (f *FSM) loadBDD() {
	// BDDRunner has nothing to initialize ahead of StartTest beyond the
	// staged feature tree, which loadBlockStorageThenVault already produced;
	// report ready immediately so the other four children gate readiness.
	f.send(msgChildReady{name: ChildBDD})
}

func (f *FSM) loadProducers(topics []model.TopicDirective, security map[string]model.KafkaSecurityDirective) {
	for _, topic := range topics {
		if topic.Role != model.RoleProducer {
			continue
		}
		directive := security[topic.Topic]
		child, err := f.deps.StartProducer(f.testId, directive)
		if err != nil {
			f.reportFailure(ChildProducer, errs.KafkaProducerException, err)
			return
		}
		f.deps.Directory.RegisterProducer(f.testId, topic.Topic, child)
		if !f.sendExternal(msgProducerStarted{topic: topic.Topic, child: child}) {
			// The run loop has already exited; nothing else will stop this child.
			child.Stop()
			f.deps.Directory.UnregisterProducer(f.testId, topic.Topic)
			return
		}
	}
	f.send(msgChildReady{name: ChildProducer})
}

func (f *FSM) loadConsumers(topics []model.TopicDirective, security map[string]model.KafkaSecurityDirective) {
	for _, topic := range topics {
		if topic.Role != model.RoleConsumer {
			continue
		}
		directive := security[topic.Topic]
		child, err := f.deps.StartConsumer(f.testId, directive, topic.EventFilters)
		if err != nil {
			f.reportFailure(ChildConsumer, errs.KafkaConsumerException, err)
			return
		}
		f.deps.Directory.RegisterConsumer(f.testId, topic.Topic, child)
		if !f.sendExternal(msgConsumerStarted{topic: topic.Topic, child: child}) {
			// The run loop has already exited; nothing else will stop this child.
			child.Stop()
			f.deps.Directory.UnregisterConsumer(f.testId, topic.Topic)
			return
		}
	}
	f.send(msgChildReady{name: ChildConsumer})
}

func (f *FSM) reportFailure(name ChildName, kind errs.Kind, err error) {
	f.send(msgChildFailed{name: name, kind: kind, err: err})
}

func (f *FSM) runTesting() {
	go func() {
		result, err := f.deps.RunBDD(context.Background(), f.testId, f.tree)
		if err != nil {
			f.reportFailure(ChildBDD, errs.CucumberException, err)
			return
		}
		f.send(msgBDDComplete{result: result})
	}()
}

func (f *FSM) runCompleted() {
	f.armPoisonPill()
	go func() {
		bundle := features.NewEvidenceBundle()
		ctx := context.Background()
		if err := f.deps.Loader.Upload(ctx, f.directive.Bucket, f.directive.EvidenceDir, bundle, time.Now()); err != nil {
			f.reportFailure(ChildBlockStorage, errs.BlockStorageException, err)
			return
		}
		f.send(msgEvidenceUploaded{})
	}()
}

// broadcastStop tells every child to stop and reports exactly one
// msgChildTerminated per logical child (spec.md §4.3/§4.4 treat
// ProducerStreamPool/ConsumerStreamPool as one child each, however many
// topics they stream), so ShuttingDown completes even for a test with zero
// producer or consumer topics. It snapshots f.producers/f.consumers here,
// on the run loop's own goroutine, before handing the snapshots to the
// errgroup workers below: those workers run concurrently with the run loop
// processing further inbox messages (including late msgProducerStarted/
// msgConsumerStarted arrivals), so they must never touch the live maps
// themselves.
func (f *FSM) broadcastStop() {
	producers := make(map[string]ProducerChild, len(f.producers))
	for topic, child := range f.producers {
		producers[topic] = child
	}
	consumers := make(map[string]ConsumerChild, len(f.consumers))
	for topic, child := range f.consumers {
		consumers[topic] = child
	}

	group, _ := errgroup.WithContext(context.Background())
	group.Go(func() error {
		for topic, child := range producers {
			child.Stop()
			f.deps.Directory.UnregisterProducer(f.testId, topic)
		}
		f.send(msgChildTerminated{name: ChildProducer})
		return nil
	})
	group.Go(func() error {
		for topic, child := range consumers {
			child.Stop()
			f.deps.Directory.UnregisterConsumer(f.testId, topic)
		}
		f.send(msgChildTerminated{name: ChildConsumer})
		return nil
	})
	group.Go(func() error {
		f.send(msgChildTerminated{name: ChildBlockStorage})
		return nil
	})
	group.Go(func() error {
		f.send(msgChildTerminated{name: ChildVault})
		return nil
	})
	group.Go(func() error {
		f.send(msgChildTerminated{name: ChildBDD})
		return nil
	})
	go group.Wait()
}
