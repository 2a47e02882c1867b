package fsm

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/credentials"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/features"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/registry"
)

// fakeStorage is an in-memory features.BlockStorage, keyed by "bucket|key"
// to match how Loader.Initialize composes its Download calls: the
// descriptor download passes the full descriptor key verbatim alongside a
// bucket derived from its first path segment, while feature-file downloads
// pass the descriptor's declared bucket alongside each file's own key.
type fakeStorage struct {
	objects map[string][]byte
}

func (s *fakeStorage) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	data, ok := s.objects[bucket+"|"+key]
	if !ok {
		return nil, assert.AnError
	}
	return data, nil
}

func (s *fakeStorage) Upload(ctx context.Context, bucket, key string, data []byte) error {
	return nil
}

const oneTopicDescriptor = `
bucket: feature-bucket
featureFiles:
  - features/order.feature
topics:
  - topic: orders
    role: PRODUCER
  - topic: payments
    role: CONSUMER
`

const zeroTopicDescriptor = `
bucket: feature-bucket
featureFiles:
  - features/order.feature
topics: []
`

func newLoader(t *testing.T, descriptorKey, descriptorYAML string) *features.Loader {
	t.Helper()
	storage := &fakeStorage{objects: map[string][]byte{
		"control|" + descriptorKey:                 []byte(descriptorYAML),
		"feature-bucket|features/order.feature": []byte("Feature: order\n"),
	}}
	return features.New(storage)
}

func newBroker() *credentials.Broker {
	// Every test topic below omits ClientPrincipal, so Resolve never
	// touches the vault adapter or mapping.
	return credentials.NewBroker(nil, nil)
}

// fakeProducer/fakeConsumer satisfy ProducerChild/ConsumerChild.
type fakeProducer struct{ stopped chan struct{} }

func newFakeProducer() *fakeProducer { return &fakeProducer{stopped: make(chan struct{})} }

func (p *fakeProducer) ProduceEvent(ctx context.Context, event model.EventEnvelope) registry.ProduceResult {
	return registry.ProduceResult{Acked: true}
}

func (p *fakeProducer) Stop() { close(p.stopped) }

type fakeConsumer struct{ stopped chan struct{} }

func newFakeConsumer() *fakeConsumer { return &fakeConsumer{stopped: make(chan struct{})} }

func (c *fakeConsumer) FetchConsumedEvent(ctx context.Context, correlationId string) (model.EventEnvelope, bool) {
	return model.EventEnvelope{}, false
}

func (c *fakeConsumer) Stop() { close(c.stopped) }

func testDeps(t *testing.T, descriptorKey, descriptorYAML string, bddResult model.TestExecutionResult, bddErr error) Dependencies {
	t.Helper()
	return Dependencies{
		Loader:    newLoader(t, descriptorKey, descriptorYAML),
		Broker:    newBroker(),
		Directory: registry.New(),
		StartProducer: func(testId model.TestId, directive model.KafkaSecurityDirective) (ProducerChild, error) {
			return newFakeProducer(), nil
		},
		StartConsumer: func(testId model.TestId, directive model.KafkaSecurityDirective, filters []model.EventFilter) (ConsumerChild, error) {
			return newFakeConsumer(), nil
		},
		RunBDD: func(ctx context.Context, testId model.TestId, tree interface{}) (model.TestExecutionResult, error) {
			if bddErr != nil {
				return model.TestExecutionResult{}, bddErr
			}
			result := bddResult
			result.TestId = testId
			return result, nil
		},
		PoisonPillWait: time.Hour,
		CleanupWait:    50 * time.Millisecond,
	}
}

func awaitState(t *testing.T, f *FSM, want model.TestState) StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		status, err := f.GetStatus(ctx)
		cancel()
		require.NoError(t, err)
		if status.State == want {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("test %s: timed out waiting for state %s, last seen %s", f.testId, want, status.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFSMHappyPathReachesCompleted(t *testing.T) {
	testId := uuid.New()
	events := make(chan Event, 16)
	deps := testDeps(t, "control/"+testId.String()+"/descriptor.yaml", oneTopicDescriptor,
		model.TestExecutionResult{Passed: true, ScenarioCount: 1, ScenariosPassed: 1}, nil)

	f := Spawn(testId, deps, events)
	ctx := context.Background()

	_, err := f.Init(ctx)
	require.NoError(t, err)

	_, err = f.Start(ctx, "control/"+testId.String()+"/descriptor.yaml", "smoke")
	require.NoError(t, err)

	awaitState(t, f, model.StateLoaded)
	requireEvent(t, events, func(e Event) bool { _, ok := e.(EventTestLoaded); return ok })

	f.StartTesting()
	status := awaitState(t, f, model.StateCompleted)
	require.NotNil(t, status.Success)
	assert.True(t, *status.Success)
	requireEvent(t, events, func(e Event) bool { _, ok := e.(EventTestCompleted); return ok })
}

func TestFSMZeroTopicsStillReachesLoadedAndCompletes(t *testing.T) {
	testId := uuid.New()
	events := make(chan Event, 16)
	deps := testDeps(t, "control/"+testId.String()+"/descriptor.yaml", zeroTopicDescriptor,
		model.TestExecutionResult{Passed: true}, nil)

	f := Spawn(testId, deps, events)
	ctx := context.Background()

	_, err := f.Init(ctx)
	require.NoError(t, err)
	_, err = f.Start(ctx, "control/"+testId.String()+"/descriptor.yaml", "smoke")
	require.NoError(t, err)

	awaitState(t, f, model.StateLoaded)

	f.StartTesting()
	awaitState(t, f, model.StateCompleted)

	cancelCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.Cancel(cancelCtx)
	require.NoError(t, err)
}

func TestFSMCancelDuringLoadingMovesToShuttingDown(t *testing.T) {
	testId := uuid.New()
	events := make(chan Event, 16)
	deps := testDeps(t, "control/"+testId.String()+"/descriptor.yaml", oneTopicDescriptor,
		model.TestExecutionResult{Passed: true}, nil)

	f := Spawn(testId, deps, events)
	ctx := context.Background()

	_, err := f.Init(ctx)
	require.NoError(t, err)

	cancelResp, err := f.Cancel(ctx)
	require.NoError(t, err)
	assert.True(t, cancelResp.Cancelled)

	status := awaitState(t, f, model.StateShuttingDown)
	assert.Equal(t, model.StateShuttingDown, status.State)

	// Idempotent: a second Cancel after shutdown has fully completed (the
	// inbox closed) must not panic, and still reports cancelled=true.
	time.Sleep(100 * time.Millisecond)
	idemCtx, cancelFn := context.WithTimeout(context.Background(), time.Second)
	defer cancelFn()
	idemResp, err := f.Cancel(idemCtx)
	require.NoError(t, err)
	assert.True(t, idemResp.Cancelled)
}

// TestFSMCancelDuringLoadingStopsLateArrivingChildren reproduces the
// ordering that used to race loadProducers' map write against
// broadcastStop's map range: StartProducer is held open past the point
// where Cancel has already moved the FSM into ShuttingDown, so the eventual
// msgProducerStarted for it arrives after f.stopping is true. It must be
// stopped immediately rather than inserted into a map broadcastStop has
// already swept, and the FSM must not crash or hang.
func TestFSMCancelDuringLoadingStopsLateArrivingChildren(t *testing.T) {
	testId := uuid.New()
	events := make(chan Event, 16)
	deps := testDeps(t, "control/"+testId.String()+"/descriptor.yaml", oneTopicDescriptor,
		model.TestExecutionResult{Passed: true}, nil)

	started := make(chan *fakeProducer, 1)
	release := make(chan struct{})
	deps.StartProducer = func(testId model.TestId, directive model.KafkaSecurityDirective) (ProducerChild, error) {
		<-release
		p := newFakeProducer()
		started <- p
		return p, nil
	}

	f := Spawn(testId, deps, events)
	ctx := context.Background()

	_, err := f.Init(ctx)
	require.NoError(t, err)
	_, err = f.Start(ctx, "control/"+testId.String()+"/descriptor.yaml", "smoke")
	require.NoError(t, err)

	cancelResp, err := f.Cancel(ctx)
	require.NoError(t, err)
	assert.True(t, cancelResp.Cancelled)
	awaitState(t, f, model.StateShuttingDown)

	close(release)
	var p *fakeProducer
	select {
	case p = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("StartProducer never ran")
	}

	select {
	case <-p.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("producer that started after shutdown began was never stopped")
	}
}

func TestFSMChildFailureDuringLoadingEntersExceptionThenShutsDown(t *testing.T) {
	testId := uuid.New()
	events := make(chan Event, 16)
	deps := testDeps(t, "control/"+testId.String()+"/descriptor.yaml", oneTopicDescriptor,
		model.TestExecutionResult{}, nil)
	deps.StartProducer = func(testId model.TestId, directive model.KafkaSecurityDirective) (ProducerChild, error) {
		return nil, errs.New(errs.KafkaProducerException, "broker unreachable")
	}

	f := Spawn(testId, deps, events)
	ctx := context.Background()

	_, err := f.Init(ctx)
	require.NoError(t, err)
	_, err = f.Start(ctx, "control/"+testId.String()+"/descriptor.yaml", "smoke")
	require.NoError(t, err)

	status := awaitState(t, f, model.StateException)
	assert.Equal(t, errs.KafkaProducerException, status.ErrorKind)

	requireEvent(t, events, func(e Event) bool {
		exc, ok := e.(EventTestException)
		return ok && exc.Kind == errs.KafkaProducerException
	})

	// The cleanup timer (50ms in testDeps) fires and moves to ShuttingDown
	// without any further external input.
	awaitState(t, f, model.StateShuttingDown)
}

func TestFSMBDDFailurePassesThroughWithSuccessFalse(t *testing.T) {
	testId := uuid.New()
	events := make(chan Event, 16)
	deps := testDeps(t, "control/"+testId.String()+"/descriptor.yaml", zeroTopicDescriptor,
		model.TestExecutionResult{Passed: false, FailureNote: "1 step(s) failed"}, nil)

	f := Spawn(testId, deps, events)
	ctx := context.Background()

	_, err := f.Init(ctx)
	require.NoError(t, err)
	_, err = f.Start(ctx, "control/"+testId.String()+"/descriptor.yaml", "smoke")
	require.NoError(t, err)

	awaitState(t, f, model.StateLoaded)
	f.StartTesting()

	status := awaitState(t, f, model.StateCompleted)
	require.NotNil(t, status.Success)
	assert.False(t, *status.Success)
	assert.Equal(t, "1 step(s) failed", status.Result.FailureNote)
}

func TestFSMTreeFilesAreLoadedIntoFstestMapFS(t *testing.T) {
	testId := uuid.New()
	descriptorKey := "control/" + testId.String() + "/descriptor.yaml"
	storage := &fakeStorage{objects: map[string][]byte{
		"control|" + descriptorKey:             []byte(oneTopicDescriptor),
		"feature-bucket|features/order.feature": []byte("Feature: order\n"),
	}}
	loader := features.New(storage)

	directive, tree, err := loader.Initialize(context.Background(), testId, descriptorKey)
	require.NoError(t, err)
	assert.Len(t, directive.TopicDirectives, 2)

	_, err = tree.Open("features/order.feature")
	assert.NoError(t, err)
}

func requireEvent(t *testing.T, events chan Event, match func(Event) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if match(e) {
				return
			}
		case <-deadline:
			t.Fatalf("expected matching event was never observed")
		}
	}
}
