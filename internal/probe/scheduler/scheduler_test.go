package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/credentials"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/features"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/fsm"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/registry"
)

// fakeStorage is a minimal features.BlockStorage backing every descriptor a
// test submits with the same zero-topic fixture, keyed "bucket|key" to
// match how Loader.Initialize composes its Download calls.
type fakeStorage struct{}

const descriptorYAML = `
bucket: feature-bucket
featureFiles:
  - features/order.feature
topics: []
`

func (s *fakeStorage) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "feature-bucket" && key == "features/order.feature" {
		return []byte("Feature: order\n"), nil
	}
	return []byte(descriptorYAML), nil
}

func (s *fakeStorage) Upload(ctx context.Context, bucket, key string, data []byte) error {
	return nil
}

func testDeps(bddDelay time.Duration) fsm.Dependencies {
	return fsm.Dependencies{
		Loader:    features.New(&fakeStorage{}),
		Broker:    credentials.NewBroker(nil, nil),
		Directory: registry.New(),
		StartProducer: func(testId model.TestId, directive model.KafkaSecurityDirective) (fsm.ProducerChild, error) {
			return nil, nil
		},
		StartConsumer: func(testId model.TestId, directive model.KafkaSecurityDirective, filters []model.EventFilter) (fsm.ConsumerChild, error) {
			return nil, nil
		},
		RunBDD: func(ctx context.Context, testId model.TestId, tree interface{}) (model.TestExecutionResult, error) {
			if bddDelay > 0 {
				time.Sleep(bddDelay)
			}
			return model.TestExecutionResult{TestId: testId, Passed: true}, nil
		},
		PoisonPillWait: time.Hour,
		CleanupWait:    time.Hour,
	}
}

func submitAndStart(t *testing.T, s *Scheduler, bucket string) model.TestId {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	submitResp, err := s.Submit(ctx)
	require.NoError(t, err)

	startResp, err := s.Start(ctx, submitResp.TestId, bucket, "smoke")
	require.NoError(t, err)
	require.True(t, startResp.Accepted)

	return submitResp.TestId
}

func awaitState(t *testing.T, s *Scheduler, testId model.TestId, want model.TestState) fsm.StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		snap, err := s.Status(ctx, testId)
		cancel()
		if err == nil && snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("test %s: timed out waiting for state %s", testId, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSchedulerSubmitThenStartReachesCompleted(t *testing.T) {
	s := New(testDeps(0))
	testId := submitAndStart(t, s, "control")

	status := awaitState(t, s, testId, model.StateCompleted)
	require.NotNil(t, status.Success)
	assert.True(t, *status.Success)
}

func TestSchedulerQueueStatusCountsTests(t *testing.T) {
	s := New(testDeps(0))
	submitAndStart(t, s, "control")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	qs, err := s.QueueStatus(ctx, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, qs.TotalTests, 1)
}

func TestSchedulerStatusUnknownTestIdIsNotFound(t *testing.T) {
	s := New(testDeps(0))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Status(ctx, model.NewTestId())
	require.Error(t, err)
}

func TestSchedulerCancelUnknownTestIdIsNotFound(t *testing.T) {
	s := New(testDeps(0))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := s.Cancel(ctx, model.NewTestId())
	require.Error(t, err)
	assert.False(t, resp.Cancelled)
}

// TestSchedulerFIFOPromotesOneAtATime submits three tests, slows each one's
// BDD run slightly so loading/promotion interleave realistically, and
// asserts only one is ever Testing at a time while all three eventually
// complete.
func TestSchedulerFIFOPromotesOneAtATime(t *testing.T) {
	s := New(testDeps(80 * time.Millisecond))

	ids := make([]model.TestId, 3)
	for i := range ids {
		ids[i] = submitAndStart(t, s, "control")
	}

	for _, id := range ids {
		status := awaitState(t, s, id, model.StateCompleted)
		require.NotNil(t, status.Success)
		assert.True(t, *status.Success)
	}
}

// fakeRecorder counts Recorder callbacks under a mutex since the scheduler
// invokes it from its own goroutine, concurrently with test assertions.
type fakeRecorder struct {
	mu         sync.Mutex
	submitted  int
	loaded     int
	completed  int
	exceptions int
	lastDepth  int
}

func (r *fakeRecorder) TestSubmitted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted++
}

func (r *fakeRecorder) TestLoaded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded++
}

func (r *fakeRecorder) TestCompleted(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *fakeRecorder) TestException(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exceptions++
}

func (r *fakeRecorder) QueueDepth(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastDepth = n
}

func (r *fakeRecorder) snapshot() (submitted, loaded, completed, exceptions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitted, r.loaded, r.completed, r.exceptions
}

func TestSchedulerRecordsMetricsAcrossALifecycle(t *testing.T) {
	rec := &fakeRecorder{}
	s := NewWithMetrics(testDeps(0), rec)

	testId := submitAndStart(t, s, "control")
	awaitState(t, s, testId, model.StateCompleted)

	submitted, loaded, completed, _ := rec.snapshot()
	assert.Equal(t, 1, submitted)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, 1, completed)
}

func TestSchedulerSubmitRejectsAtCapacity(t *testing.T) {
	s := NewWithCapacity(testDeps(time.Hour), &fakeRecorder{}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := s.Submit(ctx)
	require.NoError(t, err)
	require.NotEqual(t, model.TestId{}, first.TestId)

	_, err = s.Submit(ctx)
	require.Error(t, err)
}

func TestSchedulerCancelDuringLoadingClearsEntry(t *testing.T) {
	s := New(testDeps(0))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	submitResp, err := s.Submit(ctx)
	require.NoError(t, err)

	cancelResp, err := s.Cancel(ctx, submitResp.TestId)
	require.NoError(t, err)
	assert.True(t, cancelResp.Cancelled)

	deadline := time.Now().Add(2 * time.Second)
	for {
		statusCtx, statusCancel := context.WithTimeout(context.Background(), time.Second)
		_, statusErr := s.Status(statusCtx, submitResp.TestId)
		statusCancel()
		if statusErr != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected test entry to be removed after cancel, it never was")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
