// Package api implements PublicAPI (spec.md §4.9): the small surface every
// interface adapter (the HTTP façade, the CLI, BDD step code) actually
// calls. It is a thin wrapper — every scheduler-facing method is a
// context-bounded forward to internal/probe/scheduler, and the two
// streaming operations are direct directory lookups, exactly as spec.md
// describes them.
package api

import (
	"context"
	"time"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/fsm"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/registry"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/scheduler"
)

// fetchPollInterval bounds how often FetchConsumedEvent re-checks the
// directory while waiting out its caller-supplied timeout.
const fetchPollInterval = 50 * time.Millisecond

// FetchStatus is the outcome of FetchConsumedEvent.
type FetchStatus string

const (
	ConsumedAck     FetchStatus = "ConsumedAck"
	ConsumedTimeout FetchStatus = "ConsumedTimeout"
)

// API is the PublicAPI facade: a QueueScheduler and the process-wide
// streaming directory, bound together behind the handful of calls an
// adapter needs.
type API struct {
	scheduler *scheduler.Scheduler
	directory *registry.Directory
}

// New constructs a facade over an already-running scheduler and the
// directory its FSMs register streaming workers into.
func New(s *scheduler.Scheduler, directory *registry.Directory) *API {
	return &API{scheduler: s, directory: directory}
}

// SubmitTest allocates a new test and begins Setup->Loading.
func (a *API) SubmitTest(ctx context.Context) (scheduler.SubmitResult, error) {
	return a.scheduler.Submit(ctx)
}

// StartTest supplies the bucket/testType a previously submitted test needs
// to actually begin loading.
func (a *API) StartTest(ctx context.Context, testId model.TestId, bucket, testType string) (scheduler.StartResult, error) {
	return a.scheduler.Start(ctx, testId, bucket, testType)
}

// GetStatus returns a point-in-time snapshot of testId's execution state.
func (a *API) GetStatus(ctx context.Context, testId model.TestId) (fsm.StatusSnapshot, error) {
	return a.scheduler.Status(ctx, testId)
}

// CancelTest forces testId into ShuttingDown.
func (a *API) CancelTest(ctx context.Context, testId model.TestId) (fsm.CancelResponse, error) {
	return a.scheduler.Cancel(ctx, testId)
}

// QueueStatus summarizes registry-wide state. testId is an advisory filter
// (see DESIGN.md); passing nil returns the unfiltered summary.
func (a *API) QueueStatus(ctx context.Context, testId *model.TestId) (scheduler.QueueStatusResult, error) {
	return a.scheduler.QueueStatus(ctx, testId)
}

// ProduceEvent looks up the (testId, topic) producer stream and dispatches
// event to it. NotFound if no such stream is registered — the test hasn't
// reached Loaded, already finished, or the topic isn't a PRODUCER topic.
func (a *API) ProduceEvent(ctx context.Context, testId model.TestId, topic string, event model.EventEnvelope) (registry.ProduceResult, error) {
	handle, ok := a.directory.LookupProducer(testId, topic)
	if !ok {
		return registry.ProduceResult{}, errs.New(errs.NotFound, "no producer stream registered for test/topic")
	}
	return handle.ProduceEvent(ctx, event), nil
}

// FetchConsumedEvent polls the (testId, topic) consumer stream's registry
// for correlationId until it appears or timeout elapses. NotFound if no
// such stream is registered at all.
func (a *API) FetchConsumedEvent(ctx context.Context, testId model.TestId, topic, correlationId string, timeout time.Duration) (model.EventEnvelope, FetchStatus, error) {
	handle, ok := a.directory.LookupConsumer(testId, topic)
	if !ok {
		return model.EventEnvelope{}, ConsumedTimeout, errs.New(errs.NotFound, "no consumer stream registered for test/topic")
	}

	deadline := time.Now().Add(timeout)
	for {
		if envelope, found := handle.FetchConsumedEvent(ctx, correlationId); found {
			return envelope, ConsumedAck, nil
		}
		if time.Now().After(deadline) {
			return model.EventEnvelope{}, ConsumedTimeout, nil
		}
		select {
		case <-ctx.Done():
			return model.EventEnvelope{}, ConsumedTimeout, ctx.Err()
		case <-time.After(fetchPollInterval):
		}
	}
}
