// Package registry implements the process-wide directory described in
// spec.md §3/§5: two concurrent maps from (testId, topic) to a streaming
// worker handle. The writer is the test's FSM, which inserts a worker's
// entry exactly once after the worker starts and removes it when it stops
// the worker; readers are BDD step
// code, which only ever looks entries up. Keys always include the TestId,
// so there is no cross-test key collision even though the directory is
// shared process-wide state.
//
// This mirrors muster's pattern of a single process-wide concurrent
// lookup table (internal/services.ServiceRegistry) adapted from a
// name-keyed registry of long-lived services to a (testId, topic)-keyed
// registry of per-test streaming workers.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
)

// ProducerHandle is the subset of ProducerStreamingWorker the directory and
// BDD steps need.
type ProducerHandle interface {
	ProduceEvent(ctx context.Context, event model.EventEnvelope) ProduceResult
}

// ConsumerHandle is the subset of ConsumerStreamingWorker the directory and
// BDD steps need.
type ConsumerHandle interface {
	FetchConsumedEvent(ctx context.Context, correlationId string) (model.EventEnvelope, bool)
}

// ProduceResult is the outcome of a single ProduceEvent call.
type ProduceResult struct {
	Acked       bool
	ErrorDetail string
}

type key struct {
	testId model.TestId
	topic  string
}

func (k key) String() string {
	return fmt.Sprintf("%s/%s", k.testId, k.topic)
}

// Directory is the process-wide (testId, topic) -> handle lookup table.
// The zero value is not usable; use New.
type Directory struct {
	producers sync.Map // key -> ProducerHandle
	consumers sync.Map // key -> ConsumerHandle
}

// New returns an empty, ready-to-use Directory.
func New() *Directory {
	return &Directory{}
}

// RegisterProducer inserts a producer handle for (testId, topic). Called
// exactly once by the test's FSM after the producer worker has started.
func (d *Directory) RegisterProducer(testId model.TestId, topic string, h ProducerHandle) {
	d.producers.Store(key{testId, topic}, h)
}

// RegisterConsumer inserts a consumer handle for (testId, topic). Called
// exactly once by the test's FSM after the consumer worker has started.
func (d *Directory) RegisterConsumer(testId model.TestId, topic string, h ConsumerHandle) {
	d.consumers.Store(key{testId, topic}, h)
}

// UnregisterProducer removes the producer entry for (testId, topic). Called
// by the test's FSM when it stops the worker.
func (d *Directory) UnregisterProducer(testId model.TestId, topic string) {
	d.producers.Delete(key{testId, topic})
}

// UnregisterConsumer removes the consumer entry for (testId, topic). Called
// by the test's FSM when it stops the worker.
func (d *Directory) UnregisterConsumer(testId model.TestId, topic string) {
	d.consumers.Delete(key{testId, topic})
}

// LookupProducer returns the registered producer handle, if any.
func (d *Directory) LookupProducer(testId model.TestId, topic string) (ProducerHandle, bool) {
	v, ok := d.producers.Load(key{testId, topic})
	if !ok {
		return nil, false
	}
	return v.(ProducerHandle), true
}

// LookupConsumer returns the registered consumer handle, if any.
func (d *Directory) LookupConsumer(testId model.TestId, topic string) (ConsumerHandle, bool) {
	v, ok := d.consumers.Load(key{testId, topic})
	if !ok {
		return nil, false
	}
	return v.(ConsumerHandle), true
}

// RemoveAllForTest drops every producer and consumer entry belonging to
// testId under the given topics. No production code calls it: the FSM
// unregisters each worker individually as it stops it.
func (d *Directory) RemoveAllForTest(testId model.TestId, topics []string) {
	for _, topic := range topics {
		d.UnregisterProducer(testId, topic)
		d.UnregisterConsumer(testId, topic)
	}
}
