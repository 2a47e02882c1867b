// Package integration exercises the probe end to end (SPEC_FULL.md §8):
// scheduler, FSM, credential broker, feature loader, BDD runner, and the
// streaming directory wired together the same way lifecycle.Boot wires
// them, but with fakes standing in for object storage, vault, and the
// Kafka wire itself, grounded on grafana-tempo's livestore.InMemoryKafkaClient
// fake idiom (a mutex-guarded in-memory topic store) rather than a real
// broker connection.
package integration

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/api"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/bdd"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/bdd/steps"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/credentials"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/features"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/fsm"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/registry"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/scheduler"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/logging"
)

// fakeStorage is an in-memory features.BlockStorage keyed "bucket|key", the
// same indirection internal/probe/fsm's and internal/probe/scheduler's own
// test fakes use.
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads []string
}

func newFakeStorage(objects map[string][]byte) *fakeStorage {
	return &fakeStorage{objects: objects}
}

func (s *fakeStorage) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"|"+key]
	if !ok {
		return nil, fmt.Errorf("no object at %s|%s", bucket, key)
	}
	return data, nil
}

func (s *fakeStorage) Upload(ctx context.Context, bucket, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"|"+key] = data
	s.uploads = append(s.uploads, bucket+"|"+key)
	return nil
}

// uploadCount reports how many times Upload has been called, so a test can
// assert a cancelled test never staged evidence.
func (s *fakeStorage) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// fakeVaultAdapter returns a canned credential document for every
// clientPrincipal, unless failPrincipal matches, in which case it returns
// an error (simulating an unreachable vault for that one principal).
type fakeVaultAdapter struct {
	credentialJSON string
	failPrincipal  string
}

func (v *fakeVaultAdapter) FetchCredential(ctx context.Context, clientPrincipal string) ([]byte, error) {
	if clientPrincipal == v.failPrincipal {
		return nil, errs.New(errs.VaultConsumerException, "vault unreachable")
	}
	return []byte(v.credentialJSON), nil
}

// kafkaBroker is the in-memory topic store producer/consumer fakes share,
// keyed by (testId, topic). Each record optionally carries a corrupt flag
// to exercise S4's malformed-record handling without a real decode step.
type kafkaBroker struct {
	mu      sync.Mutex
	records map[string][]brokerRecord
}

type brokerRecord struct {
	envelope model.EventEnvelope
	corrupt  bool
}

func newKafkaBroker() *kafkaBroker {
	return &kafkaBroker{records: make(map[string][]brokerRecord)}
}

func brokerKey(testId model.TestId, topic string) string {
	return testId.String() + "/" + topic
}

func (b *kafkaBroker) publish(testId model.TestId, topic string, rec brokerRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := brokerKey(testId, topic)
	b.records[key] = append(b.records[key], rec)
}

// seedCorruptRecord injects a corrupt record directly, bypassing Produce, so
// a test can set up S4's "one corrupt, one valid" fixture before the FSM
// even starts.
func (b *kafkaBroker) seedCorruptRecord(testId model.TestId, topic string) {
	b.publish(testId, topic, brokerRecord{corrupt: true})
}

// fakeProducer is a (testId, topic) ProducerChild backed by kafkaBroker.
// A topic named in noSchemaTopics simulates a schema registry lookup miss:
// every produce to it nacks with "404/schema_not_found", matching S3,
// without otherwise affecting the broker.
type fakeProducer struct {
	broker        *kafkaBroker
	testId        model.TestId
	topic         string
	noSchemaTopic bool
	stopped       chan struct{}
}

func newFakeProducer(broker *kafkaBroker, testId model.TestId, topic string, noSchemaTopic bool) *fakeProducer {
	return &fakeProducer{broker: broker, testId: testId, topic: topic, noSchemaTopic: noSchemaTopic, stopped: make(chan struct{})}
}

func (p *fakeProducer) ProduceEvent(ctx context.Context, event model.EventEnvelope) registry.ProduceResult {
	if p.noSchemaTopic {
		return registry.ProduceResult{Acked: false, ErrorDetail: "404/schema_not_found"}
	}
	p.broker.publish(p.testId, p.topic, brokerRecord{envelope: event})
	return registry.ProduceResult{Acked: true}
}

func (p *fakeProducer) Stop() { close(p.stopped) }

// fakeConsumer is a (testId, topic) ConsumerChild backed by kafkaBroker.
// A corrupt record logs exactly one warn and is skipped, matching S4's
// "consumer stream did not terminate" requirement: FetchConsumedEvent keeps
// scanning past it rather than erroring out.
type fakeConsumer struct {
	broker  *kafkaBroker
	testId  model.TestId
	topic   string
	stopped chan struct{}

	mu   sync.Mutex
	seen map[int]bool
}

func newFakeConsumer(broker *kafkaBroker, testId model.TestId, topic string) *fakeConsumer {
	return &fakeConsumer{broker: broker, testId: testId, topic: topic, stopped: make(chan struct{}), seen: make(map[int]bool)}
}

func (c *fakeConsumer) FetchConsumedEvent(ctx context.Context, correlationId string) (model.EventEnvelope, bool) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	key := brokerKey(c.testId, c.topic)
	for i, rec := range c.broker.records[key] {
		c.mu.Lock()
		alreadyWarned := c.seen[i]
		c.seen[i] = true
		c.mu.Unlock()

		if rec.corrupt {
			if !alreadyWarned {
				logging.Warn("kafka.consumer", "test %s: discarding malformed record on topic %s", logging.TruncateID(c.testId.String()), c.topic)
			}
			continue
		}
		if rec.envelope.CorrelationId == correlationId {
			return rec.envelope, true
		}
	}
	return model.EventEnvelope{}, false
}

func (c *fakeConsumer) Stop() { close(c.stopped) }

// bddRunner adapts bdd.Runner + steps.Context to fsm.BDDRunFunc, identical
// in shape to internal/probe/lifecycle's own bddRunner: this is the wiring
// production code uses, reproduced here so the integration tests exercise
// the same produce/consume step library real tests run against.
func bddRunner(directory *registry.Directory) fsm.BDDRunFunc {
	return func(ctx context.Context, testId model.TestId, tree interface{}) (model.TestExecutionResult, error) {
		fsys, ok := tree.(fs.FS)
		if !ok {
			return model.TestExecutionResult{}, errs.New(errs.CucumberException, "feature tree is not a filesystem")
		}
		stepCtx := steps.NewContext(testId, directory)
		runner := bdd.NewRunner(stepCtx.Register)
		return runner.StartTest(ctx, testId, fsys)
	}
}

// harness wires a scheduler and an api.API exactly the way lifecycle.Boot
// wires the production ones, with every external collaborator (object
// storage, vault, the Kafka wire) replaced by a fake from this file.
type harness struct {
	api       *api.API
	scheduler *scheduler.Scheduler
	directory *registry.Directory
	broker    *kafkaBroker
	storage   *fakeStorage
}

// newHarness builds a harness running the real BDD step library against
// the shared in-memory broker. noSchemaTopics names producer topics that
// should nack every produce with a schema-registry-miss error (S3).
func newHarness(storageObjects map[string][]byte, vault credentials.VaultAdapter, mapping *credentials.Mapping, noSchemaTopics map[string]bool) *harness {
	directory := registry.New()
	return newHarnessWithBDD(storageObjects, vault, mapping, noSchemaTopics, bddRunner(directory), directory)
}

// newHarnessWithBDD is newHarness with an overridable RunBDD, so a test can
// substitute a synthetic runner (a fixed delay, a canned pass/fail) instead
// of driving real Gherkin scenarios, the same tradeoff scheduler_test.go's
// own testDeps(bddDelay) makes.
func newHarnessWithBDD(storageObjects map[string][]byte, vault credentials.VaultAdapter, mapping *credentials.Mapping, noSchemaTopics map[string]bool, runBDD fsm.BDDRunFunc, directory *registry.Directory) *harness {
	if noSchemaTopics == nil {
		noSchemaTopics = map[string]bool{}
	}
	storage := newFakeStorage(storageObjects)
	broker := newKafkaBroker()

	deps := fsm.Dependencies{
		Loader:    features.New(storage),
		Broker:    credentials.NewBroker(vault, mapping),
		Directory: directory,
		StartProducer: func(testId model.TestId, directive model.KafkaSecurityDirective) (fsm.ProducerChild, error) {
			return newFakeProducer(broker, testId, directive.Topic, noSchemaTopics[directive.Topic]), nil
		},
		StartConsumer: func(testId model.TestId, directive model.KafkaSecurityDirective, filters []model.EventFilter) (fsm.ConsumerChild, error) {
			return newFakeConsumer(broker, testId, directive.Topic), nil
		},
		RunBDD:         runBDD,
		PoisonPillWait: time.Hour,
		CleanupWait:    50 * time.Millisecond,
	}

	s := scheduler.New(deps)
	return &harness{api: api.New(s, directory), scheduler: s, directory: directory, broker: broker, storage: storage}
}
