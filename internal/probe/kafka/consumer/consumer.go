// Package consumer implements ConsumerStreamPool + ConsumerStreamingWorker
// (spec.md §4.3): one franz-go client per (testId, topic) in consumer-group
// mode, polling on a dedicated goroutine and decoding every fetched record
// through the schema registry. A decode failure is logged and the record is
// skipped rather than failing the whole stream.
package consumer

import (
	"context"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/kafka"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/logging"
	probestrings "github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/strings"
)

// commitBatchSize is how many records accumulate before an offset commit,
// matching spec.md §4.3 step 4 ("batches of 20").
const commitBatchSize = 20

// Decoder is the subset of *schemaregistry.Client a worker needs.
type Decoder interface {
	Decode(ctx context.Context, topic string, data []byte) (interface{}, error)
}

// Worker is one (testId, topic) consumer. PollFetches runs on a dedicated
// goroutine; FetchConsumedEvent reads from a mutex-guarded map populated by
// that goroutine, so there is no second message-loop inbox here (unlike the
// producer side, there is no caller-driven write path to serialize).
type Worker struct {
	testId  model.TestId
	topic   string
	client  *kgo.Client
	decoder Decoder
	filters []model.EventFilter

	mu       sync.Mutex
	consumed map[string]model.EventEnvelope // correlationId -> envelope
	pending  int

	stop chan struct{}
	done chan struct{}
}

// Start constructs the franz-go client in consumer-group mode and launches
// the poll loop.
func Start(seedBrokers []string, groupID string, testId model.TestId, directive model.KafkaSecurityDirective, filters []model.EventFilter, decoder Decoder) (*Worker, error) {
	opts, err := kafka.ClientOpts(seedBrokers, directive)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumeTopics(directive.Topic),
		kgo.ConsumerGroup(groupID),
		kgo.DisableAutoCommit(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errs.Wrap(errs.KafkaConsumerException, "create consumer client", err)
	}

	w := &Worker{
		testId:   testId,
		topic:    directive.Topic,
		client:   client,
		decoder:  decoder,
		filters:  filters,
		consumed: make(map[string]model.EventEnvelope),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.pollLoop()
	return w, nil
}

func (w *Worker) pollLoop() {
	defer close(w.done)

	ctx := context.Background()
	var toCommit []*kgo.Record

	for {
		select {
		case <-w.stop:
			w.commit(ctx, toCommit)
			return
		default:
		}

		fetches := w.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			w.commit(ctx, toCommit)
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			logging.Error("kafka.consumer", err, "fetch error on topic %s partition %d", topic, partition)
		})

		fetches.EachRecord(func(record *kgo.Record) {
			w.handleRecord(ctx, record)
			toCommit = append(toCommit, record)
			if len(toCommit) >= commitBatchSize {
				w.commit(ctx, toCommit)
				toCommit = nil
			}
		})
	}
}

func (w *Worker) handleRecord(ctx context.Context, record *kgo.Record) {
	decoded, err := w.decoder.Decode(ctx, w.topic, record.Value)
	if err != nil {
		reason := probestrings.TruncateDescription(err.Error(), probestrings.DefaultDescriptionMaxLen)
		logging.Warn("kafka.consumer", "decode failed for topic %s, skipping record: %s", w.topic, reason)
		return
	}

	headers := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}

	if len(w.filters) > 0 && !w.matchesAnyFilter(headers) {
		return
	}

	correlationId := headers["correlationId"]
	if correlationId == "" {
		correlationId = string(record.Key)
	}

	encodedValue, ok := decoded.([]byte)
	if !ok {
		encodedValue = record.Value
	}

	envelope := model.EventEnvelope{
		CorrelationId: correlationId,
		Key:           record.Key,
		Value:         encodedValue,
		Headers:       headers,
	}

	w.mu.Lock()
	w.consumed[correlationId] = envelope
	w.mu.Unlock()
}

func (w *Worker) matchesAnyFilter(headers map[string]string) bool {
	eventType := headers["eventType"]
	version := headers["version"]
	for _, f := range w.filters {
		if f.Matches(eventType, version) {
			return true
		}
	}
	return false
}

func (w *Worker) commit(ctx context.Context, records []*kgo.Record) {
	if len(records) == 0 {
		return
	}
	if err := w.client.CommitRecords(ctx, records...); err != nil {
		logging.Error("kafka.consumer", err, "commit failed for topic %s", w.topic)
	}
}

// FetchConsumedEvent returns the last consumed event matching correlationId,
// if any has arrived yet.
func (w *Worker) FetchConsumedEvent(ctx context.Context, correlationId string) (model.EventEnvelope, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	envelope, ok := w.consumed[correlationId]
	return envelope, ok
}

// Stop closes the client, which unblocks an in-flight PollFetches by
// returning a closed-client result, and signals the idle path via w.stop;
// either way pollLoop commits any pending offsets and exits before this
// returns.
func (w *Worker) Stop() {
	close(w.stop)
	w.client.Close()
	<-w.done
}
