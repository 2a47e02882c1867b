// Package producer implements ProducerStreamPool + ProducerStreamingWorker
// (spec.md §4.4): one franz-go client per (testId, topic), driven by a
// single message loop goroutine, encoding every event through the schema
// registry before a synchronous produce.
package producer

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/kafka"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/registry"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/logging"
)

// Encoder is the subset of *schemaregistry.Client a worker needs; an
// interface so tests can substitute a fake without a live registry.
type Encoder interface {
	Encode(ctx context.Context, topic string, value interface{}) ([]byte, error)
}

type produceRequest struct {
	ctx   context.Context
	event model.EventEnvelope
	reply chan registry.ProduceResult
}

// Worker is one (testId, topic) producer: a single inbox goroutine owns the
// franz-go client exclusively, so ProduceEvent calls never race each other
// on the same client.
type Worker struct {
	testId  model.TestId
	topic   string
	client  *kgo.Client
	encoder Encoder
	inbox   chan produceRequest
	done    chan struct{}
}

// Start constructs the franz-go client for directive and launches the
// worker's message loop. The caller is responsible for registering the
// returned Worker in the process-wide directory.
func Start(seedBrokers []string, testId model.TestId, directive model.KafkaSecurityDirective, encoder Encoder) (*Worker, error) {
	opts, err := kafka.ClientOpts(seedBrokers, directive)
	if err != nil {
		return nil, err
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errs.Wrap(errs.KafkaProducerException, "create producer client", err)
	}

	w := &Worker{
		testId:  testId,
		topic:   directive.Topic,
		client:  client,
		encoder: encoder,
		inbox:   make(chan produceRequest, 32),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Worker) loop() {
	defer close(w.done)
	defer w.client.Close()
	for req := range w.inbox {
		req.reply <- w.produceOne(req.ctx, req.event)
	}
}

func (w *Worker) produceOne(ctx context.Context, event model.EventEnvelope) registry.ProduceResult {
	payload, err := w.encoder.Encode(ctx, w.topic, event.Value)
	if err != nil {
		logging.Error("kafka.producer", err, "encode failed for topic %s", w.topic)
		return registry.ProduceResult{Acked: false, ErrorDetail: "encode failed"}
	}

	record := &kgo.Record{
		Topic: w.topic,
		Key:   event.Key,
		Value: payload,
	}
	for k, v := range event.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	result := w.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		logging.Error("kafka.producer", err, "produce failed for topic %s", w.topic)
		return registry.ProduceResult{Acked: false, ErrorDetail: "produce nack"}
	}
	return registry.ProduceResult{Acked: true}
}

// ProduceEvent enqueues event onto the worker's single message loop and
// blocks for the result, or ctx's deadline, whichever comes first.
func (w *Worker) ProduceEvent(ctx context.Context, event model.EventEnvelope) registry.ProduceResult {
	reply := make(chan registry.ProduceResult, 1)
	select {
	case w.inbox <- produceRequest{ctx: ctx, event: event, reply: reply}:
	case <-ctx.Done():
		return registry.ProduceResult{Acked: false, ErrorDetail: "context done before enqueue"}
	}

	select {
	case result := <-reply:
		return result
	case <-ctx.Done():
		return registry.ProduceResult{Acked: false, ErrorDetail: "context done awaiting result"}
	}
}

// Stop closes the inbox and waits for the message loop to exit and the
// client to close. Requests already queued are still produced before the
// loop exits.
func (w *Worker) Stop() {
	close(w.inbox)
	<-w.done
}
