// Package steps provides the probe's built-in produce/consume step library:
// scenario steps that look up the child producer/consumer streams for the
// running test in the process-wide directory (spec.md §4.7) rather than
// owning any Kafka client themselves.
package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cucumber/godog"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/registry"
)

// pollInterval/pollTimeout bound how long an "I should receive" step waits
// for a record to arrive before failing the scenario.
const (
	pollInterval = 50 * time.Millisecond
	pollTimeout  = 10 * time.Second
)

// Context carries the per-test state a scenario's steps need: which test is
// running, and where to look up its streaming workers.
type Context struct {
	TestId    model.TestId
	Directory *registry.Directory

	lastReceived model.EventEnvelope
}

// NewContext constructs a step Context bound to one running test.
func NewContext(testId model.TestId, directory *registry.Directory) *Context {
	return &Context{TestId: testId, Directory: directory}
}

// Register wires the built-in step definitions into a godog scenario
// context. Callers that need additional steps register them alongside this
// in their own ScenarioInitializer.
func (c *Context) Register(sc *godog.ScenarioContext) {
	sc.Step(`^I produce an event to "([^"]*)" with correlation id "([^"]*)" and body "([^"]*)"$`, c.iProduceAnEvent)
	sc.Step(`^I should receive an event on "([^"]*)" with correlation id "([^"]*)"$`, c.iShouldReceiveAnEvent)
	sc.Step(`^the received event body should contain "([^"]*)"$`, c.theReceivedEventBodyShouldContain)
}

func (c *Context) iProduceAnEvent(ctx context.Context, topic, correlationId, body string) error {
	handle, ok := c.Directory.LookupProducer(c.TestId, topic)
	if !ok {
		return fmt.Errorf("no producer stream registered for topic %q", topic)
	}

	result := handle.ProduceEvent(ctx, model.EventEnvelope{
		CorrelationId: correlationId,
		Key:           []byte(correlationId),
		Value:         []byte(body),
		Headers:       map[string]string{"correlationId": correlationId},
	})
	if !result.Acked {
		return fmt.Errorf("produce to %q nacked: %s", topic, result.ErrorDetail)
	}
	return nil
}

func (c *Context) iShouldReceiveAnEvent(ctx context.Context, topic, correlationId string) error {
	handle, ok := c.Directory.LookupConsumer(c.TestId, topic)
	if !ok {
		return fmt.Errorf("no consumer stream registered for topic %q", topic)
	}

	deadline := time.Now().Add(pollTimeout)
	for {
		if envelope, ok := handle.FetchConsumedEvent(ctx, correlationId); ok {
			c.lastReceived = envelope
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no event with correlation id %q arrived on %q within %s", correlationId, topic, pollTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (c *Context) theReceivedEventBodyShouldContain(ctx context.Context, substr string) error {
	if len(c.lastReceived.Value) == 0 {
		return fmt.Errorf("no event has been received yet")
	}
	if !strings.Contains(string(c.lastReceived.Value), substr) {
		return fmt.Errorf("received event body %q does not contain %q", c.lastReceived.Value, substr)
	}
	return nil
}
