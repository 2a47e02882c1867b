package integration

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/api"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/credentials"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/fsm"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/registry"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/logging"
)

const roundTripDescriptor = `
bucket: feature-bucket
featureFiles:
  - features/roundtrip.feature
topics:
  - topic: t1
    role: PRODUCER
  - topic: t1
    role: CONSUMER
`

const roundTripFeature = `Feature: round trip
  Scenario: produce and consume
    When I produce an event to "t1" with correlation id "corr-1" and body "hello world"
    Then I should receive an event on "t1" with correlation id "corr-1"
    And the received event body should contain "hello world"
`

const zeroTopicDescriptor = `
bucket: feature-bucket
featureFiles:
  - features/noop.feature
topics: []
`

const noopFeature = `Feature: noop
  Scenario: nothing to do
`

const schemaMissDescriptor = `
bucket: feature-bucket
featureFiles:
  - features/noop.feature
topics:
  - topic: no-schema-topic
    role: PRODUCER
  - topic: ok-topic
    role: PRODUCER
`

const malformedConsumeDescriptor = `
bucket: feature-bucket
featureFiles:
  - features/malformed.feature
topics:
  - topic: orders
    role: CONSUMER
`

const malformedConsumeFeature = `Feature: malformed record handling
  Scenario: skip corrupt record
    Then I should receive an event on "orders" with correlation id "corr-valid"
`

const credentialRoundTripDescriptor = `
bucket: feature-bucket
featureFiles:
  - features/roundtrip.feature
topics:
  - topic: t1
    role: PRODUCER
    clientPrincipal: svc-orders
  - topic: t1
    role: CONSUMER
    clientPrincipal: svc-orders
`

const credentialMappingYAML = `
mappings:
  - targetField: clientId
    sourcePath: $.auth.client.id
  - targetField: clientSecret
    sourcePath: $.auth.client.secret
  - targetField: tokenEndpoint
    sourcePath: $.auth.tokenUrl
  - targetField: scope
    sourcePath: $.auth.scope
`

const credentialJSON = `{"auth":{"client":{"id":"svc-orders-id","secret":"zzz-top-secret-zzz","tokenUrl":"https://auth.example/token","scope":"kafka.read"}}}`

func objects(entries map[string]string) map[string][]byte {
	out := make(map[string][]byte, len(entries))
	for k, v := range entries {
		out[k] = []byte(v)
	}
	return out
}

func awaitStatus(t *testing.T, a *api.API, testId model.TestId, want model.TestState) fsm.StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		snap, err := a.GetStatus(ctx, testId)
		cancel()
		if err == nil && snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("test %s: timed out waiting for state %s, last seen %+v (err=%v)", testId, want, snap, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// awaitRemoved polls until testId's entry has left the scheduler entirely,
// the cleanup onTestStopping performs once a ShuttingDown FSM finishes.
func awaitRemoved(t *testing.T, a *api.API, testId model.TestId) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := a.GetStatus(ctx, testId)
		cancel()
		if kind, ok := errs.KindOf(err); ok && kind == errs.NotFound {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("test %s: entry was never removed after cancel", testId)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func submitAndStart(t *testing.T, a *api.API, descriptorKey string) model.TestId {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	submitResp, err := a.SubmitTest(ctx)
	require.NoError(t, err)

	startResp, err := a.StartTest(ctx, submitResp.TestId, descriptorKey, "functional")
	require.NoError(t, err)
	require.True(t, startResp.Accepted)

	return submitResp.TestId
}

// TestS1ProduceConsumeRoundTripCompletesSuccessfully runs a real godog
// scenario against the in-memory broker: one producer topic and one
// consumer topic sharing a name, a single produce-then-consume step pair.
func TestS1ProduceConsumeRoundTripCompletesSuccessfully(t *testing.T) {
	h := newHarness(objects(map[string]string{
		"control|control/descriptor.yaml":            roundTripDescriptor,
		"feature-bucket|features/roundtrip.feature": roundTripFeature,
	}), nil, nil, nil)

	testId := submitAndStart(t, h.api, "control/descriptor.yaml")

	status := awaitStatus(t, h.api, testId, model.StateCompleted)
	require.NotNil(t, status.Success)
	assert.True(t, *status.Success)
	assert.Equal(t, 1, status.Result.ScenarioCount)
	assert.Equal(t, 1, status.Result.ScenariosPassed)
	assert.Equal(t, 0, status.Result.ScenariosFailed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	qs, err := h.api.QueueStatus(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, qs.CountsByState[model.StateCompleted])
	assert.Nil(t, qs.CurrentlyTesting)
}

// TestS2FIFOAdmitsOneTestAtATime submits three tests against a slow
// synthetic BDD run and asserts every one of them eventually completes
// without the scheduler ever promoting more than one to Testing at once,
// the API-level counterpart to scheduler_test.go's own FIFO test.
func TestS2FIFOAdmitsOneTestAtATime(t *testing.T) {
	directory := registry.New()
	h := newHarnessWithBDD(objects(map[string]string{
		"control|control/descriptor.yaml":        zeroTopicDescriptor,
		"feature-bucket|features/noop.feature": noopFeature,
	}), nil, nil, nil, delayedBDD(80*time.Millisecond), directory)

	ids := make([]model.TestId, 3)
	for i := range ids {
		ids[i] = submitAndStart(t, h.api, "control/descriptor.yaml")
	}

	for _, id := range ids {
		status := awaitStatus(t, h.api, id, model.StateCompleted)
		require.NotNil(t, status.Success)
		assert.True(t, *status.Success)
	}
}

func delayedBDD(delay time.Duration) fsm.BDDRunFunc {
	return func(ctx context.Context, testId model.TestId, tree interface{}) (model.TestExecutionResult, error) {
		time.Sleep(delay)
		return model.TestExecutionResult{TestId: testId, Passed: true, ScenarioCount: 1, ScenariosPassed: 1}, nil
	}
}

// TestS3SchemaRegistryMissNacksOnlyThatTopic starts a test declaring one
// producer topic the broker has no schema for and one it does, produces to
// each directly through the API (bypassing BDD entirely), and asserts only
// the unregistered topic nacks.
func TestS3SchemaRegistryMissNacksOnlyThatTopic(t *testing.T) {
	h := newHarness(objects(map[string]string{
		"control|control/descriptor.yaml":        schemaMissDescriptor,
		"feature-bucket|features/noop.feature": noopFeature,
	}), nil, nil, map[string]bool{"no-schema-topic": true})

	testId := submitAndStart(t, h.api, "control/descriptor.yaml")
	awaitStatus(t, h.api, testId, model.StateLoaded)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	event := model.EventEnvelope{CorrelationId: "corr-1", Value: []byte("body")}

	result, err := h.api.ProduceEvent(ctx, testId, "no-schema-topic", event)
	require.NoError(t, err)
	assert.False(t, result.Acked)
	assert.Equal(t, "404/schema_not_found", result.ErrorDetail)

	result, err = h.api.ProduceEvent(ctx, testId, "ok-topic", event)
	require.NoError(t, err)
	assert.True(t, result.Acked)

	_, err = h.api.CancelTest(ctx, testId)
	require.NoError(t, err)
}

// TestS4MalformedRecordIsSkippedWithExactlyOneWarning seeds the broker with
// a corrupt record ahead of a valid one before the test even starts, then
// asserts the consumer stream still surfaces the valid record, logs the
// skip exactly once, and keeps answering further fetches afterward.
func TestS4MalformedRecordIsSkippedWithExactlyOneWarning(t *testing.T) {
	var logs bytes.Buffer
	logging.Init(logging.LevelDebug, &logs)
	defer logging.Init(logging.LevelInfo, io.Discard)

	h := newHarness(objects(map[string]string{
		"control|control/descriptor.yaml":           malformedConsumeDescriptor,
		"feature-bucket|features/malformed.feature": malformedConsumeFeature,
	}), nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	submitResp, err := h.api.SubmitTest(ctx)
	require.NoError(t, err)
	cancel()

	h.broker.seedCorruptRecord(submitResp.TestId, "orders")
	h.broker.publish(submitResp.TestId, "orders", brokerRecord{envelope: model.EventEnvelope{
		CorrelationId: "corr-valid",
		Value:         []byte("valid body"),
	}})

	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	startResp, err := h.api.StartTest(ctx, submitResp.TestId, "control/descriptor.yaml", "functional")
	cancel()
	require.NoError(t, err)
	require.True(t, startResp.Accepted)

	status := awaitStatus(t, h.api, submitResp.TestId, model.StateCompleted)
	require.NotNil(t, status.Success)
	assert.True(t, *status.Success)

	assert.Equal(t, 1, strings.Count(logs.String(), "discarding malformed record"))

	handle, ok := h.directory.LookupConsumer(submitResp.TestId, "orders")
	require.True(t, ok)
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, found := handle.FetchConsumedEvent(ctx, "corr-valid")
	assert.True(t, found, "consumer stream should still answer fetches after skipping the corrupt record")
}

// TestS5CancelMidTestStopsWithoutUploadingEvidence cancels a test right
// after Start, before it ever reaches Testing, and asserts the entry is
// torn down and no evidence bundle is ever staged to block storage.
func TestS5CancelMidTestStopsWithoutUploadingEvidence(t *testing.T) {
	h := newHarness(objects(map[string]string{
		"control|control/descriptor.yaml":        zeroTopicDescriptor,
		"feature-bucket|features/noop.feature": noopFeature,
	}), nil, nil, nil)

	testId := submitAndStart(t, h.api, "control/descriptor.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	cancelResp, err := h.api.CancelTest(ctx, testId)
	cancel()
	require.NoError(t, err)
	assert.True(t, cancelResp.Cancelled)

	awaitRemoved(t, h.api, testId)
	assert.Equal(t, 0, h.storage.uploadCount())
}

// TestS6CredentialMaterialNeverAppearsInLogs drives a full run whose topics
// require vault-resolved OAuth credentials, then asserts none of the
// distinguishing secret substrings a real vault response would carry ever
// reach the captured log output.
func TestS6CredentialMaterialNeverAppearsInLogs(t *testing.T) {
	var logs bytes.Buffer
	logging.Init(logging.LevelDebug, &logs)
	defer logging.Init(logging.LevelInfo, io.Discard)

	mapping, err := credentials.ParseMapping([]byte(credentialMappingYAML))
	require.NoError(t, err)
	vault := &fakeVaultAdapter{credentialJSON: credentialJSON}

	h := newHarness(objects(map[string]string{
		"control|control/descriptor.yaml":            credentialRoundTripDescriptor,
		"feature-bucket|features/roundtrip.feature": roundTripFeature,
	}), vault, mapping, nil)

	testId := submitAndStart(t, h.api, "control/descriptor.yaml")

	status := awaitStatus(t, h.api, testId, model.StateCompleted)
	require.NotNil(t, status.Success)
	assert.True(t, *status.Success)

	output := logs.String()
	for _, secret := range []string{"svc-orders-id", "zzz-top-secret-zzz", "https://auth.example/token"} {
		assert.NotContains(t, output, secret)
	}
}

// TestVaultFailureForOneClientPrincipalDoesNotLeakIntoOtherTopics confirms
// credential resolution failure for one topic's principal surfaces as a
// test exception rather than ever recovering a stray credential.
func TestVaultFailureForOneClientPrincipalDoesNotLeakIntoOtherTopics(t *testing.T) {
	mapping, err := credentials.ParseMapping([]byte(credentialMappingYAML))
	require.NoError(t, err)
	vault := &fakeVaultAdapter{credentialJSON: credentialJSON, failPrincipal: "svc-orders"}

	h := newHarness(objects(map[string]string{
		"control|control/descriptor.yaml":            credentialRoundTripDescriptor,
		"feature-bucket|features/roundtrip.feature": roundTripFeature,
	}), vault, mapping, nil)

	testId := submitAndStart(t, h.api, "control/descriptor.yaml")
	status := awaitStatus(t, h.api, testId, model.StateException)
	assert.Equal(t, errs.VaultConsumerException, status.ErrorKind)
}
