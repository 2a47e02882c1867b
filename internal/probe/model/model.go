// Package model holds the data types shared across the probe: the test
// registry entry, the directives computed during Loading, and the in-memory
// event envelope BDD steps exchange with the streaming layer. None of these
// types own behavior beyond simple accessors — they are the nouns the
// scheduler, FSM, and streaming workers pass between each other.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TestId is an opaque 128-bit identifier, unique across the process
// lifetime, assigned by the scheduler at registration.
type TestId = uuid.UUID

// NewTestId allocates a fresh TestId.
func NewTestId() TestId {
	return uuid.New()
}

// TestState is one of the seven lifecycle states of TestExecutionFSM.
type TestState string

const (
	StateSetup        TestState = "Setup"
	StateLoading      TestState = "Loading"
	StateLoaded       TestState = "Loaded"
	StateTesting      TestState = "Testing"
	StateCompleted    TestState = "Completed"
	StateException    TestState = "Exception"
	StateShuttingDown TestState = "ShuttingDown"
)

// stateOrder gives each state a monotonic rank so callers can assert the
// "never regresses" invariant (spec.md §3) without hard-coding the
// transition graph; Exception and ShuttingDown are reachable from any
// state, so they are treated as always-forward relative to everything
// except themselves.
var stateOrder = map[TestState]int{
	StateSetup:        0,
	StateLoading:      1,
	StateLoaded:       2,
	StateTesting:      3,
	StateCompleted:    4,
	StateException:    5,
	StateShuttingDown: 6,
}

// Advances reports whether moving from s to next is a monotonic advance
// (including no-op self-transitions, which are never observed in practice
// but are harmless). Exception and ShuttingDown are reachable from any
// prior state per the FSM's "Any --> Exception/ShuttingDown" transitions.
func (s TestState) Advances(next TestState) bool {
	if next == StateException || next == StateShuttingDown {
		return true
	}
	return stateOrder[next] >= stateOrder[s]
}

// Role distinguishes a TopicDirective's direction.
type Role string

const (
	RoleProducer Role = "PRODUCER"
	RoleConsumer Role = "CONSUMER"
)

// SecurityProtocol mirrors the Kafka client security.protocol values the
// probe supports.
type SecurityProtocol string

const (
	ProtocolPlaintext SecurityProtocol = "PLAINTEXT"
	ProtocolSaslSSL   SecurityProtocol = "SASL_SSL"
)

// EventFilter selects records whose (eventType, version) header pair
// matches, as configured per topic in the feature descriptor.
type EventFilter struct {
	EventType string
	Version   string
}

// Matches reports whether a record's observed (eventType, version) pair
// satisfies this filter.
func (f EventFilter) Matches(eventType, version string) bool {
	return f.EventType == eventType && f.Version == version
}

// TopicDirective parameterizes one streaming worker: which topic, which
// direction, which client principal to authenticate as, and which events to
// keep (consumers only; producers ignore EventFilters).
type TopicDirective struct {
	Topic           string
	Role            Role
	ClientPrincipal string
	EventFilters    []EventFilter
}

// BlockStorageDirective is the result of FeatureLoader.Initialize: the
// virtual feature tree, the evidence staging path, and the topics the test
// declared.
type BlockStorageDirective struct {
	JimfsRoot       string
	EvidenceDir     string
	TopicDirectives []TopicDirective
	Bucket          string
}

// KafkaSecurityDirective is the result of CredentialBroker, one per
// TopicDirective. JaasConfig must never be logged; String/GoString redact it.
type KafkaSecurityDirective struct {
	Topic            string
	Role             Role
	SecurityProtocol SecurityProtocol
	JaasConfig       string
}

// String redacts JaasConfig so that accidental %v/%s logging of a directive
// never leaks credentials (spec.md §4.5, §9).
func (d KafkaSecurityDirective) String() string {
	return fmt.Sprintf("KafkaSecurityDirective{Topic:%s Role:%s SecurityProtocol:%s JaasConfig:<redacted>}",
		d.Topic, d.Role, d.SecurityProtocol)
}

// GoString mirrors String so that %#v formatting is equally safe.
func (d KafkaSecurityDirective) GoString() string {
	return d.String()
}

// EventEnvelope is the in-memory record handed to and from BDD steps.
type EventEnvelope struct {
	CorrelationId string
	Key           []byte
	Value         []byte
	Headers       map[string]string
}

// TestExecutionResult summarizes one BDD run.
type TestExecutionResult struct {
	TestId           TestId
	Passed           bool
	ScenarioCount    int
	ScenariosPassed  int
	ScenariosFailed  int
	ScenariosSkipped int
	StepCount        int
	StepsPassed      int
	StepsFailed      int
	StepsSkipped     int
	StepsUndefined   int
	DurationMillis   int64
	FailureNote      string
}

// TestEntry is the registry's record for one test, owned exclusively by the
// QueueScheduler.
type TestEntry struct {
	TestId          TestId
	State           TestState
	Bucket          string
	TestType        string
	StartRequestAt  *time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	Success         *bool
	ErrorKind       string
	ErrorMessage    string
	LoadedAt        *time.Time // set when the test joins the pending queue; promotion follows queue order (invariant 2)
}

// Clone returns a value copy safe to hand to a caller outside the
// scheduler's goroutine.
func (e *TestEntry) Clone() TestEntry {
	return *e
}
