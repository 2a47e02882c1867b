// Package schemaregistry wraps a Confluent-compatible Schema Registry HTTP
// client and implements the wire-format encode/decode described in
// spec.md §4.8 and §6: records are framed as a single magic byte (0x0)
// followed by a 4-byte big-endian schema id followed by the payload,
// subject "<topic>-value".
//
// The client is a process-wide singleton published once at boot under an
// atomic.Pointer (spec.md §9: "initialize once under a memory-visibility
// barrier, read-only after"); callers that already hold an explicit
// *Client (most of them, via constructor injection) should prefer using it
// directly rather than going through Current, which exists for the rare
// caller (e.g. BDD step libraries) that only has package-level access.
package schemaregistry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	avro "github.com/hamba/avro/v2"
	"google.golang.org/protobuf/proto"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
)

// SchemaType is the normalized, uppercase schema type of a subject.
type SchemaType string

const (
	TypeAvro     SchemaType = "AVRO"
	TypeProtobuf SchemaType = "PROTOBUF"
	TypeJSON     SchemaType = "JSON"

	magicByte = 0x0
)

type schemaInfo struct {
	ID     int
	Type   SchemaType
	Schema string
}

// Client is a Schema Registry client scoped to one process.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu          sync.RWMutex
	bySubject   map[string]schemaInfo // "<topic>-value" -> latest schema
	byID        map[int]schemaInfo
	avroSchemas map[int]avro.Schema
}

// NewClient constructs a client against the given Schema Registry base URL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		bySubject:   make(map[string]schemaInfo),
		byID:        make(map[int]schemaInfo),
		avroSchemas: make(map[int]avro.Schema),
	}
}

var current atomic.Pointer[Client]

// Init publishes c as the process-wide Schema Registry client. It must be
// called once at boot, before any component calls Current.
func Init(c *Client) {
	current.Store(c)
}

// Current returns the process-wide client, or a CucumberException error if
// Init has not run yet.
func Current() (*Client, error) {
	c := current.Load()
	if c == nil {
		return nil, errs.New(errs.CucumberException, "schema registry client not initialized")
	}
	return c, nil
}

func subjectFor(topic string) string {
	return topic + "-value"
}

// SchemaTypeForSubject returns the normalized schema type for a topic's
// value subject, fetching and caching the latest schema if necessary.
func (c *Client) SchemaTypeForSubject(ctx context.Context, topic string) (SchemaType, error) {
	info, err := c.latestSchema(ctx, topic)
	if err != nil {
		return "", err
	}
	return info.Type, nil
}

func (c *Client) latestSchema(ctx context.Context, topic string) (schemaInfo, error) {
	subject := subjectFor(topic)

	c.mu.RLock()
	info, ok := c.bySubject[subject]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}

	url := fmt.Sprintf("%s/subjects/%s/versions/latest", c.baseURL, subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return schemaInfo{}, errs.Wrap(errs.KafkaProducerException, "build schema lookup request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return schemaInfo{}, errs.Wrap(errs.KafkaProducerException, "schema registry unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return schemaInfo{}, errs.New(errs.KafkaProducerException, fmt.Sprintf("schema not found for subject %s", subject))
	}
	if resp.StatusCode != http.StatusOK {
		return schemaInfo{}, errs.New(errs.KafkaProducerException, fmt.Sprintf("schema registry returned %d for subject %s", resp.StatusCode, subject))
	}

	var body struct {
		ID         int    `json:"id"`
		Schema     string `json:"schema"`
		SchemaType string `json:"schemaType"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return schemaInfo{}, errs.Wrap(errs.KafkaProducerException, "decode schema registry response", err)
	}

	schemaType := normalizeType(body.SchemaType)
	info = schemaInfo{ID: body.ID, Type: schemaType, Schema: body.Schema}

	c.mu.Lock()
	c.bySubject[subject] = info
	c.byID[info.ID] = info
	c.mu.Unlock()

	return info, nil
}

func normalizeType(raw string) SchemaType {
	switch strings.ToUpper(raw) {
	case "PROTOBUF":
		return TypeProtobuf
	case "JSON":
		return TypeJSON
	case "", "AVRO":
		return TypeAvro
	default:
		return TypeAvro
	}
}

// Encode dispatches by the topic's subject schema type, frames the result
// with the magic byte and schema id, and returns the wire bytes.
func (c *Client) Encode(ctx context.Context, topic string, value interface{}) ([]byte, error) {
	info, err := c.latestSchema(ctx, topic)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch info.Type {
	case TypeAvro:
		schema, serr := c.avroSchema(info)
		if serr != nil {
			return nil, errs.Wrap(errs.KafkaProducerException, "parse avro schema", serr)
		}
		payload, err = avro.Marshal(schema, value)
	case TypeProtobuf:
		msg, ok := value.(proto.Message)
		if !ok {
			return nil, errs.New(errs.KafkaProducerException, "value is not a proto.Message for protobuf subject")
		}
		payload, err = proto.Marshal(msg)
	case TypeJSON:
		payload, err = json.Marshal(value)
	default:
		return nil, errs.New(errs.KafkaProducerException, fmt.Sprintf("unsupported schema type %s", info.Type))
	}
	if err != nil {
		return nil, errs.Wrap(errs.KafkaProducerException, "serialize event", err)
	}

	return frame(info.ID, payload), nil
}

// Decode reverses Encode: it strips the magic byte + schema id, looks the
// schema up by id (fetching if necessary), and deserializes the payload
// into a generic value.
//
// Protobuf payloads are returned as raw bytes: without a descriptor set for
// the specific message type (out of scope — the probe never needs to
// re-serialize a decoded protobuf value, only to pass it to a BDD
// assertion), dynamic decoding to a named message is not attempted.
func (c *Client) Decode(ctx context.Context, topic string, data []byte) (interface{}, error) {
	id, payload, err := unframe(data)
	if err != nil {
		return nil, errs.Wrap(errs.KafkaConsumerException, "malformed wire record", err)
	}

	info, err := c.schemaByID(ctx, topic, id)
	if err != nil {
		return nil, err
	}

	switch info.Type {
	case TypeAvro:
		schema, serr := c.avroSchema(info)
		if serr != nil {
			return nil, errs.Wrap(errs.KafkaConsumerException, "parse avro schema", serr)
		}
		var out map[string]interface{}
		if err := avro.Unmarshal(schema, payload, &out); err != nil {
			return nil, errs.Wrap(errs.KafkaConsumerException, "decode avro payload", err)
		}
		return out, nil
	case TypeProtobuf:
		return payload, nil
	case TypeJSON:
		var out interface{}
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, errs.Wrap(errs.KafkaConsumerException, "decode json payload", err)
		}
		return out, nil
	default:
		return nil, errs.New(errs.KafkaConsumerException, fmt.Sprintf("unsupported schema type %s", info.Type))
	}
}

func (c *Client) avroSchema(info schemaInfo) (avro.Schema, error) {
	c.mu.RLock()
	s, ok := c.avroSchemas[info.ID]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	parsed, err := avro.Parse(info.Schema)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.avroSchemas[info.ID] = parsed
	c.mu.Unlock()
	return parsed, nil
}

func (c *Client) schemaByID(ctx context.Context, topic string, id int) (schemaInfo, error) {
	c.mu.RLock()
	info, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}

	// Fall back to resolving the latest schema for the topic; if its id
	// doesn't match, fetch it explicitly by id.
	if info, err := c.latestSchema(ctx, topic); err == nil && info.ID == id {
		return info, nil
	}

	url := fmt.Sprintf("%s/schemas/ids/%d", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return schemaInfo{}, errs.Wrap(errs.KafkaConsumerException, "build schema-by-id request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return schemaInfo{}, errs.Wrap(errs.KafkaConsumerException, "schema registry unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return schemaInfo{}, errs.New(errs.KafkaConsumerException, fmt.Sprintf("schema registry returned %d for id %d", resp.StatusCode, id))
	}

	var body struct {
		Schema     string `json:"schema"`
		SchemaType string `json:"schemaType"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return schemaInfo{}, errs.Wrap(errs.KafkaConsumerException, "decode schema-by-id response", err)
	}

	resolved := schemaInfo{ID: id, Type: normalizeType(body.SchemaType), Schema: body.Schema}
	c.mu.Lock()
	c.byID[id] = resolved
	c.mu.Unlock()
	return resolved, nil
}

func frame(schemaID int, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = magicByte
	binary.BigEndian.PutUint32(buf[1:5], uint32(schemaID))
	copy(buf[5:], payload)
	return buf
}

func unframe(data []byte) (int, []byte, error) {
	if len(data) < 5 {
		return 0, nil, fmt.Errorf("record too short to carry schema-registry framing: %d bytes", len(data))
	}
	if data[0] != magicByte {
		return 0, nil, fmt.Errorf("unexpected magic byte %#x", data[0])
	}
	id := int(binary.BigEndian.Uint32(data[1:5]))
	return id, data[5:], nil
}
