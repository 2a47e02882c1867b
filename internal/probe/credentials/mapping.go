// Package credentials implements CredentialBroker (spec.md §4.5): on
// demand, for every TopicDirective, fetch an opaque vault JSON document,
// apply a user-supplied field mapping to extract OAuth client credentials,
// and build a KafkaSecurityDirective whose jaasConfig string is never
// logged or returned in an error message.
package credentials

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
	"gopkg.in/yaml.v3"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
)

// Transformation is a recognized post-extraction transform.
type Transformation string

const (
	TransformBase64Decode Transformation = "base64Decode"
)

// FieldMapping describes how to pull one target field out of a vault
// response (credentials-mapping.yaml, spec.md §6).
type FieldMapping struct {
	TargetField     string           `yaml:"targetField"`
	SourcePath      string           `yaml:"sourcePath"`
	Transformations []Transformation `yaml:"transformations,omitempty"`
}

// mappingFile is the top-level shape of credentials-mapping.yaml.
type mappingFile struct {
	Mappings []FieldMapping `yaml:"mappings"`
}

// Mapping is a parsed, compiled mapping file ready to extract fields from
// vault responses. Each sourcePath's jq query is compiled once here rather
// than per-fetch.
type Mapping struct {
	fields map[string]*compiledField
}

type compiledField struct {
	targetField     string
	code            *gojq.Code
	transformations []Transformation
}

// ParseMapping parses and compiles a credentials-mapping.yaml document.
func ParseMapping(data []byte) (*Mapping, error) {
	var raw mappingFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.VaultConsumerException, "parse credentials mapping", err)
	}

	m := &Mapping{fields: make(map[string]*compiledField, len(raw.Mappings))}
	for _, f := range raw.Mappings {
		code, err := compileJSONPath(f.SourcePath)
		if err != nil {
			return nil, errs.Wrap(errs.VaultConsumerException, fmt.Sprintf("compile sourcePath for field %s", f.TargetField), err)
		}
		m.fields[f.TargetField] = &compiledField{
			targetField:     f.TargetField,
			code:            code,
			transformations: f.Transformations,
		}
	}
	return m, nil
}

// compileJSONPath accepts the mapping file's "$.a.b.c" JSONPath-lite syntax
// and compiles it as a jq query ".a.b.c?" (optional-access, so a missing
// intermediate key yields null rather than a jq error — the broker itself
// decides whether a null result is a failure).
func compileJSONPath(sourcePath string) (*gojq.Code, error) {
	jqSrc := strings.TrimPrefix(sourcePath, "$")
	if jqSrc == "" {
		jqSrc = "."
	}
	jqSrc += "?"

	query, err := gojq.Parse(jqSrc)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(query)
}

// Extract resolves every mapped field against a parsed vault response
// (already json.Unmarshal'd into interface{}). A required field
// ("clientId", "clientSecret", "tokenEndpoint") that fails to resolve or
// whose transformation fails is reported by field name only — the vault
// value itself never appears in the returned error.
func (m *Mapping) Extract(vaultResponse interface{}) (extracted map[string]string, err error) {
	extracted = make(map[string]string, len(m.fields))
	for target, field := range m.fields {
		val, ferr := field.resolve(vaultResponse)
		if ferr != nil {
			if isOptionalField(target) {
				continue
			}
			return nil, errs.Wrap(errs.VaultConsumerException, fmt.Sprintf("field %s", target), ferr)
		}
		extracted[target] = val
	}
	return extracted, nil
}

func isOptionalField(target string) bool {
	return target == "scope"
}

func (f *compiledField) resolve(input interface{}) (string, error) {
	iter := f.code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return "", fmt.Errorf("sourcePath produced no value")
	}
	if err, ok := v.(error); ok {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("sourcePath resolved to null")
	}

	s, ok := v.(string)
	if !ok {
		s = fmt.Sprintf("%v", v)
	}

	for _, t := range f.transformations {
		var terr error
		s, terr = applyTransformation(t, s)
		if terr != nil {
			return "", fmt.Errorf("transformation %s failed", t)
		}
	}
	return s, nil
}

func applyTransformation(t Transformation, value string) (string, error) {
	switch t {
	case TransformBase64Decode:
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	default:
		return "", fmt.Errorf("unrecognized transformation %q", t)
	}
}
