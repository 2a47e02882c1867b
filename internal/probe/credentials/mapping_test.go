package credentials

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMappingYAML = `
mappings:
  - targetField: clientId
    sourcePath: $.auth.client.id
  - targetField: clientSecret
    sourcePath: $.auth.client.secret
    transformations: [base64Decode]
  - targetField: tokenEndpoint
    sourcePath: $.auth.tokenUrl
  - targetField: scope
    sourcePath: $.auth.scope
`

func TestParseMappingCompilesAllFields(t *testing.T) {
	m, err := ParseMapping([]byte(testMappingYAML))
	require.NoError(t, err)
	assert.Len(t, m.fields, 4)
}

func TestExtractResolvesNestedFields(t *testing.T) {
	m, err := ParseMapping([]byte(testMappingYAML))
	require.NoError(t, err)

	secret := base64.StdEncoding.EncodeToString([]byte("s3cr3t"))
	vaultDoc := map[string]interface{}{
		"auth": map[string]interface{}{
			"client": map[string]interface{}{
				"id":     "app-1",
				"secret": secret,
			},
			"tokenUrl": "https://auth.example.com/token",
		},
	}

	fields, err := m.Extract(vaultDoc)
	require.NoError(t, err)
	assert.Equal(t, "app-1", fields["clientId"])
	assert.Equal(t, "s3cr3t", fields["clientSecret"])
	assert.Equal(t, "https://auth.example.com/token", fields["tokenEndpoint"])
	_, hasScope := fields["scope"]
	assert.False(t, hasScope, "missing optional scope field should be silently skipped")
}

func TestExtractRequiredFieldMissingFailsWithoutLeakingValue(t *testing.T) {
	m, err := ParseMapping([]byte(testMappingYAML))
	require.NoError(t, err)

	vaultDoc := map[string]interface{}{
		"auth": map[string]interface{}{
			"client": map[string]interface{}{
				"id": "app-1",
			},
		},
	}

	_, err = m.Extract(vaultDoc)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "app-1")
}

func TestExtractBadTransformationFailsCleanly(t *testing.T) {
	yamlDoc := `
mappings:
  - targetField: clientId
    sourcePath: $.id
  - targetField: clientSecret
    sourcePath: $.secret
    transformations: [base64Decode]
  - targetField: tokenEndpoint
    sourcePath: $.tokenUrl
`
	m, err := ParseMapping([]byte(yamlDoc))
	require.NoError(t, err)

	var vaultDoc interface{}
	raw := `{"id":"x","secret":"not-base64!!!","tokenUrl":"https://t"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &vaultDoc))

	_, err = m.Extract(vaultDoc)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "not-base64")
}
