package bdd

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFeaturesCollectsOnlyFeatureFiles(t *testing.T) {
	tree := fstest.MapFS{
		"features/orders.feature":  &fstest.MapFile{Data: []byte("Feature: orders\n")},
		"features/notes.txt":       &fstest.MapFile{Data: []byte("not a feature")},
		"features/payments.feature": &fstest.MapFile{Data: []byte("Feature: payments\n")},
	}

	features, err := loadFeatures(tree)
	require.NoError(t, err)
	require.Len(t, features, 2)

	names := map[string]bool{}
	for _, f := range features {
		names[f.Name] = true
	}
	assert.True(t, names["features/orders.feature"])
	assert.True(t, names["features/payments.feature"])
}

func TestLoadFeaturesEmptyTree(t *testing.T) {
	features, err := loadFeatures(fstest.MapFS{})
	require.NoError(t, err)
	assert.Empty(t, features)
}

const sampleCucumberReport = `[
  {
    "elements": [
      {
        "type": "scenario",
        "steps": [
          {"result": {"status": "passed"}},
          {"result": {"status": "passed"}}
        ]
      },
      {
        "type": "scenario",
        "steps": [
          {"result": {"status": "passed"}},
          {"result": {"status": "failed"}}
        ]
      }
    ]
  }
]`

func TestParseCucumberReportCountsScenariosAndSteps(t *testing.T) {
	result, err := parseCucumberReport([]byte(sampleCucumberReport))
	require.NoError(t, err)

	assert.Equal(t, 2, result.ScenarioCount)
	assert.Equal(t, 1, result.ScenariosPassed)
	assert.Equal(t, 1, result.ScenariosFailed)
	assert.Equal(t, 4, result.StepCount)
	assert.Equal(t, 3, result.StepsPassed)
	assert.Equal(t, 1, result.StepsFailed)
	assert.NotEmpty(t, result.FailureNote)
}

func TestParseCucumberReportEmptyInput(t *testing.T) {
	result, err := parseCucumberReport(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ScenarioCount)
}
