// Package bdd implements BDDRunner (spec.md §4.7): a thin wrapper around
// github.com/cucumber/godog that runs the in-memory feature tree staged by
// FeatureLoader and converts godog's cucumber-JSON report into a
// model.TestExecutionResult.
package bdd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"time"

	"github.com/cucumber/godog"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
)

// StepLibrary registers step definitions against a fresh scenario context.
// The probe's built-in produce/consume steps (internal/probe/bdd/steps) are
// one implementation; callers may supply their own for tests.
type StepLibrary func(ctx *godog.ScenarioContext)

// Runner runs a test's staged feature files through godog.
type Runner struct {
	steps StepLibrary
}

// NewRunner constructs a Runner that registers steps via the given library
// on every scenario.
func NewRunner(steps StepLibrary) *Runner {
	return &Runner{steps: steps}
}

// StartTest loads every "*.feature" file anywhere in tree and runs
// the suite, converting the result to a model.TestExecutionResult. Panics
// raised from step code are recovered by godog itself and reported as
// failed steps, per spec.md §4.7.
func (r *Runner) StartTest(ctx context.Context, testId model.TestId, tree fs.FS) (model.TestExecutionResult, error) {
	features, err := loadFeatures(tree)
	if err != nil {
		return model.TestExecutionResult{}, err
	}
	if len(features) == 0 {
		return model.TestExecutionResult{}, errs.New(errs.CucumberException, "no feature files staged for test")
	}

	var report bytes.Buffer
	started := time.Now()

	suite := godog.TestSuite{
		Name:                testId.String(),
		ScenarioInitializer: r.steps,
		Options: &godog.Options{
			Format:          "cucumber",
			Output:          &report,
			FeatureContents: features,
			Strict:          true,
		},
	}

	status := suite.Run()
	duration := time.Since(started)

	result, perr := parseCucumberReport(report.Bytes())
	if perr != nil {
		return model.TestExecutionResult{}, errs.Wrap(errs.CucumberException, "parse cucumber report", perr)
	}

	result.TestId = testId
	result.DurationMillis = duration.Milliseconds()
	result.Passed = status == 0 && result.StepsFailed == 0 && result.StepsUndefined == 0
	if !result.Passed && result.FailureNote == "" {
		result.FailureNote = fmt.Sprintf("godog exit status %d", status)
	}
	return result, nil
}

func loadFeatures(tree fs.FS) ([]godog.Feature, error) {
	var features []godog.Feature
	err := fs.WalkDir(tree, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".feature" {
			return nil
		}
		content, rerr := fs.ReadFile(tree, p)
		if rerr != nil {
			return rerr
		}
		features = append(features, godog.Feature{Name: p, Contents: content})
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.CucumberException, "walk feature tree", err)
	}
	return features, nil
}

// cucumberStep/cucumberElement/cucumberFeature mirror the small subset of
// the cucumber-JSON schema godog's "cucumber" formatter emits that this
// runner needs to compute TestExecutionResult counts.
type cucumberStep struct {
	Result struct {
		Status string `json:"status"`
	} `json:"result"`
}

type cucumberElement struct {
	Type  string         `json:"type"`
	Steps []cucumberStep `json:"steps"`
}

type cucumberFeature struct {
	Elements []cucumberElement `json:"elements"`
}

func parseCucumberReport(data []byte) (model.TestExecutionResult, error) {
	var out model.TestExecutionResult
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}

	var reportFeatures []cucumberFeature
	if err := json.Unmarshal(data, &reportFeatures); err != nil {
		return out, err
	}

	for _, feature := range reportFeatures {
		for _, element := range feature.Elements {
			if element.Type != "scenario" {
				continue
			}
			out.ScenarioCount++

			scenarioFailed := false
			for _, step := range element.Steps {
				out.StepCount++
				switch step.Result.Status {
				case "passed":
					out.StepsPassed++
				case "failed":
					out.StepsFailed++
					scenarioFailed = true
				case "undefined":
					out.StepsUndefined++
					scenarioFailed = true
				default:
					out.StepsSkipped++
				}
			}
			if scenarioFailed {
				out.ScenariosFailed++
			} else {
				out.ScenariosPassed++
			}
		}
	}

	if out.StepsFailed > 0 || out.StepsUndefined > 0 {
		out.FailureNote = fmt.Sprintf("%d step(s) failed or undefined", out.StepsFailed+out.StepsUndefined)
	}
	return out, nil
}
