// Package features implements FeatureLoader (spec.md §4.6): during a test's
// Loading state it downloads the test's BDD feature files and topic
// directives from object storage, stages the feature files into an
// in-memory filesystem so they never touch disk, and later zips up
// evidence for upload once the test completes.
package features

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"testing/fstest"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
)

// BlockStorage is the object-storage dependency FeatureLoader is built
// against. A real implementation talks to whatever bucket service the
// deployment uses; it is never hard-wired here (out of scope per spec.md
// §1) — only the interface is.
type BlockStorage interface {
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	Upload(ctx context.Context, bucket, key string, data []byte) error
}

// topicConfig is one entry of a feature descriptor's topic list.
type topicConfig struct {
	Topic           string              `yaml:"topic"`
	Role            string              `yaml:"role"`
	ClientPrincipal string              `yaml:"clientPrincipal"`
	EventFilters    []model.EventFilter `yaml:"eventFilters,omitempty"`
}

// Descriptor is the manifest object Initialize downloads under the
// descriptor key its caller passes (see descriptorBucket): which feature
// files to stage and which Kafka topics the test will exercise.
type Descriptor struct {
	Bucket       string        `yaml:"bucket"`
	FeatureFiles []string      `yaml:"featureFiles"`
	Topics       []topicConfig `yaml:"topics"`
}

// ParseDescriptor parses a downloaded descriptor.yaml.
func ParseDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, errs.Wrap(errs.BlockStorageException, "parse feature descriptor", err)
	}
	return d, nil
}

// Loader downloads a test's feature files into an in-memory tree.
type Loader struct {
	storage BlockStorage
}

// New constructs a Loader against the given object-storage client.
func New(storage BlockStorage) *Loader {
	return &Loader{storage: storage}
}

// Initialize downloads every feature file named in the descriptor,
// building an fstest.MapFS under "features/" that BDDRunner reads from
// directly, and returns the BlockStorageDirective the test's FSM keeps
// for evidence upload.
func (l *Loader) Initialize(ctx context.Context, testId model.TestId, descriptorKey string) (model.BlockStorageDirective, fstest.MapFS, error) {
	raw, err := l.storage.Download(ctx, descriptorBucket(descriptorKey), descriptorKey)
	if err != nil {
		return model.BlockStorageDirective{}, nil, errs.Wrap(errs.BlockStorageException, "download feature descriptor", err)
	}

	descriptor, err := ParseDescriptor(raw)
	if err != nil {
		return model.BlockStorageDirective{}, nil, err
	}
	if descriptor.Bucket == "" {
		return model.BlockStorageDirective{}, nil, errs.New(errs.BlockStorageException, "feature descriptor missing bucket")
	}

	tree := make(fstest.MapFS, len(descriptor.FeatureFiles))
	for _, key := range descriptor.FeatureFiles {
		content, derr := l.storage.Download(ctx, descriptor.Bucket, key)
		if derr != nil {
			return model.BlockStorageDirective{}, nil, errs.Wrap(errs.BlockStorageException, fmt.Sprintf("download feature file %s", key), derr)
		}
		tree[featurePath(key)] = &fstest.MapFile{Data: content, Mode: 0o444}
	}

	topics := make([]model.TopicDirective, 0, len(descriptor.Topics))
	for _, t := range descriptor.Topics {
		topics = append(topics, model.TopicDirective{
			Topic:           t.Topic,
			Role:            model.Role(t.Role),
			ClientPrincipal: t.ClientPrincipal,
			EventFilters:    t.EventFilters,
		})
	}

	directive := model.BlockStorageDirective{
		JimfsRoot:       fmt.Sprintf("memory://%s", testId),
		EvidenceDir:     fmt.Sprintf("evidence/%s", testId),
		TopicDirectives: topics,
		Bucket:          descriptor.Bucket,
	}
	return directive, tree, nil
}

func featurePath(key string) string {
	return "features/" + baseName(key)
}

func baseName(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}

func descriptorBucket(descriptorKey string) string {
	// The descriptor itself lives in a fixed control bucket independent of
	// the per-test feature bucket it names; callers pass the full key
	// ("<bucket>/<testId>/descriptor.yaml") and this returns its first path
	// segment as the bucket. Initialize still passes the full key, bucket
	// prefix included, as the Download key.
	for i := 0; i < len(descriptorKey); i++ {
		if descriptorKey[i] == '/' {
			return descriptorKey[:i]
		}
	}
	return descriptorKey
}

// EvidenceBundle stages evidence files in memory before upload.
type EvidenceBundle struct {
	files map[string][]byte
}

// NewEvidenceBundle returns an empty bundle.
func NewEvidenceBundle() *EvidenceBundle {
	return &EvidenceBundle{files: make(map[string][]byte)}
}

// Add stages one evidence file (e.g. a cucumber JSON report, a captured
// event log) under name.
func (b *EvidenceBundle) Add(name string, content []byte) {
	b.files[name] = content
}

// Upload zips every staged file and uploads the archive to
// "<evidenceDir>/evidence-<unixNano>.zip" in bucket. The FSM calls this only
// on entry to Completed, right after re-arming the poison-pill timer; the
// Exception path uploads nothing
// (spec.md §3 "evidence must be durably stored before shutdown").
func (l *Loader) Upload(ctx context.Context, bucket, evidenceDir string, bundle *EvidenceBundle, now time.Time) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range bundle.files {
		w, err := zw.Create(name)
		if err != nil {
			return errs.Wrap(errs.BlockStorageException, "create zip entry", err)
		}
		if _, err := w.Write(content); err != nil {
			return errs.Wrap(errs.BlockStorageException, "write zip entry", err)
		}
	}
	if err := zw.Close(); err != nil {
		return errs.Wrap(errs.BlockStorageException, "close evidence zip", err)
	}

	key := fmt.Sprintf("%s/evidence-%d.zip", evidenceDir, now.UnixNano())
	if err := l.storage.Upload(ctx, bucket, key, buf.Bytes()); err != nil {
		return errs.Wrap(errs.BlockStorageException, "upload evidence bundle", err)
	}
	return nil
}
