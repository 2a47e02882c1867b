package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probeconfig"
)

// httpBlockStorage implements features.BlockStorage as plain HTTP GET/PUT
// against an S3-compatible object store. No object-storage SDK in the pack
// has real usage to ground a richer client on (see DESIGN.md), and spec.md
// §6 only ever describes storage in terms of bucket/key paths, never a
// vendor API surface, so this talks over HTTP directly rather than adopting
// an unexercised cloud SDK.
type httpBlockStorage struct {
	client   *http.Client
	endpoint string
	region   string
}

func newHTTPBlockStorage(cfg probeconfig.StorageConfig) *httpBlockStorage {
	return &httpBlockStorage{
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: cfg.Endpoint,
		region:   cfg.Region,
	}
}

func (s *httpBlockStorage) objectURL(bucket, key string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.region, key)
}

func (s *httpBlockStorage) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(bucket, key), nil)
	if err != nil {
		return nil, errs.Wrap(errs.BlockStorageException, "build download request", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.BlockStorageException, "download object", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, errs.New(errs.BlockStorageException, fmt.Sprintf("download %s/%s: status %d", bucket, key, resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.BlockStorageException, "read object body", err)
	}
	return data, nil
}

func (s *httpBlockStorage) Upload(ctx context.Context, bucket, key string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(bucket, key), bytes.NewReader(data))
	if err != nil {
		return errs.Wrap(errs.BlockStorageException, "build upload request", err)
	}
	req.ContentLength = int64(len(data))

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.BlockStorageException, "upload object", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errs.New(errs.BlockStorageException, fmt.Sprintf("upload %s/%s: status %d", bucket, key, resp.StatusCode))
	}
	return nil
}
