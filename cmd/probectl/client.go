package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// client is a thin REST client over the probe daemon's HTTP façade
// (internal/probe/httpapi). It owns no retry/backoff logic: probectl is an
// operator tool, not a test harness component, so a failed call is simply
// reported and left to the operator to retry.
type client struct {
	endpoint string
	http     *http.Client
}

func newClient(endpoint string) *client {
	return &client{endpoint: endpoint, http: &http.Client{Timeout: 10 * time.Second}}
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (c *client) do(method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Kind != "" {
			return apiErr
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}

type submitResponse struct {
	TestId      string `json:"testId"`
	HintMessage string `json:"hintMessage"`
}

func (c *client) submitTest() (submitResponse, error) {
	var out submitResponse
	err := c.do(http.MethodPost, "/tests", nil, &out)
	return out, err
}

type startResponse struct {
	Accepted bool `json:"accepted"`
}

func (c *client) startTest(testId, bucket, testType string) (startResponse, error) {
	var out startResponse
	body := map[string]string{"bucket": bucket, "testType": testType}
	err := c.do(http.MethodPost, "/tests/"+testId+"/start", body, &out)
	return out, err
}

type statusResponse struct {
	TestId    string `json:"testId"`
	State     string `json:"state"`
	Success   *bool  `json:"success,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

func (c *client) getStatus(testId string) (statusResponse, error) {
	var out statusResponse
	err := c.do(http.MethodGet, "/tests/"+testId, nil, &out)
	return out, err
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (c *client) cancelTest(testId string) (cancelResponse, error) {
	var out cancelResponse
	err := c.do(http.MethodPost, "/tests/"+testId+"/cancel", nil, &out)
	return out, err
}

type queueStatusResponse struct {
	TotalTests       int            `json:"totalTests"`
	CountsByState    map[string]int `json:"countsByState"`
	CurrentlyTesting string         `json:"currentlyTesting,omitempty"`
}

func (c *client) queueStatus() (queueStatusResponse, error) {
	var out queueStatusResponse
	err := c.do(http.MethodGet, "/queue", nil, &out)
	return out, err
}
