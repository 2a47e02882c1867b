// Package httpapi is the thin net/http façade over internal/probe/api
// (SPEC_FULL.md §4.9): JSON in, JSON out, one handler per PublicAPI
// operation. It owns no state of its own — every handler is a direct
// forward to the facade, with the HTTP status code chosen from the
// returned errs.Kind.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/api"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/errs"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/internal/probe/model"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub005/pkg/logging"
)

// defaultTimeout bounds every request this façade issues against the
// facade when the inbound HTTP request carries no deadline of its own.
const defaultTimeout = 25 * time.Second

// Server wraps an api.API behind an http.Handler.
type Server struct {
	api *api.API
	mux *http.ServeMux
}

// NewServer builds the façade's route table.
func NewServer(a *api.API) *Server {
	s := &Server{api: a, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /tests", s.handleSubmit)
	s.mux.HandleFunc("POST /tests/{id}/start", s.handleStart)
	s.mux.HandleFunc("GET /tests/{id}", s.handleStatus)
	s.mux.HandleFunc("POST /tests/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /queue", s.handleQueueStatus)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// requestContext bounds a handler's downstream work with defaultTimeout when
// the inbound request carries no deadline of its own, so a stalled facade
// call can't hold an HTTP connection open indefinitely.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if _, ok := r.Context().Deadline(); ok {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), defaultTimeout)
}

type submitResponse struct {
	TestId      string `json:"testId"`
	HintMessage string `json:"hintMessage"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	resp, err := s.api.SubmitTest(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{TestId: resp.TestId.String(), HintMessage: resp.HintMessage})
}

type startRequest struct {
	Bucket   string `json:"bucket"`
	TestType string `json:"testType"`
}

type startResponse struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	testId, err := parseTestId(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req startRequest
	if r.Body != nil {
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			writeError(w, errs.New(errs.ServiceUnavailableException, "malformed request body"))
			return
		}
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	resp, err := s.api.StartTest(ctx, testId, req.Bucket, req.TestType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Accepted: resp.Accepted})
}

type statusResponse struct {
	TestId    string `json:"testId"`
	State     string `json:"state"`
	Success   *bool  `json:"success,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	testId, err := parseTestId(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	snap, err := s.api.GetStatus(ctx, testId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		TestId:    snap.TestId.String(),
		State:     string(snap.State),
		Success:   snap.Success,
		ErrorKind: string(snap.ErrorKind),
	})
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	testId, err := parseTestId(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	resp, err := s.api.CancelTest(ctx, testId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: resp.Cancelled})
}

type queueStatusResponse struct {
	TotalTests       int            `json:"totalTests"`
	CountsByState    map[string]int `json:"countsByState"`
	CurrentlyTesting string         `json:"currentlyTesting,omitempty"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	resp, err := s.api.QueueStatus(ctx, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	counts := make(map[string]int, len(resp.CountsByState))
	for state, n := range resp.CountsByState {
		counts[string(state)] = n
	}
	out := queueStatusResponse{TotalTests: resp.TotalTests, CountsByState: counts}
	if resp.CurrentlyTesting != nil {
		out.CurrentlyTesting = resp.CurrentlyTesting.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func parseTestId(raw string) (model.TestId, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return model.TestId{}, errs.New(errs.NotFound, "malformed testId")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("httpapi", err, "encode response failed")
	}
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	kind, _ := errs.KindOf(err)
	writeJSON(w, statusForKind(kind), errorResponse{Kind: string(kind), Message: err.Error()})
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.ServiceTimeoutException:
		return http.StatusGatewayTimeout
	case errs.ServiceUnavailableException, errs.ActorSystemNotReadyException:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
