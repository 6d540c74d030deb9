// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"modelgate/gateway/orchestrator/async"
	"modelgate/gateway/orchestrator/llm"
)

const maxBodyBytes = 10 << 20

// inferencePayload is the request body for the inference endpoints.
// timeout_ms is accepted alongside the native duration field so HTTP
// callers can use plain milliseconds.
type inferencePayload struct {
	llm.InferenceRequest
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*llm.InferenceRequest, bool) {
	var payload inferencePayload
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, llm.Errorf(llm.KindValidation, "invalid request body: %v", err))
		return nil, false
	}

	req := payload.InferenceRequest
	if payload.TimeoutMs > 0 {
		req.Timeout = time.Duration(payload.TimeoutMs) * time.Millisecond
	}
	if req.RequestID == "" {
		req.RequestID = RequestIDFrom(r.Context())
	}
	return &req, true
}

// POST /v1/inference/completions
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.engine.Infer(r.Context(), req, TenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /v1/inference/completions/stream
//
// Chunks are emitted as Server-Sent Events, one JSON chunk per event,
// terminated by "data: [DONE]".
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, llm.NewError(llm.KindInternal, "streaming unsupported by connection"))
		return
	}

	ch, err := s.engine.Stream(r.Context(), req, TenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range ch {
		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.Error(TenantFrom(r.Context()).TenantID, req.RequestID,
				"marshal stream chunk", map[string]any{"error": err.Error()})
			break
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

type asyncSubmitResponse struct {
	JobID string `json:"job_id"`
}

// POST /v1/inference/async
func (s *Server) handleAsyncSubmit(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	tenant := TenantFrom(r.Context())

	jobID, err := s.engine.SubmitAsync(r.Context(), req, tenant, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		existing, dup, ierr := s.idem.Reserve(r.Context(), tenant.TenantID+":"+key, jobID, s.idemTTL)
		if ierr != nil {
			s.logger.Error(tenant.TenantID, req.RequestID, "idempotency reserve failed",
				map[string]any{"error": ierr.Error()})
		} else if dup {
			// The new submission loses; hand back the original job.
			s.engine.CancelJob(r.Context(), jobID)
			writeJSON(w, http.StatusOK, asyncSubmitResponse{JobID: existing})
			return
		}
	}

	writeJSON(w, http.StatusAccepted, asyncSubmitResponse{JobID: jobID})
}

// GET /v1/inference/async/{jobId}
func (s *Server) handleAsyncGet(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	job, err := s.engine.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, async.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DELETE /v1/inference/async/{jobId}
func (s *Server) handleAsyncCancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	cancelled := s.engine.CancelJob(r.Context(), jobID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// GET /v1/providers
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.engine.ListProviders(),
	})
}

// GET /v1/providers/{id}
func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.GetProvider(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// POST /v1/providers/{id}/circuit-breaker/reset
func (s *Server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.engine.GetProvider(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.engine.ResetCircuit(id)
	s.logger.Info(TenantFrom(r.Context()).TenantID, RequestIDFrom(r.Context()),
		"circuit breaker reset", map[string]any{"provider": id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// GET /v1/plugins
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"plugins": s.engine.ListPlugins(),
	})
}

// POST /v1/plugins/{id}/reload
func (s *Server) handleReloadPlugin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	known := false
	for _, info := range s.engine.ListPlugins() {
		if info.ID == id {
			known = true
			break
		}
	}
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "plugin not registered"})
		return
	}
	if err := s.engine.ReloadPlugin(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.QueueStats()
	healthy := s.engine.PluginsHealthy(r.Context())

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"providers": len(s.engine.ListProviders()),
		"queue":     stats,
	})
}
