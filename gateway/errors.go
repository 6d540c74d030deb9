// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"modelgate/gateway/orchestrator/llm"
)

// StatusClientClosedRequest is the nginx convention for a consumer
// cancelling mid-request; net/http has no constant for it.
const StatusClientClosedRequest = 499

// errorBody is the JSON error envelope returned by every endpoint.
type errorBody struct {
	Error struct {
		Kind      string `json:"kind"`
		Message   string `json:"message"`
		Provider  string `json:"provider,omitempty"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

// statusForKind maps orchestrator error kinds to HTTP status codes.
func statusForKind(kind llm.Kind) int {
	switch kind {
	case llm.KindValidation:
		return http.StatusBadRequest
	case llm.KindAuth:
		return http.StatusUnauthorized
	case llm.KindQuotaExceeded, llm.KindRateLimit:
		return http.StatusTooManyRequests
	case llm.KindProviderUnavailable, llm.KindCircuitOpen,
		llm.KindAllProvidersUnavailable, llm.KindQueueFull:
		return http.StatusServiceUnavailable
	case llm.KindTimeout:
		return http.StatusGatewayTimeout
	case llm.KindCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as the JSON error envelope with the mapped
// status. A known retry delay becomes a Retry-After header.
func writeError(w http.ResponseWriter, err error) {
	kind := llm.KindOf(err)

	var body errorBody
	body.Error.Kind = string(kind)
	body.Error.Message = err.Error()
	body.Error.Retryable = llm.IsRetryable(err)
	if e, ok := err.(*llm.Error); ok {
		body.Error.Provider = e.Provider
	}

	if after := llm.RetryAfterOf(err); after > 0 {
		secs := int(math.Ceil(after.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	writeJSON(w, statusForKind(kind), body)
}
