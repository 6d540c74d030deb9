// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package openaicompat adapts any OpenAI-compatible chat completions
// backend (OpenAI, Azure OpenAI, vLLM, Ollama, llama.cpp server) to the
// provider contract.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"modelgate/gateway/orchestrator/llm"
)

// Driver is the driver name this adapter registers under.
const Driver = "openai-compat"

const defaultTimeout = 120 * time.Second

// Provider is one configured OpenAI-compatible backend.
type Provider struct {
	id      string
	version string
	cfg     llm.Config
	models  map[string]bool
	http    *http.Client
}

var (
	_ llm.Provider          = (*Provider)(nil)
	_ llm.StreamingProvider = (*Provider)(nil)
)

// New creates an uninitialized provider with the given id. Initialize
// must be called before use.
func New(id string) *Provider {
	return &Provider{
		id:      id,
		version: "1.0.0",
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (p *Provider) ID() string      { return p.id }
func (p *Provider) Version() string { return p.version }

func (p *Provider) Descriptor() llm.Descriptor {
	pool := p.cfg.Pool
	if pool == "" {
		pool = llm.PoolCloud
	}
	return llm.Descriptor{
		ID:          p.id,
		Version:     p.version,
		DisplayName: p.cfg.Name,
		Vendor:      "openai-compat",
		Pool:        pool,
	}
}

func (p *Provider) Capabilities() llm.Capabilities {
	var models []string
	for m := range p.models {
		models = append(models, m)
	}
	return llm.Capabilities{
		Streaming:       true,
		ToolCalling:     true,
		FunctionCalling: true,
		SupportedModels: models,
	}
}

// Initialize validates the endpoint configuration. No connection is
// made; the first health probe verifies reachability.
func (p *Provider) Initialize(ctx context.Context, config llm.Config) error {
	if config.Endpoint == "" {
		return llm.NewError(llm.KindValidation, "openai-compat provider requires an endpoint")
	}
	p.cfg = config
	p.cfg.Endpoint = strings.TrimSuffix(config.Endpoint, "/")
	p.models = make(map[string]bool, len(config.Models))
	for _, m := range config.Models {
		p.models[m] = true
	}
	if config.TimeoutSeconds > 0 {
		p.http.Timeout = time.Duration(config.TimeoutSeconds) * time.Second
	}
	return nil
}

// Supports reports model membership. An empty model list serves any
// model the backend accepts.
func (p *Provider) Supports(modelID string, tenant llm.TenantContext) bool {
	if len(p.models) == 0 {
		return true
	}
	return p.models[modelID]
}

// chatRequest is the OpenAI chat completions wire format.
type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Tools       []chatTool      `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"`
	StreamOpts  *chatStreamOpts `json:"stream_options,omitempty"`
	User        string          `json:"user,omitempty"`
}

type chatStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *Provider) buildRequest(req *llm.InferenceRequest, tenant llm.TenantContext, stream bool) chatRequest {
	cr := chatRequest{
		Model:  req.Model,
		Stream: stream,
		User:   tenant.UserID,
	}
	if p.cfg.DefaultModel != "" && len(p.models) == 0 {
		cr.Model = p.cfg.DefaultModel
	}
	for _, m := range req.Messages {
		cr.Messages = append(cr.Messages, chatMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		})
	}
	if v, ok := req.Parameters["temperature"].(float64); ok {
		cr.Temperature = &v
	}
	switch v := req.Parameters["max_tokens"].(type) {
	case int:
		cr.MaxTokens = v
	case float64:
		cr.MaxTokens = int(v)
	}
	for _, tool := range req.Tools {
		cr.Tools = append(cr.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	if req.ToolChoice != "" {
		cr.ToolChoice = string(req.ToolChoice)
	}
	if stream {
		cr.StreamOpts = &chatStreamOpts{IncludeUsage: true}
	}
	return cr
}

func (p *Provider) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.WrapError(llm.KindInternal, p.id, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.Endpoint+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, llm.WrapError(llm.KindInternal, p.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		if cerr := llm.FromContext(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, llm.WrapError(llm.KindProviderUnavailable, p.id, err)
	}
	return resp, nil
}

// mapStatus converts a non-2xx backend response into a typed error.
func (p *Provider) mapStatus(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	msg := strings.TrimSpace(string(raw))
	var ce chatError
	if json.Unmarshal(raw, &ce) == nil && ce.Error.Message != "" {
		msg = ce.Error.Message
	}

	var err *llm.Error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err = llm.Errorf(llm.KindRateLimit, "%s: %s", p.id, msg)
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, perr := strconv.Atoi(after); perr == nil {
				err.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err = llm.Errorf(llm.KindAuth, "%s: %s", p.id, msg)
	case resp.StatusCode >= 500:
		err = llm.Errorf(llm.KindProviderUnavailable, "%s: status %d: %s", p.id, resp.StatusCode, msg)
	default:
		err = llm.Errorf(llm.KindValidation, "%s: status %d: %s", p.id, resp.StatusCode, msg)
	}
	err.Provider = p.id
	return err
}

// Infer executes a unary chat completion.
func (p *Provider) Infer(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext) (*llm.InferenceResponse, error) {
	start := time.Now()
	resp, err := p.post(ctx, p.buildRequest(req, tenant, false))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.mapStatus(resp)
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, llm.WrapError(llm.KindProviderUnavailable, p.id, fmt.Errorf("decode response: %w", err))
	}
	if len(cr.Choices) == 0 {
		return nil, llm.Errorf(llm.KindProviderUnavailable, "%s returned no choices", p.id)
	}

	return &llm.InferenceResponse{
		RequestID:    req.RequestID,
		Model:        req.Model,
		Content:      cr.Choices[0].Message.Content,
		InputTokens:  cr.Usage.PromptTokens,
		OutputTokens: cr.Usage.CompletionTokens,
		TokensUsed:   cr.Usage.TotalTokens,
		DurationMs:   time.Since(start).Milliseconds(),
		Timestamp:    time.Now().UTC(),
		StopReason:   cr.Choices[0].FinishReason,
	}, nil
}

// Stream executes a streaming chat completion. Chunks are decoded from
// the backend's SSE frames; the channel closes after the final chunk.
func (p *Provider) Stream(ctx context.Context, req *llm.InferenceRequest, tenant llm.TenantContext) (<-chan llm.StreamChunk, error) {
	resp, err := p.post(ctx, p.buildRequest(req, tenant, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, p.mapStatus(resp)
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		p.readSSE(ctx, resp.Body, req, out)
	}()
	return out, nil
}

func (p *Provider) readSSE(ctx context.Context, body io.Reader, req *llm.InferenceRequest, out chan<- llm.StreamChunk) {
	send := func(chunk llm.StreamChunk) bool {
		chunk.RequestID = req.RequestID
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage *chatUsage
	index := 0
	finished := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			chunk := llm.StreamChunk{Index: index, IsFinal: true}
			if usage != nil {
				chunk.Metadata = map[string]any{"tokens_used": usage.TotalTokens}
			}
			send(chunk)
			finished = true
			return
		}

		var ev chatStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			send(llm.StreamChunk{Index: index, IsFinal: true,
				Err: fmt.Sprintf("malformed stream event: %v", err)})
			finished = true
			return
		}
		if ev.Usage != nil {
			usage = ev.Usage
		}
		if len(ev.Choices) == 0 {
			continue
		}
		if ev.Choices[0].Delta.Content != "" {
			if !send(llm.StreamChunk{Index: index, Delta: ev.Choices[0].Delta.Content}) {
				return
			}
			index++
		}
	}

	if !finished {
		msg := "stream ended before [DONE]"
		if err := scanner.Err(); err != nil {
			msg = err.Error()
		}
		send(llm.StreamChunk{Index: index, IsFinal: true, Err: msg})
	}
}

// Health probes the backend's model listing endpoint.
func (p *Provider) Health(ctx context.Context) (*llm.Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	start := time.Now()
	resp, err := p.http.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.Health{
			Status:    llm.HealthUnhealthy,
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
		}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	h := &llm.Health{
		Timestamp: time.Now().UTC(),
		Details:   map[string]any{"latency_ms": latency.Milliseconds(), "status_code": resp.StatusCode},
	}
	switch {
	case resp.StatusCode == http.StatusOK && latency < time.Second:
		h.Status = llm.HealthHealthy
	case resp.StatusCode == http.StatusOK:
		h.Status = llm.HealthDegraded
		h.Message = fmt.Sprintf("slow health probe: %s", latency)
	default:
		h.Status = llm.HealthUnhealthy
		h.Message = fmt.Sprintf("status %d from models endpoint", resp.StatusCode)
	}
	return h, nil
}

// Shutdown closes idle connections.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.http.CloseIdleConnections()
	return nil
}
