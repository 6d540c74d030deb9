// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"fmt"
	"time"
)

// Pool names a subset of providers sharing routing policy.
type Pool string

const (
	// PoolCloud groups remote API providers.
	PoolCloud Pool = "cloud"

	// PoolLocal groups providers backed by local runtimes.
	PoolLocal Pool = "local"

	// PoolHybrid groups providers eligible for both policies.
	PoolHybrid Pool = "hybrid"
)

// HealthStatus represents the health state of a provider.
type HealthStatus string

const (
	// HealthHealthy indicates the provider is fully operational.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the provider works but with issues; it
	// remains routable.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the provider is not operational.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthUnknown indicates no probe has completed yet.
	HealthUnknown HealthStatus = "unknown"
)

// Routable reports whether the router may select a provider in this state.
// Unknown is routable so freshly registered providers serve traffic before
// the first poll completes.
func (s HealthStatus) Routable() bool {
	return s == HealthHealthy || s == HealthDegraded || s == HealthUnknown
}

// Health is a point-in-time health observation.
type Health struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Descriptor identifies a provider build.
type Descriptor struct {
	// ID is the provider identifier, conventionally "namespace/name".
	ID string `json:"id"`

	// Version is the semver of this provider build.
	Version string `json:"version"`

	// DisplayName is a human-friendly name.
	DisplayName string `json:"display_name,omitempty"`

	// Vendor names the provider author.
	Vendor string `json:"vendor,omitempty"`

	// Homepage links to the provider's documentation.
	Homepage string `json:"homepage,omitempty"`

	// Pool places the provider in a routing pool. Empty means cloud.
	Pool Pool `json:"pool,omitempty"`
}

// Capabilities enumerates provider features consulted by the router.
type Capabilities struct {
	Streaming         bool     `json:"streaming"`
	Embeddings        bool     `json:"embeddings"`
	Multimodal        bool     `json:"multimodal"`
	FunctionCalling   bool     `json:"function_calling"`
	ToolCalling       bool     `json:"tool_calling"`
	StructuredOutputs bool     `json:"structured_outputs"`
	SupportedFormats  []string `json:"supported_formats,omitempty"`
	SupportedDevices  []string `json:"supported_devices,omitempty"`
	MaxContextTokens  int      `json:"max_context_tokens,omitempty"`
	MaxOutputTokens   int      `json:"max_output_tokens,omitempty"`

	// SupportedModels is the closed set of models the provider serves.
	// Empty means open universe: Supports decides per call.
	SupportedModels []string `json:"supported_models,omitempty"`
}

// SupportsDevice reports whether the provider exposes the named device.
func (c Capabilities) SupportsDevice(device string) bool {
	for _, d := range c.SupportedDevices {
		if d == device {
			return true
		}
	}
	return false
}

// Provider is the contract every execution backend implements.
// Implementations must be safe for concurrent use; adapters that are not
// internally serialize.
//
// Infer must respect the context deadline and return a timeout error when
// it expires. Providers must not mutate the request.
type Provider interface {
	// ID returns the provider identifier ("namespace/name").
	ID() string

	// Version returns the semver of this provider build.
	Version() string

	// Descriptor returns static identity metadata.
	Descriptor() Descriptor

	// Capabilities returns the feature set consulted by the router.
	Capabilities() Capabilities

	// Initialize prepares the provider for use.
	Initialize(ctx context.Context, config Config) error

	// Supports reports whether the provider can serve the model for the
	// tenant. It must be pure and side-effect free; the router calls it
	// on the hot path.
	Supports(modelID string, tenant TenantContext) bool

	// Infer executes a unary completion.
	Infer(ctx context.Context, req *InferenceRequest, tenant TenantContext) (*InferenceResponse, error)

	// Health probes the backend. Called only by the registry's background
	// poller, never on the hot path.
	Health(ctx context.Context) (*Health, error)

	// Shutdown releases provider resources.
	Shutdown(ctx context.Context) error
}

// StreamingProvider is implemented by providers that support chunked
// delivery. The returned channel is closed after the final chunk; the
// sequence is not restartable. Cancelling ctx must promptly free
// provider-side resources.
type StreamingProvider interface {
	Provider

	Stream(ctx context.Context, req *InferenceRequest, tenant TenantContext) (<-chan StreamChunk, error)
}

// Config is the unified provider configuration, persisted by the catalog
// and handed to Initialize.
type Config struct {
	// Name is the provider id the instance registers under.
	Name string `json:"name"`

	// Driver selects the adapter implementation (e.g. "openai-compat").
	Driver string `json:"driver"`

	// Endpoint is the backend URL. Empty uses the driver default.
	Endpoint string `json:"endpoint,omitempty"`

	// APIKey authenticates against the backend.
	APIKey string `json:"api_key,omitempty"`

	// Models is the closed set of served models; empty means open universe.
	Models []string `json:"models,omitempty"`

	// DefaultModel is used when a request model maps 1:1 onto the backend.
	DefaultModel string `json:"default_model,omitempty"`

	// Pool places the provider in a routing pool.
	Pool Pool `json:"pool,omitempty"`

	// Weight is consumed by the weighted-random strategy.
	Weight int `json:"weight,omitempty"`

	// Enabled gates registration during discovery.
	Enabled bool `json:"enabled"`

	// TimeoutSeconds overrides the adapter's HTTP timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// Settings carries driver-specific options.
	Settings map[string]any `json:"settings,omitempty"`
}

// ValidateConfig checks the minimum fields of a provider configuration.
func ValidateConfig(c Config) error {
	if c.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if c.Driver == "" {
		return fmt.Errorf("provider driver is required")
	}
	return nil
}

// ProviderSource supplies provider configurations for one-shot discovery
// (Registry.Discover). The Postgres catalog implements it.
type ProviderSource interface {
	// ListConfigs returns all enabled provider configurations.
	ListConfigs(ctx context.Context) ([]Config, error)
}

// ProviderFactory builds a provider instance from its configuration.
// The registry uses it during discovery.
type ProviderFactory func(Config) (Provider, error)
