// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package llm

import "time"

// Artifact describes one downloadable form of a model.
type Artifact struct {
	URI       string `json:"uri"`
	Checksum  string `json:"checksum,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	MIME      string `json:"mime,omitempty"`
}

// ResourceRequirements captures the minimum resources a model needs.
type ResourceRequirements struct {
	MinMemoryMB int `json:"min_memory_mb,omitempty"`
	MinVRAMMB   int `json:"min_vram_mb,omitempty"`
	MinCPUs     int `json:"min_cpus,omitempty"`
}

// ModelManifest is read-only model metadata consumed by the router. The
// gateway never fetches artifacts; manifests originate from an external
// catalog.
type ModelManifest struct {
	// ModelID is the opaque identifier requests route by.
	ModelID string `json:"model_id"`

	// DisplayName is a human-friendly name.
	DisplayName string `json:"display_name,omitempty"`

	// Formats enumerates the artifact formats available (e.g. "gguf",
	// "safetensors").
	Formats []string `json:"formats,omitempty"`

	// Artifacts maps format to artifact location.
	Artifacts map[string]Artifact `json:"artifacts,omitempty"`

	// Devices enumerates the devices the model can execute on.
	Devices []string `json:"devices,omitempty"`

	// Resources are the minimum resource requirements.
	Resources ResourceRequirements `json:"resources,omitempty"`

	// TenantID binds the manifest to a tenant; empty means shared.
	TenantID string `json:"tenant_id,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// VisibleTo reports whether the manifest is usable by the given tenant.
func (m *ModelManifest) VisibleTo(tenantID string) bool {
	return m.TenantID == "" || m.TenantID == tenantID
}
