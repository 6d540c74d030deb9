// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ManifestStore provides read access to model manifests. Manifests are
// authored externally; the gateway only consumes them.
type ManifestStore interface {
	// GetManifest retrieves a manifest by model id.
	GetManifest(ctx context.Context, modelID string) (*ModelManifest, error)

	// ListManifests returns all manifests visible to a tenant.
	ListManifests(ctx context.Context, tenantID string) ([]*ModelManifest, error)
}

// PostgresCatalog implements ProviderSource and ManifestStore over
// PostgreSQL.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog creates a PostgreSQL-backed provider/manifest catalog.
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

// ListConfigs returns all enabled provider configurations.
func (c *PostgresCatalog) ListConfigs(ctx context.Context) ([]Config, error) {
	query := `
		SELECT name, driver, endpoint, api_key, models, default_model,
		       pool, weight, enabled, timeout_seconds, settings
		FROM providers
		WHERE enabled = true
		ORDER BY name
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider configs: %w", err)
	}
	defer rows.Close()

	var configs []Config
	for rows.Next() {
		var cfg Config
		var endpoint, apiKey, defaultModel, pool sql.NullString
		var modelsJSON, settingsJSON []byte

		if err := rows.Scan(
			&cfg.Name,
			&cfg.Driver,
			&endpoint,
			&apiKey,
			&modelsJSON,
			&defaultModel,
			&pool,
			&cfg.Weight,
			&cfg.Enabled,
			&cfg.TimeoutSeconds,
			&settingsJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan provider config: %w", err)
		}

		cfg.Endpoint = endpoint.String
		cfg.APIKey = apiKey.String
		cfg.DefaultModel = defaultModel.String
		cfg.Pool = Pool(pool.String)

		if len(modelsJSON) > 0 {
			if err := json.Unmarshal(modelsJSON, &cfg.Models); err != nil {
				return nil, fmt.Errorf("failed to unmarshal models for %q: %w", cfg.Name, err)
			}
		}
		cfg.Settings = make(map[string]any)
		if len(settingsJSON) > 0 {
			if err := json.Unmarshal(settingsJSON, &cfg.Settings); err != nil {
				return nil, fmt.Errorf("failed to unmarshal settings for %q: %w", cfg.Name, err)
			}
		}

		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider configs: %w", err)
	}
	return configs, nil
}

// SaveConfig upserts a provider configuration.
func (c *PostgresCatalog) SaveConfig(ctx context.Context, cfg Config) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}

	modelsJSON, err := json.Marshal(cfg.Models)
	if err != nil {
		return fmt.Errorf("failed to marshal models: %w", err)
	}
	settingsJSON, err := json.Marshal(cfg.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO providers (
			name, driver, endpoint, api_key, models, default_model,
			pool, weight, enabled, timeout_seconds, settings
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE SET
			driver = EXCLUDED.driver,
			endpoint = EXCLUDED.endpoint,
			api_key = EXCLUDED.api_key,
			models = EXCLUDED.models,
			default_model = EXCLUDED.default_model,
			pool = EXCLUDED.pool,
			weight = EXCLUDED.weight,
			enabled = EXCLUDED.enabled,
			timeout_seconds = EXCLUDED.timeout_seconds,
			settings = EXCLUDED.settings,
			updated_at = NOW()
	`

	_, err = c.db.ExecContext(ctx, query,
		cfg.Name,
		cfg.Driver,
		cfg.Endpoint,
		cfg.APIKey,
		modelsJSON,
		cfg.DefaultModel,
		string(cfg.Pool),
		cfg.Weight,
		cfg.Enabled,
		cfg.TimeoutSeconds,
		settingsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save provider config: %w", err)
	}
	return nil
}

// GetManifest retrieves a manifest by model id.
func (c *PostgresCatalog) GetManifest(ctx context.Context, modelID string) (*ModelManifest, error) {
	query := `
		SELECT model_id, display_name, formats, artifacts, devices,
		       tenant_id, created_at, updated_at
		FROM model_manifests
		WHERE model_id = $1
	`

	var m ModelManifest
	var displayName, tenantID sql.NullString
	var formatsJSON, artifactsJSON, devicesJSON []byte

	err := c.db.QueryRowContext(ctx, query, modelID).Scan(
		&m.ModelID,
		&displayName,
		&formatsJSON,
		&artifactsJSON,
		&devicesJSON,
		&tenantID,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("manifest %q not found", modelID)
		}
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}

	m.DisplayName = displayName.String
	m.TenantID = tenantID.String
	if err := unmarshalManifestFields(&m, formatsJSON, artifactsJSON, devicesJSON); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListManifests returns all manifests visible to a tenant (shared plus
// tenant-bound).
func (c *PostgresCatalog) ListManifests(ctx context.Context, tenantID string) ([]*ModelManifest, error) {
	query := `
		SELECT model_id, display_name, formats, artifacts, devices,
		       tenant_id, created_at, updated_at
		FROM model_manifests
		WHERE tenant_id IS NULL OR tenant_id = '' OR tenant_id = $1
		ORDER BY model_id
	`

	rows, err := c.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	defer rows.Close()

	var out []*ModelManifest
	for rows.Next() {
		var m ModelManifest
		var displayName, tenant sql.NullString
		var formatsJSON, artifactsJSON, devicesJSON []byte

		if err := rows.Scan(
			&m.ModelID,
			&displayName,
			&formatsJSON,
			&artifactsJSON,
			&devicesJSON,
			&tenant,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan manifest: %w", err)
		}
		m.DisplayName = displayName.String
		m.TenantID = tenant.String
		if err := unmarshalManifestFields(&m, formatsJSON, artifactsJSON, devicesJSON); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating manifests: %w", err)
	}
	return out, nil
}

// SaveManifest upserts a model manifest.
func (c *PostgresCatalog) SaveManifest(ctx context.Context, m *ModelManifest) error {
	if m == nil || m.ModelID == "" {
		return NewError(KindValidation, "manifest requires a model id")
	}

	formatsJSON, err := json.Marshal(m.Formats)
	if err != nil {
		return fmt.Errorf("failed to marshal formats: %w", err)
	}
	artifactsJSON, err := json.Marshal(m.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifacts: %w", err)
	}
	devicesJSON, err := json.Marshal(m.Devices)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}

	query := `
		INSERT INTO model_manifests (
			model_id, display_name, formats, artifacts, devices, tenant_id
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (model_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			formats = EXCLUDED.formats,
			artifacts = EXCLUDED.artifacts,
			devices = EXCLUDED.devices,
			tenant_id = EXCLUDED.tenant_id,
			updated_at = NOW()
	`

	_, err = c.db.ExecContext(ctx, query,
		m.ModelID,
		m.DisplayName,
		formatsJSON,
		artifactsJSON,
		devicesJSON,
		m.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	return nil
}

func unmarshalManifestFields(m *ModelManifest, formatsJSON, artifactsJSON, devicesJSON []byte) error {
	if len(formatsJSON) > 0 {
		if err := json.Unmarshal(formatsJSON, &m.Formats); err != nil {
			return fmt.Errorf("failed to unmarshal formats for %q: %w", m.ModelID, err)
		}
	}
	if len(artifactsJSON) > 0 {
		if err := json.Unmarshal(artifactsJSON, &m.Artifacts); err != nil {
			return fmt.Errorf("failed to unmarshal artifacts for %q: %w", m.ModelID, err)
		}
	}
	if len(devicesJSON) > 0 {
		if err := json.Unmarshal(devicesJSON, &m.Devices); err != nil {
			return fmt.Errorf("failed to unmarshal devices for %q: %w", m.ModelID, err)
		}
	}
	return nil
}

// Ensure PostgresCatalog implements its interfaces.
var (
	_ ProviderSource = (*PostgresCatalog)(nil)
	_ ManifestStore  = (*PostgresCatalog)(nil)
)
