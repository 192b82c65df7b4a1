package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/flowcore/pkg/schema"
)

// Manifest is the catalog section of a plugin unit manifest.
type Manifest struct {
	Providers []ManifestProvider `json:"providers"`
	Templates []ManifestTemplate `json:"templates"`
}

// ManifestProvider declares a provider.
type ManifestProvider struct {
	Key           string `json:"key"`
	Name          string `json:"name"`
	CredentialRef string `json:"credential_ref"`
}

// ManifestTemplate declares a node template. Allowed defaults to true.
type ManifestTemplate struct {
	Key       string          `json:"key"`
	Name      string          `json:"name"`
	Provider  string          `json:"provider"`
	ArgSchema json.RawMessage `json:"arg_schema"`
	Allowed   *bool           `json:"allowed"`
}

// ImportManifest saves the providers and templates a unit manifest declares.
// Providers are saved before templates. The first failing entry aborts the import.
func (s *LibSQLStore) ImportManifest(ctx context.Context, unit string, raw map[string]any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode manifest of %s: %w", unit, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "manifest of %s: %s", unit, err.Error()).WithCause(err)
	}

	for _, p := range m.Providers {
		if err := s.SaveProvider(ctx, &Provider{Key: p.Key, Name: p.Name, CredentialRef: p.CredentialRef}); err != nil {
			return fmt.Errorf("manifest of %s: provider %q: %w", unit, p.Key, err)
		}
	}
	for _, t := range m.Templates {
		allowed := true
		if t.Allowed != nil {
			allowed = *t.Allowed
		}
		tpl := &Template{
			Key:       t.Key,
			Name:      t.Name,
			Provider:  t.Provider,
			ArgSchema: t.ArgSchema,
			Allowed:   allowed,
		}
		if err := s.SaveTemplate(ctx, tpl); err != nil {
			return fmt.Errorf("manifest of %s: template %q: %w", unit, t.Key, err)
		}
	}
	return nil
}
