package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func TestImportManifest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.ImportManifest(ctx, "mailer", map[string]any{
		"providers": []any{
			map[string]any{"key": "SMTP", "name": "Mail relay", "credential_ref": "vault:smtp"},
		},
		"templates": []any{
			map[string]any{
				"key":        "Send Email",
				"provider":   "smtp",
				"arg_schema": map[string]any{"type": "object", "required": []any{"to"}},
			},
			map[string]any{"key": "legacy_send", "allowed": false},
		},
	})
	require.NoError(t, err)

	p, err := s.GetProvider(ctx, "smtp")
	require.NoError(t, err)
	assert.Equal(t, "Mail relay", p.Name)
	assert.True(t, p.HasCredential())

	tpl, err := s.GetTemplate(ctx, "send_email")
	require.NoError(t, err)
	assert.True(t, tpl.Allowed)
	assert.Equal(t, "smtp", tpl.Provider)
	assert.JSONEq(t, `{"type":"object","required":["to"]}`, string(tpl.ArgSchema))

	legacy, err := s.GetTemplate(ctx, "legacy_send")
	require.NoError(t, err)
	assert.False(t, legacy.Allowed)
}

func TestImportManifest_EmptyManifest(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.ImportManifest(context.Background(), "empty", map[string]any{"name": "empty"}))

	templates, err := s.ListTemplates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, templates)
}

func TestImportManifest_InvalidEntry(t *testing.T) {
	s := newTestStore(t)

	err := s.ImportManifest(context.Background(), "broken", map[string]any{
		"templates": []any{map[string]any{"name": "no key"}},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestImportManifest_WrongShape(t *testing.T) {
	s := newTestStore(t)

	err := s.ImportManifest(context.Background(), "broken", map[string]any{"templates": "nope"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
