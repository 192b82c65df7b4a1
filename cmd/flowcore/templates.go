package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

func newTemplatesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage node templates",
	}
	cmd.AddCommand(newTemplatesPutCommand(rootOpts))
	cmd.AddCommand(newTemplatesListCommand(rootOpts))
	return cmd
}

func newTemplatesPutCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "put <template.json|template.yaml|->",
		Short: "Create or change a node template",
		Long: `Create or change a node template. Every enabled flow is validated against
the proposed template first. If the change would invalidate flows it is
refused, unless --force is given, in which case those flows are disabled and
their active runs are cancelled before the template is saved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tpl, err := readTemplateFile(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			a, err := newApp(ctx, rootOpts.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			flows, skipped, err := validation.LoadFlows(ctx, a.store)
			if err != nil {
				return err
			}
			before := validation.Options{Loaders: a.loaders()}
			after := validation.Options{Loaders: validation.WithTemplate(before.Loaders, tpl)}

			impacts, err := validation.AnalyzeImpact(ctx, flows, before, after)
			if err != nil {
				return err
			}

			applied, err := validation.ApplyImpact(ctx, impacts, force, a.store, a.runs)
			if err != nil {
				if schema.ErrorCode(err) == schema.ErrCodeImpactBlocked {
					_ = writeJSON(cmd.OutOrStdout(), map[string]any{"impacts": impacts})
				}
				return err
			}

			if err := a.store.SaveTemplate(ctx, tpl); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"template": tpl,
				"impacts":  impacts,
				"applied":  applied,
				"skipped":  skipped,
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "disable impacted flows instead of refusing the change")
	return cmd
}

func newTemplatesListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List node templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx, rootOpts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			templates, err := st.ListTemplates(ctx)
			if err != nil {
				return err
			}
			if templates == nil {
				templates = []*store.Template{}
			}
			return writeJSON(cmd.OutOrStdout(), templates)
		},
	}
}

// readTemplateFile decodes a template definition. Allowed defaults to true.
func readTemplateFile(path string, stdin io.Reader) (*store.Template, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	raw, err := toJSON(path, data)
	if err != nil {
		return nil, err
	}

	var def store.ManifestTemplate
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if schema.NormalizeKey(def.Key) == "" {
		return nil, fmt.Errorf("template key is required")
	}
	tpl := &store.Template{
		Key:       schema.NormalizeKey(def.Key),
		Name:      def.Name,
		Provider:  def.Provider,
		ArgSchema: def.ArgSchema,
		Allowed:   true,
	}
	if def.Allowed != nil {
		tpl.Allowed = *def.Allowed
	}
	return tpl, nil
}
