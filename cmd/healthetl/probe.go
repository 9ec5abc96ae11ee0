package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"healthetl/internal/config"
	"healthetl/internal/storage"
)

type probeOptions struct {
	configPath string
	storage    string
	format     string
}

func newProbeCmd(s streams, deps appDeps) *cobra.Command {
	var o probeOptions

	cmd := &cobra.Command{
		Use:   "probe <export.zip|export.xml>",
		Short: "Show the schema a conversion would create",
		Long: `Probe reads the whole export and reports every table and column a
conversion would create, with inferred types, without writing anything.
Identifier limits of the selected storage backend are checked.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.format != "table" && o.format != "yaml" {
				return usageError{err: fmt.Errorf("invalid --format %q (want table or yaml)", o.format)}
			}

			cfg, err := deps.loadConfig(o.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.Source.Path = args[0]
			if cmd.Flags().Changed("storage") {
				cfg.Storage.Kind = o.storage
			}
			if reportIssues(s.err, config.ValidateSource(cfg)) {
				fmt.Fprintln(s.err, "configuration is invalid")
				return exitError{code: 1}
			}

			log := slog.New(slog.DiscardHandler)
			if cfg.Log.Level == "debug" {
				log = slog.New(slog.NewTextHandler(s.err, &slog.HandlerOptions{Level: slog.LevelDebug}))
			}
			r := deps.newRunner(runnerOptions{Logger: log})

			sum, tables, err := r.Probe(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			if o.format == "yaml" {
				return writeSchemaYAML(s.out, tables)
			}
			p := newPrinter(s.out, !isTerminal(s.out))
			p.schema(tables)
			if sum.ElementErrors > 0 {
				p.summary(sum, cfg.Source.Path)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "config file (default ./healthetl.yaml if present)")
	f.StringVar(&o.storage, "storage", "", "check identifiers against this backend: sqlite, postgres or mssql")
	f.StringVar(&o.format, "format", "table", "output format: table or yaml")
	return cmd
}

func writeSchemaYAML(w io.Writer, tables []storage.TableSpec) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"tables": tables}); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return enc.Close()
}
