package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/flowpilot/internal/config"
	"github.com/pitabwire/flowpilot/internal/definition"
	"github.com/pitabwire/flowpilot/internal/observability"
	"github.com/pitabwire/flowpilot/internal/worker"
	"github.com/pitabwire/flowpilot/internal/workflow"
	"github.com/pitabwire/flowpilot/model"
)

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan the configured roots and list the workflows found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			strict, _ := cmd.Flags().GetBool("strict")

			catalog, report := newDiscoverer(cfg, zap.NewNop(), nil).
				Discover(definition.RootsFromConfig(cfg.Discovery.Roots))
			printCatalog(cmd.OutOrStdout(), catalog, report)

			if strict && len(report.Failures()) > 0 {
				return fmt.Errorf("%d template(s) failed to load", len(report.Failures()))
			}
			return nil
		},
	}
	cmd.Flags().Bool("strict", false, "exit non-zero when any template fails to load")
	return cmd
}

func printCatalog(out io.Writer, catalog *definition.Catalog, report definition.Report) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tCATEGORY\tSOURCE\tPHASES\tTASKS")
	for _, def := range catalog.All() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			def.ID, def.Version, def.Category, def.Source, len(def.Phases), def.TaskCount())
	}
	_ = tw.Flush()

	fmt.Fprintf(out, "\n%d workflow(s) loaded, checksum %s\n", catalog.Len(), catalog.Checksum())
	for _, e := range report.Entries {
		if e.Outcome == definition.OutcomeLoaded {
			continue
		}
		fmt.Fprintf(out, "%s: %s", e.Outcome, e.Path)
		if e.Message != "" {
			fmt.Fprintf(out, " (%s)", e.Message)
		}
		fmt.Fprintln(out)
		for _, ve := range e.Errors {
			fmt.Fprintf(out, "  %s\n", ve.Error())
		}
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate workflow template files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			loader := definition.NewLoader()
			validator := definition.NewValidator(definition.WithDefaultTimeout(cfg.Engine.DefaultTaskTimeout))
			out := cmd.OutOrStdout()

			bad := 0
			for _, path := range args {
				raw, err := loader.LoadFile(path)
				if err != nil {
					bad++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				def, errs := validator.Validate(raw.Data)
				if len(errs) > 0 {
					bad++
					fmt.Fprintf(out, "FAIL %s\n", path)
					for _, ve := range errs {
						fmt.Fprintf(out, "  %s\n", ve.Error())
					}
					continue
				}
				fmt.Fprintf(out, "ok   %s (%s, %d phase(s), %d task(s))\n",
					path, def.ID, len(def.Phases), def.TaskCount())
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d template(s) invalid", bad, len(args))
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Run one workflow against the configured workers and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rawInput, _ := cmd.Flags().GetString("input")
			input, err := parseInput(rawInput)
			if err != nil {
				return err
			}

			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			report, err := runOnce(ctx, cfg, logger, args[0], input)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Status != model.RunSucceeded {
				return fmt.Errorf("run finished with status %s", report.Status)
			}
			return nil
		},
	}
	cmd.Flags().String("input", "", `run input as a JSON object, e.g. '{"index": "main"}'`)
	return cmd
}

func parseInput(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("--input must be a JSON object: %w", err)
	}
	return input, nil
}

func runOnce(ctx context.Context, cfg *config.Config, logger *zap.Logger, workflowID string, input map[string]any) (model.Report, error) {
	if cfg.Worker.Query.BaseURL == "" {
		return model.Report{}, fmt.Errorf("worker.query.base_url is not configured")
	}

	catalog, _ := newDiscoverer(cfg, logger, nil).Discover(definition.RootsFromConfig(cfg.Discovery.Roots))
	registry := definition.NewRegistry(catalog)

	opts := []worker.Option{worker.WithLogger(logger)}
	var synth model.SynthesisWorker
	if cfg.Worker.Synthesis.BaseURL != "" {
		synth = worker.NewHTTPSynthesisWorker(cfg.Worker.Synthesis, opts...)
	}

	engine := workflow.NewEngine(registry, worker.NewHTTPQueryWorker(cfg.Worker.Query, opts...),
		workflow.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		workflow.WithLogger(logger),
		workflow.WithProgressSink(workflow.NewLogSink(logger)),
		workflow.WithAggregator(workflow.NewAggregator(synth,
			workflow.WithSynthesisTimeout(cfg.Engine.SynthesisTimeout),
			workflow.WithAggregatorLogger(logger),
		)),
	)
	return engine.Run(ctx, workflowID, input)
}
