package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"csvload/internal/advisor"
	"csvload/internal/config"
	"csvload/internal/probe"
	"csvload/internal/schema"
)

type app struct {
	deps   appDeps
	stdout io.Writer
	stderr io.Writer
}

func usageArgs(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return usageErr(err)
		}
		return nil
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "csvload",
		Short: "Load directories of delimited extracts into a database table",
		Long: `csvload streams every matching file of a directory in chunks, coerces
values to the resolved column types, creates the destination table when needed,
drops rows whose natural key is already stored and appends the rest.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return usageErr(errors.New("missing command"))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErr(err)
	})

	root.AddCommand(
		a.newRunCmd(),
		a.newValidateCmd(),
		a.newInferCmd(),
		a.newTemplatesCmd(),
		a.newScheduleCmd(),
	)
	return root
}

func addConfigFlag(cmd *cobra.Command, p *string) {
	cmd.Flags().StringVarP(p, "config", "c", "", "job file (.yaml, .yml or .json)")
}

func (a *app) newValidateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a job file and print every issue",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(cfgPath) == "" {
				return usageErr(errors.New("missing -c/--config job file"))
			}
			cfg, err := a.deps.loadJob(cfgPath)
			if err != nil {
				return err
			}
			issues := config.Validate(cfg)
			for _, iss := range issues {
				fmt.Fprintln(a.stdout, iss)
			}
			if config.HasErrors(issues) {
				return fmt.Errorf("job file %s is invalid", cfgPath)
			}
			fmt.Fprintf(a.stdout, "job file %s is valid\n", cfgPath)
			return nil
		},
	}
	addConfigFlag(cmd, &cfgPath)
	return cmd
}

func (a *app) newInferCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Resolve column types from the first file and print them as schema CSV",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadValidJob(cfgPath)
			if err != nil {
				return err
			}
			env := a.deps.loadEnv()
			logger, closeLog := config.SetupLogger(a.stderr, env.LogFile, env.LogLevel)
			defer closeLog()

			r := a.deps.newRunner(runnerConfig{Logger: logger, Advisor: a.advisor(cfg, env, logger)})
			inf, err := r.Infer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if inf.SampleFile == "" {
				logger.Warn("stage=infer no readable file; decisions come from the job's type sources only", "dir", cfg.Source.Dir)
			}
			return schema.WriteSchemaCSV(a.stdout, inf.Decisions)
		},
	}
	addConfigFlag(cmd, &cfgPath)
	return cmd
}

func (a *app) newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates [name]",
		Short: "List the named templates, or print one as schema CSV",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				for _, n := range schema.TemplateNames() {
					fmt.Fprintln(a.stdout, n)
				}
				return nil
			}
			t, err := schema.LookupTemplate(args[0])
			if err != nil {
				return usageErr(err)
			}
			return schema.WriteSchemaCSV(a.stdout, t.Decisions())
		},
	}
}

// loadValidJob loads the job file and prints its issues to stderr. Any error
// issue fails the command.
func (a *app) loadValidJob(path string) (*config.Job, error) {
	if strings.TrimSpace(path) == "" {
		return nil, usageErr(errors.New("missing -c/--config job file"))
	}
	cfg, err := a.deps.loadJob(path)
	if err != nil {
		return nil, err
	}
	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintln(a.stderr, iss)
	}
	if config.HasErrors(issues) {
		return nil, fmt.Errorf("job file %s is invalid", path)
	}
	return cfg, nil
}

// advisor builds the type advisor when the job enables it. Without an API
// key the job falls back to heuristics.
func (a *app) advisor(cfg *config.Job, env config.Env, logger *slog.Logger) probe.Advisor {
	if !cfg.Types.Advisor.Enabled {
		return nil
	}
	if env.AnthropicAPIKey == "" {
		logger.Warn("stage=advisor disabled: ANTHROPIC_API_KEY is not set")
		return nil
	}
	model := cfg.Types.Advisor.Model
	if model == "" {
		model = env.AdvisorModel
	}
	if model == "" {
		model = advisor.DefaultModel
	}
	adv, err := a.deps.newAdvisor(env.AnthropicAPIKey, model)
	if err != nil {
		logger.Warn("stage=advisor disabled", "error", err)
		return nil
	}
	logger.Info("stage=advisor enabled", "model", model)
	return adv
}
