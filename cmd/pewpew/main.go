package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/torosent/pewpew/internal/config"
	"github.com/torosent/pewpew/internal/orchestrator"
	"github.com/torosent/pewpew/internal/output"
)

// Exit codes: 0 success, 1 config error, 2 runtime error, 3 at least one
// endpoint failed hard.
const (
	exitOK = iota
	exitConfig
	exitRuntime
	exitEndpointFailed
)

const progressInterval = time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	v := viper.New()
	v.SetEnvPrefix("PEWPEW")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "pewpew [config file]",
		Short:         "An HTTP load test tool useful for testing websites and APIs",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runTest(v, args[0])
		},
	}
	root.PersistentFlags().String("log-level", "warn", "Diagnostic log level (debug, info, warn, error)")
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	runCmd := &cobra.Command{
		Use:   "run <config file>",
		Short: "Run a full load test from a YAML test plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(v, args[0])
		},
	}
	runCmd.Flags().StringP("output-format", "o", "human", "Result format: human or json")
	runCmd.Flags().String("stats-file", "", "Also write the JSON report to this file")
	_ = v.BindPFlag("output_format", runCmd.Flags().Lookup("output-format"))
	_ = v.BindPFlag("stats_file", runCmd.Flags().Lookup("stats-file"))

	tryCmd := &cobra.Command{
		Use:   "try <config file>",
		Short: "Run each endpoint once and print the exchanges, for debugging a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			include, _ := cmd.Flags().GetStringSlice("include")
			return runTry(v, args[0], include)
		},
	}
	tryCmd.Flags().StringSliceP("include", "i", nil, "Only try endpoints whose stats_id name matches")

	root.AddCommand(runCmd, tryCmd)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var code exitCoder
		if errors.As(err, &code) {
			return code.exitCode()
		}
		return exitRuntime
	}
	return exitOK
}

type exitCoder interface{ exitCode() int }

type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }
func (configError) exitCode() int   { return exitConfig }

type endpointError struct{}

func (endpointError) Error() string { return "at least one endpoint failed hard" }
func (endpointError) exitCode() int { return exitEndpointFailed }

func newLogger(v *viper.Viper) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(v.GetString("log_level")))
	if err != nil {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func runTest(v *viper.Viper, path string) error {
	log := newLogger(v)

	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		return configError{err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orc, err := orchestrator.New(ctx, orchestrator.Options{Config: cfg, Log: log})
	if err != nil {
		return configError{err}
	}

	jsonOutput := v.GetString("output_format") == "json"
	var progress *output.ProgressReporter
	if !jsonOutput {
		interval := progressInterval
		if cfg.General.BucketSize > 0 {
			interval = cfg.General.BucketSize.Duration()
		}
		progress = output.NewProgressReporter(orc.Feeder(), interval, os.Stdout)
		progress.Start()
	}

	started := time.Now()
	runErr := orc.Run(ctx)
	elapsed := time.Since(started)

	if progress != nil {
		progress.Stop()
		fmt.Fprintln(os.Stdout)
	}

	report := output.Report{
		RunID:     orc.RunID(),
		Started:   started,
		Duration:  elapsed,
		Endpoints: orc.Feeder().Summaries(),
	}
	if jsonOutput {
		if err := output.PrintJSONReport(os.Stdout, report); err != nil {
			return err
		}
	} else {
		output.PrintReport(os.Stdout, report)
	}
	if statsFile := v.GetString("stats_file"); statsFile != "" {
		if err := writeStatsFile(statsFile, report); err != nil {
			log.Warn().Err(err).Str("path", statsFile).Msg("stats file not written")
		}
	}

	if runErr != nil {
		return runErr
	}
	if orc.Feeder().FailedHard() {
		return endpointError{}
	}
	return nil
}

func runTry(v *viper.Viper, path string, include []string) error {
	log := newLogger(v)

	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		return configError{err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orc, err := orchestrator.New(ctx, orchestrator.Options{Config: cfg, Log: log})
	if err != nil {
		return configError{err}
	}

	results, err := orc.Try(ctx, include)
	for _, r := range results {
		data, merr := json.MarshalIndent(r, "", "  ")
		if merr != nil {
			continue
		}
		fmt.Fprintln(os.Stdout, string(data))
	}
	return err
}

func writeStatsFile(path string, report output.Report) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return output.PrintJSONReport(file, report)
}
