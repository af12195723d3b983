package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/analytica/capture"
	"github.com/isdmx/analytica/dataset"
	"github.com/isdmx/analytica/engine"
	"github.com/isdmx/analytica/logger"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		datasetPath string
		chartsDir   string
	)

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Validate and execute a script",
		Long: `Validate and execute a script in a worker process and print the outcome
as JSON. Use - to read the script from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if datasetPath != "" {
				cfg.Dataset.Path = datasetPath
			}

			log, err := logger.NewFromConfig(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			p, err := newPolicy(cfg)
			if err != nil {
				return err
			}
			ds, err := dataset.Load(cfg.Dataset.Path)
			if err != nil {
				return err
			}
			src, err := readScript(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			gov, err := newGovernor(log, cfg)
			if err != nil {
				return err
			}
			coordinator := newCoordinator(log, cfg, p, gov)
			outcome := coordinator.Execute(cmd.Context(), engine.Script{Source: src}, ds)

			if payload, ok := outcome.Payload(); ok && chartsDir != "" {
				if err := writeCharts(chartsDir, payload.Charts); err != nil {
					log.Error("failed to write charts", zap.Error(err))
					return err
				}
			}

			data, err := json.MarshalIndent(outcome, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode outcome: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))

			if outcome.Status() != engine.StatusSuccess {
				return &exitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&datasetPath, "dataset", "", "dataset file (overrides dataset.path)")
	cmd.Flags().StringVar(&chartsDir, "charts-dir", "", "directory to write chart images to")

	return cmd
}

// writeCharts stores each chart as <index>-<name>.<format> in dir.
func writeCharts(dir string, charts []capture.Chart) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create charts directory: %w", err)
	}
	for i, c := range charts {
		name := fmt.Sprintf("%02d-%s.%s", i+1, fileSafe(c.Name), c.Format)
		if err := os.WriteFile(filepath.Join(dir, name), c.Data, 0o600); err != nil {
			return fmt.Errorf("failed to write chart %s: %w", name, err)
		}
	}
	return nil
}

// fileSafe maps a chart title to a single path element.
func fileSafe(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, name)
}
