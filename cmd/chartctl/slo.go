package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/autoeda/chart-engine/internal/config"
	"github.com/autoeda/chart-engine/internal/metrics"
	"github.com/autoeda/chart-engine/internal/platform/logger"
)

// newSLOCheckCmd replays the JSONL event log and evaluates SLO thresholds.
// Exits non-zero when any threshold is violated, for CI gating.
func newSLOCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slo-check",
		Short: "Evaluate SLO thresholds against the metrics event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			logPath, _ := cmd.Flags().GetString("log")
			thresholdsPath, _ := cmd.Flags().GetString("thresholds")
			return runSLOCheck(logPath, thresholdsPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("log", "", "Event log path (default from AUTOEDA_METRICS_LOG)")
	cmd.Flags().String("thresholds", "", "YAML file with per-event threshold overrides")
	return cmd
}

func runSLOCheck(logPath, thresholdsPath string, out io.Writer) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	if logPath == "" {
		logPath = cfg.MetricsLog
	}

	thresholds := metrics.MergeThresholds(metrics.DefaultThresholds(), cfg.ThresholdOverrides())
	if thresholdsPath != "" {
		fileThresholds, err := loadThresholdFile(thresholdsPath)
		if err != nil {
			return err
		}
		thresholds = metrics.MergeThresholds(thresholds, fileThresholds)
	}

	store := metrics.NewStore(logPath, logger.New("chartctl"))
	store.BootstrapFromEvents(metrics.LoadEventLog(logPath))

	report := store.Report(thresholds)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.HasViolation() {
		return fmt.Errorf("slo violation detected")
	}
	return nil
}

func loadThresholdFile(path string) (map[string]map[string]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds file: %w", err)
	}
	var thresholds map[string]map[string]float64
	if err := yaml.Unmarshal(raw, &thresholds); err != nil {
		return nil, fmt.Errorf("parse thresholds file: %w", err)
	}
	return thresholds, nil
}
