package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sambabib/archcheck/pkg/config"
	"github.com/sambabib/archcheck/pkg/logger"
	"github.com/sambabib/archcheck/pkg/metrics"
	"github.com/sambabib/archcheck/pkg/output"
	"github.com/sambabib/archcheck/pkg/source"
	"github.com/sambabib/archcheck/pkg/verdict"
	"github.com/spf13/cobra"
)

var (
	analyzePath string
	configPath  string
	format      string // output format: text, json or sarif
	outputFile  string
	target      string
	depth       int
	failOn      string
	pushgateway string
	maxDuration time.Duration
	terraform   bool
)

// ThresholdError is returned when the overall verdict reaches --fail-on.
type ThresholdError struct {
	Overall   verdict.Verdict
	Threshold verdict.Verdict
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("overall verdict %s is at least %s", e.Overall, e.Threshold)
}

// analyzeCmd represents the analyze subcommand
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a project for target architecture compatibility",
	Long:  "Analyze the project's dependency manifests, Dockerfiles and Terraform files and report whether each entry is available for the target platform.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		threshold, err := verdict.Parse(cfg.FailOn)
		if err != nil {
			return fmt.Errorf("invalid --fail-on: %w", err)
		}

		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		router, closeCache, err := newRouter(cfg, m)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeCache(); err != nil {
				logger.Debugf("closing cache: %v", err)
			}
		}()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if maxDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, maxDuration)
			defer cancel()
		}

		logger.Debugf("analyzing %s for %s", analyzePath, cfg.Target)
		host := source.Dir{Exclude: cfg.Exclude}
		rep := router.RunHost(ctx, host, analyzePath)

		var out io.Writer = cmd.OutOrStdout()
		if cfg.Output.File != "" {
			f, err := os.Create(cfg.Output.File)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close()
			out = f
		}
		if err := output.Write(out, cfg.Output.Format, rep, Version); err != nil {
			return err
		}

		if cfg.Pushgateway != "" {
			if err := push.New(cfg.Pushgateway, "archcheck").Gatherer(reg).Push(); err != nil {
				logger.Warnf("pushing metrics to %s: %v", cfg.Pushgateway, err)
			}
		}

		if rep.Overall.AtLeast(threshold) {
			return &ThresholdError{Overall: rep.Overall, Threshold: threshold}
		}
		return nil
	},
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
	} else {
		cfg, err = config.FindAndLoadConfig(analyzePath)
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("format") {
		cfg.Output.Format = format
	}
	if flags.Changed("output") {
		cfg.Output.File = outputFile
	}
	if flags.Changed("target") {
		cfg.Target = target
	}
	if flags.Changed("depth") {
		cfg.TransitiveDepth = depth
	}
	if flags.Changed("fail-on") {
		cfg.FailOn = failOn
	}
	if flags.Changed("pushgateway") {
		cfg.Pushgateway = pushgateway
	}
	if flags.Changed("terraform") {
		cfg.Analyzers.Terraform = terraform
	}
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVarP(&analyzePath, "path", "p", ".", "Path to project directory to analyze")
	analyzeCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (default: .archcheck.yaml in the project or a parent directory)")
	analyzeCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json or sarif")
	analyzeCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the report to this file instead of stdout")
	analyzeCmd.Flags().StringVarP(&target, "target", "t", "linux/arm64", "Target platform as os/arch[/variant]")
	analyzeCmd.Flags().IntVar(&depth, "depth", 1, "Levels of transitive dependencies to check (0 disables)")
	analyzeCmd.Flags().StringVar(&failOn, "fail-on", "incompatible", "Exit non-zero when the overall verdict is at least: unknown, partial or incompatible")
	analyzeCmd.Flags().StringVar(&pushgateway, "pushgateway", "", "Push run metrics to this Prometheus Pushgateway URL")
	analyzeCmd.Flags().DurationVar(&maxDuration, "max-duration", 0, "Stop starting new registry lookups after this long (0 means no limit)")
	analyzeCmd.Flags().BoolVar(&terraform, "terraform", false, "Also check AWS instance types in Terraform files")
}
