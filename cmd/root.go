package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/sambabib/archcheck/pkg/logger"
	"github.com/spf13/cobra"
)

// Version is set during build using ldflags
var Version = "dev"

var verbose bool

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "archcheck",
	Short:   "Checks whether a project can run on another CPU architecture",
	Long:    `archcheck inspects a project's dependency manifests, Dockerfiles and Terraform files and asks package and container registries whether everything it declares is available for the target platform (linux/arm64 by default).`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetOutput(cmd.ErrOrStderr())
		logger.SetVerbose(verbose)
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var threshold *ThresholdError
		if !errors.As(err, &threshold) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print debug logging to stderr")
}
