package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arsfeld/reelcached/cfg"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "reelcached",
	Short: "A progressive media caching and streaming proxy",
	Long: `reelcached sits between a media player and a remote media backend. It
downloads byte-ranged media on demand, persists it to a local disk cache,
and re-serves it over HTTP with Range support while the download is still
in progress.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "Path to a YAML config file.")
	if err := cfg.BindFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintln(os.Stderr, "reelcached: bind flags:", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(precacheCmd)
	rootCmd.AddCommand(gcCmd)
}

// loadConfig resolves configFile/flags/env into a validated cfg.Config,
// per SPEC_FULL.md §A.3's flag > env > file > default precedence.
func loadConfig(flagSet *pflag.FlagSet) (*cfg.Config, error) {
	return cfg.Load(flagSet, configFile)
}

// Execute runs the root command; errors are printed and exit the process
// with a non-zero status.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
