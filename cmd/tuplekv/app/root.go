// Package app wires the tuplekv administrative CLI: open, stat,
// checkpoint, and compact-free-list commands over a store file.
package app

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tuplekv/database"
)

var (
	cfgFile  string
	baseFile string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "tuplekv",
	Short: "tuplekv administers a transactional key-value store file",
	Long: `tuplekv is the administrative command line for the tuplekv storage
engine: a single-file, transactional, ordered key-value store.

Every subcommand opens the store named by --base-file or --config,
performs one operation, and closes it again; tuplekv is meant to be
embedded as a library (see the database package), not run as a server.`,
}

// Execute runs the command tree and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (takes precedence over --base-file)")
	rootCmd.PersistentFlags().StringVar(&baseFile, "base-file", "", "store base file path (suffix .db/.redo.N are derived from it)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// loadConfig resolves --config/--base-file into a ready-to-Open Config.
func loadConfig() (*database.Config, error) {
	var cfg *database.Config
	var err error
	if cfgFile != "" {
		cfg, err = database.LoadConfig(cfgFile)
		if err != nil {
			return nil, err
		}
	} else {
		if baseFile == "" {
			return nil, fmt.Errorf("one of --config or --base-file is required")
		}
		cfg = database.DefaultConfig(baseFile)
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	cfg.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	return cfg, nil
}
