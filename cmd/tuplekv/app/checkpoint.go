package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"tuplekv/database"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Force a checkpoint, flushing dirty pages and rotating the redo log",
	RunE:  runCheckpoint,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Checkpoint(); err != nil {
		return err
	}
	fmt.Println("checkpoint complete")
	return nil
}
