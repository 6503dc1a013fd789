package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"tuplekv/database"
)

var compactCmd = &cobra.Command{
	Use:   "compact-free-list",
	Short: "Eagerly reclaim free pages eligible for reuse",
	RunE:  runCompact,
}

func init() {
	rootCmd.AddCommand(compactCmd)
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.CompactFreeList()
	if err != nil {
		return err
	}
	fmt.Printf("reclaimed %d pages\n", n)
	return nil
}
