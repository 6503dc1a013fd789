package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"tuplekv/database"
)

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print a store's page size, durability mode, and registered indexes",
	RunE:  runStat,
}

func init() {
	rootCmd.AddCommand(statCmd)
}

func runStat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.ReadOnly = true

	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	names, err := db.IndexNames()
	if err != nil {
		return err
	}

	fmt.Printf("base_file:       %s\n", cfg.BaseFile)
	fmt.Printf("page_size:       %d\n", cfg.PageSize)
	fmt.Printf("durability_mode: %s\n", cfg.DurabilityMode)
	fmt.Printf("indexes (%d):\n", len(names))
	for _, n := range names {
		fmt.Printf("  - %s\n", n)
	}
	return nil
}
