package main

import (
	"github.com/spf13/cobra"
)

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "Print the effective step catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog(cfg)
		if err != nil {
			return err
		}

		cmd.Printf("%-24s %-10s %-8s %-7s %s\n", "STEP", "CLASS", "TIMEOUT", "RETRIES", "ENABLED")
		for _, def := range cat.Definitions() {
			cmd.Printf("%-24s %-10s %-8s %-7d %t\n",
				def.ID, def.Class, def.Timeout, def.RetryBudget, def.Enabled)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stepsCmd)
}
