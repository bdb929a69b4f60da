package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tOgg1/devlink/internal/manager"
)

func init() {
	rootCmd.AddCommand(unitsCmd)
}

var unitsCmd = &cobra.Command{
	Use:   "units <address> <pattern>",
	Short: "List execution units matching a pattern across all services",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		m, err := manager.Connect(ctx, managerOptions(args[0]))
		if err != nil {
			return err
		}
		defer stopManager(m)

		units, err := m.GetExecutionUnitsByPattern(ctx, args[1])
		if err != nil {
			return fmt.Errorf("failed to collect execution units: %w", err)
		}

		if len(units) == 0 {
			fmt.Println("No execution units found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLABEL")
		for _, unit := range units {
			fmt.Fprintf(w, "%s\t%s\n", unit.ID, unit.Label)
		}
		return w.Flush()
	},
}
