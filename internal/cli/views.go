package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/devlink/internal/logging"
	"github.com/tOgg1/devlink/internal/manager"
)

func init() {
	rootCmd.AddCommand(viewsCmd)
}

var viewsCmd = &cobra.Command{
	Use:   "views <address>",
	Short: "List the views of every service on the device",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		m, err := manager.Connect(ctx, managerOptions(args[0]))
		if err != nil {
			return err
		}
		defer stopManager(m)

		views, err := m.GetViews(ctx)
		if err != nil {
			return fmt.Errorf("failed to collect views: %w", err)
		}

		if len(views) == 0 {
			fmt.Println("No views found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tGEOMETRY\tVISIBLE")
		for _, view := range views {
			fmt.Fprintf(w, "%s\t%s\t%t\n", view.Name, view.Geometry, view.Visible)
		}
		return w.Flush()
	},
	Args: cobra.ExactArgs(1),
}

func stopManager(m *manager.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		logging.Logger.Warn().Err(err).Msg("teardown reported errors")
	}
}
