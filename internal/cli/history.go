package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tOgg1/devlink/internal/journal"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of sessions to show")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent connect sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Journal.Path == "" {
			return fmt.Errorf("no journal configured (set journal.path)")
		}
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()

		sessions, err := j.RecentSessions(context.Background(), historyLimit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tADDRESS\tFORWARDED\tFAILED\tSTATE")
		for _, s := range sessions {
			state := "open"
			if s.StoppedAt != nil {
				state = "closed"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.Address, s.Forwarded, s.Failed, state)
		}
		return w.Flush()
	},
}
