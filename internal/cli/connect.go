package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/devlink/internal/journal"
	"github.com/tOgg1/devlink/internal/logging"
	"github.com/tOgg1/devlink/internal/manager"
)

func init() {
	rootCmd.AddCommand(connectCmd)
}

var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Forward all advertised service ports",
	Long: "Establish one tunnel per service port advertised on the device and\n" +
		"hold them open until interrupted.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		address := args[0]

		m, err := manager.Connect(ctx, managerOptions(address))
		if err != nil {
			return err
		}

		sessionID, j := startJournalSession(ctx, m)

		printForwardTable(m)

		fmt.Println("Press Ctrl-C to tear the tunnels down.")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Stop(stopCtx); err != nil {
			logging.Logger.Warn().Err(err).Msg("teardown reported errors")
		}
		endJournalSession(stopCtx, j, sessionID)
		return nil
	},
}

// startJournalSession records the session and its tunnels when a journal is
// configured. Journal failures never break the command.
func startJournalSession(ctx context.Context, m *manager.Manager) (string, *journal.Journal) {
	if cfg.Journal.Path == "" {
		return "", nil
	}
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("journal unavailable")
		return "", nil
	}
	sessionID, err := j.StartSession(ctx, m.Endpoint().Address)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("journal session not recorded")
		j.Close()
		return "", nil
	}
	for _, port := range m.Ports() {
		_ = j.RecordTunnel(ctx, journal.Tunnel{
			SessionID:  sessionID,
			LocalPort:  port.LocalPort,
			RemotePort: port.RemotePort,
			Status:     journal.StatusForwarded,
		})
	}
	for _, failed := range m.FailedPorts() {
		_ = j.RecordTunnel(ctx, journal.Tunnel{
			SessionID:  sessionID,
			RemotePort: failed.RemotePort,
			Status:     journal.StatusFailed,
			Error:      failed.Err.Error(),
		})
	}
	return sessionID, j
}

func endJournalSession(ctx context.Context, j *journal.Journal, sessionID string) {
	if j == nil {
		return
	}
	defer j.Close()
	if err := j.EndSession(ctx, sessionID); err != nil {
		logging.Logger.Warn().Err(err).Msg("journal session end not recorded")
	}
}

func printForwardTable(m *manager.Manager) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCAL\tREMOTE\tSTATUS")
	for _, port := range m.Ports() {
		fmt.Fprintf(w, "%d\t%d\tforwarded\n", port.LocalPort, port.RemotePort)
	}
	for _, failed := range m.FailedPorts() {
		fmt.Fprintf(w, "-\t%d\tfailed: %v\n", failed.RemotePort, failed.Err)
	}
	w.Flush()
}
