package commands

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/MEKXH/canary/internal/audit"
	"github.com/spf13/cobra"
)

// NewDiscoverCmd creates the discover command
func NewDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Reconcile installed extensions with the trust store (SessionStart hook)",
		Args:  cobra.NoArgs,
		RunE:  runDiscover,
	}
}

func runDiscover(cmd *cobra.Command, args []string) error {
	a, err := loadApp(true)
	if err != nil {
		slog.Error("discover skipped", "error", err)
		return nil
	}

	summary, err := a.discoverer().Run(commandContext(cmd))
	if err != nil {
		// Discovery never fails the session; the gate treats what it
		// cannot find as unaudited.
		slog.Error("discovery failed", "error", err)
	}

	detail := fmt.Sprintf("new=%d changed=%d unchanged=%d dropped=%d skipped=%d unreadable=%d",
		len(summary.New), len(summary.Changed), len(summary.Unchanged),
		len(summary.Dropped), len(summary.Skipped), len(summary.Unreadable))
	if summary.ManifestUnavailable {
		detail += " manifest=unavailable"
	}
	slog.Info("discovery complete", "keys", strings.Join(summary.Keys, ","), "summary", detail)
	if err := a.audit.Append(audit.Event{
		Type:         audit.TypeDiscovery,
		InvocationID: a.invocationID,
		Result:       fmt.Sprintf("%d tracked", len(summary.Keys)),
		Detail:       detail,
	}); err != nil {
		slog.Warn("failed to append audit event", "error", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), summary.Line())
	return nil
}
