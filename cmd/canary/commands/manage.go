package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MEKXH/canary/internal/approval"
	"github.com/MEKXH/canary/internal/state"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// NewListCmd creates the list command
func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked extensions and their trust state",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	addOutputFlag(cmd)
	return cmd
}

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <key|name>",
		Short: "Show the full record of an extension",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	addOutputFlag(cmd)
	return cmd
}

// NewApproveCmd creates the approve command
func NewApproveCmd() *cobra.Command {
	return newDecisionCmd("approve", "Approve an extension without a review", runApprove)
}

// NewRejectCmd creates the reject command
func NewRejectCmd() *cobra.Command {
	return newDecisionCmd("reject", "Reject an extension; its agents will be blocked", runReject)
}

// NewRevokeCmd creates the revoke command
func NewRevokeCmd() *cobra.Command {
	return newDecisionCmd("revoke", "Clear a decision and require a fresh review", runRevoke)
}

func newDecisionCmd(use, short string, run func(*cobra.Command, []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	cmd.Flags().String("by", "", "Decision maker (defaults to $USER)")
	cmd.Flags().String("note", "", "Decision note")
	return cmd
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", outputTable, "Output format (table|json|yaml)")
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("output")
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", outputTable:
		return outputTable, nil
	case outputJSON, outputYAML:
		return format, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (want table, json or yaml)", format)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	a, err := loadApp(false)
	if err != nil {
		return err
	}

	records, err := a.approvals().List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == outputTable && len(records) == 0 {
		fmt.Fprintln(out, "No extensions tracked.")
		return nil
	}
	return writeRecords(out, format, records)
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	a, err := loadApp(false)
	if err != nil {
		return err
	}

	records, err := a.approvals().Status(args[0])
	if err != nil {
		return notFoundExit(err)
	}
	if format == outputTable {
		format = outputJSON
	}
	return writeRecords(cmd.OutOrStdout(), format, records)
}

func runApprove(cmd *cobra.Command, args []string) error {
	return runDecision(cmd, args[0], (*approval.Service).Approve, "Approved: %s\n")
}

func runReject(cmd *cobra.Command, args []string) error {
	return runDecision(cmd, args[0], (*approval.Service).Reject, "Rejected: %s (will be blocked on future use)\n")
}

func runRevoke(cmd *cobra.Command, args []string) error {
	return runDecision(cmd, args[0], (*approval.Service).Revoke, "Revoked: %s (will be reviewed on next use)\n")
}

type decideFunc func(*approval.Service, string, approval.DecisionInput) (approval.Override, error)

func runDecision(cmd *cobra.Command, key string, decide decideFunc, message string) error {
	a, err := loadApp(false)
	if err != nil {
		return err
	}

	by, _ := cmd.Flags().GetString("by")
	note, _ := cmd.Flags().GetString("note")
	by = strings.TrimSpace(by)
	if by == "" {
		by = strings.TrimSpace(os.Getenv("USER"))
	}

	decision := approval.DecisionInput{
		DecidedBy: by,
		Note:      strings.TrimSpace(note),
	}
	if _, err := decide(a.approvals(), key, decision); err != nil {
		return notFoundExit(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), message, key)
	return nil
}

func notFoundExit(err error) error {
	if errors.Is(err, approval.ErrNotFound) {
		return &exitError{Code: 1, Err: err}
	}
	return err
}

// recordOutput adds the key to the machine-readable form of a record.
type recordOutput struct {
	Key string `json:"key"`
	state.Record
}

func writeRecords(w io.Writer, format string, records []state.Record) error {
	switch format {
	case outputJSON:
		view := make([]recordOutput, 0, len(records))
		for _, rec := range records {
			view = append(view, recordOutput{Key: rec.Key, Record: rec})
		}
		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return err
		}
		return enc.Close()
	default:
		renderTable(w, records)
		return nil
	}
}

func renderTable(w io.Writer, records []state.Record) {
	var (
		headerStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#C9A227")).
				Padding(0, 1).
				MarginBottom(1)

		wKey     = 40
		wState   = 10
		wFiles   = 6
		wDigest  = 18
		wDecided = 20

		colHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#C9A227")).
				Bold(true).
				MarginRight(1)

		keyStyle    = lipgloss.NewStyle().Width(wKey).MarginRight(1)
		stateStyle  = lipgloss.NewStyle().Width(wState).MarginRight(1)
		filesStyle  = lipgloss.NewStyle().Width(wFiles).MarginRight(1).Align(lipgloss.Right)
		digestStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(wDigest).MarginRight(1)
		dateStyle   = lipgloss.NewStyle().Width(wDecided).MarginRight(1)
	)

	fmt.Fprintln(w, headerStyle.Render("Tracked Extensions"))

	headers := lipgloss.JoinHorizontal(lipgloss.Top,
		colHeaderStyle.Width(wKey).Render("KEY"),
		colHeaderStyle.Width(wState).Render("STATE"),
		colHeaderStyle.Width(wFiles).Render("FILES"),
		colHeaderStyle.Width(wDigest).Render("DIGEST"),
		colHeaderStyle.Width(wDecided).Render("DECIDED"),
	)
	fmt.Fprintf(w, "  %s\n", headers)

	sepStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)
	separator := lipgloss.JoinHorizontal(lipgloss.Top,
		sepStyle.Render(strings.Repeat("─", wKey)),
		sepStyle.Render(strings.Repeat("─", wState)),
		sepStyle.Render(strings.Repeat("─", wFiles)),
		sepStyle.Render(strings.Repeat("─", wDigest)),
		sepStyle.Render(strings.Repeat("─", wDecided)),
	)
	fmt.Fprintf(w, "  %s\n", separator)

	for _, rec := range records {
		decided := "-"
		if rec.DecidedAt != nil {
			decided = rec.DecidedAt.Local().Format(time.DateTime)
		}
		row := lipgloss.JoinHorizontal(lipgloss.Top,
			keyStyle.Render(truncate(rec.Key, wKey)),
			stateStyle.Foreground(stateColor(rec.AuditState)).Render(string(rec.AuditState)),
			filesStyle.Render(fmt.Sprintf("%d", len(rec.Files))),
			digestStyle.Render(truncate(strings.TrimPrefix(rec.Digest, "sha256:"), wDigest)),
			dateStyle.Render(decided),
		)
		fmt.Fprintf(w, "  %s\n", row)
	}

	fmt.Fprintln(w)
}

func stateColor(s state.AuditState) lipgloss.Color {
	switch s {
	case state.StateApproved:
		return lipgloss.Color("#2E8B57")
	case state.StateRejected:
		return lipgloss.Color("#D0342C")
	case state.StatePending:
		return lipgloss.Color("#C9A227")
	default:
		return lipgloss.Color("241")
	}
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	if n <= 1 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-1]) + "…"
}
