package commands

import (
	"errors"
	"log/slog"

	"github.com/MEKXH/canary/internal/hook"
	"github.com/spf13/cobra"
)

// NewHookCmd creates the hook command
func NewHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Host tool-use hooks",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "pre",
			Short: "PreToolUse: allow or block an extension agent",
			Args:  cobra.NoArgs,
			RunE:  runHookPre,
		},
		&cobra.Command{
			Use:   "post",
			Short: "PostToolUse: record a completed security review",
			Args:  cobra.NoArgs,
			RunE:  runHookPost,
		},
	)

	return cmd
}

func runHookPre(cmd *cobra.Command, args []string) error {
	ev, err := hook.DecodeEvent(cmd.InOrStdin())
	if err != nil {
		if !errors.Is(err, hook.ErrNoEvent) {
			slog.Warn("failed to read hook event", "error", err)
		}
		return nil
	}

	a, err := loadApp(true)
	if err != nil {
		slog.Error("gate unavailable", "error", err)
		return nil
	}

	res := a.hookHandler().Pre(commandContext(cmd), ev)
	if !res.Blocked() {
		return nil
	}
	if err := hook.WriteBlock(cmd.OutOrStdout(), cmd.ErrOrStderr(), res.Result.Directive); err != nil {
		slog.Error("failed to write block output", "error", err)
	}
	return &exitError{Code: hook.ExitBlock}
}

func runHookPost(cmd *cobra.Command, args []string) error {
	ev, err := hook.DecodeEvent(cmd.InOrStdin())
	if err != nil {
		if !errors.Is(err, hook.ErrNoEvent) {
			slog.Warn("failed to read hook event", "error", err)
		}
		return nil
	}

	a, err := loadApp(true)
	if err != nil {
		slog.Error("recorder unavailable", "error", err)
		return nil
	}

	if _, _, err := a.hookHandler().Post(commandContext(cmd), ev); err != nil {
		slog.Error("failed to record review", "error", err)
	}
	return nil
}
