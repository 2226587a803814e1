package commands

import (
	"errors"
	"log/slog"

	"github.com/MEKXH/canary/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// exitError carries a process exit status out of a command. A nil Err
// exits silently.
type exitError struct {
	Code int
	Err  error
}

func (e *exitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *exitError) Unwrap() error {
	return e.Err
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canary",
		Short: "Canary - review gate for host extensions",
		Long: `Canary blocks agents from unreviewed extensions until a security review
approves them, and resets trust whenever an extension's files change.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			hookMode := isHookCommand(cmd)
			cfg, err := loadConfig(hookMode)
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, hookMode)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewDiscoverCmd(),
		NewHookCmd(),
		NewListCmd(),
		NewStatusCmd(),
		NewApproveCmd(),
		NewRejectCmd(),
		NewRevokeCmd(),
		NewVersionCmd(),
	)

	return cmd
}

// isHookCommand reports whether cmd runs inside the host's hook
// lifecycle, where canary must not fail the host because of its own
// configuration or logging problems.
func isHookCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "hook" || c.Name() == "discover" {
			return true
		}
	}
	return false
}

// loadConfig loads the configuration. In hook mode a broken config falls
// back to defaults so the gate still decides.
func loadConfig(hookMode bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err == nil {
		return cfg, nil
	}
	if !hookMode {
		return nil, err
	}
	slog.Warn("config unavailable, using defaults", "error", err)
	cfg = config.DefaultConfig()
	_ = cfg.Validate()
	return cfg, nil
}
