package commands

import (
	"context"
	"fmt"

	"github.com/MEKXH/canary/internal/approval"
	"github.com/MEKXH/canary/internal/audit"
	"github.com/MEKXH/canary/internal/config"
	"github.com/MEKXH/canary/internal/gate"
	"github.com/MEKXH/canary/internal/hook"
	"github.com/MEKXH/canary/internal/policy"
	"github.com/MEKXH/canary/internal/registry"
	"github.com/MEKXH/canary/internal/state"
	"github.com/spf13/cobra"
)

// app wires the components of one command invocation.
type app struct {
	cfg          *config.Config
	store        *state.Store
	audit        *audit.Writer
	skip         policy.SkipSet
	invocationID string
}

func newApp(cfg *config.Config) *app {
	var auditLog *audit.Writer
	if path := cfg.AuditPath(); path != "" {
		auditLog = audit.NewWriter(path)
	}
	return &app{
		cfg:          cfg,
		store:        state.NewStore(cfg.StatePath()),
		audit:        auditLog,
		skip:         policy.NewSkipSet(cfg.Policy.Skip),
		invocationID: audit.NewInvocationID(),
	}
}

func (r *app) discoverer() *registry.Discoverer {
	return registry.NewDiscoverer(r.store, registry.Options{
		ManifestPath: r.cfg.ManifestPath(),
		Skip:         r.skip,
		Exclude:      r.cfg.Registry.Exclude,
	})
}

func (r *app) gateOptions() gate.Options {
	return gate.Options{
		Skip:          r.skip,
		ReviewerAgent: r.cfg.Reviewer.Agent,
		Audit:         r.audit,
		InvocationID:  r.invocationID,
	}
}

func (r *app) hookHandler() *hook.Handler {
	opts := r.gateOptions()
	disc := r.discoverer()
	return hook.NewHandler(r.store, gate.New(r.store, opts), gate.NewRecorder(r.store, opts), hook.Options{
		Tools:      r.cfg.Gate.Tools,
		Rediscover: func(ctx context.Context) error {
			_, err := disc.Run(ctx)
			return err
		},
	})
}

func (r *app) approvals() *approval.Service {
	return approval.NewService(r.store, r.audit)
}

func loadApp(hookMode bool) (*app, error) {
	cfg, err := loadConfig(hookMode)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newApp(cfg), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
