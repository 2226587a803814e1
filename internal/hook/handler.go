package hook

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/MEKXH/canary/internal/gate"
	"github.com/MEKXH/canary/internal/state"
)

// DefaultTools are the host tools whose invocations are gated.
var DefaultTools = []string{"Task"}

// PreResult is the outcome of a PreToolUse event.
type PreResult struct {
	Keys   []string
	Result gate.Result
}

// Blocked reports whether the host must refuse the invocation.
func (r PreResult) Blocked() bool {
	return r.Result.Blocked()
}

// Options configures a Handler.
type Options struct {
	Tools []string
	// Rediscover refreshes the store from the installed registry. It is
	// called at most once per event, for an agent that matches no tracked
	// extension.
	Rediscover func(ctx context.Context) error
}

// Handler maps hook events onto the gate and the recorder.
type Handler struct {
	store      *state.Store
	gate       *gate.Gate
	recorder   *gate.Recorder
	tools      map[string]struct{}
	rediscover func(ctx context.Context) error
}

// NewHandler creates a hook handler.
func NewHandler(store *state.Store, g *gate.Gate, recorder *gate.Recorder, opts Options) *Handler {
	tools := opts.Tools
	if len(tools) == 0 {
		tools = DefaultTools
	}
	set := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		if tool = strings.TrimSpace(tool); tool != "" {
			set[tool] = struct{}{}
		}
	}
	return &Handler{
		store:      store,
		gate:       g,
		recorder:   recorder,
		tools:      set,
		rediscover: opts.Rediscover,
	}
}

func (h *Handler) gated(toolName string) bool {
	_, ok := h.tools[toolName]
	return ok
}

// Pre decides a PreToolUse event. Events for other tools, invocations
// without an agent and the reviewer itself are allowed. A bare agent is
// allowed only if it matches no installed extension after a fresh
// discovery pass.
func (h *Handler) Pre(ctx context.Context, ev Event) PreResult {
	allow := PreResult{Result: gate.Result{Action: gate.ActionAllow}}
	if !h.gated(ev.ToolName) || !ev.HasToolInput {
		return allow
	}
	agent := strings.TrimSpace(ev.ToolInput.SubagentType)
	if agent == "" {
		return allow
	}
	if h.recorder.IsReviewer(agent) {
		slog.Debug("reviewer invocation, allowing", "agent", agent)
		return allow
	}

	keys := h.resolve(agent)
	if len(keys) == 0 && h.rediscover != nil {
		// The extension may have been installed after the session started,
		// or the store may have been lost.
		slog.Info("untracked agent, re-discovering", "agent", agent)
		if err := h.rediscover(ctx); err != nil {
			slog.Warn("re-discovery failed", "agent", agent, "error", err)
		}
		keys = h.resolve(agent)
	}
	if len(keys) == 0 {
		if !strings.Contains(agent, ":") {
			slog.Debug("no installed extension matches agent, allowing", "agent", agent)
			return allow
		}
		// Namespaced but untracked: gate it under its plugin name.
		keys = []string{gate.AgentPlugin(agent)}
	}

	return PreResult{Keys: keys, Result: h.gate.CheckAll(ctx, keys)}
}

func (h *Handler) resolve(agent string) []string {
	doc, err := h.store.Load()
	if err != nil {
		slog.Warn("state unreadable, treating as empty", "error", err)
	}
	return ResolveKeys(doc, agent)
}

// ResolveKeys returns every tracked key whose name portion equals the
// plugin named by agent ("plugin:agent" or bare "plugin"), compared
// case-insensitively. Only the structured agent identifier is used.
func ResolveKeys(doc *state.Document, agent string) []string {
	if doc == nil {
		return nil
	}
	plugin := gate.AgentPlugin(agent)
	if plugin == "" {
		return nil
	}
	var keys []string
	for _, key := range doc.Keys() {
		name, _ := state.SplitKey(key)
		if strings.EqualFold(name, plugin) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Post records a completed reviewer invocation. Events for other tools or
// agents, and reviews that name no single tracked extension, are ignored
// and return a nil error.
func (h *Handler) Post(ctx context.Context, ev Event) (gate.Outcome, bool, error) {
	if !h.gated(ev.ToolName) || !ev.HasToolInput {
		return gate.Outcome{}, false, nil
	}
	outcome, err := h.recorder.Record(ctx, gate.ReviewerInvocation{
		Agent:        ev.ToolInput.SubagentType,
		ExtensionKey: ev.ToolInput.ExtensionKey,
		Description:  ev.ToolInput.Description,
		Verdict:      ev.Response.Verdict,
		Report:       ev.Response.Text,
	})
	switch {
	case errors.Is(err, gate.ErrNotReviewer):
		return gate.Outcome{}, false, nil
	case errors.Is(err, gate.ErrAmbiguousMatch):
		return gate.Outcome{}, false, nil
	case err != nil:
		return gate.Outcome{}, false, err
	}
	return outcome, true, nil
}
