// Package hook speaks the host's lifecycle hook protocol: one JSON event
// on stdin, and for a blocked invocation a deny object on stdout, the
// directive on stderr and exit status 2.
package hook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ExitBlock is the exit status that makes the host refuse the tool call.
const ExitBlock = 2

// maxEventBytes bounds how much of stdin is read for one event.
const maxEventBytes = 8 << 20

// ErrNoEvent is returned when stdin holds no JSON object. Hooks treat it
// as nothing to do.
var ErrNoEvent = errors.New("no hook event")

// ToolInput holds the string parameters of a tool invocation that the
// gate understands. Non-string values are ignored.
type ToolInput struct {
	SubagentType string
	Description  string
	Prompt       string
	ExtensionKey string
}

// Event is one hook event from the host.
type Event struct {
	SessionID     string
	HookEventName string
	ToolName      string
	ToolInput     ToolInput
	HasToolInput  bool
	Response      Response
}

// Response is the part of a completed tool call the recorder reads.
type Response struct {
	Text    string
	Verdict string
}

type rawEvent struct {
	SessionID     string          `json:"session_id"`
	HookEventName string          `json:"hook_event_name"`
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input"`
	ToolResponse  json.RawMessage `json:"tool_response"`
}

// DecodeEvent reads one event. Empty input, invalid JSON or a non-object
// document yield ErrNoEvent.
func DecodeEvent(r io.Reader) (Event, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxEventBytes))
	if err != nil {
		return Event{}, fmt.Errorf("read hook event: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return Event{}, ErrNoEvent
	}

	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrNoEvent, err)
	}

	ev := Event{
		SessionID:     raw.SessionID,
		HookEventName: raw.HookEventName,
		ToolName:      raw.ToolName,
	}
	if fields, ok := decodeObject(raw.ToolInput); ok {
		ev.HasToolInput = true
		ev.ToolInput = ToolInput{
			SubagentType: stringField(fields, "subagent_type"),
			Description:  stringField(fields, "description"),
			Prompt:       stringField(fields, "prompt"),
			ExtensionKey: stringField(fields, "extension_key"),
		}
	}
	ev.Response = decodeResponse(raw.ToolResponse)
	return ev, nil
}

func decodeObject(data json.RawMessage) (map[string]any, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func stringField(fields map[string]any, name string) string {
	value, _ := fields[name].(string)
	return value
}

// decodeResponse accepts a bare string, an object with a verdict and a
// text-like field, or an object whose content is a list of text blocks.
func decodeResponse(data json.RawMessage) Response {
	if len(data) == 0 {
		return Response{}
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return Response{Text: text}
	}
	fields, ok := decodeObject(data)
	if !ok {
		return Response{}
	}

	resp := Response{Verdict: stringField(fields, "verdict")}
	var parts []string
	for _, name := range []string{"result", "output", "text"} {
		if value := stringField(fields, name); value != "" {
			parts = append(parts, value)
		}
	}
	parts = append(parts, contentText(fields["content"])...)
	resp.Text = strings.Join(parts, "\n")
	return resp
}

func contentText(content any) []string {
	switch v := content.(type) {
	case string:
		return []string{v}
	case []any:
		var parts []string
		for _, item := range v {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if kind, _ := block["type"].(string); kind != "" && kind != "text" {
				continue
			}
			if text, _ := block["text"].(string); text != "" {
				parts = append(parts, text)
			}
		}
		return parts
	}
	return nil
}

type denyOutput struct {
	HookSpecificOutput denySpecific `json:"hookSpecificOutput"`
}

type denySpecific struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason"`
}

// WriteBlock renders the block signal: the deny object on stdout and the
// directive on stderr. The caller exits with ExitBlock.
func WriteBlock(stdout, stderr io.Writer, directive string) error {
	encoded, err := json.Marshal(denyOutput{HookSpecificOutput: denySpecific{
		HookEventName:            "PreToolUse",
		PermissionDecision:       "deny",
		PermissionDecisionReason: directive,
	}})
	if err != nil {
		return fmt.Errorf("marshal block output: %w", err)
	}
	if _, err := fmt.Fprintln(stdout, string(encoded)); err != nil {
		return fmt.Errorf("write block output: %w", err)
	}
	if _, err := fmt.Fprintln(stderr, directive); err != nil {
		return fmt.Errorf("write directive: %w", err)
	}
	return nil
}
