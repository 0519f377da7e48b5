package worker

import "strings"

// Agent message types as reported by runners.
const (
	MessageInit       = "init"
	MessageText       = "text"
	MessageToolUse    = "tool_use"
	MessageToolResult = "tool_result"
	MessageResult     = "result"
)

// Plan-mode tool names.
const (
	ToolEnterPlanMode   = "EnterPlanMode"
	ToolExitPlanMode    = "ExitPlanMode"
	ToolAskUserQuestion = "AskUserQuestion"
)

// AgentMessage is one entry of a worker's session transcript as reported in
// PATCH updates. Index is the message's position in the full session, which
// plan extraction keys on.
type AgentMessage struct {
	Role      string `json:"role,omitempty"`
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Index     int    `json:"index"`
}

// ExtractPlanContent joins the assistant text messages that follow the
// plan-mode entry point, verbatim, newline-separated. Tool-use frames and
// session bookkeeping never leak into the plan.
func ExtractPlanContent(messages []AgentMessage, planStartIndex int) string {
	var parts []string
	for _, msg := range messages {
		if msg.Index <= planStartIndex {
			continue
		}
		if msg.Type != MessageText {
			continue
		}
		if msg.Role != "" && msg.Role != "assistant" {
			continue
		}
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n")
}

// LatestToolUse returns the highest-index tool_use message with the given
// tool name.
func LatestToolUse(messages []AgentMessage, toolName string) (AgentMessage, bool) {
	var found AgentMessage
	ok := false
	for _, msg := range messages {
		if msg.Type != MessageToolUse || msg.ToolName != toolName {
			continue
		}
		if !ok || msg.Index > found.Index {
			found = msg
			ok = true
		}
	}
	return found, ok
}
