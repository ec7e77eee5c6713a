// Package session runs the bounded reasoning loop of one task and keeps the
// table of running sessions.
package session

import (
	"encoding/json"
	"time"

	"github.com/kazz187/featureguild/internal/tool"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a session history. Assistant messages may carry
// tool call requests; tool messages carry the result of exactly one call.
type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
	Result    *tool.Result      `json:"result,omitempty"`
	At        time.Time         `json:"at"`
}

type ToolCallRequest struct {
	ID    string          `json:"id"`
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// Reply is what a reasoner answers: either terminal text or tool calls.
type Reply struct {
	Text      string            `json:"text,omitempty"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
}

func (r *Reply) Terminal() bool {
	return len(r.ToolCalls) == 0
}

// Outcome is the result of a session that ended with terminal text.
type Outcome struct {
	Text   string `json:"text"`
	Rounds int    `json:"rounds"`
}
