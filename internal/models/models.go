package models

import "encoding/json"

// Protocol identifies the wire protocol a caller speaks.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	return p == ProtocolOpenAI || p == ProtocolAnthropic
}

// Role is the author of a canonical message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents a single conversational message in the canonical schema.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var out []byte
	for _, block := range m.Content {
		if t, ok := block.(Text); ok {
			out = append(out, t.Text...)
		}
	}
	return string(out)
}

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolChoiceMode is the canonical tool selection policy.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice selects how the model may use tools. Name is set for ToolChoiceFunction.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// Envelope is the canonical representation of a completion request.
// It is not modified after ParseRequest returns.
type Envelope struct {
	RequestID   string
	Source      Protocol
	Model       string
	Messages    []Message
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Tools       []ToolDefinition
	ToolChoice  *ToolChoice
	Stream      bool
	Vision      bool
	User        string
}

// FinishReason is the canonical reason generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// Usage records token accounting information.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Result is a complete canonical completion.
type Result struct {
	ID           string
	Model        string
	Created      int64
	Content      []ContentBlock
	FinishReason FinishReason
	Usage        Usage
}

// Model identifies a known model with provider metadata.
type Model struct {
	ID       string
	Provider string
	Upstream string
}
