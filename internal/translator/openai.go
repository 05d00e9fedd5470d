package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

var openAIRoles = map[string]models.Role{
	"system":    models.RoleSystem,
	"developer": models.RoleSystem,
	"user":      models.RoleUser,
	"assistant": models.RoleAssistant,
	"tool":      models.RoleTool,
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model       string
	Messages    []models.Message
	Stream      bool
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Tools       []models.ToolDefinition
	ToolChoice  *models.ToolChoice
	User        string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model               string          `json:"model"`
		Messages            []chatMessageIn `json:"messages"`
		Stream              bool            `json:"stream"`
		MaxTokens           *int            `json:"max_tokens"`
		MaxCompletionTokens *int            `json:"max_completion_tokens"`
		Temperature         *float64        `json:"temperature"`
		TopP                *float64        `json:"top_p"`
		Stop                json.RawMessage `json:"stop"`
		Tools               []ChatTool      `json:"tools"`
		ToolChoice          json.RawMessage `json:"tool_choice"`
		User                string          `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}
	choice, err := parseOpenAIToolChoice(raw.ToolChoice)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	if r.MaxTokens == nil {
		r.MaxTokens = raw.MaxCompletionTokens
	}
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.Stop = stopValues
	r.ToolChoice = choice
	r.User = raw.User

	if r.Model == "" {
		return apierror.Validation("model", "model must be provided")
	}
	if len(raw.Messages) == 0 {
		return apierror.Validation("messages", "at least one message is required")
	}
	if err := validateSampling(r.MaxTokens, r.Temperature); err != nil {
		return err
	}

	r.Messages = make([]models.Message, 0, len(raw.Messages))
	for i, m := range raw.Messages {
		msg, err := m.toMessage(i)
		if err != nil {
			return err
		}
		r.Messages = append(r.Messages, msg)
	}

	r.Tools = make([]models.ToolDefinition, 0, len(raw.Tools))
	for i, tool := range raw.Tools {
		if tool.Type != "" && tool.Type != "function" {
			return apierror.Validation("tools", "tools[%d]: unsupported tool type %q", i, tool.Type)
		}
		if strings.TrimSpace(tool.Function.Name) == "" {
			return apierror.Validation("tools", "tools[%d]: function name is required", i)
		}
		r.Tools = append(r.Tools, models.ToolDefinition{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	return nil
}

// ToEnvelope converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToEnvelope() (*models.Envelope, error) {
	return &models.Envelope{
		Model:       r.Model,
		Messages:    r.Messages,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stop:        r.Stop,
		Tools:       r.Tools,
		ToolChoice:  r.ToolChoice,
		Stream:      r.Stream,
		User:        r.User,
	}, nil
}

type chatMessageIn struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name"`
	ToolCalls  []ChatToolCall  `json:"tool_calls"`
	ToolCallID string          `json:"tool_call_id"`
}

func (m chatMessageIn) toMessage(i int) (models.Message, error) {
	field := fmt.Sprintf("messages[%d]", i)
	role, ok := openAIRoles[strings.TrimSpace(m.Role)]
	if !ok {
		return models.Message{}, apierror.Validation(field, "%s: invalid role %q", field, m.Role)
	}

	if role == models.RoleTool {
		if m.ToolCallID == "" {
			return models.Message{}, apierror.Validation(field, "%s: tool_call_id is required", field)
		}
		blocks, err := parseChatContent(field, m.Content, false)
		if err != nil {
			return models.Message{}, err
		}
		return models.Message{Role: role, Content: []models.ContentBlock{
			models.ToolResult{ToolUseID: m.ToolCallID, Content: models.Message{Content: blocks}.Text()},
		}}, nil
	}

	var blocks []models.ContentBlock
	if !isNull(m.Content) || role != models.RoleAssistant || len(m.ToolCalls) == 0 {
		var err error
		blocks, err = parseChatContent(field, m.Content, role == models.RoleUser)
		if err != nil {
			return models.Message{}, err
		}
	}

	if role == models.RoleAssistant {
		for j, call := range m.ToolCalls {
			callField := fmt.Sprintf("%s.tool_calls[%d]", field, j)
			if call.ID == "" || call.Function.Name == "" {
				return models.Message{}, apierror.Validation(callField, "%s: id and function name are required", callField)
			}
			args, err := normalizeArguments(callField+".arguments", call.Function.Arguments)
			if err != nil {
				return models.Message{}, err
			}
			blocks = append(blocks, models.ToolUse{ID: call.ID, Name: call.Function.Name, Arguments: args})
		}
	}

	return models.Message{Role: role, Content: blocks}, nil
}

func parseChatContent(field string, raw json.RawMessage, allowImages bool) ([]models.ContentBlock, error) {
	if isNull(raw) {
		return nil, apierror.Validation(field, "%s: missing content", field)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []models.ContentBlock{models.Text{Text: text}}, nil
	}

	var parts []ChatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, apierror.Validation(field, "%s: unsupported content structure", field)
	}

	blocks := make([]models.ContentBlock, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case "text":
			blocks = append(blocks, models.Text{Text: part.Text})
		case "image_url":
			if !allowImages || part.ImageURL == nil || part.ImageURL.URL == "" {
				return nil, apierror.Validation(field, "%s: image_url part not allowed here", field)
			}
			blocks = append(blocks, imageFromURL(part.ImageURL.URL))
		default:
			return nil, apierror.Validation(field, "%s: content part type %q not supported", field, part.Type)
		}
	}
	return blocks, nil
}

func imageFromURL(url string) models.Image {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		if meta, data, ok := strings.Cut(rest, ","); ok {
			if mediaType, ok := strings.CutSuffix(meta, ";base64"); ok {
				return models.Image{MediaType: mediaType, Data: data}
			}
		}
	}
	return models.Image{URL: url}
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, apierror.Validation("stop", "unsupported stop value")
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		for _, item := range multi {
			if item == "" {
				return nil, apierror.Validation("stop", "unsupported stop value")
			}
		}
		return multi, nil
	}
	return nil, apierror.Validation("stop", "unsupported stop value")
}

func parseOpenAIToolChoice(raw json.RawMessage) (*models.ToolChoice, error) {
	if isNull(raw) {
		return nil, nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch models.ToolChoiceMode(mode) {
		case models.ToolChoiceAuto, models.ToolChoiceNone, models.ToolChoiceRequired:
			return &models.ToolChoice{Mode: models.ToolChoiceMode(mode)}, nil
		}
		return nil, apierror.Validation("tool_choice", "unsupported tool_choice %q", mode)
	}

	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Type != "function" || named.Function.Name == "" {
		return nil, apierror.Validation("tool_choice", "unsupported tool_choice")
	}
	return &models.ToolChoice{Mode: models.ToolChoiceFunction, Name: named.Function.Name}, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// ChatMessage is an OpenAI message as sent upstream or returned to callers.
// Content is a string, a []ChatContentPart, or nil.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ChatContentPart is one element of an array-valued message content.
type ChatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

// ChatImageURL references an image by URL or data: URL.
type ChatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ChatToolCall is an assistant tool invocation. Index is only present in
// streaming deltas.
type ChatToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ChatFunctionCall `json:"function"`
}

// ChatFunctionCall carries the function name and its JSON-encoded arguments.
type ChatFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ChatTool declares a function tool.
type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

// ChatFunction describes a callable function.
type ChatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewOpenAIUsage converts canonical usage.
func NewOpenAIUsage(u models.Usage) *OpenAIUsage {
	return &OpenAIUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.Total(),
	}
}

// ToolCallFromUse renders a complete ToolUse block as an OpenAI tool call.
func ToolCallFromUse(use models.ToolUse) ChatToolCall {
	return ChatToolCall{
		ID:   use.ID,
		Type: "function",
		Function: ChatFunctionCall{
			Name:      use.Name,
			Arguments: string(use.Arguments),
		},
	}
}

func toChatCompletion(result models.Result) (ChatCompletionResponse, error) {
	msg := ChatMessage{Role: string(models.RoleAssistant)}
	var text strings.Builder
	hasText := false
	for _, block := range result.Content {
		switch v := block.(type) {
		case models.Text:
			text.WriteString(v.Text)
			hasText = true
		case models.ToolUse:
			msg.ToolCalls = append(msg.ToolCalls, ToolCallFromUse(v))
		default:
			return ChatCompletionResponse{}, models.UnknownBlockError{Block: block}
		}
	}
	if hasText || len(msg.ToolCalls) == 0 {
		msg.Content = text.String()
	}

	return ChatCompletionResponse{
		ID:      result.ID,
		Object:  "chat.completion",
		Created: result.Created,
		Model:   result.Model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: OpenAIFinishReason(result.FinishReason),
		}},
		Usage: NewOpenAIUsage(result.Usage),
	}, nil
}
