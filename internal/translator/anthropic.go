package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

// MessageRequest models the Anthropic /v1/messages payload.
type MessageRequest struct {
	Model         string
	MaxTokens     *int
	Messages      []models.Message
	System        []string
	Stream        bool
	Temperature   *float64
	TopP          *float64
	StopSequences []string
	Tools         []models.ToolDefinition
	ToolChoice    *models.ToolChoice
	User          string

	// counting relaxes max_tokens for count_tokens bodies.
	counting bool
}

// UnmarshalJSON enforces validation and normalises fields.
func (r *MessageRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model         string               `json:"model"`
		MaxTokens     *int                 `json:"max_tokens"`
		Messages      []anthropicMessageIn `json:"messages"`
		System        json.RawMessage      `json:"system"`
		Stream        bool                 `json:"stream"`
		Temperature   *float64             `json:"temperature"`
		TopP          *float64             `json:"top_p"`
		StopSequences []string             `json:"stop_sequences"`
		Tools         []AnthropicTool      `json:"tools"`
		ToolChoice    json.RawMessage      `json:"tool_choice"`
		Metadata      struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode anthropic request: %w", err)
	}

	r.Model = strings.TrimSpace(raw.Model)
	if r.Model == "" {
		return apierror.Validation("model", "model must be provided")
	}
	if raw.MaxTokens == nil && !r.counting {
		return apierror.Validation("max_tokens", "max_tokens required")
	}
	if len(raw.Messages) == 0 {
		return apierror.Validation("messages", "at least one message is required")
	}
	if err := validateSampling(raw.MaxTokens, raw.Temperature); err != nil {
		return err
	}

	system, err := parseAnthropicSystem(raw.System)
	if err != nil {
		return err
	}
	choice, err := parseAnthropicToolChoice(raw.ToolChoice)
	if err != nil {
		return err
	}
	for _, stop := range raw.StopSequences {
		if stop == "" {
			return apierror.Validation("stop_sequences", "unsupported stop sequences")
		}
	}

	r.MaxTokens = raw.MaxTokens
	r.System = system
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.StopSequences = raw.StopSequences
	r.ToolChoice = choice
	r.User = raw.Metadata.UserID

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
		if strings.TrimSpace(tool.Name) == "" {
			return apierror.Validation("tools", "tools[%d]: name is required", i)
		}
		r.Tools = append(r.Tools, models.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	return nil
}

// ToEnvelope converts the Anthropic request into the canonical format. The
// system prompt becomes a leading system message.
func (r MessageRequest) ToEnvelope() (*models.Envelope, error) {
	msgs := make([]models.Message, 0, len(r.Messages)+1)
	if len(r.System) > 0 {
		msgs = append(msgs, models.Message{
			Role:    models.RoleSystem,
			Content: []models.ContentBlock{models.Text{Text: strings.Join(r.System, "\n")}},
		})
	}
	msgs = append(msgs, r.Messages...)

	return &models.Envelope{
		Model:       r.Model,
		Messages:    msgs,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stop:        r.StopSequences,
		Tools:       r.Tools,
		ToolChoice:  r.ToolChoice,
		Stream:      r.Stream,
		User:        r.User,
	}, nil
}

type anthropicMessageIn struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlockIn struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Source    *imageSource    `json:"source"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	URL       string `json:"url"`
}

func (m anthropicMessageIn) toMessage(i int) (models.Message, error) {
	field := fmt.Sprintf("messages[%d]", i)
	var role models.Role
	switch strings.TrimSpace(m.Role) {
	case "user":
		role = models.RoleUser
	case "assistant":
		role = models.RoleAssistant
	case "system":
		role = models.RoleSystem
	case "tool":
		role = models.RoleTool
	default:
		return models.Message{}, apierror.Validation(field, "%s: invalid role %q", field, m.Role)
	}

	if isNull(m.Content) {
		return models.Message{}, apierror.Validation(field, "%s: missing content", field)
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return models.Message{Role: role, Content: []models.ContentBlock{models.Text{Text: text}}}, nil
	}

	var raw []anthropicBlockIn
	if err := json.Unmarshal(m.Content, &raw); err != nil {
		return models.Message{}, apierror.Validation(field, "%s: unsupported content structure", field)
	}

	blocks := make([]models.ContentBlock, 0, len(raw))
	for j, b := range raw {
		blockField := fmt.Sprintf("%s.content[%d]", field, j)
		block, err := b.toBlock(blockField, role)
		if err != nil {
			return models.Message{}, err
		}
		blocks = append(blocks, block)
	}
	return models.Message{Role: role, Content: blocks}, nil
}

func (b anthropicBlockIn) toBlock(field string, role models.Role) (models.ContentBlock, error) {
	switch b.Type {
	case "text":
		return models.Text{Text: b.Text}, nil
	case "image":
		if role != models.RoleUser || b.Source == nil {
			return nil, apierror.Validation(field, "%s: image block not allowed here", field)
		}
		switch b.Source.Type {
		case "base64":
			if b.Source.MediaType == "" || b.Source.Data == "" {
				return nil, apierror.Validation(field, "%s: base64 image requires media_type and data", field)
			}
			return models.Image{MediaType: b.Source.MediaType, Data: b.Source.Data}, nil
		case "url":
			if b.Source.URL == "" {
				return nil, apierror.Validation(field, "%s: url image requires url", field)
			}
			return models.Image{URL: b.Source.URL}, nil
		default:
			return nil, apierror.Validation(field, "%s: unsupported image source %q", field, b.Source.Type)
		}
	case "tool_use":
		if role != models.RoleAssistant || b.ID == "" || b.Name == "" {
			return nil, apierror.Validation(field, "%s: tool_use requires an assistant message with id and name", field)
		}
		args := b.Input
		if isNull(args) {
			args = json.RawMessage(`{}`)
		}
		return models.ToolUse{ID: b.ID, Name: b.Name, Arguments: args}, nil
	case "tool_result":
		if (role != models.RoleUser && role != models.RoleTool) || b.ToolUseID == "" {
			return nil, apierror.Validation(field, "%s: tool_result requires a user or tool message with tool_use_id", field)
		}
		content, err := toolResultText(field, b.Content)
		if err != nil {
			return nil, err
		}
		return models.ToolResult{ToolUseID: b.ToolUseID, Content: content, IsError: b.IsError}, nil
	default:
		return nil, apierror.Validation(field, "%s: unsupported block type %q", field, b.Type)
	}
}

func toolResultText(field string, raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", apierror.Validation(field, "%s: unsupported tool_result content", field)
	}
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type != "text" {
			return "", apierror.Validation(field, "%s: unsupported tool_result block %q", field, block.Type)
		}
		parts = append(parts, block.Text)
	}
	return strings.Join(parts, "\n"), nil
}

func parseAnthropicSystem(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, apierror.Validation("system", "invalid system prompt")
	}
	out := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type != "text" {
			return nil, apierror.Validation("system", "invalid system prompt: unsupported block type %q", block.Type)
		}
		if strings.TrimSpace(block.Text) != "" {
			out = append(out, block.Text)
		}
	}
	return out, nil
}

func parseAnthropicToolChoice(raw json.RawMessage) (*models.ToolChoice, error) {
	if isNull(raw) {
		return nil, nil
	}
	var choice struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &choice); err != nil {
		return nil, apierror.Validation("tool_choice", "unsupported tool_choice")
	}
	switch choice.Type {
	case "auto":
		return &models.ToolChoice{Mode: models.ToolChoiceAuto}, nil
	case "any":
		return &models.ToolChoice{Mode: models.ToolChoiceRequired}, nil
	case "none":
		return &models.ToolChoice{Mode: models.ToolChoiceNone}, nil
	case "tool":
		if choice.Name == "" {
			return nil, apierror.Validation("tool_choice", "tool_choice of type tool requires a name")
		}
		return &models.ToolChoice{Mode: models.ToolChoiceFunction, Name: choice.Name}, nil
	default:
		return nil, apierror.Validation("tool_choice", "unsupported tool_choice %q", choice.Type)
	}
}

// AnthropicTool declares a client tool.
type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// MessageResponse models the Anthropic response payload. Content holds
// TextBlock and ToolUseBlock values in order.
type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []any          `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        AnthropicUsage `json:"usage"`
}

// TextBlock is an Anthropic text content block.
type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolUseBlock is an Anthropic tool_use content block.
type ToolUseBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// AnthropicUsage mirrors Anthropic usage format.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicMessageID returns id in the msg_ form Anthropic clients expect.
// Upstream ids are kept behind the prefix; an empty id gets a fresh one.
func AnthropicMessageID(id string) string {
	switch {
	case strings.HasPrefix(id, "msg_"):
		return id
	case id == "":
		return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	default:
		return "msg_" + id
	}
}

func toMessageResponse(result models.Result) (MessageResponse, error) {
	content := make([]any, 0, len(result.Content))
	for _, block := range result.Content {
		switch v := block.(type) {
		case models.Text:
			content = append(content, TextBlock{Type: "text", Text: v.Text})
		case models.ToolUse:
			content = append(content, ToolUseBlock{Type: "tool_use", ID: v.ID, Name: v.Name, Input: v.Arguments})
		default:
			return MessageResponse{}, models.UnknownBlockError{Block: block}
		}
	}

	return MessageResponse{
		ID:         AnthropicMessageID(result.ID),
		Type:       "message",
		Role:       string(models.RoleAssistant),
		Model:      result.Model,
		Content:    content,
		StopReason: AnthropicStopReason(result.FinishReason),
		Usage: AnthropicUsage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
		},
	}, nil
}
