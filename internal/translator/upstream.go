package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/tokenizer"
)

var errNoChoices = errors.New("upstream response has no choices")

// UpstreamRequest is the chat payload sent to the Copilot backend, which
// speaks the OpenAI dialect.
type UpstreamRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []ChatTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream"`
	N           int           `json:"n,omitempty"`
	User        string        `json:"user,omitempty"`
}

// BuildUpstreamPayload renders a canonical envelope as a Copilot chat payload.
// Tool results become tool-role messages in the position they occupied.
func BuildUpstreamPayload(env *models.Envelope) (*UpstreamRequest, error) {
	req := &UpstreamRequest{
		Model:       env.Model,
		MaxTokens:   env.MaxTokens,
		Temperature: env.Temperature,
		TopP:        env.TopP,
		Stop:        env.Stop,
		Stream:      env.Stream,
		N:           1,
		User:        env.User,
	}

	for _, msg := range env.Messages {
		out, err := upstreamMessages(msg)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, out...)
	}

	for _, tool := range env.Tools {
		params := tool.Parameters
		if isNull(params) {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, ChatTool{
			Type: "function",
			Function: ChatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	if env.ToolChoice != nil {
		switch env.ToolChoice.Mode {
		case models.ToolChoiceFunction:
			req.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]string{"name": env.ToolChoice.Name},
			}
		default:
			req.ToolChoice = string(env.ToolChoice.Mode)
		}
	}
	return req, nil
}

func upstreamMessages(msg models.Message) ([]ChatMessage, error) {
	switch msg.Role {
	case models.RoleSystem:
		return []ChatMessage{{Role: "system", Content: msg.Text()}}, nil
	case models.RoleAssistant:
		out := ChatMessage{Role: "assistant"}
		var text strings.Builder
		for _, block := range msg.Content {
			switch v := block.(type) {
			case models.Text:
				text.WriteString(v.Text)
			case models.ToolUse:
				out.ToolCalls = append(out.ToolCalls, ToolCallFromUse(v))
			default:
				return nil, models.UnknownBlockError{Block: block}
			}
		}
		if text.Len() > 0 || len(out.ToolCalls) == 0 {
			out.Content = text.String()
		}
		return []ChatMessage{out}, nil
	case models.RoleUser, models.RoleTool:
		var (
			out     []ChatMessage
			pending []ChatContentPart
		)
		flush := func() {
			if len(pending) > 0 {
				out = append(out, userMessage(pending))
				pending = nil
			}
		}
		for _, block := range msg.Content {
			switch v := block.(type) {
			case models.Text:
				pending = append(pending, ChatContentPart{Type: "text", Text: v.Text})
			case models.Image:
				pending = append(pending, ChatContentPart{Type: "image_url", ImageURL: &ChatImageURL{URL: v.DataURL()}})
			case models.ToolResult:
				flush()
				content := v.Content
				if v.IsError {
					content = "Error: " + content
				}
				out = append(out, ChatMessage{Role: "tool", Content: content, ToolCallID: v.ToolUseID})
			default:
				return nil, models.UnknownBlockError{Block: block}
			}
		}
		flush()
		return out, nil
	default:
		return nil, fmt.Errorf("build upstream payload: unknown role %q", msg.Role)
	}
}

// userMessage collapses text-only content to a plain string.
func userMessage(parts []ChatContentPart) ChatMessage {
	var text strings.Builder
	for _, part := range parts {
		if part.Type != "text" {
			return ChatMessage{Role: "user", Content: parts}
		}
		text.WriteString(part.Text)
	}
	return ChatMessage{Role: "user", Content: text.String()}
}

type upstreamResponse struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string         `json:"role"`
			Content   *string        `json:"content"`
			ToolCalls []ChatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// MapUpstreamResponse decodes one complete upstream chat completion into a
// canonical result. Text precedes tool calls; usage is computed locally with
// the same counters the streaming path uses.
func MapUpstreamResponse(body []byte, env *models.Envelope) (models.Result, error) {
	var resp upstreamResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Result{}, &apierror.UpstreamError{Op: "decode chat response", Status: 200, Err: err}
	}
	if len(resp.Choices) == 0 {
		return models.Result{}, &apierror.UpstreamError{Op: "decode chat response", Status: 200, Err: errNoChoices}
	}

	// Copilot may split text and tool calls across choices.
	var (
		text   strings.Builder
		calls  []models.ContentBlock
		finish string
	)
	for _, choice := range resp.Choices {
		if choice.Message.Content != nil {
			text.WriteString(*choice.Message.Content)
		}
		for _, call := range choice.Message.ToolCalls {
			args := json.RawMessage(call.Function.Arguments)
			if call.Function.Arguments == "" {
				args = json.RawMessage(`{}`)
			} else if !json.Valid(args) {
				return models.Result{}, &apierror.UpstreamError{
					Op:     "decode chat response",
					Status: 200,
					Err:    fmt.Errorf("tool call %s has invalid arguments", call.ID),
				}
			}
			calls = append(calls, models.ToolUse{ID: call.ID, Name: call.Function.Name, Arguments: args})
		}
		if finish == "" {
			finish = choice.FinishReason
		}
	}

	content := make([]models.ContentBlock, 0, len(calls)+1)
	if text.Len() > 0 || len(calls) == 0 {
		content = append(content, models.Text{Text: text.String()})
	}
	content = append(content, calls...)

	reason := FinishFromOpenAI(finish)
	if len(calls) > 0 {
		reason = models.FinishToolCalls
	}

	model := resp.Model
	if model == "" {
		model = env.Model
	}

	return models.Result{
		ID:           resp.ID,
		Model:        model,
		Created:      resp.Created,
		Content:      content,
		FinishReason: reason,
		Usage: models.Usage{
			InputTokens:  tokenizer.CountEnvelope(env),
			OutputTokens: tokenizer.CountCompletion(content),
		},
	}, nil
}
