package stream

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/translator"
)

// meta describes the message a session is producing.
type meta struct {
	id          string
	model       string
	created     int64
	inputTokens int
}

// encoder renders engine transitions as events in one caller protocol.
type encoder interface {
	start(m meta) ([]Event, error)
	text(s string) ([]Event, error)
	toolCall(use models.ToolUse) ([]Event, error)
	// finish returns the closing events; the last one is terminal.
	finish(reason models.FinishReason, usage models.Usage) ([]Event, error)
	fail(err error) Event
}

func newEncoder(target models.Protocol) (encoder, error) {
	switch target {
	case models.ProtocolOpenAI:
		return &openAIEncoder{}, nil
	case models.ProtocolAnthropic:
		return &anthropicEncoder{}, nil
	default:
		return nil, fmt.Errorf("stream: unsupported protocol %q", target)
	}
}

func event(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", name, err)
	}
	return Event{Name: name, Data: data}, nil
}

func events(pairs ...any) ([]Event, error) {
	out := make([]Event, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		ev, err := event(pairs[i].(string), pairs[i+1])
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func errorKind(err error) string {
	switch apierror.HTTPStatus(err) {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 429:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

// OpenAI chat.completion.chunk stream.

type openAIChunk struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []openAIChunkChoice     `json:"choices"`
	Usage   *translator.OpenAIUsage `json:"usage,omitempty"`
}

type openAIChunkChoice struct {
	Index        int              `json:"index"`
	Delta        openAIChunkDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

type openAIChunkDelta struct {
	Role      string                    `json:"role,omitempty"`
	Content   *string                   `json:"content,omitempty"`
	ToolCalls []translator.ChatToolCall `json:"tool_calls,omitempty"`
}

type openAIEncoder struct {
	meta  meta
	calls int
}

func (e *openAIEncoder) chunk(delta openAIChunkDelta, finish *string, usage *translator.OpenAIUsage) ([]Event, error) {
	ev, err := event("", openAIChunk{
		ID:      e.meta.id,
		Object:  "chat.completion.chunk",
		Created: e.meta.created,
		Model:   e.meta.model,
		Choices: []openAIChunkChoice{{Delta: delta, FinishReason: finish}},
		Usage:   usage,
	})
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

func (e *openAIEncoder) start(m meta) ([]Event, error) {
	if m.id == "" {
		m.id = "chatcmpl-" + uuid.NewString()
	}
	e.meta = m
	empty := ""
	return e.chunk(openAIChunkDelta{Role: string(models.RoleAssistant), Content: &empty}, nil, nil)
}

func (e *openAIEncoder) text(s string) ([]Event, error) {
	return e.chunk(openAIChunkDelta{Content: &s}, nil, nil)
}

func (e *openAIEncoder) toolCall(use models.ToolUse) ([]Event, error) {
	call := translator.ToolCallFromUse(use)
	index := e.calls
	call.Index = &index
	e.calls++
	return e.chunk(openAIChunkDelta{ToolCalls: []translator.ChatToolCall{call}}, nil, nil)
}

func (e *openAIEncoder) finish(reason models.FinishReason, usage models.Usage) ([]Event, error) {
	finish := translator.OpenAIFinishReason(reason)
	out, err := e.chunk(openAIChunkDelta{}, &finish, translator.NewOpenAIUsage(usage))
	if err != nil {
		return nil, err
	}
	return append(out, Event{Data: []byte("[DONE]"), Terminal: true}), nil
}

func (e *openAIEncoder) fail(err error) Event {
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	body.Error.Message = err.Error()
	body.Error.Type = errorKind(err)
	// Only string fields, so encoding cannot fail.
	data, _ := json.Marshal(body)
	return Event{Data: data, Terminal: true}
}

// Anthropic messages stream.

type anthropicMessageStart struct {
	Type    string                `json:"type"`
	Message anthropicStartMessage `json:"message"`
}

type anthropicStartMessage struct {
	ID           string                    `json:"id"`
	Type         string                    `json:"type"`
	Role         string                    `json:"role"`
	Model        string                    `json:"model"`
	Content      []any                     `json:"content"`
	StopReason   *string                   `json:"stop_reason"`
	StopSequence *string                   `json:"stop_sequence"`
	Usage        translator.AnthropicUsage `json:"usage"`
}

type anthropicBlockStart struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock any    `json:"content_block"`
}

type anthropicBlockDelta struct {
	Type  string         `json:"type"`
	Index int            `json:"index"`
	Delta anthropicDelta `json:"delta"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type anthropicBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type anthropicMessageDelta struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason   string  `json:"stop_reason"`
		StopSequence *string `json:"stop_sequence"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicType struct {
	Type string `json:"type"`
}

type anthropicEncoder struct {
	meta     meta
	index    int
	textOpen bool
}

func (e *anthropicEncoder) start(m meta) ([]Event, error) {
	m.id = translator.AnthropicMessageID(m.id)
	e.meta = m
	return events(
		"message_start", anthropicMessageStart{
			Type: "message_start",
			Message: anthropicStartMessage{
				ID:      m.id,
				Type:    "message",
				Role:    string(models.RoleAssistant),
				Model:   m.model,
				Content: []any{},
				Usage:   translator.AnthropicUsage{InputTokens: m.inputTokens},
			},
		},
		"ping", anthropicType{Type: "ping"},
	)
}

func (e *anthropicEncoder) closeText() []any {
	if !e.textOpen {
		return nil
	}
	e.textOpen = false
	stop := anthropicBlockStop{Type: "content_block_stop", Index: e.index}
	e.index++
	return []any{"content_block_stop", stop}
}

func (e *anthropicEncoder) text(s string) ([]Event, error) {
	var pairs []any
	if !e.textOpen {
		e.textOpen = true
		pairs = append(pairs, "content_block_start", anthropicBlockStart{
			Type:         "content_block_start",
			Index:        e.index,
			ContentBlock: translator.TextBlock{Type: "text", Text: ""},
		})
	}
	pairs = append(pairs, "content_block_delta", anthropicBlockDelta{
		Type:  "content_block_delta",
		Index: e.index,
		Delta: anthropicDelta{Type: "text_delta", Text: s},
	})
	return events(pairs...)
}

func (e *anthropicEncoder) toolCall(use models.ToolUse) ([]Event, error) {
	pairs := e.closeText()
	pairs = append(pairs,
		"content_block_start", anthropicBlockStart{
			Type:  "content_block_start",
			Index: e.index,
			ContentBlock: translator.ToolUseBlock{
				Type:  "tool_use",
				ID:    use.ID,
				Name:  use.Name,
				Input: json.RawMessage(`{}`),
			},
		},
		"content_block_delta", anthropicBlockDelta{
			Type:  "content_block_delta",
			Index: e.index,
			Delta: anthropicDelta{Type: "input_json_delta", PartialJSON: string(use.Arguments)},
		},
		"content_block_stop", anthropicBlockStop{Type: "content_block_stop", Index: e.index},
	)
	e.index++
	return events(pairs...)
}

func (e *anthropicEncoder) finish(reason models.FinishReason, usage models.Usage) ([]Event, error) {
	var delta anthropicMessageDelta
	delta.Type = "message_delta"
	delta.Delta.StopReason = translator.AnthropicStopReason(reason)
	delta.Usage.OutputTokens = usage.OutputTokens

	pairs := e.closeText()
	pairs = append(pairs,
		"message_delta", delta,
		"message_stop", anthropicType{Type: "message_stop"},
	)
	out, err := events(pairs...)
	if err != nil {
		return nil, err
	}
	out[len(out)-1].Terminal = true
	return out, nil
}

func (e *anthropicEncoder) fail(err error) Event {
	var body struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	body.Type = "error"
	body.Error.Type = errorKind(err)
	body.Error.Message = err.Error()
	data, _ := json.Marshal(body)
	return Event{Name: "error", Data: data, Terminal: true}
}
