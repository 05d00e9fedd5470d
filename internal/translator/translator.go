// Package translator converts OpenAI and Anthropic request and response
// shapes to and from the canonical envelope.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

// MaxTokensLimit is the largest max_tokens value a request may carry.
const MaxTokensLimit = 32000

// ParseRequest decodes a request body in the source protocol into a validated
// Envelope. All failures are *apierror.ValidationError.
func ParseRequest(raw []byte, source models.Protocol) (*models.Envelope, error) {
	var (
		env *models.Envelope
		err error
	)

	switch source {
	case models.ProtocolOpenAI:
		var req ChatCompletionRequest
		if err = json.Unmarshal(raw, &req); err == nil {
			env, err = req.ToEnvelope()
		}
	case models.ProtocolAnthropic:
		var req MessageRequest
		if err = json.Unmarshal(raw, &req); err == nil {
			env, err = req.ToEnvelope()
		}
	default:
		return nil, apierror.Validation("protocol", "unsupported protocol %q", source)
	}

	if err != nil {
		var verr *apierror.ValidationError
		if errors.As(err, &verr) {
			return nil, verr
		}
		return nil, apierror.Validation("body", "invalid request body: %v", err)
	}

	env.Source = source
	env.Vision = models.HasImage(env.Messages)
	return env, nil
}

// ParseCountRequest decodes an Anthropic count_tokens body. It is validated
// like a messages request except that max_tokens is optional.
func ParseCountRequest(raw []byte) (*models.Envelope, error) {
	req := MessageRequest{counting: true}
	if err := json.Unmarshal(raw, &req); err != nil {
		var verr *apierror.ValidationError
		if errors.As(err, &verr) {
			return nil, verr
		}
		return nil, apierror.Validation("body", "invalid request body: %v", err)
	}
	env, err := req.ToEnvelope()
	if err != nil {
		return nil, err
	}
	env.Source = models.ProtocolAnthropic
	env.Vision = models.HasImage(env.Messages)
	return env, nil
}

// SerializeResponse shapes a canonical result as the target protocol's
// non-streaming response object.
func SerializeResponse(result models.Result, target models.Protocol) (any, error) {
	switch target {
	case models.ProtocolOpenAI:
		return toChatCompletion(result)
	case models.ProtocolAnthropic:
		return toMessageResponse(result)
	default:
		return nil, fmt.Errorf("serialize response: unsupported protocol %q", target)
	}
}

func validateSampling(maxTokens *int, temperature *float64) error {
	if maxTokens != nil && (*maxTokens < 1 || *maxTokens > MaxTokensLimit) {
		return apierror.Validation("max_tokens", "max_tokens must be between 1 and %d", MaxTokensLimit)
	}
	if temperature != nil && (*temperature < 0 || *temperature > 2) {
		return apierror.Validation("temperature", "temperature must be between 0 and 2")
	}
	return nil
}

// OpenAIFinishReason renders a canonical finish reason in OpenAI vocabulary.
func OpenAIFinishReason(r models.FinishReason) string {
	switch r {
	case models.FinishLength:
		return "length"
	case models.FinishToolCalls:
		return "tool_calls"
	case models.FinishContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

// AnthropicStopReason renders a canonical finish reason in Anthropic vocabulary.
func AnthropicStopReason(r models.FinishReason) string {
	switch r {
	case models.FinishLength:
		return "max_tokens"
	case models.FinishToolCalls:
		return "tool_use"
	case models.FinishContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}

// FinishFromOpenAI parses an OpenAI finish_reason. Unknown values map to stop.
func FinishFromOpenAI(s string) models.FinishReason {
	switch s {
	case "length":
		return models.FinishLength
	case "tool_calls", "function_call":
		return models.FinishToolCalls
	case "content_filter":
		return models.FinishContentFilter
	default:
		return models.FinishStop
	}
}

// FinishFromAnthropic parses an Anthropic stop_reason. Unknown values map to stop.
func FinishFromAnthropic(s string) models.FinishReason {
	switch s {
	case "max_tokens":
		return models.FinishLength
	case "tool_use":
		return models.FinishToolCalls
	case "refusal":
		return models.FinishContentFilter
	default:
		return models.FinishStop
	}
}

func normalizeArguments(field, args string) (json.RawMessage, error) {
	if args == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(args)) {
		return nil, apierror.Validation(field, "%s must be valid JSON", field)
	}
	return json.RawMessage(args), nil
}
