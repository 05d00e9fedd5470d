package translator

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/tokenizer"
)

func kinds(blocks []models.ContentBlock) string {
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.Kind())
	}
	return strings.Join(out, ",")
}

func TestParseAnthropicMaxTokensRequired(t *testing.T) {
	raw := `{"messages":[{"role":"user","content":"hi"}],"model":"claude-3-sonnet"}`
	_, err := ParseRequest([]byte(raw), models.ProtocolAnthropic)

	var verr *apierror.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Message != "max_tokens required" {
		t.Errorf("message = %q, want %q", verr.Message, "max_tokens required")
	}

	raw = `{"messages":[{"role":"user","content":"hi"}],"model":"claude-3-sonnet","max_tokens":100}`
	env, err := ParseRequest([]byte(raw), models.ProtocolAnthropic)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(env.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(env.Messages))
	}
	if env.Source != models.ProtocolAnthropic || *env.MaxTokens != 100 {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestParseCountRequestAllowsMissingMaxTokens(t *testing.T) {
	raw := `{"model":"claude-3-sonnet","system":"be brief","messages":[{"role":"user","content":"hi"}]}`
	env, err := ParseCountRequest([]byte(raw))
	if err != nil {
		t.Fatalf("ParseCountRequest: %v", err)
	}
	if env.MaxTokens != nil || len(env.Messages) != 2 || env.Source != models.ProtocolAnthropic {
		t.Errorf("envelope = %+v", env)
	}

	if _, err := ParseCountRequest([]byte(`{"model":"m","messages":[]}`)); err == nil {
		t.Error("empty messages accepted")
	}
	if _, err := ParseCountRequest([]byte(`{"model":"m","max_tokens":0,"messages":[{"role":"user","content":"x"}]}`)); err == nil {
		t.Error("out of range max_tokens accepted")
	}
}

func TestParseRequestValidation(t *testing.T) {
	tests := []struct {
		name  string
		proto models.Protocol
		raw   string
		field string
	}{
		{"malformed json", models.ProtocolOpenAI, `{"model":`, "body"},
		{"missing model", models.ProtocolOpenAI, `{"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"empty messages", models.ProtocolOpenAI, `{"model":"gpt-4o","messages":[]}`, "messages"},
		{"bad role", models.ProtocolOpenAI, `{"model":"gpt-4o","messages":[{"role":"wizard","content":"hi"}]}`, "messages[0]"},
		{"temperature too high", models.ProtocolOpenAI, `{"model":"gpt-4o","temperature":2.5,"messages":[{"role":"user","content":"hi"}]}`, "temperature"},
		{"temperature negative", models.ProtocolAnthropic, `{"model":"c","max_tokens":10,"temperature":-0.1,"messages":[{"role":"user","content":"hi"}]}`, "temperature"},
		{"max tokens zero", models.ProtocolOpenAI, `{"model":"gpt-4o","max_tokens":0,"messages":[{"role":"user","content":"hi"}]}`, "max_tokens"},
		{"max tokens too large", models.ProtocolAnthropic, `{"model":"c","max_tokens":32001,"messages":[{"role":"user","content":"hi"}]}`, "max_tokens"},
		{"anthropic bad role", models.ProtocolAnthropic, `{"model":"c","max_tokens":10,"messages":[{"role":"wizard","content":"hi"}]}`, "messages[0]"},
		{"anthropic tool_result in assistant", models.ProtocolAnthropic, `{"model":"c","max_tokens":10,"messages":[{"role":"assistant","content":[{"type":"tool_result","tool_use_id":"t"}]}]}`, "messages[0].content[0]"},
		{"unknown block", models.ProtocolAnthropic, `{"model":"c","max_tokens":10,"messages":[{"role":"user","content":[{"type":"audio"}]}]}`, "messages[0].content[0]"},
		{"unknown part", models.ProtocolOpenAI, `{"model":"gpt-4o","messages":[{"role":"user","content":[{"type":"input_audio"}]}]}`, "messages[0]"},
		{"bad tool args", models.ProtocolOpenAI, `{"model":"gpt-4o","messages":[{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"{oops"}}]}]}`, "messages[0].tool_calls[0].arguments"},
		{"unsupported protocol", models.Protocol("gemini"), `{}`, "protocol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.raw), tt.proto)
			var verr *apierror.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q (%s)", verr.Field, tt.field, verr.Message)
			}
		})
	}
}

func TestVisionDetection(t *testing.T) {
	withImage := `{"model":"gpt-4o","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,iVBORw0KGgo="}}
	]}]}`
	env, err := ParseRequest([]byte(withImage), models.ProtocolOpenAI)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if !env.Vision {
		t.Error("vision = false, want true")
	}
	img, ok := env.Messages[0].Content[1].(models.Image)
	if !ok || img.MediaType != "image/png" || img.Data != "iVBORw0KGgo=" {
		t.Errorf("unexpected image block %#v", env.Messages[0].Content[1])
	}

	textOnly := `{"model":"gpt-4o","messages":[{"role":"user","content":[{"type":"text","text":"hello"}]}]}`
	env, err = ParseRequest([]byte(textOnly), models.ProtocolOpenAI)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if env.Vision {
		t.Error("vision = true, want false")
	}

	anthropicImage := `{"model":"c","max_tokens":5,"messages":[{"role":"user","content":[
		{"type":"image","source":{"type":"base64","media_type":"image/jpeg","data":"AAAA"}},
		{"type":"text","text":"describe"}
	]}]}`
	env, err = ParseRequest([]byte(anthropicImage), models.ProtocolAnthropic)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if !env.Vision {
		t.Error("anthropic vision = false, want true")
	}
}

func TestRoundTripPreservesOrdering(t *testing.T) {
	raw := `{"model":"gpt-4o","messages":[
		{"role":"system","content":"be brief"},
		{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"https://example.com/a.png"}},{"type":"text","text":"and call a tool"}]},
		{"role":"assistant","content":"calling","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":1}"}},
			{"id":"call_2","type":"function","function":{"name":"fetch","arguments":""}}
		]},
		{"role":"tool","tool_call_id":"call_1","content":"one"},
		{"role":"tool","tool_call_id":"call_2","content":"two"},
		{"role":"user","content":"thanks"}
	]}`

	env, err := ParseRequest([]byte(raw), models.ProtocolOpenAI)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}

	wantRoles := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleTool, models.RoleUser}
	if len(env.Messages) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(env.Messages), len(wantRoles))
	}
	for i, want := range wantRoles {
		if env.Messages[i].Role != want {
			t.Errorf("messages[%d].Role = %s, want %s", i, env.Messages[i].Role, want)
		}
	}
	if got := kinds(env.Messages[1].Content); got != "text,image,text" {
		t.Errorf("user blocks = %s", got)
	}
	if got := kinds(env.Messages[2].Content); got != "text,tool_use,tool_use" {
		t.Errorf("assistant blocks = %s", got)
	}

	payload, err := BuildUpstreamPayload(env)
	if err != nil {
		t.Fatalf("BuildUpstreamPayload: %v", err)
	}
	var upstreamRoles []string
	for _, m := range payload.Messages {
		upstreamRoles = append(upstreamRoles, m.Role)
	}
	if got := strings.Join(upstreamRoles, ","); got != "system,user,assistant,tool,tool,user" {
		t.Errorf("upstream roles = %s", got)
	}
	parts, ok := payload.Messages[1].Content.([]ChatContentPart)
	if !ok || len(parts) != 3 || parts[1].Type != "image_url" {
		t.Errorf("upstream user content = %#v", payload.Messages[1].Content)
	}
	if calls := payload.Messages[2].ToolCalls; len(calls) != 2 || calls[0].ID != "call_1" || calls[1].Function.Arguments != "{}" {
		t.Errorf("upstream tool calls = %#v", calls)
	}

	result := models.Result{
		ID:           "chatcmpl-1",
		Model:        env.Model,
		Content:      env.Messages[2].Content,
		FinishReason: models.FinishToolCalls,
	}

	obj, err := SerializeResponse(result, models.ProtocolOpenAI)
	if err != nil {
		t.Fatalf("SerializeResponse openai: %v", err)
	}
	chat := obj.(ChatCompletionResponse)
	msg := chat.Choices[0].Message
	if msg.Content != "calling" || len(msg.ToolCalls) != 2 || msg.ToolCalls[0].ID != "call_1" || msg.ToolCalls[1].ID != "call_2" {
		t.Errorf("openai message = %#v", msg)
	}
	if chat.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish = %s", chat.Choices[0].FinishReason)
	}

	obj, err = SerializeResponse(result, models.ProtocolAnthropic)
	if err != nil {
		t.Fatalf("SerializeResponse anthropic: %v", err)
	}
	data, _ := json.Marshal(obj)
	var decoded struct {
		Content []struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range decoded.Content {
		got = append(got, c.Type+":"+c.ID)
	}
	if strings.Join(got, ",") != "text:,tool_use:call_1,tool_use:call_2" {
		t.Errorf("anthropic content order = %v", got)
	}
	if decoded.StopReason != "tool_use" {
		t.Errorf("stop_reason = %s", decoded.StopReason)
	}
	if id := obj.(MessageResponse).ID; id != "msg_chatcmpl-1" {
		t.Errorf("anthropic id = %q", id)
	}
}

func TestAnthropicMessageID(t *testing.T) {
	if got := AnthropicMessageID("msg_abc"); got != "msg_abc" {
		t.Errorf("kept id = %q", got)
	}
	if got := AnthropicMessageID("chatcmpl-7"); got != "msg_chatcmpl-7" {
		t.Errorf("prefixed id = %q", got)
	}
	a, b := AnthropicMessageID(""), AnthropicMessageID("")
	if !strings.HasPrefix(a, "msg_") || len(a) != len("msg_")+32 || a == b {
		t.Errorf("generated ids = %q %q", a, b)
	}
}

func TestAnthropicToolResultsBecomeToolMessages(t *testing.T) {
	raw := `{"model":"claude-3-5-sonnet","max_tokens":256,
		"system":[{"type":"text","text":"you are terse"}],
		"tool_choice":{"type":"any"},
		"tools":[{"name":"weather","input_schema":{"type":"object"}}],
		"messages":[
			{"role":"user","content":"weather in Paris?"},
			{"role":"assistant","content":[{"type":"text","text":"checking"},{"type":"tool_use","id":"toolu_1","name":"weather","input":{"city":"Paris"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"18C"}]},{"type":"text","text":"and tomorrow?"}]}
		]}`

	env, err := ParseRequest([]byte(raw), models.ProtocolAnthropic)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if env.Messages[0].Role != models.RoleSystem || env.Messages[0].Text() != "you are terse" {
		t.Errorf("system message = %#v", env.Messages[0])
	}
	if env.ToolChoice == nil || env.ToolChoice.Mode != models.ToolChoiceRequired {
		t.Errorf("tool choice = %#v", env.ToolChoice)
	}

	payload, err := BuildUpstreamPayload(env)
	if err != nil {
		t.Fatalf("BuildUpstreamPayload: %v", err)
	}
	var roles []string
	for _, m := range payload.Messages {
		roles = append(roles, m.Role)
	}
	if got := strings.Join(roles, ","); got != "system,user,assistant,tool,user" {
		t.Fatalf("roles = %s", got)
	}
	if payload.Messages[3].ToolCallID != "toolu_1" || payload.Messages[3].Content != "18C" {
		t.Errorf("tool message = %#v", payload.Messages[3])
	}
	if payload.ToolChoice != "required" {
		t.Errorf("tool_choice = %#v", payload.ToolChoice)
	}
	if payload.Messages[2].ToolCalls[0].Function.Arguments != `{"city":"Paris"}` {
		t.Errorf("arguments = %s", payload.Messages[2].ToolCalls[0].Function.Arguments)
	}
}

func TestAnthropicAcceptsSystemAndToolRoles(t *testing.T) {
	raw := `{"model":"c","max_tokens":10,"messages":[
		{"role":"system","content":"be brief"},
		{"role":"user","content":"weather?"},
		{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"weather","input":{}}]},
		{"role":"tool","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"18C"}]}
	]}`

	env, err := ParseRequest([]byte(raw), models.ProtocolAnthropic)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	wantRoles := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleTool}
	for i, want := range wantRoles {
		if env.Messages[i].Role != want {
			t.Errorf("messages[%d].role = %s, want %s", i, env.Messages[i].Role, want)
		}
	}

	payload, err := BuildUpstreamPayload(env)
	if err != nil {
		t.Fatalf("BuildUpstreamPayload: %v", err)
	}
	var roles []string
	for _, m := range payload.Messages {
		roles = append(roles, m.Role)
	}
	if got := strings.Join(roles, ","); got != "system,user,assistant,tool" {
		t.Errorf("roles = %s", got)
	}
}

func TestFailedToolResultIsMarked(t *testing.T) {
	raw := `{"model":"c","max_tokens":10,"messages":[
		{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"weather","input":{}}]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"toolu_1","content":"city not found","is_error":true},
			{"type":"tool_result","tool_use_id":"toolu_2","content":"18C"}
		]}
	]}`

	env, err := ParseRequest([]byte(raw), models.ProtocolAnthropic)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	payload, err := BuildUpstreamPayload(env)
	if err != nil {
		t.Fatalf("BuildUpstreamPayload: %v", err)
	}
	if got := payload.Messages[1].Content; got != "Error: city not found" {
		t.Errorf("failed tool content = %#v", got)
	}
	if got := payload.Messages[2].Content; got != "18C" {
		t.Errorf("tool content = %#v", got)
	}
}

func TestFinishReasonVocabulary(t *testing.T) {
	tests := []struct {
		canonical models.FinishReason
		openai    string
		anthropic string
	}{
		{models.FinishStop, "stop", "end_turn"},
		{models.FinishLength, "length", "max_tokens"},
		{models.FinishToolCalls, "tool_calls", "tool_use"},
		{models.FinishContentFilter, "content_filter", "refusal"},
	}
	for _, tt := range tests {
		if got := OpenAIFinishReason(tt.canonical); got != tt.openai {
			t.Errorf("OpenAIFinishReason(%s) = %s", tt.canonical, got)
		}
		if got := AnthropicStopReason(tt.canonical); got != tt.anthropic {
			t.Errorf("AnthropicStopReason(%s) = %s", tt.canonical, got)
		}
		if got := FinishFromOpenAI(tt.openai); got != tt.canonical {
			t.Errorf("FinishFromOpenAI(%s) = %s", tt.openai, got)
		}
		if got := FinishFromAnthropic(tt.anthropic); got != tt.canonical {
			t.Errorf("FinishFromAnthropic(%s) = %s", tt.anthropic, got)
		}
	}
	if FinishFromAnthropic("stop_sequence") != models.FinishStop {
		t.Error("stop_sequence should map to stop")
	}
}

func TestMapUpstreamResponse(t *testing.T) {
	env := &models.Envelope{Model: "gpt-4o", Messages: []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{models.Text{Text: "weather?"}}},
	}}

	body := `{"id":"chatcmpl-9","created":1700000000,"model":"gpt-4o-2024",
		"choices":[
			{"index":0,"message":{"role":"assistant","content":"Let me check."},"finish_reason":"stop"},
			{"index":1,"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"weather","arguments":"{\"city\":\"Paris\"}"}}]},"finish_reason":"tool_calls"}
		],
		"usage":{"prompt_tokens":999,"completion_tokens":999,"total_tokens":1998}}`

	result, err := MapUpstreamResponse([]byte(body), env)
	if err != nil {
		t.Fatalf("MapUpstreamResponse: %v", err)
	}
	if got := kinds(result.Content); got != "text,tool_use" {
		t.Errorf("content kinds = %s", got)
	}
	if result.FinishReason != models.FinishToolCalls {
		t.Errorf("finish = %s", result.FinishReason)
	}
	if result.Usage.InputTokens != tokenizer.CountEnvelope(env) {
		t.Errorf("input tokens = %d", result.Usage.InputTokens)
	}
	if result.Usage.OutputTokens != tokenizer.CountCompletion(result.Content) {
		t.Errorf("output tokens = %d", result.Usage.OutputTokens)
	}

	_, err = MapUpstreamResponse([]byte(`{"choices":[]}`), env)
	var uerr *apierror.UpstreamError
	if !errors.As(err, &uerr) {
		t.Errorf("expected UpstreamError for empty choices, got %v", err)
	}
}
