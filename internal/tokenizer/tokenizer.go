// Package tokenizer counts tokens with the o200k_base BPE encoding used by
// gpt-4o. It is shared by the streaming and non-streaming response paths.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"copilot-gateway/internal/models"
)

// Encoding is the BPE encoding every count uses.
const Encoding = tiktoken.MODEL_O200K_BASE

var (
	loadOnce sync.Once
	bpe      *tiktoken.Tiktoken
	loadErr  error
)

// Load prepares the encoding from the ranks embedded in the binary. CountText
// loads it on first use; calling Load at startup surfaces a failure early.
func Load() error {
	loadOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		bpe, loadErr = tiktoken.GetEncoding(Encoding)
		if loadErr != nil {
			loadErr = fmt.Errorf("load %s encoding: %w", Encoding, loadErr)
		}
	})
	return loadErr
}

// Counts splits a conversation into prompt and completion tokens.
type Counts struct {
	Input  int
	Output int
}

// CountText returns the number of tokens in s. Special tokens such as
// <|endoftext|> count as one token each.
func CountText(s string) int {
	if s == "" {
		return 0
	}
	if err := Load(); err != nil {
		panic(err)
	}
	return len(bpe.Encode(s, []string{"all"}, nil))
}

// CountMessages counts a conversation the way a chat prompt is rendered: one
// "role: content" line per message. Tool-role messages and tool results are
// not counted. A trailing assistant message counts as output.
func CountMessages(messages []models.Message) Counts {
	filtered := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleTool {
			continue
		}
		filtered = append(filtered, msg)
	}

	var out []models.Message
	if n := len(filtered); n > 0 && filtered[n-1].Role == models.RoleAssistant {
		out = filtered[n-1:]
		filtered = filtered[:n-1]
	}

	return Counts{
		Input:  CountText(render(filtered)),
		Output: CountText(render(out)),
	}
}

// CountEnvelope returns the prompt tokens for a request. Streaming sessions
// seed their input counter with it and the response mapper reports it.
func CountEnvelope(env *models.Envelope) int {
	if env == nil {
		return 0
	}
	counts := CountMessages(env.Messages)
	return counts.Input + counts.Output
}

// CountCompletion returns the completion tokens for the blocks an assistant
// produced. Text is counted as one run and tool calls after it, so a reply
// delivered as many deltas counts the same as the assembled reply.
func CountCompletion(blocks []models.ContentBlock) int {
	var text, calls strings.Builder
	text.WriteString(string(models.RoleAssistant))
	text.WriteString(": ")
	for _, block := range blocks {
		switch v := block.(type) {
		case models.Text:
			text.WriteString(v.Text)
		case models.ToolUse:
			calls.WriteByte('\n')
			calls.WriteString(v.Name)
			calls.WriteByte(' ')
			calls.Write(v.Arguments)
		}
	}
	return CountText(text.String()) + CountText(calls.String())
}

func render(messages []models.Message) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		for _, block := range msg.Content {
			switch v := block.(type) {
			case models.Text:
				b.WriteString(v.Text)
			case models.ToolUse:
				b.WriteString(v.Name)
				b.WriteByte(' ')
				b.Write(v.Arguments)
			case models.Image, models.ToolResult:
			}
		}
	}
	return b.String()
}
