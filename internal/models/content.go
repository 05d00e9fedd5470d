package models

import (
	"encoding/json"
	"fmt"
)

// ContentBlock is one typed unit of message content. The set of implementations
// is closed: Text, Image, ToolUse and ToolResult.
type ContentBlock interface {
	contentBlock()
	// Kind names the block for logs and error messages.
	Kind() string
}

// Text is a plain text content block.
type Text struct {
	Text string
}

// Image is an image content block, referenced by URL or embedded as base64 data.
type Image struct {
	URL       string
	MediaType string
	Data      string
}

// DataURL returns the image as a URL, building a data: URL for embedded images.
func (i Image) DataURL() string {
	if i.URL != "" {
		return i.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", i.MediaType, i.Data)
}

// ToolUse is an assistant request to invoke a tool. Arguments holds complete JSON.
type ToolUse struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult carries the output of a tool invocation back to the model.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (Text) contentBlock()       {}
func (Image) contentBlock()      {}
func (ToolUse) contentBlock()    {}
func (ToolResult) contentBlock() {}

func (Text) Kind() string       { return "text" }
func (Image) Kind() string      { return "image" }
func (ToolUse) Kind() string    { return "tool_use" }
func (ToolResult) Kind() string { return "tool_result" }

// UnknownBlockError is returned by exhaustive switches that meet a block type
// they were not written for.
type UnknownBlockError struct {
	Block ContentBlock
}

func (e UnknownBlockError) Error() string {
	return fmt.Sprintf("unhandled content block %T", e.Block)
}

// HasImage reports whether any message carries an Image block.
func HasImage(messages []Message) bool {
	for _, msg := range messages {
		for _, block := range msg.Content {
			if _, ok := block.(Image); ok {
				return true
			}
		}
	}
	return false
}
