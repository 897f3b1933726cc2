// Package model provides the provider-agnostic contract for LLM completion
// services. Adapters under features/model translate these normalized types
// into provider SDK calls (Anthropic, OpenAI, Bedrock) so the actor can drive
// a completion loop without coupling to a specific wire format.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

type (
	// Client defines the contract the actor uses to invoke LLM calls.
	// Implementations must be safe for concurrent use.
	Client interface {
		// Complete sends a request and returns the full response.
		Complete(ctx context.Context, req *Request) (*Response, error)
		// Stream sends a request and returns a Streamer yielding incremental
		// chunks. Cancelling ctx aborts the stream mid-flight. Callers must
		// Close the returned Streamer.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return chunks until io.EOF.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
		// Metadata returns provider-defined metadata such as usage and the
		// resolved model identifier.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters of a completion call.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects the
		// adapter default.
		Model string
		// System is the system prompt.
		System string
		// Messages is the ordered conversation.
		Messages []*Message
		// Tools describes the tools the model may call.
		Tools []*ToolDefinition
		// Temperature controls sampling temperature.
		Temperature float32
		// MaxTokens caps completion tokens. Zero selects the adapter default.
		MaxTokens int
	}

	// Response is the result of a non-streaming completion.
	Response struct {
		Text       string
		ToolCalls  []ToolCall
		Usage      TokenUsage
		StopReason string
	}

	// Message is a single conversation entry made of typed parts.
	Message struct {
		Role  ConversationRole
		Parts []Part
	}

	// ConversationRole is the author of a Message.
	ConversationRole string

	// Part is implemented by the message part types below.
	Part interface {
		isPart()
	}

	// TextPart is plain text content.
	TextPart struct {
		Text string
	}

	// ToolUsePart is an assistant request to invoke a tool.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart carries the result of a tool invocation back to the
	// model. It correlates to the ToolUsePart with the same ID.
	ToolResultPart struct {
		ToolUseID string
		Content   string
		IsError   bool
	}

	// ToolDefinition describes a tool exposed to the model.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is a JSON Schema object, typically map[string]any or
		// json.RawMessage.
		InputSchema any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		ID      string
		Name    string
		Payload json.RawMessage
	}

	// Chunk is a streaming event. Type selects the populated field.
	Chunk struct {
		Type       string
		Text       string
		ToolCall   *ToolCall
		UsageDelta *TokenUsage
		StopReason string
	}

	// TokenUsage records token counts reported by the provider.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

const (
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
)

// Chunk type constants.
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
)

// Well-known stop reasons. Adapters normalize provider values to these.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

// ErrRateLimited is wrapped by adapters when the provider throttles a call.
var ErrRateLimited = errors.New("model: rate limited")

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// UserText builds a user message holding a single text part.
func UserText(text string) *Message {
	return &Message{Role: ConversationRoleUser, Parts: []Part{TextPart{Text: text}}}
}

// AssistantText builds an assistant message holding a single text part.
func AssistantText(text string) *Message {
	return &Message{Role: ConversationRoleAssistant, Parts: []Part{TextPart{Text: text}}}
}

// Drain consumes s until io.EOF and assembles a Response. It closes s.
// Adapters use it to implement Complete on top of Stream.
func Drain(s Streamer) (*Response, error) {
	defer func() { _ = s.Close() }()
	var (
		resp Response
		text strings.Builder
	)
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch chunk.Type {
		case ChunkTypeText:
			text.WriteString(chunk.Text)
		case ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case ChunkTypeUsage:
			if u := chunk.UsageDelta; u != nil {
				resp.Usage.InputTokens += u.InputTokens
				resp.Usage.OutputTokens += u.OutputTokens
				resp.Usage.TotalTokens += u.TotalTokens
			}
		case ChunkTypeStop:
			resp.StopReason = chunk.StopReason
		}
	}
	resp.Text = text.String()
	return &resp, nil
}

// SanitizeToolName maps a canonical tool name such as "knowledge.search" to
// the character set accepted by provider tool APIs ([a-zA-Z0-9_-], at most 64
// bytes) by replacing other runes with '_'.
func SanitizeToolName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	s := string(out)
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

// SchemaJSON returns the JSON encoding of a ToolDefinition input schema. It
// returns nil for nil or empty schemas.
func SchemaJSON(schema any) (json.RawMessage, error) {
	switch v := schema.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		return v, nil
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
