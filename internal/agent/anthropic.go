package agent

import (
	"context"
	"encoding/json"

	"github.com/openweavr/weavr/internal/retry"
)

const anthropicVersion = "2023-06-01"

type anthropicProvider struct {
	client  *retry.Client
	apiKey  string
	model   string
	baseURL string
}

type anthropicContent struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Complete(ctx context.Context, c Completion) (*Reply, error) {
	req := anthropicRequest{
		Model:     firstNonEmpty(c.Model, p.model),
		MaxTokens: c.MaxTokens,
		System:    c.System,
		Messages:  make([]anthropicMessage, 0, len(c.Messages)),
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	for _, m := range c.Messages {
		req.Messages = append(req.Messages, toAnthropic(m))
	}
	for _, t := range c.Tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: parametersOrEmpty(t.Parameters),
		})
	}

	var resp anthropicResponse
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
	if err := postJSON(ctx, p.client, p.baseURL+"/v1/messages", headers, req, &resp); err != nil {
		return nil, err
	}

	msg := Message{Role: RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Blocks = append(msg.Blocks, TextBlock{Text: block.Text})
		case "tool_use":
			msg.Blocks = append(msg.Blocks, ToolCallBlock{
				ID:    block.ID,
				Name:  block.Name,
				Input: decodeArguments(block.Input),
			})
		}
	}
	return &Reply{Message: msg, StopReason: resp.StopReason}, nil
}

// toAnthropic maps a message onto content blocks. Tool results travel in a
// user message.
func toAnthropic(m Message) anthropicMessage {
	out := anthropicMessage{Role: string(m.Role)}
	for _, b := range m.Blocks {
		switch v := b.(type) {
		case TextBlock:
			out.Content = append(out.Content, anthropicContent{Type: "text", Text: v.Text})
		case ToolCallBlock:
			input, _ := json.Marshal(argumentsOrEmpty(v.Input))
			out.Content = append(out.Content, anthropicContent{
				Type:  "tool_use",
				ID:    v.ID,
				Name:  v.Name,
				Input: input,
			})
		case ToolResultBlock:
			out.Role = string(RoleUser)
			out.Content = append(out.Content, anthropicContent{
				Type:      "tool_result",
				ToolUseID: v.CallID,
				Content:   v.Content,
				IsError:   v.IsError,
			})
		}
	}
	return out
}

func parametersOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return p
}

func argumentsOrEmpty(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

// decodeArguments tolerates missing or malformed tool arguments.
func decodeArguments(raw []byte) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
