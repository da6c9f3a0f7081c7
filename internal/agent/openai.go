package agent

import (
	"context"
	"encoding/json"

	"github.com/openweavr/weavr/internal/retry"
	"github.com/openweavr/weavr/pkg/schema"
)

type openAIProvider struct {
	name    string
	client  *retry.Client
	apiKey  string
	model   string
	baseURL string
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	Tools     []openAITool    `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
}

func (p *openAIProvider) Name() string { return p.name }

func (p *openAIProvider) Complete(ctx context.Context, c Completion) (*Reply, error) {
	req := openAIRequest{
		Model:     firstNonEmpty(c.Model, p.model),
		MaxTokens: c.MaxTokens,
	}
	if c.System != "" {
		req.Messages = append(req.Messages, openAIMessage{Role: "system", Content: ptr(c.System)})
	}
	for _, m := range c.Messages {
		req.Messages = append(req.Messages, toOpenAI(m)...)
	}
	for _, t := range c.Tools {
		req.Tools = append(req.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  parametersOrEmpty(t.Parameters),
			},
		})
	}

	var resp openAIResponse
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if err := postJSON(ctx, p.client, p.baseURL+"/chat/completions", headers, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "provider returned no choices")
	}

	choice := resp.Choices[0]
	msg := Message{Role: RoleAssistant}
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		msg.Blocks = append(msg.Blocks, TextBlock{Text: *choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.Blocks = append(msg.Blocks, ToolCallBlock{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: decodeArguments([]byte(tc.Function.Arguments)),
		})
	}
	return &Reply{Message: msg, StopReason: choice.FinishReason}, nil
}

// toOpenAI maps one message onto chat messages. Every tool result becomes its
// own role "tool" message.
func toOpenAI(m Message) []openAIMessage {
	var (
		out     []openAIMessage
		current = openAIMessage{Role: string(m.Role)}
		text    string
		hasText bool
	)
	for _, b := range m.Blocks {
		switch v := b.(type) {
		case TextBlock:
			if hasText {
				text += "\n"
			}
			text += v.Text
			hasText = true
		case ToolCallBlock:
			args, _ := json.Marshal(argumentsOrEmpty(v.Input))
			current.ToolCalls = append(current.ToolCalls, openAIToolCall{
				ID:       v.ID,
				Type:     "function",
				Function: openAIFunctionCall{Name: v.Name, Arguments: string(args)},
			})
		case ToolResultBlock:
			out = append(out, openAIMessage{
				Role:       "tool",
				Content:    ptr(v.Content),
				ToolCallID: v.CallID,
			})
		}
	}
	if hasText {
		current.Content = ptr(text)
	}
	if hasText || len(current.ToolCalls) > 0 {
		out = append([]openAIMessage{current}, out...)
	}
	return out
}

func ptr(s string) *string { return &s }
