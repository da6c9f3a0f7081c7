package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/logging"
	"github.com/openweavr/weavr/internal/metrics"
	"github.com/openweavr/weavr/pkg/schema"
)

const (
	DefaultMaxIterations = 10

	// minToolOutput is the rune count below which a tool result is suspect.
	minToolOutput = 10
)

var failurePatterns = []string{
	`"error":`,
	"failed",
	"404 not found",
	"permission denied",
	"command not found",
	"no such file or directory",
	"connection refused",
}

// Request is one agent invocation.
type Request struct {
	System string
	Prompt string
	// History is prepended to the prompt, oldest first.
	History []Message
	// Tools limits the loop to the named tools; empty offers every tool.
	Tools []string
	// NoTools offers the model no tools at all.
	NoTools       bool
	MaxIterations int
	Model         string
	MaxTokens     int
}

// Result summarizes a finished loop.
type Result struct {
	Text         string         `json:"text"`
	Iterations   int            `json:"iterations"`
	ToolCalls    int            `json:"tool_calls"`
	ToolFailures map[string]int `json:"tool_failures"`
	Success      bool           `json:"success"`
	Transcript   []Message      `json:"-"`
}

// Loop alternates provider calls with tool dispatch until the model answers
// with text only or the iteration cap is hit.
type Loop struct {
	provider Provider
	tools    *Toolset
	metrics  *metrics.Collector
	log      *zap.Logger
}

// Option configures a Loop.
type Option func(*Loop)

func WithMetrics(m *metrics.Collector) Option {
	return func(l *Loop) { l.metrics = m }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLoop creates a loop over provider. tools may be nil.
func NewLoop(provider Provider, tools *Toolset, opts ...Option) *Loop {
	if tools == nil {
		tools = NewToolset()
	}
	l := &Loop{provider: provider, tools: tools, log: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the loop. Reaching MaxIterations is not an error: the result
// carries the last text with Success false. Provider errors abort the loop.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	if l.provider == nil {
		return nil, schema.NewError(schema.ErrCodeNoCredentials, "no AI provider configured")
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	log := logging.LogWith(ctx, l.log).With(zap.String("provider", l.provider.Name()))
	tools := l.tools.Select(req.Tools)
	if req.NoTools {
		tools = NewToolset()
	}
	specs := tools.Specs()

	transcript := append([]Message{}, req.History...)
	transcript = append(transcript, UserText(req.Prompt))

	res := &Result{ToolFailures: map[string]int{}}
	defer func() {
		l.metrics.RecordAgentLoop(res.Iterations)
	}()

	for res.Iterations < maxIter {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Iterations++

		reply, err := l.provider.Complete(ctx, Completion{
			Model:     req.Model,
			System:    req.System,
			Messages:  transcript,
			Tools:     specs,
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		transcript = append(transcript, reply.Message)
		if text := reply.Message.Text(); text != "" {
			res.Text = text
		}

		calls := reply.Message.ToolCalls()
		if len(calls) == 0 {
			res.Success = true
			res.Transcript = transcript
			log.Debug("agent loop finished", zap.Int("iterations", res.Iterations), zap.Int("tool_calls", res.ToolCalls))
			return res, nil
		}

		results := Message{Role: RoleUser}
		for _, call := range calls {
			res.ToolCalls++
			block := l.dispatch(ctx, tools, call)
			if block.IsError {
				res.ToolFailures[call.Name]++
			}
			l.metrics.RecordToolCall(call.Name, !block.IsError)
			log.Debug("tool call",
				zap.String("tool", call.Name),
				zap.Bool("suspect", block.IsError),
				zap.Int("iteration", res.Iterations),
			)
			results.Blocks = append(results.Blocks, block)
		}
		transcript = append(transcript, results)
	}

	log.Warn("agent loop hit iteration cap", zap.Int("max_iterations", maxIter))
	res.Transcript = transcript
	return res, nil
}

// dispatch runs one tool call and converts its outcome into a result block.
// Errors and suspicious output are reported to the model, never returned.
func (l *Loop) dispatch(ctx context.Context, tools *Toolset, call ToolCallBlock) ToolResultBlock {
	block := ToolResultBlock{CallID: call.ID, Name: call.Name}

	tool, ok := tools.Get(call.Name)
	if !ok {
		block.Content = fmt.Sprintf("Error: unknown tool %q", call.Name)
		block.IsError = true
		return block
	}

	out, err := callTool(ctx, tool, call.Input)
	if err != nil {
		block.Content = "Error: " + err.Error()
		block.IsError = true
		return block
	}

	if reason, suspect := validateToolOutput(out); suspect {
		block.Content = fmt.Sprintf("%s\n\n[tool warning] %s; verify this result before relying on it.", out, reason)
		block.IsError = true
		return block
	}
	block.Content = out
	return block
}

func callTool(ctx context.Context, tool Tool, args map[string]any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Call(ctx, argumentsOrEmpty(args))
}

// validateToolOutput applies the failure heuristics: short output and known
// failure phrases.
func validateToolOutput(out string) (string, bool) {
	trimmed := strings.TrimSpace(out)
	if utf8.RuneCountInString(trimmed) < minToolOutput {
		return fmt.Sprintf("output is suspiciously short (%d chars)", utf8.RuneCountInString(trimmed)), true
	}
	lower := strings.ToLower(trimmed)
	for _, p := range failurePatterns {
		if strings.Contains(lower, p) {
			return fmt.Sprintf("output matches failure pattern %q", p), true
		}
	}
	return "", false
}
