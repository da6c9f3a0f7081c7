// Package agent runs the bounded LLM tool-use loop behind the ai.* actions.
//
// Transcripts are kept as a provider-neutral union of blocks and converted to
// Anthropic or OpenAI wire format only inside the provider adapters.
package agent

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block is one element of a message: TextBlock, ToolCallBlock or
// ToolResultBlock.
type Block interface {
	block()
}

// TextBlock is plain text from the user or the model.
type TextBlock struct {
	Text string
}

// ToolCallBlock is a tool invocation requested by the model.
type ToolCallBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultBlock answers the ToolCallBlock with the same CallID.
type ToolResultBlock struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

func (TextBlock) block()       {}
func (ToolCallBlock) block()   {}
func (ToolResultBlock) block() {}

// Message is one transcript entry.
type Message struct {
	Role   Role
	Blocks []Block
}

// Text concatenates the text blocks of m.
func (m Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if t, ok := b.(TextBlock); ok {
			if out != "" {
				out += "\n"
			}
			out += t.Text
		}
	}
	return out
}

// ToolCalls returns the tool call blocks of m in order.
func (m Message) ToolCalls() []ToolCallBlock {
	var calls []ToolCallBlock
	for _, b := range m.Blocks {
		if c, ok := b.(ToolCallBlock); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// UserText builds a user message holding a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Blocks: []Block{TextBlock{Text: text}}}
}
