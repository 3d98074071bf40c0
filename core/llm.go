package core

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
)

type LLMMessageRole string

const (
	LLMMessageRoleUser      LLMMessageRole = "user"
	LLMMessageRoleAssistant LLMMessageRole = "assistant"
	LLMMessageRoleSystem    LLMMessageRole = "system"
)

// LLMMessage is one entry of the conversation history.
type LLMMessage struct {
	Role    LLMMessageRole `json:"role"`
	Message string         `json:"message"`
}

// Word is one recognized word with its recognizer confidence.
type Word struct {
	Word       string  `json:"word"`
	Confidence float64 `json:"confidence"`
}

// JoinWords renders words as a single transcript line.
func JoinWords(words []Word) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		if w.Word != "" {
			parts = append(parts, w.Word)
		}
	}
	return strings.Join(parts, " ")
}

// Mistake is a grammar error reported by the tutor model.
type Mistake struct {
	Mistake  string `json:"mistake"`
	Correct  string `json:"correct"`
	Topic    string `json:"topic"`
	Practice string `json:"practice"`
}

// LLMEvent is one item of a model reply stream: either a text fragment or a
// batch of mistakes.
type LLMEvent struct {
	Text     string
	Mistakes []Mistake
}

// LLMTool describes a function the model may call. Parameters is a JSON
// schema object.
type LLMTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ReportMistakesTool is the single tool offered to the tutor model.
var ReportMistakesTool = LLMTool{
	Name:        "reportMistakes",
	Description: "Use this tool to report grammar mistakes made by the user in their last message.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mistakes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"mistake":  map[string]any{"type": "string"},
						"correct":  map[string]any{"type": "string"},
						"topic":    map[string]any{"type": "string"},
						"practice": map[string]any{"type": "string"},
					},
					"required": []string{"mistake", "correct", "topic", "practice"},
				},
			},
		},
		"required": []string{"mistakes"},
	},
}

type reportMistakesArgs struct {
	Mistakes []Mistake `json:"mistakes"`
}

// DecodeMistakes parses the arguments of a reportMistakes call. Entries with
// no mistake text are dropped.
func DecodeMistakes(args []byte) ([]Mistake, error) {
	var payload reportMistakesArgs
	if err := sonic.Unmarshal(args, &payload); err != nil {
		return nil, fmt.Errorf("decode %s arguments: %w", ReportMistakesTool.Name, err)
	}
	out := payload.Mistakes[:0]
	for _, m := range payload.Mistakes {
		if strings.TrimSpace(m.Mistake) != "" {
			out = append(out, m)
		}
	}
	return out, nil
}

// LLMContext is the windowed conversation history of one session. The system
// prompt is kept outside the window.
type LLMContext struct {
	mu           sync.Mutex
	systemPrompt string
	limit        int
	messages     []LLMMessage
}

// NewLLMContext keeps at most limit messages; limit <= 0 means unbounded.
func NewLLMContext(systemPrompt string, limit int) *LLMContext {
	return &LLMContext{systemPrompt: systemPrompt, limit: limit}
}

func (c *LLMContext) SystemPrompt() string { return c.systemPrompt }

func (c *LLMContext) AddUserMessage(text string) {
	c.add(LLMMessage{Role: LLMMessageRoleUser, Message: text})
}

func (c *LLMContext) AddAssistantMessage(text string) {
	c.add(LLMMessage{Role: LLMMessageRoleAssistant, Message: text})
}

func (c *LLMContext) add(m LLMMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	if c.limit > 0 && len(c.messages) > c.limit {
		c.messages = append([]LLMMessage(nil), c.messages[len(c.messages)-c.limit:]...)
	}
}

// Messages returns a copy of the current window.
func (c *LLMContext) Messages() []LLMMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LLMMessage(nil), c.messages...)
}
