package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sashabaranov/go-openai"

	"voicetutor/core"
	"voicetutor/utils/text"
)

// A reply may take one tool step before the spoken answer.
const maxSteps = 2

// OpenAILLMService streams tutor replies from any OpenAI-compatible chat
// completions endpoint.
type OpenAILLMService struct {
	client *openai.Client
	config Config
	logger *core.Logger

	isInitialized bool
	mu            sync.RWMutex
}

type Config struct {
	APIKey      string  `json:"api_key" yaml:"api_key"`
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
	// SkipModelCheck disables the ListModels probe in Init.
	SkipModelCheck bool `json:"skip_model_check" yaml:"skip_model_check"`
}

func NewOpenAILLMService(config Config, logger *core.Logger) *OpenAILLMService {
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}
	if config.Temperature == 0 {
		config.Temperature = 0.8
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &OpenAILLMService{config: config, logger: logger}
}

func (s *OpenAILLMService) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required")
	}

	clientConfig := openai.DefaultConfig(s.config.APIKey)
	if s.config.BaseURL != "" {
		clientConfig.BaseURL = s.config.BaseURL
	}
	s.client = openai.NewClientWithConfig(clientConfig)

	if !s.config.SkipModelCheck {
		if _, err := s.client.ListModels(ctx); err != nil {
			return fmt.Errorf("failed to connect to OpenAI: %w", err)
		}
	}

	s.isInitialized = true
	s.logger.Info("OpenAI LLM: ready", "model", s.config.Model)
	return nil
}

func (s *OpenAILLMService) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
	s.isInitialized = false
	return nil
}

// Stream starts a reply to history. Text arrives as speakable fragments;
// reported mistakes arrive as their own events.
func (s *OpenAILLMService) Stream(ctx context.Context, systemPrompt string, history []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
	s.mu.RLock()
	client, ready := s.client, s.isInitialized
	s.mu.RUnlock()
	if !ready {
		return nil, errors.New("OpenAI service not initialized")
	}

	req := openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Messages:    convertMessages(systemPrompt, history),
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
		Stream:      true,
		Tools:       convertTools([]core.LLMTool{core.ReportMistakesTool}),
	}

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion stream: %w", err)
	}

	out := core.NewPipe[core.LLMEvent](32)
	go s.run(ctx, client, req, stream, out)
	return out, nil
}

func (s *OpenAILLMService) run(
	ctx context.Context,
	client *openai.Client,
	req openai.ChatCompletionRequest,
	stream *openai.ChatCompletionStream,
	out *core.Pipe[core.LLMEvent],
) {
	emitter := text.NewEmitter(out)

	for step := 1; ; step++ {
		calls, err := s.consume(ctx, stream, emitter)
		stream.Close()
		if err != nil {
			out.Close(err)
			return
		}
		if len(calls) == 0 || step >= maxSteps {
			break
		}

		// Answer the tool calls and ask for the spoken part.
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			ToolCalls: calls,
		})
		for _, call := range calls {
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    "{}",
			})
		}
		stream, err = client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			out.Close(fmt.Errorf("failed to create completion stream: %w", err))
			return
		}
	}

	if err := emitter.Finish(ctx); err != nil {
		out.Close(err)
		return
	}
	out.Close(nil)
}

// consume reads one completion step and returns the tool calls it made.
func (s *OpenAILLMService) consume(
	ctx context.Context,
	stream *openai.ChatCompletionStream,
	emitter *text.Emitter,
) ([]openai.ToolCall, error) {
	toolCallBuilder := make(map[int]*openai.ToolCall)
	var calls []openai.ToolCall

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("completion stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if err := emitter.Text(ctx, choice.Delta.Content); err != nil {
				return nil, err
			}
		}

		// Tool calls arrive in pieces keyed by index.
		for _, toolCall := range choice.Delta.ToolCalls {
			if toolCall.Index == nil {
				continue
			}
			idx := *toolCall.Index
			if _, exists := toolCallBuilder[idx]; !exists {
				toolCallBuilder[idx] = &openai.ToolCall{
					Index: toolCall.Index,
					Type:  openai.ToolTypeFunction,
				}
			}
			if toolCall.Function.Name != "" {
				toolCallBuilder[idx].Function.Name = toolCall.Function.Name
			}
			if toolCall.Function.Arguments != "" {
				toolCallBuilder[idx].Function.Arguments += toolCall.Function.Arguments
			}
			if toolCall.ID != "" {
				toolCallBuilder[idx].ID = toolCall.ID
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			done, err := s.dispatch(ctx, toolCallBuilder, emitter)
			if err != nil {
				return nil, err
			}
			calls = append(calls, done...)
			toolCallBuilder = make(map[int]*openai.ToolCall)
		}
	}

	// Some compatible servers end the stream without a tool_calls finish.
	done, err := s.dispatch(ctx, toolCallBuilder, emitter)
	if err != nil {
		return nil, err
	}
	return append(calls, done...), nil
}

func (s *OpenAILLMService) dispatch(
	ctx context.Context,
	builder map[int]*openai.ToolCall,
	emitter *text.Emitter,
) ([]openai.ToolCall, error) {
	indexes := make([]int, 0, len(builder))
	for idx := range builder {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]openai.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		call := *builder[idx]
		if call.Function.Name == "" {
			continue
		}
		calls = append(calls, call)
		if call.Function.Name != core.ReportMistakesTool.Name {
			s.logger.Warn("OpenAI LLM: unknown tool call", "tool", call.Function.Name)
			continue
		}
		mistakes, err := core.DecodeMistakes([]byte(call.Function.Arguments))
		if err != nil {
			s.logger.Warn("OpenAI LLM: dropping malformed tool call", "error", err)
			continue
		}
		s.logger.Info("User reported mistakes", "count", len(mistakes))
		if err := emitter.Mistakes(ctx, mistakes); err != nil {
			return nil, err
		}
	}
	return calls, nil
}

func convertMessages(systemPrompt string, history []core.LLMMessage) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    convertRole(msg.Role),
			Content: msg.Message,
		})
	}
	return messages
}

func convertTools(tools []core.LLMTool) []openai.Tool {
	openAITools := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		openAITools = append(openAITools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return openAITools
}

func convertRole(role core.LLMMessageRole) string {
	switch role {
	case core.LLMMessageRoleAssistant:
		return openai.ChatMessageRoleAssistant
	case core.LLMMessageRoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
