// Package llm streams tutor replies from Gemini through the genai SDK.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/bytedance/sonic"
	"google.golang.org/genai"

	"voicetutor/core"
	"voicetutor/utils/text"
)

const (
	DefaultModel = "gemini-2.5-flash"

	// A reply may take one tool step before the spoken answer.
	maxSteps = 2
)

type Config struct {
	APIKey      string  `json:"api_key" yaml:"api_key"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
	// BaseURL overrides the Gemini API endpoint.
	BaseURL string `json:"base_url" yaml:"base_url"`
}

type generateFunc func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

type GeminiLLMService struct {
	config Config
	logger *core.Logger

	mu       sync.RWMutex
	client   *genai.Client
	generate generateFunc
}

func NewGeminiLLMService(config Config, logger *core.Logger) *GeminiLLMService {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature == 0 {
		config.Temperature = 0.8
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &GeminiLLMService{config: config, logger: logger}
}

func (s *GeminiLLMService) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.APIKey == "" {
		return fmt.Errorf("Gemini API key is required")
	}
	clientConfig := &genai.ClientConfig{
		APIKey:  s.config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if s.config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: s.config.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}
	s.client = client
	model := s.config.Model
	s.generate = func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return client.Models.GenerateContentStream(ctx, model, contents, config)
	}
	s.logger.Info("Gemini LLM: ready", "model", model)
	return nil
}

func (s *GeminiLLMService) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
	s.generate = nil
	return nil
}

// Stream starts a reply to history. Text arrives as speakable fragments;
// reported mistakes arrive as their own events.
func (s *GeminiLLMService) Stream(ctx context.Context, systemPrompt string, history []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
	s.mu.RLock()
	generate := s.generate
	s.mu.RUnlock()
	if generate == nil {
		return nil, errors.New("Gemini service not initialized")
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(s.config.Temperature),
		Tools: []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{convertTool(core.ReportMistakesTool)},
		}},
	}
	if systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	out := core.NewPipe[core.LLMEvent](32)
	go s.run(ctx, generate, convertHistory(history), config, out)
	return out, nil
}

func (s *GeminiLLMService) run(
	ctx context.Context,
	generate generateFunc,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
	out *core.Pipe[core.LLMEvent],
) {
	emitter := text.NewEmitter(out)

	for step := 1; ; step++ {
		calls, err := s.consume(ctx, generate(ctx, contents, config), emitter)
		if err != nil {
			out.Close(err)
			return
		}
		if len(calls) == 0 || step >= maxSteps {
			break
		}

		callParts := make([]*genai.Part, 0, len(calls))
		responseParts := make([]*genai.Part, 0, len(calls))
		for _, call := range calls {
			callParts = append(callParts, genai.NewPartFromFunctionCall(call.Name, call.Args))
			responseParts = append(responseParts, genai.NewPartFromFunctionResponse(call.Name, map[string]any{}))
		}
		contents = append(contents,
			genai.NewContentFromParts(callParts, genai.RoleModel),
			genai.NewContentFromParts(responseParts, genai.RoleUser),
		)
	}

	if err := emitter.Finish(ctx); err != nil {
		out.Close(err)
		return
	}
	out.Close(nil)
}

// consume reads one generation step and returns the function calls it made.
func (s *GeminiLLMService) consume(
	ctx context.Context,
	responses iter.Seq2[*genai.GenerateContentResponse, error],
	emitter *text.Emitter,
) ([]*genai.FunctionCall, error) {
	var calls []*genai.FunctionCall
	for resp, err := range responses {
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			if part.Text != "" {
				if err := emitter.Text(ctx, part.Text); err != nil {
					return nil, err
				}
			}
			if part.FunctionCall != nil {
				calls = append(calls, part.FunctionCall)
				if err := s.dispatch(ctx, part.FunctionCall, emitter); err != nil {
					return nil, err
				}
			}
		}
	}
	return calls, nil
}

func (s *GeminiLLMService) dispatch(ctx context.Context, call *genai.FunctionCall, emitter *text.Emitter) error {
	if call.Name != core.ReportMistakesTool.Name {
		s.logger.Warn("Gemini LLM: unknown function call", "tool", call.Name)
		return nil
	}
	args, err := sonic.Marshal(call.Args)
	if err != nil {
		s.logger.Warn("Gemini LLM: dropping malformed function call", "error", err)
		return nil
	}
	mistakes, err := core.DecodeMistakes(args)
	if err != nil {
		s.logger.Warn("Gemini LLM: dropping malformed function call", "error", err)
		return nil
	}
	s.logger.Info("User reported mistakes", "count", len(mistakes))
	return emitter.Mistakes(ctx, mistakes)
}

func convertHistory(history []core.LLMMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		role := genai.Role(genai.RoleUser)
		if msg.Role == core.LLMMessageRoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Message, role))
	}
	return contents
}

func convertTool(tool core.LLMTool) *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        tool.Name,
		Description: tool.Description,
		Parameters:  convertSchema(tool.Parameters),
	}
}

// convertSchema maps the subset of JSON schema used by tool definitions.
func convertSchema(def map[string]any) *genai.Schema {
	if def == nil {
		return nil
	}
	schema := &genai.Schema{}
	switch def["type"] {
	case "object":
		schema.Type = genai.TypeObject
	case "array":
		schema.Type = genai.TypeArray
	case "integer":
		schema.Type = genai.TypeInteger
	case "number":
		schema.Type = genai.TypeNumber
	case "boolean":
		schema.Type = genai.TypeBoolean
	default:
		schema.Type = genai.TypeString
	}
	if desc, ok := def["description"].(string); ok {
		schema.Description = desc
	}
	if props, ok := def["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if p, ok := prop.(map[string]any); ok {
				schema.Properties[name] = convertSchema(p)
			}
		}
	}
	if items, ok := def["items"].(map[string]any); ok {
		schema.Items = convertSchema(items)
	}
	if required, ok := def["required"].([]string); ok {
		schema.Required = append([]string(nil), required...)
	}
	return schema
}
