package llm

import (
	"context"
	"iter"
	"testing"
	"time"

	"google.golang.org/genai"

	"voicetutor/core"
)

func response(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: "model", Parts: parts}}},
	}
}

// scripted returns one canned step per call and records what it was sent.
type scripted struct {
	steps [][]*genai.GenerateContentResponse
	seen  [][]*genai.Content
}

func (s *scripted) generate(_ context.Context, contents []*genai.Content, _ *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	step := s.steps[len(s.seen)]
	s.seen = append(s.seen, contents)
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, r := range step {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func newScriptedService(s *scripted) *GeminiLLMService {
	svc := NewGeminiLLMService(Config{APIKey: "key"}, core.NopLogger())
	svc.generate = s.generate
	return svc
}

func run(t *testing.T, svc *GeminiLLMService) []core.LLMEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stream, err := svc.Stream(ctx, "prompt", []core.LLMMessage{
		{Role: core.LLMMessageRoleUser, Message: "I goed home"},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events, err := core.Collect(ctx, stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	return events
}

func TestTextIsFragmented(t *testing.T) {
	s := &scripted{steps: [][]*genai.GenerateContentResponse{{
		response(&genai.Part{Text: "Oh, nice"}),
		response(&genai.Part{Text: ". Why"}, &genai.Part{Text: "?", Thought: true}),
	}}}
	events := run(t, newScriptedService(s))

	var got []string
	for _, e := range events {
		got = append(got, e.Text)
	}
	if len(got) != 3 || got[0] != "Oh," || got[1] != " nice." || got[2] != "Why" {
		t.Fatalf("fragments = %q", got)
	}
	if len(s.seen) != 1 {
		t.Fatalf("steps = %d", len(s.seen))
	}
}

func TestFunctionCallTriggersSecondStep(t *testing.T) {
	args := map[string]any{
		"mistakes": []any{
			map[string]any{"mistake": "I goed", "correct": "I went", "topic": "past simple", "practice": "irregular verbs"},
		},
	}
	s := &scripted{steps: [][]*genai.GenerateContentResponse{
		{response(&genai.Part{FunctionCall: &genai.FunctionCall{Name: "reportMistakes", Args: args}})},
		{response(&genai.Part{Text: "Where did you go?"})},
	}}
	events := run(t, newScriptedService(s))

	if len(events) != 2 || len(events[0].Mistakes) != 1 || events[1].Text != "Where did you go?" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Mistakes[0].Topic != "past simple" {
		t.Fatalf("mistake = %+v", events[0].Mistakes[0])
	}
	if len(s.seen) != 2 {
		t.Fatalf("steps = %d", len(s.seen))
	}
	second := s.seen[1]
	if len(second) != 3 {
		t.Fatalf("second step contents = %d", len(second))
	}
	if second[1].Role != "model" || second[1].Parts[0].FunctionCall == nil {
		t.Fatalf("missing function call turn: %+v", second[1])
	}
	if second[2].Parts[0].FunctionResponse == nil {
		t.Fatalf("missing function response turn: %+v", second[2])
	}
}

func TestStepsAreCapped(t *testing.T) {
	call := response(&genai.Part{FunctionCall: &genai.FunctionCall{Name: "lookup"}})
	s := &scripted{steps: [][]*genai.GenerateContentResponse{{call}, {call}, {call}}}
	run(t, newScriptedService(s))
	if len(s.seen) != maxSteps {
		t.Fatalf("steps = %d", len(s.seen))
	}
}

func TestConvertSchema(t *testing.T) {
	decl := convertTool(core.ReportMistakesTool)
	if decl.Name != "reportMistakes" || decl.Parameters.Type != genai.TypeObject {
		t.Fatalf("decl = %+v", decl)
	}
	mistakes := decl.Parameters.Properties["mistakes"]
	if mistakes == nil || mistakes.Type != genai.TypeArray {
		t.Fatalf("mistakes = %+v", mistakes)
	}
	item := mistakes.Items
	if item.Type != genai.TypeObject || item.Properties["practice"].Type != genai.TypeString {
		t.Fatalf("items = %+v", item)
	}
	if len(item.Required) != 4 || decl.Parameters.Required[0] != "mistakes" {
		t.Fatalf("required = %v / %v", item.Required, decl.Parameters.Required)
	}
}

func TestConvertHistoryRoles(t *testing.T) {
	contents := convertHistory([]core.LLMMessage{
		{Role: core.LLMMessageRoleUser, Message: "hi"},
		{Role: core.LLMMessageRoleAssistant, Message: "hello"},
	})
	if contents[0].Role != "user" || contents[1].Role != "model" || contents[1].Parts[0].Text != "hello" {
		t.Fatalf("contents = %+v %+v", contents[0], contents[1])
	}
}

func TestStreamRequiresInit(t *testing.T) {
	if _, err := NewGeminiLLMService(Config{}, nil).Stream(context.Background(), "", nil); err == nil {
		t.Fatal("expected error before Init")
	}
}
