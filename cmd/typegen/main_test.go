package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateProtocolTypes(t *testing.T) {
	root, err := filepath.Abs(filepath.Join("..", ".."))
	if err != nil {
		t.Fatal(err)
	}
	out, err := generate(root)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ts := string(out)

	for _, want := range []string{
		"export interface SavedMistake extends Mistake {",
		"  utteranceId?: string\n",
		"export interface CreateMistakesRequest {",
		"  mistakes: Mistake[]\n",
		"export type MessageType = 'transcription' | 'answer' | 'audio' | 'mistakes' | 'result' | 'input' | 'finish'",
		"  | { type: 'answer'; data: AnswerData }",
		"  | { type: 'finish' }",
	} {
		if !strings.Contains(ts, want) {
			t.Errorf("output missing %q\n%s", want, ts)
		}
	}
}

func TestDiscoverSkipsUnderscoreDirs(t *testing.T) {
	root, _ := filepath.Abs(filepath.Join("..", ".."))
	dirs, err := discoverGoDirs(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range dirs {
		rel, _ := filepath.Rel(root, d)
		if strings.HasPrefix(rel, "_") || strings.Contains(rel, "typegen") {
			t.Errorf("unexpected dir %s", rel)
		}
	}
}
