package core

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

type capturedLine struct {
	level Level
	msg   string
	attrs map[string]interface{}
}

func captureLogger(min Level) (*Logger, *[]capturedLine) {
	var lines []capturedLine
	l := NewLogger(min, func(level Level, msg string, attrs map[string]interface{}) {
		lines = append(lines, capturedLine{level, msg, attrs})
	})
	return l, &lines
}

func TestLoggerFiltersBelowMinimum(t *testing.T) {
	l, lines := captureLogger(LevelInfo)
	l.Debug("hidden")
	l.Info("shown")
	l.Errorf("failed: %d", 3)

	if len(*lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(*lines))
	}
	if (*lines)[1].msg != "failed: 3" {
		t.Fatalf("printf formatting lost: %q", (*lines)[1].msg)
	}
}

func TestLoggerKeyValueAttrs(t *testing.T) {
	l, lines := captureLogger(LevelTrace)
	l.With(map[string]interface{}{"session": "s1"}).Info("turn started", "turn", 4)

	got := (*lines)[0]
	if got.msg != "turn started" {
		t.Fatalf("msg = %q", got.msg)
	}
	if got.attrs["session"] != "s1" || got.attrs["turn"] != 4 {
		t.Fatalf("attrs = %v", got.attrs)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(LevelDebug, &buf)
	l.Info("hello", "k", "v")

	var entry LogEntry
	if err := sonic.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry.Level != "INFO" || entry.Message != "hello" || entry.Attrs["k"] != "v" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestSessionLoggerTeesToFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSessionLogWriter(dir, "abc", "voice")
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "abc.active")); err != nil {
		t.Fatalf("active marker missing: %v", err)
	}

	base, lines := captureLogger(LevelInfo)
	sl := NewSessionLogger(base, w)
	ctx := ContextWithSessionLogger(context.Background(), sl)
	SessionLoggerFromContext(ctx).Info("from session")
	w.Close()

	if len(*lines) != 1 {
		t.Fatalf("base logger saw %d lines", len(*lines))
	}
	data, err := os.ReadFile(filepath.Join(dir, "abc.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(got) != 2 || !strings.Contains(got[1], "from session") {
		t.Fatalf("file contents: %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "abc.active")); !os.IsNotExist(err) {
		t.Fatalf("active marker should be removed, stat err = %v", err)
	}
}

func TestAudioChunkDuration(t *testing.T) {
	if FrameBytes != 640 {
		t.Fatalf("FrameBytes = %d", FrameBytes)
	}
	if d := SilenceFrame().Duration(); d != FrameDuration {
		t.Fatalf("silence frame duration = %v", d)
	}
	c := NewPCMChunk(make([]byte, 32000))
	if d := c.Duration(); d.Milliseconds() != 1000 {
		t.Fatalf("duration = %v", d)
	}
}

func TestLLMContextWindow(t *testing.T) {
	c := NewLLMContext("sys", 3)
	c.AddUserMessage("1")
	c.AddAssistantMessage("2")
	c.AddUserMessage("3")
	c.AddAssistantMessage("4")

	msgs := c.Messages()
	if len(msgs) != 3 || msgs[0].Message != "2" || msgs[2].Message != "4" {
		t.Fatalf("window = %+v", msgs)
	}
	if c.SystemPrompt() != "sys" {
		t.Fatal("system prompt lost")
	}
}

func TestJoinWords(t *testing.T) {
	got := JoinWords([]Word{{Word: "Hello,"}, {Word: ""}, {Word: "world."}})
	if got != "Hello, world." {
		t.Fatalf("got %q", got)
	}
}
