package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"voicetutor/core"
)

type fakeSpeak struct {
	mu       sync.Mutex
	received []speakV1Text
	query    string
	srv      *httptest.Server
}

// newFakeSpeak replies to every Flush with one audio frame per Speak seen
// since the previous flush, then a Flushed event.
func newFakeSpeak(t *testing.T) *fakeSpeak {
	f := &fakeSpeak{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.query = r.URL.RawQuery
		f.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		speaks := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg speakV1Text
			sonic.Unmarshal(data, &msg)
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
			switch msg.Type {
			case "Speak":
				speaks++
			case "Flush":
				for i := 0; i < speaks; i++ {
					conn.WriteMessage(websocket.BinaryMessage, make([]byte, core.FrameBytes))
				}
				speaks = 0
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Flushed","sequence_id":0}`))
			case "Clear":
				speaks = 0
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Cleared","sequence_id":0}`))
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSpeak) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.received {
		out = append(out, m.Type)
	}
	return out
}

func newSession(t *testing.T, f *fakeSpeak) *DeepgramTTS {
	t.Helper()
	d := NewDeepgramTTS(DeepgramTTSConfig{
		APIKey:  "key",
		BaseURL: "ws" + strings.TrimPrefix(f.srv.URL, "http"),
	}, core.NopLogger())
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { d.Cleanup() })
	return d
}

func TestSpeakThenFlush(t *testing.T) {
	f := newFakeSpeak(t)
	d := newSession(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	chunks, err := core.Collect(ctx, d.VoiceStream(ctx, core.SliceStream("Hi,", "how are you?")))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	got := strings.Join(f.types(), ",")
	if got != "Speak,Speak,Flush" {
		t.Fatalf("messages = %s", got)
	}
	f.mu.Lock()
	query := f.query
	f.mu.Unlock()
	for _, want := range []string{"model=aura-2-thalia-en", "encoding=linear16", "sample_rate=16000"} {
		if !strings.Contains(query, want) {
			t.Errorf("query %q missing %s", query, want)
		}
	}
}

func TestEmptyInputSendsNothing(t *testing.T) {
	f := newFakeSpeak(t)
	d := newSession(t, f)

	chunks, err := core.Collect(context.Background(), d.VoiceStream(context.Background(), core.EmptyStream[string]()))
	if err != nil || len(chunks) != 0 {
		t.Fatalf("chunks=%d err=%v", len(chunks), err)
	}
	if n := len(f.types()); n != 0 {
		t.Fatalf("sent %d messages", n)
	}
}

func TestCloseClearsPendingAudio(t *testing.T) {
	f := newFakeSpeak(t)
	d := newSession(t, f)

	fragments := core.NewPipe[string](1)
	fragments.Send(context.Background(), "Hello.")
	stream := d.VoiceStream(context.Background(), fragments)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	stream.Next(ctx)
	stream.(interface{ Close() error }).Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Join(f.types(), ",") == "Speak,Clear" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("messages = %v", f.types())
}
