package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"voicetutor/core"
	"voicetutor/factories"
	"voicetutor/storage/mistakes"
)

// fakeTutor replies with fixed events to every turn.
type fakeTutor struct {
	events []core.LLMEvent
}

func (f *fakeTutor) Init(context.Context) error { return nil }
func (f *fakeTutor) Cleanup() error             { return nil }

func (f *fakeTutor) Stream(ctx context.Context, _ string, _ []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
	return core.SliceStream(f.events...), nil
}

func newTestServer(t *testing.T, tutor *fakeTutor) (*httptest.Server, *mistakes.Store) {
	t.Helper()
	return serveWith(t, Builders{
		LLM: func(*core.Logger) (factories.LLMService, error) { return tutor, nil },
	})
}

func serveWith(t *testing.T, builders Builders) (*httptest.Server, *mistakes.Store) {
	t.Helper()
	store, err := mistakes.Open(context.Background(), filepath.Join(t.TempDir(), "mistakes.db"), core.NopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(Deps{
		Settings: factories.DefaultSettings(),
		Builders: builders,
		Store:    store,
	}, core.NopLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return ts, store
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readEnvelope(t *testing.T, c *websocket.Conn) envelope {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := sonic.Unmarshal(msg, &env); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	return env
}

func TestTextChatAnswersAndSavesMistakes(t *testing.T) {
	tutor := &fakeTutor{events: []core.LLMEvent{
		{Mistakes: []core.Mistake{{Mistake: "I goed", Correct: "I went", Topic: "past simple", Practice: "irregular verbs"}}},
		{Text: "Where did you go?"},
	}}
	ts, store := newTestServer(t, tutor)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws/text-chat"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	c.WriteMessage(websocket.TextMessage, []byte(`{"type":"input","data":{"id":"u1","data":"I goed home"}}`))
	c.WriteMessage(websocket.TextMessage, []byte(`{"type":"finish"}`))

	var types []string
	for {
		env := readEnvelope(t, c)
		types = append(types, env.Type)
		if env.Type == "result" {
			break
		}
	}
	if strings.Join(types, ",") != "mistakes,answer,result" {
		t.Fatalf("messages = %v", types)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		list, err := store.List(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(list) == 1 {
			if list[0].UtteranceID != "u1" || list[0].Correct != "I went" {
				t.Fatalf("saved = %+v", list[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mistakes not saved: %+v", list)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMistakesAPI(t *testing.T) {
	ts, _ := newTestServer(t, &fakeTutor{})

	body := `{"mistakes":[{"mistake":"she go","correct":"she goes","topic":"present simple","practice":"third person"}]}`
	resp, err := http.Post(ts.URL+"/v1/mistakes", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	var created []mistakes.SavedMistake
	decodeBody(t, resp, http.StatusCreated, &created)
	if len(created) != 1 || created[0].ID == "" {
		t.Fatalf("created = %+v", created)
	}

	resp, _ = http.Get(ts.URL + "/v1/mistakes/" + created[0].ID)
	var got mistakes.SavedMistake
	decodeBody(t, resp, http.StatusOK, &got)
	if got.Correct != "she goes" {
		t.Fatalf("got = %+v", got)
	}

	resp, _ = http.Get(ts.URL + "/v1/mistakes")
	var list []mistakes.SavedMistake
	decodeBody(t, resp, http.StatusOK, &list)
	if len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}

	resp, _ = http.Get(ts.URL + "/v1/mistakes/missing")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing id status = %d", resp.StatusCode)
	}

	resp, _ = http.Post(ts.URL+"/v1/mistakes", "application/json", strings.NewReader(`{"mistakes":[{"topic":"x"}]}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid body status = %d", resp.StatusCode)
	}
}

func TestHelloWorldAndCORS(t *testing.T) {
	ts, _ := newTestServer(t, &fakeTutor{})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/hello-world", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var payload map[string]string
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatal("missing CORS header")
	}
	decodeBody(t, resp, http.StatusOK, &payload)
	if payload["message"] != "Hello World!" {
		t.Fatalf("payload = %v", payload)
	}
}

func decodeBody(t *testing.T, resp *http.Response, status int, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != status {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, data)
	}
	if err := sonic.Unmarshal(bytes.TrimSpace(data), v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}
