package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"voicetutor/core"
	"voicetutor/handlers/turn"
)

func TestMetricsAreScraped(t *testing.T) {
	m, err := Setup(context.Background(), "voicetutor-test", "test", core.NopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	done := m.SessionOpened("voice")
	obs := m.Observer("voice")
	obs.TurnStarted()
	obs.TurnEnded(turn.OutcomeSuperseded)
	obs.Interrupted()
	obs.MistakesReported(2)
	m.AudioEmitted(core.NewPCMChunk(make([]byte, core.FrameBytes)))
	done()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{"tutor_turns_started", "tutor_turns_ended", `outcome="superseded"`, "tutor_mistakes_reported", "tutor_audio_emitted"} {
		if !strings.Contains(text, want) {
			t.Errorf("scrape missing %s", want)
		}
	}
}

func TestNopMetricsAreSafe(t *testing.T) {
	m := Nop()
	m.SessionOpened("text")()
	m.Observer("text").TurnEnded(turn.OutcomeCompleted)
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
