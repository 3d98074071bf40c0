package mistakes

import (
	"context"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"voicetutor/core"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

func TestPublisherAnnouncesMistakes(t *testing.T) {
	url := startNATS(t)

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe(DefaultSubject, msgs); err != nil {
		t.Fatal(err)
	}
	sub.Flush()

	pub, err := Connect(url, "", core.NopLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pub.Close()
	if !pub.Healthy() {
		t.Fatal("publisher not connected")
	}

	if err := pub.Save(context.Background(), "u1", sample[:1]); err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case msg := <-msgs:
		var ev Event
		if err := sonic.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.UtteranceID != "u1" || len(ev.Mistakes) != 1 || ev.Mistakes[0] != sample[0] {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestConnectRequiresURL(t *testing.T) {
	if _, err := Connect("", "", core.NopLogger()); err == nil {
		t.Fatal("expected error")
	}
}
