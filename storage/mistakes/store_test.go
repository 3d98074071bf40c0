package mistakes

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"voicetutor/core"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "mistakes.db"), core.NopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var sample = []core.Mistake{
	{Mistake: "I went to store", Correct: "I went to the store", Topic: "articles", Practice: "the vs a/an"},
	{Mistake: "he go", Correct: "he goes", Topic: "subject-verb agreement", Practice: "third person -s"},
}

func TestCreateManyAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	saved, err := s.CreateMany(ctx, "u1", sample)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(saved) != 2 || saved[0].ID == "" || saved[0].ID == saved[1].ID {
		t.Fatalf("saved = %+v", saved)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 mistakes, got %d", len(list))
	}
	if list[0].Mistake != sample[0] || list[1].Mistake != sample[1] {
		t.Fatalf("list out of order: %+v", list)
	}
	if list[0].UtteranceID != "u1" || list[0].CreatedAt.IsZero() {
		t.Fatalf("metadata lost: %+v", list[0])
	}
}

func TestGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "", sample[1])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Correct != "he goes" || got.UtteranceID != "" {
		t.Fatalf("got %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEmptyStoreListsNothing(t *testing.T) {
	s := openStore(t)
	list, err := s.List(context.Background())
	if err != nil || list == nil || len(list) != 0 {
		t.Fatalf("list=%v err=%v", list, err)
	}
	if err := s.Save(context.Background(), "u1", nil); err != nil {
		t.Fatalf("save empty: %v", err)
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Save(context.Context, string, []core.Mistake) error {
	f.calls++
	return errors.New("down")
}

func TestFanoutReachesEverySink(t *testing.T) {
	s := openStore(t)
	bad := &failingSink{}
	err := Fanout(bad, s, nil).Save(context.Background(), "u9", sample[:1])
	if err == nil || bad.calls != 1 {
		t.Fatalf("err=%v calls=%d", err, bad.calls)
	}
	list, _ := s.List(context.Background())
	if len(list) != 1 || list[0].UtteranceID != "u9" {
		t.Fatalf("store not written: %+v", list)
	}
}
