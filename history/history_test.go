package history

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.aimuz.me/livescribe/transcript"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestStore_SessionLifecycle(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.BeginSession("live test")
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if sess.ID == "" || sess.Started.IsZero() {
		t.Fatalf("BeginSession() = %+v", sess)
	}

	texts := []string{"one", "two", "three"}
	for _, text := range texts {
		if err := s.AppendLine(sess.ID, transcript.Line{Time: time.Now(), Text: text, Lang: "en"}); err != nil {
			t.Fatalf("AppendLine(%q): %v", text, err)
		}
	}
	if err := s.EndSession(sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	got, err := s.Session(sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if got.Lines != 3 || got.Ended.IsZero() || got.Label != "live test" {
		t.Errorf("Session() = %+v", got)
	}

	lines, err := s.Lines(sess.ID)
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	if len(lines) != len(texts) {
		t.Fatalf("Lines() returned %d lines, want %d", len(lines), len(texts))
	}
	for i, l := range lines {
		if l.Text != texts[i] || l.Lang != "en" {
			t.Errorf("line %d = %+v, want text %q", i, l, texts[i])
		}
	}
}

func TestStore_LineOrderBeyondTen(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.BeginSession("order")

	// Zero-padded keys keep line 10 after line 9.
	for i := range 12 {
		s.AppendLine(sess.ID, transcript.Line{Text: string(rune('a' + i))})
	}
	lines, err := s.Lines(sess.ID)
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	for i, l := range lines {
		if want := string(rune('a' + i)); l.Text != want {
			t.Fatalf("line %d = %q, want %q", i, l.Text, want)
		}
	}
}

func TestStore_SessionsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	var ids []string
	for _, label := range []string{"first", "second", "third"} {
		sess, err := s.BeginSession(label)
		if err != nil {
			t.Fatalf("BeginSession(%q): %v", label, err)
		}
		ids = append(ids, sess.ID)
		time.Sleep(2 * time.Millisecond)
	}

	list, err := s.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("Sessions() returned %d, want 3", len(list))
	}
	for i, want := range []string{ids[2], ids[1], ids[0]} {
		if list[i].ID != want {
			t.Errorf("Sessions()[%d] = %s (%s), want %s", i, list[i].ID, list[i].Label, want)
		}
	}
}

func TestStore_LinesAreScopedToSession(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.BeginSessionWithID("a", "a")
	ab, _ := s.BeginSessionWithID("ab", "ab")

	s.AppendLine(a.ID, transcript.Line{Text: "in a"})
	s.AppendLine(ab.ID, transcript.Line{Text: "in ab"})

	lines, err := s.Lines("a")
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	if len(lines) != 1 || lines[0].Text != "in a" {
		t.Errorf("Lines(a) = %+v", lines)
	}
}

func TestStore_NotFound(t *testing.T) {
	s := openTestStore(t)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"append", func() error { return s.AppendLine("missing", transcript.Line{Text: "x"}) }},
		{"end", func() error { return s.EndSession("missing") }},
		{"lines", func() error { _, err := s.Lines("missing"); return err }},
		{"session", func() error { _, err := s.Session("missing"); return err }},
		{"delete", func() error { return s.Delete("missing") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrNotFound) {
				t.Errorf("error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	sess, _ := s.BeginSession("gone")
	s.AppendLine(sess.ID, transcript.Line{Text: "x"})

	if err := s.Delete(sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Lines(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lines after Delete: %v", err)
	}
	if list, _ := s.Sessions(); len(list) != 0 {
		t.Errorf("Sessions after Delete = %+v", list)
	}
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := Open(dir, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sess, _ := s.BeginSession("persisted")
	s.AppendLine(sess.ID, transcript.Line{Text: "kept"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(dir, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	// New lines sort after the ones written before the restart.
	s.AppendLine(sess.ID, transcript.Line{Text: "later"})
	lines, err := s.Lines(sess.ID)
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	if len(lines) != 2 || lines[0].Text != "kept" || lines[1].Text != "later" {
		t.Errorf("Lines() = %+v", lines)
	}
}
