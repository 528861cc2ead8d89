package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/FormPipe/internal/models"
)

func testForm(id, slug string) models.FormDefinition {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.FormDefinition{
		ID:     id,
		Slug:   slug,
		Title:  "Contact",
		Status: models.FormStatusPublished,
		Fields: []models.FieldSchema{
			{Name: "full_name", Required: true},
			{Name: "email", Type: models.FieldTypeEmail, Required: true},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testSession(id, formID string) models.Session {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.Session{
		ID:        id,
		FormID:    formID,
		Status:    models.SessionStatusActive,
		Answers:   map[string]string{},
		Messages:  []models.Message{{Role: models.RoleAssistant, Content: "Hi!", Timestamp: now}},
		Channel:   "web",
		Locale:    "en",
		Metadata:  map[string]string{"utm": "mail"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// runStoreContract exercises the behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("Forms", func(t *testing.T) {
		s := newStore(t)
		if err := s.SaveForm(ctx, testForm("f2", "zeta")); err != nil {
			t.Fatalf("SaveForm failed: %v", err)
		}
		if err := s.SaveForm(ctx, testForm("f1", "alpha")); err != nil {
			t.Fatalf("SaveForm failed: %v", err)
		}

		got, err := s.GetFormBySlug(ctx, "alpha")
		if err != nil {
			t.Fatalf("GetFormBySlug failed: %v", err)
		}
		if got.ID != "f1" || len(got.Fields) != 2 || got.Fields[1].Type != models.FieldTypeEmail {
			t.Errorf("unexpected form %+v", got)
		}
		if _, err := s.GetForm(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetFormBySlug(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := s.SaveForm(ctx, testForm("f3", "alpha")); !errors.Is(err, ErrSlugTaken) {
			t.Errorf("expected ErrSlugTaken, got %v", err)
		}

		updated := testForm("f1", "alpha")
		updated.Title = "Contact v2"
		if err := s.SaveForm(ctx, updated); err != nil {
			t.Fatalf("SaveForm update failed: %v", err)
		}
		got, _ = s.GetForm(ctx, "f1")
		if got.Title != "Contact v2" {
			t.Errorf("expected updated title, got %q", got.Title)
		}

		forms, err := s.ListForms(ctx)
		if err != nil {
			t.Fatalf("ListForms failed: %v", err)
		}
		if len(forms) != 2 || forms[0].Slug != "alpha" || forms[1].Slug != "zeta" {
			t.Errorf("expected forms sorted by slug, got %+v", forms)
		}
	})

	t.Run("SessionLifecycle", func(t *testing.T) {
		s := newStore(t)
		if err := s.SaveForm(ctx, testForm("f1", "contact")); err != nil {
			t.Fatal(err)
		}
		sess := testSession("s1", "f1")
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		got, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if got.Status != models.SessionStatusActive || len(got.Messages) != 1 || got.Messages[0].Content != "Hi!" {
			t.Errorf("unexpected session %+v", got)
		}
		if got.Channel != "web" || got.Locale != "en" || got.Metadata["utm"] != "mail" {
			t.Errorf("session attributes not kept: %+v", got)
		}
		if !got.CreatedAt.Equal(sess.CreatedAt) {
			t.Errorf("created_at mismatch: %v vs %v", got.CreatedAt, sess.CreatedAt)
		}

		turn := time.Now().UTC().Truncate(time.Microsecond)
		next := got.Clone()
		next.UpdatedAt = turn
		err = s.Commit(ctx, TurnCommit{
			Session:          next,
			ExpectedMessages: 1,
			Messages: []models.Message{
				{Role: models.RoleUser, Content: "I'm John", Timestamp: turn},
				{Role: models.RoleAssistant, Content: "Thanks John, your email?", Timestamp: turn},
			},
			Answers: map[string]string{"full_name": "Jon"},
		})
		if err != nil {
			t.Fatalf("Commit failed: %v", err)
		}

		// Upsert overwrites and completion records one submission.
		done := next.Clone()
		if err := done.Transition(models.SessionStatusCompleted, turn.Add(time.Second)); err != nil {
			t.Fatal(err)
		}
		sub := &models.Submission{ID: "sub1", SessionID: "s1", FormID: "f1",
			Answers: map[string]string{"full_name": "John", "email": "j@x.io"}, CreatedAt: turn}
		err = s.Commit(ctx, TurnCommit{
			Session:          done,
			ExpectedMessages: 3,
			Messages:   []models.Message{{Role: models.RoleUser, Content: "j@x.io", Timestamp: turn}, {Role: models.RoleAssistant, Content: "Done", Timestamp: turn}},
			Answers:    map[string]string{"full_name": "John", "email": "j@x.io"},
			Submission: sub,
		})
		if err != nil {
			t.Fatalf("Commit completion failed: %v", err)
		}

		got, err = s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != models.SessionStatusCompleted || got.CompletedAt == nil {
			t.Errorf("expected completed session, got %+v", got)
		}
		if len(got.Answers) != 2 || got.Answers["full_name"] != "John" {
			t.Errorf("expected upserted answers, got %v", got.Answers)
		}
		want := []string{"Hi!", "I'm John", "Thanks John, your email?", "j@x.io", "Done"}
		if len(got.Messages) != len(want) {
			t.Fatalf("expected %d messages, got %d", len(want), len(got.Messages))
		}
		for i, w := range want {
			if got.Messages[i].Content != w {
				t.Errorf("message %d: expected %q, got %q", i, w, got.Messages[i].Content)
			}
		}

		// A completed session accepts no further commits, so its submission stays the first one.
		again := &models.Submission{ID: "sub2", SessionID: "s1", FormID: "f1", Answers: map[string]string{}, CreatedAt: turn}
		if err := s.Commit(ctx, TurnCommit{Session: done, ExpectedMessages: 5, Submission: again}); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict on completed session, got %v", err)
		}
		stored, err := s.GetSubmission(ctx, "s1")
		if err != nil {
			t.Fatalf("GetSubmission failed: %v", err)
		}
		if stored.ID != "sub1" || stored.Answers["email"] != "j@x.io" {
			t.Errorf("expected first submission kept, got %+v", stored)
		}
		subs, err := s.ListSubmissions(ctx, "f1")
		if err != nil {
			t.Fatalf("ListSubmissions failed: %v", err)
		}
		if len(subs) != 1 {
			t.Errorf("expected exactly one submission, got %d", len(subs))
		}
	})

	t.Run("StaleCommitRejected", func(t *testing.T) {
		s := newStore(t)
		if err := s.SaveForm(ctx, testForm("f1", "contact")); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateSession(ctx, testSession("s1", "f1")); err != nil {
			t.Fatal(err)
		}
		read, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		turn := time.Now().UTC().Truncate(time.Microsecond)

		// Two writers read the same session; the first one completes it.
		done := read.Clone()
		if err := done.Transition(models.SessionStatusCompleted, turn); err != nil {
			t.Fatal(err)
		}
		err = s.Commit(ctx, TurnCommit{
			Session:          done,
			ExpectedMessages: len(read.Messages),
			Messages:         []models.Message{{Role: models.RoleUser, Content: "done", Timestamp: turn}, {Role: models.RoleAssistant, Content: "Thanks", Timestamp: turn}},
			Answers:          map[string]string{"full_name": "John"},
			Submission:       &models.Submission{ID: "sub1", SessionID: "s1", FormID: "f1", Answers: map[string]string{"full_name": "John"}, CreatedAt: turn},
		})
		if err != nil {
			t.Fatalf("first Commit failed: %v", err)
		}

		stale := read.Clone()
		stale.UpdatedAt = turn.Add(time.Second)
		err = s.Commit(ctx, TurnCommit{
			Session:          stale,
			ExpectedMessages: len(read.Messages),
			Messages:         []models.Message{{Role: models.RoleUser, Content: "late", Timestamp: turn}},
			Answers:          map[string]string{"full_name": "Late"},
		})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict for stale commit, got %v", err)
		}

		got, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != models.SessionStatusCompleted {
			t.Errorf("status moved backward to %s", got.Status)
		}
		if got.Answers["full_name"] != "John" || len(got.Messages) != 3 {
			t.Errorf("stale commit leaked writes: answers=%v messages=%d", got.Answers, len(got.Messages))
		}

		// An active session whose transcript grew since the read also rejects the commit.
		if err := s.CreateSession(ctx, testSession("s2", "f1")); err != nil {
			t.Fatal(err)
		}
		live, _ := s.GetSession(ctx, "s2")
		grow := TurnCommit{Session: live.Clone(), ExpectedMessages: len(live.Messages),
			Messages: []models.Message{{Role: models.RoleUser, Content: "a", Timestamp: turn}}}
		if err := s.Commit(ctx, grow); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if err := s.Commit(ctx, grow); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict for outdated transcript length, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetSession(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := s.Commit(ctx, TurnCommit{Session: models.Session{ID: "nope", Status: models.SessionStatusActive}}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on commit, got %v", err)
		}
		if _, err := s.GetSubmission(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		subs, err := s.ListSubmissions(ctx, "nope")
		if err != nil || len(subs) != 0 {
			t.Errorf("expected no submissions, got %v, %v", subs, err)
		}
	})
}

func TestInMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	if err := s.SaveForm(ctx, testForm("f1", "contact")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(ctx, testSession("s1", "f1")); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSession(ctx, "s1")
	got.Answers["leak"] = "x"
	got.Messages[0].Content = "changed"
	again, _ := s.GetSession(ctx, "s1")
	if len(again.Answers) != 0 || again.Messages[0].Content != "Hi!" {
		t.Error("GetSession must return a copy")
	}
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
		if err != nil {
			t.Fatalf("Failed to create temp dir: %v", err)
		}
		t.Cleanup(func() { os.RemoveAll(tempDir) })
		s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(tempDir, "nested", "test.db")))
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.SaveForm(ctx, testForm("f1", "contact")); err != nil {
		t.Fatal(err)
	}
	if err := s1.CreateSession(ctx, testSession("s1", "f1")); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession after reopen failed: %v", err)
	}
	if got.FormID != "f1" || len(got.Messages) != 1 {
		t.Errorf("unexpected session after reopen: %+v", got)
	}
}

func TestSQLiteStore_RequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error without DSN")
	}
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	runStoreContract(t, func(t *testing.T) Store {
		pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
		if err != nil {
			t.Skipf("Postgres not available: %v", err)
		}
		for _, table := range []string{"submissions", "answers", "messages", "sessions", "forms"} {
			pgStore.db.Exec("DELETE FROM " + table)
		}
		t.Cleanup(func() { pgStore.Close() })
		return pgStore
	})
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":   KindPostgres,
		"postgresql://localhost/db":     KindPostgres,
		"host=localhost dbname=formdb":  KindPostgres,
		"/var/lib/formpipe/formpipe.db": KindSQLite,
		"state.db":                      KindSQLite,
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected in-memory store without DSN, got %T", s)
	}
	s, err = New(ctx, "", WithSQLiteDSN(filepath.Join(t.TempDir(), "x.db")))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("expected SQLite store for file DSN, got %T", s)
	}
	if _, err := New(ctx, "cassandra"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar(`SELECT a FROM t WHERE b = ? AND c = ?`)
	if got != `SELECT a FROM t WHERE b = $1 AND c = $2` {
		t.Errorf("unexpected rebind %q", got)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
