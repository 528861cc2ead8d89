// Package store provides storage backends for FormPipe.
//
// It includes an in-memory store and persistent SQLite, PostgreSQL and DynamoDB stores.
// Every backend applies a TurnCommit atomically.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/FormPipe/internal/models"
)

var (
	// ErrNotFound is returned when a form, session or submission does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSlugTaken is returned when a form is saved with a slug owned by another form.
	ErrSlugTaken = errors.New("form slug already in use")
	// ErrConflict is returned by Commit when the stored session is no longer active or its
	// transcript changed after the caller read it.
	ErrConflict = errors.New("session changed concurrently")
)

// TurnCommit is everything one processed turn writes.
type TurnCommit struct {
	// Session carries the new status, position and timestamps. Its answers and messages are ignored.
	Session models.Session
	// ExpectedMessages is the transcript length seen when the session was read. Only an active
	// session whose stored transcript still has this length accepts the commit.
	ExpectedMessages int
	// Messages are appended to the transcript in order.
	Messages []models.Message
	// Answers are upserted by field key.
	Answers map[string]string
	// Submission is recorded at most once per session; a second one is ignored.
	Submission *models.Submission
}

// Store defines the persistence operations used by the engine and the API.
type Store interface {
	SaveForm(ctx context.Context, form models.FormDefinition) error
	GetForm(ctx context.Context, id string) (*models.FormDefinition, error)
	GetFormBySlug(ctx context.Context, slug string) (*models.FormDefinition, error)
	ListForms(ctx context.Context) ([]models.FormDefinition, error)

	// CreateSession stores a new session together with its answers and messages.
	CreateSession(ctx context.Context, session models.Session) error
	// GetSession returns the session with answers and messages hydrated.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	Commit(ctx context.Context, commit TurnCommit) error

	GetSubmission(ctx context.Context, sessionID string) (*models.Submission, error)
	ListSubmissions(ctx context.Context, formID string) ([]models.Submission, error)

	Close() error
}

// InMemoryStore keeps everything in process memory. It is used for tests and the CLI chat.
type InMemoryStore struct {
	mu          sync.RWMutex
	forms       map[string]models.FormDefinition
	slugs       map[string]string
	sessions    map[string]models.Session
	submissions map[string]models.Submission
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		forms:       make(map[string]models.FormDefinition),
		slugs:       make(map[string]string),
		sessions:    make(map[string]models.Session),
		submissions: make(map[string]models.Submission),
	}
}

func (s *InMemoryStore) SaveForm(ctx context.Context, form models.FormDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.slugs[form.Slug]; ok && owner != form.ID {
		return fmt.Errorf("save form %s: %w", form.Slug, ErrSlugTaken)
	}
	if prev, ok := s.forms[form.ID]; ok && prev.Slug != form.Slug {
		delete(s.slugs, prev.Slug)
	}
	c, err := cloneForm(form)
	if err != nil {
		return err
	}
	s.forms[form.ID] = c
	s.slugs[form.Slug] = form.ID
	slog.Debug("InMemoryStore.SaveForm: saved", "formID", form.ID, "slug", form.Slug, "status", form.Status)
	return nil
}

func (s *InMemoryStore) GetForm(ctx context.Context, id string) (*models.FormDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forms[id]
	if !ok {
		return nil, fmt.Errorf("form %s: %w", id, ErrNotFound)
	}
	c, err := cloneForm(f)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *InMemoryStore) GetFormBySlug(ctx context.Context, slug string) (*models.FormDefinition, error) {
	s.mu.RLock()
	id, ok := s.slugs[slug]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("form slug %s: %w", slug, ErrNotFound)
	}
	return s.GetForm(ctx, id)
}

func (s *InMemoryStore) ListForms(ctx context.Context) ([]models.FormDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FormDefinition, 0, len(s.forms))
	for _, f := range s.forms {
		c, err := cloneForm(f)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *InMemoryStore) CreateSession(ctx context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.forms[session.FormID]; !ok {
		return fmt.Errorf("create session for form %s: %w", session.FormID, ErrNotFound)
	}
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	c := sess.Clone()
	return &c, nil
}

func (s *InMemoryStore) Commit(ctx context.Context, commit TurnCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[commit.Session.ID]
	if !ok {
		return fmt.Errorf("commit session %s: %w", commit.Session.ID, ErrNotFound)
	}
	if !sess.Active() || len(sess.Messages) != commit.ExpectedMessages {
		slog.Warn("InMemoryStore.Commit: stale commit rejected", "sessionID", sess.ID, "status", sess.Status,
			"messages", len(sess.Messages), "expected", commit.ExpectedMessages)
		return fmt.Errorf("commit session %s: %w", sess.ID, ErrConflict)
	}
	next := sess.Clone()
	next.Status = commit.Session.Status
	next.CurrentNodeID = commit.Session.CurrentNodeID
	next.UpdatedAt = commit.Session.UpdatedAt
	next.CompletedAt = commit.Session.CompletedAt
	next.Messages = append(next.Messages, commit.Messages...)
	for k, v := range commit.Answers {
		next.Answers[k] = v
	}
	s.sessions[next.ID] = next
	if commit.Submission != nil {
		if _, exists := s.submissions[next.ID]; !exists {
			sub := *commit.Submission
			sub.Answers = copyAnswers(sub.Answers)
			s.submissions[next.ID] = sub
		}
	}
	return nil
}

func (s *InMemoryStore) GetSubmission(ctx context.Context, sessionID string) (*models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[sessionID]
	if !ok {
		return nil, fmt.Errorf("submission for session %s: %w", sessionID, ErrNotFound)
	}
	sub.Answers = copyAnswers(sub.Answers)
	return &sub, nil
}

func (s *InMemoryStore) ListSubmissions(ctx context.Context, formID string) ([]models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Submission
	for _, sub := range s.submissions {
		if sub.FormID == formID {
			sub.Answers = copyAnswers(sub.Answers)
			out = append(out, sub)
		}
	}
	sortSubmissions(out)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func cloneForm(f models.FormDefinition) (models.FormDefinition, error) {
	var c models.FormDefinition
	raw, err := json.Marshal(f)
	if err != nil {
		return c, fmt.Errorf("failed to copy form %s: %w", f.ID, err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("failed to copy form %s: %w", f.ID, err)
	}
	return c, nil
}

func copyAnswers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortSubmissions(subs []models.Submission) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}
