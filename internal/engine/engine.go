// Package engine is the single entry point for respondent turns. It owns the per-session
// lock and the transactional boundary around each turn.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FormPipe/internal/flow"
	"github.com/BTreeMap/FormPipe/internal/lock"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/BTreeMap/FormPipe/internal/store"
	"github.com/google/uuid"
)

// ErrFormNotPublished is returned when a session is started on a draft form.
var ErrFormNotPublished = errors.New("form is not published")

// StartOptions carries optional respondent context for a new session.
type StartOptions struct {
	Channel  string
	Locale   string
	Metadata map[string]string
}

// StartResult is a newly created session and its opening message.
type StartResult struct {
	Session models.Session
	Reply   string
}

// Engine processes respondent turns.
type Engine struct {
	store      store.Store
	strategies flow.Strategies
	guard      *lock.Guard
	hooks      Hooks
	now        func() time.Time
	newID      func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategy registers the strategy that drives forms of the given shape.
func WithStrategy(shape models.FormShape, s flow.Strategy) Option {
	return func(e *Engine) {
		e.strategies[shape] = s
	}
}

// WithGuard replaces the per-session lock guard.
func WithGuard(g *lock.Guard) Option {
	return func(e *Engine) {
		e.guard = g
	}
}

// WithHooks adds lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) {
		e.hooks = e.hooks.Merge(h)
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator sets how session and submission ids are generated.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// New creates an engine over st. Graph forms are driven by a GraphWalker unless replaced.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		strategies: flow.Strategies{models.FormShapeGraph: flow.NewGraphWalker()},
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.guard == nil {
		e.guard = lock.NewGuard()
	}
	return e
}

// StartSession creates a session on the published form with the given slug and stores
// its opening assistant message.
func (e *Engine) StartSession(ctx context.Context, slug string, opts StartOptions) (*StartResult, error) {
	form, err := e.store.GetFormBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if form.Status != models.FormStatusPublished {
		return nil, fmt.Errorf("start session on %s: %w", slug, ErrFormNotPublished)
	}
	strategy, err := e.strategies.For(form)
	if err != nil {
		return nil, err
	}

	now := e.now()
	session := models.Session{
		ID:        e.newID(),
		FormID:    form.ID,
		Status:    models.SessionStatusActive,
		Answers:   map[string]string{},
		Channel:   opts.Channel,
		Locale:    opts.Locale,
		Metadata:  opts.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if form.Graph != nil {
		session.CurrentNodeID = form.Graph.Start
	}

	opening, err := strategy.Opening(ctx, form, session)
	if err != nil {
		return nil, fmt.Errorf("failed to build opening message: %w", err)
	}
	session.Messages = []models.Message{{Role: models.RoleAssistant, Content: opening, Timestamp: e.now()}}

	if err := e.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	slog.Info("Engine.StartSession: session started", "sessionID", session.ID, "formID", form.ID, "shape", form.Shape(), "channel", opts.Channel)
	e.hooks.sessionStarted(ctx, SessionEvent{SessionID: session.ID, FormID: form.ID, Shape: form.Shape(), Channel: opts.Channel})
	return &StartResult{Session: session, Reply: opening}, nil
}

// ProcessTurn runs one respondent message through the session's strategy and commits the
// resulting messages, answers, status and submission in one transaction.
// Messages to an inactive session are rejected and nothing is persisted.
func (e *Engine) ProcessTurn(ctx context.Context, sessionID, text string) (models.TurnResult, error) {
	var result models.TurnResult
	err := e.guard.WithLock(ctx, sessionID, func(ctx context.Context) error {
		var err error
		result, err = e.processLocked(ctx, sessionID, text)
		return err
	})
	return result, err
}

func (e *Engine) processLocked(ctx context.Context, sessionID, text string) (models.TurnResult, error) {
	started := e.now()
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.TurnResult{}, err
	}
	if !session.Active() {
		slog.Debug("Engine.ProcessTurn: rejecting message to inactive session", "sessionID", sessionID, "status", session.Status)
		return models.TurnResult{Reply: flow.ReplyInactive, State: session.Status, Accepted: false}, nil
	}
	form, err := e.store.GetForm(ctx, session.FormID)
	if err != nil {
		return models.TurnResult{}, err
	}
	strategy, err := e.strategies.For(form)
	if err != nil {
		return models.TurnResult{}, err
	}

	userMsg := models.Message{Role: models.RoleUser, Content: text, Timestamp: e.now()}
	working := session.Clone()
	working.Messages = append(working.Messages, userMsg)

	decision, err := strategy.Decide(ctx, form, working, text)
	if err != nil {
		return models.TurnResult{}, fmt.Errorf("strategy failed for session %s: %w", sessionID, err)
	}

	now := e.now()
	next := decision.Session
	next.UpdatedAt = now
	commit := store.TurnCommit{
		Session:          next,
		ExpectedMessages: len(session.Messages),
		Messages: []models.Message{
			userMsg,
			{Role: models.RoleAssistant, Content: decision.Reply, Timestamp: now},
		},
		Answers: decision.Saved,
	}
	completed := next.Status == models.SessionStatusCompleted
	if completed {
		commit.Submission = &models.Submission{
			ID:        e.newID(),
			SessionID: sessionID,
			FormID:    form.ID,
			Answers:   next.Answers,
			CreatedAt: now,
		}
	}
	if err := e.store.Commit(ctx, commit); err != nil {
		return models.TurnResult{}, err
	}

	if decision.Rejection != nil {
		slog.Debug("Engine.ProcessTurn: turn rejected", "sessionID", sessionID, "reason", decision.Rejection)
	}
	e.hooks.turn(ctx, TurnEvent{
		SessionID: sessionID,
		FormID:    form.ID,
		Shape:     form.Shape(),
		Accepted:  decision.Accepted,
		State:     next.Status,
		Saved:     len(decision.Saved),
		Duration:  now.Sub(started),
	})
	if completed {
		slog.Info("Engine.ProcessTurn: session completed", "sessionID", sessionID, "formID", form.ID, "answers", len(next.Answers))
		e.hooks.sessionCompleted(ctx, SessionEvent{SessionID: sessionID, FormID: form.ID, Shape: form.Shape(), Channel: session.Channel})
	}
	return models.TurnResult{Reply: decision.Reply, State: next.Status, Accepted: decision.Accepted}, nil
}

// CompleteSession marks an active session completed with its current answers and records
// the submission. Completing an already completed session returns the existing submission.
func (e *Engine) CompleteSession(ctx context.Context, sessionID string) (*models.Submission, error) {
	var sub *models.Submission
	err := e.guard.WithLock(ctx, sessionID, func(ctx context.Context) error {
		session, err := e.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		switch session.Status {
		case models.SessionStatusCompleted:
			sub, err = e.store.GetSubmission(ctx, sessionID)
			return err
		case models.SessionStatusError:
			return fmt.Errorf("complete session %s: %w", sessionID, flow.ErrInvalidSessionState)
		}

		now := e.now()
		next := session.Clone()
		if err := next.Transition(models.SessionStatusCompleted, now); err != nil {
			return err
		}
		sub = &models.Submission{ID: e.newID(), SessionID: sessionID, FormID: session.FormID, Answers: next.Answers, CreatedAt: now}
		if err := e.store.Commit(ctx, store.TurnCommit{Session: next, ExpectedMessages: len(session.Messages), Submission: sub}); err != nil {
			return err
		}
		slog.Info("Engine.CompleteSession: session completed manually", "sessionID", sessionID, "formID", session.FormID)
		e.hooks.sessionCompleted(ctx, SessionEvent{SessionID: sessionID, FormID: session.FormID, Channel: session.Channel})
		return nil
	})
	return sub, err
}

// Session returns the current session with answers and transcript.
func (e *Engine) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	return e.store.GetSession(ctx, sessionID)
}

// Transcript returns the session's messages in order.
func (e *Engine) Transcript(ctx context.Context, sessionID string) ([]models.Message, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.Messages, nil
}
