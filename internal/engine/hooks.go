package engine

import (
	"context"
	"time"

	"github.com/BTreeMap/FormPipe/internal/models"
)

// SessionEvent describes a session starting or completing.
type SessionEvent struct {
	SessionID string
	FormID    string
	Shape     models.FormShape
	Channel   string
}

// TurnEvent describes one processed respondent turn.
type TurnEvent struct {
	SessionID string
	FormID    string
	Shape     models.FormShape
	Accepted  bool
	State     models.SessionStatus
	Saved     int
	Duration  time.Duration
}

// Hooks are optional callbacks invoked after state has been committed.
type Hooks struct {
	OnSessionStart    func(ctx context.Context, e SessionEvent)
	OnTurn            func(ctx context.Context, e TurnEvent)
	OnSessionComplete func(ctx context.Context, e SessionEvent)
}

// Merge returns hooks that call h and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnSessionStart:    chainSession(h.OnSessionStart, other.OnSessionStart),
		OnTurn:            chainTurn(h.OnTurn, other.OnTurn),
		OnSessionComplete: chainSession(h.OnSessionComplete, other.OnSessionComplete),
	}
}

func chainSession(a, b func(context.Context, SessionEvent)) func(context.Context, SessionEvent) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, e SessionEvent) {
		a(ctx, e)
		b(ctx, e)
	}
}

func chainTurn(a, b func(context.Context, TurnEvent)) func(context.Context, TurnEvent) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, e TurnEvent) {
		a(ctx, e)
		b(ctx, e)
	}
}

func (h Hooks) sessionStarted(ctx context.Context, e SessionEvent) {
	if h.OnSessionStart != nil {
		h.OnSessionStart(ctx, e)
	}
}

func (h Hooks) turn(ctx context.Context, e TurnEvent) {
	if h.OnTurn != nil {
		h.OnTurn(ctx, e)
	}
}

func (h Hooks) sessionCompleted(ctx context.Context, e SessionEvent) {
	if h.OnSessionComplete != nil {
		h.OnSessionComplete(ctx, e)
	}
}
