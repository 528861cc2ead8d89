package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/BTreeMap/FormPipe/internal/validation"
)

// GraphWalker walks a form's node graph one validated answer at a time.
type GraphWalker struct {
	now func() time.Time
}

// NewGraphWalker creates a graph walker.
func NewGraphWalker() *GraphWalker {
	return &GraphWalker{now: time.Now}
}

// Opening returns the persona-styled prompt of the session's current node.
func (w *GraphWalker) Opening(ctx context.Context, form *models.FormDefinition, session models.Session) (string, error) {
	if form.Graph == nil {
		return "", ErrInvalidSessionState
	}
	node, ok := form.Graph.Node(session.CurrentNodeID)
	if !ok {
		return "", ErrInvalidSessionState
	}
	return Personalize(node.Prompt, form.Persona), nil
}

// Decide validates input against the current node and advances along the first matching edge.
func (w *GraphWalker) Decide(ctx context.Context, form *models.FormDefinition, session models.Session, input string) (Decision, error) {
	if !session.Active() {
		return inactive(session), nil
	}
	session = session.Clone()

	var node models.GraphNode
	ok := false
	if form.Graph != nil {
		node, ok = form.Graph.Node(session.CurrentNodeID)
	}
	if !ok {
		slog.Warn("GraphWalker.Decide: current node missing", "sessionID", session.ID, "formID", form.ID, "node", session.CurrentNodeID)
		if err := session.Transition(models.SessionStatusError, w.now()); err != nil {
			return Decision{}, err
		}
		return Decision{Reply: ReplyInvalidState, Session: session, Rejection: ErrInvalidSessionState}, nil
	}

	res := validation.Validate(node.Validation, node.Required, input)
	if !res.Accepted {
		slog.Debug("GraphWalker.Decide: answer rejected", "sessionID", session.ID, "node", node.ID, "reason", res.Reason)
		return Decision{
			Reply:     res.Reason,
			Session:   session,
			Rejection: &ValidationError{Field: node.Key, Reason: res.Reason},
		}, nil
	}

	session.Answers[node.Key] = res.Value
	saved := map[string]string{node.Key: res.Value}
	now := w.now()
	session.UpdatedAt = now

	nextID := nextNode(form.Graph, node.ID, input)
	if nextID == "" {
		if err := session.Transition(models.SessionStatusCompleted, now); err != nil {
			return Decision{}, err
		}
		slog.Info("GraphWalker.Decide: session completed", "sessionID", session.ID, "formID", form.ID)
		return Decision{Reply: ReplyGraphComplete, Accepted: true, Session: session, Saved: saved}, nil
	}

	next, ok := form.Graph.Node(nextID)
	if !ok {
		slog.Warn("GraphWalker.Decide: edge targets missing node", "sessionID", session.ID, "from", node.ID, "to", nextID)
		if err := session.Transition(models.SessionStatusError, now); err != nil {
			return Decision{}, err
		}
		return Decision{Reply: ReplyInvalidState, Accepted: true, Session: session, Saved: saved, Rejection: ErrInvalidSessionState}, nil
	}

	session.CurrentNodeID = next.ID
	slog.Debug("GraphWalker.Decide: advanced", "sessionID", session.ID, "from", node.ID, "to", next.ID)
	return Decision{Reply: Personalize(next.Prompt, form.Persona), Accepted: true, Session: session, Saved: saved}, nil
}

// nextNode returns the target of the first edge out of from whose condition matches answer.
// No matching edge yields "", which ends the session.
func nextNode(g *models.FormGraph, from, answer string) string {
	for _, e := range g.Outgoing(from) {
		if e.Condition.Matches(answer) {
			return e.To
		}
	}
	return ""
}
