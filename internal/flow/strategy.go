// Package flow implements the strategies that turn a respondent message into a session transition.
//
// GraphWalker drives graph-shaped forms deterministically; ToolCallingDriver lets a language
// model converse freely while the save_answer tool is the only way it can change state.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/FormPipe/internal/models"
)

// Fixed replies.
const (
	ReplyInactive       = "This session is no longer active."
	ReplyInvalidState   = "Session state is invalid."
	ReplyGraphComplete  = "Thank you. Your submission is complete."
	ReplyRecorded       = "Thank you! Your responses have been recorded."
	ReplyTroubled       = "I'm having trouble processing that. Please try again."
	ReplyEmptyOutput    = "Could you repeat that?"
	DefaultPersona      = "Friendly and professional"
	DefaultAdminPrompt  = "Collect all required fields."
	greetingFallbackFmt = "Hi! Welcome to %s. I'll ask you a few questions—let's get started!"
)

var (
	// ErrInactiveSession marks a message sent to a session that is no longer active.
	ErrInactiveSession = errors.New("session is not active")
	// ErrInvalidSessionState marks a session whose position references a missing node.
	ErrInvalidSessionState = errors.New("session state is invalid")
	// ErrUnknownField marks a save_answer call naming a field outside the form schema.
	ErrUnknownField = errors.New("unknown field")
	// ErrValidationRejected marks an answer that failed its node's rule.
	ErrValidationRejected = errors.New("answer rejected by validation")
	// ErrStrategyUnavailable is returned when the form's shape has no configured strategy.
	ErrStrategyUnavailable = errors.New("no strategy for form shape")
)

// ValidationError carries the rejection reason for one field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidationRejected }

// Decision is the outcome of one strategy step. Session is the updated working copy;
// Saved holds the answers written during this turn keyed by field.
type Decision struct {
	Reply     string
	Accepted  bool
	Session   models.Session
	Saved     map[string]string
	Rejection error
}

// Strategy decides the next system message and state transition for one respondent turn.
// The session passed to Decide already carries the respondent's message as its last entry.
type Strategy interface {
	Decide(ctx context.Context, form *models.FormDefinition, session models.Session, input string) (Decision, error)
	Opening(ctx context.Context, form *models.FormDefinition, session models.Session) (string, error)
}

// Strategies maps form shapes to the strategy that drives them.
type Strategies map[models.FormShape]Strategy

// For returns the strategy for the form's shape.
func (s Strategies) For(form *models.FormDefinition) (Strategy, error) {
	shape := form.Shape()
	st, ok := s[shape]
	if !ok || st == nil {
		return nil, fmt.Errorf("%w: %q", ErrStrategyUnavailable, shape)
	}
	return st, nil
}

// inactive is the decision for any message sent to a non-active session.
func inactive(session models.Session) Decision {
	return Decision{Reply: ReplyInactive, Session: session, Rejection: ErrInactiveSession}
}

// Personalize appends the persona tone to a prompt.
func Personalize(prompt, persona string) string {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		return prompt
	}
	return fmt.Sprintf("%s\n\nTone: %s.", prompt, persona)
}

// GreetingFallback is the templated opening used when the model cannot produce one.
func GreetingFallback(form *models.FormDefinition) string {
	return fmt.Sprintf(greetingFallbackFmt, form.Title)
}
