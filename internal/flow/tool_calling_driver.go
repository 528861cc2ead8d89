package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FormPipe/internal/genai"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// Driver defaults.
const (
	DefaultHistoryLimit   = 10
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 30 * time.Second
	DefaultMaxToolRounds  = 5
	DefaultBackoffStep    = 500 * time.Millisecond
)

var (
	// ErrMaxToolRounds is returned when the model keeps calling tools without producing a reply.
	ErrMaxToolRounds = errors.New("tool round limit reached without a reply")
	errEmptyGreeting = errors.New("model returned an empty greeting")
)

// ToolCallingDriver lets a language model converse with the respondent. Answers only change
// through the save_answer tool.
type ToolCallingDriver struct {
	client         genai.ClientInterface
	tool           *SaveAnswerTool
	historyLimit   int
	maxAttempts    int
	attemptTimeout time.Duration
	maxToolRounds  int
	backoff        func(attempt int) time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time
}

// DriverOption configures a ToolCallingDriver.
type DriverOption func(*ToolCallingDriver)

// WithHistoryLimit bounds the number of transcript messages sent to the model.
func WithHistoryLimit(n int) DriverOption {
	return func(d *ToolCallingDriver) {
		if n > 0 {
			d.historyLimit = n
		}
	}
}

// WithMaxAttempts bounds how many times a turn is retried on transient failures.
func WithMaxAttempts(n int) DriverOption {
	return func(d *ToolCallingDriver) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithAttemptTimeout sets the deadline of a single model attempt.
func WithAttemptTimeout(timeout time.Duration) DriverOption {
	return func(d *ToolCallingDriver) {
		if timeout > 0 {
			d.attemptTimeout = timeout
		}
	}
}

// WithMaxToolRounds bounds the model/tool exchanges inside one attempt.
func WithMaxToolRounds(n int) DriverOption {
	return func(d *ToolCallingDriver) {
		if n > 0 {
			d.maxToolRounds = n
		}
	}
}

// WithBackoff replaces the delay applied before retry attempt+1.
func WithBackoff(fn func(attempt int) time.Duration) DriverOption {
	return func(d *ToolCallingDriver) { d.backoff = fn }
}

// NewToolCallingDriver creates a driver around client.
func NewToolCallingDriver(client genai.ClientInterface, opts ...DriverOption) *ToolCallingDriver {
	d := &ToolCallingDriver{
		client:         client,
		tool:           NewSaveAnswerTool(),
		historyLimit:   DefaultHistoryLimit,
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		maxToolRounds:  DefaultMaxToolRounds,
		backoff:        func(attempt int) time.Duration { return time.Duration(attempt) * DefaultBackoffStep },
		sleep:          sleepContext,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MaxTurnDuration is the longest one Decide call can take: every attempt hitting its
// deadline plus the backoff between attempts.
func (d *ToolCallingDriver) MaxTurnDuration() time.Duration {
	total := time.Duration(d.maxAttempts) * d.attemptTimeout
	for attempt := 1; attempt < d.maxAttempts; attempt++ {
		total += d.backoff(attempt)
	}
	return total
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type retryState int

const (
	retryAttempt retryState = iota
	retryBackoff
	retryDone
	retryExhausted
)

// withRetries runs fn until it succeeds, fails with a non-retryable error, or attempts run out.
// It returns the last error when no attempt succeeded.
func (d *ToolCallingDriver) withRetries(ctx context.Context, op, sessionID string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	state := retryAttempt
	attempt := 0
	var lastErr error
	for state != retryDone && state != retryExhausted {
		switch state {
		case retryAttempt:
			attempt++
			actx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
			lastErr = fn(actx)
			cancel()
			switch {
			case lastErr == nil:
				state = retryDone
			case attempt < d.maxAttempts && retryable(lastErr):
				slog.Warn("ToolCallingDriver: attempt failed, retrying", "op", op, "sessionID", sessionID, "attempt", attempt, "error", lastErr)
				state = retryBackoff
			default:
				slog.Error("ToolCallingDriver: giving up", "op", op, "sessionID", sessionID, "attempt", attempt, "error", lastErr)
				state = retryExhausted
			}
		case retryBackoff:
			if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
				lastErr = err
				state = retryExhausted
			} else {
				state = retryAttempt
			}
		}
	}
	return lastErr
}

// Decide runs the model over the transcript and applies its save_answer calls.
// When every attempt fails, the reply falls back to one derived from session state.
func (d *ToolCallingDriver) Decide(ctx context.Context, form *models.FormDefinition, session models.Session, input string) (Decision, error) {
	if !session.Active() {
		return inactive(session), nil
	}

	working := session.Clone()
	saved := make(map[string]string)
	answersAtStart := len(session.Answers)

	var reply string
	err := d.withRetries(ctx, "decide", session.ID, genai.IsTransient, func(actx context.Context) error {
		var err error
		reply, err = d.runAttempt(actx, form, &working, saved)
		return err
	})
	if err != nil {
		fb := Fallback(form, working, answersAtStart)
		if fb.Complete {
			if terr := working.Transition(models.SessionStatusCompleted, d.now()); terr != nil {
				return Decision{}, terr
			}
		}
		slog.Warn("ToolCallingDriver.Decide: using fallback reply", "sessionID", session.ID, "error", err, "saved", len(saved))
		reply = fb.Reply
	}

	return Decision{Reply: reply, Accepted: true, Session: working, Saved: saved}, nil
}

// runAttempt performs one bounded model/tool exchange. Saves made before a failure stay in session.
func (d *ToolCallingDriver) runAttempt(ctx context.Context, form *models.FormDefinition, session *models.Session, saved map[string]string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(BuildInstructions(form, session.Answers))}
	messages = append(messages, historyMessages(session.Messages, d.historyLimit)...)
	tools := []openai.ChatCompletionToolParam{d.tool.GetToolDefinition(form)}

	for round := 1; round <= d.maxToolRounds; round++ {
		resp, err := d.client.GenerateWithTools(ctx, messages, tools)
		if err != nil {
			return "", err
		}
		slog.Debug("ToolCallingDriver.runAttempt: model responded", "sessionID", session.ID, "round", round,
			"toolCallCount", len(resp.ToolCalls), "contentLength", len(resp.Content))

		if len(resp.ToolCalls) == 0 {
			content := strings.TrimSpace(resp.Content)
			if content == "" {
				content = ReplyEmptyOutput
			}
			return content, nil
		}

		messages = append(messages, assistantToolCallMessage(resp))
		for _, call := range resp.ToolCalls {
			result, err := d.executeToolCall(form, session, saved, call)
			if err != nil {
				return "", err
			}
			messages = append(messages, openai.ToolMessage(result, call.ID))
		}
	}
	return "", ErrMaxToolRounds
}

func (d *ToolCallingDriver) executeToolCall(form *models.FormDefinition, session *models.Session, saved map[string]string, call genai.ToolCall) (string, error) {
	if call.Function.Name != SaveAnswerToolName {
		slog.Warn("ToolCallingDriver: model called unknown tool", "sessionID", session.ID, "tool", call.Function.Name)
		return toolResultUnknownTool, nil
	}
	field, value, err := ParseArguments(call.Function.Arguments)
	if err != nil {
		return "", err
	}
	result, err := d.tool.Execute(form, session, saved, field, value)
	if errors.Is(err, ErrUnknownField) {
		// The model sees the error text and may correct itself in the next round.
		return result, nil
	}
	return result, err
}

func assistantToolCallMessage(resp *genai.ToolCallResponse) openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, tc := range resp.ToolCalls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	msg := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(resp.Content),
		},
		ToolCalls: toolCalls,
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

// historyMessages converts the last limit user/assistant messages of a transcript.
func historyMessages(transcript []models.Message, limit int) []openai.ChatCompletionMessageParamUnion {
	var window []models.Message
	for _, m := range transcript {
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			window = append(window, m)
		}
	}
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(window))
	for _, m := range window {
		if m.Role == models.RoleUser {
			out = append(out, openai.UserMessage(m.Content))
		} else {
			out = append(out, openai.AssistantMessage(m.Content))
		}
	}
	return out
}

// Opening asks the model for a short persona-appropriate greeting, falling back to a template.
func (d *ToolCallingDriver) Opening(ctx context.Context, form *models.FormDefinition, session models.Session) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(BuildInstructions(form, nil)),
		openai.UserMessage(greetingRequest),
	}

	var greeting string
	retryable := func(err error) bool { return !errors.Is(err, context.Canceled) }
	err := d.withRetries(ctx, "greeting", session.ID, retryable, func(actx context.Context) error {
		out, err := d.client.GenerateWithMessages(actx, messages)
		if err != nil {
			return err
		}
		greeting = strings.TrimSpace(out)
		if greeting == "" {
			return errEmptyGreeting
		}
		return nil
	})
	if err != nil {
		slog.Warn("ToolCallingDriver.Opening: using templated greeting", "sessionID", session.ID, "error", err)
		return GreetingFallback(form), nil
	}
	return greeting, nil
}

