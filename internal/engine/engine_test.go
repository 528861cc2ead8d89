package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/FormPipe/internal/flow"
	"github.com/BTreeMap/FormPipe/internal/genai"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/BTreeMap/FormPipe/internal/store"
	"github.com/openai/openai-go"
)

// scriptedClient returns queued tool-calling responses in order.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*genai.ToolCallResponse
	greeting  string
}

func (c *scriptedClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	if c.greeting == "" {
		return "", errors.New("greeting unavailable")
	}
	return c.greeting, nil
}

func (c *scriptedClient) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return &genai.ToolCallResponse{Content: "Anything else?"}, nil
	}
	r := c.responses[0]
	c.responses = c.responses[1:]
	return r, nil
}

func save(id, field, value string) genai.ToolCall {
	return genai.ToolCall{ID: id, Type: "function", Function: genai.FunctionCall{
		Name:      flow.SaveAnswerToolName,
		Arguments: []byte(fmt.Sprintf(`{"field_name":%q,"value":%q}`, field, value)),
	}}
}

// failingCommitStore rejects every Commit.
type failingCommitStore struct {
	*store.InMemoryStore
}

func (s *failingCommitStore) Commit(ctx context.Context, c store.TurnCommit) error {
	return errors.New("disk full")
}

func graphForm() models.FormDefinition {
	min, max := 1.0, 10.0
	return models.FormDefinition{
		ID:      "feedback",
		Slug:    "feedback",
		Title:   "Feedback",
		Persona: "warm",
		Status:  models.FormStatusPublished,
		Graph: &models.FormGraph{
			Start: "name",
			Nodes: []models.GraphNode{
				{ID: "name", Key: "name", Prompt: "What is your name?", Required: true},
				{ID: "email", Key: "email", Prompt: "What is your email?", Required: true,
					Validation: models.ValidationRule{Regex: `^[^@\s]+@[^@\s]+$`}},
				{ID: "score", Key: "score", Prompt: "Rate us 1-10", Required: true,
					Validation: models.ValidationRule{Type: models.FieldTypeNumber, Min: &min, Max: &max}},
				{ID: "feedback", Key: "feedback", Prompt: "Any feedback?", Required: false},
			},
			Edges: []models.GraphEdge{
				{From: "name", To: "email"},
				{From: "email", To: "score"},
				{From: "score", To: "feedback"},
				{From: "feedback", To: ""},
			},
		},
	}
}

func fieldsForm() models.FormDefinition {
	return models.FormDefinition{
		ID:     "contact",
		Slug:   "contact",
		Title:  "Contact details",
		Status: models.FormStatusPublished,
		Fields: []models.FieldSchema{
			{Name: "full_name", Required: true, Description: "Your full name"},
			{Name: "email", Type: models.FieldTypeEmail, Required: true, Description: "Your email"},
		},
	}
}

func newTestEngine(t *testing.T, st store.Store, opts ...Option) *Engine {
	t.Helper()
	ctx := context.Background()
	for _, f := range []models.FormDefinition{graphForm(), fieldsForm()} {
		if err := st.SaveForm(ctx, f); err != nil {
			t.Fatalf("SaveForm failed: %v", err)
		}
	}
	var n int64
	opts = append([]Option{WithIDGenerator(func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1)) })}, opts...)
	return New(st, opts...)
}

func mustTurn(t *testing.T, e *Engine, sessionID, text string) models.TurnResult {
	t.Helper()
	res, err := e.ProcessTurn(context.Background(), sessionID, text)
	if err != nil {
		t.Fatalf("ProcessTurn(%q) failed: %v", text, err)
	}
	return res
}

func TestEngine_GraphScenario(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)

	start, err := e.StartSession(ctx, "feedback", StartOptions{Channel: "web"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if start.Reply != "What is your name?\n\nTone: warm." {
		t.Errorf("unexpected opening %q", start.Reply)
	}
	id := start.Session.ID

	if res := mustTurn(t, e, id, "John"); !res.Accepted || res.State != models.SessionStatusActive {
		t.Errorf("expected name accepted, got %+v", res)
	}
	res := mustTurn(t, e, id, "not-an-email")
	if res.Accepted {
		t.Error("expected invalid email rejected")
	}
	sess, _ := st.GetSession(ctx, id)
	if _, has := sess.Answers["email"]; has || sess.CurrentNodeID != "email" {
		t.Errorf("rejection must not persist an answer or move: %+v", sess)
	}

	mustTurn(t, e, id, "john@test.com")
	res = mustTurn(t, e, id, "15")
	if res.Accepted {
		t.Error("expected out-of-range score rejected")
	}
	mustTurn(t, e, id, "8")
	res = mustTurn(t, e, id, "")
	if !res.Accepted || res.State != models.SessionStatusCompleted || res.Reply != flow.ReplyGraphComplete {
		t.Fatalf("expected completion, got %+v", res)
	}

	sess, _ = st.GetSession(ctx, id)
	if len(sess.Messages) != 1+2*6 {
		t.Errorf("expected opening plus two messages per turn, got %d", len(sess.Messages))
	}
	sub, err := st.GetSubmission(ctx, id)
	if err != nil {
		t.Fatalf("expected submission: %v", err)
	}
	if sub.Answers["name"] != "John" || sub.Answers["email"] != "john@test.com" || sub.Answers["score"] != "8" {
		t.Errorf("unexpected submission answers %v", sub.Answers)
	}

	// The completed session rejects further messages without persisting anything.
	res = mustTurn(t, e, id, "one more thing")
	if res.Accepted || res.Reply != flow.ReplyInactive || res.State != models.SessionStatusCompleted {
		t.Errorf("expected inactive rejection, got %+v", res)
	}
	after, _ := st.GetSession(ctx, id)
	if len(after.Messages) != len(sess.Messages) || len(after.Answers) != len(sess.Answers) {
		t.Error("inactive turn must not persist")
	}
}

func TestEngine_HistoryFidelityAndMonotonicAnswers(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	start, err := e.StartSession(ctx, "feedback", StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	inputs := []string{"", "Ann", "bad", "", "ann@x.io", "x", "0", "3"}
	prevKeys := 0
	for i, in := range inputs {
		mustTurn(t, e, start.Session.ID, in)
		sess, _ := st.GetSession(ctx, start.Session.ID)
		if want := 1 + 2*(i+1); len(sess.Messages) != want {
			t.Fatalf("after %d turns expected %d messages, got %d", i+1, want, len(sess.Messages))
		}
		if len(sess.Answers) < prevKeys {
			t.Fatalf("answer set shrank after turn %d", i+1)
		}
		prevKeys = len(sess.Answers)
	}
	if prevKeys != 3 {
		t.Errorf("expected name, email and score answered, got %d", prevKeys)
	}
}

func TestEngine_AgenticTwoSaveScenario(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	client := &scriptedClient{
		greeting: "Hello! I'll need your name and email.",
		responses: []*genai.ToolCallResponse{
			{ToolCalls: []genai.ToolCall{save("c1", "full_name", "John"), save("c2", "email", "john@example.com")}},
			{Content: "Thanks John, we're all set!"},
		},
	}
	e := newTestEngine(t, st, WithStrategy(models.FormShapeFields, flow.NewToolCallingDriver(client)))

	start, err := e.StartSession(ctx, "contact", StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if start.Reply != client.greeting {
		t.Errorf("expected model greeting, got %q", start.Reply)
	}
	if start.Session.CurrentNodeID != "" {
		t.Error("field forms have no position")
	}

	res := mustTurn(t, e, start.Session.ID, "I'm John, john@example.com")
	if !res.Accepted || res.State != models.SessionStatusCompleted || res.Reply != "Thanks John, we're all set!" {
		t.Fatalf("unexpected result %+v", res)
	}
	sub, err := st.GetSubmission(ctx, start.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Answers) != 2 || sub.Answers["email"] != "john@example.com" {
		t.Errorf("unexpected submission %v", sub.Answers)
	}
}

func TestEngine_GreetingFallback(t *testing.T) {
	st := store.NewInMemoryStore()
	driver := flow.NewToolCallingDriver(&scriptedClient{}, flow.WithBackoff(func(int) time.Duration { return 0 }))
	e := newTestEngine(t, st, WithStrategy(models.FormShapeFields, driver))
	start, err := e.StartSession(context.Background(), "contact", StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if start.Reply != flow.GreetingFallback(&models.FormDefinition{Title: "Contact details"}) {
		t.Errorf("expected templated greeting, got %q", start.Reply)
	}
}

func TestEngine_StartSessionErrors(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)

	if _, err := e.StartSession(ctx, "nope", StartOptions{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	draft := graphForm()
	draft.ID, draft.Slug, draft.Status = "draft", "draft", models.FormStatusDraft
	if err := st.SaveForm(ctx, draft); err != nil {
		t.Fatal(err)
	}
	if _, err := e.StartSession(ctx, "draft", StartOptions{}); !errors.Is(err, ErrFormNotPublished) {
		t.Errorf("expected ErrFormNotPublished, got %v", err)
	}
	// No fields strategy configured.
	if _, err := e.StartSession(ctx, "contact", StartOptions{}); !errors.Is(err, flow.ErrStrategyUnavailable) {
		t.Errorf("expected ErrStrategyUnavailable, got %v", err)
	}
	if _, err := e.ProcessTurn(ctx, "missing", "hi"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestEngine_CommitFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	mem := store.NewInMemoryStore()
	st := &failingCommitStore{InMemoryStore: mem}
	e := newTestEngine(t, st)
	start, err := e.StartSession(ctx, "feedback", StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ProcessTurn(ctx, start.Session.ID, "John"); err == nil {
		t.Fatal("expected storage error")
	}
	sess, _ := mem.GetSession(ctx, start.Session.ID)
	if len(sess.Messages) != 1 || len(sess.Answers) != 0 || sess.CurrentNodeID != "name" {
		t.Errorf("failed commit must leave the session untouched: %+v", sess)
	}
}

func TestEngine_CompleteSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	var completed int
	e := newTestEngine(t, st, WithHooks(Hooks{OnSessionComplete: func(context.Context, SessionEvent) { completed++ }}))
	start, _ := e.StartSession(ctx, "feedback", StartOptions{})
	mustTurn(t, e, start.Session.ID, "John")

	sub, err := e.CompleteSession(ctx, start.Session.ID)
	if err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	if sub.Answers["name"] != "John" {
		t.Errorf("expected current answers in submission, got %v", sub.Answers)
	}
	again, err := e.CompleteSession(ctx, start.Session.ID)
	if err != nil || again.ID != sub.ID {
		t.Errorf("expected the same submission, got %+v, %v", again, err)
	}
	if completed != 1 {
		t.Errorf("expected one completion event, got %d", completed)
	}
	sess, _ := e.Session(ctx, start.Session.ID)
	if sess.Status != models.SessionStatusCompleted || sess.CurrentNodeID != "" || sess.CompletedAt == nil {
		t.Errorf("unexpected session after completion %+v", sess)
	}
	transcript, err := e.Transcript(ctx, start.Session.ID)
	if err != nil || len(transcript) != 3 {
		t.Errorf("expected 3 transcript messages, got %d, %v", len(transcript), err)
	}
}

func TestEngine_CompleteErroredSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st)
	start, _ := e.StartSession(ctx, "feedback", StartOptions{})

	// Point the session at a node that no longer exists.
	sess, _ := st.GetSession(ctx, start.Session.ID)
	sess.CurrentNodeID = "gone"
	if err := st.Commit(ctx, store.TurnCommit{Session: *sess, ExpectedMessages: len(sess.Messages)}); err != nil {
		t.Fatal(err)
	}
	res := mustTurn(t, e, start.Session.ID, "x")
	if res.State != models.SessionStatusError || res.Reply != flow.ReplyInvalidState {
		t.Fatalf("expected error state, got %+v", res)
	}
	if _, err := e.CompleteSession(ctx, start.Session.ID); !errors.Is(err, flow.ErrInvalidSessionState) {
		t.Errorf("expected ErrInvalidSessionState, got %v", err)
	}
}

func TestEngine_HooksAndConcurrentTurns(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	loop := models.FormDefinition{
		ID: "notes", Slug: "notes", Title: "Notes", Status: models.FormStatusPublished,
		Graph: &models.FormGraph{
			Start: "note",
			Nodes: []models.GraphNode{{ID: "note", Key: "note", Prompt: "Another note?", Required: false}},
			Edges: []models.GraphEdge{{From: "note", To: "note"}},
		},
	}
	var turns, started int64
	e := newTestEngine(t, st, WithHooks(Hooks{
		OnSessionStart: func(context.Context, SessionEvent) { atomic.AddInt64(&started, 1) },
		OnTurn:         func(context.Context, TurnEvent) { atomic.AddInt64(&turns, 1) },
	}))
	if err := st.SaveForm(ctx, loop); err != nil {
		t.Fatal(err)
	}
	start, err := e.StartSession(ctx, "notes", StartOptions{})
	if err != nil {
		t.Fatal(err)
	}

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.ProcessTurn(ctx, start.Session.ID, fmt.Sprintf("note %d", i)); err != nil {
				t.Errorf("ProcessTurn failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	sess, _ := st.GetSession(ctx, start.Session.ID)
	if len(sess.Messages) != 1+2*n {
		t.Errorf("expected %d messages, got %d", 1+2*n, len(sess.Messages))
	}
	// Every user message is immediately followed by its own reply.
	for i := 1; i < len(sess.Messages); i += 2 {
		if sess.Messages[i].Role != models.RoleUser || sess.Messages[i+1].Role != models.RoleAssistant {
			t.Fatalf("interleaved transcript at %d", i)
		}
	}
	if atomic.LoadInt64(&turns) != n || atomic.LoadInt64(&started) != 1 {
		t.Errorf("unexpected hook counts: turns=%d started=%d", turns, started)
	}
}
