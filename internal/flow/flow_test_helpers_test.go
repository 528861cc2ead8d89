package flow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BTreeMap/FormPipe/internal/genai"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/openai/openai-go"
)

// step is one scripted model response.
type step struct {
	resp *genai.ToolCallResponse
	text string
	err  error
}

// MockGenAIClient replays scripted responses in order and records what it was sent.
type MockGenAIClient struct {
	mu        sync.Mutex
	steps     []step
	toolCalls int
	textCalls int
	sent      [][]openai.ChatCompletionMessageParamUnion
}

func (m *MockGenAIClient) next(messages []openai.ChatCompletionMessageParamUnion) step {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, append([]openai.ChatCompletionMessageParamUnion(nil), messages...))
	if len(m.steps) == 0 {
		return step{resp: &genai.ToolCallResponse{Content: "(script exhausted)"}}
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s
}

func (m *MockGenAIClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	s := m.next(messages)
	m.textCalls++
	return s.text, s.err
}

func (m *MockGenAIClient) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	s := m.next(messages)
	m.toolCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func saveCall(id, field, value string) genai.ToolCall {
	args, _ := json.Marshal(map[string]string{"field_name": field, "value": value})
	return genai.ToolCall{ID: id, Type: "function", Function: genai.FunctionCall{Name: SaveAnswerToolName, Arguments: args}}
}

func toolStep(content string, calls ...genai.ToolCall) step {
	return step{resp: &genai.ToolCallResponse{Content: content, ToolCalls: calls}}
}

func replyStep(content string) step {
	return step{resp: &genai.ToolCallResponse{Content: content}}
}

func noBackoff(int) time.Duration { return 0 }

func contactForm() *models.FormDefinition {
	return &models.FormDefinition{
		ID:    "contact",
		Slug:  "contact",
		Title: "Contact details",
		Fields: []models.FieldSchema{
			{Name: "full_name", Required: true, Description: "Your full name"},
			{Name: "email", Type: models.FieldTypeEmail, Required: true, Description: "Your email address"},
		},
		Status: models.FormStatusPublished,
	}
}

func feedbackGraphForm() *models.FormDefinition {
	return &models.FormDefinition{
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
				{ID: "feedback", Key: "feedback", Prompt: "Any feedback?", Required: false},
			},
			Edges: []models.GraphEdge{
				{From: "name", To: "email"},
				{From: "email", To: "feedback"},
				{From: "feedback", To: ""},
			},
		},
	}
}

func newSession(form *models.FormDefinition) models.Session {
	s := models.Session{
		ID:        "sess-1",
		FormID:    form.ID,
		Status:    models.SessionStatusActive,
		Answers:   map[string]string{},
		CreatedAt: time.Now(),
	}
	if form.Graph != nil {
		s.CurrentNodeID = form.Graph.Start
	}
	return s
}

func withUserMessage(s models.Session, text string) models.Session {
	s = s.Clone()
	s.Messages = append(s.Messages, models.Message{Role: models.RoleUser, Content: text, Timestamp: time.Now()})
	return s
}
