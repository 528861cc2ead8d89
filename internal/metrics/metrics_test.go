package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/FormPipe/internal/engine"
	"github.com/BTreeMap/FormPipe/internal/genai"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct{ err error }

func (s stubClient) GenerateWithMessages(context.Context, []openai.ChatCompletionMessageParamUnion) (string, error) {
	return "hi", s.err
}

func (s stubClient) GenerateWithTools(context.Context, []openai.ChatCompletionMessageParamUnion, []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	return &genai.ToolCallResponse{}, s.err
}

func TestHooksRecordCounters(t *testing.T) {
	m := New()
	h := m.Hooks()
	ctx := context.Background()

	h.OnSessionStart(ctx, engine.SessionEvent{Shape: models.FormShapeGraph})
	h.OnTurn(ctx, engine.TurnEvent{Shape: models.FormShapeGraph, Accepted: true, Duration: time.Millisecond})
	h.OnTurn(ctx, engine.TurnEvent{Shape: models.FormShapeGraph, Accepted: false})
	h.OnSessionComplete(ctx, engine.SessionEvent{Shape: models.FormShapeGraph})
	h.OnSessionComplete(ctx, engine.SessionEvent{})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsStarted.WithLabelValues("graph", "web")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("graph", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("graph", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsCompleted.WithLabelValues("manual")))
}

func TestInstrumentClient(t *testing.T) {
	m := New()
	ctx := context.Background()

	_, err := m.InstrumentClient(stubClient{}).GenerateWithTools(ctx, nil, nil)
	require.NoError(t, err)
	_, err = m.InstrumentClient(stubClient{err: errors.New("down")}).GenerateWithMessages(ctx, nil)
	require.Error(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(m.modelDuration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Hooks().OnTurn(context.Background(), engine.TurnEvent{Shape: models.FormShapeFields, Accepted: true})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), `formpipe_turns_total{accepted="true",shape="fields"} 1`))
}
