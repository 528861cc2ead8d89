package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/FormPipe/internal/genai"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/mitchellh/mapstructure"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// SaveAnswerToolName is the only tool the model may call.
const SaveAnswerToolName = "save_answer"

// Tool results fed back to the model.
const (
	toolResultComplete     = "All required fields collected. Thank the user warmly and say goodbye."
	toolResultAlreadyDone  = "The form is already complete. Thank the user and say goodbye."
	toolResultUnknownTool  = "Error: unknown tool. Only save_answer is available."
	toolResultStillNeedFmt = "Saved. Still need: %s. Ask the user for the next one only."
)

type saveAnswerArgs struct {
	FieldName string `mapstructure:"field_name"`
	Value     string `mapstructure:"value"`
}

// SaveAnswerTool upserts answers into a session working copy.
type SaveAnswerTool struct {
	now func() time.Time
}

// NewSaveAnswerTool creates the save_answer tool.
func NewSaveAnswerTool() *SaveAnswerTool {
	return &SaveAnswerTool{now: time.Now}
}

// GetToolDefinition returns the OpenAI tool definition, restricting field_name to the form's fields.
func (t *SaveAnswerTool) GetToolDefinition(form *models.FormDefinition) openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        SaveAnswerToolName,
			Description: openai.String("Save the user's answer for a form field. Call this when the user has provided an answer. After saving, ask for the next required field or thank them if all are collected."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"field_name": map[string]interface{}{
						"type":        "string",
						"description": "Exact field name from the form schema.",
						"enum":        form.FieldNames(),
					},
					"value": map[string]interface{}{
						"type":        "string",
						"description": "The value the user provided (string; for booleans use 'true' or 'false').",
					},
				},
				"required": []string{"field_name", "value"},
			},
		},
	}
}

// ParseArguments decodes raw tool arguments. Non-string values are coerced to strings.
func ParseArguments(raw json.RawMessage) (field, value string, err error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", "", fmt.Errorf("%w: %v", genai.ErrMalformedToolCall, err)
	}
	var args saveAnswerArgs
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &args,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return "", "", err
	}
	if err := decoder.Decode(m); err != nil {
		return "", "", fmt.Errorf("%w: %v", genai.ErrMalformedToolCall, err)
	}
	if strings.TrimSpace(args.FieldName) == "" {
		return "", "", fmt.Errorf("%w: field_name is empty", genai.ErrMalformedToolCall)
	}
	return args.FieldName, args.Value, nil
}

// Execute applies one save_answer call to session and returns the tool result text.
// saved accumulates the fields written this turn. Unknown fields leave session untouched.
func (t *SaveAnswerTool) Execute(form *models.FormDefinition, session *models.Session, saved map[string]string, field, value string) (string, error) {
	if !session.Active() {
		slog.Debug("SaveAnswerTool.Execute: session already closed, ignoring save", "sessionID", session.ID, "field", field)
		return toolResultAlreadyDone, nil
	}

	if _, ok := form.Field(field); !ok {
		valid := form.FieldNames()
		sort.Strings(valid)
		slog.Warn("SaveAnswerTool.Execute: unknown field", "sessionID", session.ID, "field", field)
		return fmt.Sprintf("Error: '%s' is not a valid field. Valid: %s", field, strings.Join(valid, ", ")),
			fmt.Errorf("%w: %s", ErrUnknownField, field)
	}

	value = strings.TrimSpace(value)
	if session.Answers == nil {
		session.Answers = make(map[string]string)
	}
	if prev, existed := session.Answers[field]; existed && prev != value {
		slog.Info("SaveAnswerTool.Execute: overwriting answer", "sessionID", session.ID, "field", field)
	}
	session.Answers[field] = value
	saved[field] = value
	now := t.now()
	session.UpdatedAt = now

	missing := form.MissingRequired(session.Answers)
	if len(missing) == 0 {
		if err := session.Transition(models.SessionStatusCompleted, now); err != nil {
			return "", err
		}
		slog.Info("SaveAnswerTool.Execute: all required fields collected", "sessionID", session.ID, "formID", form.ID)
		return toolResultComplete, nil
	}

	names := make([]string, 0, len(missing))
	for _, f := range missing {
		names = append(names, f.Name)
	}
	return fmt.Sprintf(toolResultStillNeedFmt, strings.Join(names, ", ")), nil
}
