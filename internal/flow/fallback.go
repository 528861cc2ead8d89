package flow

import (
	"fmt"

	"github.com/BTreeMap/FormPipe/internal/models"
)

// FallbackResult is the deterministic reply used once model attempts are exhausted.
type FallbackResult struct {
	Reply    string
	Complete bool
}

// Fallback derives a reply from session state alone, never from model output.
// answersAtStart is the number of answers the session held when the turn began.
func Fallback(form *models.FormDefinition, session models.Session, answersAtStart int) FallbackResult {
	if session.Status == models.SessionStatusCompleted {
		return FallbackResult{Reply: ReplyRecorded, Complete: true}
	}
	missing := form.MissingRequired(session.Answers)
	if len(missing) == 0 {
		return FallbackResult{Reply: ReplyRecorded, Complete: true}
	}
	if len(session.Answers) > answersAtStart {
		return FallbackResult{Reply: fmt.Sprintf("Got it. Could you tell me: %s?", missing[0].Label())}
	}
	return FallbackResult{Reply: ReplyTroubled}
}
