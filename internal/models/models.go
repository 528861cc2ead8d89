// Package models defines the core data structures shared across FormPipe components.
package models

// APIStatus is the status field of every JSON envelope returned by the API.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
	// APIStatusRejected marks a respondent turn that was handled but whose answer was not accepted.
	APIStatusRejected APIStatus = "rejected"
)

// APIResponse is the JSON envelope of the HTTP API.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success wraps result in an ok envelope.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error builds an error envelope carrying message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Turn wraps a turn result, marking rejected answers so clients can render them inline.
func Turn(result interface{}, accepted bool) APIResponse {
	status := APIStatusOK
	if !accepted {
		status = APIStatusRejected
	}
	return APIResponse{Status: string(status), Result: result}
}
