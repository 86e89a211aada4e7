package server

import (
	"signline/internal/domain"
	"signline/internal/envelope"
)

// Request payloads

type CreateProjectRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Status      *string        `json:"status,omitempty" enum:"draft,active,submitted,accepted,rejected"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

type SubmitProjectRequest struct {
	NotifyEmail string `json:"notify_email,omitempty"`
}

// Response payloads

// errorBody mirrors the success envelope so clients parse one shape
// for every response.
type errorBody struct {
	Result        any                   `json:"result"`
	Assumptions   []string              `json:"assumptions"`
	Warnings      []string              `json:"warnings"`
	Errors        []envelope.FieldError `json:"errors"`
	Confidence    float64               `json:"confidence"`
	CurrentToken  string                `json:"current_token,omitempty"`
	CorrelationID string                `json:"correlation_id,omitempty"`
}

type TaskResponse struct {
	TaskID    string   `json:"task_id"`
	Kind      string   `json:"kind"`
	ProjectID string   `json:"project_id,omitempty"`
	State     string   `json:"state" enum:"pending,processing,completed,failed,cancelled"`
	Progress  *float64 `json:"progress,omitempty"`
	Result    *string  `json:"result,omitempty"`
	Error     *string  `json:"error,omitempty"`
	ErrorKind *string  `json:"error_kind,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

func taskResponse(t domain.TaskRecord) TaskResponse {
	return TaskResponse{
		TaskID:    t.TaskID,
		Kind:      t.Kind,
		ProjectID: t.ProjectID,
		State:     t.State,
		Progress:  t.Progress,
		Result:    t.ResultJSON,
		Error:     t.Error,
		ErrorKind: t.ErrorKind,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

type CancelTaskResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}
