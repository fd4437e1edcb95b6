package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

type problemSpec struct {
	status int
	slug   string
	title  string
}

var problemsByKind = map[Kind]problemSpec{
	KindNetworkFailure: {http.StatusServiceUnavailable, "network-failure", "Vendor Service Unreachable"},
	KindInvalidInput:   {http.StatusUnprocessableEntity, "invalid-input", "Invalid License Code or Email"},
	KindServerRejected: {http.StatusConflict, "server-rejected", "Rejected by Vendor"},
	KindBusy:           {http.StatusConflict, "busy", "Attempt Already In Progress"},
	KindUnsupported:    {http.StatusNotImplemented, "unsupported", "Unsupported Operation"},
	KindInvalidState:   {http.StatusPreconditionFailed, "invalid-state", "Invalid License State"},
	KindStorage:        {http.StatusInternalServerError, "storage", "License Store Failure"},
	KindTimeout:        {http.StatusGatewayTimeout, "timeout", "Timed Out"},
	KindNotFound:       {http.StatusNotFound, "not-found", "Product Not Found"},
	KindCancelled:      {http.StatusServiceUnavailable, "cancelled", "Cancelled"},
}

// ProblemFromError maps an engine error onto problem details
func ProblemFromError(err error, traceID string) *ProblemDetails {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	var rec ErrorRecord
	if !errors.As(err, &rec) {
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-server-error",
			"Internal Server Error",
			"An unexpected error occurred",
			instance,
		).WithExtension("trace_id", traceID)
	}

	spec, ok := problemsByKind[rec.Code]
	if !ok {
		spec = problemSpec{http.StatusInternalServerError, "internal-server-error", "Internal Server Error"}
	}

	problem := NewProblemDetails(spec.status, "/errors/"+spec.slug, spec.title, rec.Message, instance).
		WithExtension("trace_id", traceID).
		WithExtension("code", string(rec.Code))
	if rec.Domain != "" {
		problem.WithExtension("domain", rec.Domain)
	}
	if IsRetryable(rec) {
		problem.WithExtension("retryable", true)
	}
	return problem
}
