package ollama

import "encoding/json"

// GenerateRequest is the body of POST /api/generate.
//
// Context is the opaque conversation token returned by the previous final
// fragment. It is passed back verbatim and never interpreted.
type GenerateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	Stream  bool            `json:"stream"`
}

// GenerateChunk is one NDJSON line of a streamed /api/generate response.
type GenerateChunk struct {
	Model              string          `json:"model,omitempty"`
	Response           string          `json:"response"`
	Done               bool            `json:"done"`
	DoneReason         string          `json:"done_reason,omitempty"`
	Context            json.RawMessage `json:"context,omitempty"`
	Error              string          `json:"error,omitempty"`
	TotalDuration      int64           `json:"total_duration,omitempty"`
	PromptEvalCount    int             `json:"prompt_eval_count,omitempty"`
	EvalCount          int             `json:"eval_count,omitempty"`
	EvalDuration       int64           `json:"eval_duration,omitempty"`
	PromptEvalDuration int64           `json:"prompt_eval_duration,omitempty"`
}

// Model is a single entry of GET /api/tags.
type Model struct {
	Name       string `json:"name"`
	Size       int64  `json:"size,omitempty"`
	Digest     string `json:"digest,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

type tagsResponse struct {
	Models []Model `json:"models"`
}

type errorResponse struct {
	Error string `json:"error"`
}
