package event

import "encoding/json"

// Payload is the closed tagged-union of envelope payload schemas. Each
// concrete type below corresponds to exactly one Type; payloadType is
// unexported so external packages cannot forge new union members.
type Payload interface {
	payloadType() Type
}

// ToolCallPayload describes an agent invoking a tool.
type ToolCallPayload struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args,omitempty"`
}

func (ToolCallPayload) payloadType() Type { return TypeToolCall }

// StateChangePayload describes an agent supervisor state transition
//.
type StateChangePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Why  string `json:"why,omitempty"`
}

func (StateChangePayload) payloadType() Type { return TypeStateChange }

// CompletionPayload describes a successful terminal result from an agent.
type CompletionPayload struct {
	Result map[string]interface{} `json:"result,omitempty"`
}

func (CompletionPayload) payloadType() Type { return TypeCompletion }

// ErrorPayload describes a recoverable or unrecoverable failure report.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorPayload) payloadType() Type { return TypeError }

// CheckpointPayload describes a sentinel-forced checkpoint boundary
//.
type CheckpointPayload struct {
	CreditsUsedSinceLast int `json:"credits_used_since_last"`
	TotalCreditsUsed     int `json:"total_credits_used"`
}

func (CheckpointPayload) payloadType() Type { return TypeCheckpoint }

// SessionSummaryPayload wraps a canonically-encoded session snapshot
// (internal/snapshot.Summary). It is kept as raw bytes here to avoid a
// dependency cycle between event and snapshot.
type SessionSummaryPayload struct {
	ContextHash string          `json:"context_hash"`
	Summary     json.RawMessage `json:"summary"`
}

func (SessionSummaryPayload) payloadType() Type { return TypeSessionSummary }

// OpaquePayload is the escape-hatch payload variant: raw bytes carried
// alongside a free-form type hint, for producers that want a free-form
// payload shape without inventing a new envelope Type. Decode never selects this variant on its
// own; a caller opts into it explicitly.
type OpaquePayload struct {
	TypeHint string          `json:"type_hint"`
	Raw      json.RawMessage `json:"raw"`
	declared Type
}

// NewOpaquePayload builds an OpaquePayload attributed to the given closed
// Type (it must still be one of the six known types).
func NewOpaquePayload(declared Type, typeHint string, raw json.RawMessage) OpaquePayload {
	return OpaquePayload{TypeHint: typeHint, Raw: raw, declared: declared}
}

func (o OpaquePayload) payloadType() Type { return o.declared }
