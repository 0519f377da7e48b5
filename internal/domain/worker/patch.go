package worker

import (
	"bytes"
	"encoding/json"
)

// Optional distinguishes three JSON states for a field: absent, explicit
// null, and a value. Absent fields leave Set false because UnmarshalJSON is
// never invoked for them.
type Optional[T any] struct {
	Set   bool
	Valid bool
	Value T
}

var nullLiteral = []byte("null")

// UnmarshalJSON records presence before decoding the value.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), nullLiteral) {
		o.Valid = false
		var zero T
		o.Value = zero
		return nil
	}
	o.Valid = true
	return json.Unmarshal(data, &o.Value)
}

// MarshalJSON emits null for unset or null states.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set || !o.Valid {
		return nullLiteral, nil
	}
	return json.Marshal(o.Value)
}

// Some returns a set, non-null Optional holding the value.
func Some[T any](value T) Optional[T] {
	return Optional[T]{Set: true, Valid: true, Value: value}
}

// Null returns a set Optional carrying an explicit null.
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true}
}

// Answer resolves a waiting worker's open tool-use.
type Answer struct {
	ToolUseID string `json:"toolUseId"`
	Value     string `json:"value"`
}

// Patch is the partial worker update carried by PATCH requests. Nil pointers
// and unset Optionals leave fields unchanged; Optionals distinguish explicit
// null (clear) from absent.
type Patch struct {
	Status *Status `json:"status,omitempty"`

	CurrentAction Optional[string] `json:"currentAction"`
	LocalUiUrl    Optional[string] `json:"localUiUrl"`
	WaitingFor    Optional[WaitingFor] `json:"waitingFor"`

	Error *string `json:"error,omitempty"`

	CostUSD      *float64 `json:"costUsd,omitempty"`
	Turns        *int     `json:"turns,omitempty"`
	InputTokens  *int     `json:"inputTokens,omitempty"`
	OutputTokens *int     `json:"outputTokens,omitempty"`

	// Milestones are merged into the existing ring, deduped by
	// (type, label, ts).
	Milestones []Milestone `json:"milestones,omitempty"`

	LastCommitSHA *string `json:"lastCommitSha,omitempty"`
	CommitCount   *int    `json:"commitCount,omitempty"`
	FilesChanged  *int    `json:"filesChanged,omitempty"`
	LinesAdded    *int    `json:"linesAdded,omitempty"`
	LinesRemoved  *int    `json:"linesRemoved,omitempty"`

	PRURL    *string `json:"prUrl,omitempty"`
	PRNumber *int    `json:"prNumber,omitempty"`

	ResultMeta json.RawMessage `json:"resultMeta,omitempty"`

	// AgentMessages is the session transcript slice accompanying tool-use
	// transitions; plan extraction reads it.
	AgentMessages []AgentMessage `json:"agentMessages,omitempty"`

	// Answer resolves the current waitingFor when its toolUseId matches.
	Answer *Answer `json:"answer,omitempty"`

	// SessionGeneration guards against updates from superseded sessions;
	// when set and older than the worker's generation the patch is dropped.
	SessionGeneration *int `json:"sessionGeneration,omitempty"`
}
