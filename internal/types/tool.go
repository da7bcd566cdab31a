package types

import "encoding/json"

type SubjectKind string

const (
	SubjectNone    SubjectKind = "none"
	SubjectPath    SubjectKind = "path"
	SubjectCommand SubjectKind = "command"
	SubjectURL     SubjectKind = "url"
)

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// SubjectArg names the argument that policy rules are matched against.
	SubjectArg  string      `json:"subject_arg,omitempty"`
	SubjectKind SubjectKind `json:"subject_kind,omitempty"`
}

func (d ToolDefinition) HasSubject() bool {
	return d.SubjectArg != "" && d.SubjectKind != "" && d.SubjectKind != SubjectNone
}
