package job

import (
	"encoding/base64"
	"fmt"
)

// Kind is the closed set of outcomes of a finished job.
type Kind string

const (
	KindError    Kind = "error"    // execution crashed
	KindFailed   Kind = "failed"   // grader rejected the answer
	KindSuccess  Kind = "success"  // grader accepted the answer
	KindTimeout  Kind = "timeout"  // execution exceeded its time budget
	KindOverflow Kind = "overflow" // execution exceeded its memory or disk budget
)

func (k Kind) Valid() bool {
	switch k {
	case KindError, KindFailed, KindSuccess, KindTimeout, KindOverflow:
		return true
	}
	return false
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidResult, s)
	}
	return k, nil
}

// Result is what a worker reports for a finished job and what a producer
// reads back. Text, Problems and Archive are optional.
type Result struct {
	Task     Task              `json:"task"`
	Input    map[string]any    `json:"input"`
	Kind     Kind              `json:"result"`
	Text     string            `json:"text,omitempty"`
	Problems map[string]string `json:"problems,omitempty"`
	Archive  string            `json:"archive,omitempty"`
}

func NewResult(t Task, input map[string]any, k Kind, text string) *Result {
	return &Result{Task: t, Input: input, Kind: k, Text: text}
}

func (r *Result) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil", ErrInvalidResult)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidResult, r.Kind)
	}
	if r.Task.Name == "" {
		return fmt.Errorf("%w: missing task", ErrInvalidResult)
	}
	if r.Archive != "" {
		if _, err := base64.StdEncoding.DecodeString(r.Archive); err != nil {
			return fmt.Errorf("%w: archive is not base64: %v", ErrInvalidResult, err)
		}
	}
	return nil
}
