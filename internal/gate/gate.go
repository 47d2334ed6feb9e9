package gate

import (
	"fmt"
	"strings"
)

// Status is one of the four canonical decision outcomes for a proposed change.
type Status string

const (
	Allow          Status = "ALLOW"
	NeedConfirm    Status = "NEED_CONFIRM"
	SuggestReplace Status = "SUGGEST_REPLACE"
	Reject         Status = "REJECT"
)

// UnknownStatusError is returned when a raw status matches no canonical value or alias.
type UnknownStatusError struct {
	Value string
}

func (e UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown gate status %q", e.Value)
}

var aliases = map[string]Status{
	"ALLOW":             Allow,
	"PASS":              Allow,
	"PASSED":            Allow,
	"NEED_CONFIRM":      NeedConfirm,
	"NEED_CONFIRMATION": NeedConfirm,
	"WARN":              NeedConfirm,
	"SUGGEST_REPLACE":   SuggestReplace,
	"REPLACE":           SuggestReplace,
	"ADJUST":            SuggestReplace,
	"REJECT":            Reject,
	"BLOCK":             Reject,
	"BLOCKED":           Reject,
}

// Normalize maps a raw status, including legacy aliases, to its canonical value.
func Normalize(raw string) (Status, error) {
	s, ok := aliases[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return "", UnknownStatusError{Value: raw}
	}
	return s, nil
}

func rank(s Status) int {
	switch s {
	case Reject:
		return 3
	case NeedConfirm:
		return 2
	case SuggestReplace:
		return 1
	default:
		return 0
	}
}

// Classify combines evaluator outputs; the most restrictive status wins.
// No evidence means ALLOW.
func Classify(evidence ...Status) Status {
	out := Allow
	for _, s := range evidence {
		if rank(s) > rank(out) {
			out = s
		}
	}
	return out
}

// ClassifyRaw normalizes each raw status before classifying.
func ClassifyRaw(raw ...string) (Status, error) {
	statuses := make([]Status, 0, len(raw))
	for _, r := range raw {
		s, err := Normalize(r)
		if err != nil {
			return "", err
		}
		statuses = append(statuses, s)
	}
	return Classify(statuses...), nil
}

// Verdict is a single evaluator's output with the reason it gave.
type Verdict struct {
	Evaluator string `json:"evaluator"`
	Status    Status `json:"status" enum:"ALLOW,NEED_CONFIRM,SUGGEST_REPLACE,REJECT"`
	Reason    string `json:"reason,omitempty"`
}

// Combine classifies a set of verdicts.
func Combine(verdicts []Verdict) Status {
	statuses := make([]Status, 0, len(verdicts))
	for _, v := range verdicts {
		statuses = append(statuses, v.Status)
	}
	return Classify(statuses...)
}
