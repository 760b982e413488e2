package model

import (
	"encoding/json"
	"strings"

	"github.com/Laisky/errors/v2"
)

// AllowList is the set of model identifiers permitted by the server. Each
// entry is either a bare model id, which applies to every provider, or
// "model@provider", which applies to that provider only. A nil AllowList
// means no restriction.
type AllowList []string

// ParseAllowList decodes a JSON array of allow-list entries. Blank input
// yields a nil list.
func ParseAllowList(raw string) (AllowList, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var entries []string
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, errors.Wrap(err, "allow-list must be a JSON array of strings")
	}

	list := make(AllowList, 0, len(entries))
	for _, entry := range entries {
		if entry = strings.TrimSpace(entry); entry != "" {
			list = append(list, entry)
		}
	}
	return list, nil
}

// IsModelNotAvailableInServer reports whether modelID is blocked for provider.
func IsModelNotAvailableInServer(list AllowList, modelID, provider string) bool {
	if list == nil {
		return false
	}

	for _, entry := range list {
		name, scope, scoped := strings.Cut(entry, "@")
		if name != modelID {
			continue
		}
		if !scoped || strings.EqualFold(scope, provider) {
			return false
		}
	}
	return true
}

// Decision is the outcome of a model allow-list check.
type Decision int

const (
	// DecisionAllowed means the model is permitted (or no allow-list is configured).
	DecisionAllowed Decision = iota
	// DecisionBlocked means the model is not on the allow-list.
	DecisionBlocked
	// DecisionSkipped means the check could not run and the request is let through.
	DecisionSkipped
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionBlocked:
		return "blocked"
	case DecisionSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// CheckResult carries the decision together with the inspected model and,
// for skipped checks, the reason.
type CheckResult struct {
	Decision Decision
	Model    string
	Reason   error
}

// Permitted is true for allowed and skipped checks.
func (r CheckResult) Permitted() bool {
	return r.Decision != DecisionBlocked
}

type modelRequest struct {
	Model string `json:"model"`
}

// CheckModel inspects the JSON body for its "model" field and evaluates it
// against list. A body that does not parse is fail-open.
func CheckModel(list AllowList, body []byte, provider string) CheckResult {
	if list == nil || len(body) == 0 {
		return CheckResult{Decision: DecisionAllowed}
	}

	var req modelRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return CheckResult{
			Decision: DecisionSkipped,
			Reason:   errors.Wrap(err, "parse request body"),
		}
	}

	if IsModelNotAvailableInServer(list, req.Model, provider) {
		return CheckResult{Decision: DecisionBlocked, Model: req.Model}
	}
	return CheckResult{Decision: DecisionAllowed, Model: req.Model}
}
