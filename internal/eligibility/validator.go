package eligibility

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"assura/api/internal/store"
)

type dataStore interface {
	GetDocument(ctx context.Context, documentID, orgID string) (store.Document, error)
	ListModuleInstances(ctx context.Context, documentID string) ([]store.ModuleInstance, error)
}

// Gate is the approval check consulted during validation.
type Gate interface {
	CanIssue(ctx context.Context, doc store.Document) (allowed bool, reason string, err error)
}

// Result is the outcome of an eligibility check. Warnings never block
// issue; any error does.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

type Validator struct {
	store dataStore
	gate  Gate
}

func NewValidator(store dataStore, gate Gate) *Validator {
	return &Validator{store: store, gate: gate}
}

// ValidateForIssue runs every check and accumulates all failures rather
// than stopping at the first. It never returns an error: infrastructure
// failures surface as a synthetic validation error so callers always get
// a usable Result.
func (v *Validator) ValidateForIssue(ctx context.Context, documentID, orgID string) Result {
	var result Result

	doc, err := v.store.GetDocument(ctx, documentID, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		result.Errors = append(result.Errors, "document not found")
		return result
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("eligibility check could not be completed: %v", err))
		return result
	}

	if doc.IssueStatus != store.IssueStatusDraft {
		result.Errors = append(result.Errors, fmt.Sprintf("only draft versions can be issued (current status: %s)", doc.IssueStatus))
		return result
	}

	if v.gate != nil {
		allowed, reason, err := v.gate.CanIssue(ctx, doc)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("eligibility check could not be completed: %v", err))
		} else if !allowed {
			result.Errors = append(result.Errors, reason)
		}
	}

	modules, err := v.store.ListModuleInstances(ctx, documentID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("eligibility check could not be completed: %v", err))
		return result
	}

	if len(modules) == 0 {
		result.Errors = append(result.Errors, "assessment has no modules")
		return result
	}

	byKey := make(map[string]store.ModuleInstance, len(modules))
	for _, m := range modules {
		byKey[m.ModuleKey] = m
	}

	reqs, known := Requirements(doc.DocType)
	if !known {
		// No policy for this type: every present module must have data.
		for _, m := range modules {
			if !HasData(m) {
				result.Errors = append(result.Errors, fmt.Sprintf("module %s has no data", m.ModuleKey))
			}
		}
		result.Valid = len(result.Errors) == 0
		return result
	}

	for _, req := range reqs {
		m, present := byKey[req.Key]
		complete := present && HasData(m)
		if complete {
			continue
		}
		if req.Required {
			result.Errors = append(result.Errors, fmt.Sprintf("required module %s is incomplete", req.Key))
		} else {
			result.Warnings = append(result.Warnings, fmt.Sprintf("optional module %s is incomplete", req.Key))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}
