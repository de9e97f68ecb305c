// Package approval implements the organisation-level approval gate that
// sits in front of issuing an assessment version.
package approval

import (
	"context"
	"errors"
	"fmt"

	"assura/api/internal/store"
)

type dataStore interface {
	GetOrganisation(ctx context.Context, orgID string) (store.Organisation, error)
	GetDocument(ctx context.Context, documentID, orgID string) (store.Document, error)
	SetDocumentApprovalStatus(ctx context.Context, documentID, orgID, status string) error
}

var (
	ErrNotDraft          = errors.New("only draft versions participate in approval")
	ErrInvalidTransition = errors.New("invalid approval transition")
)

type Gate struct {
	store dataStore
}

func NewGate(store dataStore) *Gate {
	return &Gate{store: store}
}

// IsApprovalRequired reads the organisation's policy flag.
func (g *Gate) IsApprovalRequired(ctx context.Context, orgID string) (bool, error) {
	org, err := g.store.GetOrganisation(ctx, orgID)
	if err != nil {
		return false, fmt.Errorf("load organisation: %w", err)
	}
	return org.ApprovalRequired, nil
}

// CanIssue decides whether the approval state permits issuing the given
// draft. A rejected approval blocks regardless of the organisation
// setting; an approval requirement only bites when the flag is on.
func (g *Gate) CanIssue(ctx context.Context, doc store.Document) (bool, string, error) {
	if doc.ApprovalStatus == store.ApprovalRejected {
		return false, "approval has been rejected; the draft must be revised and re-approved", nil
	}

	required, err := g.IsApprovalRequired(ctx, doc.OrgID)
	if err != nil {
		return false, "", err
	}
	if !required {
		return true, "", nil
	}

	switch doc.ApprovalStatus {
	case store.ApprovalApproved:
		return true, "", nil
	case store.ApprovalPending:
		return false, "approval is pending", nil
	default:
		return false, "approval is required but has not been requested", nil
	}
}

// RequestApproval moves a draft into the pending state. Allowed from
// not_required and from rejected (a revised draft asking again).
func (g *Gate) RequestApproval(ctx context.Context, documentID, orgID string) error {
	doc, err := g.store.GetDocument(ctx, documentID, orgID)
	if err != nil {
		return err
	}
	if doc.IssueStatus != store.IssueStatusDraft {
		return ErrNotDraft
	}
	if doc.ApprovalStatus != store.ApprovalNotRequired && doc.ApprovalStatus != store.ApprovalRejected {
		return fmt.Errorf("%w: cannot request approval from %q", ErrInvalidTransition, doc.ApprovalStatus)
	}
	return g.store.SetDocumentApprovalStatus(ctx, documentID, orgID, store.ApprovalPending)
}

// Decide records an approver's verdict on a pending request.
func (g *Gate) Decide(ctx context.Context, documentID, orgID string, approve bool) error {
	doc, err := g.store.GetDocument(ctx, documentID, orgID)
	if err != nil {
		return err
	}
	if doc.IssueStatus != store.IssueStatusDraft {
		return ErrNotDraft
	}
	if doc.ApprovalStatus != store.ApprovalPending {
		return fmt.Errorf("%w: cannot decide approval from %q", ErrInvalidTransition, doc.ApprovalStatus)
	}
	status := store.ApprovalRejected
	if approve {
		status = store.ApprovalApproved
	}
	return g.store.SetDocumentApprovalStatus(ctx, documentID, orgID, status)
}

// Reset returns a draft to the not_required baseline. Used when material
// edits invalidate a previous verdict.
func (g *Gate) Reset(ctx context.Context, documentID, orgID string) error {
	doc, err := g.store.GetDocument(ctx, documentID, orgID)
	if err != nil {
		return err
	}
	if doc.IssueStatus != store.IssueStatusDraft {
		return ErrNotDraft
	}
	return g.store.SetDocumentApprovalStatus(ctx, documentID, orgID, store.ApprovalNotRequired)
}
