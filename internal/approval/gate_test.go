package approval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"assura/api/internal/store"
)

type fakeStore struct {
	getOrganisationFn func(ctx context.Context, orgID string) (store.Organisation, error)
	getDocumentFn     func(ctx context.Context, documentID, orgID string) (store.Document, error)
	setApprovalFn     func(ctx context.Context, documentID, orgID, status string) error
}

func (f *fakeStore) GetOrganisation(ctx context.Context, orgID string) (store.Organisation, error) {
	return f.getOrganisationFn(ctx, orgID)
}

func (f *fakeStore) GetDocument(ctx context.Context, documentID, orgID string) (store.Document, error) {
	return f.getDocumentFn(ctx, documentID, orgID)
}

func (f *fakeStore) SetDocumentApprovalStatus(ctx context.Context, documentID, orgID, status string) error {
	return f.setApprovalFn(ctx, documentID, orgID, status)
}

func gateWith(doc store.Document, approvalRequired bool, recorded *string) *Gate {
	return NewGate(&fakeStore{
		getOrganisationFn: func(ctx context.Context, orgID string) (store.Organisation, error) {
			return store.Organisation{ID: orgID, ApprovalRequired: approvalRequired}, nil
		},
		getDocumentFn: func(ctx context.Context, documentID, orgID string) (store.Document, error) {
			return doc, nil
		},
		setApprovalFn: func(ctx context.Context, documentID, orgID, status string) error {
			if recorded != nil {
				*recorded = status
			}
			return nil
		},
	})
}

func draft(approvalStatus string) store.Document {
	return store.Document{
		ID:             "doc-1",
		OrgID:          "org-1",
		IssueStatus:    store.IssueStatusDraft,
		ApprovalStatus: approvalStatus,
	}
}

func TestCanIssueApprovalNotRequired(t *testing.T) {
	g := gateWith(draft(store.ApprovalNotRequired), false, nil)
	allowed, _, err := g.CanIssue(context.Background(), draft(store.ApprovalNotRequired))
	if err != nil {
		t.Fatalf("CanIssue() error = %v", err)
	}
	if !allowed {
		t.Fatal("expected issue to be allowed when org does not require approval")
	}
}

func TestCanIssueRequiresApprovedStatus(t *testing.T) {
	cases := []struct {
		status  string
		allowed bool
	}{
		{status: store.ApprovalNotRequired, allowed: false},
		{status: store.ApprovalPending, allowed: false},
		{status: store.ApprovalApproved, allowed: true},
		{status: store.ApprovalRejected, allowed: false},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			g := gateWith(draft(tc.status), true, nil)
			allowed, reason, err := g.CanIssue(context.Background(), draft(tc.status))
			if err != nil {
				t.Fatalf("CanIssue() error = %v", err)
			}
			if allowed != tc.allowed {
				t.Fatalf("CanIssue() with status %s = %v, want %v (reason %q)", tc.status, allowed, tc.allowed, reason)
			}
			if !allowed && reason == "" {
				t.Fatal("expected a reason when issue is blocked")
			}
		})
	}
}

func TestCanIssueRejectedBlocksEvenWithoutRequirement(t *testing.T) {
	g := gateWith(draft(store.ApprovalRejected), false, nil)
	allowed, reason, err := g.CanIssue(context.Background(), draft(store.ApprovalRejected))
	if err != nil {
		t.Fatalf("CanIssue() error = %v", err)
	}
	if allowed {
		t.Fatal("expected rejected approval to block issue regardless of org setting")
	}
	if !strings.Contains(reason, "rejected") {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestRequestApprovalTransitions(t *testing.T) {
	var recorded string
	g := gateWith(draft(store.ApprovalNotRequired), true, &recorded)
	if err := g.RequestApproval(context.Background(), "doc-1", "org-1"); err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	if recorded != store.ApprovalPending {
		t.Fatalf("expected pending, got %q", recorded)
	}

	// Re-requesting after rejection is allowed.
	g = gateWith(draft(store.ApprovalRejected), true, &recorded)
	if err := g.RequestApproval(context.Background(), "doc-1", "org-1"); err != nil {
		t.Fatalf("RequestApproval() after rejection error = %v", err)
	}

	// Requesting while pending is not.
	g = gateWith(draft(store.ApprovalPending), true, nil)
	if err := g.RequestApproval(context.Background(), "doc-1", "org-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDecideRequiresPending(t *testing.T) {
	var recorded string
	g := gateWith(draft(store.ApprovalPending), true, &recorded)
	if err := g.Decide(context.Background(), "doc-1", "org-1", true); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if recorded != store.ApprovalApproved {
		t.Fatalf("expected approved, got %q", recorded)
	}

	g = gateWith(draft(store.ApprovalPending), true, &recorded)
	if err := g.Decide(context.Background(), "doc-1", "org-1", false); err != nil {
		t.Fatalf("Decide() reject error = %v", err)
	}
	if recorded != store.ApprovalRejected {
		t.Fatalf("expected rejected, got %q", recorded)
	}

	g = gateWith(draft(store.ApprovalApproved), true, nil)
	if err := g.Decide(context.Background(), "doc-1", "org-1", true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransitionsRejectNonDraft(t *testing.T) {
	issued := draft(store.ApprovalApproved)
	issued.IssueStatus = store.IssueStatusIssued
	g := gateWith(issued, true, nil)

	if err := g.RequestApproval(context.Background(), "doc-1", "org-1"); !errors.Is(err, ErrNotDraft) {
		t.Fatalf("expected ErrNotDraft, got %v", err)
	}
	if err := g.Decide(context.Background(), "doc-1", "org-1", true); !errors.Is(err, ErrNotDraft) {
		t.Fatalf("expected ErrNotDraft, got %v", err)
	}
	if err := g.Reset(context.Background(), "doc-1", "org-1"); !errors.Is(err, ErrNotDraft) {
		t.Fatalf("expected ErrNotDraft, got %v", err)
	}
}
