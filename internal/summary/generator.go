// Package summary produces the per-version change summary shown on an
// issued report. Generation is delete-then-insert so re-running it for a
// version can never leave duplicates.
package summary

import (
	"context"
	"fmt"

	"assura/api/internal/store"
	"assura/api/internal/util"
)

type dataStore interface {
	DeleteChangeSummary(ctx context.Context, documentID string) error
	InsertChangeSummary(ctx context.Context, item store.ChangeSummary) error
	ListActions(ctx context.Context, documentID string, statuses []string) ([]store.Action, error)
	ComputeActionDiff(ctx context.Context, newDocumentID, oldDocumentID string) (store.ActionDiff, error)
}

type Generator struct {
	store dataStore
}

func NewGenerator(store dataStore) *Generator {
	return &Generator{store: store}
}

// CreateInitialIssueSummary covers a version with no predecessor: every
// open action is "new" and nothing counts as a material change.
func (g *Generator) CreateInitialIssueSummary(ctx context.Context, documentID, userID string) error {
	if err := g.store.DeleteChangeSummary(ctx, documentID); err != nil {
		return fmt.Errorf("clear previous summary: %w", err)
	}

	actions, err := g.store.ListActions(ctx, documentID, store.CarryStatuses())
	if err != nil {
		return fmt.Errorf("list actions: %w", err)
	}
	actionIDs := make([]string, 0, len(actions))
	for _, a := range actions {
		actionIDs = append(actionIDs, a.ID)
	}

	item := store.ChangeSummary{
		ID:                 util.NewID("sum"),
		DocumentID:         documentID,
		NewActionIDs:       actionIDs,
		ClosedActionIDs:    []string{},
		ReopenedActionIDs:  []string{},
		HasMaterialChanges: false,
		Visible:            true,
		CreatedBy:          userID,
	}
	if err := g.store.InsertChangeSummary(ctx, item); err != nil {
		return fmt.Errorf("insert initial summary: %w", err)
	}
	return nil
}

// GenerateChangeSummary diffs a version against its predecessor and
// records the result. Safe to re-run.
func (g *Generator) GenerateChangeSummary(ctx context.Context, newDocumentID, oldDocumentID, userID string) error {
	if err := g.store.DeleteChangeSummary(ctx, newDocumentID); err != nil {
		return fmt.Errorf("clear previous summary: %w", err)
	}

	diff, err := g.store.ComputeActionDiff(ctx, newDocumentID, oldDocumentID)
	if err != nil {
		return fmt.Errorf("compute action diff: %w", err)
	}

	item := store.ChangeSummary{
		ID:                 util.NewID("sum"),
		DocumentID:         newDocumentID,
		PreviousDocumentID: &oldDocumentID,
		NewActionIDs:       diff.NewActionIDs,
		ClosedActionIDs:    diff.ClosedActionIDs,
		ReopenedActionIDs:  diff.ReopenedActionIDs,
		HasMaterialChanges: diff.HasMaterialChanges(),
		Visible:            true,
		CreatedBy:          userID,
	}
	if err := g.store.InsertChangeSummary(ctx, item); err != nil {
		return fmt.Errorf("insert change summary: %w", err)
	}
	return nil
}
