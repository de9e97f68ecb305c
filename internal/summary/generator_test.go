package summary

import (
	"context"
	"testing"

	"assura/api/internal/store"
)

type fakeStore struct {
	summaries map[string]store.ChangeSummary
	actions   []store.Action
	diff      store.ActionDiff
	deletes   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{summaries: make(map[string]store.ChangeSummary)}
}

func (f *fakeStore) DeleteChangeSummary(ctx context.Context, documentID string) error {
	f.deletes++
	delete(f.summaries, documentID)
	return nil
}

func (f *fakeStore) InsertChangeSummary(ctx context.Context, item store.ChangeSummary) error {
	f.summaries[item.DocumentID] = item
	return nil
}

func (f *fakeStore) ListActions(ctx context.Context, documentID string, statuses []string) ([]store.Action, error) {
	return f.actions, nil
}

func (f *fakeStore) ComputeActionDiff(ctx context.Context, newDocumentID, oldDocumentID string) (store.ActionDiff, error) {
	return f.diff, nil
}

func TestCreateInitialIssueSummary(t *testing.T) {
	fs := newFakeStore()
	fs.actions = []store.Action{
		{ID: "act-1", Status: store.ActionOpen},
		{ID: "act-2", Status: store.ActionInProgress},
	}
	g := NewGenerator(fs)

	if err := g.CreateInitialIssueSummary(context.Background(), "doc-1", "user-1"); err != nil {
		t.Fatalf("CreateInitialIssueSummary() error = %v", err)
	}

	item, ok := fs.summaries["doc-1"]
	if !ok {
		t.Fatal("expected a summary row")
	}
	if len(item.NewActionIDs) != 2 {
		t.Fatalf("expected all open actions listed as new, got %v", item.NewActionIDs)
	}
	if item.HasMaterialChanges {
		t.Fatal("initial issue must not report material changes")
	}
	if item.PreviousDocumentID != nil {
		t.Fatal("initial issue has no predecessor")
	}
	if !item.Visible {
		t.Fatal("expected summary to default to visible")
	}
}

func TestGenerateChangeSummary(t *testing.T) {
	fs := newFakeStore()
	fs.diff = store.ActionDiff{
		NewActionIDs:      []string{"act-9"},
		ClosedActionIDs:   []string{"act-3"},
		ReopenedActionIDs: []string{},
	}
	g := NewGenerator(fs)

	if err := g.GenerateChangeSummary(context.Background(), "doc-2", "doc-1", "user-1"); err != nil {
		t.Fatalf("GenerateChangeSummary() error = %v", err)
	}

	item := fs.summaries["doc-2"]
	if !item.HasMaterialChanges {
		t.Fatal("expected a non-empty diff to count as material")
	}
	if item.PreviousDocumentID == nil || *item.PreviousDocumentID != "doc-1" {
		t.Fatalf("expected predecessor doc-1, got %v", item.PreviousDocumentID)
	}
	if len(item.NewActionIDs) != 1 || item.NewActionIDs[0] != "act-9" {
		t.Fatalf("unexpected new action ids: %v", item.NewActionIDs)
	}
}

func TestGenerateChangeSummaryIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	fs.diff = store.ActionDiff{NewActionIDs: []string{"act-1"}}
	g := NewGenerator(fs)

	for i := 0; i < 3; i++ {
		if err := g.GenerateChangeSummary(context.Background(), "doc-2", "doc-1", "user-1"); err != nil {
			t.Fatalf("GenerateChangeSummary() run %d error = %v", i, err)
		}
	}

	if len(fs.summaries) != 1 {
		t.Fatalf("expected exactly one summary row, got %d", len(fs.summaries))
	}
	if fs.deletes != 3 {
		t.Fatalf("expected delete before every insert, got %d deletes", fs.deletes)
	}
}

func TestEmptyDiffIsNotMaterial(t *testing.T) {
	fs := newFakeStore()
	fs.diff = store.ActionDiff{NewActionIDs: []string{}, ClosedActionIDs: []string{}, ReopenedActionIDs: []string{}}
	g := NewGenerator(fs)

	if err := g.GenerateChangeSummary(context.Background(), "doc-2", "doc-1", "user-1"); err != nil {
		t.Fatalf("GenerateChangeSummary() error = %v", err)
	}
	if fs.summaries["doc-2"].HasMaterialChanges {
		t.Fatal("expected empty diff to be non-material")
	}
}
