// Package lifecycle drives the version lifecycle of an assessment chain:
// issuing a draft, creating the next draft from the issued version, and
// superseding an issued version with a new one. A chain never holds more
// than one draft and one issued version at a time.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"assura/api/internal/archive"
	"assura/api/internal/eligibility"
	"assura/api/internal/search"
	"assura/api/internal/store"
	"assura/api/internal/util"
)

type dataStore interface {
	GetDocument(ctx context.Context, documentID, orgID string) (store.Document, error)
	InsertDocument(ctx context.Context, item store.Document) error
	GetCurrentIssued(ctx context.Context, baseDocumentID, orgID string) (*store.Document, error)
	GetCurrentDraft(ctx context.Context, baseDocumentID, orgID string) (*store.Document, error)
	SetDocumentIssued(ctx context.Context, documentID string, issueDate time.Time, issuedBy string) error
	SetDocumentSuperseded(ctx context.Context, documentID, supersededBy string, when time.Time) error
	ListModuleInstances(ctx context.Context, documentID string) ([]store.ModuleInstance, error)
	BulkInsertModuleInstances(ctx context.Context, items []store.ModuleInstance) error
	ListActions(ctx context.Context, documentID string, statuses []string) ([]store.Action, error)
	BulkInsertActions(ctx context.Context, items []store.Action) error
	CopyAttachments(ctx context.Context, fromDocumentID, toDocumentID string) (int, error)
}

// Validator decides whether a draft may be issued.
type Validator interface {
	ValidateForIssue(ctx context.Context, documentID, orgID string) eligibility.Result
}

// SummaryGenerator records the change summary of an issued version.
type SummaryGenerator interface {
	CreateInitialIssueSummary(ctx context.Context, documentID, userID string) error
	GenerateChangeSummary(ctx context.Context, newDocumentID, oldDocumentID, userID string) error
}

// Archiver snapshots issued versions into immutable history.
type Archiver interface {
	ArchiveIssuedVersion(snap archive.Snapshot, actor string) (archive.CommitInfo, error)
}

// Indexer keeps the search index in step with issued versions.
type Indexer interface {
	IndexDocument(doc search.DocumentRecord)
}

// Notifier sends advisory notifications about issued versions.
type Notifier interface {
	NotifyVersionIssued(doc store.Document, issuedBy string)
}

// Hooks are the advisory side effects of issuing. Any of them may be nil;
// their failure never rolls an issue back.
type Hooks struct {
	Archiver Archiver
	Indexer  Indexer
	Notifier Notifier
}

var (
	ErrNoLockedPDF     = errors.New("draft has no locked PDF")
	ErrNoIssuedVersion = errors.New("chain has no issued version")
	ErrDraftExists     = errors.New("chain already has a draft")
	ErrChainMismatch   = errors.New("documents belong to different chains")
	ErrNotIssued       = errors.New("document is not the issued version")
	ErrNotDraft        = errors.New("document is not a draft")
)

// ValidationError carries the full accumulated eligibility result so the
// caller can show every failure, not just the first.
type ValidationError struct {
	Result eligibility.Result
}

func (e *ValidationError) Error() string {
	return "issue validation failed: " + strings.Join(e.Result.Errors, "; ")
}

// StepResult reports one advisory side effect of an operation.
type StepResult struct {
	Step   string `json:"step"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// IssueResult is returned on a successful issue.
type IssueResult struct {
	Document   store.Document     `json:"document"`
	Superseded *store.Document    `json:"superseded,omitempty"`
	Validation eligibility.Result `json:"validation"`
	Advisory   []StepResult       `json:"advisory"`
}

// NewVersionResult describes the draft created from an issued version.
type NewVersionResult struct {
	Document        store.Document `json:"document"`
	CopiedModules   int            `json:"copiedModules"`
	CarriedActions  int            `json:"carriedActions"`
	OrphanedActions int            `json:"orphanedActions"`
	Advisory        []StepResult   `json:"advisory"`
}

type Engine struct {
	store     dataStore
	validator Validator
	summaries SummaryGenerator
	hooks     Hooks
	now       func() time.Time
}

func NewEngine(store dataStore, validator Validator, summaries SummaryGenerator, hooks Hooks) *Engine {
	return &Engine{
		store:     store,
		validator: validator,
		summaries: summaries,
		hooks:     hooks,
		now:       time.Now,
	}
}

// Issue promotes a draft to issued. Validation and the locked-PDF
// precondition gate the transition; the previously issued version (if any)
// is superseded BEFORE the draft is marked issued so the one-issued-per-
// chain constraint is never violated. The change summary is mandatory;
// archiving, indexing and notification are advisory.
func (e *Engine) Issue(ctx context.Context, documentID, orgID, userID string) (IssueResult, error) {
	var result IssueResult

	result.Validation = e.validator.ValidateForIssue(ctx, documentID, orgID)
	if !result.Validation.Valid {
		return result, &ValidationError{Result: result.Validation}
	}

	doc, err := e.store.GetDocument(ctx, documentID, orgID)
	if err != nil {
		return result, fmt.Errorf("load document: %w", err)
	}
	if doc.LockedPDFPath == "" || doc.LockedPDFChecksum == "" {
		return result, ErrNoLockedPDF
	}

	issuedAt := e.now()

	previous, err := e.store.GetCurrentIssued(ctx, doc.BaseDocumentID, orgID)
	if err != nil {
		return result, fmt.Errorf("lookup issued version: %w", err)
	}
	if previous != nil {
		if err := e.store.SetDocumentSuperseded(ctx, previous.ID, doc.ID, issuedAt); err != nil {
			return result, fmt.Errorf("supersede previous version: %w", err)
		}
		previous.IssueStatus = store.IssueStatusSuperseded
		previous.SupersededByDocumentID = &doc.ID
		previous.SupersededDate = &issuedAt
		result.Superseded = previous
	}

	if err := e.store.SetDocumentIssued(ctx, doc.ID, issuedAt, userID); err != nil {
		return result, fmt.Errorf("mark document issued: %w", err)
	}
	doc.IssueStatus = store.IssueStatusIssued
	doc.IssueDate = &issuedAt
	doc.IssuedBy = userID
	result.Document = doc

	if previous != nil {
		err = e.summaries.GenerateChangeSummary(ctx, doc.ID, previous.ID, userID)
	} else {
		err = e.summaries.CreateInitialIssueSummary(ctx, doc.ID, userID)
	}
	if err != nil {
		return result, fmt.Errorf("record change summary: %w", err)
	}

	result.Advisory = e.runIssueHooks(ctx, doc, userID)
	return result, nil
}

func (e *Engine) runIssueHooks(ctx context.Context, doc store.Document, userID string) []StepResult {
	steps := make([]StepResult, 0, 3)

	if e.hooks.Archiver != nil {
		step := StepResult{Step: "archive", OK: true}
		snap, err := e.buildSnapshot(ctx, doc)
		if err == nil {
			_, err = e.hooks.Archiver.ArchiveIssuedVersion(snap, userID)
		}
		if err != nil {
			step.OK = false
			step.Detail = err.Error()
		}
		steps = append(steps, step)
	}

	if e.hooks.Indexer != nil {
		e.hooks.Indexer.IndexDocument(search.DocumentRecord{
			ID:          doc.ID,
			Title:       doc.Title,
			SiteName:    doc.SiteName,
			SiteAddress: doc.SiteAddress,
			DocType:     doc.DocType,
			OrgID:       doc.OrgID,
			IssueStatus: doc.IssueStatus,
		})
		steps = append(steps, StepResult{Step: "search_index", OK: true})
	}

	if e.hooks.Notifier != nil {
		e.hooks.Notifier.NotifyVersionIssued(doc, doc.IssuedBy)
		steps = append(steps, StepResult{Step: "notify", OK: true})
	}

	return steps
}

func (e *Engine) buildSnapshot(ctx context.Context, doc store.Document) (archive.Snapshot, error) {
	modules, err := e.store.ListModuleInstances(ctx, doc.ID)
	if err != nil {
		return archive.Snapshot{}, fmt.Errorf("load modules for snapshot: %w", err)
	}
	actions, err := e.store.ListActions(ctx, doc.ID, nil)
	if err != nil {
		return archive.Snapshot{}, fmt.Errorf("load actions for snapshot: %w", err)
	}
	return archive.Snapshot{
		DocumentID:        doc.ID,
		BaseDocumentID:    doc.BaseDocumentID,
		DocType:           doc.DocType,
		Title:             doc.Title,
		VersionNumber:     doc.VersionNumber,
		IssueDate:         doc.IssueDate,
		IssuedBy:          doc.IssuedBy,
		LockedPDFPath:     doc.LockedPDFPath,
		LockedPDFChecksum: doc.LockedPDFChecksum,
		Modules:           modules,
		Actions:           actions,
	}, nil
}

// CreateNewVersion clones the chain's issued version into a fresh draft:
// metadata copied, version number incremented, issue, approval and PDF
// state reset. Modules are deep-copied; open, in-progress and deferred
// actions carry forward keeping their origin identity. Closed actions
// stay behind.
// Attachments carry over too unless carryEvidence is false; evidence copy
// and the draft's summary placeholder are advisory.
func (e *Engine) CreateNewVersion(ctx context.Context, baseDocumentID, orgID, userID string, carryEvidence bool) (NewVersionResult, error) {
	var result NewVersionResult

	issued, err := e.store.GetCurrentIssued(ctx, baseDocumentID, orgID)
	if err != nil {
		return result, fmt.Errorf("lookup issued version: %w", err)
	}
	if issued == nil {
		return result, ErrNoIssuedVersion
	}
	draft, err := e.store.GetCurrentDraft(ctx, baseDocumentID, orgID)
	if err != nil {
		return result, fmt.Errorf("lookup draft version: %w", err)
	}
	if draft != nil {
		return result, ErrDraftExists
	}

	newDoc := store.Document{
		ID:             util.NewID("doc"),
		BaseDocumentID: issued.BaseDocumentID,
		OrgID:          issued.OrgID,
		DocType:        issued.DocType,
		Title:          issued.Title,
		SiteName:       issued.SiteName,
		SiteAddress:    issued.SiteAddress,
		VersionNumber:  issued.VersionNumber + 1,
		IssueStatus:    store.IssueStatusDraft,
		ApprovalStatus: store.ApprovalNotRequired,
		AssessorName:   issued.AssessorName,
		ScopeNotes:     issued.ScopeNotes,
		Standards:      issued.Standards,
		Jurisdiction:   issued.Jurisdiction,
		CreatedBy:      userID,
	}
	if err := e.store.InsertDocument(ctx, newDoc); err != nil {
		return result, fmt.Errorf("insert new version: %w", err)
	}
	result.Document = newDoc

	modules, err := e.store.ListModuleInstances(ctx, issued.ID)
	if err != nil {
		return result, fmt.Errorf("load modules: %w", err)
	}
	// Old module instance id -> its copy on the new version.
	moduleRemap := make(map[string]store.ModuleInstance, len(modules))
	copies := make([]store.ModuleInstance, 0, len(modules))
	for _, m := range modules {
		clone := m
		clone.ID = util.NewID("mod")
		clone.DocumentID = newDoc.ID
		moduleRemap[m.ID] = clone
		copies = append(copies, clone)
	}
	if err := e.store.BulkInsertModuleInstances(ctx, copies); err != nil {
		return result, fmt.Errorf("copy modules: %w", err)
	}
	result.CopiedModules = len(copies)

	oldKeyByID := make(map[string]string, len(modules))
	for _, m := range modules {
		oldKeyByID[m.ID] = m.ModuleKey
	}

	actions, err := e.store.ListActions(ctx, issued.ID, store.CarryStatuses())
	if err != nil {
		return result, fmt.Errorf("load carry-forward actions: %w", err)
	}
	carried := make([]store.Action, 0, len(actions))
	for _, a := range actions {
		clone := a
		clone.ID = util.NewID("act")
		clone.DocumentID = newDoc.ID
		clone.CarriedFromDocumentID = &issued.ID
		if clone.OriginActionID == "" {
			clone.OriginActionID = a.ID
		}
		if a.ModuleInstanceID != nil {
			if target, ok := moduleRemap[*a.ModuleInstanceID]; ok {
				id := target.ID
				clone.ModuleInstanceID = &id
			} else {
				// The referenced module no longer exists; keep the action
				// but remember which module it came from.
				clone.ModuleInstanceID = nil
				if clone.OrphanedModuleKey == "" {
					clone.OrphanedModuleKey = oldKeyByID[*a.ModuleInstanceID]
				}
				result.OrphanedActions++
			}
		}
		carried = append(carried, clone)
	}
	if err := e.store.BulkInsertActions(ctx, carried); err != nil {
		return result, fmt.Errorf("carry actions forward: %w", err)
	}
	result.CarriedActions = len(carried)

	if carryEvidence {
		copiedAttachments, err := e.store.CopyAttachments(ctx, issued.ID, newDoc.ID)
		step := StepResult{Step: "copy_attachments", OK: true, Detail: fmt.Sprintf("%d copied", copiedAttachments)}
		if err != nil {
			step.OK = false
			step.Detail = err.Error()
		}
		result.Advisory = append(result.Advisory, step)
	}

	// Placeholder summary for the draft; the real one is generated when
	// the draft is issued.
	placeholder := StepResult{Step: "initial_summary", OK: true}
	if err := e.summaries.CreateInitialIssueSummary(ctx, newDoc.ID, userID); err != nil {
		placeholder.OK = false
		placeholder.Detail = err.Error()
	}
	result.Advisory = append(result.Advisory, placeholder)

	return result, nil
}

// SupersedeAndIssueNew issues newDocumentID in place of oldDocumentID.
// Both must belong to the same chain, the old version must be the current
// issued one, and the new version must be a draft. The supersede happens
// inside Issue, before the draft is marked issued.
func (e *Engine) SupersedeAndIssueNew(ctx context.Context, oldDocumentID, newDocumentID, orgID, userID string) (IssueResult, error) {
	oldDoc, err := e.store.GetDocument(ctx, oldDocumentID, orgID)
	if err != nil {
		return IssueResult{}, fmt.Errorf("load old version: %w", err)
	}
	newDoc, err := e.store.GetDocument(ctx, newDocumentID, orgID)
	if err != nil {
		return IssueResult{}, fmt.Errorf("load new version: %w", err)
	}

	if oldDoc.BaseDocumentID != newDoc.BaseDocumentID {
		return IssueResult{}, ErrChainMismatch
	}
	if oldDoc.IssueStatus != store.IssueStatusIssued {
		return IssueResult{}, ErrNotIssued
	}
	if newDoc.IssueStatus != store.IssueStatusDraft {
		return IssueResult{}, ErrNotDraft
	}

	return e.Issue(ctx, newDocumentID, orgID, userID)
}
