package store

import (
	"encoding/json"
	"time"
)

// Issue lifecycle of a document version. A chain (all versions sharing a
// base_document_id) holds at most one draft and at most one issued version.
const (
	IssueStatusDraft      = "draft"
	IssueStatusIssued     = "issued"
	IssueStatusSuperseded = "superseded"
)

// Approval gate states.
const (
	ApprovalNotRequired = "not_required"
	ApprovalPending     = "pending"
	ApprovalApproved    = "approved"
	ApprovalRejected    = "rejected"
)

// Action statuses. Everything except closed carries forward when a new
// version is created.
const (
	ActionOpen       = "open"
	ActionInProgress = "in_progress"
	ActionDeferred   = "deferred"
	ActionClosed     = "closed"
)

// Assessment document types.
const (
	DocTypeFRA   = "FRA"
	DocTypeFSD   = "FSD"
	DocTypeDSEAR = "DSEAR"
	DocTypeRE    = "RE"
)

// CarryStatuses are the action statuses copied into a new version.
func CarryStatuses() []string {
	return []string{ActionOpen, ActionInProgress, ActionDeferred}
}

type Organisation struct {
	ID               string
	Name             string
	ApprovalRequired bool
	CreatedAt        time.Time
}

type User struct {
	ID                    string
	OrgID                 string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Document is one version in an assessment chain. The chain identity is
// BaseDocumentID; the first version's id doubles as the base id.
type Document struct {
	ID             string
	BaseDocumentID string
	OrgID          string
	DocType        string
	Title          string
	SiteName       string
	SiteAddress    string
	VersionNumber  int
	IssueStatus    string
	ApprovalStatus string
	AssessorName   string
	ScopeNotes     string
	Standards      string
	Jurisdiction   string

	IssueDate *time.Time
	IssuedBy  string

	LockedPDFPath        string
	LockedPDFChecksum    string
	LockedPDFSizeBytes   int64
	LockedPDFGeneratedAt *time.Time
	PDFGenerationError   string

	SupersededByDocumentID *string
	SupersededDate         *time.Time

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ModuleInstance is one section of an assessment (building profile,
// ignition hazards, fire protection, ...) keyed by ModuleKey within its
// document version.
type ModuleInstance struct {
	ID            string
	DocumentID    string
	ModuleKey     string
	Data          json.RawMessage
	AssessorNotes string
	Outcome       string
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Action is a remedial finding raised against a module. OriginActionID
// identifies the finding across versions; carried copies keep the origin
// of the action they were cloned from.
type Action struct {
	ID                    string
	DocumentID            string
	ModuleInstanceID      *string
	OrphanedModuleKey     string
	Title                 string
	Detail                string
	Status                string
	PriorityBand          string
	TargetDate            *time.Time
	OriginActionID        string
	CarriedFromDocumentID *string
	Deleted               bool
	CreatedBy             string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Attachment is supporting evidence (photos, certificates, plans).
type Attachment struct {
	ID             string
	DocumentID     string
	BaseDocumentID string
	FileName       string
	StoragePath    string
	SizeBytes      int64
	MimeType       string
	UploadedBy     string
	CreatedAt      time.Time
}

// ChangeSummary records what changed between an issued version and its
// predecessor. One row per document version.
type ChangeSummary struct {
	ID                 string
	DocumentID         string
	PreviousDocumentID *string
	NewActionIDs       []string
	ClosedActionIDs    []string
	ReopenedActionIDs  []string
	HasMaterialChanges bool
	SummaryText        string
	Visible            bool
	CreatedBy          string
	CreatedAt          time.Time
}

// ActionDiff is the action-level comparison between two versions, keyed
// by origin_action_id.
type ActionDiff struct {
	NewActionIDs      []string
	ClosedActionIDs   []string
	ReopenedActionIDs []string
}

// HasMaterialChanges reports whether the diff contains anything a reader
// of the issued report would care about.
func (d ActionDiff) HasMaterialChanges() bool {
	return len(d.NewActionIDs) > 0 || len(d.ClosedActionIDs) > 0 || len(d.ReopenedActionIDs) > 0
}
