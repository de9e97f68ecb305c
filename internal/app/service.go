package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"assura/api/internal/approval"
	"assura/api/internal/archive"
	"assura/api/internal/auth"
	"assura/api/internal/authpw"
	"assura/api/internal/config"
	"assura/api/internal/eligibility"
	"assura/api/internal/email"
	"assura/api/internal/export"
	"assura/api/internal/lifecycle"
	"assura/api/internal/pdflock"
	"assura/api/internal/rbac"
	"assura/api/internal/search"
	"assura/api/internal/store"
	"assura/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	OrgID        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type CreateDocumentInput struct {
	DocType      string `json:"docType"`
	Title        string `json:"title"`
	SiteName     string `json:"siteName"`
	SiteAddress  string `json:"siteAddress"`
	AssessorName string `json:"assessorName"`
	ScopeNotes   string `json:"scopeNotes"`
	Standards    string `json:"standards"`
	Jurisdiction string `json:"jurisdiction"`
}

type UpdateDocumentInput struct {
	Title        string `json:"title"`
	SiteName     string `json:"siteName"`
	SiteAddress  string `json:"siteAddress"`
	AssessorName string `json:"assessorName"`
	ScopeNotes   string `json:"scopeNotes"`
	Standards    string `json:"standards"`
	Jurisdiction string `json:"jurisdiction"`
}

type UpsertModuleInput struct {
	ModuleKey     string          `json:"moduleKey"`
	Data          json.RawMessage `json:"data"`
	AssessorNotes string          `json:"assessorNotes"`
	Outcome       string          `json:"outcome"`
	Completed     bool            `json:"completed"`
}

type ActionInput struct {
	ModuleKey    string `json:"moduleKey"`
	Title        string `json:"title"`
	Detail       string `json:"detail"`
	PriorityBand string `json:"priorityBand"`
	TargetDate   string `json:"targetDate"`
}

type SummaryEditorialInput struct {
	SummaryText string `json:"summaryText"`
	Visible     bool   `json:"visible"`
}

var allowedDocTypes = map[string]struct{}{
	store.DocTypeFRA:   {},
	store.DocTypeFSD:   {},
	store.DocTypeDSEAR: {},
	store.DocTypeRE:    {},
}

var allowedActionStatuses = map[string]struct{}{
	store.ActionOpen:       {},
	store.ActionInProgress: {},
	store.ActionDeferred:   {},
	store.ActionClosed:     {},
}

type dataStore interface {
	GetOrganisation(context.Context, string) (store.Organisation, error)
	SetOrganisationApprovalRequired(context.Context, string, bool) error
	GetUserByID(context.Context, string) (store.User, error)
	ListUsersByRole(ctx context.Context, orgID, role string) ([]store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	GetDocument(ctx context.Context, documentID, orgID string) (store.Document, error)
	InsertDocument(context.Context, store.Document) error
	ListDocuments(ctx context.Context, orgID string) ([]store.Document, error)
	ListChainVersions(ctx context.Context, baseDocumentID, orgID string) ([]store.Document, error)
	GetCurrentIssued(ctx context.Context, baseDocumentID, orgID string) (*store.Document, error)
	GetCurrentDraft(ctx context.Context, baseDocumentID, orgID string) (*store.Document, error)
	UpdateDocumentMetadata(context.Context, store.Document) error

	ListModuleInstances(ctx context.Context, documentID string) ([]store.ModuleInstance, error)
	GetModuleInstance(ctx context.Context, documentID, moduleKey string) (store.ModuleInstance, error)
	UpsertModuleInstance(context.Context, store.ModuleInstance) error

	ListActions(ctx context.Context, documentID string, statuses []string) ([]store.Action, error)
	GetAction(ctx context.Context, actionID string) (store.Action, error)
	InsertAction(context.Context, store.Action) error
	UpdateAction(context.Context, store.Action) error
	UpdateActionStatus(ctx context.Context, actionID, status string) error
	SoftDeleteAction(ctx context.Context, actionID string) error

	ListAttachments(ctx context.Context, documentID string) ([]store.Attachment, error)
	InsertAttachment(context.Context, store.Attachment) error

	GetChangeSummary(ctx context.Context, documentID string) (store.ChangeSummary, error)
	UpdateChangeSummaryEditorial(ctx context.Context, documentID, summaryText string, visible bool) error

	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type approvalGate interface {
	RequestApproval(ctx context.Context, documentID, orgID string) error
	Decide(ctx context.Context, documentID, orgID string, approve bool) error
	Reset(ctx context.Context, documentID, orgID string) error
}

type issueValidator interface {
	ValidateForIssue(ctx context.Context, documentID, orgID string) eligibility.Result
}

type pdfLocker interface {
	Lock(ctx context.Context, doc store.Document, pdf []byte) (pdflock.LockResult, error)
	Download(ctx context.Context, doc store.Document) ([]byte, error)
}

type lifecycleEngine interface {
	Issue(ctx context.Context, documentID, orgID, userID string) (lifecycle.IssueResult, error)
	CreateNewVersion(ctx context.Context, baseDocumentID, orgID, userID string, carryEvidence bool) (lifecycle.NewVersionResult, error)
	SupersedeAndIssueNew(ctx context.Context, oldDocumentID, newDocumentID, orgID, userID string) (lifecycle.IssueResult, error)
}

type reportExporter interface {
	ExportPDF(doc store.Document, modules []store.ModuleInstance, actions []store.Action) (*export.Result, error)
	ExportHTML(doc store.Document, modules []store.ModuleInstance, actions []store.Action) (*export.Result, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	IndexAction(a search.ActionRecord)
	DeleteAction(id string)
}

type archiveReader interface {
	History(baseDocumentID string, limit int) ([]archive.CommitInfo, error)
	SnapshotByTag(baseDocumentID, tag string) (archive.Snapshot, error)
}

type blobStore interface {
	Put(ctx context.Context, objectPath string, data []byte, contentType string) error
	Get(ctx context.Context, objectPath string) ([]byte, error)
}

// Dependencies are the collaborators wired in by cmd/api. Optional ones
// (Search, Archive, Email) may be nil.
type Dependencies struct {
	Auth      *authpw.Service
	Gate      approvalGate
	Validator issueValidator
	PDFs      pdfLocker
	Engine    lifecycleEngine
	Exporter  reportExporter
	Search    searchService
	Archive   archiveReader
	Blobs     blobStore
	Email     *email.Service
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	deps     Dependencies
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, deps Dependencies) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		deps:     deps,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.deps.Auth
}

func (s *Service) SMTPConfigured() bool {
	return s.deps.Email != nil && s.deps.Email.IsConfigured()
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// --- sessions ---

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Org:  user.OrgID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		OrgID:        user.OrgID,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		OrgID:     claims.Org,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- organisation settings ---

func (s *Service) GetOrganisation(ctx context.Context, session Session) (map[string]any, error) {
	org, err := s.store.GetOrganisation(ctx, session.OrgID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":               org.ID,
		"name":             org.Name,
		"approvalRequired": org.ApprovalRequired,
	}, nil
}

func (s *Service) SetApprovalRequired(ctx context.Context, session Session, required bool) (map[string]any, error) {
	if err := s.store.SetOrganisationApprovalRequired(ctx, session.OrgID, required); err != nil {
		return nil, err
	}
	return s.GetOrganisation(ctx, session)
}

// --- documents ---

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (map[string]any, error) {
	docType := strings.ToUpper(strings.TrimSpace(input.DocType))
	if _, ok := allowedDocTypes[docType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown document type", map[string]any{"docType": input.DocType})
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	// The first version's id doubles as the chain id.
	documentID := util.NewID("doc")
	doc := store.Document{
		ID:             documentID,
		BaseDocumentID: documentID,
		OrgID:          session.OrgID,
		DocType:        docType,
		Title:          title,
		SiteName:       strings.TrimSpace(input.SiteName),
		SiteAddress:    strings.TrimSpace(input.SiteAddress),
		VersionNumber:  1,
		IssueStatus:    store.IssueStatusDraft,
		ApprovalStatus: store.ApprovalNotRequired,
		AssessorName:   strings.TrimSpace(input.AssessorName),
		ScopeNotes:     input.ScopeNotes,
		Standards:      strings.TrimSpace(input.Standards),
		Jurisdiction:   strings.TrimSpace(input.Jurisdiction),
		CreatedBy:      session.UserID,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}

	if s.deps.Search != nil {
		s.deps.Search.IndexDocument(search.DocumentRecord{
			ID: doc.ID, Title: doc.Title, SiteName: doc.SiteName, SiteAddress: doc.SiteAddress,
			DocType: doc.DocType, OrgID: doc.OrgID, IssueStatus: doc.IssueStatus,
		})
	}

	return s.GetDocument(ctx, session, documentID)
}

func documentJSON(doc store.Document) map[string]any {
	item := map[string]any{
		"id":                 doc.ID,
		"baseDocumentId":     doc.BaseDocumentID,
		"docType":            doc.DocType,
		"title":              doc.Title,
		"siteName":           doc.SiteName,
		"siteAddress":        doc.SiteAddress,
		"versionNumber":      doc.VersionNumber,
		"issueStatus":        doc.IssueStatus,
		"approvalStatus":     doc.ApprovalStatus,
		"assessorName":       doc.AssessorName,
		"scopeNotes":         doc.ScopeNotes,
		"standards":          doc.Standards,
		"jurisdiction":       doc.Jurisdiction,
		"issuedBy":           doc.IssuedBy,
		"pdfLocked":          doc.LockedPDFPath != "",
		"pdfChecksum":        doc.LockedPDFChecksum,
		"pdfGenerationError": doc.PDFGenerationError,
		"createdBy":          doc.CreatedBy,
		"createdAt":          doc.CreatedAt,
		"updatedAt":          doc.UpdatedAt,
	}
	if doc.IssueDate != nil {
		item["issueDate"] = doc.IssueDate
	}
	if doc.SupersededByDocumentID != nil {
		item["supersededByDocumentId"] = *doc.SupersededByDocumentID
	}
	if doc.SupersededDate != nil {
		item["supersededDate"] = doc.SupersededDate
	}
	return item
}

// ListDocuments groups an organisation's versions into chains, newest
// version first within each chain.
func (s *Service) ListDocuments(ctx context.Context, session Session) ([]map[string]any, error) {
	documents, err := s.store.ListDocuments(ctx, session.OrgID)
	if err != nil {
		return nil, err
	}

	chains := make([]map[string]any, 0)
	var currentBase string
	var versions []map[string]any
	flush := func() {
		if len(versions) == 0 {
			return
		}
		chains = append(chains, map[string]any{
			"baseDocumentId": currentBase,
			"versions":       versions,
		})
	}
	for _, doc := range documents {
		if doc.BaseDocumentID != currentBase {
			flush()
			currentBase = doc.BaseDocumentID
			versions = nil
		}
		versions = append(versions, documentJSON(doc))
	}
	flush()
	return chains, nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return nil, err
	}
	modules, err := s.store.ListModuleInstances(ctx, documentID)
	if err != nil {
		return nil, err
	}
	actions, err := s.store.ListActions(ctx, documentID, nil)
	if err != nil {
		return nil, err
	}

	moduleItems := make([]map[string]any, 0, len(modules))
	for _, m := range modules {
		moduleItems = append(moduleItems, moduleJSON(m))
	}
	actionItems := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		actionItems = append(actionItems, actionJSON(a))
	}

	payload := map[string]any{
		"document": documentJSON(doc),
		"modules":  moduleItems,
		"actions":  actionItems,
	}

	if summaryRow, err := s.store.GetChangeSummary(ctx, documentID); err == nil {
		payload["changeSummary"] = changeSummaryJSON(summaryRow)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return payload, nil
}

func (s *Service) ListChainVersions(ctx context.Context, session Session, baseDocumentID string) ([]map[string]any, error) {
	versions, err := s.store.ListChainVersions(ctx, baseDocumentID, session.OrgID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, sql.ErrNoRows
	}
	items := make([]map[string]any, 0, len(versions))
	for _, doc := range versions {
		items = append(items, documentJSON(doc))
	}
	return items, nil
}

// UpdateDocumentMetadata edits a draft. Issued and superseded versions
// are frozen; any change requires a new version.
func (s *Service) UpdateDocumentMetadata(ctx context.Context, session Session, documentID string, input UpdateDocumentInput) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return nil, err
	}
	if doc.IssueStatus != store.IssueStatusDraft {
		return nil, domainError(http.StatusConflict, "VERSION_FROZEN", "issued versions are read-only; create a new version to make changes", nil)
	}

	if v := strings.TrimSpace(input.Title); v != "" {
		doc.Title = v
	}
	if v := strings.TrimSpace(input.SiteName); v != "" {
		doc.SiteName = v
	}
	if v := strings.TrimSpace(input.SiteAddress); v != "" {
		doc.SiteAddress = v
	}
	if v := strings.TrimSpace(input.AssessorName); v != "" {
		doc.AssessorName = v
	}
	if input.ScopeNotes != "" {
		doc.ScopeNotes = input.ScopeNotes
	}
	if v := strings.TrimSpace(input.Standards); v != "" {
		doc.Standards = v
	}
	if v := strings.TrimSpace(input.Jurisdiction); v != "" {
		doc.Jurisdiction = v
	}

	if err := s.store.UpdateDocumentMetadata(ctx, doc); err != nil {
		return nil, err
	}

	if s.deps.Search != nil {
		s.deps.Search.IndexDocument(search.DocumentRecord{
			ID: doc.ID, Title: doc.Title, SiteName: doc.SiteName, SiteAddress: doc.SiteAddress,
			DocType: doc.DocType, OrgID: doc.OrgID, IssueStatus: doc.IssueStatus,
		})
	}

	return s.GetDocument(ctx, session, documentID)
}

// --- modules ---

func moduleJSON(m store.ModuleInstance) map[string]any {
	item := map[string]any{
		"id":            m.ID,
		"documentId":    m.DocumentID,
		"moduleKey":     m.ModuleKey,
		"data":          m.Data,
		"assessorNotes": m.AssessorNotes,
		"outcome":       m.Outcome,
		"completed":     m.CompletedAt != nil,
		"updatedAt":     m.UpdatedAt,
	}
	if m.CompletedAt != nil {
		item["completedAt"] = m.CompletedAt
	}
	return item
}

func (s *Service) UpsertModule(ctx context.Context, session Session, documentID string, input UpsertModuleInput) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return nil, err
	}
	if doc.IssueStatus != store.IssueStatusDraft {
		return nil, domainError(http.StatusConflict, "VERSION_FROZEN", "issued versions are read-only; create a new version to make changes", nil)
	}
	moduleKey := strings.TrimSpace(input.ModuleKey)
	if moduleKey == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "moduleKey is required", nil)
	}

	item := store.ModuleInstance{
		ID:            util.NewID("mod"),
		DocumentID:    documentID,
		ModuleKey:     moduleKey,
		Data:          input.Data,
		AssessorNotes: input.AssessorNotes,
		Outcome:       strings.TrimSpace(input.Outcome),
	}
	if input.Completed {
		now := time.Now()
		item.CompletedAt = &now
	}
	if err := s.store.UpsertModuleInstance(ctx, item); err != nil {
		return nil, err
	}

	saved, err := s.store.GetModuleInstance(ctx, documentID, moduleKey)
	if err != nil {
		return nil, err
	}
	return moduleJSON(saved), nil
}

// --- actions ---

func actionJSON(a store.Action) map[string]any {
	item := map[string]any{
		"id":             a.ID,
		"documentId":     a.DocumentID,
		"title":          a.Title,
		"detail":         a.Detail,
		"status":         a.Status,
		"priorityBand":   a.PriorityBand,
		"originActionId": a.OriginActionID,
		"createdBy":      a.CreatedBy,
		"createdAt":      a.CreatedAt,
		"updatedAt":      a.UpdatedAt,
	}
	if a.ModuleInstanceID != nil {
		item["moduleInstanceId"] = *a.ModuleInstanceID
	}
	if a.OrphanedModuleKey != "" {
		item["orphanedModuleKey"] = a.OrphanedModuleKey
	}
	if a.TargetDate != nil {
		item["targetDate"] = a.TargetDate
	}
	if a.CarriedFromDocumentID != nil {
		item["carriedFromDocumentId"] = *a.CarriedFromDocumentID
	}
	return item
}

func parseTargetDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "targetDate must be YYYY-MM-DD", nil)
	}
	return &parsed, nil
}

func (s *Service) CreateAction(ctx context.Context, session Session, documentID string, input ActionInput) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return nil, err
	}
	if doc.IssueStatus != store.IssueStatusDraft {
		return nil, domainError(http.StatusConflict, "VERSION_FROZEN", "issued versions are read-only; create a new version to make changes", nil)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	targetDate, err := parseTargetDate(input.TargetDate)
	if err != nil {
		return nil, err
	}

	item := store.Action{
		ID:           util.NewID("act"),
		DocumentID:   documentID,
		Title:        title,
		Detail:       input.Detail,
		Status:       store.ActionOpen,
		PriorityBand: strings.TrimSpace(input.PriorityBand),
		TargetDate:   targetDate,
		CreatedBy:    session.UserID,
	}
	// A brand-new action is its own origin across future versions.
	item.OriginActionID = item.ID

	if moduleKey := strings.TrimSpace(input.ModuleKey); moduleKey != "" {
		module, err := s.store.GetModuleInstance(ctx, documentID, moduleKey)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown module on this version", map[string]any{"moduleKey": moduleKey})
			}
			return nil, err
		}
		item.ModuleInstanceID = &module.ID
	}

	if err := s.store.InsertAction(ctx, item); err != nil {
		return nil, err
	}

	if s.deps.Search != nil {
		s.deps.Search.IndexAction(search.ActionRecord{
			ID: item.ID, Title: item.Title, Detail: item.Detail, Status: item.Status,
			DocumentID: documentID, OrgID: session.OrgID,
		})
	}

	return actionJSON(item), nil
}

func (s *Service) requireDraftAction(ctx context.Context, session Session, documentID, actionID string) (store.Action, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return store.Action{}, err
	}
	if doc.IssueStatus != store.IssueStatusDraft {
		return store.Action{}, domainError(http.StatusConflict, "VERSION_FROZEN", "issued versions are read-only; create a new version to make changes", nil)
	}
	action, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		return store.Action{}, err
	}
	if action.DocumentID != documentID {
		return store.Action{}, sql.ErrNoRows
	}
	return action, nil
}

func (s *Service) UpdateAction(ctx context.Context, session Session, documentID, actionID string, input ActionInput) (map[string]any, error) {
	action, err := s.requireDraftAction(ctx, session, documentID, actionID)
	if err != nil {
		return nil, err
	}

	if v := strings.TrimSpace(input.Title); v != "" {
		action.Title = v
	}
	if input.Detail != "" {
		action.Detail = input.Detail
	}
	if v := strings.TrimSpace(input.PriorityBand); v != "" {
		action.PriorityBand = v
	}
	if input.TargetDate != "" {
		targetDate, err := parseTargetDate(input.TargetDate)
		if err != nil {
			return nil, err
		}
		action.TargetDate = targetDate
	}

	if err := s.store.UpdateAction(ctx, action); err != nil {
		return nil, err
	}

	if s.deps.Search != nil {
		s.deps.Search.IndexAction(search.ActionRecord{
			ID: action.ID, Title: action.Title, Detail: action.Detail, Status: action.Status,
			DocumentID: documentID, OrgID: session.OrgID,
		})
	}

	return actionJSON(action), nil
}

func (s *Service) UpdateActionStatus(ctx context.Context, session Session, documentID, actionID, status string) (map[string]any, error) {
	if _, ok := allowedActionStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown action status", map[string]any{"status": status})
	}
	action, err := s.requireDraftAction(ctx, session, documentID, actionID)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateActionStatus(ctx, actionID, status); err != nil {
		return nil, err
	}
	action.Status = status

	if s.deps.Search != nil {
		s.deps.Search.IndexAction(search.ActionRecord{
			ID: action.ID, Title: action.Title, Detail: action.Detail, Status: status,
			DocumentID: documentID, OrgID: session.OrgID,
		})
	}

	return actionJSON(action), nil
}

func (s *Service) DeleteAction(ctx context.Context, session Session, documentID, actionID string) error {
	if _, err := s.requireDraftAction(ctx, session, documentID, actionID); err != nil {
		return err
	}
	if err := s.store.SoftDeleteAction(ctx, actionID); err != nil {
		return err
	}
	if s.deps.Search != nil {
		s.deps.Search.DeleteAction(actionID)
	}
	return nil
}

// --- attachments ---

func attachmentJSON(a store.Attachment) map[string]any {
	return map[string]any{
		"id":         a.ID,
		"documentId": a.DocumentID,
		"fileName":   a.FileName,
		"sizeBytes":  a.SizeBytes,
		"mimeType":   a.MimeType,
		"uploadedBy": a.UploadedBy,
		"createdAt":  a.CreatedAt,
	}
}

func (s *Service) ListAttachments(ctx context.Context, session Session, documentID string) ([]map[string]any, error) {
	if _, err := s.store.GetDocument(ctx, documentID, session.OrgID); err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		items = append(items, attachmentJSON(a))
	}
	return items, nil
}

func (s *Service) UploadAttachment(ctx context.Context, session Session, documentID, fileName, mimeType string, data []byte) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return nil, err
	}
	if doc.IssueStatus != store.IssueStatusDraft {
		return nil, domainError(http.StatusConflict, "VERSION_FROZEN", "issued versions are read-only; create a new version to make changes", nil)
	}
	if len(data) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "attachment body is empty", nil)
	}
	if s.deps.Blobs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "object storage not configured", nil)
	}

	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		fileName = "attachment"
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	item := store.Attachment{
		ID:             util.NewID("att"),
		DocumentID:     documentID,
		BaseDocumentID: doc.BaseDocumentID,
		FileName:       fileName,
		SizeBytes:      int64(len(data)),
		MimeType:       mimeType,
		UploadedBy:     session.UserID,
	}
	item.StoragePath = doc.OrgID + "/" + doc.BaseDocumentID + "/attachments/" + item.ID + "/" + util.Slug(fileName)

	if err := s.deps.Blobs.Put(ctx, item.StoragePath, data, mimeType); err != nil {
		return nil, err
	}
	if err := s.store.InsertAttachment(ctx, item); err != nil {
		return nil, err
	}
	return attachmentJSON(item), nil
}

// --- eligibility, approval ---

func (s *Service) ValidateDocument(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	result := s.deps.Validator.ValidateForIssue(ctx, documentID, session.OrgID)
	return map[string]any{
		"valid":    result.Valid,
		"errors":   nonNilStrings(result.Errors),
		"warnings": nonNilStrings(result.Warnings),
	}, nil
}

func (s *Service) RequestApproval(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	if err := s.deps.Gate.RequestApproval(ctx, documentID, session.OrgID); err != nil {
		return nil, mapApprovalError(err)
	}
	s.notifyApprovalRequested(ctx, session, documentID)
	return s.GetDocument(ctx, session, documentID)
}

func (s *Service) DecideApproval(ctx context.Context, session Session, documentID string, approve bool) (map[string]any, error) {
	if err := s.deps.Gate.Decide(ctx, documentID, session.OrgID, approve); err != nil {
		return nil, mapApprovalError(err)
	}
	return s.GetDocument(ctx, session, documentID)
}

func (s *Service) ResetApproval(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	if err := s.deps.Gate.Reset(ctx, documentID, session.OrgID); err != nil {
		return nil, mapApprovalError(err)
	}
	return s.GetDocument(ctx, session, documentID)
}

func (s *Service) notifyApprovalRequested(ctx context.Context, session Session, documentID string) {
	if !s.SMTPConfigured() {
		return
	}
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return
	}
	approvers, err := s.store.ListUsersByRole(ctx, session.OrgID, string(rbac.RoleApprover))
	if err != nil {
		return
	}
	reviewURL := s.cfg.CORSOrigin + "/documents/" + doc.ID
	// Best effort; approvers review in-app regardless.
	go func() {
		for _, approver := range approvers {
			_ = s.deps.Email.SendApprovalRequestEmail(
				approver.Email, approver.DisplayName, doc.Title, doc.DocType, doc.VersionNumber,
				session.UserName, reviewURL,
			)
		}
	}()
}

// --- locked PDF ---

func (s *Service) RenderAndLockPDF(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return nil, err
	}
	if doc.IssueStatus != store.IssueStatusDraft {
		return nil, domainError(http.StatusConflict, "PDF_LOCKED", "locked PDFs are write-once after issue", nil)
	}

	modules, err := s.store.ListModuleInstances(ctx, documentID)
	if err != nil {
		return nil, err
	}
	actions, err := s.store.ListActions(ctx, documentID, nil)
	if err != nil {
		return nil, err
	}

	rendered, err := s.deps.Exporter.ExportPDF(doc, modules, actions)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available on this server", nil)
		}
		return nil, err
	}

	lock, err := s.deps.PDFs.Lock(ctx, doc, rendered.Data)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"path":        lock.Path,
		"checksum":    lock.Checksum,
		"sizeBytes":   lock.SizeBytes,
		"generatedAt": lock.GeneratedAt,
	}, nil
}

// DownloadResult carries a binary payload out of the service layer.
type DownloadResult struct {
	Data     []byte
	Filename string
	MimeType string
}

func (s *Service) DownloadLockedPDF(ctx context.Context, session Session, documentID string) (DownloadResult, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return DownloadResult{}, err
	}
	data, err := s.deps.PDFs.Download(ctx, doc)
	if err != nil {
		if errors.Is(err, pdflock.ErrNotLocked) {
			return DownloadResult{}, domainError(http.StatusNotFound, "PDF_NOT_LOCKED", "this version has no locked PDF", nil)
		}
		if errors.Is(err, pdflock.ErrChecksumMismatch) {
			return DownloadResult{}, domainError(http.StatusConflict, "PDF_CORRUPT", "stored PDF failed its integrity check", nil)
		}
		return DownloadResult{}, err
	}
	return DownloadResult{
		Data:     data,
		Filename: util.Slug(doc.Title) + "-v" + strconv.Itoa(doc.VersionNumber) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}

// ExportReport renders the current state of a version as a standalone
// report. HTML is always available; PDF needs a headless browser on the
// server. This is a preview render and never touches the locked PDF.
func (s *Service) ExportReport(ctx context.Context, session Session, documentID, format string) (DownloadResult, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return DownloadResult{}, err
	}
	modules, err := s.store.ListModuleInstances(ctx, documentID)
	if err != nil {
		return DownloadResult{}, err
	}
	actions, err := s.store.ListActions(ctx, documentID, nil)
	if err != nil {
		return DownloadResult{}, err
	}

	var rendered *export.Result
	switch format {
	case "html":
		rendered, err = s.deps.Exporter.ExportHTML(doc, modules, actions)
	case "", "pdf":
		rendered, err = s.deps.Exporter.ExportPDF(doc, modules, actions)
	default:
		return DownloadResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown export format", map[string]any{"format": format})
	}
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return DownloadResult{}, domainError(http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available on this server", nil)
		}
		return DownloadResult{}, err
	}
	return DownloadResult{Data: rendered.Data, Filename: rendered.Filename, MimeType: rendered.MimeType}, nil
}

// --- lifecycle ---

func (s *Service) IssueDocument(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	result, err := s.deps.Engine.Issue(ctx, documentID, session.OrgID, session.UserID)
	if err != nil {
		return nil, mapLifecycleError(err)
	}
	s.notifyIssued(ctx, session, result.Document)
	payload := map[string]any{
		"document": documentJSON(result.Document),
		"advisory": result.Advisory,
	}
	if result.Superseded != nil {
		payload["superseded"] = documentJSON(*result.Superseded)
	}
	return payload, nil
}

// CreateNewVersionFromDocument resolves the chain of any version and
// drafts the next version from the chain's issued one.
func (s *Service) CreateNewVersionFromDocument(ctx context.Context, session Session, documentID string, carryEvidence bool) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return nil, err
	}
	return s.CreateNewVersion(ctx, session, doc.BaseDocumentID, carryEvidence)
}

func (s *Service) ListVersionsOfDocument(ctx context.Context, session Session, documentID string) ([]map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.OrgID)
	if err != nil {
		return nil, err
	}
	return s.ListChainVersions(ctx, session, doc.BaseDocumentID)
}

func (s *Service) CreateNewVersion(ctx context.Context, session Session, baseDocumentID string, carryEvidence bool) (map[string]any, error) {
	result, err := s.deps.Engine.CreateNewVersion(ctx, baseDocumentID, session.OrgID, session.UserID, carryEvidence)
	if err != nil {
		return nil, mapLifecycleError(err)
	}
	return map[string]any{
		"document":        documentJSON(result.Document),
		"copiedModules":   result.CopiedModules,
		"carriedActions":  result.CarriedActions,
		"orphanedActions": result.OrphanedActions,
		"advisory":        result.Advisory,
	}, nil
}

func (s *Service) SupersedeAndIssueNew(ctx context.Context, session Session, oldDocumentID, newDocumentID string) (map[string]any, error) {
	result, err := s.deps.Engine.SupersedeAndIssueNew(ctx, oldDocumentID, newDocumentID, session.OrgID, session.UserID)
	if err != nil {
		return nil, mapLifecycleError(err)
	}
	s.notifyIssued(ctx, session, result.Document)
	payload := map[string]any{
		"document": documentJSON(result.Document),
		"advisory": result.Advisory,
	}
	if result.Superseded != nil {
		payload["superseded"] = documentJSON(*result.Superseded)
	}
	return payload, nil
}

func (s *Service) notifyIssued(ctx context.Context, session Session, doc store.Document) {
	if !s.SMTPConfigured() {
		return
	}
	creator, err := s.store.GetUserByID(ctx, doc.CreatedBy)
	if err != nil || creator.Email == "" {
		return
	}
	documentURL := s.cfg.CORSOrigin + "/documents/" + doc.ID
	go func() {
		_ = s.deps.Email.SendVersionIssuedEmail(
			creator.Email, creator.DisplayName, doc.Title, doc.DocType, doc.VersionNumber,
			session.UserName, documentURL,
		)
	}()
}

// --- change summaries ---

func changeSummaryJSON(item store.ChangeSummary) map[string]any {
	payload := map[string]any{
		"id":                 item.ID,
		"documentId":         item.DocumentID,
		"newActionIds":       nonNilStrings(item.NewActionIDs),
		"closedActionIds":    nonNilStrings(item.ClosedActionIDs),
		"reopenedActionIds":  nonNilStrings(item.ReopenedActionIDs),
		"hasMaterialChanges": item.HasMaterialChanges,
		"summaryText":        item.SummaryText,
		"visible":            item.Visible,
		"createdAt":          item.CreatedAt,
	}
	if item.PreviousDocumentID != nil {
		payload["previousDocumentId"] = *item.PreviousDocumentID
	}
	return payload
}

func (s *Service) GetChangeSummary(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	if _, err := s.store.GetDocument(ctx, documentID, session.OrgID); err != nil {
		return nil, err
	}
	item, err := s.store.GetChangeSummary(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return changeSummaryJSON(item), nil
}

func (s *Service) UpdateChangeSummaryEditorial(ctx context.Context, session Session, documentID string, input SummaryEditorialInput) (map[string]any, error) {
	if _, err := s.store.GetDocument(ctx, documentID, session.OrgID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateChangeSummaryEditorial(ctx, documentID, input.SummaryText, input.Visible); err != nil {
		return nil, err
	}
	item, err := s.store.GetChangeSummary(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return changeSummaryJSON(item), nil
}

// --- archive ---

func (s *Service) ChainHistory(ctx context.Context, session Session, baseDocumentID string, limit int) ([]map[string]any, error) {
	if s.deps.Archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "archive not configured", nil)
	}
	// Chain ownership check before touching the archive.
	if _, err := s.ListChainVersions(ctx, session, baseDocumentID); err != nil {
		return nil, err
	}
	commits, err := s.deps.Archive.History(baseDocumentID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		items = append(items, map[string]any{
			"hash":      c.Hash,
			"message":   c.Message,
			"author":    c.Author,
			"createdAt": c.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) ArchivedSnapshot(ctx context.Context, session Session, baseDocumentID string, version int) (archive.Snapshot, error) {
	if s.deps.Archive == nil {
		return archive.Snapshot{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "archive not configured", nil)
	}
	if _, err := s.ListChainVersions(ctx, session, baseDocumentID); err != nil {
		return archive.Snapshot{}, err
	}
	return s.deps.Archive.SnapshotByTag(baseDocumentID, "v"+strconv.Itoa(version))
}

// --- search ---

func (s *Service) Search(ctx context.Context, session Session, text, filterType string, limit, offset int) (search.Response, error) {
	if s.deps.Search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	var rtyp search.ResultType
	switch filterType {
	case "":
	case string(search.ResultDocument):
		rtyp = search.ResultDocument
	case string(search.ResultAction):
		rtyp = search.ResultAction
	default:
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown search type", map[string]any{"type": filterType})
	}
	return s.deps.Search.Search(search.Query{
		Text:       text,
		FilterType: rtyp,
		OrgID:      session.OrgID,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// --- helpers ---

func mapLifecycleError(err error) error {
	var verr *lifecycle.ValidationError
	if errors.As(err, &verr) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_FAILED", "the draft is not eligible for issue", map[string]any{
			"errors":   nonNilStrings(verr.Result.Errors),
			"warnings": nonNilStrings(verr.Result.Warnings),
		})
	}
	switch {
	case errors.Is(err, lifecycle.ErrNoLockedPDF):
		return domainError(http.StatusConflict, "PDF_NOT_LOCKED", "render and lock the PDF before issuing", nil)
	case errors.Is(err, lifecycle.ErrNoIssuedVersion):
		return domainError(http.StatusConflict, "NO_ISSUED_VERSION", "the chain has no issued version to build on", nil)
	case errors.Is(err, lifecycle.ErrDraftExists):
		return domainError(http.StatusConflict, "DRAFT_EXISTS", "the chain already has a draft in progress", nil)
	case errors.Is(err, lifecycle.ErrChainMismatch):
		return domainError(http.StatusConflict, "CHAIN_MISMATCH", "both versions must belong to the same assessment chain", nil)
	case errors.Is(err, lifecycle.ErrNotIssued):
		return domainError(http.StatusConflict, "NOT_ISSUED", "the old version is not the chain's issued version", nil)
	case errors.Is(err, lifecycle.ErrNotDraft):
		return domainError(http.StatusConflict, "NOT_DRAFT", "the new version is not a draft", nil)
	}
	return err
}

func mapApprovalError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, approval.ErrNotDraft):
		return domainError(http.StatusConflict, "NOT_DRAFT", err.Error(), nil)
	case errors.Is(err, approval.ErrInvalidTransition):
		return domainError(http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	}
	return err
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

