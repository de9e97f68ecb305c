package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"assura/api/internal/config"
	"assura/api/internal/eligibility"
	"assura/api/internal/lifecycle"
	"assura/api/internal/pdflock"
	"assura/api/internal/search"
	"assura/api/internal/store"
)

type fakeStore struct {
	getOrganisation              func(ctx context.Context, orgID string) (store.Organisation, error)
	setOrgApprovalRequired       func(ctx context.Context, orgID string, required bool) error
	getUserByID                  func(ctx context.Context, userID string) (store.User, error)
	listUsersByRole              func(ctx context.Context, orgID, role string) ([]store.User, error)
	revokeAccessToken            func(ctx context.Context, jti string, exp time.Time) error
	isAccessTokenRevoked         func(ctx context.Context, jti string) (bool, error)
	getDocument                  func(ctx context.Context, documentID, orgID string) (store.Document, error)
	insertDocument               func(ctx context.Context, item store.Document) error
	listDocuments                func(ctx context.Context, orgID string) ([]store.Document, error)
	listChainVersions            func(ctx context.Context, baseDocumentID, orgID string) ([]store.Document, error)
	getCurrentIssued             func(ctx context.Context, baseDocumentID, orgID string) (*store.Document, error)
	getCurrentDraft              func(ctx context.Context, baseDocumentID, orgID string) (*store.Document, error)
	updateDocumentMetadata       func(ctx context.Context, item store.Document) error
	listModuleInstances          func(ctx context.Context, documentID string) ([]store.ModuleInstance, error)
	getModuleInstance            func(ctx context.Context, documentID, moduleKey string) (store.ModuleInstance, error)
	upsertModuleInstance         func(ctx context.Context, item store.ModuleInstance) error
	listActions                  func(ctx context.Context, documentID string, statuses []string) ([]store.Action, error)
	getAction                    func(ctx context.Context, actionID string) (store.Action, error)
	insertAction                 func(ctx context.Context, item store.Action) error
	updateAction                 func(ctx context.Context, item store.Action) error
	updateActionStatus           func(ctx context.Context, actionID, status string) error
	softDeleteAction             func(ctx context.Context, actionID string) error
	listAttachments              func(ctx context.Context, documentID string) ([]store.Attachment, error)
	insertAttachment             func(ctx context.Context, item store.Attachment) error
	getChangeSummary             func(ctx context.Context, documentID string) (store.ChangeSummary, error)
	updateChangeSummaryEditorial func(ctx context.Context, documentID, summaryText string, visible bool) error
	ping                         func(ctx context.Context) error
}

func (f *fakeStore) GetOrganisation(ctx context.Context, orgID string) (store.Organisation, error) {
	if f.getOrganisation == nil {
		return store.Organisation{}, sql.ErrNoRows
	}
	return f.getOrganisation(ctx, orgID)
}

func (f *fakeStore) SetOrganisationApprovalRequired(ctx context.Context, orgID string, required bool) error {
	if f.setOrgApprovalRequired == nil {
		return nil
	}
	return f.setOrgApprovalRequired(ctx, orgID, required)
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByID == nil {
		return store.User{}, sql.ErrNoRows
	}
	return f.getUserByID(ctx, userID)
}

func (f *fakeStore) ListUsersByRole(ctx context.Context, orgID, role string) ([]store.User, error) {
	if f.listUsersByRole == nil {
		return nil, nil
	}
	return f.listUsersByRole(ctx, orgID, role)
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	if f.revokeAccessToken == nil {
		return nil
	}
	return f.revokeAccessToken(ctx, jti, exp)
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevoked == nil {
		return false, nil
	}
	return f.isAccessTokenRevoked(ctx, jti)
}

func (f *fakeStore) GetDocument(ctx context.Context, documentID, orgID string) (store.Document, error) {
	if f.getDocument == nil {
		return store.Document{}, sql.ErrNoRows
	}
	return f.getDocument(ctx, documentID, orgID)
}

func (f *fakeStore) InsertDocument(ctx context.Context, item store.Document) error {
	if f.insertDocument == nil {
		return nil
	}
	return f.insertDocument(ctx, item)
}

func (f *fakeStore) ListDocuments(ctx context.Context, orgID string) ([]store.Document, error) {
	if f.listDocuments == nil {
		return nil, nil
	}
	return f.listDocuments(ctx, orgID)
}

func (f *fakeStore) ListChainVersions(ctx context.Context, baseDocumentID, orgID string) ([]store.Document, error) {
	if f.listChainVersions == nil {
		return nil, nil
	}
	return f.listChainVersions(ctx, baseDocumentID, orgID)
}

func (f *fakeStore) GetCurrentIssued(ctx context.Context, baseDocumentID, orgID string) (*store.Document, error) {
	if f.getCurrentIssued == nil {
		return nil, nil
	}
	return f.getCurrentIssued(ctx, baseDocumentID, orgID)
}

func (f *fakeStore) GetCurrentDraft(ctx context.Context, baseDocumentID, orgID string) (*store.Document, error) {
	if f.getCurrentDraft == nil {
		return nil, nil
	}
	return f.getCurrentDraft(ctx, baseDocumentID, orgID)
}

func (f *fakeStore) UpdateDocumentMetadata(ctx context.Context, item store.Document) error {
	if f.updateDocumentMetadata == nil {
		return nil
	}
	return f.updateDocumentMetadata(ctx, item)
}

func (f *fakeStore) ListModuleInstances(ctx context.Context, documentID string) ([]store.ModuleInstance, error) {
	if f.listModuleInstances == nil {
		return nil, nil
	}
	return f.listModuleInstances(ctx, documentID)
}

func (f *fakeStore) GetModuleInstance(ctx context.Context, documentID, moduleKey string) (store.ModuleInstance, error) {
	if f.getModuleInstance == nil {
		return store.ModuleInstance{}, sql.ErrNoRows
	}
	return f.getModuleInstance(ctx, documentID, moduleKey)
}

func (f *fakeStore) UpsertModuleInstance(ctx context.Context, item store.ModuleInstance) error {
	if f.upsertModuleInstance == nil {
		return nil
	}
	return f.upsertModuleInstance(ctx, item)
}

func (f *fakeStore) ListActions(ctx context.Context, documentID string, statuses []string) ([]store.Action, error) {
	if f.listActions == nil {
		return nil, nil
	}
	return f.listActions(ctx, documentID, statuses)
}

func (f *fakeStore) GetAction(ctx context.Context, actionID string) (store.Action, error) {
	if f.getAction == nil {
		return store.Action{}, sql.ErrNoRows
	}
	return f.getAction(ctx, actionID)
}

func (f *fakeStore) InsertAction(ctx context.Context, item store.Action) error {
	if f.insertAction == nil {
		return nil
	}
	return f.insertAction(ctx, item)
}

func (f *fakeStore) UpdateAction(ctx context.Context, item store.Action) error {
	if f.updateAction == nil {
		return nil
	}
	return f.updateAction(ctx, item)
}

func (f *fakeStore) UpdateActionStatus(ctx context.Context, actionID, status string) error {
	if f.updateActionStatus == nil {
		return nil
	}
	return f.updateActionStatus(ctx, actionID, status)
}

func (f *fakeStore) SoftDeleteAction(ctx context.Context, actionID string) error {
	if f.softDeleteAction == nil {
		return nil
	}
	return f.softDeleteAction(ctx, actionID)
}

func (f *fakeStore) ListAttachments(ctx context.Context, documentID string) ([]store.Attachment, error) {
	if f.listAttachments == nil {
		return nil, nil
	}
	return f.listAttachments(ctx, documentID)
}

func (f *fakeStore) InsertAttachment(ctx context.Context, item store.Attachment) error {
	if f.insertAttachment == nil {
		return nil
	}
	return f.insertAttachment(ctx, item)
}

func (f *fakeStore) GetChangeSummary(ctx context.Context, documentID string) (store.ChangeSummary, error) {
	if f.getChangeSummary == nil {
		return store.ChangeSummary{}, sql.ErrNoRows
	}
	return f.getChangeSummary(ctx, documentID)
}

func (f *fakeStore) UpdateChangeSummaryEditorial(ctx context.Context, documentID, summaryText string, visible bool) error {
	if f.updateChangeSummaryEditorial == nil {
		return nil
	}
	return f.updateChangeSummaryEditorial(ctx, documentID, summaryText, visible)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.ping == nil {
		return nil
	}
	return f.ping(ctx)
}

type fakeSessions struct {
	saved map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{saved: make(map[string]store.User)}
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	f.saved[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	user, ok := f.saved[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(f.saved, tokenHash)
	return nil
}

type fakeEngine struct {
	issue            func(ctx context.Context, documentID, orgID, userID string) (lifecycle.IssueResult, error)
	createNewVersion func(ctx context.Context, baseDocumentID, orgID, userID string, carryEvidence bool) (lifecycle.NewVersionResult, error)
	supersede        func(ctx context.Context, oldDocumentID, newDocumentID, orgID, userID string) (lifecycle.IssueResult, error)
}

func (f *fakeEngine) Issue(ctx context.Context, documentID, orgID, userID string) (lifecycle.IssueResult, error) {
	return f.issue(ctx, documentID, orgID, userID)
}

func (f *fakeEngine) CreateNewVersion(ctx context.Context, baseDocumentID, orgID, userID string, carryEvidence bool) (lifecycle.NewVersionResult, error) {
	return f.createNewVersion(ctx, baseDocumentID, orgID, userID, carryEvidence)
}

func (f *fakeEngine) SupersedeAndIssueNew(ctx context.Context, oldDocumentID, newDocumentID, orgID, userID string) (lifecycle.IssueResult, error) {
	return f.supersede(ctx, oldDocumentID, newDocumentID, orgID, userID)
}

type fakeValidator struct {
	validate func(ctx context.Context, documentID, orgID string) eligibility.Result
}

func (f *fakeValidator) ValidateForIssue(ctx context.Context, documentID, orgID string) eligibility.Result {
	return f.validate(ctx, documentID, orgID)
}

type fakePDFs struct {
	lock     func(ctx context.Context, doc store.Document, pdf []byte) (pdflock.LockResult, error)
	download func(ctx context.Context, doc store.Document) ([]byte, error)
}

func (f *fakePDFs) Lock(ctx context.Context, doc store.Document, pdf []byte) (pdflock.LockResult, error) {
	return f.lock(ctx, doc, pdf)
}

func (f *fakePDFs) Download(ctx context.Context, doc store.Document) ([]byte, error) {
	return f.download(ctx, doc)
}

type fakeSearch struct {
	indexed []search.DocumentRecord
	deleted []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexDocument(doc search.DocumentRecord) { f.indexed = append(f.indexed, doc) }
func (f *fakeSearch) IndexAction(a search.ActionRecord)       {}
func (f *fakeSearch) DeleteAction(id string)                  { f.deleted = append(f.deleted, id) }

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
		CORSOrigin: "http://localhost:3000",
	}
}

func newTestService(fs *fakeStore, deps Dependencies) *Service {
	return &Service{
		cfg:      testConfig(),
		store:    fs,
		sessions: newFakeSessions(),
		deps:     deps,
	}
}

func testUser(role string) store.User {
	return store.User{
		ID:          "usr-1",
		OrgID:       "org-1",
		DisplayName: "Avery Chen",
		Email:       "avery@example.com",
		Role:        role,
	}
}

// signIn mints a real access token through the service itself.
func signIn(t *testing.T, svc *Service, user store.User) Session {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issueSession: %v", err)
	}
	return session
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return payload
}

func TestHealth(t *testing.T) {
	svc := newTestService(&fakeStore{}, Dependencies{})
	handler := NewHTTPServer(svc, "*").Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ok, _ := decodeResponse(t, rec)["ok"].(bool); !ok {
		t.Fatalf("expected ok=true")
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	svc := newTestService(&fakeStore{
		ping: func(ctx context.Context) error { return context.DeadlineExceeded },
	}, Dependencies{})
	handler := NewHTTPServer(svc, "*").Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/ready", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRequiresAuthentication(t *testing.T) {
	svc := newTestService(&fakeStore{}, Dependencies{})
	handler := NewHTTPServer(svc, "*").Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/documents", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestViewerCannotIssue(t *testing.T) {
	svc := newTestService(&fakeStore{}, Dependencies{})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("viewer"))

	rec := doRequest(t, handler, http.MethodPost, "/api/documents/doc-1/issue", session.Token, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestViewerCanRead(t *testing.T) {
	svc := newTestService(&fakeStore{
		listDocuments: func(ctx context.Context, orgID string) ([]store.Document, error) {
			if orgID != "org-1" {
				t.Fatalf("expected org-1, got %q", orgID)
			}
			return nil, nil
		},
	}, Dependencies{})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("viewer"))

	rec := doRequest(t, handler, http.MethodGet, "/api/documents", session.Token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateDocument(t *testing.T) {
	var inserted store.Document
	fs := &fakeStore{
		insertDocument: func(ctx context.Context, item store.Document) error {
			inserted = item
			return nil
		},
	}
	fs.getDocument = func(ctx context.Context, documentID, orgID string) (store.Document, error) {
		return inserted, nil
	}
	searcher := &fakeSearch{}
	svc := newTestService(fs, Dependencies{Search: searcher})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("assessor"))

	rec := doRequest(t, handler, http.MethodPost, "/api/documents", session.Token,
		`{"docType":"fra","title":"Riverside Mill FRA","siteName":"Riverside Mill"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if inserted.DocType != store.DocTypeFRA {
		t.Fatalf("expected doc type normalised to FRA, got %q", inserted.DocType)
	}
	if inserted.BaseDocumentID != inserted.ID {
		t.Fatalf("first version should be its own chain base")
	}
	if inserted.VersionNumber != 1 || inserted.IssueStatus != store.IssueStatusDraft {
		t.Fatalf("expected v1 draft, got v%d %s", inserted.VersionNumber, inserted.IssueStatus)
	}
	if inserted.OrgID != "org-1" || inserted.CreatedBy != "usr-1" {
		t.Fatalf("document should carry the session's org and user")
	}
	if len(searcher.indexed) != 1 {
		t.Fatalf("expected the new document to be indexed")
	}
}

func TestCreateDocumentRejectsUnknownType(t *testing.T) {
	svc := newTestService(&fakeStore{}, Dependencies{})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("assessor"))

	rec := doRequest(t, handler, http.MethodPost, "/api/documents", session.Token,
		`{"docType":"XYZ","title":"Test"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestUpdateIssuedDocumentIsFrozen(t *testing.T) {
	svc := newTestService(&fakeStore{
		getDocument: func(ctx context.Context, documentID, orgID string) (store.Document, error) {
			return store.Document{ID: documentID, OrgID: orgID, IssueStatus: store.IssueStatusIssued}, nil
		},
	}, Dependencies{})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("assessor"))

	rec := doRequest(t, handler, http.MethodPatch, "/api/documents/doc-1", session.Token,
		`{"title":"New title"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code, _ := decodeResponse(t, rec)["code"].(string); code != "VERSION_FROZEN" {
		t.Fatalf("expected VERSION_FROZEN, got %q", code)
	}
}

func TestIssueValidationFailureReturns422(t *testing.T) {
	engine := &fakeEngine{
		issue: func(ctx context.Context, documentID, orgID, userID string) (lifecycle.IssueResult, error) {
			return lifecycle.IssueResult{}, &lifecycle.ValidationError{
				Result: eligibility.Result{Errors: []string{"module A1 incomplete"}},
			}
		},
	}
	svc := newTestService(&fakeStore{}, Dependencies{Engine: engine})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("assessor"))

	rec := doRequest(t, handler, http.MethodPost, "/api/documents/doc-1/issue", session.Token, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	if code, _ := payload["code"].(string); code != "VALIDATION_FAILED" {
		t.Fatalf("expected VALIDATION_FAILED, got %q", code)
	}
	details, _ := payload["details"].(map[string]any)
	if details == nil {
		t.Fatalf("expected validation details in the error body")
	}
}

func TestIssueSuccess(t *testing.T) {
	now := time.Now()
	engine := &fakeEngine{
		issue: func(ctx context.Context, documentID, orgID, userID string) (lifecycle.IssueResult, error) {
			return lifecycle.IssueResult{
				Document: store.Document{
					ID: documentID, BaseDocumentID: documentID, OrgID: orgID,
					IssueStatus: store.IssueStatusIssued, IssueDate: &now, IssuedBy: userID,
				},
			}, nil
		},
	}
	svc := newTestService(&fakeStore{}, Dependencies{Engine: engine})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("approver"))

	rec := doRequest(t, handler, http.MethodPost, "/api/documents/doc-1/issue", session.Token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	doc, _ := payload["document"].(map[string]any)
	if status, _ := doc["issueStatus"].(string); status != store.IssueStatusIssued {
		t.Fatalf("expected issued, got %q", status)
	}
}

func TestIssuePreconditionsReturn409(t *testing.T) {
	engine := &fakeEngine{
		issue: func(ctx context.Context, documentID, orgID, userID string) (lifecycle.IssueResult, error) {
			return lifecycle.IssueResult{}, lifecycle.ErrNoLockedPDF
		},
	}
	svc := newTestService(&fakeStore{}, Dependencies{Engine: engine})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("assessor"))

	rec := doRequest(t, handler, http.MethodPost, "/api/documents/doc-1/issue", session.Token, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code, _ := decodeResponse(t, rec)["code"].(string); code != "PDF_NOT_LOCKED" {
		t.Fatalf("expected PDF_NOT_LOCKED, got %q", code)
	}
}

func TestDownloadLockedPDFNotLocked(t *testing.T) {
	svc := newTestService(&fakeStore{
		getDocument: func(ctx context.Context, documentID, orgID string) (store.Document, error) {
			return store.Document{ID: documentID, OrgID: orgID, IssueStatus: store.IssueStatusDraft}, nil
		},
	}, Dependencies{PDFs: &fakePDFs{
		download: func(ctx context.Context, doc store.Document) ([]byte, error) {
			return nil, pdflock.ErrNotLocked
		},
	}})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("viewer"))

	rec := doRequest(t, handler, http.MethodGet, "/api/documents/doc-1/pdf", session.Token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteActionRemovesFromIndex(t *testing.T) {
	searcher := &fakeSearch{}
	svc := newTestService(&fakeStore{
		getDocument: func(ctx context.Context, documentID, orgID string) (store.Document, error) {
			return store.Document{ID: documentID, OrgID: orgID, IssueStatus: store.IssueStatusDraft}, nil
		},
		getAction: func(ctx context.Context, actionID string) (store.Action, error) {
			return store.Action{ID: actionID, DocumentID: "doc-1"}, nil
		},
	}, Dependencies{Search: searcher})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("assessor"))

	rec := doRequest(t, handler, http.MethodDelete, "/api/documents/doc-1/actions/act-1", session.Token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(searcher.deleted) != 1 || searcher.deleted[0] != "act-1" {
		t.Fatalf("expected act-1 removed from the search index, got %v", searcher.deleted)
	}
}

func TestValidateEndpoint(t *testing.T) {
	svc := newTestService(&fakeStore{}, Dependencies{Validator: &fakeValidator{
		validate: func(ctx context.Context, documentID, orgID string) eligibility.Result {
			return eligibility.Result{Valid: false, Errors: []string{"missing module"}, Warnings: []string{"optional module empty"}}
		},
	}})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("viewer"))

	rec := doRequest(t, handler, http.MethodGet, "/api/documents/doc-1/validate", session.Token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if valid, _ := payload["valid"].(bool); valid {
		t.Fatalf("expected valid=false")
	}
}

func TestSessionRefreshRotatesToken(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, Dependencies{})
	session := signIn(t, svc, testUser("assessor"))

	refreshed, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.RefreshToken == session.RefreshToken {
		t.Fatalf("refresh should rotate the refresh token")
	}
	// The old refresh token must be dead after rotation.
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatalf("expected the old refresh token to be revoked")
	}
}

func TestSessionFromTokenRejectsRevoked(t *testing.T) {
	fs := &fakeStore{
		isAccessTokenRevoked: func(ctx context.Context, jti string) (bool, error) {
			return true, nil
		},
	}
	svc := newTestService(fs, Dependencies{})
	session := signIn(t, svc, testUser("assessor"))

	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatalf("expected revoked token to be rejected")
	}
}

func TestListDocumentsGroupsChains(t *testing.T) {
	svc := newTestService(&fakeStore{
		listDocuments: func(ctx context.Context, orgID string) ([]store.Document, error) {
			return []store.Document{
				{ID: "doc-2", BaseDocumentID: "doc-1", VersionNumber: 2, IssueStatus: store.IssueStatusDraft},
				{ID: "doc-1", BaseDocumentID: "doc-1", VersionNumber: 1, IssueStatus: store.IssueStatusIssued},
				{ID: "doc-9", BaseDocumentID: "doc-9", VersionNumber: 1, IssueStatus: store.IssueStatusDraft},
			}, nil
		},
	}, Dependencies{})

	chains, err := svc.ListDocuments(context.Background(), Session{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(chains))
	}
	first, _ := chains[0]["versions"].([]map[string]any)
	if len(first) != 2 {
		t.Fatalf("expected 2 versions in the first chain, got %d", len(first))
	}
}

func TestNewVersionResolvesChainFromAnyVersion(t *testing.T) {
	engine := &fakeEngine{
		createNewVersion: func(ctx context.Context, baseDocumentID, orgID, userID string, carryEvidence bool) (lifecycle.NewVersionResult, error) {
			if baseDocumentID != "doc-1" {
				t.Fatalf("expected chain base doc-1, got %q", baseDocumentID)
			}
			if !carryEvidence {
				t.Fatalf("evidence carry should default to true when the body omits it")
			}
			return lifecycle.NewVersionResult{
				Document: store.Document{ID: "doc-3", BaseDocumentID: "doc-1", VersionNumber: 3, IssueStatus: store.IssueStatusDraft},
			}, nil
		},
	}
	svc := newTestService(&fakeStore{
		getDocument: func(ctx context.Context, documentID, orgID string) (store.Document, error) {
			return store.Document{ID: documentID, BaseDocumentID: "doc-1", OrgID: orgID, IssueStatus: store.IssueStatusIssued}, nil
		},
	}, Dependencies{Engine: engine})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("assessor"))

	rec := doRequest(t, handler, http.MethodPost, "/api/documents/doc-2/versions", session.Token, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	doc, _ := decodeResponse(t, rec)["document"].(map[string]any)
	if v, _ := doc["versionNumber"].(float64); v != 3 {
		t.Fatalf("expected version 3, got %v", v)
	}
}

func TestNewVersionCanSkipEvidenceCarry(t *testing.T) {
	var gotCarry *bool
	engine := &fakeEngine{
		createNewVersion: func(ctx context.Context, baseDocumentID, orgID, userID string, carryEvidence bool) (lifecycle.NewVersionResult, error) {
			gotCarry = &carryEvidence
			return lifecycle.NewVersionResult{
				Document: store.Document{ID: "doc-2", BaseDocumentID: "doc-1", VersionNumber: 2, IssueStatus: store.IssueStatusDraft},
			}, nil
		},
	}
	svc := newTestService(&fakeStore{}, Dependencies{Engine: engine})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("assessor"))

	rec := doRequest(t, handler, http.MethodPost, "/api/chains/doc-1/versions", session.Token,
		`{"carryEvidence":false}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotCarry == nil || *gotCarry {
		t.Fatalf("expected carryEvidence=false to reach the engine")
	}
}

func TestApprovalDecisionRequiresApproverRole(t *testing.T) {
	svc := newTestService(&fakeStore{}, Dependencies{})
	handler := NewHTTPServer(svc, "*").Handler()
	session := signIn(t, svc, testUser("assessor"))

	rec := doRequest(t, handler, http.MethodPost, "/api/documents/doc-1/approval/decision", session.Token,
		`{"approve":true}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAdminCanChangeOrganisationSettings(t *testing.T) {
	var setTo *bool
	svc := newTestService(&fakeStore{
		setOrgApprovalRequired: func(ctx context.Context, orgID string, required bool) error {
			setTo = &required
			return nil
		},
		getOrganisation: func(ctx context.Context, orgID string) (store.Organisation, error) {
			return store.Organisation{ID: orgID, Name: "Holt & Marsh", ApprovalRequired: true}, nil
		},
	}, Dependencies{})
	handler := NewHTTPServer(svc, "*").Handler()

	assessor := signIn(t, svc, testUser("assessor"))
	rec := doRequest(t, handler, http.MethodPatch, "/api/organisation", assessor.Token, `{"approvalRequired":true}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for assessor, got %d", rec.Code)
	}

	admin := signIn(t, svc, testUser("admin"))
	rec = doRequest(t, handler, http.MethodPatch, "/api/organisation", admin.Token, `{"approvalRequired":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", rec.Code, rec.Body.String())
	}
	if setTo == nil || !*setTo {
		t.Fatalf("expected approvalRequired set to true")
	}
}
