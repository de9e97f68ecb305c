package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"assura/api/internal/auth"
	"assura/api/internal/authpw"
	"assura/api/internal/rbac"
)

// 25 MB, generous for site photos and floor plans.
const maxAttachmentBytes = 25 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (h *HTTPServer) Handler() http.Handler {
	return withMiddleware(http.HandlerFunc(h.handle))
}

func (h *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	parts := splitPath(path)

	// Unauthenticated surface.
	switch {
	case r.Method == http.MethodGet && path == "/api/health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case r.Method == http.MethodGet && path == "/api/ready":
		h.handleReady(w, r)
		return
	case strings.HasPrefix(path, "/api/auth/"):
		h.handleAuth(w, r, path)
		return
	case path == "/api/session" || strings.HasPrefix(path, "/api/session/"):
		h.handleSession(w, r, path)
		return
	}

	session, err := h.requireSession(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}

	switch {
	case path == "/api/organisation":
		h.handleOrganisation(w, r, session)
	case path == "/api/search" && r.Method == http.MethodGet:
		h.handleSearch(w, r, session)
	case path == "/api/documents":
		h.handleDocuments(w, r, session)
	case len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents":
		h.handleDocumentSubtree(w, r, session, parts[2:])
	case len(parts) >= 3 && parts[0] == "api" && parts[1] == "chains":
		h.handleChainSubtree(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint", nil)
	}
}

func (h *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := http.StatusOK
	if err := h.service.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": checks})
}

// --- auth ---

func (h *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, path string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		return
	}
	switch strings.TrimPrefix(path, "/api/auth/") {
	case "signup":
		h.handleSignup(w, r)
	case "signin":
		h.handleSignin(w, r)
	case "verify-email":
		h.handleVerifyEmail(w, r)
	case "reset-password/request":
		h.handleResetPasswordRequest(w, r)
	case "reset-password":
		h.handleResetPassword(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint", nil)
	}
}

func (h *HTTPServer) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email            string `json:"email"`
		Password         string `json:"password"`
		DisplayName      string `json:"displayName"`
		OrganisationName string `json:"organisationName"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := h.service.AuthPasswordService().SignUp(r.Context(), authpw.SignUpRequest{
		Email:            body.Email,
		Password:         body.Password,
		DisplayName:      body.DisplayName,
		OrganisationName: body.OrganisationName,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "SIGNUP_FAILED", err.Error(), nil)
		return
	}

	payload := map[string]any{
		"userId":              result.UserID,
		"orgId":               result.OrgID,
		"requiresEmailVerify": result.RequiresEmailVerify,
	}
	if h.service.SMTPConfigured() {
		h.sendVerificationEmail(body.Email, body.DisplayName, result.VerificationToken)
	} else {
		// No SMTP in dev: surface the token so the flow stays usable.
		payload["devVerificationToken"] = result.VerificationToken
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (h *HTTPServer) sendVerificationEmail(to, name, token string) {
	url := h.corsOrigin + "/verify-email?token=" + token
	go func() {
		if err := h.service.deps.Email.SendVerificationEmail(to, name, url); err != nil {
			log.Printf("send verification email: %v", err)
		}
	}()
}

func (h *HTTPServer) handleSignin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := h.service.AuthPasswordService().SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password", nil)
		return
	}
	if result.RequiresVerify {
		writeError(w, http.StatusForbidden, "EMAIL_NOT_VERIFIED", "verify your email address before signing in", nil)
		return
	}

	session, err := h.service.issueSession(r.Context(), result.User)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(session))
}

func (h *HTTPServer) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.service.AuthPasswordService().VerifyEmail(r.Context(), body.Token); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VERIFY_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (h *HTTPServer) handleResetPasswordRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	token, err := h.service.AuthPasswordService().RequestPasswordReset(r.Context(), body.Email)
	// Same response whether or not the account exists.
	payload := map[string]any{"requested": true}
	if err == nil && token != "" {
		if h.service.SMTPConfigured() {
			url := h.corsOrigin + "/reset-password?token=" + token
			go func() {
				_ = h.service.deps.Email.SendPasswordResetEmail(body.Email, "", url)
			}()
		} else {
			payload["devResetToken"] = token
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *HTTPServer) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.service.AuthPasswordService().ResetPassword(r.Context(), authpw.ResetPasswordRequest{
		Token:       body.Token,
		NewPassword: body.NewPassword,
	}); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "RESET_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

// --- sessions ---

func sessionJSON(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"orgId":        session.OrgID,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt,
	}
}

func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, path string) {
	switch {
	case path == "/api/session" && r.Method == http.MethodGet:
		// Soft probe: never 401s, the client uses it to decide whether
		// to show the signin screen.
		session, err := h.requireSession(r)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"orgId":         session.OrgID,
			"role":          session.Role,
		})
	case path == "/api/session/refresh" && r.Method == http.MethodPost:
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		session, err := h.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "INVALID_REFRESH", "refresh token is not valid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionJSON(session))
	case path == "/api/session/logout" && r.Method == http.MethodPost:
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		session, err := h.requireSession(r)
		if err == nil {
			_ = h.service.Logout(r.Context(), session, body.RefreshToken)
		}
		writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint", nil)
	}
}

func (h *HTTPServer) requireSession(r *http.Request) (Session, error) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, auth.ErrInvalidToken
	}
	return h.service.SessionFromToken(r.Context(), token)
}

func (h *HTTPServer) authorize(w http.ResponseWriter, session Session, action rbac.Action) bool {
	if !h.service.Can(session.Role, action) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "your role does not permit this action", nil)
		return false
	}
	return true
}

// --- organisation ---

func (h *HTTPServer) handleOrganisation(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		if !h.authorize(w, session, rbac.ActionRead) {
			return
		}
		org, err := h.service.GetOrganisation(r.Context(), session)
		h.respond(w, http.StatusOK, org, err)
	case http.MethodPatch:
		if !h.authorize(w, session, rbac.ActionAdmin) {
			return
		}
		var body struct {
			ApprovalRequired bool `json:"approvalRequired"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		org, err := h.service.SetApprovalRequired(r.Context(), session, body.ApprovalRequired)
		h.respond(w, http.StatusOK, org, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

// --- search ---

func (h *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	if !h.authorize(w, session, rbac.ActionRead) {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	resp, err := h.service.Search(r.Context(), session, q.Get("q"), q.Get("type"), limit, offset)
	h.respond(w, http.StatusOK, resp, err)
}

// --- documents ---

func (h *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		if !h.authorize(w, session, rbac.ActionRead) {
			return
		}
		chains, err := h.service.ListDocuments(r.Context(), session)
		h.respond(w, http.StatusOK, map[string]any{"chains": chains}, err)
	case http.MethodPost:
		if !h.authorize(w, session, rbac.ActionEdit) {
			return
		}
		var body CreateDocumentInput
		if !decodeBody(w, r, &body) {
			return
		}
		doc, err := h.service.CreateDocument(r.Context(), session, body)
		h.respond(w, http.StatusCreated, doc, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

// handleDocumentSubtree routes /api/documents/{id}[/...].
func (h *HTTPServer) handleDocumentSubtree(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	documentID := rest[0]
	rest = rest[1:]

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !h.authorize(w, session, rbac.ActionRead) {
				return
			}
			doc, err := h.service.GetDocument(r.Context(), session, documentID)
			h.respond(w, http.StatusOK, doc, err)
		case http.MethodPatch:
			if !h.authorize(w, session, rbac.ActionEdit) {
				return
			}
			var body UpdateDocumentInput
			if !decodeBody(w, r, &body) {
				return
			}
			doc, err := h.service.UpdateDocumentMetadata(r.Context(), session, documentID, body)
			h.respond(w, http.StatusOK, doc, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		}
		return
	}

	switch rest[0] {
	case "modules":
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
			return
		}
		if !h.authorize(w, session, rbac.ActionEdit) {
			return
		}
		var body UpsertModuleInput
		if !decodeBody(w, r, &body) {
			return
		}
		module, err := h.service.UpsertModule(r.Context(), session, documentID, body)
		h.respond(w, http.StatusOK, module, err)
	case "actions":
		h.handleActions(w, r, session, documentID, rest[1:])
	case "attachments":
		h.handleAttachments(w, r, session, documentID)
	case "validate":
		if !h.authorize(w, session, rbac.ActionRead) {
			return
		}
		result, err := h.service.ValidateDocument(r.Context(), session, documentID)
		h.respond(w, http.StatusOK, result, err)
	case "approval":
		h.handleApproval(w, r, session, documentID, rest[1:])
	case "pdf":
		h.handlePDF(w, r, session, documentID)
	case "export":
		if !h.authorize(w, session, rbac.ActionRead) {
			return
		}
		result, err := h.service.ExportReport(r.Context(), session, documentID, r.URL.Query().Get("format"))
		if err != nil {
			h.writeMappedError(w, err)
			return
		}
		writeFile(w, result)
	case "issue":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
			return
		}
		if !h.authorize(w, session, rbac.ActionIssue) {
			return
		}
		result, err := h.service.IssueDocument(r.Context(), session, documentID)
		h.respond(w, http.StatusOK, result, err)
	case "supersede":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
			return
		}
		if !h.authorize(w, session, rbac.ActionIssue) {
			return
		}
		var body struct {
			NewDocumentID string `json:"newDocumentId"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		result, err := h.service.SupersedeAndIssueNew(r.Context(), session, documentID, body.NewDocumentID)
		h.respond(w, http.StatusOK, result, err)
	case "summary":
		h.handleSummary(w, r, session, documentID)
	case "versions":
		switch r.Method {
		case http.MethodGet:
			if !h.authorize(w, session, rbac.ActionRead) {
				return
			}
			versions, err := h.service.ListVersionsOfDocument(r.Context(), session, documentID)
			h.respond(w, http.StatusOK, map[string]any{"versions": versions}, err)
		case http.MethodPost:
			if !h.authorize(w, session, rbac.ActionEdit) {
				return
			}
			result, err := h.service.CreateNewVersionFromDocument(r.Context(), session, documentID, carryEvidenceFromBody(r))
			h.respond(w, http.StatusCreated, result, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint", nil)
	}
}

func (h *HTTPServer) handleActions(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
			return
		}
		if !h.authorize(w, session, rbac.ActionEdit) {
			return
		}
		var body ActionInput
		if !decodeBody(w, r, &body) {
			return
		}
		action, err := h.service.CreateAction(r.Context(), session, documentID, body)
		h.respond(w, http.StatusCreated, action, err)
		return
	}

	actionID := rest[0]
	if !h.authorize(w, session, rbac.ActionEdit) {
		return
	}
	switch {
	case len(rest) == 1 && r.Method == http.MethodPatch:
		var body ActionInput
		if !decodeBody(w, r, &body) {
			return
		}
		action, err := h.service.UpdateAction(r.Context(), session, documentID, actionID, body)
		h.respond(w, http.StatusOK, action, err)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := h.service.DeleteAction(r.Context(), session, documentID, actionID); err != nil {
			h.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	case len(rest) == 2 && rest[1] == "status" && r.Method == http.MethodPut:
		var body struct {
			Status string `json:"status"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		action, err := h.service.UpdateActionStatus(r.Context(), session, documentID, actionID, body.Status)
		h.respond(w, http.StatusOK, action, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint", nil)
	}
}

func (h *HTTPServer) handleAttachments(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	switch r.Method {
	case http.MethodGet:
		if !h.authorize(w, session, rbac.ActionRead) {
			return
		}
		items, err := h.service.ListAttachments(r.Context(), session, documentID)
		h.respond(w, http.StatusOK, map[string]any{"attachments": items}, err)
	case http.MethodPost:
		if !h.authorize(w, session, rbac.ActionEdit) {
			return
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxAttachmentBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "could not read request body", nil)
			return
		}
		if len(data) > maxAttachmentBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "attachment exceeds the size limit", nil)
			return
		}
		item, err := h.service.UploadAttachment(r.Context(), session, documentID,
			r.URL.Query().Get("filename"), r.Header.Get("Content-Type"), data)
		h.respond(w, http.StatusCreated, item, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

func (h *HTTPServer) handleApproval(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	if r.Method != http.MethodPost || len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint", nil)
		return
	}
	switch rest[0] {
	case "request":
		if !h.authorize(w, session, rbac.ActionEdit) {
			return
		}
		doc, err := h.service.RequestApproval(r.Context(), session, documentID)
		h.respond(w, http.StatusOK, doc, err)
	case "decision":
		if !h.authorize(w, session, rbac.ActionApprove) {
			return
		}
		var body struct {
			Approve bool `json:"approve"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		doc, err := h.service.DecideApproval(r.Context(), session, documentID, body.Approve)
		h.respond(w, http.StatusOK, doc, err)
	case "reset":
		if !h.authorize(w, session, rbac.ActionApprove) {
			return
		}
		doc, err := h.service.ResetApproval(r.Context(), session, documentID)
		h.respond(w, http.StatusOK, doc, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint", nil)
	}
}

func (h *HTTPServer) handlePDF(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	switch r.Method {
	case http.MethodPost:
		if !h.authorize(w, session, rbac.ActionIssue) {
			return
		}
		result, err := h.service.RenderAndLockPDF(r.Context(), session, documentID)
		h.respond(w, http.StatusOK, result, err)
	case http.MethodGet:
		if !h.authorize(w, session, rbac.ActionRead) {
			return
		}
		result, err := h.service.DownloadLockedPDF(r.Context(), session, documentID)
		if err != nil {
			h.writeMappedError(w, err)
			return
		}
		writeFile(w, result)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

func (h *HTTPServer) handleSummary(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	switch r.Method {
	case http.MethodGet:
		if !h.authorize(w, session, rbac.ActionRead) {
			return
		}
		summary, err := h.service.GetChangeSummary(r.Context(), session, documentID)
		h.respond(w, http.StatusOK, summary, err)
	case http.MethodPatch:
		if !h.authorize(w, session, rbac.ActionEdit) {
			return
		}
		var body SummaryEditorialInput
		if !decodeBody(w, r, &body) {
			return
		}
		summary, err := h.service.UpdateChangeSummaryEditorial(r.Context(), session, documentID, body)
		h.respond(w, http.StatusOK, summary, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

// handleChainSubtree routes /api/chains/{baseId}[/...].
func (h *HTTPServer) handleChainSubtree(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	baseDocumentID := rest[0]
	rest = rest[1:]

	switch {
	case len(rest) == 1 && rest[0] == "versions" && r.Method == http.MethodGet:
		if !h.authorize(w, session, rbac.ActionRead) {
			return
		}
		versions, err := h.service.ListChainVersions(r.Context(), session, baseDocumentID)
		h.respond(w, http.StatusOK, map[string]any{"versions": versions}, err)
	case len(rest) == 1 && rest[0] == "versions" && r.Method == http.MethodPost:
		if !h.authorize(w, session, rbac.ActionEdit) {
			return
		}
		result, err := h.service.CreateNewVersion(r.Context(), session, baseDocumentID, carryEvidenceFromBody(r))
		h.respond(w, http.StatusCreated, result, err)
	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		if !h.authorize(w, session, rbac.ActionRead) {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		commits, err := h.service.ChainHistory(r.Context(), session, baseDocumentID, limit)
		h.respond(w, http.StatusOK, map[string]any{"history": commits}, err)
	case len(rest) == 2 && rest[0] == "snapshots" && r.Method == http.MethodGet:
		if !h.authorize(w, session, rbac.ActionRead) {
			return
		}
		version, err := strconv.Atoi(rest[1])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a number", nil)
			return
		}
		snap, svcErr := h.service.ArchivedSnapshot(r.Context(), session, baseDocumentID, version)
		h.respond(w, http.StatusOK, snap, svcErr)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint", nil)
	}
}

// --- plumbing ---

func (h *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func (h *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	var derr *DomainError
	switch {
	case errors.As(err, &derr):
		writeError(w, derr.Status, derr.Code, derr.Message, derr.Details)
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
	}
}

func (h *HTTPServer) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", h.corsOrigin)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	payload := map[string]any{"code": code, "error": message}
	if details != nil {
		payload["details"] = details
	}
	writeJSON(w, status, payload)
}

func writeFile(w http.ResponseWriter, result DownloadResult) {
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "request body is not valid JSON", nil)
		return false
	}
	return true
}

// carryEvidenceFromBody reads the optional carryEvidence flag; attachments
// carry forward unless the caller opts out.
func carryEvidenceFromBody(r *http.Request) bool {
	var body struct {
		CarryEvidence *bool `json:"carryEvidence"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.CarryEvidence == nil {
		return true
	}
	return *body.CarryEvidence
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			buf := make([]byte, 8)
			_, _ = rand.Read(buf)
			requestID = hex.EncodeToString(buf)
		}
		w.Header().Set("X-Request-ID", requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		entry, _ := json.Marshal(map[string]any{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      recorder.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		log.Println(string(entry))
	})
}
