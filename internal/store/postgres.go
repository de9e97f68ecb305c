package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- organisations ---

func (s *PostgresStore) CreateOrganisation(ctx context.Context, org Organisation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organisations (id, name, approval_required)
		VALUES ($1, $2, $3)
	`, org.ID, org.Name, org.ApprovalRequired)
	if err != nil {
		return fmt.Errorf("insert organisation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrganisation(ctx context.Context, orgID string) (Organisation, error) {
	var org Organisation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, approval_required, created_at
		FROM organisations
		WHERE id=$1
	`, orgID).Scan(&org.ID, &org.Name, &org.ApprovalRequired, &org.CreatedAt)
	if err != nil {
		return Organisation{}, err
	}
	return org, nil
}

func (s *PostgresStore) SetOrganisationApprovalRequired(ctx context.Context, orgID string, required bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organisations SET approval_required=$2 WHERE id=$1
	`, orgID, required)
	if err != nil {
		return fmt.Errorf("update organisation approval flag: %w", err)
	}
	return nil
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, org_id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.OrgID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, display_name, email, password_hash, role, is_email_verified, deactivated_at, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.OrgID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.DeactivatedAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsersByRole(ctx context.Context, orgID, role string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, display_name, email, password_hash, role, is_email_verified, deactivated_at, created_at, updated_at
		FROM users
		WHERE org_id=$1 AND role=$2 AND deactivated_at IS NULL
		ORDER BY display_name
	`, orgID, role)
	if err != nil {
		return nil, fmt.Errorf("list users by role: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.OrgID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.DeactivatedAt, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, display_name, email, password_hash, role, is_email_verified, deactivated_at, created_at, updated_at
		FROM users
		WHERE LOWER(email)=LOWER($1) AND deactivated_at IS NULL
	`, email).Scan(&user.ID, &user.OrgID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.DeactivatedAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// --- access token revocation ---

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- documents ---

const documentColumns = `
	id, base_document_id, org_id, doc_type, title, site_name, site_address,
	version_number, issue_status, approval_status, assessor_name, scope_notes,
	standards, jurisdiction, issue_date, issued_by,
	locked_pdf_path, locked_pdf_checksum, locked_pdf_size_bytes, locked_pdf_generated_at,
	pdf_generation_error, superseded_by_document_id, superseded_date,
	created_by, created_at, updated_at
`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var item Document
	err := row.Scan(
		&item.ID, &item.BaseDocumentID, &item.OrgID, &item.DocType, &item.Title,
		&item.SiteName, &item.SiteAddress, &item.VersionNumber, &item.IssueStatus,
		&item.ApprovalStatus, &item.AssessorName, &item.ScopeNotes, &item.Standards,
		&item.Jurisdiction, &item.IssueDate, &item.IssuedBy,
		&item.LockedPDFPath, &item.LockedPDFChecksum, &item.LockedPDFSizeBytes,
		&item.LockedPDFGeneratedAt, &item.PDFGenerationError,
		&item.SupersededByDocumentID, &item.SupersededDate,
		&item.CreatedBy, &item.CreatedAt, &item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID, orgID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id=$1 AND org_id=$2
	`, documentID, orgID)
	return scanDocument(row)
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (
			id, base_document_id, org_id, doc_type, title, site_name, site_address,
			version_number, issue_status, approval_status, assessor_name, scope_notes,
			standards, jurisdiction, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, item.ID, item.BaseDocumentID, item.OrgID, item.DocType, item.Title,
		item.SiteName, item.SiteAddress, item.VersionNumber, item.IssueStatus,
		item.ApprovalStatus, item.AssessorName, item.ScopeNotes, item.Standards,
		item.Jurisdiction, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// ListDocuments returns every version in the organisation, newest chains
// first. The HTTP layer groups them per chain.
func (s *PostgresStore) ListDocuments(ctx context.Context, orgID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE org_id=$1
		ORDER BY base_document_id, version_number DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListChainVersions(ctx context.Context, baseDocumentID, orgID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE base_document_id=$1 AND org_id=$2
		ORDER BY version_number ASC
	`, baseDocumentID, orgID)
	if err != nil {
		return nil, fmt.Errorf("list chain versions: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) getChainOne(ctx context.Context, baseDocumentID, orgID, status string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE base_document_id=$1 AND org_id=$2 AND issue_status=$3
	`, baseDocumentID, orgID, status)
	item, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s version: %w", status, err)
	}
	return &item, nil
}

// GetCurrentIssued returns the chain's issued version, or nil when none
// exists. A partial unique index guarantees at most one row.
func (s *PostgresStore) GetCurrentIssued(ctx context.Context, baseDocumentID, orgID string) (*Document, error) {
	return s.getChainOne(ctx, baseDocumentID, orgID, IssueStatusIssued)
}

func (s *PostgresStore) GetCurrentDraft(ctx context.Context, baseDocumentID, orgID string) (*Document, error) {
	return s.getChainOne(ctx, baseDocumentID, orgID, IssueStatusDraft)
}

func (s *PostgresStore) UpdateDocumentMetadata(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET title=$3, site_name=$4, site_address=$5, assessor_name=$6,
			scope_notes=$7, standards=$8, jurisdiction=$9, updated_at=NOW()
		WHERE id=$1 AND org_id=$2
	`, item.ID, item.OrgID, item.Title, item.SiteName, item.SiteAddress,
		item.AssessorName, item.ScopeNotes, item.Standards, item.Jurisdiction)
	if err != nil {
		return fmt.Errorf("update document metadata: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetDocumentIssued(ctx context.Context, documentID string, issueDate time.Time, issuedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET issue_status='issued', issue_date=$2, issued_by=$3, updated_at=NOW()
		WHERE id=$1
	`, documentID, issueDate, issuedBy)
	if err != nil {
		return fmt.Errorf("mark document issued: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetDocumentSuperseded(ctx context.Context, documentID, supersededBy string, when time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET issue_status='superseded', superseded_by_document_id=$2, superseded_date=$3, updated_at=NOW()
		WHERE id=$1
	`, documentID, supersededBy, when)
	if err != nil {
		return fmt.Errorf("mark document superseded: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetDocumentApprovalStatus(ctx context.Context, documentID, orgID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET approval_status=$3, updated_at=NOW()
		WHERE id=$1 AND org_id=$2
	`, documentID, orgID, status)
	if err != nil {
		return fmt.Errorf("update approval status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update approval status result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetDocumentPDFLock binds a rendered PDF to a draft. Re-locking a draft
// replaces the previous binding and clears any recorded failure.
func (s *PostgresStore) SetDocumentPDFLock(ctx context.Context, documentID, path, checksum string, sizeBytes int64, generatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET locked_pdf_path=$2, locked_pdf_checksum=$3, locked_pdf_size_bytes=$4,
			locked_pdf_generated_at=$5, pdf_generation_error='', updated_at=NOW()
		WHERE id=$1
	`, documentID, path, checksum, sizeBytes, generatedAt)
	if err != nil {
		return fmt.Errorf("record pdf lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordPDFGenerationError(ctx context.Context, documentID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET pdf_generation_error=$2, updated_at=NOW() WHERE id=$1
	`, documentID, message)
	if err != nil {
		return fmt.Errorf("record pdf generation error: %w", err)
	}
	return nil
}

// --- module instances ---

const moduleColumns = `
	id, document_id, module_key, data, assessor_notes, outcome, completed_at, created_at, updated_at
`

func (s *PostgresStore) ListModuleInstances(ctx context.Context, documentID string) ([]ModuleInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+moduleColumns+`
		FROM module_instances
		WHERE document_id=$1
		ORDER BY module_key ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list module instances: %w", err)
	}
	defer rows.Close()

	items := make([]ModuleInstance, 0)
	for rows.Next() {
		var item ModuleInstance
		var data []byte
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.ModuleKey, &data, &item.AssessorNotes, &item.Outcome, &item.CompletedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan module instance: %w", err)
		}
		item.Data = json.RawMessage(data)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate module instances: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetModuleInstance(ctx context.Context, documentID, moduleKey string) (ModuleInstance, error) {
	var item ModuleInstance
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT `+moduleColumns+`
		FROM module_instances
		WHERE document_id=$1 AND module_key=$2
	`, documentID, moduleKey).Scan(&item.ID, &item.DocumentID, &item.ModuleKey, &data, &item.AssessorNotes, &item.Outcome, &item.CompletedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return ModuleInstance{}, err
	}
	item.Data = json.RawMessage(data)
	return item, nil
}

func (s *PostgresStore) UpsertModuleInstance(ctx context.Context, item ModuleInstance) error {
	data := item.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_instances (id, document_id, module_key, data, assessor_notes, outcome, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id, module_key) DO UPDATE SET
			data=EXCLUDED.data,
			assessor_notes=EXCLUDED.assessor_notes,
			outcome=EXCLUDED.outcome,
			completed_at=EXCLUDED.completed_at,
			updated_at=NOW()
	`, item.ID, item.DocumentID, item.ModuleKey, []byte(data), item.AssessorNotes, item.Outcome, item.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert module instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) BulkInsertModuleInstances(ctx context.Context, items []ModuleInstance) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin module copy tx: %w", err)
	}
	for _, item := range items {
		data := item.Data
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO module_instances (id, document_id, module_key, data, assessor_notes, outcome, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.DocumentID, item.ModuleKey, []byte(data), item.AssessorNotes, item.Outcome, item.CompletedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert module instance %s: %w", item.ModuleKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit module copy tx: %w", err)
	}
	return nil
}

// --- actions ---

const actionColumns = `
	id, document_id, module_instance_id, orphaned_module_key, title, detail,
	status, priority_band, target_date, origin_action_id, carried_from_document_id,
	deleted, created_by, created_at, updated_at
`

func scanAction(row interface{ Scan(...any) error }) (Action, error) {
	var item Action
	err := row.Scan(
		&item.ID, &item.DocumentID, &item.ModuleInstanceID, &item.OrphanedModuleKey,
		&item.Title, &item.Detail, &item.Status, &item.PriorityBand, &item.TargetDate,
		&item.OriginActionID, &item.CarriedFromDocumentID, &item.Deleted,
		&item.CreatedBy, &item.CreatedAt, &item.UpdatedAt,
	)
	return item, err
}

// ListActions returns non-deleted actions on a version, optionally
// filtered to the given statuses.
func (s *PostgresStore) ListActions(ctx context.Context, documentID string, statuses []string) ([]Action, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM actions
		WHERE document_id=$1 AND NOT deleted
	`
	args := []any{documentID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statuses)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	items := make([]Action, 0)
	for rows.Next() {
		item, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAction(ctx context.Context, actionID string) (Action, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE id=$1 AND NOT deleted
	`, actionID)
	return scanAction(row)
}

func (s *PostgresStore) InsertAction(ctx context.Context, item Action) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (
			id, document_id, module_instance_id, orphaned_module_key, title, detail,
			status, priority_band, target_date, origin_action_id, carried_from_document_id, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, item.ID, item.DocumentID, item.ModuleInstanceID, item.OrphanedModuleKey,
		item.Title, item.Detail, item.Status, item.PriorityBand, item.TargetDate,
		item.OriginActionID, item.CarriedFromDocumentID, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (s *PostgresStore) BulkInsertActions(ctx context.Context, items []Action) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin action copy tx: %w", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO actions (
				id, document_id, module_instance_id, orphaned_module_key, title, detail,
				status, priority_band, target_date, origin_action_id, carried_from_document_id, created_by
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, item.ID, item.DocumentID, item.ModuleInstanceID, item.OrphanedModuleKey,
			item.Title, item.Detail, item.Status, item.PriorityBand, item.TargetDate,
			item.OriginActionID, item.CarriedFromDocumentID, item.CreatedBy); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert action %s: %w", item.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit action copy tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAction(ctx context.Context, item Action) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actions
		SET title=$2, detail=$3, priority_band=$4, target_date=$5, updated_at=NOW()
		WHERE id=$1 AND NOT deleted
	`, item.ID, item.Title, item.Detail, item.PriorityBand, item.TargetDate)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateActionStatus(ctx context.Context, actionID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status=$2, updated_at=NOW() WHERE id=$1 AND NOT deleted
	`, actionID, status)
	if err != nil {
		return fmt.Errorf("update action status: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteAction(ctx context.Context, actionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actions SET deleted=TRUE, updated_at=NOW() WHERE id=$1
	`, actionID)
	if err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	return nil
}

// ComputeActionDiff compares the actions of two versions by
// origin_action_id, in one round trip. New: origins on the new version
// with no counterpart in the old. Closed: origins open on the old version
// and closed or absent on the new. Reopened: closed on the old, open on
// the new.
func (s *PostgresStore) ComputeActionDiff(ctx context.Context, newDocumentID, oldDocumentID string) (ActionDiff, error) {
	const query = `
		WITH new_actions AS (
			SELECT id, origin_action_id, status FROM actions
			WHERE document_id=$1 AND NOT deleted
		),
		old_actions AS (
			SELECT id, origin_action_id, status FROM actions
			WHERE document_id=$2 AND NOT deleted
		)
		SELECT n.id, 'new' AS kind
		FROM new_actions n
		LEFT JOIN old_actions o USING (origin_action_id)
		WHERE o.origin_action_id IS NULL
		UNION ALL
		SELECT o.id, 'closed' AS kind
		FROM old_actions o
		LEFT JOIN new_actions n USING (origin_action_id)
		WHERE o.status <> 'closed' AND (n.origin_action_id IS NULL OR n.status = 'closed')
		UNION ALL
		SELECT n.id, 'reopened' AS kind
		FROM new_actions n
		JOIN old_actions o USING (origin_action_id)
		WHERE o.status = 'closed' AND n.status <> 'closed'
	`
	rows, err := s.db.QueryContext(ctx, query, newDocumentID, oldDocumentID)
	if err != nil {
		return ActionDiff{}, fmt.Errorf("compute action diff: %w", err)
	}
	defer rows.Close()

	diff := ActionDiff{
		NewActionIDs:      make([]string, 0),
		ClosedActionIDs:   make([]string, 0),
		ReopenedActionIDs: make([]string, 0),
	}
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return ActionDiff{}, fmt.Errorf("scan action diff: %w", err)
		}
		switch kind {
		case "new":
			diff.NewActionIDs = append(diff.NewActionIDs, id)
		case "closed":
			diff.ClosedActionIDs = append(diff.ClosedActionIDs, id)
		case "reopened":
			diff.ReopenedActionIDs = append(diff.ReopenedActionIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return ActionDiff{}, fmt.Errorf("iterate action diff: %w", err)
	}
	return diff, nil
}

// --- attachments ---

func (s *PostgresStore) ListAttachments(ctx context.Context, documentID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, base_document_id, file_name, storage_path, size_bytes, mime_type, uploaded_by, created_at
		FROM attachments
		WHERE document_id=$1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.BaseDocumentID, &item.FileName, &item.StoragePath, &item.SizeBytes, &item.MimeType, &item.UploadedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, document_id, base_document_id, file_name, storage_path, size_bytes, mime_type, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.DocumentID, item.BaseDocumentID, item.FileName, item.StoragePath, item.SizeBytes, item.MimeType, item.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// CopyAttachments links the source version's attachment rows to the new
// version. The underlying blobs are shared; only metadata rows are copied.
func (s *PostgresStore) CopyAttachments(ctx context.Context, fromDocumentID, toDocumentID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, document_id, base_document_id, file_name, storage_path, size_bytes, mime_type, uploaded_by)
		SELECT 'att_' || encode(gen_random_bytes(16), 'hex'), $2, base_document_id, file_name, storage_path, size_bytes, mime_type, uploaded_by
		FROM attachments
		WHERE document_id=$1
	`, fromDocumentID, toDocumentID)
	if err != nil {
		return 0, fmt.Errorf("copy attachments: %w", err)
	}
	copied, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("copy attachments result: %w", err)
	}
	return int(copied), nil
}

// --- change summaries ---

func (s *PostgresStore) DeleteChangeSummary(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM change_summaries WHERE document_id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete change summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertChangeSummary(ctx context.Context, item ChangeSummary) error {
	newIDs, err := json.Marshal(item.NewActionIDs)
	if err != nil {
		return fmt.Errorf("marshal new action ids: %w", err)
	}
	closedIDs, err := json.Marshal(item.ClosedActionIDs)
	if err != nil {
		return fmt.Errorf("marshal closed action ids: %w", err)
	}
	reopenedIDs, err := json.Marshal(item.ReopenedActionIDs)
	if err != nil {
		return fmt.Errorf("marshal reopened action ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO change_summaries (
			id, document_id, previous_document_id, new_action_ids, closed_action_ids,
			reopened_action_ids, has_material_changes, summary_text, visible, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.DocumentID, item.PreviousDocumentID, newIDs, closedIDs,
		reopenedIDs, item.HasMaterialChanges, item.SummaryText, item.Visible, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert change summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChangeSummary(ctx context.Context, documentID string) (ChangeSummary, error) {
	var item ChangeSummary
	var newIDs, closedIDs, reopenedIDs []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, previous_document_id, new_action_ids, closed_action_ids,
			reopened_action_ids, has_material_changes, summary_text, visible, created_by, created_at
		FROM change_summaries
		WHERE document_id=$1
	`, documentID).Scan(&item.ID, &item.DocumentID, &item.PreviousDocumentID, &newIDs, &closedIDs,
		&reopenedIDs, &item.HasMaterialChanges, &item.SummaryText, &item.Visible, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return ChangeSummary{}, err
	}
	if err := json.Unmarshal(newIDs, &item.NewActionIDs); err != nil {
		return ChangeSummary{}, fmt.Errorf("unmarshal new action ids: %w", err)
	}
	if err := json.Unmarshal(closedIDs, &item.ClosedActionIDs); err != nil {
		return ChangeSummary{}, fmt.Errorf("unmarshal closed action ids: %w", err)
	}
	if err := json.Unmarshal(reopenedIDs, &item.ReopenedActionIDs); err != nil {
		return ChangeSummary{}, fmt.Errorf("unmarshal reopened action ids: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateChangeSummaryEditorial(ctx context.Context, documentID, summaryText string, visible bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE change_summaries SET summary_text=$2, visible=$3 WHERE document_id=$1
	`, documentID, summaryText, visible)
	if err != nil {
		return fmt.Errorf("update change summary: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update change summary result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
