// Package pdflock binds a rendered PDF to a document version. A binding
// on a draft may be replaced; once the version is issued the bytes, path
// and checksum are frozen and every download re-verifies the checksum.
package pdflock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"assura/api/internal/store"
)

// BlobStore is the object storage the locked artifacts live in.
type BlobStore interface {
	Put(ctx context.Context, objectPath string, data []byte, contentType string) error
	Get(ctx context.Context, objectPath string) ([]byte, error)
}

type dataStore interface {
	SetDocumentPDFLock(ctx context.Context, documentID, path, checksum string, sizeBytes int64, generatedAt time.Time) error
	RecordPDFGenerationError(ctx context.Context, documentID, message string) error
}

var (
	ErrNotDraft         = errors.New("locked PDFs are write-once after issue")
	ErrNotLocked        = errors.New("document has no locked PDF")
	ErrChecksumMismatch = errors.New("locked PDF failed integrity check")
)

// Checksum is the content fingerprint stored alongside the artifact.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type Manager struct {
	blobs BlobStore
	store dataStore
	now   func() time.Time
}

func NewManager(blobs BlobStore, store dataStore) *Manager {
	return &Manager{blobs: blobs, store: store, now: time.Now}
}

// LockResult describes the recorded binding.
type LockResult struct {
	Path        string
	Checksum    string
	SizeBytes   int64
	GeneratedAt time.Time
}

// Lock uploads the rendered PDF and then records the binding on the
// document row, in that order: a row must never reference bytes that are
// not in object storage. Failures at either stage are recorded as the
// version's pdf_generation_error.
func (m *Manager) Lock(ctx context.Context, doc store.Document, pdf []byte) (LockResult, error) {
	if doc.IssueStatus != store.IssueStatusDraft {
		return LockResult{}, ErrNotDraft
	}
	if len(pdf) == 0 {
		msg := "rendered PDF is empty"
		if err := m.store.RecordPDFGenerationError(ctx, doc.ID, msg); err != nil {
			return LockResult{}, fmt.Errorf("record pdf failure: %w", err)
		}
		return LockResult{}, errors.New(msg)
	}

	generatedAt := m.now()
	result := LockResult{
		Path:        fmt.Sprintf("%s/%s/v%d/%d.pdf", doc.OrgID, doc.BaseDocumentID, doc.VersionNumber, generatedAt.Unix()),
		Checksum:    Checksum(pdf),
		SizeBytes:   int64(len(pdf)),
		GeneratedAt: generatedAt,
	}

	if err := m.blobs.Put(ctx, result.Path, pdf, "application/pdf"); err != nil {
		if recErr := m.store.RecordPDFGenerationError(ctx, doc.ID, err.Error()); recErr != nil {
			return LockResult{}, fmt.Errorf("upload locked pdf: %v (record failure: %w)", err, recErr)
		}
		return LockResult{}, fmt.Errorf("upload locked pdf: %w", err)
	}

	if err := m.store.SetDocumentPDFLock(ctx, doc.ID, result.Path, result.Checksum, result.SizeBytes, generatedAt); err != nil {
		if recErr := m.store.RecordPDFGenerationError(ctx, doc.ID, err.Error()); recErr != nil {
			return LockResult{}, fmt.Errorf("record locked pdf: %v (record failure: %w)", err, recErr)
		}
		return LockResult{}, fmt.Errorf("record locked pdf: %w", err)
	}

	return result, nil
}

// VerifyIntegrity checks served bytes against the recorded checksum.
func (m *Manager) VerifyIntegrity(doc store.Document, data []byte) error {
	if doc.LockedPDFChecksum == "" {
		return ErrNotLocked
	}
	if Checksum(data) != doc.LockedPDFChecksum {
		return ErrChecksumMismatch
	}
	return nil
}

// Download fetches the locked artifact and refuses to serve bytes that
// do not match the recorded checksum.
func (m *Manager) Download(ctx context.Context, doc store.Document) ([]byte, error) {
	if doc.LockedPDFPath == "" {
		return nil, ErrNotLocked
	}
	data, err := m.blobs.Get(ctx, doc.LockedPDFPath)
	if err != nil {
		return nil, fmt.Errorf("fetch locked pdf: %w", err)
	}
	if err := m.VerifyIntegrity(doc, data); err != nil {
		return nil, err
	}
	return data, nil
}
