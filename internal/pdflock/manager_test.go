package pdflock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"assura/api/internal/store"
)

type fakeBlobStore struct {
	objects map[string][]byte
	putErr  error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(ctx context.Context, objectPath string, data []byte, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[objectPath] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBlobStore) Get(ctx context.Context, objectPath string) ([]byte, error) {
	data, ok := f.objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectPath)
	}
	return data, nil
}

type fakeDataStore struct {
	lockedPath     string
	lockedChecksum string
	lockedSize     int64
	recordedError  string
	lockErr        error
}

func (f *fakeDataStore) SetDocumentPDFLock(ctx context.Context, documentID, path, checksum string, sizeBytes int64, generatedAt time.Time) error {
	if f.lockErr != nil {
		return f.lockErr
	}
	f.lockedPath = path
	f.lockedChecksum = checksum
	f.lockedSize = sizeBytes
	return nil
}

func (f *fakeDataStore) RecordPDFGenerationError(ctx context.Context, documentID, message string) error {
	f.recordedError = message
	return nil
}

func draftDoc() store.Document {
	return store.Document{
		ID:             "doc-2",
		BaseDocumentID: "doc-1",
		OrgID:          "org-1",
		VersionNumber:  2,
		IssueStatus:    store.IssueStatusDraft,
	}
}

func TestLockRecordsBinding(t *testing.T) {
	blobs := newFakeBlobStore()
	ds := &fakeDataStore{}
	m := NewManager(blobs, ds)
	m.now = func() time.Time { return time.Unix(1700000000, 0) }

	pdf := []byte("%PDF-1.7 report")
	result, err := m.Lock(context.Background(), draftDoc(), pdf)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	wantPath := "org-1/doc-1/v2/1700000000.pdf"
	if result.Path != wantPath {
		t.Fatalf("Lock() path = %q, want %q", result.Path, wantPath)
	}
	if result.Checksum != Checksum(pdf) {
		t.Fatalf("Lock() checksum = %q, want %q", result.Checksum, Checksum(pdf))
	}
	if result.SizeBytes != int64(len(pdf)) {
		t.Fatalf("Lock() size = %d, want %d", result.SizeBytes, len(pdf))
	}
	if _, ok := blobs.objects[wantPath]; !ok {
		t.Fatal("expected uploaded object at recorded path")
	}
	if ds.lockedPath != wantPath || ds.lockedChecksum != result.Checksum {
		t.Fatalf("expected row binding to match upload, got %q %q", ds.lockedPath, ds.lockedChecksum)
	}
}

func TestLockRefusesNonDraft(t *testing.T) {
	m := NewManager(newFakeBlobStore(), &fakeDataStore{})
	doc := draftDoc()
	doc.IssueStatus = store.IssueStatusIssued

	if _, err := m.Lock(context.Background(), doc, []byte("pdf")); !errors.Is(err, ErrNotDraft) {
		t.Fatalf("expected ErrNotDraft, got %v", err)
	}
}

func TestLockUploadFailureRecordsError(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.putErr = errors.New("bucket unavailable")
	ds := &fakeDataStore{}
	m := NewManager(blobs, ds)

	_, err := m.Lock(context.Background(), draftDoc(), []byte("pdf"))
	if err == nil {
		t.Fatal("expected upload failure to propagate")
	}
	if !strings.Contains(ds.recordedError, "bucket unavailable") {
		t.Fatalf("expected failure recorded on the row, got %q", ds.recordedError)
	}
	if ds.lockedPath != "" {
		t.Fatal("row must not reference an object that was never uploaded")
	}
}

func TestLockEmptyPDFRecordsError(t *testing.T) {
	ds := &fakeDataStore{}
	m := NewManager(newFakeBlobStore(), ds)

	if _, err := m.Lock(context.Background(), draftDoc(), nil); err == nil {
		t.Fatal("expected empty PDF to fail")
	}
	if ds.recordedError == "" {
		t.Fatal("expected failure recorded on the row")
	}
}

func TestRelockDraftReplacesBinding(t *testing.T) {
	blobs := newFakeBlobStore()
	ds := &fakeDataStore{}
	m := NewManager(blobs, ds)

	ts := int64(1700000000)
	m.now = func() time.Time { ts++; return time.Unix(ts, 0) }

	first, err := m.Lock(context.Background(), draftDoc(), []byte("draft one"))
	if err != nil {
		t.Fatalf("first Lock() error = %v", err)
	}
	second, err := m.Lock(context.Background(), draftDoc(), []byte("draft two"))
	if err != nil {
		t.Fatalf("second Lock() error = %v", err)
	}
	if first.Path == second.Path {
		t.Fatal("expected regeneration to upload a new object")
	}
	if ds.lockedChecksum != second.Checksum {
		t.Fatal("expected the row to reference the latest binding")
	}
}

func TestDownloadVerifiesChecksum(t *testing.T) {
	blobs := newFakeBlobStore()
	ds := &fakeDataStore{}
	m := NewManager(blobs, ds)

	pdf := []byte("issued report")
	doc := draftDoc()
	result, err := m.Lock(context.Background(), doc, pdf)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	issued := doc
	issued.IssueStatus = store.IssueStatusIssued
	issued.LockedPDFPath = result.Path
	issued.LockedPDFChecksum = result.Checksum

	got, err := m.Download(context.Background(), issued)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if string(got) != string(pdf) {
		t.Fatal("expected exactly the locked bytes")
	}

	// Tamper with the stored object; download must refuse to serve it.
	blobs.objects[result.Path] = []byte("tampered")
	if _, err := m.Download(context.Background(), issued); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestDownloadWithoutLock(t *testing.T) {
	m := NewManager(newFakeBlobStore(), &fakeDataStore{})
	if _, err := m.Download(context.Background(), draftDoc()); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
}
