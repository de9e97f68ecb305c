// Package archive keeps an append-only git record of every issued
// assessment version. Each chain gets its own repository; issuing v<N>
// commits the frozen snapshot and tags it v<N>.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"assura/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Snapshot is the canonical JSON frozen at issue time.
type Snapshot struct {
	DocumentID        string                 `json:"document_id"`
	BaseDocumentID    string                 `json:"base_document_id"`
	DocType           string                 `json:"doc_type"`
	Title             string                 `json:"title"`
	VersionNumber     int                    `json:"version_number"`
	IssueDate         *time.Time             `json:"issue_date,omitempty"`
	IssuedBy          string                 `json:"issued_by,omitempty"`
	LockedPDFPath     string                 `json:"locked_pdf_path,omitempty"`
	LockedPDFChecksum string                 `json:"locked_pdf_checksum,omitempty"`
	Modules           []store.ModuleInstance `json:"modules"`
	Actions           []store.Action         `json:"actions"`
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// ArchiveIssuedVersion commits the snapshot to the chain repository and
// tags it v<N>. Re-archiving the same version updates nothing beyond an
// extra commit; the tag is left where it was.
func (s *Service) ArchiveIssuedVersion(snap Snapshot, actor string) (CommitInfo, error) {
	lock := s.chainLock(snap.BaseDocumentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(snap.BaseDocumentID)
	repo, created, err := s.ensureRepo(path)
	if err != nil {
		return CommitInfo{}, err
	}

	if !created {
		if err := checkoutMain(repo); err != nil {
			return CommitInfo{}, err
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "snapshot.json"), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add("snapshot.json"); err != nil {
		return CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	message := fmt.Sprintf("Issue v%d: %s", snap.VersionNumber, snap.Title)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  actor,
			Email: fmt.Sprintf("%s@local.assura.dev", sanitizeEmail(actor)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	if created {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return CommitInfo{}, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return CommitInfo{}, fmt.Errorf("set HEAD to main: %w", err)
		}
	}

	tag := fmt.Sprintf("v%d", snap.VersionNumber)
	_, err = repo.CreateTag(tag, hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Assura",
			Email: "assura@localhost",
			When:  time.Now(),
		},
		Message: tag,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return CommitInfo{}, fmt.Errorf("create tag: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists archive commits for a chain, newest first.
func (s *Service) History(baseDocumentID string, limit int) ([]CommitInfo, error) {
	lock := s.chainLock(baseDocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(baseDocumentID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotByTag reads the frozen snapshot of an issued version, e.g. "v2".
func (s *Service) SnapshotByTag(baseDocumentID, tag string) (Snapshot, error) {
	lock := s.chainLock(baseDocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(baseDocumentID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}

	resolved, err := repo.ResolveRevision(plumbing.Revision(tag))
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve tag %s: %w", tag, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", tag, err)
	}

	file, err := commitObj.File("snapshot.json")
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *Service) repoPath(baseDocumentID string) string {
	return filepath.Join(s.baseDir, baseDocumentID)
}

func (s *Service) chainLock(baseDocumentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[baseDocumentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[baseDocumentID] = lock
	return lock
}

func (s *Service) ensureRepo(path string) (*git.Repository, bool, error) {
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, false, fmt.Errorf("open repo: %w", err)
		}
		return repo, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func checkoutMain(repo *git.Repository) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("main"), Force: true}); err != nil {
		return fmt.Errorf("checkout main: %w", err)
	}
	return nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}
