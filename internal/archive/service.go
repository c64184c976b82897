// Package archive keeps a git mirror of community content history. One
// repository is created per content item; every recorded version becomes a
// commit touching snapshot.json. The mirror is best-effort: callers log
// failures and carry on, the database history stays authoritative.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Entry is one recorded snapshot read back from the mirror.
type Entry struct {
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

// RecordVersion commits a snapshot to the content item's mirror repository,
// initializing the repository on first use. The message should describe the
// change the same way the version record does.
func (s *Service) RecordVersion(contentType, contentID string, version int, snapshot, author, message string) error {
	lock := s.contentLock(contentType, contentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(contentType, contentID)
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	path := s.repoPath(contentType, contentID)
	if err := os.WriteFile(filepath.Join(path, "snapshot.json"), append([]byte(snapshot), '\n'), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add("snapshot.json"); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}

	commitMessage := fmt.Sprintf("v%d: %s", version, message)
	hash, err := worktree.Commit(commitMessage, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.songbook.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	tagName := fmt.Sprintf("v%d", version)
	_, err = repo.CreateTag(tagName, hash, nil)
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("tag snapshot: %w", err)
	}
	return nil
}

// History lists recorded snapshots, newest first.
func (s *Service) History(contentType, contentID string, limit int) ([]Entry, error) {
	lock := s.contentLock(contentType, contentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(contentType, contentID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	entries := make([]Entry, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		entries = append(entries, Entry{
			Hash:      commitObj.Hash.String()[:7],
			Message:   commitObj.Message,
			Author:    commitObj.Author.Name,
			CreatedAt: commitObj.Author.When,
		})
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return entries, nil
}

// ReadSnapshot returns the snapshot stored at a version tag.
func (s *Service) ReadSnapshot(contentType, contentID string, version int) (string, error) {
	lock := s.contentLock(contentType, contentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(contentType, contentID))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}

	tagName := fmt.Sprintf("v%d", version)
	hash, err := repo.ResolveRevision(plumbing.Revision(tagName))
	if err != nil {
		return "", fmt.Errorf("resolve tag %s: %w", tagName, err)
	}
	commitObj, err := repo.CommitObject(*hash)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", tagName, err)
	}

	file, err := commitObj.File("snapshot.json")
	if err != nil {
		return "", fmt.Errorf("load snapshot from commit: %w", err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read snapshot contents: %w", err)
	}
	return contents, nil
}

func (s *Service) openOrInit(contentType, contentID string) (*git.Repository, error) {
	path := s.repoPath(contentType, contentID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, fmt.Errorf("open repo: %w", err)
		}
		return repo, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(contentType, contentID string) string {
	return filepath.Join(s.baseDir, contentType, contentID)
}

func (s *Service) contentLock(contentType, contentID string) *sync.Mutex {
	key := contentType + "/" + contentID
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}
