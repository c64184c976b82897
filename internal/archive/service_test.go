package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestRecordAndReadBack(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first := `{"title":"Amazing Grace","artist":"Traditional"}`
	if err := svc.RecordVersion("song", "song-1", 1, first, "maria", "Initial snapshot"); err != nil {
		t.Fatalf("RecordVersion() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "song", "song-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	second := `{"title":"Amazing Grace","artist":"John Newton"}`
	if err := svc.RecordVersion("song", "song-1", 2, second, "tomas", "Corrected artist"); err != nil {
		t.Fatalf("RecordVersion() error = %v", err)
	}

	history, err := svc.History("song", "song-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Author != "tomas" {
		t.Fatalf("expected newest commit first, got %+v", history[0])
	}

	got, err := svc.ReadSnapshot("song", "song-1", 1)
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if got != first+"\n" {
		t.Fatalf("unexpected v1 snapshot: %q", got)
	}
}

func TestContentTypesDoNotCollide(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.RecordVersion("song", "item-1", 1, `{"kind":"song"}`, "maria", "song snapshot"); err != nil {
		t.Fatalf("RecordVersion(song) error = %v", err)
	}
	if err := svc.RecordVersion("arrangement", "item-1", 1, `{"kind":"arrangement"}`, "maria", "arrangement snapshot"); err != nil {
		t.Fatalf("RecordVersion(arrangement) error = %v", err)
	}

	got, err := svc.ReadSnapshot("arrangement", "item-1", 1)
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if got != "{\"kind\":\"arrangement\"}\n" {
		t.Fatalf("unexpected snapshot: %q", got)
	}
}

func TestConcurrentRecordSameContent(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			snapshot := fmt.Sprintf(`{"rev":%d}`, idx)
			if err := svc.RecordVersion("song", "song-1", idx+1, snapshot, "maria", fmt.Sprintf("Edit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("RecordVersion() concurrent error = %v", err)
		}
	}

	history, err := svc.History("song", "song-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits in history, got %d", writers, len(history))
	}
}

func TestHistoryOnMissingRepoFails(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.History("song", "never-recorded", 10); err == nil {
		t.Fatal("expected error for missing repo")
	}
}
