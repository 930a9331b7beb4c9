package history

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lessonplan/api/internal/room"
)

func sampleContent(title string) Content {
	created := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	return Content{
		Plan: room.LessonPlan{Title: title, CreatorID: "user_1", CreatedAt: created, UpdatedAt: created},
		Bloqs: []room.Bloq{
			{ID: "b1", Type: room.KindObjective, Title: "Goal", Order: 0, CreatedAt: created, UpdatedAt: created},
			{ID: "b2", Type: room.KindActivity, Content: `{"type":"doc"}`, Order: 1, CreatedAt: created, UpdatedAt: created},
		},
		Settings: room.Settings{"gradeLevel": "5"},
	}
}

func TestCommitSnapshotLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, created, err := svc.CommitSnapshot("doc-1", sampleContent("Volcanoes"), "Avery", "Room closed")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if !created || first.Hash == "" {
		t.Fatalf("expected a new commit, got %+v created=%v", first, created)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1", snapshotFile)); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	same, created, err := svc.CommitSnapshot("doc-1", sampleContent("Volcanoes"), "Avery", "Room closed")
	if err != nil {
		t.Fatalf("CommitSnapshot() unchanged error = %v", err)
	}
	if created || same.Hash != first.Hash {
		t.Fatalf("unchanged content must not commit: %+v created=%v", same, created)
	}

	second, created, err := svc.CommitSnapshot("doc-1", sampleContent("Volcanoes and plates"), "Blair", "Room closed")
	if err != nil || !created {
		t.Fatalf("CommitSnapshot() changed error = %v created=%v", err, created)
	}

	history, err := svc.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash || history[1].Hash != first.Hash {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[0].Author != "Blair" {
		t.Fatalf("expected author Blair, got %q", history[0].Author)
	}

	limited, err := svc.History("doc-1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("History(limit=1) = %v, %v", limited, err)
	}

	content, commit, err := svc.At("doc-1", first.Hash)
	if err != nil {
		t.Fatalf("At() error = %v", err)
	}
	if content.Plan.Title != "Volcanoes" || len(content.Bloqs) != 2 || commit.Hash != first.Hash {
		t.Fatalf("unexpected content at %s: %+v", first.Hash, content)
	}
	if content.Bloqs[1].Content != `{"type":"doc"}` || content.Settings["gradeLevel"] != "5" {
		t.Fatalf("snapshot fields lost: %+v", content)
	}
}

func TestHistoryOfUnknownDocumentIsEmpty(t *testing.T) {
	svc := New(t.TempDir())
	history, err := svc.History("missing", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %v", history)
	}
	if _, _, err := svc.At("missing", "abc1234"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("At() error = %v, want ErrNoHistory", err)
	}
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	svc := New(t.TempDir())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := svc.CommitSnapshot("doc-1", sampleContent(string(rune('A'+i))), "Avery", "edit")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent commit failed: %v", err)
		}
	}

	history, err := svc.History("doc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 commits, got %d", len(history))
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	svc := New(dir)
	if _, _, err := svc.CommitSnapshot("doc-1", sampleContent("X"), "Avery", "edit"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Remove("doc-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "doc-1")); !os.IsNotExist(err) {
		t.Fatalf("expected repo removed, stat err = %v", err)
	}
}

func TestRepoPathStaysInsideBaseDir(t *testing.T) {
	svc := New("/data/history")
	if got := svc.repoPath("../../etc"); got != "/data/history/etc" {
		t.Fatalf("repoPath escaped base dir: %s", got)
	}
}
