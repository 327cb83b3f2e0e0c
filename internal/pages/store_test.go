package pages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:pages_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Page{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := NewStore(StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func stringPtr(value string) *string {
	return &value
}

func TestCreateValidatesTitle(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		title string
	}{
		{name: "empty", title: ""},
		{name: "whitespace", title: "   "},
		{name: "too_long", title: strings.Repeat("x", 201)},
		{name: "forbidden_slash", title: "notes/today"},
		{name: "forbidden_question", title: "why?"},
	}
	for _, testCase := range cases {
		if _, err := store.Create(ctx, CreateFields{Title: testCase.title}); !errors.Is(err, ErrInvalidTitle) {
			t.Fatalf("%s: expected ErrInvalidTitle, got %v", testCase.name, err)
		}
	}
}

func TestCreateRejectsUnknownContentType(t *testing.T) {
	store := newTestStore(t, nil)
	if _, err := store.Create(context.Background(), CreateFields{Title: "Notes", ContentType: "video"}); !errors.Is(err, ErrInvalidContentType) {
		t.Fatalf("expected ErrInvalidContentType, got %v", err)
	}
}

func TestCreateStartsDirtyWithoutServerID(t *testing.T) {
	store := newTestStore(t, nil)
	page, err := store.Create(context.Background(), CreateFields{Title: "Notes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.ServerID != nil {
		t.Fatalf("expected no server id, got %v", *page.ServerID)
	}
	if !page.IsDirty {
		t.Fatalf("expected new page to be dirty")
	}
	if page.LastSyncedAt != nil {
		t.Fatalf("expected no last synced timestamp")
	}
	if page.CreatedAt == "" || page.CreatedAt != page.UpdatedAt {
		t.Fatalf("expected matching timestamps, got %q and %q", page.CreatedAt, page.UpdatedAt)
	}
}

func TestCreateWithUniqueTitleSuffixes(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	expected := []string{"Untitled Page", "Untitled Page (2)", "Untitled Page (3)"}
	for _, want := range expected {
		page, err := store.CreateWithUniqueTitle(ctx, "Untitled Page", CreateFields{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if page.Title != want {
			t.Fatalf("expected title %q, got %q", want, page.Title)
		}
	}
}

func TestCreateWithUniqueTitleRegexMetacharacters(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	first, err := store.CreateWithUniqueTitle(ctx, "A.B-C!", CreateFields{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Title != "A.B-C!" {
		t.Fatalf("expected plain title, got %q", first.Title)
	}
	second, err := store.CreateWithUniqueTitle(ctx, "A.B-C!", CreateFields{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Title != "A.B-C! (2)" {
		t.Fatalf("expected suffixed title, got %q", second.Title)
	}
}

func TestCreateWithUniqueTitleConcurrent(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	const workers = 5
	var wg sync.WaitGroup
	titles := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := store.CreateWithUniqueTitle(ctx, "Untitled Page", CreateFields{})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			titles <- page.Title
		}()
	}
	wg.Wait()
	close(titles)

	seen := make(map[string]bool)
	for title := range titles {
		if seen[title] {
			t.Fatalf("duplicate title %q", title)
		}
		seen[title] = true
	}
	expected := []string{"Untitled Page", "Untitled Page (2)", "Untitled Page (3)", "Untitled Page (4)", "Untitled Page (5)"}
	for _, want := range expected {
		if !seen[want] {
			t.Fatalf("missing expected title %q; got %v", want, seen)
		}
	}
}

func TestUpdateMissingPage(t *testing.T) {
	store := newTestStore(t, nil)
	if _, err := store.Update(context.Background(), 99, UpdateFields{Content: stringPtr("x")}); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
}

func TestUpdateWithUniqueTitleNoOpRename(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	page, err := store.CreateWithUniqueTitle(ctx, "Journal", CreateFields{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	renamed, err := store.UpdateWithUniqueTitle(ctx, page.LocalID, "Journal", UpdateFields{Content: stringPtr("body")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renamed.Title != "Journal" {
		t.Fatalf("expected unchanged title, got %q", renamed.Title)
	}
}

func TestUpdateWithUniqueTitleAvoidsCollision(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := store.CreateWithUniqueTitle(ctx, "Alpha", CreateFields{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	other, err := store.CreateWithUniqueTitle(ctx, "Beta", CreateFields{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	renamed, err := store.UpdateWithUniqueTitle(ctx, other.LocalID, "Alpha", UpdateFields{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renamed.Title != "Alpha (2)" {
		t.Fatalf("expected collision suffix, got %q", renamed.Title)
	}
}

func TestDirtyFlagLifecycle(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	page, err := store.Create(ctx, CreateFields{Title: "Notes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	synced, err := store.MarkSynced(ctx, page.LocalID, "srv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if synced.IsDirty {
		t.Fatalf("expected clean record after mark synced")
	}
	if synced.ServerID == nil || *synced.ServerID != "srv-1" {
		t.Fatalf("expected server id to be attached")
	}
	if synced.LastSyncedAt == nil {
		t.Fatalf("expected last synced timestamp")
	}

	updated, err := store.Update(ctx, page.LocalID, UpdateFields{Content: stringPtr("<p>hi</p>")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.IsDirty {
		t.Fatalf("expected update to dirty the record again")
	}
}

func TestMarkSyncedIdempotent(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, func() time.Time { return current })
	ctx := context.Background()

	page, err := store.Create(ctx, CreateFields{Title: "Notes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := store.MarkSynced(ctx, page.LocalID, "srv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	current = current.Add(time.Minute)
	second, err := store.MarkSynced(ctx, page.LocalID, "srv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *second.ServerID != *first.ServerID || second.IsDirty {
		t.Fatalf("expected identical synced state, got %+v", second)
	}
	if *second.LastSyncedAt < *first.LastSyncedAt {
		t.Fatalf("expected last synced to be non-decreasing")
	}
}

func TestMarkSyncedIfUnchangedSettlesMatchingState(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	page, err := store.Create(ctx, CreateFields{Title: "Notes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	synced, settled, err := store.MarkSyncedIfUnchanged(ctx, page.LocalID, "srv-1", page.UpdatedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !settled {
		t.Fatalf("expected unchanged record to settle")
	}
	if synced.IsDirty {
		t.Fatalf("expected dirty flag cleared")
	}
	if synced.ServerID == nil || *synced.ServerID != "srv-1" {
		t.Fatalf("expected server id attached, got %v", synced.ServerID)
	}
	if synced.LastSyncedAt == nil {
		t.Fatalf("expected reconciliation timestamp")
	}
}

func TestMarkSyncedIfUnchangedKeepsDirtyAfterNewerEdit(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, func() time.Time { return current })
	ctx := context.Background()

	page, err := store.Create(ctx, CreateFields{Title: "Notes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pushedAt := page.UpdatedAt

	current = current.Add(time.Second)
	content := "edited while the push was in flight"
	if _, err := store.Update(ctx, page.LocalID, UpdateFields{Content: &content}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	synced, settled, err := store.MarkSyncedIfUnchanged(ctx, page.LocalID, "srv-1", pushedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settled {
		t.Fatalf("expected edited record not to settle")
	}
	if !synced.IsDirty {
		t.Fatalf("expected dirty flag to survive the acknowledgement")
	}
	if synced.ServerID == nil || *synced.ServerID != "srv-1" {
		t.Fatalf("expected server id attached regardless, got %v", synced.ServerID)
	}
	if synced.Content == nil || *synced.Content != content {
		t.Fatalf("expected edit to survive, got %v", synced.Content)
	}
}

func TestSoftDeleteExclusion(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	page, err := store.Create(ctx, CreateFields{Title: "Notes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.SoftDelete(ctx, page.LocalID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	active, err := store.ListActive(ctx, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected deleted page to be excluded from active list")
	}

	dirty, err := store.ListDirty(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dirty) != 1 || !dirty[0].Deleted {
		t.Fatalf("expected deleted page to remain visible to sync, got %+v", dirty)
	}
}

func TestSearchThreshold(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := store.Create(ctx, CreateFields{Title: "abc notes"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	short, err := store.Search(ctx, "ab", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(short) != 0 {
		t.Fatalf("expected short query to return nothing")
	}

	matches, err := store.Search(ctx, "abc", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %d", len(matches))
	}
}

func TestSearchRanksTitleMatchesFirst(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, func() time.Time { return current })
	ctx := context.Background()

	// Content-only match is more recent: title match must still rank first.
	if _, err := store.Create(ctx, CreateFields{Title: "kayak trip"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	current = current.Add(time.Hour)
	if _, err := store.Create(ctx, CreateFields{Title: "packing list", Content: stringPtr("bring the kayak paddle")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matches, err := store.Search(ctx, "kayak", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected two matches, got %d", len(matches))
	}
	if matches[0].Title != "kayak trip" {
		t.Fatalf("expected title match first, got %q", matches[0].Title)
	}
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := store.Create(ctx, CreateFields{Title: "Meeting Agenda"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	matches, err := store.Search(ctx, "AGENDA", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected case-insensitive match, got %d results", len(matches))
	}
}

func TestSearchExcludesDeleted(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	page, err := store.Create(ctx, CreateFields{Title: "kayak trip"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.SoftDelete(ctx, page.LocalID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matches, err := store.Search(ctx, "kayak", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected deleted pages to be unsearchable")
	}
}

func TestSearchTreatsWildcardsAsLiterals(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := store.Create(ctx, CreateFields{Title: "progress 100%"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Create(ctx, CreateFields{Title: "progress report"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Create(ctx, CreateFields{Title: "env_vars"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Create(ctx, CreateFields{Title: "envXvars"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matches, err := store.Search(ctx, "100%", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 || matches[0].Title != "progress 100%" {
		t.Fatalf("expected percent to match literally, got %d results", len(matches))
	}

	matches, err = store.Search(ctx, "env_", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 || matches[0].Title != "env_vars" {
		t.Fatalf("expected underscore to match literally, got %d results", len(matches))
	}
}

func TestListNewAndListModified(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	fresh, err := store.Create(ctx, CreateFields{Title: "Fresh"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	known, err := store.Create(ctx, CreateFields{Title: "Known"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.MarkSynced(ctx, known.LocalID, "srv-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Update(ctx, known.LocalID, UpdateFields{Content: stringPtr("edited")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newPages, err := store.ListNew(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(newPages) != 1 || newPages[0].LocalID != fresh.LocalID {
		t.Fatalf("expected only the fresh page in list-new, got %+v", newPages)
	}

	modified, err := store.ListModified(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(modified) != 1 || modified[0].LocalID != known.LocalID {
		t.Fatalf("expected only the known page in list-modified, got %+v", modified)
	}
}

func TestApplyServerSnapshotOverwrites(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	page, err := store.Create(ctx, CreateFields{Title: "Local Title"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	applied, err := store.ApplyServerSnapshot(ctx, page.LocalID, ServerSnapshot{
		Title:       "Server Title",
		ContentType: ContentTypePage,
		Description: stringPtr("summary"),
		UpdatedAt:   "2025-01-01T00:00:00.000Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied.Title != "Server Title" {
		t.Fatalf("expected server title, got %q", applied.Title)
	}
	if applied.IsDirty {
		t.Fatalf("expected record to be clean after snapshot")
	}
	if applied.UpdatedAt != "2025-01-01T00:00:00.000Z" {
		t.Fatalf("expected server update time, got %q", applied.UpdatedAt)
	}
	if applied.LastSyncedAt == nil {
		t.Fatalf("expected last synced timestamp")
	}
}

func TestApplyServerSnapshotIfCleanSkipsDirty(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	page, err := store.Create(ctx, CreateFields{Title: "Edited Locally"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kept, applied, err := store.ApplyServerSnapshotIfClean(ctx, page.LocalID, ServerSnapshot{
		Title:       "Server Title",
		ContentType: ContentTypePage,
		UpdatedAt:   "2025-01-01T00:00:00.000Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatalf("expected dirty record to be skipped")
	}
	if kept.Title != "Edited Locally" {
		t.Fatalf("expected local edits to survive, got %q", kept.Title)
	}
	if !kept.IsDirty {
		t.Fatalf("expected record to stay dirty for the next push")
	}
}

func TestCreateFromServerIsBornClean(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	page, err := store.CreateFromServer(ctx, "srv-7", ServerSnapshot{
		Title:       "Remote Page",
		ContentType: ContentTypeCanvas,
		UpdatedAt:   "2025-01-01T00:00:00.000Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.IsDirty {
		t.Fatalf("expected pulled page to be clean")
	}
	if page.ServerID == nil || *page.ServerID != "srv-7" {
		t.Fatalf("expected server id to be attached")
	}
	if page.CreatedAt != page.UpdatedAt {
		t.Fatalf("expected creation time to mirror the snapshot update time")
	}
}

func TestFindByServerIDMissing(t *testing.T) {
	store := newTestStore(t, nil)
	page, err := store.FindByServerID(context.Background(), "srv-unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page != nil {
		t.Fatalf("expected nil for unknown server id")
	}
}

func TestListActivePagination(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, func() time.Time { return current })
	ctx := context.Background()

	for _, title := range []string{"First", "Second", "Third"} {
		if _, err := store.Create(ctx, CreateFields{Title: title}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		current = current.Add(time.Minute)
	}

	page, err := store.ListActive(ctx, 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 1 || page[0].Title != "Second" {
		t.Fatalf("expected second-most-recent page, got %+v", page)
	}
}
