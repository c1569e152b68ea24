package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/vanderheijden86/annosync/pkg/auditlog"
	"github.com/vanderheijden86/annosync/pkg/backup"
	"github.com/vanderheijden86/annosync/pkg/model"
	"github.com/vanderheijden86/annosync/pkg/testutil"
)

func strPtr(s string) *string { return &s }

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "annotations.json")
	s := New(path, opts...)
	if _, err := s.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return s
}

func TestLoad_MissingDocumentIsInitialized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annotations.json")
	s := New(path)

	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(doc) != 0 {
		t.Errorf("expected empty document, got %d pages", len(doc))
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected empty document to be persisted: %v", err)
	}
	if got := testutil.ReadDocument(t, path); len(got) != 0 {
		t.Errorf("expected empty document on disk, got %v", got)
	}
}

func TestLoad_ExistingDocument(t *testing.T) {
	dir := t.TempDir()
	want := testutil.NewDefault().Document(2, 3)
	path := testutil.WriteDocument(t, dir, "annotations.json", want)

	s := New(path)
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertDocumentsEqual(t, want, got)
	testutil.AssertStatsConsistent(t, got, s.Stats())
}

func TestLoad_InvalidDocumentRecoversNewestBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "annotations.json")

	old := model.Document{"pageA": {"el1": {ElementID: "el1", PageKey: "pageA", Name: "old"}}}
	newer := model.Document{"pageA": {"el1": {ElementID: "el1", PageKey: "pageA", Name: "newer"}}}

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := backup.NewManager(path, backup.WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))

	testutil.WriteDocument(t, dir, "annotations.json", old)
	if mgr.Snapshot() == "" {
		t.Fatal("first snapshot failed")
	}
	testutil.WriteDocument(t, dir, "annotations.json", newer)
	if mgr.Snapshot() == "" {
		t.Fatal("second snapshot failed")
	}

	if err := os.WriteFile(path, []byte(`["not", "a", "map"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(path, WithBackups(mgr))
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	testutil.AssertDocumentsEqual(t, newer, got)
	testutil.AssertDocumentsEqual(t, newer, testutil.ReadDocument(t, path))

	entries := s.OperationLog().Entries()
	if len(entries) != 1 || entries[0].Action != model.OpRecover || entries[0].BackupRef == "" {
		t.Errorf("expected a recover entry naming the backup, got %+v", entries)
	}
}

func TestLoad_InvalidDocumentWithoutBackupsStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "annotations.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(path)
	doc, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc) != 0 {
		t.Errorf("expected empty document, got %v", doc)
	}
	if got := testutil.ReadDocument(t, path); len(got) != 0 {
		t.Errorf("expected empty document written back, got %v", got)
	}
}

func TestUpsert_CreateThenUpdate(t *testing.T) {
	fixed := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return fixed }))

	res, err := s.Upsert("pageA", "el1", model.AnnotationPatch{Name: strPtr("A")})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if res.Operation != model.OpCreate {
		t.Errorf("expected create, got %s", res.Operation)
	}
	if res.Record.LastModified != "2026-10-17T09:30:00.000Z" {
		t.Errorf("unexpected lastModified %q", res.Record.LastModified)
	}

	res, err = s.Upsert("pageA", "el1", model.AnnotationPatch{Content: strPtr("body")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Operation != model.OpUpdate {
		t.Errorf("expected update, got %s", res.Operation)
	}
	if res.Record.Name != "A" || res.Record.Content != "body" {
		t.Errorf("expected merged record, got %+v", res.Record)
	}

	onDisk := testutil.ReadDocument(t, s.Path())
	rec, ok := onDisk.Get("pageA", "el1")
	if !ok || rec.Name != "A" || rec.Content != "body" {
		t.Errorf("disk does not reflect upsert: %+v", onDisk)
	}

	entries := s.OperationLog().Entries()
	if len(entries) != 2 || entries[0].Action != model.OpCreate || entries[1].Action != model.OpUpdate {
		t.Errorf("unexpected operation log: %+v", entries)
	}
}

func TestUpsert_RequiresKeys(t *testing.T) {
	s := newTestStore(t)
	for _, tc := range [][2]string{{"", "el"}, {"page", ""}} {
		_, err := s.Upsert(tc[0], tc[1], model.AnnotationPatch{})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Upsert(%q, %q): expected ErrInvalidInput, got %v", tc[0], tc[1], err)
		}
	}
	if s.OperationLog().Len() != 0 {
		t.Error("rejected input must not be logged")
	}
}

func TestUpsert_PersistFailureKeepsMemory(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert("p", "keep", model.AnnotationPatch{Name: strPtr("k")}); err != nil {
		t.Fatal(err)
	}

	ioErr := errors.New("disk full")
	s.writeFile = func(string, []byte, os.FileMode) error { return ioErr }

	_, err := s.Upsert("p", "lost", model.AnnotationPatch{Name: strPtr("x")})
	if !errors.Is(err, ioErr) {
		t.Fatalf("expected wrapped I/O error, got %v", err)
	}
	if _, ok := s.Get("p", "lost"); ok {
		t.Error("failed upsert must not be visible in memory")
	}
	if _, err := s.Remove("p", "keep"); !errors.Is(err, ioErr) {
		t.Fatalf("expected wrapped I/O error from Remove, got %v", err)
	}
	if _, ok := s.Get("p", "keep"); !ok {
		t.Error("failed remove must not change memory")
	}
	if _, err := s.ReplaceAll(model.Document{}); !errors.Is(err, ioErr) {
		t.Fatalf("expected wrapped I/O error from ReplaceAll, got %v", err)
	}
	if s.Stats().TotalAnnotations != 1 {
		t.Error("failed replace must not change memory")
	}
	if n := s.OperationLog().Len(); n != 1 {
		t.Errorf("failed mutations must not be logged, got %d entries", n)
	}
}

func TestRemove_DeletesAndSnapshots(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert("pageA", "el1", model.AnnotationPatch{Name: strPtr("A")}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Remove("pageA", "el1")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if removed == nil || removed.Name != "A" {
		t.Fatalf("expected removed record, got %+v", removed)
	}
	if _, ok := s.Get("pageA", "el1"); ok {
		t.Error("record still present after remove")
	}
	doc := s.All()
	if page, ok := doc["pageA"]; !ok || len(page) != 0 {
		t.Errorf("expected empty pageA to remain, got %v", doc)
	}

	infos, err := s.Backups().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected one snapshot after delete, got %d", len(infos))
	}
	snap := testutil.ReadDocument(t, infos[0].Path)
	if _, ok := snap.Get("pageA", "el1"); !ok {
		t.Error("snapshot should hold the document from before the delete")
	}

	entries := s.OperationLog().Entries()
	last := entries[len(entries)-1]
	if last.Action != model.OpDelete || last.BackupRef != infos[0].Name {
		t.Errorf("expected delete entry with backup ref, got %+v", last)
	}
}

func TestRemove_MissingIsNoop(t *testing.T) {
	s := newTestStore(t)
	before, _ := os.ReadFile(s.Path())

	removed, err := s.Remove("nope", "missing")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if removed != nil {
		t.Errorf("expected nil, got %+v", removed)
	}
	after, _ := os.ReadFile(s.Path())
	if string(before) != string(after) {
		t.Error("no-op remove rewrote the document")
	}
	if infos, _ := s.Backups().List(); len(infos) != 0 {
		t.Error("no-op remove must not snapshot")
	}
}

func TestReplaceAll_SnapshotsOnlyWhenDestructive(t *testing.T) {
	s := newTestStore(t)
	gen := testutil.NewDefault()

	res, err := s.ReplaceAll(gen.Document(2, 2))
	if err != nil {
		t.Fatal(err)
	}
	if res.BackupRef != "" {
		t.Errorf("additive replace should not snapshot, got %q", res.BackupRef)
	}
	if res.Diff.PagesAdded != 2 || res.Diff.ElementsAdded != 4 {
		t.Errorf("unexpected diff %+v", res.Diff)
	}
	if res.Stats.TotalAnnotations != 4 {
		t.Errorf("unexpected stats %+v", res.Stats)
	}

	res, err = s.ReplaceAll(gen.Document(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if res.BackupRef == "" {
		t.Error("destructive replace should snapshot")
	}
	if res.Diff.PagesRemoved != 1 || res.Diff.ElementsRemoved != 3 {
		t.Errorf("unexpected diff %+v", res.Diff)
	}
}

func TestReplaceAll_RejectsNil(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ReplaceAll(nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReplaceAll_NormalizesIdentity(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReplaceAll(model.Document{"p": {"e": {ElementID: "wrong", PageKey: "wrong", Name: "n"}}})
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Get("p", "e")
	if rec.ElementID != "e" || rec.PageKey != "p" {
		t.Errorf("identity not normalized: %+v", rec)
	}
}

func TestReload_InvalidKeepsMemory(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert("p", "e", model.AnnotationPatch{Name: strPtr("n")}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Reload(); !errors.Is(err, model.ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
	if _, ok := s.Get("p", "e"); !ok {
		t.Error("failed reload must keep in-memory state")
	}
	if infos, _ := s.Backups().List(); len(infos) != 0 {
		t.Error("reload must not recover from backups")
	}
}

func TestReload_PicksUpExternalWrite(t *testing.T) {
	s := newTestStore(t)
	external := testutil.NewDefault().Document(1, 2)
	testutil.WriteDocument(t, filepath.Dir(s.Path()), filepath.Base(s.Path()), external)

	got, err := s.Reload()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertDocumentsEqual(t, external, got)
	testutil.AssertDocumentsEqual(t, external, s.All())
}

func TestOperationLog_CappedAfterManyMutations(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 230; i++ {
		if _, err := s.Upsert("p", fmt.Sprintf("e%d", i), model.AnnotationPatch{}); err != nil {
			t.Fatal(err)
		}
	}
	entries := s.OperationLog().Entries()
	if len(entries) != auditlog.DefaultOperationCap {
		t.Fatalf("expected %d entries, got %d", auditlog.DefaultOperationCap, len(entries))
	}
	if entries[0].ElementID != "e30" {
		t.Errorf("expected oldest entries evicted first, first is %s", entries[0].ElementID)
	}
}

func TestStore_ConcurrentUpserts(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := s.Upsert(fmt.Sprintf("p%d", i), fmt.Sprintf("e%d", j), model.AnnotationPatch{}); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	testutil.AssertAnnotationCount(t, s.All(), 80)
	testutil.AssertDocumentsEqual(t, s.All(), testutil.ReadDocument(t, s.Path()))
}

// Property: upsert then load returns the input plus identity and a
// non-empty lastModified.
func TestUpsert_Property(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		path := filepath.Join(dir, fmt.Sprintf("doc-%d.json", time.Now().UnixNano()))
		s := New(path)
		if _, err := s.Load(); err != nil {
			rt.Fatal(err)
		}

		pageKey := testutil.KeyGen().Draw(rt, "pageKey")
		elementID := testutil.KeyGen().Draw(rt, "elementId")
		patch := testutil.PatchGen().Draw(rt, "patch")

		if _, err := s.Upsert(pageKey, elementID, patch); err != nil {
			rt.Fatal(err)
		}

		fresh := New(path)
		doc, err := fresh.Load()
		if err != nil {
			rt.Fatal(err)
		}
		got, ok := doc.Get(pageKey, elementID)
		if !ok {
			rt.Fatalf("record %s/%s missing after reload", pageKey, elementID)
		}
		if got.LastModified == "" {
			rt.Fatal("lastModified not stamped")
		}
		want := model.AnnotationRecord{}.Merge(patch)
		want.ElementID, want.PageKey, want.LastModified = elementID, pageKey, got.LastModified
		if !reflect.DeepEqual(want, got) {
			rt.Fatalf("got %#v, want %#v", got, want)
		}
	})
}

// Property: replaceAll(X) then load() == X, and stats always agree with
// the document.
func TestReplaceAll_RoundTripProperty(t *testing.T) {
	s := newTestStore(t)
	rapid.Check(t, func(rt *rapid.T) {
		doc := testutil.DocumentGen().Draw(rt, "doc")
		res, err := s.ReplaceAll(doc)
		if err != nil {
			rt.Fatal(err)
		}
		testutil.AssertStatsConsistent(rt, doc, res.Stats)

		loaded, err := New(s.Path()).Load()
		if err != nil {
			rt.Fatal(err)
		}
		testutil.AssertDocumentsEqual(rt, doc, loaded)
		testutil.AssertStatsConsistent(rt, loaded, s.Stats())
	})
}

func TestLoad_KeepsNonStringFieldValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annotations.json")
	raw := []byte(`{"pageA":{"el1":{"elementId":"el1","pageKey":"pageA","content":"keep me","timestamp":1700000000000,"name":null,"resolved":true}}}`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(path)
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	rec, ok := doc.Get("pageA", "el1")
	if !ok {
		t.Fatal("record lost on load")
	}
	if rec.Content != "keep me" {
		t.Errorf("content = %q", rec.Content)
	}
	if rec.Extra["timestamp"] != float64(1700000000000) {
		t.Errorf("numeric timestamp not kept: %#v", rec.Extra)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(onDisk) != string(raw) {
		t.Errorf("a valid document must not be rewritten on load, got %s", onDisk)
	}
	infos, err := s.Backups().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("recovery ran on a valid document: %v", infos)
	}

	// An external edit with the same shape is accepted by Reload too.
	if err := os.WriteFile(path, []byte(`{"pageA":{"el1":{"content":42}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err = s.Reload()
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := doc["pageA"]["el1"].Extra["content"]; got != float64(42) {
		t.Errorf("numeric content not kept on reload: %v", got)
	}
}

func TestUpsert_TextReplacesRawValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annotations.json")
	raw := `{"p":{"e":{"timestamp":1700000000000,"lastModified":5,"content":"c"}}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(path)
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}

	res, err := s.Upsert("p", "e", model.AnnotationPatch{Timestamp: strPtr("2026-02-01T10:00:00.000Z")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Operation != model.OpUpdate {
		t.Errorf("operation = %s", res.Operation)
	}
	if _, ok := res.Record.Extra["timestamp"]; ok {
		t.Error("raw timestamp kept next to the new text value")
	}
	if _, ok := res.Record.Extra["lastModified"]; ok {
		t.Error("raw lastModified kept after stamping")
	}

	got := testutil.ReadDocument(t, path)["p"]["e"]
	if got.Timestamp != "2026-02-01T10:00:00.000Z" || got.Content != "c" || len(got.Extra) != 0 {
		t.Errorf("unexpected record on disk: %#v", got)
	}
}
