package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonwraymond/pagecache/objectstore"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "objects.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func newObjectStore(t *testing.T, repo objectstore.Repository) *objectstore.Store {
	t.Helper()
	class, err := objectstore.NewClass(objectstore.Class{
		ID: "page",
		Fields: []*objectstore.Field{
			{Name: "title", Type: objectstore.FieldText, Mandatory: true, Filterable: true},
			{Name: "weight", Type: objectstore.FieldNumber, Filterable: true},
			{Name: "links", Type: objectstore.FieldRelation, Filterable: true},
			{Name: "body", Type: objectstore.FieldText},
		},
	})
	if err != nil {
		t.Fatalf("new class: %v", err)
	}
	s, err := objectstore.New(objectstore.Options{Repository: repo, Classes: []*objectstore.Class{class}})
	if err != nil {
		t.Fatalf("new object store: %v", err)
	}
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "objects.db")
	for i := 0; i < 2; i++ {
		store, err := Open(context.Background(), path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("close #%d: %v", i+1, err)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTempStore(t)
	s := newObjectStore(t, repo)

	o := objectstore.NewObject("page")
	o.SetPublished(true)
	o.SetKey("home")
	o.Set("title", "Home")
	o.Set("weight", 3)
	o.Set("links", []any{float64(7), float64(9)})
	o.Tasks = []objectstore.Task{{Date: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Action: "unpublish", Active: true}}
	if err := s.Save(ctx, o, objectstore.SaveOptions{VersionNote: "first"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Key() != "home" || !got.Published() || got.VersionCount != 1 {
		t.Fatalf("loaded = key %q published %v version %d", got.Key(), got.Published(), got.VersionCount)
	}
	if got.Get("title") != "Home" {
		t.Fatalf("title = %v, want Home", got.Get("title"))
	}
	if got.Get("weight") != float64(3) {
		t.Fatalf("weight = %v, want 3", got.Get("weight"))
	}
	if len(got.Tasks) != 1 || got.Tasks[0].Action != "unpublish" || !got.Tasks[0].Date.Equal(o.Tasks[0].Date) {
		t.Fatalf("tasks = %+v", got.Tasks)
	}
	if len(got.DirtyFields()) != 0 {
		t.Fatalf("loaded object has dirty fields %v", got.DirtyFields())
	}

	versions, err := s.GetVersions(ctx, o.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 1 || versions[0].Note != "first" {
		t.Fatalf("versions = %+v", versions)
	}
	if versions[0].Object().Get("title") != "Home" {
		t.Fatalf("version snapshot title = %v", versions[0].Object().Get("title"))
	}
}

func TestPartialFieldUpdateKeepsOtherFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTempStore(t)
	s := newObjectStore(t, repo)

	o := objectstore.NewObject("page")
	o.SetPublished(true)
	o.Set("title", "Before")
	o.Set("body", "original body")
	if err := s.Save(ctx, o, objectstore.SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}

	o.Set("title", "After")
	if err := s.Save(ctx, o, objectstore.SaveOptions{}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Get("title") != "After" || got.Get("body") != "original body" {
		t.Fatalf("fields = %v", got.Fields())
	}
	if got.VersionCount != 2 {
		t.Fatalf("version count = %d, want 2", got.VersionCount)
	}

	o.Set("body", nil)
	if err := s.Save(ctx, o, objectstore.SaveOptions{}); err != nil {
		t.Fatalf("clear body: %v", err)
	}
	got, _ = s.Get(ctx, o.ID)
	if got.Get("body") != nil {
		t.Fatalf("body = %v, want cleared", got.Get("body"))
	}
}

func TestFindByField(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTempStore(t)
	s := newObjectStore(t, repo)

	mk := func(title string, weight int, published bool, links ...any) *objectstore.Object {
		o := objectstore.NewObject("page")
		o.SetPublished(published)
		o.Set("title", title)
		o.Set("weight", weight)
		if len(links) > 0 {
			o.Set("links", links)
		}
		if err := s.Save(ctx, o, objectstore.SaveOptions{}); err != nil {
			t.Fatalf("save %s: %v", title, err)
		}
		return o
	}
	a := mk("Alpha", 1, true)
	b := mk("Beta", 2, true, float64(a.ID))
	mk("Alpha", 3, false)

	got, err := s.FindByField(ctx, "page", "Title", "Alpha", objectstore.FindOptions{})
	if err != nil {
		t.Fatalf("find title: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("find title = %d objects", len(got))
	}

	got, _ = s.FindByField(ctx, "page", "title", "Alpha", objectstore.FindOptions{IncludeUnpublished: true})
	if len(got) != 2 {
		t.Fatalf("find title with unpublished = %d objects, want 2", len(got))
	}

	got, _ = s.FindByField(ctx, "page", "weight", 2, objectstore.FindOptions{})
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("find weight = %d objects", len(got))
	}

	got, err = s.FindByField(ctx, "page", "links", a.ID, objectstore.FindOptions{})
	if err != nil {
		t.Fatalf("find links: %v", err)
	}
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("find links = %d objects", len(got))
	}

	got, _ = s.FindByField(ctx, "page", "published", true, objectstore.FindOptions{Limit: 1, Offset: 1})
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("find published page 2 = %d objects", len(got))
	}

	if _, err := s.FindByField(ctx, "page", "body", "x", objectstore.FindOptions{}); !errors.Is(err, objectstore.ErrNotFilterable) {
		t.Fatalf("find body error = %v, want ErrNotFilterable", err)
	}
}

func TestDeleteAndPurgeVersions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTempStore(t)
	s := newObjectStore(t, repo)

	o := objectstore.NewObject("page")
	o.Set("title", "Gone")
	o.Tasks = []objectstore.Task{{Action: "publish", Active: true}}
	if err := s.Save(ctx, o, objectstore.SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Delete(ctx, o.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, o.ID); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("get after delete error = %v, want ErrNotFound", err)
	}
	versions, err := s.GetVersions(ctx, o.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("versions after delete = %d, want 0", len(versions))
	}
}

func TestDeleteVersionsByID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTempStore(t)
	var ids []int64
	for i := 1; i <= 3; i++ {
		v := &objectstore.Version{ObjectID: 5, VersionCount: i, Date: time.Now(), Data: objectstore.Record{ID: 5, ClassID: "page"}}
		if err := repo.AppendVersion(ctx, v); err != nil {
			t.Fatalf("append version: %v", err)
		}
		ids = append(ids, v.ID)
	}

	n, err := repo.DeleteVersions(ctx, 5, ids[:2])
	if err != nil {
		t.Fatalf("delete versions: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	if n, _ := repo.DeleteVersions(ctx, 5, []int64{}); n != 0 {
		t.Fatalf("delete with empty id list = %d, want 0", n)
	}
	left, _ := repo.Versions(ctx, 5)
	if len(left) != 1 || left[0].ID != ids[2] {
		t.Fatalf("remaining versions = %+v", left)
	}
}

func TestUpdateMissingObject(t *testing.T) {
	t.Parallel()

	repo := openTempStore(t)
	o := objectstore.Restore(objectstore.Record{ID: 42, ClassID: "page"})
	if err := repo.UpdateObject(context.Background(), o); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("update missing error = %v, want ErrNotFound", err)
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	repo := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := repo.Load(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("load error = %v, want context.Canceled", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTempStore(t)
	boom := errors.New("boom")

	o := objectstore.NewObject("page")
	o.VersionCount = 1
	err := repo.InTx(ctx, func(tx objectstore.Repository) error {
		if err := tx.UpdateObject(ctx, o); err != nil {
			return err
		}
		if err := tx.SaveTasks(ctx, o.ID, []objectstore.Task{{Action: "publish", Active: true}}); err != nil {
			return err
		}
		if err := tx.AppendVersion(ctx, &objectstore.Version{ObjectID: o.ID, VersionCount: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}
	if o.ID == 0 {
		t.Fatal("insert inside the transaction assigned no id")
	}
	if _, err := repo.Load(ctx, o.ID); !errors.Is(err, objectstore.ErrNotFound) {
		t.Errorf("Load() after rollback error = %v, want ErrNotFound", err)
	}
	versions, err := repo.Versions(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 0 {
		t.Errorf("versions after rollback = %d, want 0", len(versions))
	}
}

func TestInTxCommits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTempStore(t)

	o := objectstore.NewObject("page")
	o.Set("title", "Committed")
	err := repo.InTx(ctx, func(tx objectstore.Repository) error {
		if err := tx.UpdateObject(ctx, o); err != nil {
			return err
		}
		return tx.UpdateFields(ctx, o, nil)
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}
	got, err := repo.Load(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Get("title") != "Committed" {
		t.Errorf("title = %v, want Committed", got.Get("title"))
	}
}
