package objectstore

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/pagecache/queue"
)

func newsClass(t *testing.T, allowInherit bool) *Class {
	t.Helper()
	five := 5.0
	zero := 0.0
	c, err := NewClass(Class{
		ID:           "news",
		AllowInherit: allowInherit,
		Fields: []*Field{
			{Name: "title", Type: FieldText, Mandatory: true, Filterable: true, MaxLength: 40},
			{Name: "rating", Type: FieldNumber, Min: &zero, Max: &five, Filterable: true},
			{Name: "tags", Type: FieldMultiSelect, Options: []string{"local", "world", "sport"}},
			{Name: "related", Type: FieldRelation, Filterable: true},
			{Name: "author", Type: FieldRelation, LazyLoading: true},
			{Name: "summary", Type: FieldText},
		},
	})
	if err != nil {
		t.Fatalf("NewClass() error = %v", err)
	}
	return c
}

type recordingInvalidator struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingInvalidator) InvalidateTags(_ context.Context, tags ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tags...)
	return len(tags)
}

func (r *recordingInvalidator) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.tags)
}

type capturingDispatcher struct {
	mu   sync.Mutex
	msgs []queue.Message
	err  error
}

func (d *capturingDispatcher) Dispatch(_ context.Context, msg queue.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msg)
	return nil
}

// recordingRepository records the field lists passed to UpdateFields and
// can fail version writes. Transactions hand out a recording view of the
// staged copy that shares the parent's log.
type recordingRepository struct {
	*MemoryRepository
	parent       *recordingRepository
	mu           sync.Mutex
	fieldWrites  [][]string
	failVersions error
}

func newRecordingRepository() *recordingRepository {
	return &recordingRepository{MemoryRepository: NewMemoryRepository()}
}

func (r *recordingRepository) root() *recordingRepository {
	if r.parent != nil {
		return r.parent
	}
	return r
}

func (r *recordingRepository) InTx(ctx context.Context, fn func(Repository) error) error {
	return r.MemoryRepository.InTx(ctx, func(tx Repository) error {
		return fn(&recordingRepository{MemoryRepository: tx.(*MemoryRepository), parent: r.root()})
	})
}

func (r *recordingRepository) UpdateFields(ctx context.Context, o *Object, fields []string) error {
	root := r.root()
	root.mu.Lock()
	root.fieldWrites = append(root.fieldWrites, slices.Clone(fields))
	root.mu.Unlock()
	return r.MemoryRepository.UpdateFields(ctx, o, fields)
}

func (r *recordingRepository) AppendVersion(ctx context.Context, v *Version) error {
	if err := r.root().failVersions; err != nil {
		return err
	}
	return r.MemoryRepository.AppendVersion(ctx, v)
}

func (r *recordingRepository) lastFieldWrite() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fieldWrites[len(r.fieldWrites)-1]
}

func newTestStore(t *testing.T, repo Repository, opts Options) *Store {
	t.Helper()
	opts.Repository = repo
	if opts.Classes == nil {
		opts.Classes = []*Class{newsClass(t, false)}
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func publishedNews(title string) *Object {
	o := NewObject("news")
	o.SetPublished(true)
	o.Set("title", title)
	return o
}

func ptr[T any](v T) *T { return &v }

func TestNew_RequiresRepository(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNilRepository) {
		t.Errorf("New() error = %v, want ErrNilRepository", err)
	}
}

func TestSave_UnknownClass(t *testing.T) {
	s := newTestStore(t, NewMemoryRepository(), Options{})
	err := s.Save(context.Background(), NewObject("missing"), SaveOptions{})
	if !errors.Is(err, ErrUnknownClass) {
		t.Errorf("Save() error = %v, want ErrUnknownClass", err)
	}
}

func TestSave_InvalidMandatoryFieldYieldsOneFailure(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestStore(t, repo, Options{})
	o := publishedNews("")
	o.Set("rating", 3)

	err := s.Save(context.Background(), o, SaveOptions{})

	var vf *ValidationFailure
	if !errors.As(err, &vf) {
		t.Fatalf("Save() error = %v, want *ValidationFailure", err)
	}
	if !errors.Is(err, ErrValidation) {
		t.Error("errors.Is(err, ErrValidation) = false")
	}
	if len(vf.Items) != 1 || vf.Items[0].Field != "title" {
		t.Fatalf("failure items = %+v, want exactly title", vf.Items)
	}
	if !strings.Contains(vf.Message, "fieldname=title") {
		t.Errorf("message %q does not name the field", vf.Message)
	}
	if o.ID != 0 {
		t.Errorf("object ID = %d, want 0 since nothing was written", o.ID)
	}
	if _, err := repo.Load(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("repository holds an object after a failed validation: %v", err)
	}
}

func TestSave_AggregatesFailures(t *testing.T) {
	s := newTestStore(t, NewMemoryRepository(), Options{})
	o := publishedNews("")
	o.Set("rating", 9)
	o.Set("tags", []any{"local", "mars"})

	err := s.Save(context.Background(), o, SaveOptions{})
	var vf *ValidationFailure
	if !errors.As(err, &vf) {
		t.Fatalf("Save() error = %v, want *ValidationFailure", err)
	}
	if got, want := vf.Fields(), []string{"title", "rating", "tags"}; !slices.Equal(got, want) {
		t.Errorf("failed fields = %v, want %v", got, want)
	}
	if !strings.HasPrefix(vf.Message, "Validation failed: ") {
		t.Errorf("message = %q", vf.Message)
	}
	if strings.Count(vf.Message, " / ") != 2 {
		t.Errorf("message %q does not join three failures", vf.Message)
	}
	if !strings.Contains(vf.Message, `(invalid option "mars"[ index 1 ])`) {
		t.Errorf("message %q lacks the sub-item detail", vf.Message)
	}
}

func TestSave_MandatoryCheckFollowsPublishedState(t *testing.T) {
	s := newTestStore(t, NewMemoryRepository(), Options{})
	ctx := context.Background()

	draft := NewObject("news")
	if err := s.Save(ctx, draft, SaveOptions{}); err != nil {
		t.Fatalf("unpublished Save() error = %v", err)
	}

	forced := NewObject("news")
	err := s.Save(ctx, forced, SaveOptions{OmitMandatoryCheck: ptr(false)})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Save() with forced mandatory check error = %v, want validation failure", err)
	}

	relaxed := publishedNews("")
	relaxed.SetOmitMandatoryCheck(true)
	if err := s.Save(ctx, relaxed, SaveOptions{}); err != nil {
		t.Errorf("Save() with omitted check error = %v", err)
	}
}

func TestSave_InheritsFromSameClassAncestor(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	s := newTestStore(t, repo, Options{Classes: []*Class{newsClass(t, true)}})

	parent := publishedNews("Inherited title")
	if err := s.Save(ctx, parent, SaveOptions{}); err != nil {
		t.Fatalf("parent Save() error = %v", err)
	}

	child := publishedNews("")
	child.SetParentID(parent.ID)
	if err := s.Save(ctx, child, SaveOptions{}); err != nil {
		t.Errorf("child Save() error = %v, want inherited value to pass", err)
	}

	orphan := publishedNews("")
	if err := s.Save(ctx, orphan, SaveOptions{}); !errors.Is(err, ErrValidation) {
		t.Errorf("orphan Save() error = %v, want validation failure", err)
	}
}

func TestSave_InheritanceDisabledFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryRepository(), Options{})

	parent := publishedNews("Parent")
	if err := s.Save(ctx, parent, SaveOptions{}); err != nil {
		t.Fatalf("parent Save() error = %v", err)
	}
	child := publishedNews("")
	child.SetParentID(parent.ID)
	if err := s.Save(ctx, child, SaveOptions{}); !errors.Is(err, ErrValidation) {
		t.Errorf("Save() error = %v, want validation failure", err)
	}
}

func TestSave_InheritanceStopsOnCycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryRepository(), Options{Classes: []*Class{newsClass(t, true)}})

	a := NewObject("news")
	if err := s.Save(ctx, a, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	b := NewObject("news")
	b.SetParentID(a.ID)
	if err := s.Save(ctx, b, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	a.SetParentID(b.ID)
	if err := s.Save(ctx, a, SaveOptions{}); err != nil {
		t.Fatal(err)
	}

	c := publishedNews("")
	c.SetParentID(b.ID)
	if err := s.Save(ctx, c, SaveOptions{}); !errors.Is(err, ErrValidation) {
		t.Errorf("Save() error = %v, want validation failure", err)
	}
}

func TestSave_WritesOnlyDirtyFields(t *testing.T) {
	ctx := context.Background()
	repo := newRecordingRepository()
	s := newTestStore(t, repo, Options{})

	o := publishedNews("First")
	if err := s.Save(ctx, o, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := repo.lastFieldWrite(); got != nil {
		t.Errorf("insert wrote fields %v, want full rewrite (nil)", got)
	}
	if len(o.DirtyFields()) != 0 {
		t.Errorf("dirty fields after save = %v, want none", o.DirtyFields())
	}

	o.Set("summary", "changed")
	if err := s.Save(ctx, o, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := repo.lastFieldWrite(); !slices.Equal(got, []string{"summary"}) {
		t.Errorf("update wrote fields %v, want [summary]", got)
	}
	if o.VersionCount != 2 {
		t.Errorf("VersionCount = %d, want 2", o.VersionCount)
	}
}

func TestSave_DetectionDisabledAndRestored(t *testing.T) {
	ctx := context.Background()

	t.Run("stale version count", func(t *testing.T) {
		repo := newRecordingRepository()
		s := newTestStore(t, repo, Options{})
		o := publishedNews("Original")
		if err := s.Save(ctx, o, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
		stale, _ := s.Get(ctx, o.ID)

		o.Set("summary", "first writer")
		if err := s.Save(ctx, o, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
		stale.Set("summary", "second writer")
		if err := s.Save(ctx, stale, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
		if got := repo.lastFieldWrite(); got != nil {
			t.Errorf("stale save wrote fields %v, want full rewrite", got)
		}
		if !s.DetectionEnabled() {
			t.Error("detection not restored after save")
		}
	})

	t.Run("parent changed", func(t *testing.T) {
		repo := newRecordingRepository()
		s := newTestStore(t, repo, Options{})
		p := publishedNews("Parent")
		o := publishedNews("Child")
		for _, obj := range []*Object{p, o} {
			if err := s.Save(ctx, obj, SaveOptions{}); err != nil {
				t.Fatal(err)
			}
		}
		o.SetParentID(p.ID)
		if err := s.Save(ctx, o, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
		if got := repo.lastFieldWrite(); got != nil {
			t.Errorf("reparenting wrote fields %v, want full rewrite", got)
		}
		if !s.DetectionEnabled() {
			t.Error("detection not restored after save")
		}
	})

	t.Run("class newer than object", func(t *testing.T) {
		repo := newRecordingRepository()
		class := newsClass(t, false)
		s := newTestStore(t, repo, Options{Classes: []*Class{class}})
		o := publishedNews("Old")
		if err := s.Save(ctx, o, SaveOptions{}); err != nil {
			t.Fatal(err)
		}

		class.ModificationDate = o.ModificationDate.Add(time.Hour)
		o.Set("summary", "after class change")
		if err := s.Save(ctx, o, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
		if got := repo.lastFieldWrite(); got != nil {
			t.Errorf("save after class change wrote fields %v, want full rewrite", got)
		}
		if !s.DetectionEnabled() {
			t.Error("detection not restored after save")
		}
	})

	t.Run("restored after failure", func(t *testing.T) {
		repo := newRecordingRepository()
		s := newTestStore(t, repo, Options{})
		o := publishedNews("x")
		if err := s.Save(ctx, o, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
		o.SetParentID(99)
		repo.failVersions = errors.New("disk full")
		if err := s.Save(ctx, o, SaveOptions{}); err == nil {
			t.Fatal("Save() error = nil, want failure")
		}
		if !s.DetectionEnabled() {
			t.Error("detection not restored after failed save")
		}
		if !o.IsDirty(FieldParentID) {
			t.Error("dirty map reset after a failed save")
		}
	})
}

func TestSave_VersioningRules(t *testing.T) {
	tests := []struct {
		name      string
		retention Retention
		setModDt  bool
		want      bool
	}{
		{name: "no limits configured", retention: Retention{}, want: true},
		{name: "steps positive", retention: Retention{Steps: ptr(5)}, want: true},
		{name: "days positive", retention: Retention{Days: ptr(7)}, want: true},
		{name: "limits zero", retention: Retention{Steps: ptr(0), Days: ptr(0)}, want: false},
		{name: "limits zero with modification date", retention: Retention{Steps: ptr(0)}, setModDt: true, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.retention.shouldVersion(tt.setModDt); got != tt.want {
				t.Errorf("shouldVersion(%v) = %v, want %v", tt.setModDt, got, tt.want)
			}
		})
	}
}

func TestSave_WritesVersionWithStackTrace(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	s := newTestStore(t, repo, Options{})

	o := publishedNews("Versioned")
	if err := s.Save(ctx, o, SaveOptions{VersionNote: "initial"}); err != nil {
		t.Fatal(err)
	}
	versions, err := s.GetVersions(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 {
		t.Fatalf("versions = %d, want 1", len(versions))
	}
	v := versions[0]
	if v.Note != "initial" || v.VersionCount != 1 || v.ObjectID != o.ID {
		t.Errorf("version = %+v", v)
	}
	if v.StackTrace == "" {
		t.Error("StackTrace empty, want captured")
	}

	o.Set("title", "Changed after snapshot")
	versions, _ = s.GetVersions(ctx, o.ID)
	if got := versions[0].Object().Get("title"); got != "Versioned" {
		t.Errorf("snapshot title = %v, want unchanged", got)
	}
}

func TestSave_StackTraceDisabled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryRepository(), Options{Retention: Retention{DisableStackTrace: true}})
	o := publishedNews("No trace")
	if err := s.Save(ctx, o, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	versions, _ := s.GetVersions(ctx, o.ID)
	if len(versions) != 1 || versions[0].StackTrace != "" {
		t.Errorf("versions = %+v, want one without stack trace", versions)
	}
}

func TestSave_TasksAlwaysSaved(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryRepository(), Options{Retention: Retention{Steps: ptr(0), Days: ptr(0)}})
	o := publishedNews("Scheduled")
	o.Tasks = []Task{{Date: time.Unix(1700000000, 0), Action: "publish", Active: true}}
	if err := s.Save(ctx, o, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if versions, _ := s.GetVersions(ctx, o.ID); len(versions) != 0 {
		t.Errorf("versions after Save = %d, want 0 with zero limits", len(versions))
	}

	v, err := s.SaveVersion(ctx, o, VersionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Errorf("SaveVersion() = %+v, want no version with zero limits", v)
	}
	got, _ := s.Get(ctx, o.ID)
	if len(got.Tasks) != 1 || got.Tasks[0].Action != "publish" {
		t.Errorf("tasks = %+v, want the scheduled task", got.Tasks)
	}
}

func TestSave_Hooks(t *testing.T) {
	ctx := context.Background()

	t.Run("pre update aborts", func(t *testing.T) {
		repo := NewMemoryRepository()
		veto := errors.New("vetoed")
		s := newTestStore(t, repo, Options{Hooks: Hooks{
			PreUpdate: func(context.Context, UpdateEvent) error { return veto },
		}})
		o := publishedNews("Blocked")
		if err := s.Save(ctx, o, SaveOptions{}); !errors.Is(err, veto) {
			t.Fatalf("Save() error = %v, want veto", err)
		}
		if o.ID != 0 {
			t.Error("object written despite PreUpdate error")
		}
	})

	t.Run("post update", func(t *testing.T) {
		var events []UpdateEvent
		s := newTestStore(t, NewMemoryRepository(), Options{Hooks: Hooks{
			PostUpdate: func(_ context.Context, ev UpdateEvent) { events = append(events, ev) },
		}})
		o := publishedNews("Hooked")
		if err := s.Save(ctx, o, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.SaveVersion(ctx, o, VersionOptions{AutoSave: true}); err != nil {
			t.Fatal(err)
		}
		if len(events) != 2 {
			t.Fatalf("PostUpdate calls = %d, want 2", len(events))
		}
		if events[0].SaveVersionOnly {
			t.Error("full save reported SaveVersionOnly")
		}
		if !events[1].SaveVersionOnly || !events[1].IsAutoSave {
			t.Errorf("version save event = %+v", events[1])
		}
	})

	t.Run("post update failure", func(t *testing.T) {
		repo := newRecordingRepository()
		repo.failVersions = errors.New("disk full")
		var failures []UpdateEvent
		s := newTestStore(t, repo, Options{Hooks: Hooks{
			PostUpdateFailure: func(_ context.Context, ev UpdateEvent) { failures = append(failures, ev) },
		}})
		err := s.Save(ctx, publishedNews("Failing"), SaveOptions{})

		var pf *PersistenceFailure
		if !errors.As(err, &pf) {
			t.Fatalf("Save() error = %v, want *PersistenceFailure", err)
		}
		if len(failures) != 1 || !errors.Is(failures[0].Err, repo.failVersions) {
			t.Errorf("PostUpdateFailure events = %+v", failures)
		}
	})
}

func TestSave_FailedWriteLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	repo := newRecordingRepository()
	repo.failVersions = errors.New("disk full")
	s := newTestStore(t, repo, Options{})

	o := publishedNews("Hello")
	err := s.Save(ctx, o, SaveOptions{})
	var pf *PersistenceFailure
	if !errors.As(err, &pf) {
		t.Fatalf("Save() error = %v, want *PersistenceFailure", err)
	}
	if o.ID != 0 || o.VersionCount != 0 || !o.ModificationDate.IsZero() || !o.CreationDate.IsZero() {
		t.Errorf("object after failed save: id=%d count=%d created=%v modified=%v, want untouched",
			o.ID, o.VersionCount, o.CreationDate, o.ModificationDate)
	}
	if !o.IsDirty("title") {
		t.Error("dirty map reset after a failed save")
	}
	if _, err := s.Get(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after failed save error = %v, want ErrNotFound", err)
	}
}

func TestSave_FailedUpdateKeepsStoredState(t *testing.T) {
	ctx := context.Background()
	repo := newRecordingRepository()
	clock := time.Unix(1700000000, 0)
	s := newTestStore(t, repo, Options{Now: func() time.Time { return clock }})

	o := publishedNews("Original")
	if err := s.Save(ctx, o, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	saved := o.ModificationDate

	clock = clock.Add(time.Hour)
	repo.failVersions = errors.New("disk full")
	o.Set("title", "Rewritten")
	if err := s.Save(ctx, o, SaveOptions{}); err == nil {
		t.Fatal("Save() error = nil, want failure")
	}
	if o.VersionCount != 1 || !o.ModificationDate.Equal(saved) {
		t.Errorf("object after failed save: count=%d modified=%v, want 1 and %v", o.VersionCount, o.ModificationDate, saved)
	}

	stored, err := s.Get(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.VersionCount != 1 || stored.Get("title") != "Original" {
		t.Errorf("stored count=%d title=%v, want 1 and Original", stored.VersionCount, stored.Get("title"))
	}
	if versions, _ := s.GetVersions(ctx, o.ID); len(versions) != 1 {
		t.Errorf("versions = %d, want 1", len(versions))
	}
}

func TestSave_CanceledContextWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo := NewMemoryRepository()
	s := newTestStore(t, repo, Options{})

	o := publishedNews("Canceled")
	if err := s.Save(ctx, o, SaveOptions{}); err == nil {
		t.Fatal("Save() error = nil, want context error")
	}
	if o.ID != 0 {
		t.Errorf("ID = %d, want 0", o.ID)
	}
	found, err := repo.Find(context.Background(), Query{ClassID: "news", IncludeUnpublished: true, Field: FieldKey, System: true, Value: ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("stored %d objects, want 0", len(found))
	}
}

func TestMemoryRepository_InTxDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := publishedNews("Base")
	if err := repo.UpdateObject(ctx, base); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateFields(ctx, base, nil); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := repo.InTx(ctx, func(tx Repository) error {
		o := publishedNews("Staged")
		if err := tx.UpdateObject(ctx, o); err != nil {
			return err
		}
		base.Set("title", "Changed")
		if err := tx.UpdateFields(ctx, base, []string{"title"}); err != nil {
			return err
		}
		if _, err := tx.Load(ctx, o.ID); err != nil {
			t.Errorf("staged object not visible inside the transaction: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}
	if _, err := repo.Load(ctx, base.ID+1); !errors.Is(err, ErrNotFound) {
		t.Errorf("staged insert leaked: %v", err)
	}
	got, _ := repo.Load(ctx, base.ID)
	if got.Get("title") != "Base" {
		t.Errorf("title = %v, want Base", got.Get("title"))
	}
}

func TestSaveVersion_BumpsVersionCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryRepository(), Options{})
	o := publishedNews("Draft")
	if err := s.Save(ctx, o, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	o.Set("summary", "unpublished edit")
	v, err := s.SaveVersion(ctx, o, VersionOptions{SetModificationDate: true, Note: "autosave", AutoSave: true})
	if err != nil {
		t.Fatal(err)
	}
	if v.VersionCount != 2 || !v.IsAutoSave {
		t.Errorf("version = %+v", v)
	}

	stored, _ := s.Get(ctx, o.ID)
	if stored.VersionCount != 2 {
		t.Errorf("stored VersionCount = %d, want 2", stored.VersionCount)
	}
	if stored.Get("summary") != nil {
		t.Error("SaveVersion wrote fields to the object record")
	}
}

func TestSaveVersion_UnsavedObject(t *testing.T) {
	s := newTestStore(t, NewMemoryRepository(), Options{})
	if _, err := s.SaveVersion(context.Background(), NewObject("news"), VersionOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveVersion() error = %v, want ErrNotFound", err)
	}
}

func TestSave_InvalidatesObjectClassAndRelationTags(t *testing.T) {
	ctx := context.Background()
	inv := &recordingInvalidator{}
	s := newTestStore(t, NewMemoryRepository(), Options{Invalidator: inv})
	o := publishedNews("Tagged")
	o.Set("related", []any{float64(40)})
	o.Set("author", float64(41))
	if err := s.Save(ctx, o, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	want := []string{ObjectTag(o.ID), ClassTag("news"), ObjectTag(40)}
	if got := inv.Tags(); !slices.Equal(got, want) {
		t.Errorf("invalidated %v, want %v", got, want)
	}
}

func TestDelete_DispatchesVersionPurge(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	inv := &recordingInvalidator{}
	d := &capturingDispatcher{}
	s := newTestStore(t, repo, Options{Invalidator: inv, Dispatcher: d})

	o := publishedNews("Doomed")
	o.Tasks = []Task{{Action: "unpublish", Active: true}}
	if err := s.Save(ctx, o, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, o.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := s.Get(ctx, o.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	if len(d.msgs) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(d.msgs))
	}
	msg, ok := d.msgs[0].(queue.VersionDeleteMessage)
	if !ok || msg.ElementType != ElementTypeObject || msg.ElementID != o.ID {
		t.Errorf("dispatched %+v", d.msgs[0])
	}

	versions, _ := s.GetVersions(ctx, o.ID)
	if len(versions) != 1 {
		t.Errorf("versions before purge = %d, want 1", len(versions))
	}
	if err := s.HandleVersionDelete(ctx, msg); err != nil {
		t.Fatal(err)
	}
	versions, _ = s.GetVersions(ctx, o.ID)
	if len(versions) != 0 {
		t.Errorf("versions after purge = %d, want 0", len(versions))
	}
	if got := inv.Tags(); !slices.Contains(got, ObjectTag(o.ID)) {
		t.Errorf("invalidated %v, want object tag", got)
	}
}

func TestDelete_DispatchFailureKeepsObject(t *testing.T) {
	ctx := context.Background()
	d := &capturingDispatcher{err: queue.ErrClosed}
	s := newTestStore(t, NewMemoryRepository(), Options{Dispatcher: d})
	o := publishedNews("Kept")
	if err := s.Save(ctx, o, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, o.ID); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("Delete() error = %v, want ErrClosed", err)
	}
	if _, err := s.Get(ctx, o.ID); err != nil {
		t.Errorf("Get() after failed Delete error = %v", err)
	}
}

func TestDelete_WithoutDispatcherPurgesInline(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryRepository(), Options{})
	o := publishedNews("Inline")
	if err := s.Save(ctx, o, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if versions, _ := s.GetVersions(ctx, o.ID); len(versions) != 0 {
		t.Errorf("versions = %d, want 0", len(versions))
	}
}

func TestDelete_NotFound(t *testing.T) {
	s := newTestStore(t, NewMemoryRepository(), Options{})
	if err := s.Delete(context.Background(), 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
}

func TestFindByField(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryRepository(), Options{})

	a := publishedNews("Alpha")
	a.Set("rating", 4)
	b := publishedNews("Beta")
	b.Set("related", []any{float64(1)})
	draft := NewObject("news")
	draft.Set("title", "Alpha")
	for _, o := range []*Object{a, b, draft} {
		if err := s.Save(ctx, o, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.FindByField(ctx, "news", "TITLE", "Alpha", FindOptions{})
	if err != nil {
		t.Fatalf("FindByField() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("FindByField(title) = %d objects, want only the published one", len(got))
	}

	got, _ = s.FindByField(ctx, "news", "title", "Alpha", FindOptions{IncludeUnpublished: true})
	if len(got) != 2 {
		t.Errorf("FindByField(title, unpublished) = %d objects, want 2", len(got))
	}

	got, _ = s.FindByField(ctx, "news", "rating", 4.0, FindOptions{})
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("FindByField(rating) = %v", got)
	}

	got, _ = s.FindByField(ctx, "news", "related", a.ID, FindOptions{})
	if len(got) != 1 || got[0].ID != b.ID {
		t.Errorf("FindByField(related) = %v", got)
	}

	got, _ = s.FindByField(ctx, "news", "key", "", FindOptions{Limit: 1})
	if len(got) != 1 {
		t.Errorf("FindByField(key) with limit = %d objects, want 1", len(got))
	}

	if _, err := s.FindByField(ctx, "news", "summary", "x", FindOptions{}); !errors.Is(err, ErrNotFilterable) {
		t.Errorf("FindByField(summary) error = %v, want ErrNotFilterable", err)
	}
	if _, err := s.FindByField(ctx, "news", "nope", "x", FindOptions{}); !errors.Is(err, ErrUnknownField) {
		t.Errorf("FindByField(nope) error = %v, want ErrUnknownField", err)
	}
	if _, err := s.FindByField(ctx, "other", "title", "x", FindOptions{}); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("FindByField(other class) error = %v, want ErrUnknownClass", err)
	}
}

func TestPruneVersions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryRepository(), Options{Retention: Retention{Steps: ptr(2)}})
	o := publishedNews("Pruned")
	for i := 0; i < 4; i++ {
		o.Set("summary", strings.Repeat("x", i))
		if err := s.Save(ctx, o, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneVersions(ctx, o.ID)
	if err != nil {
		t.Fatalf("PruneVersions() error = %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d versions, want 2", n)
	}
	versions, _ := s.GetVersions(ctx, o.ID)
	counts := make([]int, 0, len(versions))
	for _, v := range versions {
		counts = append(counts, v.VersionCount)
	}
	if !slices.Equal(counts, []int{3, 4}) {
		t.Errorf("kept version counts = %v, want [3 4]", counts)
	}
}

func TestRetention_ExpiredByDays(t *testing.T) {
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	versions := []Version{
		{ID: 1, VersionCount: 1, Date: now.AddDate(0, 0, -30)},
		{ID: 2, VersionCount: 2, Date: now.AddDate(0, 0, -10)},
		{ID: 3, VersionCount: 3, Date: now.AddDate(0, 0, -1)},
	}
	got := Retention{Days: ptr(7)}.expired(versions, now)
	slices.Sort(got)
	if !slices.Equal(got, []int64{1, 2}) {
		t.Errorf("expired = %v, want [1 2]", got)
	}

	if got := (Retention{}).expired(versions, now); got != nil {
		t.Errorf("expired without limits = %v, want none", got)
	}
}

func TestCacheTags(t *testing.T) {
	s := newTestStore(t, NewMemoryRepository(), Options{})
	o := publishedNews("Tags")
	o.ID = 7
	o.Set("related", []any{float64(12), float64(3), float64(12)})
	o.Set("author", float64(99))

	got := s.CacheTags(o)
	want := []string{"object_7", "class_news", "object_12", "object_3"}
	if !slices.Equal(got, want) {
		t.Errorf("CacheTags() = %v, want %v", got, want)
	}
}
