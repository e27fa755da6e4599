package objectstore

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/queue"
)

// ElementTypeObject is the element type carried by version messages.
const ElementTypeObject = "object"

// Options configures a Store.
type Options struct {
	Repository Repository
	Classes    []*Class

	// Retention controls version snapshots.
	// Default: no limits, every save writes a version
	Retention Retention

	Hooks Hooks

	// Invalidator receives the tags of saved and deleted objects.
	Invalidator Invalidator

	// Dispatcher runs version purges in the background. Without one they
	// run inline during Delete.
	Dispatcher Dispatcher

	Logger  observe.Logger
	Metrics observe.Metrics
	Tracer  observe.Tracer

	// Default: time.Now
	Now func() time.Time
}

// SaveOptions tunes a single Save.
type SaveOptions struct {
	VersionNote string

	// OmitMandatoryCheck overrides Object.OmitMandatoryCheck when set.
	OmitMandatoryCheck *bool
}

// VersionOptions tunes SaveVersion.
type VersionOptions struct {
	SetModificationDate bool
	Note                string
	AutoSave            bool
}

// FindOptions pages FindByField results.
type FindOptions struct {
	Limit              int
	Offset             int
	IncludeUnpublished bool
}

// Store validates, persists and versions objects.
//
// Contract:
// - Concurrency: safe for concurrent use. Writes are serialized since the
// dirty detection switch is shared by the whole store.
// - Errors: validation aborts before any write with *ValidationFailure;
// repository errors come back as *PersistenceFailure and are not retried.
type Store struct {
	mu        sync.Mutex
	repo      Repository
	classMu   sync.RWMutex
	classes   map[string]*Class
	retention Retention
	hooks     Hooks
	detection *DetectionSwitch

	invalidator Invalidator
	dispatcher  Dispatcher

	logger  observe.Logger
	metrics observe.Metrics
	mw      *observe.Middleware
	now     func() time.Time
}

// New creates a Store.
func New(opts Options) (*Store, error) {
	if opts.Repository == nil {
		return nil, ErrNilRepository
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := observe.OrNop(opts.Logger).WithComponent("objectstore")
	metrics := observe.MetricsOrNop(opts.Metrics)
	s := &Store{
		repo:        opts.Repository,
		classes:     make(map[string]*Class, len(opts.Classes)),
		retention:   opts.Retention,
		hooks:       opts.Hooks,
		detection:   NewDetectionSwitch(),
		invalidator: opts.Invalidator,
		dispatcher:  opts.Dispatcher,
		logger:      logger,
		metrics:     metrics,
		mw:          observe.NewMiddleware(opts.Tracer, metrics, logger),
		now:         opts.Now,
	}
	for _, c := range opts.Classes {
		if err := s.RegisterClass(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RegisterClass adds or replaces a class definition. c must come from
// NewClass.
func (s *Store) RegisterClass(c *Class) error {
	if c == nil || c.accessors == nil {
		return fmt.Errorf("%w: class not built with NewClass", ErrInvalidClass)
	}
	s.classMu.Lock()
	s.classes[c.ID] = c
	s.classMu.Unlock()
	return nil
}

// Class returns a registered class.
func (s *Store) Class(id string) (*Class, bool) {
	s.classMu.RLock()
	defer s.classMu.RUnlock()
	c, ok := s.classes[id]
	return c, ok
}

// DetectionEnabled reports the dirty detection state outside any save.
func (s *Store) DetectionEnabled() bool {
	return s.detection.Enabled()
}

// Get loads an object.
func (s *Store) Get(ctx context.Context, id int64) (*Object, error) {
	return s.repo.Load(ctx, id)
}

// GetVersions returns the versions of an object, oldest first.
func (s *Store) GetVersions(ctx context.Context, id int64) ([]Version, error) {
	return s.repo.Versions(ctx, id)
}

// Save validates o and persists it with a new version.
func (s *Store) Save(ctx context.Context, o *Object, opts SaveOptions) error {
	if o == nil {
		return ErrNilObject
	}
	class, ok := s.Class(o.ClassID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClass, o.ClassID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	op := observe.Operation{Component: "objectstore", Name: "save", Target: class.ID}
	err := s.mw.Run(ctx, op, func(ctx context.Context) error {
		return s.save(ctx, class, o, opts)
	})
	s.metrics.RecordSave(ctx, class.ID, s.now().Sub(start), err)
	return err
}

func (s *Store) save(ctx context.Context, class *Class, o *Object, opts SaveOptions) error {
	omit := o.OmitMandatoryCheck()
	if opts.OmitMandatoryCheck != nil {
		omit = *opts.OmitMandatoryCheck
	}
	if vf := s.validate(ctx, class, o, omit); vf != nil {
		s.metrics.RecordValidationFailure(ctx, class.ID, len(vf.Items))
		return vf
	}

	ev := UpdateEvent{Object: o}
	if err := s.hooks.preUpdate(ctx, ev); err != nil {
		return err
	}

	if err := s.update(ctx, class, o, opts.VersionNote); err != nil {
		ev.Err = err
		s.hooks.postUpdateFailure(ctx, ev)
		return err
	}

	s.invalidate(ctx, o)
	o.dirty.Reset()
	s.hooks.postUpdate(ctx, ev)
	return nil
}

// update writes the base row, the fields, the tasks and the version in one
// repository transaction. Dirty detection is switched off when the stored
// object may not match what this save started from. On failure o gets its
// previous identity, count and dates back.
func (s *Store) update(ctx context.Context, class *Class, o *Object, note string) (err error) {
	isNew := o.ID == 0
	prev := o.meta()
	defer func() {
		if err != nil {
			o.setMeta(prev)
		}
	}()

	if !isNew && !class.ModificationDate.IsZero() && !class.ModificationDate.Before(o.ModificationDate) {
		restore := s.detection.Set(false)
		defer restore()
	}

	return s.repo.InTx(ctx, func(repo Repository) error {
		if isNew {
			o.VersionCount = 1
			o.CreationDate = s.now()
		} else {
			stored, err := repo.VersionCountForUpdate(ctx, o.ID)
			if err != nil {
				return s.persistFailed("update", o.ID, err)
			}
			o.VersionCount = stored + 1
		}
		if o.VersionCount != prev.versionCount+1 || o.IsDirty(FieldParentID) {
			restore := s.detection.Set(false)
			defer restore()
		}
		o.ModificationDate = s.now()

		if err := repo.UpdateObject(ctx, o); err != nil {
			return s.persistFailed("update", o.ID, err)
		}

		var fields []string
		if s.detection.Enabled() && !isNew {
			fields = make([]string, 0)
			for _, f := range class.Fields {
				if o.IsDirty(f.Name) {
					fields = append(fields, f.Name)
				}
			}
		}
		if fields == nil || len(fields) > 0 {
			if err := repo.UpdateFields(ctx, o, fields); err != nil {
				return s.persistFailed("update fields", o.ID, err)
			}
		}

		_, err := s.writeVersion(ctx, repo, o, false, false, note, false)
		return err
	})
}

// SaveVersion writes a snapshot of o without updating its stored fields.
// It is used for drafts and autosaves.
func (s *Store) SaveVersion(ctx context.Context, o *Object, opts VersionOptions) (*Version, error) {
	if o == nil {
		return nil, ErrNilObject
	}
	if o.ID == 0 {
		return nil, fmt.Errorf("%w: object was never saved", ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var v *Version
	op := observe.Operation{Component: "objectstore", Name: "save_version", Target: strconv.FormatInt(o.ID, 10)}
	err := s.mw.Run(ctx, op, func(ctx context.Context) error {
		ev := UpdateEvent{Object: o, SaveVersionOnly: true, IsAutoSave: opts.AutoSave}
		if err := s.hooks.preUpdate(ctx, ev); err != nil {
			return err
		}
		prev := o.meta()
		err := s.repo.InTx(ctx, func(repo Repository) error {
			var err error
			v, err = s.writeVersion(ctx, repo, o, opts.SetModificationDate, true, opts.Note, opts.AutoSave)
			return err
		})
		if err != nil {
			o.setMeta(prev)
			v = nil
			ev.Err = err
			s.hooks.postUpdateFailure(ctx, ev)
			return err
		}
		s.hooks.postUpdate(ctx, ev)
		return nil
	})
	return v, err
}

// writeVersion saves the tasks of o and, when retention allows it, a new
// snapshot. A version-only write also bumps the stored version count.
func (s *Store) writeVersion(ctx context.Context, repo Repository, o *Object, setModDate, versionOnly bool, note string, autosave bool) (*Version, error) {
	if err := repo.SaveTasks(ctx, o.ID, o.Tasks); err != nil {
		return nil, s.persistFailed("save tasks", o.ID, err)
	}
	if !s.retention.shouldVersion(setModDate) {
		return nil, nil
	}

	if versionOnly {
		stored, err := repo.VersionCountForUpdate(ctx, o.ID)
		if err != nil {
			return nil, s.persistFailed("save version", o.ID, err)
		}
		o.VersionCount = stored + 1
		if setModDate {
			o.ModificationDate = s.now()
		}
		if err := repo.UpdateVersionCount(ctx, o.ID, o.VersionCount, o.ModificationDate); err != nil {
			return nil, s.persistFailed("save version", o.ID, err)
		}
	}
	v := newVersion(o, s.now(), note, autosave)
	if !s.retention.DisableStackTrace {
		v.StackTrace = string(debug.Stack())
	}
	if err := repo.AppendVersion(ctx, v); err != nil {
		return nil, s.persistFailed("save version", o.ID, err)
	}
	return v, nil
}

// Delete removes an object. Its versions are purged in the background
// through the Dispatcher; tasks and the record go synchronously.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := observe.Operation{Component: "objectstore", Name: "delete", Target: strconv.FormatInt(id, 10)}
	return s.mw.Run(ctx, op, func(ctx context.Context) error {
		o, err := s.repo.Load(ctx, id)
		if err != nil {
			return err
		}

		msg := queue.VersionDeleteMessage{ElementType: ElementTypeObject, ElementID: id}
		if s.dispatcher != nil {
			if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
				return fmt.Errorf("objectstore: dispatch version purge for %d: %w", id, err)
			}
		} else if err := s.HandleVersionDelete(ctx, msg); err != nil {
			return err
		}

		err = s.repo.InTx(ctx, func(repo Repository) error {
			if err := repo.DeleteTasks(ctx, id); err != nil {
				return s.persistFailed("delete tasks", id, err)
			}
			if err := repo.Delete(ctx, id); err != nil {
				return s.persistFailed("delete", id, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.invalidate(ctx, o)
		return nil
	})
}

// HandleVersionDelete purges every version of the element named by a
// queue.VersionDeleteMessage. Other messages are ignored.
func (s *Store) HandleVersionDelete(ctx context.Context, msg queue.Message) error {
	m, ok := msg.(queue.VersionDeleteMessage)
	if !ok || m.ElementType != ElementTypeObject {
		return nil
	}
	n, err := s.repo.DeleteVersions(ctx, m.ElementID, nil)
	if err != nil {
		return s.persistFailed("delete versions", m.ElementID, err)
	}
	s.logger.Debug(ctx, "versions purged", observe.F("object_id", m.ElementID), observe.F("removed", n))
	return nil
}

// PruneVersions deletes the versions of id that fall outside the retention
// policy and returns how many were removed.
func (s *Store) PruneVersions(ctx context.Context, id int64) (int, error) {
	versions, err := s.repo.Versions(ctx, id)
	if err != nil {
		return 0, err
	}
	ids := s.retention.expired(versions, s.now())
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.repo.DeleteVersions(ctx, id, ids)
	if err != nil {
		return 0, s.persistFailed("prune versions", id, err)
	}
	return n, nil
}

// FindByField returns objects of classID whose field equals value. The
// field name is matched without regard to case and must be filterable.
func (s *Store) FindByField(ctx context.Context, classID, field string, value any, opts FindOptions) ([]*Object, error) {
	class, ok := s.Class(classID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, classID)
	}
	acc, ok := class.Accessor(field)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, classID, field)
	}
	if !acc.Filterable() {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotFilterable, classID, acc.Name)
	}
	return s.repo.Find(ctx, Query{
		ClassID:            classID,
		Field:              acc.Name,
		System:             acc.System(),
		Relation:           acc.Field != nil && acc.Field.Type == FieldRelation,
		Value:              value,
		Limit:              opts.Limit,
		Offset:             opts.Offset,
		IncludeUnpublished: opts.IncludeUnpublished,
	})
}

// CacheTags returns the tags a rendering of o depends on: its own tag, its
// class tag and the tags of eagerly loaded relations.
func (s *Store) CacheTags(o *Object) []string {
	tags := []string{ObjectTag(o.ID), ClassTag(o.ClassID)}
	class, ok := s.Class(o.ClassID)
	if !ok {
		return tags
	}
	var extra []string
	for _, f := range class.Fields {
		for _, t := range f.CacheTags(o.fields[f.Name]) {
			if !slices.Contains(tags, t) && !slices.Contains(extra, t) {
				extra = append(extra, t)
			}
		}
	}
	slices.Sort(extra)
	return append(tags, extra...)
}

// validate checks every data field and collects all failures.
func (s *Store) validate(ctx context.Context, class *Class, o *Object, omitMandatory bool) *ValidationFailure {
	var items []FieldFailure
	for _, f := range class.Fields {
		failure := f.Check(o.fields[f.Name], omitMandatory)
		if failure != nil && class.AllowInherit {
			if v, ok := s.inheritedValue(ctx, o, f.Name); ok && f.Check(v, omitMandatory) == nil {
				failure = nil
			}
		}
		if failure != nil {
			items = append(items, *failure)
		}
	}
	if len(items) == 0 {
		return nil
	}
	return newValidationFailure(items)
}

// inheritedValue walks the parent chain for the nearest ancestor of the
// same class holding a value for name.
func (s *Store) inheritedValue(ctx context.Context, o *Object, name string) (any, bool) {
	seen := map[int64]struct{}{o.ID: {}}
	id := o.ParentID()
	for id > 0 {
		if _, loop := seen[id]; loop {
			return nil, false
		}
		seen[id] = struct{}{}

		parent, err := s.repo.Load(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn(ctx, "load parent for inheritance", observe.F("object_id", id), observe.Err(err))
			}
			return nil, false
		}
		if parent.ClassID == o.ClassID {
			if v, ok := parent.fields[name]; ok && !isEmpty(v) {
				return deepCopy(v), true
			}
		}
		id = parent.ParentID()
	}
	return nil, false
}

func (s *Store) invalidate(ctx context.Context, o *Object) {
	if s.invalidator == nil {
		return
	}
	n := s.invalidator.InvalidateTags(ctx, s.CacheTags(o)...)
	s.logger.Debug(ctx, "cache invalidated", observe.F("object_id", o.ID), observe.F("removed", n))
}

func (s *Store) persistFailed(op string, id int64, err error) error {
	var pf *PersistenceFailure
	if errors.As(err, &pf) {
		return err
	}
	return &PersistenceFailure{Op: op, ObjectID: id, Err: err}
}
