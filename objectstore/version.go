package objectstore

import "time"

// Version is an immutable snapshot of an object.
type Version struct {
	ID           int64
	ObjectID     int64
	VersionCount int
	Date         time.Time
	Note         string
	IsAutoSave   bool
	StackTrace   string

	// Data is a deep copy of the object at snapshot time.
	Data Record
}

func newVersion(o *Object, date time.Time, note string, autosave bool) *Version {
	return &Version{
		ObjectID:     o.ID,
		VersionCount: o.VersionCount,
		Date:         date,
		Note:         note,
		IsAutoSave:   autosave,
		Data:         o.Record(),
	}
}

// Object rebuilds the snapshot as a detached object.
func (v Version) Object() *Object {
	return Restore(v.Data)
}

func (v Version) clone() Version {
	v.Data = Restore(v.Data).Record()
	return v
}
