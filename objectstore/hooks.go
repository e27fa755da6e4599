package objectstore

import "context"

// UpdateEvent is passed to update hooks.
type UpdateEvent struct {
	Object          *Object
	SaveVersionOnly bool
	IsAutoSave      bool

	// Err is set for PostUpdateFailure.
	Err error
}

// Hooks observe the save lifecycle. Every hook is optional.
type Hooks struct {
	// PreUpdate runs before any write. An error aborts the save.
	PreUpdate func(ctx context.Context, ev UpdateEvent) error

	PostUpdate func(ctx context.Context, ev UpdateEvent)

	PostUpdateFailure func(ctx context.Context, ev UpdateEvent)
}

func (h Hooks) preUpdate(ctx context.Context, ev UpdateEvent) error {
	if h.PreUpdate == nil {
		return nil
	}
	return h.PreUpdate(ctx, ev)
}

func (h Hooks) postUpdate(ctx context.Context, ev UpdateEvent) {
	if h.PostUpdate != nil {
		h.PostUpdate(ctx, ev)
	}
}

func (h Hooks) postUpdateFailure(ctx context.Context, ev UpdateEvent) {
	if h.PostUpdateFailure != nil {
		h.PostUpdateFailure(ctx, ev)
	}
}
