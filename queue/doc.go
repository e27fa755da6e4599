// Package queue runs background work for the object store.
//
// A Bus buffers messages in a channel and hands them to a fixed pool of
// workers. Each message kind gets its own bulkhead so one slow kind cannot
// occupy every worker, and handler failures are retried with backoff.
//
// # Usage
//
//	bus := queue.NewBus(queue.Options{Workers: 4})
//	bus.Handle(queue.KindVersionDelete, store.HandleVersionDelete)
//	go bus.Run(ctx)
//	defer bus.Close()
//
//	err := bus.Dispatch(ctx, queue.VersionDeleteMessage{ElementType: "object", ElementID: 42})
package queue
