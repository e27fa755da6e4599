// Package cache stores rendered responses and fragments under tags.
//
// ResponseCache is the shared store. It keeps a TagIndex next to a Backend
// (MemoryBackend in process, RedisBackend remote) and guards both with one
// lock, so invalidating a tag is atomic with respect to concurrent Get and
// Put calls. Entries with a lifetime expire lazily on read; Sweep removes
// expired entries in bulk.
//
// Tags can be suppressed for the rest of a request with AddIgnoredTagOnSave.
// The suppression lives in an IgnoreScope carried by the request context;
// calls made outside any scope fall back to one process-wide scope.
package cache
