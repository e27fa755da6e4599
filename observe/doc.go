// Package observe provides logging, metrics and tracing for the page cache
// and the object store.
//
// Components take the small Logger, Metrics and Tracer interfaces defined
// here. Nil values are replaced with no-op implementations by their
// constructors, so the package never forces exporter setup on callers.
package observe
