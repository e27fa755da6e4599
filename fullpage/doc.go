// Package fullpage serves whole rendered responses from a cache.ResponseCache.
//
// A GateKeeper decides per request whether the page may come from, or go
// to, the cache. The decision starts enabled and can only move once: to
// disabled, with a human readable reason, or to served, when a stored
// response answered the request and the handler was skipped. Both end
// states are final for the request.
//
// The request side runs an ordered pipeline (sub-request, method, no-cache
// directives, settings, exclude cookies, privileged session, exclude
// patterns, targeting) and then looks up
//
//	output_<md5(host + requestURI + suffix)>
//
// first with a "_<device>" suffix and then without it. The response side
// stores buffered 200 responses under tag "output" (or "output_lifetime"
// when a lifetime applies). Whenever the page is not cacheable, the
// fragment tag cache.TagInline is ignored for the rest of the request.
package fullpage
