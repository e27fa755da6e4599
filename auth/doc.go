// Package auth identifies editors and administrators.
//
// The full-page cache must never store a page rendered for a privileged
// session, and the write endpoints must only accept editors. Both questions
// are answered from a signed JWT carried either in a session cookie or in an
// Authorization header. SessionChecker reports whether a request belongs to
// a privileged session; RequireRole guards write handlers.
package auth
