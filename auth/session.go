package auth

import "net/http"

// SessionChecker reports whether a request belongs to a privileged session.
// The full-page cache consults it to bypass pages rendered for editors.
type SessionChecker struct {
	authn Authenticator
	role  string
}

// NewSessionChecker creates a checker over authn. An empty role treats
// every authenticated identity as privileged.
func NewSessionChecker(authn Authenticator, role string) *SessionChecker {
	return &SessionChecker{authn: authn, role: role}
}

// Privileged reports whether r carries a valid session with the configured
// role. Missing or rejected credentials are not privileged. Internal
// authenticator failures are returned as errors.
func (s *SessionChecker) Privileged(r *http.Request) (bool, error) {
	if s == nil || s.authn == nil {
		return false, nil
	}
	ctx := r.Context()
	req := NewAuthRequest(r)
	if !s.authn.Supports(ctx, req) {
		return false, nil
	}
	result, err := s.authn.Authenticate(ctx, req)
	if err != nil {
		return false, err
	}
	if !result.Authenticated {
		return false, nil
	}
	return s.role == "" || result.Identity.HasRole(s.role), nil
}

// RequireRole is HTTP middleware that admits requests authenticated by
// authn whose identity carries role. It answers 401 without valid
// credentials, 403 without the role and 500 on internal failures. The
// identity is attached to the request context.
func RequireRole(authn Authenticator, role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := NewAuthRequest(r)
		if !authn.Supports(r.Context(), req) {
			http.Error(w, ErrMissingCredentials.Error(), http.StatusUnauthorized)
			return
		}
		result, err := authn.Authenticate(r.Context(), req)
		if err != nil {
			http.Error(w, "auth: authentication unavailable", http.StatusInternalServerError)
			return
		}
		if !result.Authenticated {
			msg := ErrInvalidCredentials.Error()
			if result.Error != nil {
				msg = result.Error.Error()
			}
			http.Error(w, msg, http.StatusUnauthorized)
			return
		}
		if role != "" && !result.Identity.HasRole(role) {
			err := &RoleError{Principal: result.Identity.Principal, Role: role, Resource: req.Resource}
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), result.Identity)))
	})
}
