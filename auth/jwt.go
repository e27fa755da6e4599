package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures the JWT authenticator.
type JWTConfig struct {
	// Issuer is the expected iss claim. Empty skips the check.
	Issuer string

	// Audience is the expected aud claim. Empty skips the check.
	Audience string

	// CookieName reads the token from this cookie instead of a header.
	CookieName string

	// HeaderName is the header containing the token.
	// Default: "Authorization"
	HeaderName string

	// TokenPrefix is the prefix before the token in the header.
	// Default: "Bearer "
	TokenPrefix string

	// PrincipalClaim is the claim containing the user principal.
	// Default: "sub"
	PrincipalClaim string

	// RolesClaim holds the roles, as an array or a space separated string.
	// Default: "roles"
	RolesClaim string

	// Methods lists the accepted signing algorithms.
	// Default: ["HS256"]
	Methods []string

	// Now is the clock used for exp/nbf/iat checks.
	// Default: time.Now
	Now func() time.Time
}

// KeyProvider retrieves signing keys for JWT validation.
type KeyProvider interface {
	// GetKey returns the key for the given key ID. An unknown kid is
	// reported with ErrKeyNotFound; other errors are internal failures.
	GetKey(ctx context.Context, keyID string) (any, error)
}

// StaticKeyProvider provides a static signing key.
type StaticKeyProvider struct {
	key []byte
}

// NewStaticKeyProvider creates a static key provider.
func NewStaticKeyProvider(key []byte) *StaticKeyProvider {
	return &StaticKeyProvider{key: key}
}

// GetKey returns the static key.
func (p *StaticKeyProvider) GetKey(_ context.Context, _ string) (any, error) {
	if len(p.key) == 0 {
		return nil, ErrKeyNotFound
	}
	return p.key, nil
}

// JWTAuthenticator validates JWT tokens from a header or a cookie.
type JWTAuthenticator struct {
	config      JWTConfig
	keyProvider KeyProvider
	parser      *jwt.Parser
}

// NewJWTAuthenticator creates a new JWT authenticator.
func NewJWTAuthenticator(config JWTConfig, keyProvider KeyProvider) *JWTAuthenticator {
	if config.HeaderName == "" {
		config.HeaderName = "Authorization"
	}
	if config.TokenPrefix == "" {
		config.TokenPrefix = "Bearer "
	}
	if config.PrincipalClaim == "" {
		config.PrincipalClaim = "sub"
	}
	if config.RolesClaim == "" {
		config.RolesClaim = "roles"
	}
	if len(config.Methods) == 0 {
		config.Methods = []string{jwt.SigningMethodHS256.Alg()}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(config.Methods),
		jwt.WithTimeFunc(config.Now),
		jwt.WithIssuedAt(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}

	return &JWTAuthenticator{
		config:      config,
		keyProvider: keyProvider,
		parser:      jwt.NewParser(opts...),
	}
}

// Name returns "cookie" for cookie sourced tokens and "jwt" otherwise.
func (a *JWTAuthenticator) Name() string {
	if a.config.CookieName != "" {
		return string(AuthMethodCookie)
	}
	return string(AuthMethodJWT)
}

// Supports returns true if the request carries a token in the configured
// place.
func (a *JWTAuthenticator) Supports(_ context.Context, req *AuthRequest) bool {
	return a.token(req) != ""
}

// Authenticate validates the token. Signature, expiry, issuer and audience
// failures are auth failures; a key provider failure other than
// ErrKeyNotFound is returned as an error.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	tokenString := a.token(req)
	if tokenString == "" {
		return AuthFailure(ErrMissingCredentials, a.Name()), nil
	}

	var keyErr error
	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, err := a.keyProvider.GetKey(ctx, kid)
		if err != nil {
			keyErr = err
		}
		return key, err
	})

	switch {
	case keyErr != nil && !errors.Is(keyErr, ErrKeyNotFound):
		return nil, fmt.Errorf("auth: signing key: %w", keyErr)
	case keyErr != nil:
		return AuthFailure(ErrKeyNotFound, a.Name()), nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return AuthFailure(ErrTokenExpired, a.Name()), nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return AuthFailure(ErrTokenMalformed, a.Name()), nil
	case err != nil:
		return AuthFailure(ErrInvalidCredentials, a.Name()), nil
	}

	return AuthSuccess(a.buildIdentity(claims)), nil
}

func (a *JWTAuthenticator) token(req *AuthRequest) string {
	if a.config.CookieName != "" {
		return strings.TrimSpace(req.Cookie(a.config.CookieName))
	}
	header := req.GetHeader(a.config.HeaderName)
	token, ok := strings.CutPrefix(header, a.config.TokenPrefix)
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (a *JWTAuthenticator) buildIdentity(claims jwt.MapClaims) *Identity {
	method := AuthMethodJWT
	if a.config.CookieName != "" {
		method = AuthMethodCookie
	}
	identity := &Identity{
		Method: method,
		Claims: make(map[string]any, len(claims)),
	}
	for k, v := range claims {
		identity.Claims[k] = v
	}

	if principal, ok := claims[a.config.PrincipalClaim].(string); ok {
		identity.Principal = principal
	}
	identity.Roles = rolesFromClaim(claims[a.config.RolesClaim])

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		identity.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		identity.IssuedAt = iat.Time
	}
	return identity
}

func rolesFromClaim(v any) []string {
	switch roles := v.(type) {
	case string:
		return strings.Fields(roles)
	case []any:
		out := make([]string, 0, len(roles))
		for _, r := range roles {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return roles
	default:
		return nil
	}
}

var (
	_ Authenticator = (*JWTAuthenticator)(nil)
	_ KeyProvider   = (*StaticKeyProvider)(nil)
)
