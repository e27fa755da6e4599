package secret

import "errors"

var (
	// ErrSecretNotFound is returned when a provider has no value for a ref.
	ErrSecretNotFound = errors.New("secret: not found")

	// ErrUnknownProvider is returned for references to unregistered providers.
	ErrUnknownProvider = errors.New("secret: provider is not registered")

	// ErrMissingEnv is returned when ${VAR} names an unset variable.
	ErrMissingEnv = errors.New("secret: missing required environment variables")
)
