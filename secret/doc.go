// Package secret resolves secret references in configuration values.
//
// A value is first expanded against the environment (see ExpandEnvStrict),
// then any "secretref:<provider>:<ref>" reference is replaced by what the
// named provider returns:
//
//	redis_password: secretref:env:REDIS_PASSWORD
//	jwt_key: secretref:file:/run/secrets/jwt_key
//
// References may also appear inline, e.g. "redis://:secretref:env:PW@host".
package secret
