// Package token mints and verifies the signed access and refresh tokens
// of the authentication core. Access tokens are short-lived and stateless;
// refresh tokens carry a unique jti bound to exactly one session, which is
// the unit of blacklisting during rotation.
package token
