// Package authvault implements the token lifecycle and session management
// core of a JWT-based authentication system: credential verification with
// account lockout, access/refresh token issuance, refresh-token rotation
// with replay detection, multi-device session tracking, and security audit
// logging.
//
// Redis backs every hot-path atomic operation (blacklist test-and-set,
// lockout counters, session state). Account lookup and audit persistence
// are pluggable interfaces; a PostgreSQL implementation of both lives in
// the postgres subpackage.
//
// Construct a [Service] through the [Builder]:
//
//	svc, err := authvault.New().
//		WithRedis(rdb).
//		WithAccounts(accountStore).
//		WithAuditSink(auditSink).
//		WithPolicy(authvault.DefaultPolicy()).
//		Build()
package authvault
