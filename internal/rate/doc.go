// Package rate provides Redis-backed fixed-window counters used to
// throttle login and refresh traffic.
//
// # Window semantics
//
// Fixed-window counters: a Lua INCR that arms the window TTL on the
// first hit, so count and expiry move together. Key prefixes:
//   - rl:login:h:  — login per-handle
//   - rl:login:ip: — login per-IP
//   - rl:refresh:  — refresh per-session
//
// Throttling is volume control only; reacting to failed credentials is
// the lockout policy's job and lives outside this package.
package rate
