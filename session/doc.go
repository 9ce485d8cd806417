// Package session tracks authenticated device contexts in Redis. Each
// session is a hash record indexed by a per-account set, holding the jti
// of the newest refresh token in its rotation chain. Records outlive
// their expiry by a retention grace window so listings and sweeps can
// observe expired sessions before the keys lapse.
package session
