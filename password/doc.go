// Package password provides argon2id secret hashing in PHC string format
// with constant-time verification and cost-upgrade detection.
package password
