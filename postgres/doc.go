// Package postgres adapts PostgreSQL to the core's ports: an account
// source implementing authvault.AccountProvider and a persistent audit
// sink. schema.sql carries the expected tables.
package postgres
