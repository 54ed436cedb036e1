// Package testdb provides helpers for tests that need a real PostgreSQL
// database. Tests using it skip themselves unless a database URL is
// configured.
package testdb
