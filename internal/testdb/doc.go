// Package testdb provides utilities for tests that run against a real
// PostgreSQL database. Tests using it are tagged "integration" and skip when
// no database URL is configured.
package testdb
