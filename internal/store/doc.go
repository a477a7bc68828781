// Package store defines the persistence contracts for users and books.
// Implementations live under internal/platform (postgres and memory); the
// service layer depends only on these interfaces and the sentinel errors
// declared here.
package store
