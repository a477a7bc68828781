// Package auth issues and validates JWT access tokens and hashes passwords
// with bcrypt.
package auth
