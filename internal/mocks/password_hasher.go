package mocks

import (
	"sync"

	"github.com/phrazzld/bookshelf-api/internal/service/auth"
)

// MockPasswordHasher implements auth.PasswordHasher for testing
type MockPasswordHasher struct {
	// ShouldSucceed determines whether the password comparison should succeed
	ShouldSucceed bool

	// HashFn and CompareFn allow for custom logic in tests
	HashFn    func(password string) (string, error)
	CompareFn func(hashedPassword, password string) error

	mu sync.Mutex

	// CompareCalledWith stores the arguments passed to Compare for verification
	CompareCalledWith struct {
		HashedPassword string
		Password       string
	}

	// CompareCallCount tracks how many times Compare was called
	CompareCallCount int
}

var _ auth.PasswordHasher = (*MockPasswordHasher)(nil)

// Hash implements auth.PasswordHasher. By default it returns a recognizable
// fake hash.
func (m *MockPasswordHasher) Hash(password string) (string, error) {
	if m.HashFn != nil {
		return m.HashFn(password)
	}
	return "hashed:" + password, nil
}

// Compare implements the auth.PasswordVerifier interface
func (m *MockPasswordHasher) Compare(hashedPassword, password string) error {
	m.mu.Lock()
	m.CompareCalledWith.HashedPassword = hashedPassword
	m.CompareCalledWith.Password = password
	m.CompareCallCount++
	m.mu.Unlock()

	if m.CompareFn != nil {
		return m.CompareFn(hashedPassword, password)
	}
	if m.ShouldSucceed {
		return nil
	}
	return auth.ErrPasswordMismatch
}
