package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/api/shared"
	"github.com/phrazzld/bookshelf-api/internal/mocks"
	"github.com/phrazzld/bookshelf-api/internal/service/auth"
	"github.com/stretchr/testify/assert"
)

func TestAuthenticate(t *testing.T) {
	userID := uuid.New()

	tests := []struct {
		name        string
		header      string
		validateErr error
		wantStatus  int
		wantBody    string
	}{
		{"valid token", "Bearer good", nil, http.StatusOK, userID.String()},
		{"lowercase scheme", "bearer good", nil, http.StatusOK, userID.String()},
		{"missing header", "", nil, http.StatusUnauthorized, "Authorization header required"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", nil, http.StatusUnauthorized, "Invalid authorization format"},
		{"bearer without token", "Bearer ", nil, http.StatusUnauthorized, "Invalid authorization format"},
		{"expired token", "Bearer old", auth.ErrExpiredToken, http.StatusUnauthorized, "Token expired"},
		{"invalid token", "Bearer forged", auth.ErrInvalidToken, http.StatusUnauthorized, "Invalid token"},
		{"wrapped invalid token", "Bearer forged", errors.Join(errors.New("parse"), auth.ErrInvalidToken), http.StatusUnauthorized, "Invalid token"},
		{"wrong token type", "Bearer refresh", auth.ErrWrongTokenType, http.StatusUnauthorized, "Invalid token"},
		{"unexpected failure", "Bearer good", errors.New("keystore offline"), http.StatusInternalServerError, "Authentication error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jwtService := &mocks.MockJWTService{
				ValidateTokenFn: func(_ context.Context, _ string) (*auth.Claims, error) {
					if tt.validateErr != nil {
						return nil, tt.validateErr
					}
					return &auth.Claims{UserID: userID}, nil
				},
			}

			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				id, ok := GetUserID(r)
				if !ok {
					t.Error("user ID missing from authenticated request")
				}
				_, _ = w.Write([]byte(id.String()))
			})

			req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			NewAuthMiddleware(jwtService).Authenticate(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			assert.NotContains(t, rec.Body.String(), "keystore")
		})
	}
}

func TestGetUserIDWithoutAuthentication(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := GetUserID(req)
	assert.False(t, ok)

	req = req.WithContext(shared.WithUserID(req.Context(), uuid.Nil))
	_, ok = GetUserID(req)
	assert.False(t, ok)
}
