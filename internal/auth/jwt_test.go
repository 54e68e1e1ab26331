package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/parkhold/internal/auth"
)

const secret = "test-secret"

func TestParseTokenRoundTrip(t *testing.T) {
	token, err := auth.IssueToken(secret, "user-7", "", time.Minute)
	require.NoError(t, err)

	claims, err := auth.ParseToken(secret, token)
	require.NoError(t, err)
	require.Equal(t, "user-7", claims.Subject)

	_, err = auth.ParseToken("other", token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = auth.ParseToken(secret, "")
	require.ErrorIs(t, err, auth.ErrMissingToken)

	expired, err := auth.IssueToken(secret, "user-7", "", -time.Minute)
	require.NoError(t, err)
	_, err = auth.ParseToken(secret, expired)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	anonymous, err := auth.IssueToken(secret, "", "", time.Minute)
	require.NoError(t, err)
	_, err = auth.ParseToken(secret, anonymous)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestMiddlewareInjectsUserAndChecksRole(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	user, err := auth.IssueToken(secret, "user-1", "", time.Minute)
	require.NoError(t, err)
	sensor, err := auth.IssueToken(secret, "gate-3", auth.RoleSensor, time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name    string
		handler http.Handler
		header  string
		status  int
	}{
		{"missing", auth.Middleware(secret)(next), "", http.StatusUnauthorized},
		{"malformed", auth.Middleware(secret)(next), "Token abc", http.StatusUnauthorized},
		{"user", auth.Middleware(secret)(next), "Bearer " + user, http.StatusNoContent},
		{"user on sensor route", auth.Middleware(secret, auth.RoleSensor)(next), "Bearer " + user, http.StatusForbidden},
		{"sensor", auth.Middleware(secret, auth.RoleSensor)(next), "bearer " + sensor, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			tc.handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
		})
	}
	require.Equal(t, "gate-3", seen)
}
