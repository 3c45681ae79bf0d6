package agent

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Keep hashing cheap in tests
	argonMemory = 1024
}

func TestHashToken(t *testing.T) {
	t.Parallel()

	hash, err := HashToken("s3cret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=4$"), hash)

	again, err := HashToken("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "salt must differ between hashes")
}

func TestVerifyToken(t *testing.T) {
	t.Parallel()

	hash, err := HashToken("s3cret")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		hash  string
		want  bool
	}{
		{name: "match", token: "s3cret", hash: hash, want: true},
		{name: "wrong token", token: "guess", hash: hash, want: false},
		{name: "empty token", token: "", hash: hash, want: false},
		{name: "not argon2id", token: "s3cret", hash: strings.Replace(hash, "argon2id", "argon2i", 1), want: false},
		{name: "wrong version", token: "s3cret", hash: strings.Replace(hash, "v=19", "v=16", 1), want: false},
		{name: "too few parts", token: "s3cret", hash: "$argon2id$v=19$abc", want: false},
		{name: "bad params", token: "s3cret", hash: "$argon2id$v=19$m=x,t=1,p=4$c2FsdA$aGFzaA", want: false},
		{name: "bad salt", token: "s3cret", hash: "$argon2id$v=19$m=1024,t=1,p=4$!!!$aGFzaA", want: false},
		{name: "empty", token: "s3cret", hash: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, VerifyToken(tt.token, tt.hash))
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	hash, err := HashToken("s3cret")
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		hash   string
		header string
		want   int
	}{
		{name: "auth disabled", hash: "", header: "", want: http.StatusNoContent},
		{name: "valid bearer", hash: hash, header: "Bearer s3cret", want: http.StatusNoContent},
		{name: "missing header", hash: hash, header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", hash: hash, header: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "wrong token", hash: hash, header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "empty bearer", hash: hash, header: "Bearer ", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest("GET", "/executions/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			AuthMiddleware(tt.hash)(ok).ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
				assert.Contains(t, w.Body.String(), "unauthorized")
			}
		})
	}
}
