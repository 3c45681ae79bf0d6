package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value   string
		want    int
		wantErr string
	}{
		{value: "", want: 20},
		{value: "7", want: 7},
		{value: "x", wantErr: "valid integer"},
		{value: "0", wantErr: "between 1 and 100"},
		{value: "101", wantErr: "between 1 and 100"},
	}
	for _, tt := range tests {
		got, err := ParseIntParam(tt.value, 1, 100, 20)
		if tt.wantErr != "" {
			require.Error(t, err, tt.value)
			assert.Contains(t, err.Error(), tt.wantErr)
			continue
		}
		require.NoError(t, err, tt.value)
		assert.Equal(t, tt.want, got)
	}
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteError(rec, 404, ErrorNotFound, "run x not found")

	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"not_found","message":"run x not found"}`, rec.Body.String())
}
