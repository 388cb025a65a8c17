package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		w := httptest.NewRecorder()
		data := map[string]string{"message": "test"}

		err := WriteJSON(w, http.StatusOK, data)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response map[string]string
		err = json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, "test", response["message"])
	})

	t.Run("nil data", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusNoContent, nil)
		require.NoError(t, err)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteOK(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteOK(w, map[string]string{"result": "success"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, w.Code)

	var response SuccessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	dataMap := response.Data.(map[string]interface{})
	assert.Equal(t, "success", dataMap["result"])
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteCreated(w, map[string]string{"id": "123"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, w.Code)

	var response SuccessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "123", response.Data.(map[string]interface{})["id"])
}

func TestWriteErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		write      func(w http.ResponseWriter) error
		wantStatus int
		wantError  string
		wantMsg    string
	}{
		{
			name:       "bad request",
			write:      func(w http.ResponseWriter) error { return WriteBadRequest(w, "bad input", nil) },
			wantStatus: http.StatusBadRequest,
			wantError:  "bad_request",
			wantMsg:    "bad input",
		},
		{
			name:       "not found default message",
			write:      func(w http.ResponseWriter) error { return WriteNotFound(w, "") },
			wantStatus: http.StatusNotFound,
			wantError:  "not_found",
			wantMsg:    "Resource not found",
		},
		{
			name:       "conflict",
			write:      func(w http.ResponseWriter) error { return WriteConflict(w, "seal in progress", nil) },
			wantStatus: http.StatusConflict,
			wantError:  "conflict",
			wantMsg:    "seal in progress",
		},
		{
			name:       "internal default message",
			write:      func(w http.ResponseWriter) error { return WriteInternalServerError(w, "") },
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal_error",
			wantMsg:    "Internal server error",
		},
		{
			name:       "generic unavailable",
			write:      func(w http.ResponseWriter) error { return WriteError(w, http.StatusServiceUnavailable, "down", nil) },
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "unavailable",
			wantMsg:    "down",
		},
		{
			name:       "generic unknown status",
			write:      func(w http.ResponseWriter) error { return WriteError(w, http.StatusTeapot, "odd", nil) },
			wantStatus: http.StatusTeapot,
			wantError:  "internal_error",
			wantMsg:    "odd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tt.write(w))

			assert.Equal(t, tt.wantStatus, w.Code)

			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.wantError, response.Error)
			assert.Equal(t, tt.wantMsg, response.Message)
		})
	}
}

func TestWriteBadRequestDetails(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteBadRequest(w, "Validation failed", map[string]interface{}{"Action": "Action is required"})
	require.NoError(t, err)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "Action is required", response.Details["Action"])
}

func TestWriteServiceUnavailable(t *testing.T) {
	t.Run("with retry after", func(t *testing.T) {
		w := httptest.NewRecorder()
		require.NoError(t, WriteServiceUnavailable(w, "", 2))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "2", w.Header().Get("Retry-After"))

		var response ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "unavailable", response.Error)
		assert.Equal(t, "Service temporarily unavailable", response.Message)
	})

	t.Run("without retry after", func(t *testing.T) {
		w := httptest.NewRecorder()
		require.NoError(t, WriteServiceUnavailable(w, "store down", 0))

		assert.Empty(t, w.Header().Get("Retry-After"))
	})
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Action string `json:"action"`
	}

	tests := []struct {
		name    string
		body    string
		want    string
		wantErr string
	}{
		{name: "valid", body: `{"action":"login"}`, want: "login"},
		{name: "empty body", body: ``, wantErr: "request body is required"},
		{name: "malformed", body: `{"action":`, wantErr: "invalid JSON body"},
		{name: "unknown field", body: `{"action":"x","extra":1}`, wantErr: "invalid JSON body"},
		{name: "trailing object", body: `{"action":"x"}{"action":"y"}`, wantErr: "single JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))

			var got payload
			err := DecodeJSON(r, &got)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Action)
		})
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=20&offset=-1&bad=x", nil)

	v, err := QueryInt(r, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 20, v)

	v, err = QueryInt(r, "missing", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, v)

	_, err = QueryInt(r, "offset", 0)
	assert.Error(t, err)

	_, err = QueryInt(r, "bad", 0)
	assert.EqualError(t, err, "bad must be a non-negative integer")
}
