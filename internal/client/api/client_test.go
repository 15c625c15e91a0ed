package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/tasksync/internal/models"
	"github.com/iudanet/tasksync/pkg/api"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestNewClient проверяет создание нового клиента
func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:8080/", 0, testLogger())

	assert.Equal(t, "http://localhost:8080", client.baseURL)
	assert.Equal(t, DefaultTimeout, client.httpClient.Timeout)

	client = NewClient("http://localhost:8080", 5*time.Second, testLogger())
	assert.Equal(t, 5*time.Second, client.httpClient.Timeout)
}

func TestClient_Create(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/tasks", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req api.CreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "local-uuid", req.ID)
		assert.Equal(t, "Buy milk", req.Fields["title"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.Entity{ID: "42", Type: "task", Version: 1, Fields: req.Fields})
	}))
	defer server.Close()

	client := NewClient(server.URL, 0, testLogger())
	resp, err := client.Create(context.Background(), models.EntityTypeTask, "local-uuid", map[string]any{"title": "Buy milk"})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.ID)
	assert.Equal(t, int64(1), resp.Version)
}

func TestClient_UpdateAndDelete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			assert.Equal(t, "/api/workspaces/w 1", r.URL.Path)
			var req api.UpdateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, int64(3), req.Version)
			_ = json.NewEncoder(w).Encode(api.Entity{ID: "w 1", Version: 4, Fields: req.Fields})
		case http.MethodDelete:
			assert.Equal(t, "4", r.Header.Get("If-Match"))
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, 0, testLogger())
	ctx := context.Background()

	resp, err := client.Update(ctx, models.EntityTypeWorkspace, "w 1", 3, map[string]any{"name": "Home"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), resp.Version)

	require.NoError(t, client.Delete(ctx, models.EntityTypeWorkspace, "w 1", 4))
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		body   any
		check  func(t *testing.T, err error)
		name   string
		status int
	}{
		{
			name:   "conflict carries server entity",
			status: http.StatusConflict,
			body: api.ErrorResponse{
				Error:   "conflict",
				Message: "version mismatch",
				Current: &api.Entity{ID: "42", Version: 5, Fields: map[string]any{"title": "Milk 2%"}},
			},
			check: func(t *testing.T, err error) {
				var ce *ConflictError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, http.StatusConflict, ce.StatusCode)
				assert.Equal(t, "version mismatch", ce.Message)
				require.NotNil(t, ce.Current)
				assert.Equal(t, int64(5), ce.Current.Version)
			},
		},
		{
			name:   "precondition failed is a conflict",
			status: http.StatusPreconditionFailed,
			body:   api.ErrorResponse{Error: "precondition failed"},
			check: func(t *testing.T, err error) {
				assert.True(t, IsConflict(err))
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   api.ErrorResponse{Error: "not found"},
			check: func(t *testing.T, err error) {
				assert.True(t, IsNotFound(err))
				assert.False(t, IsConflict(err))
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   api.ErrorResponse{Error: "unauthorized"},
			check: func(t *testing.T, err error) {
				assert.True(t, IsAuth(err))
			},
		},
		{
			name:   "server error is transient",
			status: http.StatusInternalServerError,
			body:   "boom",
			check: func(t *testing.T, err error) {
				var ne *NetworkError
				require.ErrorAs(t, err, &ne)
				assert.Equal(t, http.StatusInternalServerError, ne.StatusCode)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			client := NewClient(server.URL, 0, testLogger())
			_, err := client.Update(context.Background(), models.EntityTypeTask, "42", 1, map[string]any{"priority": "high"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(url, time.Second, testLogger())
	_, err := client.Get(context.Background(), models.EntityTypeTask, "1")

	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, 0, ne.StatusCode)
	assert.NotNil(t, errors.Unwrap(ne))
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestClient_Token(t *testing.T) {
	var calls int
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(api.Entity{ID: "1"})
	}))
	defer server.Close()

	client := NewClient(server.URL, 0, testLogger())
	ctx := context.Background()

	valid := signedToken(t, time.Now().Add(time.Hour))
	client.SetToken(valid)
	_, err := client.Get(ctx, models.EntityTypeTask, "1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+valid, gotAuth)

	// Истекший токен отклоняется без обращения к серверу
	client.SetToken(signedToken(t, time.Now().Add(-time.Minute)))
	_, err = client.Get(ctx, models.EntityTypeTask, "1")
	assert.True(t, IsAuth(err))
	assert.Equal(t, 1, calls)

	// Непрозрачный токен отправляется как есть
	client.SetToken("opaque-token")
	_, err = client.Get(ctx, models.EntityTypeTask, "1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer opaque-token", gotAuth)
}

func TestClient_GetRaw(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tasks", r.URL.Path)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 0, testLogger())
	raw, err := client.GetRaw(context.Background(), "/api/tasks")
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[]}`, string(raw))
}
