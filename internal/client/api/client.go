package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iudanet/tasksync/internal/models"
	"github.com/iudanet/tasksync/pkg/api"
)

// DefaultTimeout таймаут одного запроса к удаленному API
const DefaultTimeout = 30 * time.Second

//go:generate moq -out remote_mock.go . Remote

// Remote граница удаленного API: один набор endpoint'ов на тип записи
type Remote interface {
	// Create POST /api/<types>; returns the canonical entity (201)
	Create(ctx context.Context, t models.EntityType, id string, fields map[string]any) (*api.Entity, error)

	// Update PUT /api/<types>/<id> with the changed fields and the base version
	Update(ctx context.Context, t models.EntityType, id string, baseVersion int64, fields map[string]any) (*api.Entity, error)

	// Delete DELETE /api/<types>/<id> with If-Match: <baseVersion>
	Delete(ctx context.Context, t models.EntityType, id string, baseVersion int64) error

	// Get GET /api/<types>/<id>
	Get(ctx context.Context, t models.EntityType, id string) (*api.Entity, error)

	// GetRaw performs an idempotent GET of path and returns the response body
	GetRaw(ctx context.Context, path string) ([]byte, error)
}

// Client представляет HTTP клиент удаленного API
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	token      string
	mu         sync.RWMutex
}

var _ Remote = (*Client)(nil)

// NewClient создает новый API клиент
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовки Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
}

// SetToken sets the bearer token sent with every request. Empty disables auth.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Create создает запись на сервере
func (c *Client) Create(ctx context.Context, t models.EntityType, id string, fields map[string]any) (*api.Entity, error) {
	var resp api.Entity
	req := api.CreateRequest{ID: id, Fields: fields}
	if err := c.doRequest(ctx, http.MethodPost, collectionPath(t), nil, req, &resp); err != nil {
		return nil, fmt.Errorf("create %s request failed: %w", t, err)
	}
	return &resp, nil
}

// Update отправляет дельту записи
func (c *Client) Update(ctx context.Context, t models.EntityType, id string, baseVersion int64, fields map[string]any) (*api.Entity, error) {
	var resp api.Entity
	req := api.UpdateRequest{Version: baseVersion, Fields: fields}
	if err := c.doRequest(ctx, http.MethodPut, entityPath(t, id), nil, req, &resp); err != nil {
		return nil, fmt.Errorf("update %s request failed: %w", t, err)
	}
	return &resp, nil
}

// Delete удаляет запись; версия передается в If-Match
func (c *Client) Delete(ctx context.Context, t models.EntityType, id string, baseVersion int64) error {
	headers := map[string]string{"If-Match": strconv.FormatInt(baseVersion, 10)}
	if err := c.doRequest(ctx, http.MethodDelete, entityPath(t, id), headers, nil, nil); err != nil {
		return fmt.Errorf("delete %s request failed: %w", t, err)
	}
	return nil
}

// Get получает текущее состояние записи
func (c *Client) Get(ctx context.Context, t models.EntityType, id string) (*api.Entity, error) {
	var resp api.Entity
	if err := c.doRequest(ctx, http.MethodGet, entityPath(t, id), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get %s request failed: %w", t, err)
	}
	return &resp, nil
}

// GetRaw выполняет GET и возвращает тело ответа как есть
func (c *Client) GetRaw(ctx context.Context, path string) ([]byte, error) {
	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("get %s request failed: %w", path, err)
	}
	return raw, nil
}

func collectionPath(t models.EntityType) string {
	return "/api/" + t.Endpoint()
}

func entityPath(t models.EntityType, id string) string {
	return collectionPath(t) + "/" + url.PathEscape(id)
}

// authorize проверяет срок действия токена до отправки запроса.
// Непрозрачный (не JWT) токен отправляется без проверки.
func (c *Client) authorize() (string, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	if token == "" {
		return "", nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return token, nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(time.Now()) {
		return "", &AuthError{Message: "access token expired at " + claims.ExpiresAt.UTC().Format(time.RFC3339)}
	}
	return token, nil
}

// doRequest выполняет HTTP запрос и переводит статус ответа в типизированную ошибку
func (c *Client) doRequest(ctx context.Context, method, path string, headers map[string]string, body, result any) error {
	token, err := c.authorize()
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Method: method, Path: path, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Method: method, Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	c.logger.Debug("Remote request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(method, path, resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func statusError(method, path string, status int, body []byte) error {
	var errResp api.ErrorResponse
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil {
		message = errResp.Message
		if message == "" {
			message = errResp.Error
		}
	}

	switch status {
	case http.StatusConflict, http.StatusPreconditionFailed:
		return &ConflictError{StatusCode: status, Message: message, Current: errResp.Current}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{StatusCode: status, Message: message}
	default:
		return &NetworkError{Method: method, Path: path, StatusCode: status, Message: message}
	}
}
