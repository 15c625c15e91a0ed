package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/iudanet/tasksync/internal/models"
	"github.com/iudanet/tasksync/internal/server/storage"
	"github.com/iudanet/tasksync/pkg/api"
)

// EntityHandler обрабатывает CRUD запросы к записям всех типов.
// Путь: /api/{collection}[/{id}], где collection - tasks, workspaces или files.
type EntityHandler struct {
	logger  *slog.Logger
	storage storage.EntityStorage
	newID   func() string
}

// EntityOption настраивает EntityHandler
type EntityOption func(*EntityHandler)

// WithIDGenerator задает генератор канонических id (по умолчанию uuid)
func WithIDGenerator(fn func() string) EntityOption {
	return func(h *EntityHandler) {
		h.newID = fn
	}
}

// NewEntityHandler создает новый handler для записей
func NewEntityHandler(logger *slog.Logger, entityStorage storage.EntityStorage, opts ...EntityOption) *EntityHandler {
	h := &EntityHandler{
		logger:  logger,
		storage: entityStorage,
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Create обрабатывает POST /api/{collection}
// Клиентский id сохраняется как client_id: повторный запрос вернет ту же запись
func (h *EntityHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	schema, ok := h.schema(w, r)
	if !ok {
		return
	}

	var req api.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode create request", slog.Any("error", err))
		h.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := schema.Validate(req.Fields, false); err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, created, err := h.storage.Create(ctx, &storage.Record{
		ID:       h.newID(),
		ClientID: req.ID,
		Type:     string(schema.Type),
		Fields:   req.Fields,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create entity", slog.Any("error", err))
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}

	h.logger.InfoContext(ctx, "entity created",
		slog.String("type", rec.Type),
		slog.String("id", rec.ID),
		slog.String("client_id", rec.ClientID),
		slog.Bool("replayed", !created))

	h.sendJSON(w, status, toAPI(rec))
}

// Update обрабатывает PUT /api/{collection}/{id}
// Версия в теле должна совпадать с текущей, иначе 409 с текущим состоянием
func (h *EntityHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	schema, ok := h.schema(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req api.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode update request", slog.Any("error", err))
		h.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := schema.Validate(req.Fields, true); err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := h.storage.Update(ctx, string(schema.Type), id, req.Version, req.Fields)
	if err != nil {
		h.handleStorageError(w, r, err, http.StatusConflict)
		return
	}

	h.sendJSON(w, http.StatusOK, toAPI(rec))
}

// Delete обрабатывает DELETE /api/{collection}/{id}
// Версия передается в If-Match; при несовпадении 412 с текущим состоянием
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	schema, ok := h.schema(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	baseVersion, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		h.sendError(w, "invalid If-Match header", http.StatusBadRequest)
		return
	}

	if err := h.storage.Delete(ctx, string(schema.Type), id, baseVersion); err != nil {
		h.handleStorageError(w, r, err, http.StatusPreconditionFailed)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Get обрабатывает GET /api/{collection}/{id}
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	schema, ok := h.schema(w, r)
	if !ok {
		return
	}

	rec, err := h.storage.Get(r.Context(), string(schema.Type), chi.URLParam(r, "id"))
	if err != nil {
		h.handleStorageError(w, r, err, http.StatusConflict)
		return
	}

	h.sendJSON(w, http.StatusOK, toAPI(rec))
}

// List обрабатывает GET /api/{collection}
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	schema, ok := h.schema(w, r)
	if !ok {
		return
	}

	records, err := h.storage.List(r.Context(), string(schema.Type))
	if err != nil {
		h.handleStorageError(w, r, err, http.StatusConflict)
		return
	}

	resp := api.ListResponse{Items: make([]api.Entity, 0, len(records))}
	for _, rec := range records {
		resp.Items = append(resp.Items, *toAPI(rec))
	}
	h.sendJSON(w, http.StatusOK, resp)
}

// schema определяет тип записи по сегменту пути
func (h *EntityHandler) schema(w http.ResponseWriter, r *http.Request) (*models.Schema, bool) {
	t, err := models.ParseEntityType(chi.URLParam(r, "collection"))
	if err != nil {
		h.sendError(w, "unknown collection", http.StatusNotFound)
		return nil, false
	}
	schema, err := models.SchemaFor(t)
	if err != nil {
		h.sendError(w, "unknown collection", http.StatusNotFound)
		return nil, false
	}
	return schema, true
}

// handleStorageError переводит ошибку хранилища в HTTP статус.
// mismatchStatus - статус для несовпадения версии (409 для PUT, 412 для DELETE).
func (h *EntityHandler) handleStorageError(w http.ResponseWriter, r *http.Request, err error, mismatchStatus int) {
	var mismatch *storage.VersionMismatchError
	switch {
	case errors.As(err, &mismatch):
		h.logger.InfoContext(r.Context(), "version mismatch",
			slog.String("path", r.URL.Path),
			slog.Int64("expected", mismatch.Expected),
			slog.Int64("current", mismatch.Current.Version))
		h.sendJSON(w, mismatchStatus, api.ErrorResponse{
			Error:   "version mismatch",
			Message: mismatch.Error(),
			Current: toAPI(mismatch.Current),
		})
	case errors.Is(err, storage.ErrEntityNotFound):
		h.sendError(w, "entity not found", http.StatusNotFound)
	default:
		h.logger.ErrorContext(r.Context(), "storage error", slog.String("path", r.URL.Path), slog.Any("error", err))
		h.sendError(w, "internal server error", http.StatusInternalServerError)
	}
}

// sendJSON отправляет JSON ответ
func (h *EntityHandler) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

// sendError отправляет JSON ответ с ошибкой
func (h *EntityHandler) sendError(w http.ResponseWriter, message string, status int) {
	h.sendJSON(w, status, api.ErrorResponse{Error: message})
}

// parseIfMatch разбирает версию из If-Match ("3" или "\"3\""); пустой заголовок - 0
func parseIfMatch(header string) (int64, error) {
	v := strings.Trim(strings.TrimSpace(header), `"`)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func toAPI(rec *storage.Record) *api.Entity {
	if rec == nil {
		return nil
	}
	return &api.Entity{
		ID:        rec.ID,
		Type:      rec.Type,
		Version:   rec.Version,
		Fields:    rec.Fields,
		Deleted:   rec.Deleted,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
