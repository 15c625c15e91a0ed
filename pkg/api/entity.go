package api

import "time"

// Entity представление записи на сервере
type Entity struct {
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Fields    map[string]any `json:"fields"`  // доменные поля записи
	ID        string         `json:"id"`      // канонический id, назначенный сервером
	Type      string         `json:"type"`    // тип записи (task, workspace, file)
	Version   int64          `json:"version"` // версия записи на сервере
	Deleted   bool           `json:"deleted,omitempty"`
}

// CreateRequest представляет запрос на создание записи (POST /api/<types>)
type CreateRequest struct {
	Fields map[string]any `json:"fields"`
	ID     string         `json:"id"` // оптимистичный id клиента; сервер может назначить свой
}

// UpdateRequest представляет запрос на изменение записи (PUT /api/<types>/<id>).
// Fields содержит только измененные поля; Version - версия, от которой сделано изменение.
type UpdateRequest struct {
	Fields  map[string]any `json:"fields"`
	Version int64          `json:"version"`
}

// ListResponse представляет список записей одного типа
type ListResponse struct {
	Items []Entity `json:"items"`
}

// ErrorResponse представляет ответ с ошибкой.
// Для 409/412 Current содержит текущее состояние записи на сервере.
type ErrorResponse struct {
	Current *Entity `json:"current,omitempty"`
	Error   string  `json:"error"`             // описание ошибки
	Message string  `json:"message,omitempty"` // дополнительное сообщение
}
