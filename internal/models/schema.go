package models

import (
	"fmt"
	"sort"
	"strings"
)

// FieldKind тип значения доменного поля
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindList   FieldKind = "list"
	KindObject FieldKind = "object"
)

// FieldSpec описывает одно поле схемы
type FieldSpec struct {
	Kind     FieldKind
	Enum     []string // Enum допустимые значения для строковых полей
	Required bool
}

// Schema схема доменных полей одного типа записи
type Schema struct {
	Fields map[string]FieldSpec
	Type   EntityType
}

// ValidationError describes why a field map does not match its schema.
type ValidationError struct {
	Type   EntityType
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("invalid %s field %q: %s", e.Type, e.Field, e.Reason)
}

var schemas = map[EntityType]*Schema{
	EntityTypeTask: {
		Type: EntityTypeTask,
		Fields: map[string]FieldSpec{
			"title":       {Kind: KindString, Required: true},
			"description": {Kind: KindString},
			"priority":    {Kind: KindString, Enum: []string{"low", "medium", "high", "urgent"}},
			"status":      {Kind: KindString, Enum: []string{"todo", "in_progress", "done", "archived"}},
			"dueDate":     {Kind: KindString},
			"completed":   {Kind: KindBool},
			"tags":        {Kind: KindList},
			"workspaceId": {Kind: KindString},
			"notes":       {Kind: KindString},
			"estimate":    {Kind: KindNumber},
			"metadata":    {Kind: KindObject},
		},
	},
	EntityTypeWorkspace: {
		Type: EntityTypeWorkspace,
		Fields: map[string]FieldSpec{
			"name":        {Kind: KindString, Required: true},
			"description": {Kind: KindString},
			"color":       {Kind: KindString},
			"archived":    {Kind: KindBool},
			"members":     {Kind: KindList},
			"metadata":    {Kind: KindObject},
		},
	},
	EntityTypeFile: {
		Type: EntityTypeFile,
		Fields: map[string]FieldSpec{
			"name":        {Kind: KindString, Required: true},
			"mimeType":    {Kind: KindString},
			"size":        {Kind: KindNumber},
			"path":        {Kind: KindString},
			"workspaceId": {Kind: KindString},
			"taskId":      {Kind: KindString},
			"content":     {Kind: KindString},
			"checksum":    {Kind: KindString},
			"metadata":    {Kind: KindObject},
		},
	},
}

// SchemaFor returns the field schema of an entity type.
func SchemaFor(t EntityType) (*Schema, error) {
	s, ok := schemas[t]
	if !ok {
		return nil, fmt.Errorf("unknown entity type: %q", t)
	}
	return s, nil
}

// Validate проверяет поля по схеме.
// partial=true используется для дельты обновления: обязательные поля не проверяются,
// но обнулить обязательное поле нельзя.
func (s *Schema) Validate(fields map[string]any, partial bool) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if IsSystemField(name) {
			return &ValidationError{Type: s.Type, Field: name, Reason: "system field cannot be set directly"}
		}
		spec, ok := s.Fields[name]
		if !ok {
			return &ValidationError{Type: s.Type, Field: name, Reason: "unknown field"}
		}
		value := fields[name]
		if value == nil {
			if spec.Required {
				return &ValidationError{Type: s.Type, Field: name, Reason: "required field cannot be null"}
			}
			continue
		}
		if err := s.checkKind(name, spec, value); err != nil {
			return err
		}
	}

	if partial {
		return nil
	}

	required := make([]string, 0)
	for name, spec := range s.Fields {
		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	for _, name := range required {
		v, ok := fields[name]
		if !ok || v == nil {
			return &ValidationError{Type: s.Type, Field: name, Reason: "required field is missing"}
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" {
			return &ValidationError{Type: s.Type, Field: name, Reason: "required field is empty"}
		}
	}
	return nil
}

// Sanitize drops fields unknown to the schema. Used for server representations,
// which may carry fields this client does not know about.
func (s *Schema) Sanitize(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		if _, ok := s.Fields[name]; ok {
			out[name] = v
		}
	}
	return out
}

func (s *Schema) checkKind(name string, spec FieldSpec, value any) error {
	ok := false
	switch spec.Kind {
	case KindString:
		var str string
		str, ok = value.(string)
		if ok && len(spec.Enum) > 0 && !contains(spec.Enum, str) {
			return &ValidationError{Type: s.Type, Field: name, Reason: fmt.Sprintf("value %q is not one of %v", str, spec.Enum)}
		}
	case KindNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			ok = true
		}
	case KindBool:
		_, ok = value.(bool)
	case KindList:
		switch value.(type) {
		case []any, []string:
			ok = true
		}
	case KindObject:
		_, ok = value.(map[string]any)
	}
	if !ok {
		return &ValidationError{Type: s.Type, Field: name, Reason: fmt.Sprintf("expected %s, got %T", spec.Kind, value)}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
