// Package search implements the offline full-text index over entity text fields.
package search

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/iudanet/tasksync/internal/models"
)

// DefaultLimit максимальное число результатов, если Limit не задан
const DefaultLimit = 50

// DefaultTextPaths gjson-пути к текстовым полям по типам записей
var DefaultTextPaths = map[models.EntityType][]string{
	models.EntityTypeTask:      {"title", "description", "notes", "tags"},
	models.EntityTypeWorkspace: {"name", "description"},
	models.EntityTypeFile:      {"name", "path", "mimeType"},
}

// Options параметры поиска
type Options struct {
	Types  []models.EntityType // Types ограничение по типам (пусто - все)
	Limit  int
	Prefix bool // Prefix термы запроса сопоставляются как префиксы
}

// Result найденная запись
type Result struct {
	EntityType models.EntityType
	ID         string
	Score      float64
}

type document struct {
	terms      map[string]int
	entityType models.EntityType
	id         string
	length     int
}

// Index инвертированный индекс в памяти.
// Строится из хранилища при инициализации и обновляется фасадом синхронно.
type Index struct {
	postings  map[string]map[string]int // term -> doc key -> tf
	docs      map[string]*document
	textPaths map[models.EntityType][]string
	logger    *slog.Logger
	mu        sync.RWMutex
}

// NewIndex creates an empty index. nil textPaths means DefaultTextPaths.
func NewIndex(textPaths map[models.EntityType][]string, logger *slog.Logger) *Index {
	if textPaths == nil {
		textPaths = DefaultTextPaths
	}
	return &Index{
		postings:  make(map[string]map[string]int),
		docs:      make(map[string]*document),
		textPaths: textPaths,
		logger:    logger,
	}
}

// Index replaces the indexed text of an entity. Empty or garbled text leaves no entry.
func (idx *Index) Index(t models.EntityType, id, text string) {
	terms := Tokenize(text)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := models.EntityKey(t, id)
	idx.removeLocked(key)
	if len(terms) == 0 {
		return
	}

	doc := &document{entityType: t, id: id, terms: make(map[string]int), length: len(terms)}
	for _, term := range terms {
		doc.terms[term]++
	}
	for term, tf := range doc.terms {
		posting, ok := idx.postings[term]
		if !ok {
			posting = make(map[string]int)
			idx.postings[term] = posting
		}
		posting[key] = tf
	}
	idx.docs[key] = doc
}

// IndexEntity indexes the configured text paths of an entity.
// Soft-deleted entities are removed from the index instead.
func (idx *Index) IndexEntity(e *models.Entity) {
	if e.IsDeleted {
		idx.Remove(e.Type, e.ID)
		return
	}
	idx.Index(e.Type, e.ID, idx.ExtractText(e))
}

// ExtractText собирает текст по gjson-путям типа записи
func (idx *Index) ExtractText(e *models.Entity) string {
	data, err := json.Marshal(e.Fields)
	if err != nil {
		idx.logger.Warn("Failed to marshal entity for indexing",
			"entity_type", e.Type,
			"entity_id", e.ID,
			"error", err)
		return ""
	}

	var parts []string
	for _, path := range idx.textPaths[e.Type] {
		res := gjson.GetBytes(data, path)
		if !res.Exists() {
			continue
		}
		if res.IsArray() {
			for _, item := range res.Array() {
				if item.Type == gjson.String {
					parts = append(parts, item.String())
				}
			}
			continue
		}
		if res.Type == gjson.String {
			parts = append(parts, res.String())
		}
	}
	return strings.Join(parts, " ")
}

// Remove drops the entity from the index.
func (idx *Index) Remove(t models.EntityType, id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(models.EntityKey(t, id))
}

func (idx *Index) removeLocked(key string) {
	doc, ok := idx.docs[key]
	if !ok {
		return
	}
	for term := range doc.terms {
		posting := idx.postings[term]
		delete(posting, key)
		if len(posting) == 0 {
			delete(idx.postings, term)
		}
	}
	delete(idx.docs, key)
}

// Rename moves the indexed document of oldID to newID.
func (idx *Index) Rename(t models.EntityType, oldID, newID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	oldKey := models.EntityKey(t, oldID)
	doc, ok := idx.docs[oldKey]
	if !ok {
		return
	}
	newKey := models.EntityKey(t, newID)
	idx.removeLocked(newKey)

	delete(idx.docs, oldKey)
	doc.id = newID
	idx.docs[newKey] = doc
	for term, tf := range doc.terms {
		posting := idx.postings[term]
		delete(posting, oldKey)
		posting[newKey] = tf
	}
}

// Search returns entities containing every query term (AND), best score first.
func (idx *Index) Search(query string, opts Options) []Result {
	terms := unique(Tokenize(query))
	if len(terms) == 0 {
		return nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var allowed map[models.EntityType]bool
	if len(opts.Types) > 0 {
		allowed = make(map[models.EntityType]bool, len(opts.Types))
		for _, t := range opts.Types {
			allowed[t] = true
		}
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var scores map[string]float64
	for i, term := range terms {
		matches := idx.match(term, opts.Prefix)
		if i == 0 {
			scores = matches
		} else {
			for key, score := range scores {
				if m, ok := matches[key]; ok {
					scores[key] = score + m
				} else {
					delete(scores, key)
				}
			}
		}
		if len(scores) == 0 {
			return nil
		}
	}

	results := make([]Result, 0, len(scores))
	for key, score := range scores {
		doc := idx.docs[key]
		if allowed != nil && !allowed[doc.entityType] {
			continue
		}
		results = append(results, Result{
			EntityType: doc.entityType,
			ID:         doc.id,
			Score:      score / float64(doc.length),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].EntityType != results[j].EntityType {
			return results[i].EntityType < results[j].EntityType
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// match возвращает tf по документам для одного терма запроса
func (idx *Index) match(term string, prefix bool) map[string]float64 {
	out := make(map[string]float64)
	if !prefix {
		for key, tf := range idx.postings[term] {
			out[key] = float64(tf)
		}
		return out
	}
	for indexed, posting := range idx.postings {
		if !strings.HasPrefix(indexed, term) {
			continue
		}
		for key, tf := range posting {
			out[key] += float64(tf)
		}
	}
	return out
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Reset drops every document.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.postings = make(map[string]map[string]int)
	idx.docs = make(map[string]*document)
}

// Tokenize splits text into lower-case terms of letters and digits.
// Invalid UTF-8 is dropped, so garbled input yields fewer terms, never an error.
func Tokenize(text string) []string {
	text = strings.ToValidUTF8(text, " ")
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return fields
}

func unique(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
