package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iudanet/tasksync/internal/models"
)

const entityTemplate = `
=== {{.Type | title}} ===

ID:       {{.ID}}
Status:   {{.SyncStatus}}
Version:  {{.Version}} (server {{.ServerVersion}})
Modified: {{.LastModified | ago}}
{{- if .LastError }}
Error:    {{.LastError}}
{{- end}}

{{- range $name := fieldNames .Fields }}
{{printf "%-12s" $name}} {{index $.Fields $name | value}}
{{- end}}
`

const conflictTemplate = `
=== Conflict {{.ID}} ===

Entity:   {{.EntityType}} {{.EntityID}}
Action:   {{.SyncAction}}
Detected: {{.Timestamp | ago}}
Server:   version {{.ServerVersion}}
{{- if .Resolved }}
Resolved: {{.Resolution}} {{.ResolvedAt | ago}}
{{- end}}

{{- range $name := .ConflictFields }}
{{printf "%-12s" $name}} local={{index $.LocalData $name | value}} server={{index $.ServerData $name | value}}
{{- end}}
`

var templates = template.Must(template.New("entity").Funcs(template.FuncMap{
	"title":      title,
	"ago":        ago,
	"value":      formatValue,
	"fieldNames": fieldNames,
}).Parse(entityTemplate))

func init() {
	template.Must(templates.New("conflict").Parse(conflictTemplate))
}

func title(t models.EntityType) string {
	s := string(t)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

// formatValue выводит строки как есть, остальное JSON
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case string:
		return val
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
