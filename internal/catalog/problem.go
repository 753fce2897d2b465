package catalog

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ProblemType selects which targeted asset passes apply to a detail record.
type ProblemType int

// Problem types.
const (
	ProblemStandard ProblemType = iota
	ProblemProject
	ProblemInteractiveUI
)

func (p ProblemType) String() string {
	switch p {
	case ProblemProject:
		return "project"
	case ProblemInteractiveUI:
		return "interactive_ui"
	default:
		return "standard"
	}
}

var (
	projectTypeCodes = map[string]struct{}{
		"project":           {},
		"fullstack_project": {},
		"frontend_project":  {},
		"backend_project":   {},
	}
	interactiveTypeCodes = map[string]struct{}{
		"interactive_ui": {},
		"ui":             {},
	}
)

// ClassifyProblem derives the ProblemType of a raw detail object from its type code,
// falling back to the presence of project asset metadata.
func ClassifyProblem(raw map[string]any) ProblemType {
	code := strings.ToLower(strings.TrimSpace(firstString(raw, "type", "problem_type")))
	if _, ok := projectTypeCodes[code]; ok {
		return ProblemProject
	}
	if _, ok := interactiveTypeCodes[code]; ok {
		return ProblemInteractiveUI
	}
	for _, key := range []string{"project", "project_assets"} {
		if v, ok := raw[key]; ok && v != nil {
			return ProblemProject
		}
	}
	return ProblemStandard
}

// NewListItem extracts the identity fields of a list object. The boolean is false
// when the object has no usable slug.
func NewListItem(raw map[string]any, offset, page int, fetchedAt time.Time) (ListItem, bool) {
	slug := strings.TrimSpace(StringField(raw, "slug"))
	if slug == "" {
		return ListItem{}, false
	}
	return ListItem{
		Slug:           slug,
		ProblemID:      firstString(raw, "problem_id", "id"),
		Category:       StringField(raw, "category"),
		Status:         StringField(raw, "status"),
		Level:          StringField(raw, "level"),
		Modified:       TimeField(raw, "modified"),
		FetchedAt:      fetchedAt,
		ListOffset:     offset,
		ListPageNumber: page,
		Raw:            raw,
	}, true
}

// NewDetailRecord builds a detail record from the raw detail object, preferring its
// identity fields and falling back to the originating list item.
func NewDetailRecord(item ListItem, raw map[string]any, fetchedAt time.Time) DetailRecord {
	rec := DetailRecord{
		Slug:           item.Slug,
		ProblemID:      firstString(raw, "problem_id", "id"),
		Category:       StringField(raw, "category"),
		Status:         StringField(raw, "status"),
		Level:          StringField(raw, "level"),
		Modified:       TimeField(raw, "modified"),
		FetchedAt:      fetchedAt,
		ListOffset:     item.ListOffset,
		ListPageNumber: item.ListPageNumber,
		Raw:            raw,
	}
	if rec.ProblemID == "" {
		rec.ProblemID = item.ProblemID
	}
	if rec.Category == "" {
		rec.Category = item.Category
	}
	if rec.Status == "" {
		rec.Status = item.Status
	}
	if rec.Level == "" {
		rec.Level = item.Level
	}
	if rec.Modified == nil {
		rec.Modified = item.Modified
	}
	return rec
}

// StringField renders a scalar field as a string; numbers keep their decimal form.
func StringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// TimeField parses an RFC 3339 (or date-time without zone) field.
func TimeField(raw map[string]any, key string) *time.Time {
	s, ok := raw[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := StringField(raw, k); s != "" {
			return s
		}
	}
	return ""
}
