package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"unetwork/pkg/domain"
)

const classificationPrompt = `You receive one academic study document (exam, quiz, assignment, notes, guide, summary or lab).
Return ONLY a JSON object, without markdown, with these keys:
"title": short descriptive title,
"category": one of exam, quiz, assignment, notes, guide, summary, lab, other,
"subject": course or subject name,
"teacher": teacher name if it appears, otherwise "",
"program": degree program if it appears, otherwise "",
"term": academic term as YEAR or YEAR-1 or YEAR-2, otherwise "",
"description": one or two sentences about the content,
"hasSolution": true if the document includes solutions or answers,
"difficulty": one of easy, medium, hard,
"topics": up to 8 short topic keywords.`

const (
	maxTitleRunes       = 200
	maxDescriptionRunes = 1000
	maxFieldRunes       = 120
	maxTopics           = 8
)

var (
	errEmptyOutput   = errors.New("empty classifier output")
	errNoShape       = errors.New("no metadata object in classifier output")
	errEmptyMetadata = errors.New("classifier output has no usable fields")
)

// Field keys are compared after folding and dropping separators, so
// "hasSolution", "has_solution" and "Has Solution" are the same key.
var fieldAliases = map[string][]string{
	"title":       {"title", "titulo", "name", "nombre"},
	"category":    {"category", "categoria", "type", "tipo"},
	"subject":     {"subject", "asignatura", "ramo", "course", "curso"},
	"teacher":     {"teacher", "profesor", "professor", "docente"},
	"program":     {"program", "carrera", "degree", "programa"},
	"term":        {"term", "semestre", "semester", "periodo"},
	"description": {"description", "descripcion", "summary", "resumen"},
	"hasSolution": {"hassolution", "solution", "solucion", "tienesolucion", "consolucion"},
	"difficulty":  {"difficulty", "dificultad", "level", "nivel"},
	"topics":      {"topics", "temas", "keywords", "tags"},
}

var knownKeys = func() map[string]string {
	out := make(map[string]string)
	for field, aliases := range fieldAliases {
		for _, alias := range aliases {
			out[alias] = field
		}
	}
	return out
}()

// shapeMatcher extracts the metadata object from one response envelope.
type shapeMatcher struct {
	name  string
	match func(root any) (map[string]any, bool)
}

// Tried in order; the first hit wins.
var shapeMatchers = []shapeMatcher{
	{name: "object", match: matchDirectObject},
	{name: "numeric_key", match: matchNumericKeyWrapper},
	{name: "array_key", match: matchArrayKeyWrapper},
	{name: "array", match: matchFirstArrayElement},
}

// ParseMetadata turns raw classifier text into normalized advisory metadata.
func ParseMetadata(raw string) (domain.Metadata, error) {
	text := stripCodeFence(raw)
	if text == "" {
		return domain.Metadata{}, errEmptyOutput
	}
	var root any
	if err := json.Unmarshal([]byte(text), &root); err != nil {
		return domain.Metadata{}, fmt.Errorf("decode classifier json: %w", err)
	}
	obj, err := extractObject(root)
	if err != nil {
		return domain.Metadata{}, err
	}
	meta := normalizeMetadata(obj)
	if isEmptyMetadata(meta) {
		return domain.Metadata{}, errEmptyMetadata
	}
	return meta, nil
}

func extractObject(root any) (map[string]any, error) {
	for _, m := range shapeMatchers {
		if obj, ok := m.match(root); ok {
			return obj, nil
		}
	}
	return nil, errNoShape
}

// stripCodeFence removes a ```json ... ``` wrapper and surrounding prose.
func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			lang := strings.TrimSpace(body[:nl])
			if lang == "" || !strings.ContainsAny(lang, "{[") {
				body = body[nl+1:]
			}
		}
		body = dropFenceTag(body)
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		text = strings.TrimSpace(body)
	}
	return text
}

// dropFenceTag strips a language tag sharing the line with the payload,
// as in "```json {...}```".
func dropFenceTag(body string) string {
	trimmed := strings.TrimLeft(body, " \t")
	i := strings.IndexFunc(trimmed, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if i <= 0 {
		return body
	}
	rest := strings.TrimLeft(trimmed[i:], " \t")
	if rest != "" && (rest[0] == '{' || rest[0] == '[') {
		return rest
	}
	return body
}

func looksLikeMetadata(obj map[string]any) bool {
	for key := range obj {
		if _, ok := knownKeys[foldKey(key)]; ok {
			return true
		}
	}
	return false
}

func matchDirectObject(root any) (map[string]any, bool) {
	obj, ok := root.(map[string]any)
	if !ok || !looksLikeMetadata(obj) {
		return nil, false
	}
	return obj, true
}

// {"0": {...}} or {"1": {...}}; the lowest numeric key wins.
func matchNumericKeyWrapper(root any) (map[string]any, bool) {
	obj, ok := root.(map[string]any)
	if !ok {
		return nil, false
	}
	type entry struct {
		n   int
		val map[string]any
	}
	var found []entry
	for key, val := range obj {
		n, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			continue
		}
		inner, ok := val.(map[string]any)
		if !ok {
			continue
		}
		found = append(found, entry{n: n, val: inner})
	}
	if len(found) == 0 {
		return nil, false
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	return found[0].val, true
}

// {"materials": [{...}]}; keys are visited in sorted order.
func matchArrayKeyWrapper(root any) (map[string]any, bool) {
	obj, ok := root.(map[string]any)
	if !ok {
		return nil, false
	}
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if inner, ok := firstObject(obj[key]); ok {
			return inner, true
		}
	}
	return nil, false
}

func matchFirstArrayElement(root any) (map[string]any, bool) {
	return firstObject(root)
}

func firstObject(v any) (map[string]any, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	inner, ok := arr[0].(map[string]any)
	return inner, ok
}

func normalizeMetadata(obj map[string]any) domain.Metadata {
	fields := make(map[string]any, len(obj))
	for key, val := range obj {
		if field, ok := knownKeys[foldKey(key)]; ok {
			if _, seen := fields[field]; !seen {
				fields[field] = val
			}
		}
	}
	meta := domain.Metadata{
		Title:       clipRunes(cleanText(asString(fields["title"])), maxTitleRunes),
		Subject:     clipRunes(cleanText(asString(fields["subject"])), maxFieldRunes),
		Teacher:     clipRunes(cleanText(asString(fields["teacher"])), maxFieldRunes),
		Program:     clipRunes(cleanText(asString(fields["program"])), maxFieldRunes),
		Description: clipRunes(cleanText(asString(fields["description"])), maxDescriptionRunes),
		HasSolution: asBool(fields["hasSolution"]),
		Topics:      normalizeTopics(fields["topics"]),
	}
	if c, ok := domain.ParseCategory(asString(fields["category"])); ok {
		meta.Category = c
	}
	if d, ok := domain.ParseDifficulty(asString(fields["difficulty"])); ok {
		meta.Difficulty = d
	}
	if term := strings.TrimSpace(asString(fields["term"])); domain.ValidTerm(term) {
		meta.Term = term
	}
	return meta
}

func isEmptyMetadata(m domain.Metadata) bool {
	return m.Title == "" && m.Category == "" && m.Subject == "" && m.Teacher == "" &&
		m.Program == "" && m.Term == "" && m.Description == "" && !m.HasSolution &&
		m.Difficulty == "" && len(m.Topics) == 0
}

func foldKey(key string) string {
	folded := domain.FoldLabel(key)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-', '.':
			return -1
		}
		return r
	}, folded)
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch domain.FoldLabel(t) {
		case "true", "yes", "y", "si", "1", "verdadero":
			return true
		}
	}
	return false
}

func normalizeTopics(v any) []string {
	var raw []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			raw = append(raw, asString(item))
		}
	case string:
		raw = strings.Split(t, ",")
	}
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, topic := range raw {
		topic = clipRunes(cleanText(topic), maxFieldRunes)
		key := domain.FoldLabel(topic)
		if topic == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, topic)
		if len(out) == maxTopics {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
