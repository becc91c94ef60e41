// Package configdoc parses raw configuration text into structured documents
// that can be diffed, hashed and rendered back to their native syntax.
package configdoc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/tOgg1/changegate/internal/models"
)

// Document is the structured form of one configuration file.
//
// Sections only ever hold map[string]any, []any, string, bool, int and
// float64 values, so two parses of the same text are deeply equal and
// their canonical JSON encodings are byte-identical.
type Document struct {
	Type     models.ConfigType `json:"type"`
	Sections map[string]any    `json:"sections"`

	// Size is the length in bytes of the parsed text.
	Size int `json:"size"`

	// ParseErrors lists problems found while parsing. A document with parse
	// errors is a best-effort partial document.
	ParseErrors []string `json:"parse_errors,omitempty"`
}

// Parse converts content into a Document. It never fails: malformed input
// yields a partial document with ParseErrors populated.
func Parse(configType models.ConfigType, content string) *Document {
	doc := &Document{
		Type:     configType,
		Sections: map[string]any{},
		Size:     len(content),
	}

	switch configType {
	case models.ConfigTypeCompose:
		parseCompose(doc, content)
	case models.ConfigTypeProxy:
		parseProxy(doc, content)
	case models.ConfigTypeSystemd:
		parseSystemd(doc, content)
	case models.ConfigTypeGeneric:
		parseGeneric(doc, content)
	default:
		doc.Type = models.ConfigTypeGeneric
		parseGeneric(doc, content)
	}

	return doc
}

// Partial reports whether parsing hit errors.
func (d *Document) Partial() bool {
	return d != nil && len(d.ParseErrors) > 0
}

// Serialize renders the document back into its native syntax.
func (d *Document) Serialize() string {
	if d == nil {
		return ""
	}
	switch d.Type {
	case models.ConfigTypeCompose:
		return serializeCompose(d)
	case models.ConfigTypeProxy:
		return serializeProxy(d)
	case models.ConfigTypeSystemd:
		return serializeSystemd(d)
	default:
		return serializeGeneric(d)
	}
}

// Canonical returns the canonical JSON encoding of the document's type and
// sections. Map keys are sorted by encoding/json.
func (d *Document) Canonical() []byte {
	if d == nil {
		return []byte("null")
	}
	data, err := json.Marshal(struct {
		Type     models.ConfigType `json:"type"`
		Sections map[string]any    `json:"sections"`
	}{d.Type, d.Sections})
	if err != nil {
		// normalize() keeps sections JSON-safe; this is unreachable for
		// documents produced by Parse.
		return []byte(fmt.Sprintf("%v", d.Sections))
	}
	return data
}

// Hash returns the hex sha256 of the canonical encoding.
func (d *Document) Hash() string {
	sum := sha256.Sum256(d.Canonical())
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two documents have the same type and sections.
func Equal(a, b *Document) bool {
	if a == nil || b == nil {
		return a == b
	}
	return string(a.Canonical()) == string(b.Canonical())
}

func (d *Document) addError(format string, args ...any) {
	d.ParseErrors = append(d.ParseErrors, fmt.Sprintf(format, args...))
}

// normalize converts decoded values into the closed set of types documents
// are allowed to hold.
func normalize(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	case string, bool, int:
		return v
	case int64:
		return int(v)
	case uint64:
		if v > math.MaxInt64 {
			return strconv.FormatUint(v, 10)
		}
		return int(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Sprint(v)
		}
		// Integral floats collapse to int so rendering "1.0" as "1" does
		// not change the document on re-parse.
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int(v)
		}
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// stringList coerces a list-ish value into strings.
func stringList(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, scalarString(item))
		}
		return out
	case string:
		return []string{v}
	default:
		return []string{scalarString(v)}
	}
}

// scalarString renders a scalar or, for composite values, its canonical JSON.
func scalarString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}
