// Package tracking turns field changes on records into thread entries.
package tracking

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/registry"
)

// Batch is the set of changes logged as one entry, under one subtype.
// An empty Subtype means the record type's default subtype.
type Batch struct {
	Subtype string
	Values  []models.TrackingValue
}

// Changes compares the tracked fields of a record type and groups the
// changed ones by subtype, in declaration order.
func Changes(rt *registry.RecordType, oldValues, newValues map[string]any) []Batch {
	var batches []Batch
	index := map[string]int{}
	for _, field := range rt.TrackedFields() {
		newValue, changed := newValues[field.Name]
		if !changed {
			continue
		}
		before, after := Format(oldValues[field.Name]), Format(newValue)
		if before == after {
			continue
		}
		i, ok := index[field.Subtype]
		if !ok {
			i = len(batches)
			index[field.Subtype] = i
			batches = append(batches, Batch{Subtype: field.Subtype})
		}
		batches[i].Values = append(batches[i].Values, models.TrackingValue{
			Field:      field.Name,
			FieldLabel: field.Label,
			OldValue:   before,
			NewValue:   after,
		})
	}
	return batches
}

// AutoSubscribeUsers returns the user ids newly set on auto-subscribe fields.
func AutoSubscribeUsers(rt *registry.RecordType, oldValues, newValues map[string]any) []int64 {
	var ids []int64
	for _, field := range rt.AutoSubscribeFields() {
		newValue, ok := newValues[field]
		if !ok || Format(newValue) == Format(oldValues[field]) {
			continue
		}
		if id, ok := asID(newValue); ok && id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Body renders the tracking values of an entry as an HTML list.
func Body(values []models.TrackingValue) string {
	var b strings.Builder
	b.WriteString("<ul>")
	for _, v := range values {
		fmt.Fprintf(&b, "<li>%s: %s &rarr; %s</li>",
			html.EscapeString(v.FieldLabel), html.EscapeString(v.OldValue), html.EscapeString(v.NewValue))
	}
	b.WriteString("</ul>")
	return b.String()
}

// Format renders a JSON-decoded field value for display and comparison.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = Format(item)
		}
		sort.Strings(parts)
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(val)
	}
}

func asID(v any) (int64, bool) {
	switch val := v.(type) {
	case float64:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	}
	return 0, false
}
