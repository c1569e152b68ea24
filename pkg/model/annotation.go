package model

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// TimeFormat is the layout for every timestamp written to the document and
// the audit logs. Times are always rendered in UTC, so the zone prints as "Z".
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Known JSON keys of an annotation record. Anything else is kept in Extra.
const (
	keyElementID    = "elementId"
	keyPageKey      = "pageKey"
	keyName         = "name"
	keyContent      = "content"
	keyTimestamp    = "timestamp"
	keyLastModified = "lastModified"
)

// AnnotationRecord is one positioned comment attached to one element of one
// page. Identity is (PageKey, ElementID); both are duplicated from the map
// keys of the owning Document.
type AnnotationRecord struct {
	ElementID string
	PageKey   string
	Name      string
	Content   string
	// Timestamp is when the reviewer created or last edited the comment,
	// as reported by the client.
	Timestamp string
	// LastModified is stamped by the store on every upsert.
	LastModified string
	// Extra holds client fields the engine does not interpret (position,
	// color, author...). They survive every round trip through the store.
	Extra map[string]any
}

// MarshalJSON emits the known fields next to the Extra fields in one object.
// Empty text fields are left out so a record saved without them reads back
// without them.
func (r AnnotationRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+6)
	for k, v := range r.Extra {
		out[k] = v
	}
	out[keyElementID] = r.ElementID
	out[keyPageKey] = r.PageKey
	for _, f := range r.textFields() {
		if *f.val != "" {
			out[f.key] = *f.val
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts any JSON object. Unknown keys are collected into
// Extra. A known text key holding something other than a string (a numeric
// Date.now() timestamp, a boolean) is kept verbatim in Extra under the same
// key and its field stays empty; non-string identity values are dropped,
// identity comes from the document keys.
func (r *AnnotationRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("annotation must be an object")
	}
	*r = AnnotationRecord{}
	fields := r.textFields()
	for k, v := range raw {
		switch k {
		case keyElementID:
			r.ElementID, _ = v.(string)
			continue
		case keyPageKey:
			r.PageKey, _ = v.(string)
			continue
		}
		if dst := lookupField(fields, k); dst != nil {
			switch s := v.(type) {
			case string:
				*dst = s
				continue
			case nil:
				continue
			}
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[k] = v
	}
	return nil
}

type textField struct {
	key string
	val *string
}

// textFields lists the free-text fields of r by JSON key.
func (r *AnnotationRecord) textFields() []textField {
	return []textField{
		{keyName, &r.Name},
		{keyContent, &r.Content},
		{keyTimestamp, &r.Timestamp},
		{keyLastModified, &r.LastModified},
	}
}

func lookupField(fields []textField, key string) *string {
	for _, f := range fields {
		if f.key == key {
			return f.val
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r AnnotationRecord) Clone() AnnotationRecord {
	if r.Extra != nil {
		r.Extra = cloneValue(r.Extra).(map[string]any)
	}
	return r
}

// Merge overlays the fields present in p onto r and returns the result.
// Identity fields are never taken from the patch. A text field set by the
// patch replaces a raw value kept in Extra under the same key, and a raw
// value in the patch's Extra replaces the text field.
func (r AnnotationRecord) Merge(p AnnotationPatch) AnnotationRecord {
	out := r.Clone()
	fields := out.textFields()
	for _, f := range []textField{
		{keyName, p.Name},
		{keyContent, p.Content},
		{keyTimestamp, p.Timestamp},
	} {
		if f.val == nil {
			continue
		}
		*lookupField(fields, f.key) = *f.val
		delete(out.Extra, f.key)
	}
	if len(p.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]any, len(p.Extra))
		}
		for k, v := range p.Extra {
			if dst := lookupField(fields, k); dst != nil {
				*dst = ""
			}
			out.Extra[k] = cloneValue(v)
		}
	}
	return out
}

// Touch stamps LastModified with t, replacing any raw value read from disk.
func (r *AnnotationRecord) Touch(t time.Time) {
	r.LastModified = FormatTime(t)
	delete(r.Extra, keyLastModified)
}

// Summary is a short human readable description used in audit log entries.
func (r AnnotationRecord) Summary() string {
	s := r.Name
	if s == "" {
		s = r.Content
	}
	s = strings.TrimSpace(s)
	const maxRunes = 80
	if rs := []rune(s); len(rs) > maxRunes {
		s = string(rs[:maxRunes-1]) + "…"
	}
	return s
}

// AnnotationPatch carries the fields of an incremental update. A nil pointer
// means "leave unchanged".
type AnnotationPatch struct {
	Name      *string
	Content   *string
	Timestamp *string
	Extra     map[string]any
}

// UnmarshalJSON decodes a record-shaped object into a patch. Identity and
// lastModified keys are dropped: identity comes from the request, and
// lastModified is always stamped by the store. Non-string text values are
// carried in Extra, as on records.
func (p *AnnotationPatch) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = AnnotationPatch{}
	for k, v := range raw {
		var dst **string
		switch k {
		case keyElementID, keyPageKey, keyLastModified:
			continue
		case keyName:
			dst = &p.Name
		case keyContent:
			dst = &p.Content
		case keyTimestamp:
			dst = &p.Timestamp
		}
		if dst != nil {
			switch s := v.(type) {
			case string:
				*dst = &s
				continue
			case nil:
				empty := ""
				*dst = &empty
				continue
			}
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = v
	}
	return nil
}

// PatchFromRecord builds a patch that sets every field of r.
func PatchFromRecord(r AnnotationRecord) AnnotationPatch {
	p := AnnotationPatch{
		Name:      &r.Name,
		Content:   &r.Content,
		Timestamp: &r.Timestamp,
	}
	if len(r.Extra) > 0 {
		p.Extra = cloneValue(r.Extra).(map[string]any)
	}
	return p
}

// cloneValue deep-copies the values produced by decoding JSON into any.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
