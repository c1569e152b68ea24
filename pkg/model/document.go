// Package model defines the annotation document shared by the store, the
// change bus payloads and the HTTP API.
//
// The persisted form is a single JSON object:
//
//	{
//	  "<pageKey>": {
//	    "<elementId>": { "elementId": "...", "pageKey": "...", "name": "...", ... }
//	  }
//	}
package model

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// ErrInvalidDocument is returned when data is not a map of maps of objects.
var ErrInvalidDocument = errors.New("invalid annotation document")

// PageAnnotations maps elementId to the annotation attached to that element.
type PageAnnotations map[string]AnnotationRecord

// Document maps pageKey to the annotations of that page. It is the single
// source of truth for the store; the file on disk is its serialized form.
type Document map[string]PageAnnotations

// ParseDocument decodes data and checks its shape: a top-level object whose
// values are objects whose values are objects. Record identity fields are
// normalized from the map keys.
func ParseDocument(data []byte) (Document, error) {
	if !isObject(data) {
		return nil, fmt.Errorf("%w: top level must be an object", ErrInvalidDocument)
	}
	var pages map[string]json.RawMessage
	if err := json.Unmarshal(data, &pages); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	doc := make(Document, len(pages))
	for pageKey, rawPage := range pages {
		if !isObject(rawPage) {
			return nil, fmt.Errorf("%w: page %q must be an object", ErrInvalidDocument, pageKey)
		}
		var elements map[string]json.RawMessage
		if err := json.Unmarshal(rawPage, &elements); err != nil {
			return nil, fmt.Errorf("%w: page %q: %v", ErrInvalidDocument, pageKey, err)
		}
		page := make(PageAnnotations, len(elements))
		for elementID, rawRecord := range elements {
			if !isObject(rawRecord) {
				return nil, fmt.Errorf("%w: %s/%s must be an object", ErrInvalidDocument, pageKey, elementID)
			}
			var rec AnnotationRecord
			if err := json.Unmarshal(rawRecord, &rec); err != nil {
				return nil, fmt.Errorf("%w: %s/%s: %v", ErrInvalidDocument, pageKey, elementID, err)
			}
			page[elementID] = rec
		}
		doc[pageKey] = page
	}
	doc.Normalize()
	return doc, nil
}

// Marshal renders the document pretty-printed for human inspection.
func (d Document) Marshal() ([]byte, error) {
	if d == nil {
		d = Document{}
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Normalize copies every map key into the identity fields of its record so
// that keys and values cannot drift apart.
func (d Document) Normalize() {
	for pageKey, page := range d {
		if page == nil {
			d[pageKey] = PageAnnotations{}
			continue
		}
		for elementID, rec := range page {
			rec.ElementID = elementID
			rec.PageKey = pageKey
			page[elementID] = rec
		}
	}
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for pageKey, page := range d {
		cp := make(PageAnnotations, len(page))
		for elementID, rec := range page {
			cp[elementID] = rec.Clone()
		}
		out[pageKey] = cp
	}
	return out
}

// Get returns the record stored under (pageKey, elementID).
func (d Document) Get(pageKey, elementID string) (AnnotationRecord, bool) {
	page, ok := d[pageKey]
	if !ok {
		return AnnotationRecord{}, false
	}
	rec, ok := page[elementID]
	return rec, ok
}

// PageKeys returns the page keys in sorted order.
func (d Document) PageKeys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of annotations across all pages.
func (d Document) Count() int {
	n := 0
	for _, page := range d {
		n += len(page)
	}
	return n
}

// Stats computes aggregate counts. Empty pages are counted as pages.
// LastModified is left for the caller to fill in.
func (d Document) Stats() Stats {
	s := Stats{
		PageCount:     len(d),
		PerPageCounts: make(map[string]int, len(d)),
	}
	for pageKey, page := range d {
		s.PerPageCounts[pageKey] = len(page)
		s.TotalAnnotations += len(page)
	}
	return s
}

// Stats summarizes a Document.
type Stats struct {
	TotalAnnotations int            `json:"totalAnnotations"`
	PageCount        int            `json:"pageCount"`
	PerPageCounts    map[string]int `json:"perPageCounts"`
	LastModified     string         `json:"lastModified,omitempty"`
}

// Diff counts what changed between two documents. It is computed for
// diagnostics when the whole document is replaced.
type Diff struct {
	PagesAdded      int `json:"pagesAdded"`
	PagesRemoved    int `json:"pagesRemoved"`
	ElementsAdded   int `json:"elementsAdded"`
	ElementsRemoved int `json:"elementsRemoved"`
}

// Destructive reports whether applying the diff loses any page or element.
func (d Diff) Destructive() bool {
	return d.PagesRemoved > 0 || d.ElementsRemoved > 0
}

// Compare computes the Diff from before to after.
func Compare(before, after Document) Diff {
	var diff Diff
	for pageKey, page := range after {
		old, ok := before[pageKey]
		if !ok {
			diff.PagesAdded++
			diff.ElementsAdded += len(page)
			continue
		}
		for elementID := range page {
			if _, ok := old[elementID]; !ok {
				diff.ElementsAdded++
			}
		}
	}
	for pageKey, page := range before {
		cur, ok := after[pageKey]
		if !ok {
			diff.PagesRemoved++
			diff.ElementsRemoved += len(page)
			continue
		}
		for elementID := range page {
			if _, ok := cur[elementID]; !ok {
				diff.ElementsRemoved++
			}
		}
	}
	return diff
}

func isObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
