package model

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func TestParseDocument_Valid(t *testing.T) {
	data := []byte(`{
  "pageA": {
    "el1": {"name": "A", "content": "first", "x": 10, "tags": ["ui"]}
  },
  "pageB": {}
}`)
	doc, err := ParseDocument(data)
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	if len(doc) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(doc))
	}
	rec, ok := doc.Get("pageA", "el1")
	if !ok {
		t.Fatal("expected pageA/el1 to exist")
	}
	if rec.ElementID != "el1" || rec.PageKey != "pageA" {
		t.Errorf("identity not normalized from keys: %+v", rec)
	}
	if rec.Name != "A" || rec.Content != "first" {
		t.Errorf("unexpected record fields: %+v", rec)
	}
	if rec.Extra["x"] != float64(10) {
		t.Errorf("expected extra x=10, got %v", rec.Extra["x"])
	}
	if len(doc["pageB"]) != 0 {
		t.Errorf("expected empty pageB, got %d records", len(doc["pageB"]))
	}
}

func TestParseDocument_NormalizesDriftedIdentity(t *testing.T) {
	data := []byte(`{"p": {"el1": {"elementId": "other", "pageKey": "q", "name": "n"}}}`)
	doc, err := ParseDocument(data)
	if err != nil {
		t.Fatal(err)
	}
	rec := doc["p"]["el1"]
	if rec.ElementID != "el1" || rec.PageKey != "p" {
		t.Errorf("expected identity from keys, got %q/%q", rec.PageKey, rec.ElementID)
	}
}

func TestParseDocument_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"null", "null"},
		{"array", `[{"a":1}]`},
		{"string", `"hello"`},
		{"truncated", `{"pageA": {"el1": {"name": "A"`},
		{"page not object", `{"pageA": [1,2]}`},
		{"page null", `{"pageA": null}`},
		{"record not object", `{"pageA": {"el1": "text"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDocument([]byte(tt.data))
			if !errors.Is(err, ErrInvalidDocument) {
				t.Errorf("expected ErrInvalidDocument, got %v", err)
			}
		})
	}
}

func TestDocument_MarshalRoundTrip(t *testing.T) {
	doc := Document{
		"pageA": PageAnnotations{
			"el1": {ElementID: "el1", PageKey: "pageA", Name: "A", Content: "c", Timestamp: "2026-01-01T00:00:00.000Z",
				Extra: map[string]any{"position": map[string]any{"x": float64(1), "y": float64(2)}}},
		},
		"empty": PageAnnotations{},
	}
	data, err := doc.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\n  ") {
		t.Error("expected pretty-printed output")
	}
	back, err := ParseDocument(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(doc, back) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", back, doc)
	}
}

func TestDocument_CloneIsDeep(t *testing.T) {
	doc := Document{"p": PageAnnotations{"e": {Name: "x", Extra: map[string]any{"k": []any{"a"}}}}}
	cp := doc.Clone()
	cp["p"]["e"].Extra["k"].([]any)[0] = "b"
	delete(cp["p"], "e")

	if _, ok := doc["p"]["e"]; !ok {
		t.Fatal("clone shares page map with original")
	}
	if doc["p"]["e"].Extra["k"].([]any)[0] != "a" {
		t.Error("clone shares nested extra values with original")
	}
}

func TestDocument_Stats(t *testing.T) {
	doc := Document{
		"a": PageAnnotations{"1": {}, "2": {}},
		"b": PageAnnotations{"3": {}},
		"c": PageAnnotations{},
	}
	s := doc.Stats()
	if s.TotalAnnotations != 3 {
		t.Errorf("expected 3 annotations, got %d", s.TotalAnnotations)
	}
	if s.PageCount != 3 {
		t.Errorf("expected 3 pages including the empty one, got %d", s.PageCount)
	}
	if s.PerPageCounts["a"] != 2 || s.PerPageCounts["c"] != 0 {
		t.Errorf("unexpected per page counts: %v", s.PerPageCounts)
	}
}

func TestCompare(t *testing.T) {
	before := Document{
		"keep":   PageAnnotations{"1": {}, "2": {}},
		"remove": PageAnnotations{"3": {}, "4": {}},
	}
	after := Document{
		"keep": PageAnnotations{"1": {}, "5": {}},
		"new":  PageAnnotations{"6": {}},
	}
	got := Compare(before, after)
	want := Diff{PagesAdded: 1, PagesRemoved: 1, ElementsAdded: 2, ElementsRemoved: 3}
	if got != want {
		t.Errorf("Compare = %+v, want %+v", got, want)
	}
	if !got.Destructive() {
		t.Error("expected diff to be destructive")
	}
	if (Diff{PagesAdded: 1}).Destructive() {
		t.Error("additions alone are not destructive")
	}
}

func TestAnnotationRecord_Merge(t *testing.T) {
	rec := AnnotationRecord{ElementID: "e", PageKey: "p", Name: "old", Content: "keep"}
	name := "new"
	got := rec.Merge(AnnotationPatch{Name: &name, Extra: map[string]any{"color": "red"}})

	if got.Name != "new" {
		t.Errorf("expected name to be merged, got %q", got.Name)
	}
	if got.Content != "keep" {
		t.Errorf("expected content untouched, got %q", got.Content)
	}
	if got.Extra["color"] != "red" {
		t.Errorf("expected extra field merged, got %v", got.Extra)
	}
	if rec.Extra != nil {
		t.Error("merge mutated the receiver")
	}
}

func TestAnnotationPatch_IgnoresIdentity(t *testing.T) {
	var p AnnotationPatch
	if err := p.UnmarshalJSON([]byte(`{"elementId":"x","pageKey":"y","lastModified":"z","name":"n","w":1}`)); err != nil {
		t.Fatal(err)
	}
	if p.Name == nil || *p.Name != "n" {
		t.Errorf("expected name n, got %v", p.Name)
	}
	if p.Content != nil {
		t.Error("absent content must stay nil")
	}
	if _, ok := p.Extra["elementId"]; ok {
		t.Error("identity key leaked into extra")
	}
	if p.Extra["w"] != float64(1) {
		t.Errorf("expected extra w=1, got %v", p.Extra)
	}
}

func TestAnnotationRecord_Summary(t *testing.T) {
	if s := (AnnotationRecord{Name: "  Title "}).Summary(); s != "Title" {
		t.Errorf("got %q", s)
	}
	if s := (AnnotationRecord{Content: "body"}).Summary(); s != "body" {
		t.Errorf("expected content fallback, got %q", s)
	}
	long := strings.Repeat("é", 200)
	if n := len([]rune((AnnotationRecord{Name: long}).Summary())); n != 80 {
		t.Errorf("expected truncation to 80 runes, got %d", n)
	}
}

func TestParseDocument_NonStringFieldsAreData(t *testing.T) {
	data := []byte(`{"p": {"e": {"elementId": 7, "name": null, "content": 12.5, "timestamp": 1700000000000, "lastModified": false}}}`)
	doc, err := ParseDocument(data)
	if err != nil {
		t.Fatalf("a well-shaped document must parse: %v", err)
	}
	rec := doc["p"]["e"]
	if rec.ElementID != "e" || rec.PageKey != "p" {
		t.Errorf("identity not taken from keys: %q/%q", rec.PageKey, rec.ElementID)
	}
	if _, ok := rec.Extra["elementId"]; ok {
		t.Error("non-string identity leaked into extra")
	}
	if _, ok := rec.Extra["name"]; ok || rec.Name != "" {
		t.Errorf("null name should read as empty, got %q %v", rec.Name, rec.Extra)
	}
	want := map[string]any{"content": 12.5, "timestamp": float64(1700000000000), "lastModified": false}
	if !reflect.DeepEqual(rec.Extra, want) {
		t.Errorf("extra = %#v, want %#v", rec.Extra, want)
	}

	out, err := doc.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseDocument(out)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(doc, back) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", back, doc)
	}
}

func TestAnnotationRecord_MarshalOmitsEmptyText(t *testing.T) {
	data, err := json.Marshal(AnnotationRecord{ElementID: "e", PageKey: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != `{"elementId":"e","pageKey":"p"}` {
		t.Errorf("got %s", got)
	}

	data, err = json.Marshal(AnnotationRecord{ElementID: "e", PageKey: "p", Name: "n", Content: "c"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"name":"n"`, `"content":"c"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected %s in %s", want, data)
		}
	}
}

func TestAnnotationRecord_MergeRawValues(t *testing.T) {
	rec := AnnotationRecord{Content: "text", Extra: map[string]any{"timestamp": float64(1)}}

	ts := "2026-01-01T00:00:00.000Z"
	got := rec.Merge(AnnotationPatch{Timestamp: &ts})
	if got.Timestamp != ts {
		t.Errorf("timestamp = %q", got.Timestamp)
	}
	if _, ok := got.Extra["timestamp"]; ok {
		t.Error("raw timestamp survived a text update")
	}
	if _, ok := rec.Extra["timestamp"]; !ok {
		t.Error("merge mutated the receiver")
	}

	var p AnnotationPatch
	if err := p.UnmarshalJSON([]byte(`{"content": 99}`)); err != nil {
		t.Fatal(err)
	}
	if p.Content != nil || p.Extra["content"] != float64(99) {
		t.Fatalf("numeric content should travel in extra: %+v", p)
	}
	got = rec.Merge(p)
	if got.Content != "" || got.Extra["content"] != float64(99) {
		t.Errorf("raw content should replace the text: %#v", got)
	}
}
