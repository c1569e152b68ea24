package testutil

import (
	"os"
	"path/filepath"
	"reflect"

	json "github.com/goccy/go-json"

	"github.com/vanderheijden86/annosync/pkg/model"
)

// TB is the subset of testing.TB the assertions need. Both *testing.T and
// *rapid.T satisfy it.
type TB interface {
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

func helper(t TB) {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}
}

// AssertAnnotationCount verifies the number of annotations across all pages.
func AssertAnnotationCount(t TB, doc model.Document, expected int) {
	helper(t)
	if n := doc.Count(); n != expected {
		t.Errorf("expected %d annotations, got %d", expected, n)
	}
}

// AssertStatsConsistent verifies that stats agree with the document they
// were computed from.
func AssertStatsConsistent(t TB, doc model.Document, stats model.Stats) {
	helper(t)
	sum := 0
	for _, n := range stats.PerPageCounts {
		sum += n
	}
	if stats.TotalAnnotations != sum {
		t.Errorf("totalAnnotations %d != sum of per-page counts %d", stats.TotalAnnotations, sum)
	}
	if stats.TotalAnnotations != doc.Count() {
		t.Errorf("totalAnnotations %d != document count %d", stats.TotalAnnotations, doc.Count())
	}
	if stats.PageCount != len(doc) {
		t.Errorf("pageCount %d != number of pages %d", stats.PageCount, len(doc))
	}
}

// AssertDocumentsEqual compares two documents deeply.
func AssertDocumentsEqual(t TB, expected, actual model.Document) {
	helper(t)
	if !reflect.DeepEqual(expected, actual) {
		AssertJSONEqual(t, expected, actual)
		t.Errorf("documents differ:\nexpected: %#v\nactual:   %#v", expected, actual)
	}
}

// AssertJSONEqual compares two values after JSON round-tripping.
// Useful for comparing values that may have different Go representations
// but equivalent JSON forms.
func AssertJSONEqual(t TB, expected, actual interface{}) {
	helper(t)

	expectedJSON, err := json.Marshal(expected)
	if err != nil {
		t.Fatalf("failed to marshal expected: %v", err)
	}

	actualJSON, err := json.Marshal(actual)
	if err != nil {
		t.Fatalf("failed to marshal actual: %v", err)
	}

	if string(expectedJSON) != string(actualJSON) {
		t.Errorf("JSON mismatch:\nexpected: %s\nactual:   %s", expectedJSON, actualJSON)
	}
}

// WriteDocument writes doc to dir/name in the persisted format and returns
// the path.
func WriteDocument(t TB, dir, name string, doc model.Document) string {
	helper(t)

	data, err := doc.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal document: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write document: %v", err)
	}
	return path
}

// ReadDocument reads and parses the document at path.
func ReadDocument(t TB, path string) model.Document {
	helper(t)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read document: %v", err)
	}
	doc, err := model.ParseDocument(data)
	if err != nil {
		t.Fatalf("failed to parse document %s: %v", path, err)
	}
	return doc
}
