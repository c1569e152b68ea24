// Package testutil provides fixture generators and assertions for
// annotation documents. Seeded generators produce deterministic output for
// reproducible tests; the rapid generators feed property tests.
package testutil

import (
	"fmt"
	"math/rand"
	"time"

	json "github.com/goccy/go-json"
	"pgregory.net/rapid"

	"github.com/vanderheijden86/annosync/pkg/model"
)

// GeneratorConfig controls document generation.
type GeneratorConfig struct {
	Seed       int64     // Random seed for determinism (0 = use current time)
	PagePrefix string    // Prefix for page keys (default: "page")
	BaseTime   time.Time // Base time for timestamps (default: fixed time)
	WithExtra  bool      // Attach a position object to every record
}

// DefaultConfig returns a config suitable for most tests.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		Seed:       42, // Deterministic
		PagePrefix: "page",
		BaseTime:   time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Generator creates annotation documents.
type Generator struct {
	cfg GeneratorConfig
	rng *rand.Rand
}

// New creates a Generator with the given config.
func New(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.BaseTime.IsZero() {
		cfg.BaseTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	}
	if cfg.PagePrefix == "" {
		cfg.PagePrefix = "page"
	}
	return &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// NewDefault creates a Generator with default config.
func NewDefault() *Generator {
	return New(DefaultConfig())
}

// Document creates pages pages with perPage annotations each.
// Page keys are "<prefix>-<i>", element ids "el-<i>-<j>".
func (g *Generator) Document(pages, perPage int) model.Document {
	doc := make(model.Document, pages)
	for i := 0; i < pages; i++ {
		pageKey := fmt.Sprintf("%s-%d", g.cfg.PagePrefix, i)
		page := make(model.PageAnnotations, perPage)
		for j := 0; j < perPage; j++ {
			elementID := fmt.Sprintf("el-%d-%d", i, j)
			page[elementID] = g.Record(pageKey, elementID)
		}
		doc[pageKey] = page
	}
	return doc
}

// Record creates one annotation with pseudo-random text.
func (g *Generator) Record(pageKey, elementID string) model.AnnotationRecord {
	ts := g.cfg.BaseTime.Add(time.Duration(g.rng.Intn(86400)) * time.Second)
	rec := model.AnnotationRecord{
		ElementID: elementID,
		PageKey:   pageKey,
		Name:      fmt.Sprintf("Note %d", g.rng.Intn(1000)),
		Content:   loremWords[g.rng.Intn(len(loremWords))] + " " + loremWords[g.rng.Intn(len(loremWords))],
		Timestamp: model.FormatTime(ts),
	}
	if g.cfg.WithExtra {
		rec.Extra = map[string]any{
			"position": map[string]any{
				"x": float64(g.rng.Intn(1920)),
				"y": float64(g.rng.Intn(1080)),
			},
		}
	}
	return rec
}

var loremWords = []string{
	"align", "button", "spacing", "copy", "color", "contrast", "header",
	"footer", "modal", "tooltip", "icon", "margin", "typo", "layout",
}

// KeyGen draws page keys and element ids.
func KeyGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-zA-Z][a-zA-Z0-9_-]{0,11}`)
}

// TextGen draws short free text, including characters JSON encoders escape.
func TextGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-zA-Z0-9 .,!?'"<>&/\\é中-]{0,40}`)
}

// PatchGen draws an upsert patch. Every field is set, so the stored record
// equals the patch plus identity and lastModified.
func PatchGen() *rapid.Generator[model.AnnotationPatch] {
	return rapid.Custom(func(t *rapid.T) model.AnnotationPatch {
		name := TextGen().Draw(t, "name")
		content := TextGen().Draw(t, "content")
		ts := ""
		if rapid.Bool().Draw(t, "hasTimestamp") {
			ts = model.FormatTime(time.Unix(rapid.Int64Range(0, 4102444800).Draw(t, "ts"), 0))
		}
		p := model.AnnotationPatch{Name: &name, Content: &content, Timestamp: &ts}
		if rapid.Bool().Draw(t, "hasExtra") {
			p.Extra = map[string]any{
				"x": float64(rapid.IntRange(-5000, 5000).Draw(t, "x")),
			}
		}
		return p
	})
}

// DocumentGen draws a structurally valid document whose records carry
// identity fields that match their keys.
func DocumentGen() *rapid.Generator[model.Document] {
	return rapid.Custom(func(t *rapid.T) model.Document {
		doc := model.Document{}
		pages := rapid.IntRange(0, 4).Draw(t, "pages")
		for i := 0; i < pages; i++ {
			pageKey := KeyGen().Draw(t, "pageKey")
			page := model.PageAnnotations{}
			n := rapid.IntRange(0, 5).Draw(t, "elements")
			for j := 0; j < n; j++ {
				elementID := KeyGen().Draw(t, "elementId")
				rec := model.AnnotationRecord{}.Merge(PatchGen().Draw(t, "record"))
				if rapid.Bool().Draw(t, "rawField") {
					// A client wrote a non-string value into a text field.
					key := rapid.SampledFrom(textKeys).Draw(t, "rawKey")
					rec = rec.Merge(model.AnnotationPatch{
						Extra: map[string]any{key: RawValueGen().Draw(t, "rawValue")},
					})
				}
				rec.ElementID = elementID
				rec.PageKey = pageKey
				page[elementID] = rec
			}
			doc[pageKey] = page
		}
		return doc
	})
}

var textKeys = []string{"name", "content", "timestamp"}

// RawValueGen draws non-string JSON values as decoded into any.
func RawValueGen() *rapid.Generator[any] {
	return rapid.OneOf(
		rapid.Map(rapid.Int64Range(0, 4102444800000), func(n int64) any { return float64(n) }),
		rapid.Map(rapid.Bool(), func(b bool) any { return b }),
		rapid.Just[any](map[string]any{"at": float64(1)}),
		rapid.Just[any]([]any{"a", float64(2)}),
	)
}

// RawDocumentGen draws the JSON of a well-shaped document whose records
// hold arbitrary JSON in the known fields: strings, numbers, booleans, null
// and nested values, the way hand edits and older clients leave them.
func RawDocumentGen() *rapid.Generator[[]byte] {
	value := rapid.OneOf(
		rapid.Map(TextGen(), func(s string) any { return s }),
		rapid.Just[any](nil),
		RawValueGen(),
	)
	keys := []string{"elementId", "pageKey", "name", "content", "timestamp", "lastModified", "color"}
	return rapid.Custom(func(t *rapid.T) []byte {
		doc := map[string]map[string]map[string]any{}
		for i := rapid.IntRange(0, 3).Draw(t, "pages"); i > 0; i-- {
			page := map[string]map[string]any{}
			for j := rapid.IntRange(0, 3).Draw(t, "elements"); j > 0; j-- {
				rec := map[string]any{}
				for _, k := range keys {
					if rapid.Bool().Draw(t, "has_"+k) {
						rec[k] = value.Draw(t, k)
					}
				}
				page[KeyGen().Draw(t, "elementId")] = rec
			}
			doc[KeyGen().Draw(t, "pageKey")] = page
		}
		data, err := json.Marshal(doc)
		if err != nil {
			t.Fatalf("marshal raw document: %v", err)
		}
		return data
	})
}
