package cli

import (
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"

	"github.com/vanderheijden86/annosync/pkg/model"
)

// writeOutput prints v as indented JSON in json format, or calls text
// otherwise.
func writeOutput(w io.Writer, format string, v any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

// readDocument parses the document at path without touching it. A missing
// file reads as empty.
func readDocument(path string) (model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Document{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	doc, err := model.ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}
