package receiptformat

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/thereceipt/print-bridge/internal/printer"
)

// Parse parses and validates a document
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	// documents written before versioning carry no version
	if doc.Version == "" {
		doc.Version = Version
	}

	if err := Validate(&doc); err != nil {
		return nil, err
	}

	return &doc, nil
}

// ParseFile parses a document from disk
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	return Parse(data)
}

// ToJSON converts a Document to JSON bytes
func (d *Document) ToJSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// SaveToFile saves a Document to a file
func (d *Document) SaveToFile(path string) error {
	data, err := d.ToJSON()
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// EncodeOptions returns the encoder settings the document asks for
func (d *Document) EncodeOptions() (printer.EncodeOptions, error) {
	dialect, err := printer.ParseDialect(d.Dialect)
	if err != nil {
		return printer.EncodeOptions{}, err
	}

	cp, err := printer.CodePage(d.CodePage)
	if err != nil {
		return printer.EncodeOptions{}, err
	}

	return printer.EncodeOptions{
		Dialect:    dialect,
		CodePage:   cp,
		FeedLines:  d.FeedLines,
		PartialCut: d.PartialCut,
	}, nil
}

// Encode renders the document into a print buffer. A non-empty dialect
// overrides the document's own.
func (d *Document) Encode(dialect printer.Dialect) ([]byte, error) {
	opts, err := d.EncodeOptions()
	if err != nil {
		return nil, err
	}
	if dialect != "" {
		opts.Dialect = dialect
	}
	return printer.Encode(d.Lines, opts)
}
