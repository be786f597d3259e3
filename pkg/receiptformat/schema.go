// Package receiptformat defines the JSON document format for a list of
// receipt lines. A document is what operators hand to the CLI; the encoder
// turns it into a print buffer.
package receiptformat

import "github.com/thereceipt/print-bridge/internal/printer"

// Version is the only document version understood
const Version = "1.0"

// Document represents the root structure of a receipt document
type Document struct {
	Version     string             `json:"version"`
	Name        string             `json:"name,omitempty"`
	Description string             `json:"description,omitempty"`
	Dialect     string             `json:"dialect,omitempty"`   // "escpos" or "escbema"
	CodePage    string             `json:"code_page,omitempty"` // "cp850", "cp437", "cp860", "cp1252", "latin1"
	FeedLines   int                `json:"feed_lines,omitempty"`
	PartialCut  bool               `json:"partial_cut,omitempty"`
	Lines       []printer.LineSpec `json:"lines"`
}
