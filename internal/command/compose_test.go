package command

import (
	"strings"
	"testing"

	"github.com/thereceipt/print-bridge/internal/printer"
)

func TestComposeDocument(t *testing.T) {
	doc, err := composeDocument([]string{
		`text:"ACME Store"`, "align:center", "bold:true", "double:true",
		"text:Total", "align:right",
		"barcode:789012345678", "type:ean13",
		"qr:https://acme.test", "size:8",
	})
	if err != nil {
		t.Fatalf("composeDocument failed: %v", err)
	}

	if len(doc.Lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(doc.Lines))
	}

	first := doc.Lines[0]
	if first.Text != "ACME Store" || first.Align != printer.AlignCenter || !first.Bold || !first.DoubleSize {
		t.Errorf("unexpected first line %+v", first)
	}
	if doc.Lines[1].Align != printer.AlignRight {
		t.Errorf("expected right alignment, got %q", doc.Lines[1].Align)
	}
	if b := doc.Lines[2].Barcode; b == nil || b.Type != printer.BarcodeEAN13 || b.Data != "789012345678" {
		t.Errorf("unexpected barcode %+v", doc.Lines[2].Barcode)
	}
	if q := doc.Lines[3].QRCode; q == nil || q.Size != 8 {
		t.Errorf("unexpected qr %+v", doc.Lines[3].QRCode)
	}
}

func TestComposeDocumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"empty", nil, "no compose arguments"},
		{"property first", []string{"align:center"}, "unexpected argument"},
		{"bad align", []string{"text:x", "align:middle"}, "unknown alignment"},
		{"bad bool", []string{"text:x", "bold:maybe"}, "true or false"},
		{"size on text", []string{"text:x", "size:3"}, "qr lines only"},
		{"type on text", []string{"text:x", "type:EAN13"}, "barcode lines only"},
		{"bare word", []string{"text:x", "cut"}, "name:value"},
		{"unknown property", []string{"text:x", "color:red"}, "unknown property"},
		{"empty barcode", []string{"barcode:"}, "barcode data is empty"},
		{"invalid ean", []string{"barcode:12ab", "type:EAN13"}, "EAN13"},
		{"qr too big", []string{"qr:x", "size:40"}, "size must be between"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := composeDocument(tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
