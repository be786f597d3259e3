package receiptformat

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/thereceipt/print-bridge/internal/printer"
)

func TestValidate_ValidDocument(t *testing.T) {
	doc := &Document{
		Version: "1.0",
		Name:    "Service order",
		Lines: []printer.LineSpec{
			{Text: "ORDEM DE SERVIÇO", Align: printer.AlignCenter, Bold: true},
			{Text: "Total: R$ 120,00", Barcode: &printer.Barcode{Data: "OS1042", Type: printer.BarcodeCode128}},
		},
	}

	if err := Validate(doc); err != nil {
		t.Errorf("Expected valid document, got error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
		want string
	}{
		{"missing version", Document{Lines: []printer.LineSpec{{Text: "x"}}}, "version is required"},
		{"future version", Document{Version: "2.0", Lines: []printer.LineSpec{{Text: "x"}}}, "unsupported version"},
		{"no lines", Document{Version: "1.0"}, "at least one line"},
		{"bad dialect", Document{Version: "1.0", Dialect: "zpl", Lines: []printer.LineSpec{{Text: "x"}}}, "unknown dialect"},
		{"bad code page", Document{Version: "1.0", CodePage: "utf8", Lines: []printer.LineSpec{{Text: "x"}}}, "code page"},
		{"bad align", Document{Version: "1.0", Lines: []printer.LineSpec{{Text: "x", Align: "justify"}}}, "invalid align"},
		{"empty barcode", Document{Version: "1.0", Lines: []printer.LineSpec{{Barcode: &printer.Barcode{}}}}, "barcode: data"},
		{"ean13 letters", Document{Version: "1.0", Lines: []printer.LineSpec{{Barcode: &printer.Barcode{Data: "78912345678A", Type: printer.BarcodeEAN13}}}}, "numeric"},
		{"unknown symbology", Document{Version: "1.0", Lines: []printer.LineSpec{{Barcode: &printer.Barcode{Data: "1", Type: "PDF417"}}}}, "invalid barcode type"},
		{"qr too large", Document{Version: "1.0", Lines: []printer.LineSpec{{QRCode: &printer.QRCode{Data: "x", Size: 40}}}}, "qrcode: size"},
		{"negative feed", Document{Version: "1.0", FeedLines: -1, Lines: []printer.LineSpec{{Text: "x"}}}, "feed_lines"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.doc)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParse_DefaultsVersion(t *testing.T) {
	doc, err := Parse([]byte(`{"lines":[{"text":"hello","align":"center"}]}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.Version != Version || doc.Lines[0].Align != printer.AlignCenter {
		t.Errorf("unexpected document %+v", doc)
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	if _, err := Parse([]byte(`{"lines":`)); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestSaveAndParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checklist.json")
	doc := &Document{
		Version:  "1.0",
		Dialect:  "escbema",
		CodePage: "cp850",
		Lines:    []printer.LineSpec{{Text: "CHECKLIST", QRCode: &printer.QRCode{Data: "https://example.test/os/1042"}}},
	}
	if err := doc.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if loaded.Dialect != "escbema" || loaded.Lines[0].QRCode == nil {
		t.Errorf("unexpected document %+v", loaded)
	}
}

func TestEncode(t *testing.T) {
	doc := &Document{Version: "1.0", Lines: []printer.LineSpec{{Text: "Olá"}}}

	primary, err := doc.Encode("")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.HasPrefix(primary, []byte{printer.ESC, '@'}) {
		t.Errorf("expected init prefix, got % x", primary[:4])
	}
	// á is 0xA0 in CP850
	if !bytes.Contains(primary, []byte{'O', 'l', 0xA0}) {
		t.Errorf("expected CP850 text, got % x", primary)
	}

	legacy, err := doc.Encode(printer.DialectESCBema)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if bytes.Equal(primary, legacy) {
		t.Error("dialect override had no effect")
	}
}
