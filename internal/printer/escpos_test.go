package printer

import (
	"bytes"
	"testing"

	"golang.org/x/text/encoding/charmap"
)

func TestEncodeOrder(t *testing.T) {
	lines := []LineSpec{
		{Text: "HELLO", Align: AlignCenter, Bold: true, DoubleSize: true},
	}

	got, err := Encode(lines, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := []byte{
		ESC, '@',
		ESC, 'a', 1,
		ESC, 'E', 1,
		GS, '!', 0x11,
		'H', 'E', 'L', 'L', 'O', LF,
		ESC, 'E', 0,
		GS, '!', 0,
		LF, LF, LF,
		GS, 'V', 0,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("unexpected buffer\n got: % X\nwant: % X", got, want)
	}
}

func TestEncodeLegacyDialect(t *testing.T) {
	lines := []LineSpec{{Text: "A", Align: AlignRight, Bold: true}}

	got, err := Encode(lines, EncodeOptions{Dialect: DialectESCBema})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := []byte{
		ESC, '@', ESC, 'U',
		ESC, 'j', 2,
		ESC, 'E',
		'A', LF,
		ESC, 'F',
		LF, LF, LF,
		LF, LF, LF, ESC, 'm',
	}
	if !bytes.Equal(got, want) {
		t.Errorf("unexpected buffer\n got: % X\nwant: % X", got, want)
	}
}

func TestEncodeBarcodeBlockFollowsLine(t *testing.T) {
	lines := []LineSpec{{Text: "OS", Barcode: &Barcode{Data: "12345"}}}

	got, err := Encode(lines, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	block := []byte{GS, 'k', 0x49, 7, '{', 'B', '1', '2', '3', '4', '5'}
	idx := bytes.Index(got, block)
	if idx < 0 {
		t.Fatalf("barcode block not found in % X", got)
	}
	if text := bytes.Index(got, []byte("OS\n")); text < 0 || text > idx {
		t.Errorf("text must precede barcode block: text=%d block=%d", text, idx)
	}
}

func TestEncodeQRCode(t *testing.T) {
	lines := []LineSpec{{Text: "scan", QRCode: &QRCode{Data: "abc"}}}

	got, err := Encode(lines, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	store := []byte{GS, '(', 'k', 6, 0, 0x31, 0x50, 0x30, 'a', 'b', 'c'}
	if !bytes.Contains(got, store) {
		t.Errorf("qr store block not found in % X", got)
	}
	size := []byte{GS, '(', 'k', 0x03, 0x00, 0x31, 0x43, 6}
	if !bytes.Contains(got, size) {
		t.Errorf("default module size 6 not found")
	}
}

func TestEncodeLegacyQRUsesRaster(t *testing.T) {
	lines := []LineSpec{{Text: "scan", QRCode: &QRCode{Data: "abc", Size: 2}}}

	got, err := Encode(lines, EncodeOptions{Dialect: DialectESCBema})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Contains(got, []byte{GS, 'v', '0', 0}) {
		t.Error("expected GS v 0 raster for legacy QR")
	}
	if bytes.Contains(got, []byte{GS, '(', 'k'}) {
		t.Error("legacy dialect must not emit GS ( k")
	}
}

func TestEncodeLegacyBarcodeUsesRaster(t *testing.T) {
	lines := []LineSpec{{Text: "x", Barcode: &Barcode{Data: "ABC-123", Type: BarcodeCode39}}}

	got, err := Encode(lines, EncodeOptions{Dialect: DialectESCBema})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	idx := bytes.Index(got, []byte{GS, 'v', '0', 0})
	if idx < 0 {
		t.Fatal("expected raster block")
	}
	height := int(got[idx+6]) + int(got[idx+7])*256
	if height != barcodeHeight {
		t.Errorf("expected raster height %d, got %d", barcodeHeight, height)
	}
}

func TestEncodeRejectsEmptyBarcode(t *testing.T) {
	_, err := Encode([]LineSpec{{Barcode: &Barcode{}}}, EncodeOptions{})
	if err == nil {
		t.Fatal("expected error for empty barcode")
	}
}

func TestEncodePartialCut(t *testing.T) {
	got, err := Encode(nil, EncodeOptions{PartialCut: true, FeedLines: 1})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := []byte{ESC, '@', LF, GS, 'V', 1}
	if !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}
}

func TestEncodeTextCodePage(t *testing.T) {
	got := EncodeText("ação €", charmap.CodePage850)
	want := []byte{'a', 0x87, 0xC6, 'o', ' ', ReplacementByte}
	if !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}
}

func TestEncodeTextControlCharacters(t *testing.T) {
	got := EncodeText("a\x1bb\nc", nil)
	want := []byte{'a', ReplacementByte, 'b', LF, 'c'}
	if !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}
}

func TestCodePage(t *testing.T) {
	if cp, err := CodePage(""); err != nil || cp != charmap.CodePage850 {
		t.Errorf("empty name should select CP850, got %v %v", cp, err)
	}
	if cp, err := CodePage("CP860"); err != nil || cp != charmap.CodePage860 {
		t.Errorf("CP860 lookup failed: %v %v", cp, err)
	}
	if _, err := CodePage("ebcdic"); err == nil {
		t.Error("expected error for unknown code page")
	}
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"escpos", DialectESCPOS, false},
		{"escbema", DialectESCBema, false},
		{"", DialectESCPOS, false},
		{"zpl", "", true},
	}

	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDialect(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDialect(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if Alternate(DialectESCPOS) != DialectESCBema || Alternate(DialectESCBema) != DialectESCPOS {
		t.Error("Alternate must swap dialects")
	}
}
