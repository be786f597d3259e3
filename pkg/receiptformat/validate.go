package receiptformat

import (
	"fmt"
	"unicode"

	"github.com/thereceipt/print-bridge/internal/printer"
)

const maxQRSize = 16

// Validate validates a Document structure
func Validate(d *Document) error {
	if d.Version == "" {
		return fmt.Errorf("version is required")
	}
	if d.Version != Version {
		return fmt.Errorf("unsupported version: %s (expected %s)", d.Version, Version)
	}

	if _, err := printer.ParseDialect(d.Dialect); err != nil {
		return err
	}
	if d.CodePage != "" {
		if _, err := printer.CodePage(d.CodePage); err != nil {
			return err
		}
	}
	if d.FeedLines < 0 || d.FeedLines > 255 {
		return fmt.Errorf("feed_lines must be between 0 and 255, got %d", d.FeedLines)
	}

	if len(d.Lines) == 0 {
		return fmt.Errorf("at least one line is required")
	}

	for i := range d.Lines {
		if err := validateLine(&d.Lines[i]); err != nil {
			return fmt.Errorf("line[%d]: %w", i, err)
		}
	}

	return nil
}

func validateLine(l *printer.LineSpec) error {
	switch l.Align {
	case "", printer.AlignLeft, printer.AlignCenter, printer.AlignRight:
	default:
		return fmt.Errorf("invalid align: %s (must be left, center, or right)", l.Align)
	}

	if l.Barcode != nil {
		if err := validateBarcode(l.Barcode); err != nil {
			return fmt.Errorf("barcode: %w", err)
		}
	}

	if l.QRCode != nil {
		if l.QRCode.Data == "" {
			return fmt.Errorf("qrcode: data is required")
		}
		if l.QRCode.Size < 0 || l.QRCode.Size > maxQRSize {
			return fmt.Errorf("qrcode: size must be between 1 and %d", maxQRSize)
		}
	}

	return nil
}

func validateBarcode(b *printer.Barcode) error {
	if b.Data == "" {
		return fmt.Errorf("data is required")
	}

	switch b.Type {
	case "", printer.BarcodeCode128:
	case printer.BarcodeCode39:
		for _, r := range b.Data {
			if r > unicode.MaxASCII {
				return fmt.Errorf("CODE39 data must be ASCII")
			}
		}
	case printer.BarcodeEAN13:
		if len(b.Data) != 12 && len(b.Data) != 13 {
			return fmt.Errorf("EAN13 data must have 12 or 13 digits")
		}
		for _, r := range b.Data {
			if r < '0' || r > '9' {
				return fmt.Errorf("EAN13 data must be numeric")
			}
		}
	default:
		return fmt.Errorf("invalid barcode type: %s (must be CODE128, CODE39, or EAN13)", b.Type)
	}

	return nil
}
