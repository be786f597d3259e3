package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/thereceipt/print-bridge/internal/printer"
	"github.com/thereceipt/print-bridge/pkg/receiptformat"
)

// composeDocument builds a document from command-line arguments. Each line
// starts with text:, barcode: or qr: and may be followed by properties:
//
//	text:"Total" align:right bold:true double:true
//	barcode:123456789012 type:EAN13
//	qr:https://example.com size:8
func composeDocument(args []string) (*receiptformat.Document, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no compose arguments provided")
	}

	doc := &receiptformat.Document{Version: receiptformat.Version}
	var current *printer.LineSpec

	for _, arg := range args {
		if line, ok, err := parseLineStart(arg); ok {
			if err != nil {
				return nil, fmt.Errorf("failed to parse line '%s': %w", arg, err)
			}
			if current != nil {
				doc.Lines = append(doc.Lines, *current)
			}
			current = line
			continue
		}

		if current == nil {
			return nil, fmt.Errorf("unexpected argument '%s' (expected text:, barcode: or qr:)", arg)
		}
		if err := applyProperty(current, arg); err != nil {
			return nil, fmt.Errorf("failed to parse property '%s': %w", arg, err)
		}
	}

	if current != nil {
		doc.Lines = append(doc.Lines, *current)
	}

	if err := receiptformat.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func parseLineStart(arg string) (*printer.LineSpec, bool, error) {
	kind, value, found := strings.Cut(arg, ":")
	if !found {
		return nil, false, nil
	}
	value = strings.Trim(value, `"'`)

	switch kind {
	case "text":
		return &printer.LineSpec{Text: value}, true, nil
	case "barcode":
		if value == "" {
			return nil, true, fmt.Errorf("barcode data is empty")
		}
		return &printer.LineSpec{Barcode: &printer.Barcode{Data: value, Type: printer.BarcodeCode128}}, true, nil
	case "qr":
		if value == "" {
			return nil, true, fmt.Errorf("qr data is empty")
		}
		return &printer.LineSpec{QRCode: &printer.QRCode{Data: value}}, true, nil
	}
	return nil, false, nil
}

func applyProperty(line *printer.LineSpec, arg string) error {
	name, value, found := strings.Cut(arg, ":")
	if !found {
		return fmt.Errorf("property must be in format 'name:value'")
	}
	value = strings.Trim(value, `"'`)

	switch name {
	case "align":
		switch printer.Align(value) {
		case printer.AlignLeft, printer.AlignCenter, printer.AlignRight:
			line.Align = printer.Align(value)
		default:
			return fmt.Errorf("unknown alignment %q", value)
		}
	case "bold", "double":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s must be true or false", name)
		}
		if name == "bold" {
			line.Bold = b
		} else {
			line.DoubleSize = b
		}
	case "type":
		if line.Barcode == nil {
			return fmt.Errorf("type applies to barcode lines only")
		}
		line.Barcode.Type = printer.BarcodeType(strings.ToUpper(value))
	case "size":
		if line.QRCode == nil {
			return fmt.Errorf("size applies to qr lines only")
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("size must be a number")
		}
		line.QRCode.Size = n
	default:
		return fmt.Errorf("unknown property %q", name)
	}
	return nil
}
