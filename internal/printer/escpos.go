package printer

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding/charmap"
)

// Control bytes shared by both dialects
const (
	ESC byte = 0x1B
	GS  byte = 0x1D
	LF  byte = 0x0A
)

// Dialect is a receipt printer command set
type Dialect string

const (
	// DialectESCPOS is the primary dialect
	DialectESCPOS Dialect = "escpos"
	// DialectESCBema is the legacy Bematech dialect
	DialectESCBema Dialect = "escbema"
)

// ParseDialect validates a dialect name
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(s) {
	case DialectESCPOS, DialectESCBema:
		return Dialect(s), nil
	case "":
		return DialectESCPOS, nil
	}
	return "", fmt.Errorf("unknown dialect: %q", s)
}

// Alternate returns the other dialect
func Alternate(d Dialect) Dialect {
	if d == DialectESCBema {
		return DialectESCPOS
	}
	return DialectESCBema
}

// Align is a line alignment
type Align string

const (
	AlignLeft   Align = "left"
	AlignCenter Align = "center"
	AlignRight  Align = "right"
)

func (a Align) code() byte {
	switch a {
	case AlignCenter:
		return 1
	case AlignRight:
		return 2
	default:
		return 0
	}
}

// BarcodeType selects a 1D symbology
type BarcodeType string

const (
	BarcodeCode128 BarcodeType = "CODE128"
	BarcodeCode39  BarcodeType = "CODE39"
	BarcodeEAN13   BarcodeType = "EAN13"
)

// Barcode is a 1D barcode block printed after a line
type Barcode struct {
	Data string      `json:"data"`
	Type BarcodeType `json:"type,omitempty"`
}

// QRCode is a QR block printed after a line
type QRCode struct {
	Data string `json:"data"`
	Size int    `json:"size,omitempty"` // module size, 1-16
}

// LineSpec is one receipt line
type LineSpec struct {
	Text       string   `json:"text"`
	Align      Align    `json:"align,omitempty"`
	Bold       bool     `json:"bold,omitempty"`
	DoubleSize bool     `json:"doubleSize,omitempty"`
	Barcode    *Barcode `json:"barcode,omitempty"`
	QRCode     *QRCode  `json:"qrcode,omitempty"`
}

// EncodeOptions controls how lines are encoded
type EncodeOptions struct {
	Dialect    Dialect
	CodePage   *charmap.Charmap // nil means CP850
	FeedLines  int              // trailing feed before the cut, default 3
	PartialCut bool
}

const defaultFeedLines = 3

// Encoder builds a command buffer for one dialect
type Encoder struct {
	buffer   *bytes.Buffer
	dialect  Dialect
	codePage *charmap.Charmap
}

// NewEncoder creates an encoder for the given dialect and code page
func NewEncoder(dialect Dialect, cp *charmap.Charmap) *Encoder {
	if cp == nil {
		cp = charmap.CodePage850
	}
	if dialect == "" {
		dialect = DialectESCPOS
	}
	return &Encoder{
		buffer:   new(bytes.Buffer),
		dialect:  dialect,
		codePage: cp,
	}
}

// Encode turns lines into a complete print buffer: init, lines, feed, cut.
func Encode(lines []LineSpec, opts EncodeOptions) ([]byte, error) {
	e := NewEncoder(opts.Dialect, opts.CodePage)
	e.Initialize()

	for i, line := range lines {
		e.SetAlignment(line.Align)
		if line.Bold {
			e.SetBold(true)
		}
		if line.DoubleSize {
			e.SetDoubleSize(true)
		}

		e.WriteText(line.Text)
		e.LineFeed()

		if line.Barcode != nil {
			e.SetAlignment(AlignCenter)
			if err := e.Barcode(*line.Barcode); err != nil {
				return nil, fmt.Errorf("line %d: %w", i, err)
			}
			e.Feed(2)
		}
		if line.QRCode != nil {
			e.SetAlignment(AlignCenter)
			if err := e.QRCode(*line.QRCode); err != nil {
				return nil, fmt.Errorf("line %d: %w", i, err)
			}
			e.Feed(2)
		}

		if line.Bold {
			e.SetBold(false)
		}
		if line.DoubleSize {
			e.SetDoubleSize(false)
		}
	}

	feed := opts.FeedLines
	if feed <= 0 {
		feed = defaultFeedLines
	}
	e.Feed(feed)
	if opts.PartialCut {
		e.PartialCut()
	} else {
		e.Cut()
	}

	return e.Bytes(), nil
}

// Initialize resets the printer
func (e *Encoder) Initialize() {
	e.buffer.Write([]byte{ESC, '@'})
	if e.dialect == DialectESCBema {
		// switch Bematech firmware into ESC/Bema mode
		e.buffer.Write([]byte{ESC, 'U'})
	}
}

// SetAlignment sets text alignment
func (e *Encoder) SetAlignment(align Align) {
	op := byte('a')
	if e.dialect == DialectESCBema {
		op = 'j'
	}
	e.buffer.Write([]byte{ESC, op, align.code()})
}

// SetBold enables or disables emphasis
func (e *Encoder) SetBold(enabled bool) {
	if e.dialect == DialectESCBema {
		if enabled {
			e.buffer.Write([]byte{ESC, 'E'})
		} else {
			e.buffer.Write([]byte{ESC, 'F'})
		}
		return
	}

	var n byte
	if enabled {
		n = 1
	}
	e.buffer.Write([]byte{ESC, 'E', n})
}

// SetDoubleSize toggles double width and height
func (e *Encoder) SetDoubleSize(enabled bool) {
	if e.dialect == DialectESCBema {
		var n byte
		if enabled {
			n = 0x30
		}
		e.buffer.Write([]byte{ESC, '!', n})
		return
	}

	var n byte
	if enabled {
		n = 0x11
	}
	e.buffer.Write([]byte{GS, '!', n})
}

// WriteText writes text mapped to the encoder's code page
func (e *Encoder) WriteText(text string) {
	e.buffer.Write(EncodeText(text, e.codePage))
}

// LineFeed sends a line feed
func (e *Encoder) LineFeed() {
	e.buffer.WriteByte(LF)
}

// Feed sends multiple line feeds
func (e *Encoder) Feed(lines int) {
	for i := 0; i < lines; i++ {
		e.LineFeed()
	}
}

// Cut sends a full cut
func (e *Encoder) Cut() {
	if e.dialect == DialectESCBema {
		e.buffer.Write(bemaCut)
		return
	}
	e.buffer.Write([]byte{GS, 'V', 0})
}

// PartialCut sends a partial cut. The legacy dialect has a single cut command.
func (e *Encoder) PartialCut() {
	if e.dialect == DialectESCBema {
		e.buffer.Write(bemaCut)
		return
	}
	e.buffer.Write([]byte{GS, 'V', 1})
}

// Barcode writes a barcode block
func (e *Encoder) Barcode(b Barcode) error {
	if b.Data == "" {
		return fmt.Errorf("barcode data is empty")
	}
	if b.Type == "" {
		b.Type = BarcodeCode128
	}

	if e.dialect == DialectESCBema {
		raster, err := barcodeRaster(b)
		if err != nil {
			return err
		}
		e.buffer.Write(raster)
		return nil
	}

	var m byte
	switch b.Type {
	case BarcodeCode128:
		m = 0x49
	case BarcodeCode39:
		m = 0x45
	case BarcodeEAN13:
		m = 0x43
	default:
		return fmt.Errorf("unsupported barcode type: %s", b.Type)
	}

	data := EncodeText(b.Data, e.codePage)
	if b.Type == BarcodeCode128 && (len(data) == 0 || data[0] != '{') {
		// function B: code set B selection required by GS k 73
		data = append([]byte{'{', 'B'}, data...)
	}
	if len(data) > 255 {
		return fmt.Errorf("barcode data too long: %d bytes", len(data))
	}

	// height 50 dots, module width 2, HRI below
	e.buffer.Write([]byte{GS, 'h', 50})
	e.buffer.Write([]byte{GS, 'w', 0x02})
	e.buffer.Write([]byte{GS, 'H', 0x02})
	e.buffer.Write([]byte{GS, 'k', m, byte(len(data))})
	e.buffer.Write(data)
	return nil
}

// QRCode writes a QR block
func (e *Encoder) QRCode(q QRCode) error {
	if q.Data == "" {
		return fmt.Errorf("qr data is empty")
	}
	size := q.Size
	if size <= 0 {
		size = 6
	}
	if size > 16 {
		size = 16
	}

	if e.dialect == DialectESCBema {
		raster, err := qrRaster(q.Data, size)
		if err != nil {
			return err
		}
		e.buffer.Write(raster)
		return nil
	}

	data := EncodeText(q.Data, e.codePage)
	n := len(data) + 3
	if n > 0xFFFF {
		return fmt.Errorf("qr data too long: %d bytes", len(data))
	}
	pL, pH := byte(n%256), byte(n/256)

	// model 2, module size, ecc level M, store, print
	e.buffer.Write([]byte{GS, '(', 'k', 0x04, 0x00, 0x31, 0x41, 0x32, 0x00})
	e.buffer.Write([]byte{GS, '(', 'k', 0x03, 0x00, 0x31, 0x43, byte(size)})
	e.buffer.Write([]byte{GS, '(', 'k', 0x03, 0x00, 0x31, 0x45, 0x31})
	e.buffer.Write([]byte{GS, '(', 'k', pL, pH, 0x31, 0x50, 0x30})
	e.buffer.Write(data)
	e.buffer.Write([]byte{GS, '(', 'k', 0x03, 0x00, 0x31, 0x51, 0x30})
	return nil
}

// Bytes returns the generated commands
func (e *Encoder) Bytes() []byte {
	return e.buffer.Bytes()
}

// Reset clears the buffer
func (e *Encoder) Reset() {
	e.buffer.Reset()
}

var bemaCut = []byte{LF, LF, LF, ESC, 'm'}
