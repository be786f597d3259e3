package printer

import (
	"fmt"
	"image"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/code128"
	"github.com/boombuler/barcode/code39"
	"github.com/boombuler/barcode/ean"
	qrcode "github.com/skip2/go-qrcode"
)

// Raster images go out as GS v 0, understood by both firmwares, for blocks
// that have no native legacy opcode.

const (
	barcodeHeight = 50
	barcodeModule = 2
)

func qrRaster(data string, module int) ([]byte, error) {
	q, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to build qr code: %w", err)
	}

	bits := q.Bitmap()
	size := len(bits) * module
	bytesPerLine := (size + 7) / 8
	bitmap := make([]byte, bytesPerLine*size)

	for y := 0; y < size; y++ {
		row := bits[y/module]
		for x := 0; x < size; x++ {
			if row[x/module] {
				bitmap[y*bytesPerLine+x/8] |= 1 << (7 - uint(x%8))
			}
		}
	}

	return rasterCommand(bitmap, bytesPerLine, size), nil
}

func barcodeRaster(b Barcode) ([]byte, error) {
	var (
		code barcode.Barcode
		err  error
	)
	switch b.Type {
	case BarcodeCode128:
		code, err = code128.Encode(b.Data)
	case BarcodeCode39:
		code, err = code39.Encode(b.Data, false, true)
	case BarcodeEAN13:
		code, err = ean.Encode(b.Data)
	default:
		return nil, fmt.Errorf("unsupported barcode type: %s", b.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s barcode: %w", b.Type, err)
	}

	width := code.Bounds().Dx() * barcodeModule
	scaled, err := barcode.Scale(code, width, barcodeHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to scale barcode: %w", err)
	}

	bitmap := imageToBitmap(scaled)
	return rasterCommand(bitmap, (width+7)/8, barcodeHeight), nil
}

// rasterCommand wraps a 1-bit bitmap in GS v 0 (normal density)
func rasterCommand(bitmap []byte, bytesPerLine, height int) []byte {
	out := make([]byte, 0, 8+len(bitmap))
	out = append(out, GS, 'v', '0', 0,
		byte(bytesPerLine&0xFF), byte((bytesPerLine>>8)&0xFF),
		byte(height&0xFF), byte((height>>8)&0xFF))
	return append(out, bitmap...)
}

// imageToBitmap converts an image to a 1-bit bitmap, dark pixels set
func imageToBitmap(img image.Image) []byte {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	bytesPerLine := (width + 7) / 8
	bitmap := make([]byte, bytesPerLine*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			if (r+g+b)/3 < 32768 {
				bitmap[y*bytesPerLine+x/8] |= 1 << (7 - uint(x%8))
			}
		}
	}

	return bitmap
}
