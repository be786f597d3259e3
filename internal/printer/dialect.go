package printer

import "fmt"

// ConvertDialect rewrites init, alignment, bold, size and cut commands from one
// dialect to the other. It is lossy: cut modes collapse to a full cut and size
// bits are copied as-is. Barcode, QR and raster blocks are copied verbatim and
// any other byte passes through unchanged.
func ConvertDialect(data []byte, from, to Dialect) ([]byte, error) {
	if _, err := ParseDialect(string(from)); err != nil {
		return nil, err
	}
	if _, err := ParseDialect(string(to)); err != nil {
		return nil, err
	}

	switch {
	case from == to:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case from == DialectESCPOS && to == DialectESCBema:
		return escposToBema(data), nil
	case from == DialectESCBema && to == DialectESCPOS:
		return bemaToESCPOS(data), nil
	}
	return nil, fmt.Errorf("no conversion from %s to %s", from, to)
}

func escposToBema(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8)

	for i := 0; i < len(data); {
		if n := blockLen(data, i); n > 0 {
			out = append(out, data[i:i+n]...)
			i += n
			continue
		}

		b := data[i]
		switch {
		case b == ESC && at(data, i+1) == '@':
			out = append(out, ESC, '@', ESC, 'U')
			i += 2
		case b == ESC && at(data, i+1) == 'a' && i+2 < len(data):
			out = append(out, ESC, 'j', data[i+2])
			i += 3
		case b == ESC && at(data, i+1) == 'E' && i+2 < len(data):
			if data[i+2]&0x01 == 1 {
				out = append(out, ESC, 'E')
			} else {
				out = append(out, ESC, 'F')
			}
			i += 3
		case b == GS && at(data, i+1) == '!' && i+2 < len(data):
			out = append(out, ESC, '!', data[i+2])
			i += 3
		case b == GS && at(data, i+1) == 'V' && i+2 < len(data):
			out = append(out, bemaCut...)
			if data[i+2] == 'A' || data[i+2] == 'B' {
				// GS V m n form
				i += 4
			} else {
				i += 3
			}
			if i > len(data) {
				i = len(data)
			}
		default:
			out = append(out, b)
			i++
		}
	}

	return out
}

func bemaToESCPOS(data []byte) []byte {
	out := make([]byte, 0, len(data))

	for i := 0; i < len(data); {
		if n := blockLen(data, i); n > 0 {
			out = append(out, data[i:i+n]...)
			i += n
			continue
		}

		b := data[i]
		switch {
		case b == LF && at(data, i+1) == LF && at(data, i+2) == LF && at(data, i+3) == ESC && at(data, i+4) == 'm':
			out = append(out, GS, 'V', 0)
			i += 5
		case b == ESC && at(data, i+1) == 'm':
			out = append(out, GS, 'V', 0)
			i += 2
		case b == ESC && at(data, i+1) == '@':
			out = append(out, ESC, '@')
			i += 2
			if at(data, i) == ESC && at(data, i+1) == 'U' {
				i += 2
			}
		case b == ESC && at(data, i+1) == 'j' && i+2 < len(data):
			out = append(out, ESC, 'a', data[i+2])
			i += 3
		case b == ESC && at(data, i+1) == 'E':
			out = append(out, ESC, 'E', 1)
			i += 2
		case b == ESC && at(data, i+1) == 'F':
			out = append(out, ESC, 'E', 0)
			i += 2
		case b == ESC && at(data, i+1) == '!' && i+2 < len(data):
			out = append(out, GS, '!', data[i+2])
			i += 3
		default:
			out = append(out, b)
			i++
		}
	}

	return out
}

// blockLen returns the length of a length-prefixed command block starting at i
// (barcode setup and data, QR function, raster image), or 0.
func blockLen(data []byte, i int) int {
	if data[i] != GS || i+1 >= len(data) {
		return 0
	}

	var n int
	switch data[i+1] {
	case 'h', 'w', 'H':
		n = 3
	case 'k':
		// GS k m n d1..dn (m >= 65), or GS k m d1..NUL
		if i+2 >= len(data) {
			return 0
		}
		m := data[i+2]
		if m >= 65 {
			if i+3 >= len(data) {
				return 0
			}
			n = 4 + int(data[i+3])
		} else {
			n = 3
			for i+n < len(data) && data[i+n] != 0 {
				n++
			}
			n++
		}
	case '(':
		// GS ( k pL pH payload
		if at(data, i+2) != 'k' || i+4 >= len(data) {
			return 0
		}
		n = 5 + int(data[i+3]) + int(data[i+4])*256
	case 'v':
		// GS v 0 m xL xH yL yH bitmap
		if at(data, i+2) != '0' || i+7 >= len(data) {
			return 0
		}
		x := int(data[i+4]) + int(data[i+5])*256
		y := int(data[i+6]) + int(data[i+7])*256
		n = 8 + x*y
	default:
		return 0
	}

	if i+n > len(data) {
		return len(data) - i
	}
	return n
}

func at(data []byte, i int) byte {
	if i < 0 || i >= len(data) {
		return 0
	}
	return data[i]
}
