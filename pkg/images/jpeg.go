package images

import (
	"bytes"
	"image/jpeg"

	"github.com/rotisserie/eris"
)

const (
	markerSOI   = 0xD8
	markerEOI   = 0xD9
	markerSOS   = 0xDA
	markerCOM   = 0xFE
	markerAPP0  = 0xE0
	markerAPP2  = 0xE2
	markerAPP14 = 0xEE
)

// keepSegment decides which marker segments survive. JFIF (APP0), ICC profiles (APP2) and the
// Adobe color transform (APP14) change how pixels are decoded, everything else in APPn and COM is
// metadata.
func keepSegment(marker byte) bool {
	if marker == markerCOM {
		return false
	}

	if marker >= markerAPP0 && marker <= 0xEF {
		return marker == markerAPP0 || marker == markerAPP2 || marker == markerAPP14
	}

	return true
}

// StripJPEG losslessly removes metadata segments (EXIF, XMP, comments, ...) from a JPEG file.
// Entropy-coded data is copied byte for byte.
func StripJPEG(data []byte) ([]byte, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, eris.New("not a JPEG file")
	}

	out := bytes.Buffer{}
	out.Grow(len(data))
	out.Write(data[:2])

	pos := 2
	for pos < len(data) {
		if data[pos] != 0xFF {
			return nil, eris.Errorf("expected a marker at offset %d", pos)
		}

		// skip fill bytes
		for pos < len(data) && data[pos] == 0xFF {
			pos++
		}
		if pos >= len(data) {
			return nil, eris.New("unexpected end of file")
		}

		marker := data[pos]
		pos++

		switch {
		case marker == markerEOI:
			out.Write([]byte{0xFF, marker})
			return validateJPEG(out.Bytes())
		case marker >= 0xD0 && marker <= 0xD7, marker == 0x01:
			// standalone markers without a length
			out.Write([]byte{0xFF, marker})
			continue
		}

		if pos+2 > len(data) {
			return nil, eris.New("truncated segment header")
		}

		length := int(data[pos])<<8 | int(data[pos+1])
		if length < 2 || pos+length > len(data) {
			return nil, eris.Errorf("invalid segment length %d at offset %d", length, pos)
		}

		if marker == markerSOS {
			// the rest of the file is scan data (and, for progressive files, further scans)
			out.Write([]byte{0xFF, marker})
			out.Write(data[pos:])
			return validateJPEG(out.Bytes())
		}

		if keepSegment(marker) {
			out.Write([]byte{0xFF, marker})
			out.Write(data[pos : pos+length])
		}
		pos += length
	}

	return nil, eris.New("missing end of image marker")
}

func validateJPEG(data []byte) ([]byte, error) {
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, eris.Wrap(err, "stripped JPEG does not decode")
	}

	return data, nil
}
