package tagger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// JPEG markers.
const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerAPP0 = 0xE0
	markerAPP1 = 0xE1
)

// ErrNotJPEG is returned when the still is not a baseline or progressive JPEG.
var ErrNotJPEG = errors.New("not a jpeg")

type segment struct {
	marker  byte
	payload []byte
}

func (s segment) standalone() bool {
	return s.marker == 0x01 || (s.marker >= 0xD0 && s.marker <= 0xD7)
}

func (s segment) isExif() bool {
	return s.marker == markerAPP1 && bytes.HasPrefix(s.payload, []byte(exifPrefix))
}

// splitJPEG returns the header segments before the first scan and the raw
// bytes from the SOS marker to the end of the file.
func splitJPEG(data []byte) ([]segment, []byte, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, nil, ErrNotJPEG
	}

	var segs []segment
	pos := 2
	for {
		start := pos
		if pos >= len(data) || data[pos] != 0xFF {
			return nil, nil, fmt.Errorf("%w: expected marker at offset %d", ErrNotJPEG, pos)
		}
		for pos < len(data) && data[pos] == 0xFF {
			pos++
		}
		if pos >= len(data) {
			return nil, nil, fmt.Errorf("%w: truncated", ErrNotJPEG)
		}
		marker := data[pos]
		pos++

		seg := segment{marker: marker}
		if marker == markerEOI {
			return nil, nil, fmt.Errorf("%w: no image data", ErrNotJPEG)
		}
		if seg.standalone() {
			segs = append(segs, seg)
			continue
		}
		if marker == markerSOS {
			return segs, data[start:], nil
		}

		if pos+2 > len(data) {
			return nil, nil, fmt.Errorf("%w: truncated", ErrNotJPEG)
		}
		length := int(binary.BigEndian.Uint16(data[pos:]))
		if length < 2 || pos+length > len(data) {
			return nil, nil, fmt.Errorf("%w: bad segment length", ErrNotJPEG)
		}
		seg.payload = data[pos+2 : pos+length]
		segs = append(segs, seg)
		pos += length
	}
}

// ReplaceExif returns data with its Exif APP1 segments replaced by exif,
// inserted after any leading APP0 segments. Callers merge the existing
// metadata into exif first; see ExifBody. The entropy-coded image data is
// copied byte for byte.
func ReplaceExif(data, exif []byte) ([]byte, error) {
	if len(exif) > maxSegmentPayload {
		return nil, fmt.Errorf("exif payload too large: %d bytes", len(exif))
	}
	segs, scan, err := splitJPEG(data)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Grow(len(data) + len(exif) + 4)
	out.Write([]byte{0xFF, markerSOI})

	i := 0
	for ; i < len(segs) && segs[i].marker == markerAPP0; i++ {
		writeSegment(&out, segs[i])
	}
	writeSegment(&out, segment{marker: markerAPP1, payload: exif})
	for ; i < len(segs); i++ {
		if segs[i].isExif() {
			continue
		}
		writeSegment(&out, segs[i])
	}
	out.Write(scan)
	return out.Bytes(), nil
}

// ExifBody returns the TIFF body of the first Exif APP1 segment in data, or
// nil if there is none.
func ExifBody(data []byte) []byte {
	segs, _, err := splitJPEG(data)
	if err != nil {
		return nil
	}
	for _, s := range segs {
		if s.isExif() {
			return s.payload[len(exifPrefix):]
		}
	}
	return nil
}

func writeSegment(buf *bytes.Buffer, s segment) {
	buf.Write([]byte{0xFF, s.marker})
	if s.standalone() {
		return
	}
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(s.payload)+2))
	buf.Write(length[:])
	buf.Write(s.payload)
}

// scanData returns the bytes from the first SOS marker to the end of data.
func scanData(data []byte) ([]byte, error) {
	_, scan, err := splitJPEG(data)
	return scan, err
}
