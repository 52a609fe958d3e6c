package tagger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/tiff"
)

// TIFF/EXIF tags the tagger writes or relocates.
const (
	tagOrientation     = 0x0112
	tagStripOffsets    = 0x0111
	tagStripByteCounts = 0x0117
	tagThumbnailOffset = 0x0201
	tagThumbnailLength = 0x0202
	tagExifIFD         = 0x8769
	tagGPSIFD          = 0x8825
	tagMakerNote       = 0x927C
	tagImageUniqueID   = 0xA420
	tagInteropIFD      = 0xA005

	// Vendor map entries inside the MakerNote.
	makerTagContentIdentifier = 0x0011
	makerTagStillDisplayTime  = 0x0017
)

// TIFF field types.
const (
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeUndefined = 7
)

const (
	exifPrefix      = "Exif\x00\x00"
	makerNotePrefix = "Apple iOS\x00"
	// makerNoteHeaderLen covers the prefix, a version word and the byte order mark.
	makerNoteHeaderLen = len(makerNotePrefix) + 4
	// maxSegmentPayload is the largest APP1 payload a JPEG length field can describe.
	maxSegmentPayload = 0xFFFF - 2
)

var (
	// ErrMalformedMakerNote is returned when a MakerNote cannot be parsed.
	ErrMalformedMakerNote = errors.New("malformed maker note")
	// ErrMalformedExif is returned when a still's existing Exif segment cannot be parsed.
	ErrMalformedExif = errors.New("malformed exif")
)

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shortEntry(order binary.AppendByteOrder, tag, v uint16) ifdEntry {
	return ifdEntry{tag: tag, typ: typeShort, count: 1, data: order.AppendUint16(nil, v)}
}

func longEntry(order binary.AppendByteOrder, tag uint16, v uint32) ifdEntry {
	return ifdEntry{tag: tag, typ: typeLong, count: 1, data: order.AppendUint32(nil, v)}
}

func asciiEntry(tag uint16, s string) ifdEntry {
	data := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data}
}

func undefinedEntry(tag uint16, b []byte) ifdEntry {
	return ifdEntry{tag: tag, typ: typeUndefined, count: uint32(len(b)), data: b}
}

// rawEntry carries a decoded tag over unchanged. Its value bytes stay in the
// byte order of the directory it was read from.
func rawEntry(t *tiff.Tag) ifdEntry {
	return ifdEntry{tag: t.Id, typ: uint16(t.Type), count: t.Count, data: t.Val}
}

// setEntry returns a copy of entries with e added, replacing any entry with
// the same tag.
func setEntry(entries []ifdEntry, e ifdEntry) []ifdEntry {
	out := make([]ifdEntry, 0, len(entries)+1)
	for _, x := range entries {
		if x.tag != e.tag {
			out = append(out, x)
		}
	}
	return append(out, e)
}

// ifdSize is the number of bytes encodeIFD produces for entries.
func ifdSize(entries []ifdEntry) uint32 {
	size := uint32(2 + 12*len(entries) + 4)
	for _, e := range entries {
		if n := uint32(len(e.data)); n > 4 {
			size += n + n%2
		}
	}
	return size
}

// encodeIFD serializes entries as an IFD placed at offset at, with
// out-of-line values stored immediately after it and next as the offset of
// the following IFD. Offsets are relative to the same origin as at.
func encodeIFD(order binary.AppendByteOrder, entries []ifdEntry, at, next uint32) []byte {
	sorted := append([]ifdEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].tag < sorted[j].tag })

	size := uint32(2 + 12*len(sorted) + 4)
	var ifd, data []byte
	ifd = order.AppendUint16(ifd, uint16(len(sorted)))
	for _, e := range sorted {
		ifd = order.AppendUint16(ifd, e.tag)
		ifd = order.AppendUint16(ifd, e.typ)
		ifd = order.AppendUint32(ifd, e.count)
		if len(e.data) <= 4 {
			var inline [4]byte
			copy(inline[:], e.data)
			ifd = append(ifd, inline[:]...)
			continue
		}
		ifd = order.AppendUint32(ifd, at+size+uint32(len(data)))
		data = append(data, e.data...)
		if len(data)%2 == 1 {
			data = append(data, 0)
		}
	}
	ifd = order.AppendUint32(ifd, next)
	return append(ifd, data...)
}

// buildMakerNote encodes the vendor map carrying the content identifier and
// the still display time in milliseconds. Offsets are relative to the start
// of the MakerNote.
func buildMakerNote(meta StillMeta) []byte {
	be := binary.BigEndian
	out := []byte(makerNotePrefix)
	out = append(out, 0x00, 0x01, 'M', 'M')
	return append(out, encodeIFD(be, []ifdEntry{
		asciiEntry(makerTagContentIdentifier, meta.ContentIdentifier),
		longEntry(be, makerTagStillDisplayTime, uint32(meta.StillDisplayTime/time.Millisecond)),
	}, uint32(makerNoteHeaderLen), 0)...)
}

// exifTree holds the directories of an Exif segment. Pointer and offset tags
// are not stored; encode recomputes them.
type exifTree struct {
	order     binary.AppendByteOrder
	ifd0      []ifdEntry
	exif      []ifdEntry
	gps       []ifdEntry
	interop   []ifdEntry
	ifd1      []ifdEntry
	thumbnail []byte
}

// parseExif reads the TIFF body of an existing Exif segment. The MakerNote
// and ImageUniqueID are dropped since tagging replaces them.
func parseExif(body []byte) (*exifTree, error) {
	t, err := tiff.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedExif, err)
	}
	if len(t.Dirs) == 0 {
		return nil, fmt.Errorf("%w: no directories", ErrMalformedExif)
	}

	tree := &exifTree{order: binary.BigEndian}
	if t.Order == binary.LittleEndian {
		tree.order = binary.LittleEndian
	}
	r := bytes.NewReader(body)
	for _, tag := range t.Dirs[0].Tags {
		switch tag.Id {
		case tagExifIFD:
			sub, err := subDirectory(r, t.Order, tag)
			if err != nil {
				return nil, err
			}
			for _, st := range sub {
				switch st.Id {
				case tagMakerNote, tagImageUniqueID:
				case tagInteropIFD:
					interop, err := subDirectory(r, t.Order, st)
					if err != nil {
						return nil, err
					}
					tree.interop = rawEntries(interop)
				default:
					tree.exif = append(tree.exif, rawEntry(st))
				}
			}
		case tagGPSIFD:
			gps, err := subDirectory(r, t.Order, tag)
			if err != nil {
				return nil, err
			}
			tree.gps = rawEntries(gps)
		case tagStripOffsets, tagStripByteCounts:
		default:
			tree.ifd0 = append(tree.ifd0, rawEntry(tag))
		}
	}
	if len(t.Dirs) > 1 {
		tree.ifd1, tree.thumbnail = thumbnailDirectory(body, t.Dirs[1])
	}
	return tree, nil
}

func subDirectory(r *bytes.Reader, order binary.ByteOrder, pointer *tiff.Tag) ([]*tiff.Tag, error) {
	off, err := pointer.Int64(0)
	if err != nil {
		return nil, fmt.Errorf("%w: pointer 0x%04X: %w", ErrMalformedExif, pointer.Id, err)
	}
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: pointer 0x%04X: %w", ErrMalformedExif, pointer.Id, err)
	}
	dir, _, err := tiff.DecodeDir(r, order)
	if err != nil {
		return nil, fmt.Errorf("%w: directory 0x%04X: %w", ErrMalformedExif, pointer.Id, err)
	}
	return dir.Tags, nil
}

func rawEntries(tags []*tiff.Tag) []ifdEntry {
	out := make([]ifdEntry, 0, len(tags))
	for _, t := range tags {
		out = append(out, rawEntry(t))
	}
	return out
}

// thumbnailDirectory returns IFD1 and the JPEG thumbnail it points at, or
// nothing if the thumbnail cannot be located.
func thumbnailDirectory(body []byte, dir *tiff.Dir) ([]ifdEntry, []byte) {
	var entries []ifdEntry
	off, n := int64(-1), int64(0)
	for _, tag := range dir.Tags {
		switch tag.Id {
		case tagThumbnailOffset:
			if v, err := tag.Int64(0); err == nil {
				off = v
			}
		case tagThumbnailLength:
			if v, err := tag.Int64(0); err == nil {
				n = v
			}
		case tagStripOffsets, tagStripByteCounts:
		default:
			entries = append(entries, rawEntry(tag))
		}
	}
	if off < 0 || n <= 0 || off+n > int64(len(body)) {
		return nil, nil
	}
	return entries, body[off : off+n]
}

// encode returns the TIFF body with the directories laid out in the order
// IFD0, Exif, GPS, Interop, IFD1 and the thumbnail last.
func (t *exifTree) encode(withThumbnail bool) []byte {
	o := t.order
	ifd0 := setEntry(t.ifd0, longEntry(o, tagExifIFD, 0))
	if len(t.gps) > 0 {
		ifd0 = setEntry(ifd0, longEntry(o, tagGPSIFD, 0))
	}
	exifDir := t.exif
	if len(t.interop) > 0 {
		exifDir = setEntry(exifDir, longEntry(o, tagInteropIFD, 0))
	}
	var ifd1 []ifdEntry
	if withThumbnail && len(t.thumbnail) > 0 {
		ifd1 = setEntry(t.ifd1, longEntry(o, tagThumbnailOffset, 0))
		ifd1 = setEntry(ifd1, longEntry(o, tagThumbnailLength, uint32(len(t.thumbnail))))
	}

	const ifd0At = 8
	exifAt := ifd0At + ifdSize(ifd0)
	gpsAt := exifAt + ifdSize(exifDir)
	interopAt := gpsAt
	if len(t.gps) > 0 {
		interopAt += ifdSize(t.gps)
	}
	ifd1At := interopAt
	if len(t.interop) > 0 {
		ifd1At += ifdSize(t.interop)
	}

	ifd0 = setEntry(ifd0, longEntry(o, tagExifIFD, exifAt))
	if len(t.gps) > 0 {
		ifd0 = setEntry(ifd0, longEntry(o, tagGPSIFD, gpsAt))
	}
	if len(t.interop) > 0 {
		exifDir = setEntry(exifDir, longEntry(o, tagInteropIFD, interopAt))
	}
	var next uint32
	if ifd1 != nil {
		next = ifd1At
		ifd1 = setEntry(ifd1, longEntry(o, tagThumbnailOffset, ifd1At+ifdSize(ifd1)))
	}

	out := []byte{'M', 'M'}
	if o == binary.LittleEndian {
		out = []byte{'I', 'I'}
	}
	out = o.AppendUint16(out, 0x2A)
	out = o.AppendUint32(out, ifd0At)
	out = append(out, encodeIFD(o, ifd0, ifd0At, next)...)
	out = append(out, encodeIFD(o, exifDir, exifAt, 0)...)
	if len(t.gps) > 0 {
		out = append(out, encodeIFD(o, t.gps, gpsAt, 0)...)
	}
	if len(t.interop) > 0 {
		out = append(out, encodeIFD(o, t.interop, interopAt, 0)...)
	}
	if ifd1 != nil {
		out = append(out, encodeIFD(o, ifd1, ifd1At, 0)...)
		out = append(out, t.thumbnail...)
	}
	return out
}

// BuildExif returns a complete Exif APP1 payload. source is the TIFF body of
// the still's existing Exif segment, or nil. Every tag it carries is kept;
// the orientation flag is set and the content identifier is stored in both
// the MakerNote vendor map and the ImageUniqueID field. The thumbnail is
// dropped if the segment would otherwise not fit. The output depends only on
// its arguments.
func BuildExif(source []byte, orientation uint16, meta StillMeta) ([]byte, error) {
	if meta.ContentIdentifier == "" {
		return nil, ErrMissingIdentifier
	}
	if orientation < 1 || orientation > 8 {
		orientation = 1
	}

	tree := &exifTree{order: binary.BigEndian}
	if len(source) > 0 {
		parsed, err := parseExif(source)
		if err != nil {
			return nil, err
		}
		tree = parsed
	}
	tree.ifd0 = setEntry(tree.ifd0, shortEntry(tree.order, tagOrientation, orientation))
	tree.exif = setEntry(tree.exif, undefinedEntry(tagMakerNote, buildMakerNote(meta)))
	tree.exif = setEntry(tree.exif, asciiEntry(tagImageUniqueID, meta.ContentIdentifier))

	payload := append([]byte(exifPrefix), tree.encode(true)...)
	if len(payload) > maxSegmentPayload && len(tree.thumbnail) > 0 {
		payload = append([]byte(exifPrefix), tree.encode(false)...)
	}
	if len(payload) > maxSegmentPayload {
		return nil, fmt.Errorf("exif payload too large: %d bytes", len(payload))
	}
	return payload, nil
}

// parseMakerNote reads the content identifier and still display time from a
// MakerNote written by buildMakerNote.
func parseMakerNote(b []byte) (string, time.Duration, error) {
	if len(b) < makerNoteHeaderLen+2 || !bytes.HasPrefix(b, []byte(makerNotePrefix)) {
		return "", 0, ErrMalformedMakerNote
	}
	if string(b[makerNoteHeaderLen-2:makerNoteHeaderLen]) != "MM" {
		return "", 0, fmt.Errorf("%w: unsupported byte order", ErrMalformedMakerNote)
	}

	pos := makerNoteHeaderLen
	count := int(binary.BigEndian.Uint16(b[pos:]))
	pos += 2
	if pos+12*count > len(b) {
		return "", 0, fmt.Errorf("%w: truncated directory", ErrMalformedMakerNote)
	}

	var identifier string
	var still time.Duration
	for i := 0; i < count; i++ {
		e := b[pos+12*i : pos+12*i+12]
		tag := binary.BigEndian.Uint16(e[0:])
		typ := binary.BigEndian.Uint16(e[2:])
		n := binary.BigEndian.Uint32(e[4:])
		switch {
		case tag == makerTagContentIdentifier && typ == typeASCII:
			var raw []byte
			if n <= 4 {
				raw = e[8 : 8+n]
			} else {
				off := binary.BigEndian.Uint32(e[8:])
				if uint64(off)+uint64(n) > uint64(len(b)) {
					return "", 0, fmt.Errorf("%w: identifier out of range", ErrMalformedMakerNote)
				}
				raw = b[off : off+n]
			}
			identifier = strings.TrimRight(string(raw), "\x00")
		case tag == makerTagStillDisplayTime && typ == typeLong:
			still = time.Duration(binary.BigEndian.Uint32(e[8:])) * time.Millisecond
		}
	}
	if identifier == "" {
		return "", 0, fmt.Errorf("%w: no content identifier", ErrMalformedMakerNote)
	}
	return identifier, still, nil
}
