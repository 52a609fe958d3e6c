package tagger

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cameraExif returns an Exif payload shaped like a phone camera's: little
// endian, with GPS and Interop directories, a vendor MakerNote and an
// optional thumbnail.
func cameraExif(orientation uint16, thumbnail []byte) []byte {
	le := binary.LittleEndian
	tree := &exifTree{
		order: le,
		ifd0: []ifdEntry{
			asciiEntry(0x010F, "Apple"),
			asciiEntry(0x0110, "iPhone 15 Pro"),
			shortEntry(le, tagOrientation, orientation),
		},
		exif: []ifdEntry{
			asciiEntry(0x9003, "2026:03:01 12:00:00"),
			undefinedEntry(tagMakerNote, []byte("Apple iOS\x00\x00\x01MM\x00\x00")),
			asciiEntry(tagImageUniqueID, "CAMERA-UNIQUE-ID"),
		},
		gps:     []ifdEntry{asciiEntry(0x0001, "N")},
		interop: []ifdEntry{asciiEntry(0x0001, "R98")},
	}
	if thumbnail != nil {
		tree.ifd1 = []ifdEntry{shortEntry(le, 0x0103, 6)}
		tree.thumbnail = thumbnail
	}
	return append([]byte(exifPrefix), tree.encode(true)...)
}

func stringTag(t *testing.T, x *exif.Exif, name exif.FieldName) string {
	t.Helper()
	tag, err := x.Get(name)
	require.NoError(t, err, name)
	s, err := tag.StringVal()
	require.NoError(t, err, name)
	return s
}

func TestBuildExif_Deterministic(t *testing.T) {
	meta := StillMeta{ContentIdentifier: "0D5F3C1A-8E42-4B7B-9C0E-2F6A1D3B4C5E", StillDisplayTime: 1500 * time.Millisecond}

	a, err := BuildExif(nil, 6, meta)
	require.NoError(t, err)
	b, err := BuildExif(nil, 6, meta)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, bytes.HasPrefix(a, []byte("Exif\x00\x00MM\x00\x2A")))
}

func TestBuildExif_Layout(t *testing.T) {
	payload, err := BuildExif(nil, 3, StillMeta{ContentIdentifier: "ABC-123"})
	require.NoError(t, err)

	tiff := payload[len(exifPrefix):]
	ifd0 := binary.BigEndian.Uint32(tiff[4:])
	require.Equal(t, uint32(8), ifd0)

	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(tiff[ifd0:]), "IFD0 entry count")
	entry := tiff[ifd0+2:]
	assert.Equal(t, uint16(tagOrientation), binary.BigEndian.Uint16(entry[0:]))
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(entry[8:]), "orientation value")

	assert.Contains(t, string(tiff), "ABC-123\x00")
	assert.Contains(t, string(tiff), makerNotePrefix)
}

func TestBuildExif_Validation(t *testing.T) {
	_, err := BuildExif(nil, 1, StillMeta{})
	assert.ErrorIs(t, err, ErrMissingIdentifier)

	payload, err := BuildExif(nil, 42, StillMeta{ContentIdentifier: "X"})
	require.NoError(t, err)
	tiff := payload[len(exifPrefix):]
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(tiff[8+2+8:]), "out of range orientation falls back to 1")
}

func TestParseMakerNote(t *testing.T) {
	id, still, err := parseMakerNote(buildMakerNote(StillMeta{
		ContentIdentifier: "5B5A1C4E-0000-4000-8000-000000000001",
		StillDisplayTime:  2250 * time.Millisecond,
	}))
	require.NoError(t, err)
	assert.Equal(t, "5B5A1C4E-0000-4000-8000-000000000001", id)
	assert.Equal(t, 2250*time.Millisecond, still)

	// Identifiers that fit in the entry are stored inline.
	id, _, err = parseMakerNote(buildMakerNote(StillMeta{ContentIdentifier: "AB"}))
	require.NoError(t, err)
	assert.Equal(t, "AB", id)
}

func TestParseMakerNote_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"wrong vendor", append([]byte("Canon\x00\x00\x00\x00\x00\x00\x01MM"), 0, 0)},
		{"truncated directory", append([]byte(makerNotePrefix+"\x00\x01MM"), 0, 5)},
		{"little endian", append([]byte(makerNotePrefix+"\x00\x01II"), 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseMakerNote(tt.data)
			assert.ErrorIs(t, err, ErrMalformedMakerNote)
		})
	}
}

func TestBuildExif_MergesSourceDirectories(t *testing.T) {
	thumb := []byte{0xFF, 0xD8, 0xFF, 0xD9, 0x01, 0x02, 0x03}
	source := cameraExif(6, thumb)[len(exifPrefix):]

	payload, err := BuildExif(source, 6, StillMeta{
		ContentIdentifier: testIdentifier,
		StillDisplayTime:  1200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(payload, []byte("Exif\x00\x00II*\x00")), "source byte order kept")

	x, err := exif.Decode(bytes.NewReader(payload[len(exifPrefix):]))
	require.NoError(t, err)
	assert.Equal(t, "Apple", stringTag(t, x, exif.Make))
	assert.Equal(t, "iPhone 15 Pro", stringTag(t, x, exif.Model))
	assert.Equal(t, "2026:03:01 12:00:00", stringTag(t, x, exif.DateTimeOriginal))
	assert.Equal(t, "N", stringTag(t, x, exif.GPSLatitudeRef))
	assert.Equal(t, "R98", stringTag(t, x, exif.InteroperabilityIndex))
	assert.Equal(t, testIdentifier, stringTag(t, x, exif.ImageUniqueID), "source identifier replaced")

	got, err := x.JpegThumbnail()
	require.NoError(t, err)
	assert.Equal(t, thumb, got)

	mn, err := x.Get(exif.MakerNote)
	require.NoError(t, err)
	id, still, err := parseMakerNote(mn.Val)
	require.NoError(t, err)
	assert.Equal(t, testIdentifier, id)
	assert.Equal(t, 1200*time.Millisecond, still)
}

func TestBuildExif_MergeIsIdempotent(t *testing.T) {
	meta := StillMeta{ContentIdentifier: testIdentifier, StillDisplayTime: time.Second}
	source := cameraExif(3, []byte{0xFF, 0xD8, 0xFF, 0xD9})[len(exifPrefix):]

	once, err := BuildExif(source, 3, meta)
	require.NoError(t, err)
	twice, err := BuildExif(once[len(exifPrefix):], 3, meta)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestBuildExif_DropsThumbnailWhenTooLarge(t *testing.T) {
	thumb := bytes.Repeat([]byte{0xAB}, maxSegmentPayload)
	source := cameraExif(1, thumb)[len(exifPrefix):]

	payload, err := BuildExif(source, 1, StillMeta{ContentIdentifier: testIdentifier})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), maxSegmentPayload)

	x, err := exif.Decode(bytes.NewReader(payload[len(exifPrefix):]))
	require.NoError(t, err)
	assert.Equal(t, "2026:03:01 12:00:00", stringTag(t, x, exif.DateTimeOriginal))
	_, err = x.JpegThumbnail()
	assert.Error(t, err)
}

func TestBuildExif_MalformedSource(t *testing.T) {
	_, err := BuildExif([]byte("not a tiff header"), 1, StillMeta{ContentIdentifier: testIdentifier})
	assert.ErrorIs(t, err, ErrMalformedExif)
}
