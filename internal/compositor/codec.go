package compositor

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // overlays and stills may arrive as PNG
	"io"
	"os"
)

// DefaultJPEGQuality balances size and fidelity for composited stills.
const DefaultJPEGQuality = 95

// DecodeFile decodes a JPEG or PNG file and reports its format name.
func DecodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path) // #nosec G304 - path is produced by the pipeline
	if err != nil {
		return nil, "", fmt.Errorf("open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// EncodeJPEG writes img as a baseline JPEG. Quality outside 1..100 uses the default.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return nil
}
