// Package compositor layers optional overlay images (free-hand drawing, cosmetic)
// on top of a base still or video frame.
//
// Overlays are authored in display space, the way the user saw the capture on
// screen. Base images are in stored space: the raw sensor layout plus an
// orientation flag. The compositor maps overlays into stored space so callers
// never re-encode rotated pixels.
//
// All functions are pure and safe for concurrent use with different inputs.
package compositor

import (
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/draw"
	"sort"
	"strings"
)

// Kind identifies an overlay layer.
type Kind string

const (
	// KindDrawing is the free-hand drawing layer.
	KindDrawing Kind = "drawing"
	// KindCosmetic is the cosmetic (makeup) layer. It is drawn above the drawing.
	KindCosmetic Kind = "cosmetic"
)

// IsValid returns true if the kind is a known overlay layer.
func (k Kind) IsValid() bool {
	return k == KindDrawing || k == KindCosmetic
}

// Kinds returns every overlay kind in composition order.
func Kinds() []Kind {
	return []Kind{KindDrawing, KindCosmetic}
}

// order returns the fixed composition order: base, drawing, cosmetic.
func (k Kind) order() int {
	switch k {
	case KindDrawing:
		return 1
	case KindCosmetic:
		return 2
	default:
		return 3
	}
}

// Overlay is immutable overlay content for one layer.
type Overlay struct {
	// Kind is the layer the content belongs to.
	Kind Kind
	// Image is the overlay pixels, in display space.
	Image *image.RGBA
	// Digest is a content hash used in cache signatures.
	Digest string
}

// NewOverlay copies img into an RGBA buffer and computes its digest.
func NewOverlay(kind Kind, img image.Image) Overlay {
	rgba := ToRGBA(img)
	h := sha256.New()
	b := rgba.Bounds()
	_, _ = h.Write([]byte{byte(b.Dx() >> 8), byte(b.Dx()), byte(b.Dy() >> 8), byte(b.Dy())})
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := rgba.PixOffset(b.Min.X, y)
		_, _ = h.Write(rgba.Pix[i : i+4*b.Dx()])
	}
	return Overlay{
		Kind:   kind,
		Image:  rgba,
		Digest: hex.EncodeToString(h.Sum(nil)),
	}
}

// Sorted returns a copy of overlays in composition order.
func Sorted(overlays []Overlay) []Overlay {
	out := make([]Overlay, len(overlays))
	copy(out, overlays)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Kind.order() < out[j].Kind.order()
	})
	return out
}

// Signature returns the cache key for an overlay set. The empty set has the
// empty signature, which denotes the plain pairing.
func Signature(overlays []Overlay) string {
	if len(overlays) == 0 {
		return ""
	}
	parts := make([]string, 0, len(overlays))
	for _, o := range Sorted(overlays) {
		digest := o.Digest
		if len(digest) > 16 {
			digest = digest[:16]
		}
		parts = append(parts, string(o.Kind)+"@"+digest)
	}
	return strings.Join(parts, "+")
}

// ToRGBA returns img as a zero-origin *image.RGBA, copying only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
