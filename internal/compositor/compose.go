package compositor

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
)

// background is painted under every composite so downstream codecs never see alpha.
var background = image.NewUniform(color.Black)

// Compose flattens overlays onto an upright base image. Overlays are drawn in
// fixed order (drawing, then cosmetic) regardless of the order given.
// With no overlays the base is returned unchanged.
func Compose(base image.Image, overlays []Overlay, scale float64) image.Image {
	if len(overlays) == 0 {
		return base
	}
	return ComposeOriented(base, overlays, scale, OrientationUp)
}

// ComposeOriented flattens display-space overlays onto a stored-space base
// whose display transform is orientation.
func ComposeOriented(base image.Image, overlays []Overlay, scale float64, orientation Orientation) image.Image {
	if len(overlays) == 0 {
		return base
	}
	layer := PrepareLayer(base.Bounds().Size(), overlays, scale, orientation)
	return layer.Apply(base)
}

// Layer is a rasterized overlay stack in stored space. It is read-only after
// PrepareLayer returns and may be applied from many goroutines.
type Layer struct {
	img *image.RGBA
}

// PrepareLayer rasterizes overlays for a stored canvas of the given size.
// It returns nil when there is nothing to draw.
func PrepareLayer(stored image.Point, overlays []Overlay, scale float64, orientation Orientation) *Layer {
	if len(overlays) == 0 || stored.X <= 0 || stored.Y <= 0 {
		return nil
	}
	if !orientation.IsValid() {
		orientation = OrientationUp
	}

	display := stored
	if orientation.SwapsAxes() {
		display = image.Pt(stored.Y, stored.X)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, display.X, display.Y))
	for _, o := range Sorted(overlays) {
		if o.Image == nil {
			continue
		}
		r := overlayRect(canvas.Bounds(), o.Image.Bounds(), scale)
		if r.Empty() {
			continue
		}
		xdraw.CatmullRom.Scale(canvas, r, o.Image, o.Image.Bounds(), xdraw.Over, nil)
	}

	return &Layer{img: toStored(canvas, orientation)}
}

// Apply returns a new opaque image: background, base, then the layer.
func (l *Layer) Apply(base image.Image) *image.RGBA {
	b := base.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), background, image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), base, b.Min, draw.Over)
	if l == nil {
		return out
	}
	if l.img.Bounds().Size() == out.Bounds().Size() {
		draw.Draw(out, out.Bounds(), l.img, image.Point{}, draw.Over)
	} else {
		xdraw.BiLinear.Scale(out, out.Bounds(), l.img, l.img.Bounds(), xdraw.Over, nil)
	}
	return out
}

// overlayRect computes where an overlay of size src lands on canvas.
//
// At scale 1 the overlay fills the canvas height and is centered
// horizontally. Otherwise it is fitted, aspect preserved, into a centered box
// of canvas/scale.
func overlayRect(canvas, src image.Rectangle, scale float64) image.Rectangle {
	cw, ch := float64(canvas.Dx()), float64(canvas.Dy())
	ow, oh := float64(src.Dx()), float64(src.Dy())
	if ow <= 0 || oh <= 0 || cw <= 0 || ch <= 0 {
		return image.Rectangle{}
	}

	var x, y, w, h float64
	if scale <= 0 || math.Abs(scale-1) < 1e-9 {
		h = ch
		w = ow * ch / oh
		x = (cw - w) / 2
		y = 0
	} else {
		bw, bh := cw/scale, ch/scale
		f := math.Min(bw/ow, bh/oh)
		w, h = ow*f, oh*f
		x = (cw - w) / 2
		y = (ch - h) / 2
	}

	return image.Rect(
		canvas.Min.X+int(math.Round(x)),
		canvas.Min.Y+int(math.Round(y)),
		canvas.Min.X+int(math.Round(x+w)),
		canvas.Min.Y+int(math.Round(y+h)),
	)
}

// toStored maps a display-space image into the stored layout of orientation.
func toStored(src *image.RGBA, orientation Orientation) *image.RGBA {
	if orientation == OrientationUp {
		return src
	}
	sb := src.Bounds()
	w, h := sb.Dx(), sb.Dy()
	if orientation.SwapsAxes() {
		w, h = h, w
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for sy := 0; sy < h; sy++ {
		for sx := 0; sx < w; sx++ {
			dx, dy := orientation.displayPoint(sx, sy, w, h)
			si := src.PixOffset(sb.Min.X+dx, sb.Min.Y+dy)
			di := dst.PixOffset(sx, sy)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}
