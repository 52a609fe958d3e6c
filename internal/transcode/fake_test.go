package transcode

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"sync"

	"github.com/maauso/livepair/internal/media"
)

// fakeCodec produces numbered solid frames and records what the encoder receives.
type fakeCodec struct {
	info       media.VideoInfo
	probeErr   error
	openErr    error
	failAt     int // WriteFrame fails on this 1-based frame when > 0
	emptyClose bool
	closeErr   error
	onClose    func() // runs when the encoder is finalized

	mu         sync.Mutex
	written    []color.RGBA
	centers    []color.RGBA
	writerInfo media.VideoInfo
	aborted    bool
	closed     bool
}

func (c *fakeCodec) Probe(_ context.Context, _ string) (media.VideoInfo, error) {
	if c.probeErr != nil {
		return media.VideoInfo{}, c.probeErr
	}
	return c.info, nil
}

func (c *fakeCodec) OpenFrameReader(_ context.Context, _ string, info media.VideoInfo) (media.FrameReader, error) {
	return &fakeReader{total: c.info.FrameCount, width: info.Width, height: info.Height}, nil
}

func (c *fakeCodec) OpenFrameWriter(_ context.Context, _, dst string, info media.VideoInfo) (media.FrameWriter, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	if err := os.WriteFile(dst, []byte("moov"), 0o600); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.writerInfo = info
	c.mu.Unlock()
	return &fakeWriter{codec: c, dst: dst}, nil
}

func (c *fakeCodec) frames() []color.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]color.RGBA, len(c.written))
	copy(out, c.written)
	return out
}

// frameColor encodes the frame index into the red and green channels.
func frameColor(i int) color.RGBA {
	return color.RGBA{R: uint8(i % 256), G: uint8(i / 256), B: 0, A: 255}
}

type fakeReader struct {
	next          int
	total         int
	width, height int
}

func (r *fakeReader) ReadFrame() (*image.RGBA, error) {
	if r.next >= r.total {
		return nil, io.EOF
	}
	img := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	c := frameColor(r.next)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	r.next++
	return img, nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	codec *fakeCodec
	dst   string
	count int
}

func (w *fakeWriter) WriteFrame(img *image.RGBA) error {
	w.count++
	if w.codec.failAt > 0 && w.count == w.codec.failAt {
		return errors.New("encoder rejected sample")
	}
	b := img.Bounds()
	w.codec.mu.Lock()
	w.codec.written = append(w.codec.written, img.RGBAAt(0, 0))
	w.codec.centers = append(w.codec.centers, img.RGBAAt(b.Dx()/2, b.Dy()/2))
	w.codec.mu.Unlock()
	return nil
}

func (w *fakeWriter) Close() error {
	w.codec.mu.Lock()
	w.codec.closed = true
	w.codec.mu.Unlock()
	if w.codec.onClose != nil {
		w.codec.onClose()
	}
	if w.codec.closeErr != nil {
		return w.codec.closeErr
	}
	if w.codec.emptyClose {
		return os.WriteFile(w.dst, nil, 0o600)
	}
	return os.WriteFile(w.dst, []byte("moov-finalized"), 0o600)
}

func (w *fakeWriter) Abort() error {
	w.codec.mu.Lock()
	w.codec.aborted = true
	w.codec.mu.Unlock()
	if err := os.Remove(w.dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var (
	_ media.Codec       = (*fakeCodec)(nil)
	_ media.FrameReader = (*fakeReader)(nil)
	_ media.FrameWriter = (*fakeWriter)(nil)
)
