package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// OpenFrameReader starts an ffmpeg process decoding the primary video track
// of path to raw RGBA frames. The display rotation is not applied: frames
// keep the coded layout and the caller carries the transform separately.
func (p *FFmpegProcessor) OpenFrameReader(ctx context.Context, path string, info VideoInfo) (FrameReader, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("%w: width=%d, height=%d", ErrInvalidDimensions, info.Width, info.Height)
	}

	args := []string{
		"-v", "error",
		"-noautorotate",
		"-i", path,
		"-map", "0:v:0",
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	}

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}

	return &ffmpegFrameReader{
		cmd:    cmd,
		args:   args,
		stdout: stdout,
		r:      bufio.NewReaderSize(stdout, info.Width*info.Height*4),
		width:  info.Width,
		height: info.Height,
		stderr: stderr,
	}, nil
}

type ffmpegFrameReader struct {
	cmd    *exec.Cmd
	args   []string
	stdout io.ReadCloser
	r      *bufio.Reader
	width  int
	height int
	stderr *bytes.Buffer
	done   bool
}

func (fr *ffmpegFrameReader) ReadFrame() (*image.RGBA, error) {
	if fr.done {
		return nil, io.EOF
	}

	img := image.NewRGBA(image.Rect(0, 0, fr.width, fr.height))
	_, err := io.ReadFull(fr.r, img.Pix)
	switch {
	case err == nil:
		return img, nil
	case errors.Is(err, io.EOF):
		fr.done = true
		if werr := fr.cmd.Wait(); werr != nil {
			return nil, &FFmpegError{Args: fr.args, Stderr: fr.stderr.String(), Err: werr}
		}
		return nil, io.EOF
	default:
		fr.done = true
		_ = fr.cmd.Wait()
		return nil, fmt.Errorf("read frame: %w (stderr: %s)", err, fr.stderr.String())
	}
}

func (fr *ffmpegFrameReader) Close() error {
	if fr.done {
		return nil
	}
	fr.done = true
	// The decoder only writes to our pipe, so stopping it cannot corrupt output.
	_ = fr.stdout.Close()
	if fr.cmd.Process != nil {
		_ = fr.cmd.Process.Kill()
	}
	_ = fr.cmd.Wait()
	return nil
}

// OpenFrameWriter starts an ffmpeg process encoding raw RGBA frames into dst.
//
// The output keeps the source frame size and rate, the display rotation and
// the color primaries, transfer and matrix. Audio from src is stream-copied.
// The encoder is not tied to ctx: it is only ever stopped by closing its
// input so the container is always finalized cleanly.
func (p *FFmpegProcessor) OpenFrameWriter(_ context.Context, src, dst string, info VideoInfo) (FrameWriter, error) {
	args, err := p.encoderArgs(src, dst, info)
	if err != nil {
		return nil, err
	}

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.Command(p.ffmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}

	return &ffmpegFrameWriter{
		cmd:    cmd,
		args:   args,
		stdin:  stdin,
		w:      bufio.NewWriterSize(stdin, info.Width*info.Height*4),
		dst:    dst,
		width:  info.Width,
		height: info.Height,
		stderr: stderr,
	}, nil
}

// encoderArgs builds the ffmpeg command line for OpenFrameWriter.
func (p *FFmpegProcessor) encoderArgs(src, dst string, info VideoInfo) ([]string, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("%w: width=%d, height=%d", ErrInvalidDimensions, info.Width, info.Height)
	}

	rate := info.FrameRateExpr
	if parseRational(rate) <= 0 {
		rate = "30"
	}

	args := []string{
		"-y",
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"-framerate", rate,
	}
	if info.Rotation != 0 {
		// Input option: attaches the display matrix to the raw stream.
		args = append(args, "-display_rotation", strconv.Itoa(info.Rotation))
	}
	args = append(args, "-i", "pipe:0")
	if info.HasAudio && src != "" {
		args = append(args, "-i", src, "-map", "0:v:0", "-map", "1:a?", "-c:a", "copy")
	} else {
		args = append(args, "-map", "0:v:0")
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", p.preset,
		"-crf", strconv.Itoa(p.crf),
		"-pix_fmt", "yuv420p",
	)
	if info.ColorPrimaries != "" {
		args = append(args, "-color_primaries", info.ColorPrimaries)
	}
	if info.ColorTransfer != "" {
		args = append(args, "-color_trc", info.ColorTransfer)
	}
	if info.ColorSpace != "" {
		args = append(args, "-colorspace", info.ColorSpace)
	}
	if info.ColorRange != "" {
		args = append(args, "-color_range", info.ColorRange)
	}
	args = append(args, "-movflags", "+faststart", "-f", "mov", dst)
	return args, nil
}

type ffmpegFrameWriter struct {
	cmd    *exec.Cmd
	args   []string
	stdin  io.WriteCloser
	w      *bufio.Writer
	dst    string
	width  int
	height int
	stderr *bytes.Buffer
	closed bool
}

func (fw *ffmpegFrameWriter) WriteFrame(img *image.RGBA) error {
	if fw.closed {
		return errors.New("write to closed encoder")
	}
	b := img.Bounds()
	if b.Dx() != fw.width || b.Dy() != fw.height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize, b.Dx(), b.Dy(), fw.width, fw.height)
	}

	rowLen := 4 * fw.width
	if img.Stride == rowLen && b.Min == (image.Point{}) {
		if _, err := fw.w.Write(img.Pix[:rowLen*fw.height]); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		return nil
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y)
		if _, err := fw.w.Write(img.Pix[i : i+rowLen]); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
	return nil
}

func (fw *ffmpegFrameWriter) Close() error {
	if fw.closed {
		return nil
	}
	fw.closed = true

	flushErr := fw.w.Flush()
	_ = fw.stdin.Close()
	if err := fw.cmd.Wait(); err != nil {
		return &FFmpegError{Args: fw.args, Stderr: fw.stderr.String(), Err: err}
	}
	if flushErr != nil {
		return fmt.Errorf("flush encoder: %w", flushErr)
	}
	return nil
}

func (fw *ffmpegFrameWriter) Abort() error {
	if !fw.closed {
		fw.closed = true
		_ = fw.w.Flush()
		_ = fw.stdin.Close()
		_ = fw.cmd.Wait()
	}
	if err := os.Remove(fw.dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial output: %w", err)
	}
	return nil
}
