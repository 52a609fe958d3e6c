package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// probeOutput mirrors the subset of `ffprobe -print_format json` we read.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string            `json:"duration"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
}

type probeStream struct {
	CodecType      string            `json:"codec_type"`
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	AvgFrameRate   string            `json:"avg_frame_rate"`
	RFrameRate     string            `json:"r_frame_rate"`
	NbFrames       string            `json:"nb_frames"`
	Duration       string            `json:"duration"`
	PixFmt         string            `json:"pix_fmt"`
	ColorPrimaries string            `json:"color_primaries"`
	ColorTransfer  string            `json:"color_transfer"`
	ColorSpace     string            `json:"color_space"`
	ColorRange     string            `json:"color_range"`
	Tags           map[string]string `json:"tags"`
	SideDataList   []struct {
		SideDataType string  `json:"side_data_type"`
		Rotation     float64 `json:"rotation"`
	} `json:"side_data_list"`
}

// Probe returns information about the primary video track of path.
func (p *FFmpegProcessor) Probe(ctx context.Context, path string) (VideoInfo, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return VideoInfo{}, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return VideoInfo{}, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	return ParseProbeOutput(stdout.Bytes())
}

// ParseProbeOutput decodes ffprobe JSON output into a VideoInfo.
func ParseProbeOutput(data []byte) (VideoInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return VideoInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var video *probeStream
	hasAudio := false
	for i := range out.Streams {
		switch out.Streams[i].CodecType {
		case "video":
			if video == nil {
				video = &out.Streams[i]
			}
		case "audio":
			hasAudio = true
		}
	}
	if video == nil {
		return VideoInfo{}, ErrNoVideoStream
	}
	if video.Width <= 0 || video.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("%w: width=%d, height=%d", ErrInvalidDimensions, video.Width, video.Height)
	}

	rateExpr := video.AvgFrameRate
	rate := parseRational(rateExpr)
	if rate <= 0 {
		rateExpr = video.RFrameRate
		rate = parseRational(rateExpr)
	}

	duration := parseSeconds(out.Format.Duration)
	if duration <= 0 {
		duration = parseSeconds(video.Duration)
	}

	frames, _ := strconv.Atoi(strings.TrimSpace(video.NbFrames))

	info := VideoInfo{
		Width:          video.Width,
		Height:         video.Height,
		FrameRate:      rate,
		FrameRateExpr:  rateExpr,
		FrameCount:     frames,
		Duration:       duration,
		Rotation:       streamRotation(video),
		ColorPrimaries: knownValue(video.ColorPrimaries),
		ColorTransfer:  knownValue(video.ColorTransfer),
		ColorSpace:     knownValue(video.ColorSpace),
		ColorRange:     knownValue(video.ColorRange),
		PixelFormat:    video.PixFmt,
		HasAudio:       hasAudio,
		Tags:           out.Format.Tags,
	}
	if info.Tags == nil {
		info.Tags = map[string]string{}
	}
	return info, nil
}

// streamRotation prefers the display matrix side data and falls back to the
// legacy clockwise "rotate" tag.
func streamRotation(s *probeStream) int {
	for _, sd := range s.SideDataList {
		if sd.SideDataType == "Display Matrix" {
			return int(math.Round(sd.Rotation))
		}
	}
	if v, ok := s.Tags["rotate"]; ok {
		if deg, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return -deg
		}
	}
	return 0
}

func parseRational(s string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func knownValue(s string) string {
	if s == "unknown" || s == "reserved" {
		return ""
	}
	return s
}
