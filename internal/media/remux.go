package media

import (
	"context"
	"sort"
)

// Remux copies the video and audio streams of src into dst without
// re-encoding and sets container metadata. Keys are written as QuickTime
// metadata items (mdta), which is where players look for reverse-DNS keys.
func (p *FFmpegProcessor) Remux(ctx context.Context, src, dst string, metadata map[string]string) error {
	args := []string{
		"-y",
		"-v", "error",
		"-i", src,
		"-map", "0:v",
		"-map", "0:a?",
		"-c", "copy",
		"-map_metadata", "0",
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-metadata", k+"="+metadata[k])
	}

	args = append(args,
		"-movflags", "use_metadata_tags",
		"-f", "mov",
		dst,
	)
	return p.runFFmpeg(ctx, args)
}
