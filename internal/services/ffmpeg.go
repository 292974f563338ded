package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Normalized clip format: every clip is re-encoded to this before concat so
// the stream copy in Concat never mixes codecs, sizes or frame rates.
const (
	normalizeWidth  = 1280
	normalizeHeight = 720
	normalizeFPS    = 24
)

type FFmpegService struct {
	tempDir string
	ffmpeg  string
	ffprobe string
	logger  zerolog.Logger
}

func NewFFmpegService(tempDir string, logger zerolog.Logger) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &FFmpegService{
		tempDir: tempDir,
		ffmpeg:  "ffmpeg",
		ffprobe: "ffprobe",
		logger:  logger.With().Str("component", "ffmpeg").Logger(),
	}, nil
}

// TempDir creates a fresh scratch directory under the service's temp root.
func (s *FFmpegService) TempDir(prefix string) (string, error) {
	return os.MkdirTemp(s.tempDir, prefix+"-")
}

// Concat joins clips in order with the concat demuxer. The list file is
// unique per call so concurrent compiles never share one.
func (s *FFmpegService) Concat(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	list, err := os.CreateTemp(s.tempDir, "concat-*.txt")
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	defer os.Remove(list.Name())

	for _, p := range clipPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			list.Close()
			return fmt.Errorf("failed to resolve clip path %s: %w", p, err)
		}
		fmt.Fprintf(list, "file '%s'\n", escapeConcatPath(abs))
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	return s.run(ctx, "concat",
		"-f", "concat",
		"-safe", "0",
		"-i", list.Name(),
		"-c", "copy",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	)
}

// Normalize re-encodes a clip to 1280x720 H.264 at 24fps, letterboxed, with
// the audio dropped.
func (s *FFmpegService) Normalize(ctx context.Context, inputPath, outputPath string) error {
	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d",
		normalizeWidth, normalizeHeight, normalizeWidth, normalizeHeight, normalizeFPS,
	)
	return s.run(ctx, "normalize",
		"-i", inputPath,
		"-vf", vf,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "20",
		"-pix_fmt", "yuv420p",
		"-an",
		"-y",
		outputPath,
	)
}

// ExtractLastFrame writes the final frame of a video as a JPEG.
func (s *FFmpegService) ExtractLastFrame(ctx context.Context, videoPath, outputPath string) error {
	return s.run(ctx, "last frame",
		"-sseof", "-0.5",
		"-i", videoPath,
		"-update", "1",
		"-q:v", "2",
		"-y",
		outputPath,
	)
}

// Duration returns a media file's duration in seconds.
func (s *FFmpegService) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, s.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration failed: %w", err)
	}

	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return d, nil
}

func (s *FFmpegService) run(ctx context.Context, op string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.ffmpeg, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	cmd.Stderr = &stderr

	s.logger.Debug().Str("op", op).Strs("args", args).Msg("running ffmpeg")
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("ffmpeg %s failed: %w", op, err)
		}
		return fmt.Errorf("ffmpeg %s failed: %w: %s", op, err, truncateString(lastLines(msg, 5), 1000))
	}
	return nil
}

// escapeConcatPath quotes a path for a concat list line: ' becomes '\''.
func escapeConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
