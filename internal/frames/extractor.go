package frames

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // ffmpeg scratch output
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // providers may hand back webp stills

	"opendrama/internal/config"
	"opendrama/internal/logging"
	"opendrama/internal/metrics"
	"opendrama/internal/services"
)

// tailOffset is how far before the end of the clip the frame is taken.
const tailOffset = 0.1

// Still is an extracted frame.
type Still struct {
	Path     string
	Data     []byte
	MIMEType string
	Width    int
	Height   int
}

// Extractor returns the last frame of a finished clip.
type Extractor interface {
	Extract(ctx context.Context, artifactURL string, durationHint float64) (Still, error)
}

// FFmpeg extracts frames with the ffmpeg binary.
type FFmpeg struct {
	binary      string
	dir         string
	maxEdge     int
	jpegQuality int
	timeout     time.Duration
	logger      *slog.Logger
}

// NewFFmpeg builds an extractor from configuration.
func NewFFmpeg(cfg *config.Config, logger *slog.Logger) *FFmpeg {
	timeout := time.Duration(cfg.Frames.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &FFmpeg{
		binary:      cfg.FFmpegBinary(),
		dir:         cfg.Paths.FramesDir,
		maxEdge:     cfg.Frames.MaxEdge,
		jpegQuality: cfg.Frames.JPEGQuality,
		timeout:     timeout,
		logger:      logging.NewComponentLogger(logger, "frames"),
	}
}

// Extract grabs the frame tailOffset seconds before durationHint. Without a
// usable hint it seeks relative to the end of the input instead.
func (f *FFmpeg) Extract(ctx context.Context, artifactURL string, durationHint float64) (Still, error) {
	still, err := f.extract(ctx, artifactURL, durationHint)
	if err != nil {
		metrics.FrameExtractions.WithLabelValues("error").Inc()
		return Still{}, err
	}
	metrics.FrameExtractions.WithLabelValues("ok").Inc()
	return still, nil
}

func (f *FFmpeg) extract(ctx context.Context, artifactURL string, durationHint float64) (Still, error) {
	artifactURL = strings.TrimSpace(artifactURL)
	if artifactURL == "" {
		return Still{}, services.Wrap(services.ErrExtractionFailed, "frames", "extract", "artifact url is empty", nil)
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return Still{}, services.Wrap(services.ErrExtractionFailed, "frames", "extract", "create frames dir", err)
	}
	scratch, err := os.CreateTemp(f.dir, "frame-*.png")
	if err != nil {
		return Still{}, services.Wrap(services.ErrExtractionFailed, "frames", "extract", "create scratch file", err)
	}
	scratchPath := scratch.Name()
	_ = scratch.Close()
	defer os.Remove(scratchPath)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	args := ffmpegArgs(artifactURL, durationHint, scratchPath)
	cmd := exec.CommandContext(ctx, f.binary, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return Still{}, services.Wrap(services.ErrExtractionFailed, "frames", "ffmpeg",
			strings.TrimSpace(string(output)), err)
	}

	raw, err := os.ReadFile(scratchPath)
	if err != nil || len(raw) == 0 {
		return Still{}, services.Wrap(services.ErrExtractionFailed, "frames", "extract", "ffmpeg produced no frame", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Still{}, services.Wrap(services.ErrExtractionFailed, "frames", "decode", "frame is not a readable image", err)
	}
	img = Downscale(img, f.maxEdge)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: f.jpegQuality}); err != nil {
		return Still{}, services.Wrap(services.ErrExtractionFailed, "frames", "encode", "", err)
	}
	dest := filepath.Join(f.dir, frameName(artifactURL))
	if err := os.WriteFile(dest, buf.Bytes(), 0o644); err != nil {
		return Still{}, services.Wrap(services.ErrExtractionFailed, "frames", "store", dest, err)
	}
	bounds := img.Bounds()
	f.logger.Debug("frame extracted",
		logging.String("artifact_url", artifactURL),
		logging.String("path", dest),
		logging.Int("width", bounds.Dx()),
		logging.Int("height", bounds.Dy()),
	)
	return Still{
		Path:     dest,
		Data:     buf.Bytes(),
		MIMEType: "image/jpeg",
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	}, nil
}

func ffmpegArgs(source string, durationHint float64, dest string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if durationHint > tailOffset {
		args = append(args, "-ss", strconv.FormatFloat(durationHint-tailOffset, 'f', 3, 64))
	} else {
		args = append(args, "-sseof", fmt.Sprintf("-%.3f", tailOffset*3))
	}
	return append(args,
		"-i", source,
		"-frames:v", "1",
		"-an",
		"-f", "image2",
		"-c:v", "png",
		dest,
	)
}

// Downscale shrinks img so its longest edge is at most maxEdge, keeping the
// aspect ratio. Smaller images are returned unchanged.
func Downscale(img image.Image, maxEdge int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return img
	}
	var nw, nh int
	if w >= h {
		nw = maxEdge
		nh = max(1, h*maxEdge/w)
	} else {
		nh = maxEdge
		nw = max(1, w*maxEdge/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

func frameName(artifactURL string) string {
	sum := sha256.Sum256([]byte(artifactURL))
	return "last-" + hex.EncodeToString(sum[:8]) + ".jpg"
}
