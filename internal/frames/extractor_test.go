package frames_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"opendrama/internal/frames"
	"opendrama/internal/logging"
	"opendrama/internal/services"
	"opendrama/internal/testsupport"
)

const copyFixtureScript = `#!/bin/sh
echo "$@" > "$FFMPEG_ARGS_FILE"
for last; do :; done
cp "$FRAME_FIXTURE" "$last"
`

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
}

func TestExtractStoresDownscaledJPEG(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinary("ffmpeg", copyFixtureScript))
	fixture := filepath.Join(testsupport.BaseDir(cfg), "fixture.png")
	writePNG(t, fixture, 2000, 1000)
	argsFile := filepath.Join(testsupport.BaseDir(cfg), "args.txt")
	t.Setenv("FRAME_FIXTURE", fixture)
	t.Setenv("FFMPEG_ARGS_FILE", argsFile)

	extractor := frames.NewFFmpeg(cfg, logging.NewNop())
	still, err := extractor.Extract(context.Background(), "https://cdn.example/clip.mp4", 5)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if still.Width != 1280 || still.Height != 640 {
		t.Fatalf("unexpected dimensions %dx%d", still.Width, still.Height)
	}
	if still.MIMEType != "image/jpeg" || len(still.Data) == 0 {
		t.Fatalf("unexpected still: mime=%q bytes=%d", still.MIMEType, len(still.Data))
	}
	if !strings.HasPrefix(still.Path, cfg.Paths.FramesDir) {
		t.Fatalf("expected still under frames dir, got %q", still.Path)
	}
	if _, err := os.Stat(still.Path); err != nil {
		t.Fatalf("stat still: %v", err)
	}
	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if !strings.Contains(string(args), "-ss 4.900 -i https://cdn.example/clip.mp4") {
		t.Fatalf("unexpected ffmpeg args: %s", args)
	}
	leftovers, _ := filepath.Glob(filepath.Join(cfg.Paths.FramesDir, "frame-*.png"))
	if len(leftovers) != 0 {
		t.Fatalf("scratch files not cleaned up: %v", leftovers)
	}
}

func TestExtractWithoutDurationSeeksFromEnd(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinary("ffmpeg", copyFixtureScript))
	fixture := filepath.Join(testsupport.BaseDir(cfg), "fixture.png")
	writePNG(t, fixture, 64, 64)
	argsFile := filepath.Join(testsupport.BaseDir(cfg), "args.txt")
	t.Setenv("FRAME_FIXTURE", fixture)
	t.Setenv("FFMPEG_ARGS_FILE", argsFile)

	if _, err := frames.NewFFmpeg(cfg, logging.NewNop()).Extract(context.Background(), "https://cdn.example/a.mp4", 0); err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if !strings.Contains(string(args), "-sseof") {
		t.Fatalf("expected -sseof seek, got %s", args)
	}
}

func TestExtractFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
		url    string
		want   string
	}{
		{"ffmpeg error", "#!/bin/sh\necho 'moov atom not found' >&2\nexit 1\n", "https://cdn.example/broken.mp4", "moov atom not found"},
		{"no output", "#!/bin/sh\nexit 0\n", "https://cdn.example/empty.mp4", "no frame"},
		{"corrupt output", "#!/bin/sh\nfor last; do :; done\necho garbage > \"$last\"\n", "https://cdn.example/corrupt.mp4", "not a readable image"},
		{"empty url", "#!/bin/sh\nexit 0\n", "", "artifact url is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinary("ffmpeg", tt.script))
			_, err := frames.NewFFmpeg(cfg, logging.NewNop()).Extract(context.Background(), tt.url, 5)
			if !errors.Is(err, services.ErrExtractionFailed) {
				t.Fatalf("expected ErrExtractionFailed, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDownscaleKeepsAspectRatio(t *testing.T) {
	tall := image.NewRGBA(image.Rect(0, 0, 600, 1800))
	out := frames.Downscale(tall, 900)
	if b := out.Bounds(); b.Dx() != 300 || b.Dy() != 900 {
		t.Fatalf("unexpected bounds %v", b)
	}
	small := image.NewRGBA(image.Rect(0, 0, 100, 50))
	if frames.Downscale(small, 900) != image.Image(small) {
		t.Fatal("expected small image to be returned unchanged")
	}
}
