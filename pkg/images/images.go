// Package images optimizes images without changing their format or dimensions. External tools
// (jpegtran, optipng, cwebp, ...) are used when configured, otherwise builtin optimizers run:
// PNGs are re-encoded with stronger compression, JPEGs lose their metadata segments and SVGs are
// minified. An optimized file that ends up larger than its source is discarded.
package images

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/svg"

	"github.com/ngld/sitebuild/pkg/shell"
	"github.com/ngld/sitebuild/pkg/stream"
)

const (
	// JPEGAuto runs DefaultJPEGCommand if jpegtran is on PATH and strips metadata segments otherwise
	JPEGAuto = "auto"
	// DefaultJPEGCommand rewrites JPEGs as optimized progressive files without metadata
	DefaultJPEGCommand = "jpegtran -copy none -optimize -progressive -outfile {out} {in}"
)

// Options controls the optimizers
type Options struct {
	// PNGLevel ranges from 0 (leave PNGs alone) to 7
	PNGLevel int
	// JPEGCommand and PNGCommand are optional command templates with {in} and {out} placeholders.
	// JPEGCommand may also be JPEGAuto.
	JPEGCommand string
	PNGCommand  string
	// WebP adds a .webp variant for every PNG and JPEG using WebPCommand
	WebP        bool
	WebPCommand string
	// Progress shows a progress bar on stderr
	Progress bool
}

// Stats summarizes an optimization run
type Stats struct {
	Files       int
	Optimized   int
	BytesBefore int64
	BytesAfter  int64
}

// Optimize processes files in place and returns the files that should be written, which includes
// WebP variants if enabled.
func Optimize(ctx context.Context, files []*stream.File, opts Options) ([]*stream.File, Stats, error) {
	stats := Stats{}
	result := make([]*stream.File, 0, len(files))
	opts.JPEGCommand = resolveJPEGCommand(opts.JPEGCommand)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("optimizing images"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetVisibility(opts.Progress && os.Getenv("CI") != "true"),
	)

	minifier := minify.New()
	minifier.AddFunc("text/css", css.Minify)
	minifier.Add("image/svg+xml", &svg.Minifier{})

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		before := int64(len(file.Contents))
		optimized, err := optimizeFile(ctx, file, opts, minifier)
		if err != nil {
			return nil, stats, eris.Wrapf(err, "failed to optimize %s", file.Path)
		}

		if optimized != nil && len(optimized) < len(file.Contents) {
			file.Contents = optimized
			stats.Optimized++
		}

		stats.Files++
		stats.BytesBefore += before
		stats.BytesAfter += int64(len(file.Contents))
		result = append(result, file)

		if opts.WebP && isRaster(file) {
			variant, err := convertWebP(ctx, file, opts.WebPCommand)
			if err != nil {
				return nil, stats, eris.Wrapf(err, "failed to convert %s to WebP", file.Path)
			}
			result = append(result, variant)
		}

		_ = bar.Add(1)
	}

	_ = bar.Finish()
	return result, stats, nil
}

func isRaster(file *stream.File) bool {
	switch file.Ext() {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

func resolveJPEGCommand(command string) string {
	if command != JPEGAuto {
		return command
	}

	if _, err := exec.LookPath("jpegtran"); err != nil {
		return ""
	}
	return DefaultJPEGCommand
}

// optimizeFile returns the optimized contents or nil if the file type isn't handled
func optimizeFile(ctx context.Context, file *stream.File, opts Options, minifier *minify.M) ([]byte, error) {
	switch file.Ext() {
	case ".png":
		if opts.PNGCommand != "" {
			return runTool(ctx, file, opts.PNGCommand, ".png")
		}
		return OptimizePNG(file.Contents, opts.PNGLevel)
	case ".jpg", ".jpeg":
		if opts.JPEGCommand != "" {
			return runTool(ctx, file, opts.JPEGCommand, file.Ext())
		}
		return StripJPEG(file.Contents)
	case ".svg":
		return minifier.Bytes("image/svg+xml", file.Contents)
	}

	return nil, nil
}

// OptimizePNG re-encodes a PNG with a compression level derived from level (0-7)
func OptimizePNG(data []byte, level int) ([]byte, error) {
	if level <= 0 {
		return nil, nil
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "failed to decode PNG")
	}

	encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
	if level >= 3 {
		encoder.CompressionLevel = png.BestCompression
	}

	out := bytes.Buffer{}
	if err = encoder.Encode(&out, img); err != nil {
		return nil, eris.Wrap(err, "failed to encode PNG")
	}

	return out.Bytes(), nil
}

func withTempFiles(file *stream.File, outExt string, fn func(in, out string) error) ([]byte, error) {
	dir, err := os.MkdirTemp("", "sitebuild-img-")
	if err != nil {
		return nil, eris.Wrap(err, "could not create temporary directory")
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in"+file.Ext())
	out := filepath.Join(dir, "out"+outExt)
	if err = os.WriteFile(in, file.Contents, 0o600); err != nil {
		return nil, eris.Wrap(err, "failed to write temporary input")
	}

	if err = fn(in, out); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, eris.Wrap(err, "the command did not produce an output file")
	}

	return data, nil
}

func runTool(ctx context.Context, file *stream.File, command, outExt string) ([]byte, error) {
	data, err := withTempFiles(file, outExt, func(in, out string) error {
		script := shell.Template(command, map[string]string{"in": in, "out": out})
		stderr := strings.Builder{}
		err := shell.Run(ctx, script, shell.Options{Name: "images", Dir: filepath.Dir(in), Stderr: &stderr}, nil)
		if err != nil {
			return eris.Wrapf(err, "%s", strings.TrimSpace(stderr.String()))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// never accept a result that changed the format
	if _, format, err := image.DecodeConfig(bytes.NewReader(data)); err != nil || !sameFormat(file.Ext(), format) {
		return nil, eris.Errorf("%s produced an invalid image", command)
	}

	return data, nil
}

func sameFormat(ext, format string) bool {
	switch ext {
	case ".png":
		return format == "png"
	case ".jpg", ".jpeg":
		return format == "jpeg"
	}
	return false
}

func convertWebP(ctx context.Context, file *stream.File, command string) (*stream.File, error) {
	data, err := withTempFiles(file, ".webp", func(in, out string) error {
		script := shell.Template(command, map[string]string{"in": in, "out": out})
		return shell.Run(ctx, script, shell.Options{Name: "webp", Dir: filepath.Dir(in)}, nil)
	})
	if err != nil {
		return nil, err
	}

	variant := &stream.File{
		Path:     strings.TrimSuffix(file.Path, filepath.Ext(file.Path)) + ".webp",
		Base:     file.Base,
		Contents: data,
		Mode:     file.Mode,
	}
	return variant, nil
}
