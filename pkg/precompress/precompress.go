// Package precompress writes brotli (.br) and gzip (.gz) variants next to text assets so static
// file servers can serve them without compressing on the fly.
package precompress

import (
	"bytes"
	"context"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/ngld/sitebuild/pkg/stream"
)

// Format names a compression format and doubles as the file suffix
type Format string

const (
	Brotli Format = "br"
	Gzip   Format = "gz"
)

// DefaultFormats is used when no formats are configured
var DefaultFormats = []Format{Brotli, Gzip}

var compressible = map[string]bool{
	".css":  true,
	".html": true,
	".js":   true,
	".json": true,
	".map":  true,
	".svg":  true,
	".txt":  true,
	".xml":  true,
}

// ParseFormats converts format names into Formats
func ParseFormats(names []string) ([]Format, error) {
	if len(names) == 0 {
		return DefaultFormats, nil
	}

	result := make([]Format, 0, len(names))
	for _, name := range names {
		switch Format(strings.ToLower(name)) {
		case Brotli:
			result = append(result, Brotli)
		case Gzip:
			result = append(result, Gzip)
		default:
			return nil, eris.Errorf("unknown compression format %s", name)
		}
	}

	return result, nil
}

// Compressible reports whether a file is worth compressing
func Compressible(path string) bool {
	for ext := range compressible {
		if strings.HasSuffix(strings.ToLower(path), ext) {
			return true
		}
	}
	return false
}

func newWriter(format Format, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case Brotli:
		return brotli.NewWriterLevel(w, brotli.BestCompression), nil
	case Gzip:
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	}

	return nil, eris.Errorf("unknown compression format %s", format)
}

// Encode compresses data with the given format
func Encode(format Format, data []byte) ([]byte, error) {
	buffer := bytes.Buffer{}
	writer, err := newWriter(format, &buffer)
	if err != nil {
		return nil, err
	}

	if _, err = writer.Write(data); err != nil {
		return nil, eris.Wrapf(err, "failed to compress with %s", format)
	}

	if err = writer.Close(); err != nil {
		return nil, eris.Wrapf(err, "failed to compress with %s", format)
	}

	return buffer.Bytes(), nil
}

// Compress writes compressed variants for every compressible file matched by patterns and returns
// the paths it wrote. Variants that wouldn't be smaller than the original are removed instead.
func Compress(ctx context.Context, patterns []string, formats []Format) ([]string, error) {
	paths, err := stream.Match(patterns...)
	if err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(paths))
	for _, path := range paths {
		if Compressible(path) {
			candidates = append(candidates, path)
		}
	}

	written := make([][]string, len(candidates))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())

	for idx, path := range candidates {
		idx, path := idx, path
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			result, err := compressFile(path, formats)
			written[idx] = result
			return err
		})
	}

	if err = eg.Wait(); err != nil {
		return nil, err
	}

	result := make([]string, 0, len(candidates)*len(formats))
	for _, items := range written {
		result = append(result, items...)
	}
	return result, nil
}

func compressFile(path string, formats []Format) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to stat %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}

	result := make([]string, 0, len(formats))
	for _, format := range formats {
		target := path + "." + string(format)

		encoded, err := Encode(format, data)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to compress %s", path)
		}

		if len(encoded) >= len(data) {
			if err = os.Remove(target); err != nil && !os.IsNotExist(err) {
				return nil, eris.Wrapf(err, "failed to remove stale %s", target)
			}
			continue
		}

		if err = stream.WriteFileAtomic(target, encoded, info.Mode().Perm()); err != nil {
			return nil, err
		}
		result = append(result, target)
	}

	return result, nil
}
